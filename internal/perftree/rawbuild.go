// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package perftree

// The methods in this file exist solely so treeio can reconstruct a Tree
// from a serialized node stream with an identical node set, counters, and
// child order, without re-deriving per-node counters by replaying Insert,
// which would not reproduce Exclusive-mode's "only the leaf is credited"
// shape for intermediate nodes that were never themselves a leaf.

// AddRawChild creates (or returns the existing) child of parent with the
// given identity and raw counters, bypassing Insert's accounting rules.
// Used only by treeio.Deserialize.
func (t *Tree) AddRawChild(parent *Node, key FrameKey, selfSamples, totalSamples uint64, counts []uint64, times []Float) *Node {
	child := parent.resolveOrCreateChild(key)
	child.selfSamples.Store(selfSamples)
	child.totalSamples.Store(totalSamples)
	child.countersMu.Lock()
	child.samplingCounts = append([]uint64(nil), counts...)
	child.executionTimes = append([]Float(nil), times...)
	child.countersMu.Unlock()
	t.ensureProcessCount(len(counts))
	return child
}

// SetRawRoot overwrites the root's own counters (used when the serialized
// stream's first node is the root).
func (t *Tree) SetRawRoot(selfSamples, totalSamples uint64, counts []uint64, times []Float) {
	t.root.selfSamples.Store(selfSamples)
	t.root.totalSamples.Store(totalSamples)
	t.root.countersMu.Lock()
	t.root.samplingCounts = append([]uint64(nil), counts...)
	t.root.executionTimes = append([]Float(nil), times...)
	t.root.countersMu.Unlock()
	t.ensureProcessCount(len(counts))
}

// SetRawEdgeWeight sets the edge weight from parent to child directly
// (rather than accumulating via repeated Insert calls).
func (t *Tree) SetRawEdgeWeight(parent, child *Node, weight uint64) {
	key := FrameKey{Function: child.Function, Library: child.Library, Offset: child.Offset}
	parent.mu.RLock()
	w := parent.edgeWeight[parent.tree.key(key)]
	parent.mu.RUnlock()
	w.Store(weight)
}
