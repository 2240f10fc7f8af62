// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package perftree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func frame(fn, lib string, offset uint64) FrameKey {
	return FrameKey{Function: fn, Library: lib, Offset: offset}
}

func findChild(t *testing.T, n *Node, fn string) *Node {
	t.Helper()
	for _, c := range n.Children() {
		if c.Function == fn {
			return c
		}
	}
	t.Fatalf("no child named %q under %q", fn, n.Function)
	return nil
}

func TestInsertSingleProcessThreeSamples(t *testing.T) {
	tr := New(ContextFree, Exclusive, CoarseLock)

	abc := []FrameKey{frame("A", "app", 0), frame("B", "app", 0), frame("C", "app", 0)}
	abd := []FrameKey{frame("A", "app", 0), frame("B", "app", 0), frame("D", "app", 0)}

	tr.Insert(abc, 0, 2, NaN)
	tr.Insert(abd, 0, 1, NaN)

	a := findChild(t, tr.root, "A")
	b := findChild(t, a, "B")
	c := findChild(t, b, "C")
	d := findChild(t, b, "D")

	require.Equal(t, uint64(2), c.SelfSamples())
	require.Equal(t, uint64(1), d.SelfSamples())
	require.Equal(t, uint64(3), tr.root.EdgeWeight(a))
	require.Equal(t, uint64(3), a.EdgeWeight(b))
	require.Equal(t, uint64(2), b.EdgeWeight(c))
	require.Equal(t, uint64(1), b.EdgeWeight(d))
	require.Equal(t, uint64(3), tr.root.TotalSamples())
}

func TestBalanceAnalyzerTwoProcesses(t *testing.T) {
	tr := New(ContextFree, Exclusive, CoarseLock)
	tr.Insert([]FrameKey{frame("A", "app", 0)}, 0, 100, NaN)
	tr.Insert([]FrameKey{frame("A", "app", 0)}, 1, 50, NaN)

	counts := tr.root.SamplingCounts()
	require.Equal(t, []uint64{100, 50}, counts)

	b := tr.Balance()
	require.InDelta(t, 75, b.Mean, 1e-9)
	require.InDelta(t, 50, b.Min, 1e-9)
	require.InDelta(t, 100, b.Max, 1e-9)
	require.InDelta(t, 0.666666667, b.Imbalance, 1e-6)
}

// Context-aware trees keep one child per call-site offset, so they can
// only have more nodes than the context-free tree of the same input,
// never fewer, and the totals must agree.
func TestContextFreeVsContextAwareNodeCount(t *testing.T) {
	stack1 := []FrameKey{frame("main", "app", 0x100), frame("f", "app", 0x200)}
	stack2 := []FrameKey{frame("main", "app", 0x100), frame("f", "app", 0x300)}

	cf := New(ContextFree, Exclusive, CoarseLock)
	cf.Insert(stack1, 0, 1, NaN)
	cf.Insert(stack2, 0, 1, NaN)

	ca := New(ContextAware, Exclusive, CoarseLock)
	ca.Insert(stack1, 0, 1, NaN)
	ca.Insert(stack2, 0, 1, NaN)

	cfMain := findChild(t, cf.root, "main")
	require.Len(t, cfMain.Children(), 1, "context-free collapses same-function calls regardless of call-site offset")

	caMain := findChild(t, ca.root, "main")
	require.Len(t, caMain.Children(), 2, "context-aware distinguishes children by call-site offset")

	require.GreaterOrEqual(t, countNodes(ca.root), countNodes(cf.root))
	require.Equal(t, cf.root.TotalSamples(), ca.root.TotalSamples())
}

func countNodes(n *Node) int {
	total := 1
	for _, c := range n.Children() {
		total += countNodes(c)
	}
	return total
}

// A depth-0 stack inserts no frames but still credits the root under
// Exclusive.
func TestInsertEmptyStackCreditsRootOnly(t *testing.T) {
	tr := New(ContextFree, Exclusive, CoarseLock)
	tr.Insert(nil, 0, 5, NaN)

	require.Empty(t, tr.root.Children())
	require.Equal(t, uint64(5), tr.root.TotalSamples())
}

// Inserting the same stack twice with counts a and b equals inserting
// once with a+b.
func TestInsertIsAdditiveAcrossRepeatedInserts(t *testing.T) {
	stack := []FrameKey{frame("A", "app", 0)}

	twice := New(ContextFree, Exclusive, CoarseLock)
	twice.Insert(stack, 0, 3, NaN)
	twice.Insert(stack, 0, 4, NaN)

	once := New(ContextFree, Exclusive, CoarseLock)
	once.Insert(stack, 0, 7, NaN)

	a1 := findChild(t, twice.root, "A")
	a2 := findChild(t, once.root, "A")
	require.Equal(t, a2.SelfSamples(), a1.SelfSamples())
	require.Equal(t, uint64(7), a1.SelfSamples())
}

// Siblings under the same parent always have distinct identity keys.
func TestSiblingsHaveDistinctIdentity(t *testing.T) {
	tr := New(ContextFree, Exclusive, CoarseLock)
	tr.Insert([]FrameKey{frame("A", "app", 0)}, 0, 1, NaN)
	tr.Insert([]FrameKey{frame("B", "app", 0)}, 0, 1, NaN)
	tr.Insert([]FrameKey{frame("A", "app", 0)}, 0, 1, NaN)

	require.Len(t, tr.root.Children(), 2)
}

// Inclusive accounting credits every node on the path, not just the leaf.
func TestInclusiveCreditsEveryPathNode(t *testing.T) {
	tr := New(ContextFree, Inclusive, CoarseLock)
	tr.Insert([]FrameKey{frame("A", "app", 0), frame("B", "app", 0)}, 0, 5, NaN)

	a := findChild(t, tr.root, "A")
	b := findChild(t, a, "B")
	require.Equal(t, uint64(5), a.TotalSamples())
	require.Equal(t, uint64(5), b.TotalSamples())
	require.Equal(t, uint64(0), b.SelfSamples(), "inclusive mode does not populate self_samples")
}

// Both accounting tracks exclusive and inclusive independently.
func TestBothTracksExclusiveAndInclusiveIndependently(t *testing.T) {
	tr := New(ContextFree, Both, CoarseLock)
	tr.Insert([]FrameKey{frame("A", "app", 0), frame("B", "app", 0)}, 0, 5, NaN)

	a := findChild(t, tr.root, "A")
	b := findChild(t, a, "B")
	require.Equal(t, uint64(5), a.TotalSamples())
	require.Equal(t, uint64(0), a.SelfSamples())
	require.Equal(t, uint64(5), b.TotalSamples())
	require.Equal(t, uint64(5), b.SelfSamples())
}

func TestHotspotsRanksAndPercentages(t *testing.T) {
	tr := New(ContextFree, Exclusive, CoarseLock)
	tr.Insert([]FrameKey{frame("A", "app", 0)}, 0, 80, NaN)
	tr.Insert([]FrameKey{frame("B", "app", 0)}, 0, 20, NaN)

	hot := tr.Hotspots(ByTotalSamples, 1)
	require.Len(t, hot, 1)
	require.Equal(t, "A", hot[0].Node.Function)
	require.InDelta(t, 80, hot[0].Percentage, 1e-9)
}

// Merging trees built from any partition of the inputs equals building
// one tree from the union, up to child order.
func TestMergeIsEquivalentToBuildingFromUnion(t *testing.T) {
	stacks := [][]FrameKey{
		{frame("A", "app", 0), frame("B", "app", 0)},
		{frame("A", "app", 0), frame("C", "app", 0)},
		{frame("D", "app", 0)},
	}

	worker1 := New(ContextFree, Exclusive, ThreadLocalMerge)
	worker1.Insert(stacks[0], 0, 1, NaN)
	worker2 := New(ContextFree, Exclusive, ThreadLocalMerge)
	worker2.Insert(stacks[1], 0, 1, NaN)
	worker2.Insert(stacks[2], 0, 1, NaN)

	merged := New(ContextFree, Exclusive, ThreadLocalMerge)
	require.NoError(t, merged.Merge(worker1))
	require.NoError(t, merged.Merge(worker2))

	direct := New(ContextFree, Exclusive, ThreadLocalMerge)
	for _, s := range stacks {
		direct.Insert(s, 0, 1, NaN)
	}

	merged.SortChildren()
	direct.SortChildren()

	require.Equal(t, countNodes(direct.root), countNodes(merged.root))
	require.Equal(t, direct.root.TotalSamples(), merged.root.TotalSamples())

	a1 := findChild(t, merged.root, "A")
	a2 := findChild(t, direct.root, "A")
	require.Equal(t, a2.EdgeWeight(findChild(t, a2, "B")), a1.EdgeWeight(findChild(t, a1, "B")))
}

func TestParseModeHelpers(t *testing.T) {
	m, err := ParseBuildMode("context-aware")
	require.NoError(t, err)
	require.Equal(t, ContextAware, m)

	c, err := ParseSampleCountMode("both")
	require.NoError(t, err)
	require.Equal(t, Both, c)

	model, err := ParseConcurrencyModel("lock-free")
	require.NoError(t, err)
	require.Equal(t, LockFree, model)

	_, err = ParseBuildMode("bogus")
	require.Error(t, err)
}
