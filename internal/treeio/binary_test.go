// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package treeio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/perftree/internal/perftree"
)

func buildSampleTree(t *testing.T) *perftree.Tree {
	t.Helper()
	tr := perftree.New(perftree.ContextFree, perftree.Exclusive, perftree.CoarseLock)
	abc := []perftree.FrameKey{{Function: "A", Library: "app"}, {Function: "B", Library: "app"}, {Function: "C", Library: "app"}}
	abd := []perftree.FrameKey{{Function: "A", Library: "app"}, {Function: "B", Library: "app"}, {Function: "D", Library: "app"}}
	tr.Insert(abc, 0, 2, perftree.NaN)
	tr.Insert(abd, 0, 1, perftree.NaN)
	return tr
}

// Serialize then deserialize reproduces an identical node set, counters,
// and child order.
func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tr := buildSampleTree(t)
	tr.SortChildren()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.ptree")
	require.NoError(t, Serialize(path, tr, false))

	got, err := Deserialize(path, perftree.ContextFree, perftree.Exclusive)
	require.NoError(t, err)
	got.SortChildren()

	require.Equal(t, tr.Root().TotalSamples(), got.Root().TotalSamples())
	require.Equal(t, tr.Root().SelfSamples(), got.Root().SelfSamples())

	a1 := findChildByName(t, tr.Root(), "A")
	a2 := findChildByName(t, got.Root(), "A")
	require.Equal(t, a1.TotalSamples(), a2.TotalSamples())

	b1 := findChildByName(t, a1, "B")
	b2 := findChildByName(t, a2, "B")
	require.Equal(t, b1.TotalSamples(), b2.TotalSamples())
	require.Equal(t, tr.Root().EdgeWeight(a1), got.Root().EdgeWeight(a2))
	require.Equal(t, a1.EdgeWeight(b1), a2.EdgeWeight(b2))

	c1 := findChildByName(t, b1, "C")
	c2 := findChildByName(t, b2, "C")
	require.Equal(t, c1.SelfSamples(), c2.SelfSamples())
	require.Equal(t, c1.SamplingCounts(), c2.SamplingCounts())

	d1 := findChildByName(t, b1, "D")
	d2 := findChildByName(t, b2, "D")
	require.Equal(t, d1.SelfSamples(), d2.SelfSamples())
}

func TestSerializeDeserializeRoundTripGzip(t *testing.T) {
	tr := buildSampleTree(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.ptree.gz")
	require.NoError(t, Serialize(path, tr, true))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	require.Equal(t, CompressionGzip, h.Compression)

	got, err := Deserialize(path, perftree.ContextFree, perftree.Exclusive)
	require.NoError(t, err)
	require.Equal(t, tr.Root().TotalSamples(), got.Root().TotalSamples())
}

// A node touched by fewer processes than the tree has seen carries a
// shorter counter slice; the stream must still align on process_count
// pairs per node.
func TestRoundTripPadsPerProcessCounters(t *testing.T) {
	tr := perftree.New(perftree.ContextFree, perftree.Exclusive, perftree.CoarseLock)
	tr.Insert([]perftree.FrameKey{{Function: "A", Library: "app"}}, 0, 4, perftree.NaN)
	tr.Insert([]perftree.FrameKey{{Function: "B", Library: "app"}}, 1, 6, perftree.NaN)
	tr.SortChildren()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.ptree")
	require.NoError(t, Serialize(path, tr, false))

	got, err := Deserialize(path, perftree.ContextFree, perftree.Exclusive)
	require.NoError(t, err)
	got.SortChildren()

	a := findChildByName(t, got.Root(), "A")
	b := findChildByName(t, got.Root(), "B")
	require.Equal(t, []uint64{4, 0}, a.SamplingCounts())
	require.Equal(t, []uint64{0, 6}, b.SamplingCounts())
	require.Equal(t, []uint64{4, 6}, got.Root().SamplingCounts())
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ptree")
	require.NoError(t, os.WriteFile(path, append([]byte("NOPE"), make([]byte, 60)...), 0o644))

	_, err := Deserialize(path, perftree.ContextFree, perftree.Exclusive)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDumpTextProducesIndentedLines(t *testing.T) {
	tr := buildSampleTree(t)
	tr.SortChildren()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.ptree.txt")
	require.NoError(t, DumpText(path, tr))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "[3, 0] A (app)")
	require.Contains(t, string(data), "\t\t[2, 2] C (app)")
}

func TestDumpDotEmitsNodesAndEdges(t *testing.T) {
	tr := buildSampleTree(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.dot")
	require.NoError(t, DumpDot(path, tr, Heatmap))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "digraph perftree")
	require.Contains(t, string(data), "->")
}

func findChildByName(t *testing.T, n *perftree.Node, fn string) *perftree.Node {
	t.Helper()
	for _, c := range n.Children() {
		if c.Function == fn {
			return c
		}
	}
	t.Fatalf("no child named %q", fn)
	return nil
}
