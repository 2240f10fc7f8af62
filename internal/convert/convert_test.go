// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package convert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/perftree/internal/libmap"
	"github.com/ClusterCockpit/perftree/internal/samplestore"
)

func mustSnapshot(t *testing.T, id uint32, entries ...libmap.Entry) *libmap.Snapshot {
	t.Helper()
	s, err := libmap.NewSnapshot(id, entries)
	require.NoError(t, err)
	return s
}

// Address resolution against a covered snapshot yields (path, offset).
func TestConvertResolvesAddressWithinSnapshot(t *testing.T) {
	snap := mustSnapshot(t, 7, libmap.Entry{Base: 0x1000, End: 0x2000, Path: "app", FileOffset: 0})
	c := New([]*libmap.Snapshot{snap}, nil)

	var stack samplestore.Stack
	stack.Depth = 1
	stack.Addresses[0] = 0x1123
	stack.SnapshotID = 7

	rs := c.Convert(context.Background(), &stack)
	require.Len(t, rs.Frames, 1)
	require.Equal(t, "app", rs.Frames[0].Library)
	require.Equal(t, uint64(0x123), rs.Frames[0].Offset)
}

// Missing snapshot: every frame becomes "[unknown]" but conversion still
// proceeds (no error, no panic).
func TestConvertMissingSnapshotYieldsUnknown(t *testing.T) {
	c := New(nil, nil)

	var stack samplestore.Stack
	stack.Depth = 2
	stack.Addresses[0] = 0x1
	stack.Addresses[1] = 0x2
	stack.SnapshotID = 99

	rs := c.Convert(context.Background(), &stack)
	require.Len(t, rs.Frames, 2)
	for _, f := range rs.Frames {
		require.Equal(t, "[unknown]", f.Library)
	}
}

func TestConvertUnresolvedAddressOutsideAnyRange(t *testing.T) {
	snap := mustSnapshot(t, 1, libmap.Entry{Base: 0x1000, End: 0x2000, Path: "app"})
	c := New([]*libmap.Snapshot{snap}, nil)

	var stack samplestore.Stack
	stack.Depth = 1
	stack.Addresses[0] = 0xFFFF
	stack.SnapshotID = 1

	rs := c.Convert(context.Background(), &stack)
	require.Equal(t, "[unresolved]", rs.Frames[0].Library)
}

// Resolution is pure given the snapshot set.
func TestConvertIsPureForSameSnapshotAndAddress(t *testing.T) {
	snap := mustSnapshot(t, 1, libmap.Entry{Base: 0x1000, End: 0x2000, Path: "app", FileOffset: 0x10})
	c := New([]*libmap.Snapshot{snap}, nil)

	var stack samplestore.Stack
	stack.Depth = 1
	stack.Addresses[0] = 0x1500
	stack.SnapshotID = 1

	first := c.Convert(context.Background(), &stack)
	second := c.Convert(context.Background(), &stack)
	require.Equal(t, first, second)
}

func TestFrameStringFormatsWithAndWithoutSymbols(t *testing.T) {
	f := Frame{RawAddress: 0x10, Library: "app"}
	require.Contains(t, f.String(), "0x10")

	f.Function = "main"
	f.File = "main.c"
	f.Line = 3
	require.Equal(t, "main (app) [main.c:3]", f.String())
}
