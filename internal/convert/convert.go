// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package convert implements the offset converter: it joins a raw
// samplestore.Stack with the libmap.Snapshot in effect at capture time
// (and, optionally, a symbol.Resolver) to produce a resolved call stack.
// It holds no concurrency of its own; callers synchronize.
package convert

import (
	"context"
	"fmt"

	"github.com/ClusterCockpit/perftree/internal/libmap"
	"github.com/ClusterCockpit/perftree/internal/samplestore"
	"github.com/ClusterCockpit/perftree/internal/symbol"
)

const (
	unknownLibrary    = "[unknown]"
	unresolvedLibrary = "[unresolved]"
)

// Frame is one resolved stack frame, preserving the original raw address.
// Function/File/Line are empty unless symbol resolution is enabled and
// succeeds.
type Frame struct {
	RawAddress uint64
	Library    string
	Offset     uint64
	Function   string
	File       string
	Line       int
}

// ResolvedStack is a resolved call stack, bottom-to-top (outermost caller
// first).
type ResolvedStack struct {
	Frames     []Frame
	Timestamp  int64
	SnapshotID uint32
}

// Converter holds a mapping from snapshot-id to libmap.Snapshot and an
// optional symbol.Resolver.
type Converter struct {
	snapshots map[uint32]*libmap.Snapshot
	resolver  *symbol.Resolver
}

// New creates a Converter from a set of snapshots, keyed by id. resolver
// may be nil to disable symbolication.
func New(snapshots []*libmap.Snapshot, resolver *symbol.Resolver) *Converter {
	m := make(map[uint32]*libmap.Snapshot, len(snapshots))
	for _, s := range snapshots {
		m[s.ID] = s
	}
	return &Converter{snapshots: m, resolver: resolver}
}

// Convert resolves one raw stack. Frame order is preserved (outermost-
// caller first, matching the order addresses were stored in).
func (c *Converter) Convert(ctx context.Context, stack *samplestore.Stack) ResolvedStack {
	rs := ResolvedStack{
		Timestamp:  stack.Timestamp,
		SnapshotID: stack.SnapshotID,
		Frames:     make([]Frame, stack.Depth),
	}

	snap := c.snapshots[stack.SnapshotID]
	for i := 0; i < stack.Depth; i++ {
		addr := stack.Addresses[i]
		frame := Frame{RawAddress: addr}

		if snap == nil {
			frame.Library = unknownLibrary
		} else if path, offset, ok := snap.Resolve(addr); ok {
			frame.Library = path
			frame.Offset = offset
			if c.resolver != nil {
				info := c.resolver.Resolve(ctx, path, offset)
				frame.Function = info.Function
				frame.File = info.File
				frame.Line = info.Line
			}
		} else {
			frame.Library = unresolvedLibrary
		}

		rs.Frames[i] = frame
	}
	return rs
}

// String renders a frame for diagnostics/dot-export labeling.
func (f Frame) String() string {
	if f.Function != "" {
		if f.File != "" {
			return fmt.Sprintf("%s (%s) [%s:%d]", f.Function, f.Library, f.File, f.Line)
		}
		return fmt.Sprintf("%s (%s)", f.Function, f.Library)
	}
	return fmt.Sprintf("%#x (%s)", f.RawAddress, f.Library)
}
