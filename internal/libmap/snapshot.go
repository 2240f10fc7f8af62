// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package libmap implements library-map snapshots: ordered, disjoint sets
// of loaded-module address ranges with point lookup by binary search.
package libmap

import (
	"fmt"
	"sort"
)

// Entry is one loaded-module range. Invariant (enforced by NewSnapshot):
// entries are sorted by Base and ranges never overlap.
type Entry struct {
	Base       uint64
	End        uint64
	Path       string
	FileOffset uint64
}

// Snapshot is an immutable, point-in-time record of a process's loaded
// modules. Immutable after construction so converters can read it
// lock-free.
type Snapshot struct {
	ID      uint32
	entries []Entry // sorted by Base, disjoint
}

// NewSnapshot sorts entries by Base and validates that ranges do not
// overlap. It is factory code: an invariant violation is
// a programming error in the caller, so it returns an error rather than
// silently producing an inconsistent snapshot.
func NewSnapshot(id uint32, entries []Entry) (*Snapshot, error) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Base < sorted[i-1].End {
			return nil, fmt.Errorf("libmap: overlapping ranges [%x,%x) and [%x,%x)",
				sorted[i-1].Base, sorted[i-1].End, sorted[i].Base, sorted[i].End)
		}
	}
	return &Snapshot{ID: id, entries: sorted}, nil
}

// Resolve performs a binary search on Base; an entry qualifies iff
// Base <= address < End. Returns the module path and the file-relative
// offset offset_in_file = (address - base) + file_offset.
func (s *Snapshot) Resolve(address uint64) (path string, offset uint64, ok bool) {
	n := len(s.entries)
	i := sort.Search(n, func(i int) bool { return s.entries[i].End > address })
	if i == n {
		return "", 0, false
	}
	e := s.entries[i]
	if address < e.Base || address >= e.End {
		return "", 0, false
	}
	return e.Path, (address - e.Base) + e.FileOffset, true
}

// Entries returns the snapshot's ranges in sorted order. Callers must treat
// the result as read-only.
func (s *Snapshot) Entries() []Entry { return s.entries }
