// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package samplestore

// MaxAddresses bounds how many frames a Stack can carry. It is independent
// of config.Keys.MaxStackDepth (which may be set lower at runtime); this is
// the hard upper bound the fixed-size Stack array provides so increment can
// stay allocation-free.
const MaxAddresses = 128

// Stack is a raw, unresolved call stack: a bounded ordered sequence of
// instruction addresses, a capture timestamp, and the library-map snapshot
// id in effect when it was captured.
//
// Stack is a plain value (no pointers, no slices) so that building one on
// the stack inside a signal handler never allocates.
type Stack struct {
	Depth      int
	Addresses  [MaxAddresses]uint64
	Timestamp  int64
	SnapshotID uint32
}

// Less orders stacks by (depth, addresses[0:depth]).
func (s *Stack) Less(o *Stack) bool {
	if s.Depth != o.Depth {
		return s.Depth < o.Depth
	}
	for i := 0; i < s.Depth; i++ {
		if s.Addresses[i] != o.Addresses[i] {
			return s.Addresses[i] < o.Addresses[i]
		}
	}
	return false
}

func (s *Stack) equal(o *Stack) bool {
	if s.Depth != o.Depth {
		return false
	}
	for i := 0; i < s.Depth; i++ {
		if s.Addresses[i] != o.Addresses[i] {
			return false
		}
	}
	return true
}

// hash combines depth and addresses with a fixed, cheap mixing function
// (FNV-1a variant). Stable across processes: no randomized seed, no map
// iteration order dependence.
func (s *Stack) hash() uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211

	h := uint64(offset64)
	h = (h ^ uint64(s.Depth)) * prime64
	for i := 0; i < s.Depth; i++ {
		a := s.Addresses[i]
		h = (h ^ a) * prime64
		h = (h ^ (a >> 32)) * prime64
	}
	return h
}
