// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package samplestore implements the bounded, signal-safe sample store:
// a fixed-capacity open-addressed table mapping raw call stacks to sample
// counts. Increment is lock-free and allocation-free so it can run on the
// thread interrupted by the sampling timer.
package samplestore

import (
	"sync/atomic"
)

const (
	slotEmpty    int32 = 0
	slotClaiming int32 = 1
	slotOccupied int32 = 2
)

type slot struct {
	state   atomic.Int32
	key     Stack
	counter atomic.Uint64
}

// Store is a fixed-capacity K = 2^k slot table. It must be created via New;
// the zero value is not usable.
type Store struct {
	slots   []slot
	mask    uint64
	dropped atomic.Uint64
}

// New creates a Store with capacity rounded up to the next power of two.
// Panics if capacity <= 0; this only ever runs at init, never on a
// sampling path.
func New(capacity int) *Store {
	if capacity <= 0 {
		panic("samplestore: capacity must be positive")
	}
	k := uint64(1)
	for k < uint64(capacity) {
		k <<= 1
	}
	return &Store{
		slots: make([]slot, k),
		mask:  k - 1,
	}
}

// Capacity returns K, the fixed slot count.
func (s *Store) Capacity() int { return len(s.slots) }

// Increment probes from h(key) mod K, linear-probing until it finds a
// matching occupied slot (atomic counter++) or claims a free one via CAS.
// After probing K/2 slots without success it counts a drop and
// returns false. Never allocates, never blocks on a mutex: safe to call
// from a signal handler.
func (s *Store) Increment(key *Stack) bool {
	h := key.hash()
	limit := uint64(len(s.slots)) / 2
	if limit == 0 {
		limit = uint64(len(s.slots))
	}

	idx := h & s.mask
	for probes := uint64(0); probes < limit; probes++ {
		sl := &s.slots[idx]

		switch sl.state.Load() {
		case slotOccupied:
			if sl.key.equal(key) {
				sl.counter.Add(1)
				return true
			}
		case slotEmpty:
			if sl.state.CompareAndSwap(slotEmpty, slotClaiming) {
				sl.key = *key
				sl.counter.Store(1)
				sl.state.Store(slotOccupied)
				return true
			}
			// Lost the race; another writer is claiming this slot. Re-probe
			// the same slot next iteration rather than skipping it, since it
			// may turn out to hold our own key.
			probes--
			continue
		case slotClaiming:
			// Another increment is mid-claim on this slot; spin-free retry
			// by treating this probe as consumed and moving on, the way a
			// signal-safe path must (no blocking wait).
		}
		idx = (idx + 1) & s.mask
	}

	s.dropped.Add(1)
	return false
}

// DroppedSamples returns the number of increments that found no matching
// key and no free slot within the probe bound.
func (s *Store) DroppedSamples() uint64 { return s.dropped.Load() }

// Stats summarizes occupancy, mirroring the buffer-pool
// GetSize/Clean instrumentation style.
type Stats struct {
	Capacity       int
	Occupied       int
	DroppedSamples uint64
}

// ForEach traverses all occupied slots exactly once. A slot's key is
// written before its state becomes occupied and never changes afterwards,
// so a call that overlaps Increment (as the sampler's periodic checkpoint
// does) is memory-safe, but it then sees a moving view: stacks claimed
// mid-walk may be missed and counts may still grow. A consistent dump
// requires the sampler to be stopped first.
func (s *Store) ForEach(visit func(key *Stack, count uint64)) {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.state.Load() == slotOccupied {
			visit(&sl.key, sl.counter.Load())
		}
	}
}

// Stats computes occupancy counters. Like ForEach, intended for use after
// quiescence.
func (s *Store) Stats() Stats {
	st := Stats{Capacity: len(s.slots), DroppedSamples: s.dropped.Load()}
	for i := range s.slots {
		if s.slots[i].state.Load() == slotOccupied {
			st.Occupied++
		}
	}
	return st
}

// Clear resets every slot to empty and zeroes the dropped counter. Only
// valid outside sampling, e.g. between test cases or after an export.
func (s *Store) Clear() {
	for i := range s.slots {
		s.slots[i].state.Store(slotEmpty)
		s.slots[i].counter.Store(0)
	}
	s.dropped.Store(0)
}
