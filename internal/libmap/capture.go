// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package libmap

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Capturer re-scans a process's loaded-module inventory and produces a
// fresh Snapshot. Implementations must not be called from a signal
// handler; the sampler schedules calls via a polled flag instead.
type Capturer interface {
	Capture() (*Snapshot, error)
}

// Registry assigns monotonically increasing snapshot ids and retains every
// published snapshot in memory until export. The capture path (refresh
// poller) appends while the sampling path looks snapshots up on every
// tick, so the slice is guarded by an RWMutex; the snapshots themselves
// are immutable after publication.
type Registry struct {
	nextID   atomic.Uint32
	capturer Capturer

	lock sync.RWMutex
	live []*Snapshot
}

// NewRegistry wraps a Capturer with id assignment and in-memory retention.
func NewRegistry(c Capturer) *Registry {
	return &Registry{capturer: c}
}

// Capture re-scans modules via the underlying Capturer, assigns the next
// id, retains the result, and returns it. Must only be called from outside
// a signal handler.
func (r *Registry) Capture() (*Snapshot, error) {
	raw, err := r.capturer.Capture()
	if err != nil {
		return nil, err
	}
	id := r.nextID.Add(1) - 1
	snap, err := NewSnapshot(id, raw.entries)
	if err != nil {
		return nil, err
	}
	r.lock.Lock()
	r.live = append(r.live, snap)
	r.lock.Unlock()
	return snap, nil
}

// Live returns every snapshot captured so far, oldest first. The exporter
// uses it to emit the full set of retained snapshots.
func (r *Registry) Live() []*Snapshot {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return append([]*Snapshot(nil), r.live...)
}

// ByID finds a previously captured snapshot, or nil if none matches.
func (r *Registry) ByID(id uint32) *Snapshot {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, s := range r.live {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ProcMapsCapturer reads /proc/<pid>/maps, the Linux dynamic linker's
// module-list inventory, and turns each executable mapping into an Entry.
// File offsets are taken directly from the maps line so that
// offset_in_file = (address - base) + file_offset holds for every entry
// (for the first mapped segment of a module, address - base == 0, so
// offset_in_file == file_offset there).
type ProcMapsCapturer struct {
	PID int
}

// Capture parses /proc/<pid>/maps. Only mappings backed by a file and
// carrying execute permission are kept, since those are the ranges
// instruction addresses can fall into.
func (p ProcMapsCapturer) Capture() (*Snapshot, error) {
	path := fmt.Sprintf("/proc/%d/maps", p.PID)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("libmap: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		e, ok, err := parseMapsLine(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("libmap: %s: %w", path, err)
		}
		if ok {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("libmap: reading %s: %w", path, err)
	}
	return &Snapshot{entries: entries}, nil
}

// parseMapsLine parses one /proc/<pid>/maps line, e.g.:
//
//	7f2a1c400000-7f2a1c428000 r-xp 00000000 08:01 131080  /usr/lib/libc.so.6
func parseMapsLine(line string) (Entry, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return Entry{}, false, nil // anonymous/unnamed mapping
	}
	perms := fields[1]
	if !strings.Contains(perms, "x") {
		return Entry{}, false, nil
	}
	path := fields[5]
	if !strings.HasPrefix(path, "/") {
		return Entry{}, false, nil // [heap], [vdso], deleted, etc.
	}

	rangeParts := strings.SplitN(fields[0], "-", 2)
	if len(rangeParts) != 2 {
		return Entry{}, false, fmt.Errorf("malformed range %q", fields[0])
	}
	base, err := strconv.ParseUint(rangeParts[0], 16, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("malformed base %q: %w", rangeParts[0], err)
	}
	end, err := strconv.ParseUint(rangeParts[1], 16, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("malformed end %q: %w", rangeParts[1], err)
	}
	fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("malformed offset %q: %w", fields[2], err)
	}

	return Entry{Base: base, End: end, Path: path, FileOffset: fileOffset}, true, nil
}
