// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package codec implements the export/import codec for .pflw sample files
// and .libmap library-map files: a versioned fixed header followed by a
// flat record stream, little-endian fixed-width integers throughout, and
// atomic-on-close writes (temp file, fsync, rename).
package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ClusterCockpit/perftree/internal/libmap"
	"github.com/ClusterCockpit/perftree/internal/samplestore"
)

var byteOrder = binary.LittleEndian

var (
	sampleMagic = [4]byte{'P', 'F', 'L', 'W'}
	libmapMagic = [4]byte{'L', 'M', 'A', 'P'}

	formatVersion = uint32(1)
)

// headerSize is the fixed on-disk size of every header this package
// writes. Real fields occupy a left-justified prefix; the remainder is a
// reserved region, zero-filled on write and checked on read, so a future
// version can grow fields without shifting the payload.
const headerSize = 64

// writeFixedHeader serializes magic followed by fields, left-justified, into
// a headerSize-byte block with the remainder zero-padded as the reserved
// region.
func writeFixedHeader(w io.Writer, magic [4]byte, fields ...any) error {
	var buf bytes.Buffer
	buf.Write(magic[:])
	for _, f := range fields {
		if err := binary.Write(&buf, byteOrder, f); err != nil {
			return err
		}
	}
	if buf.Len() > headerSize {
		return fmt.Errorf("codec: header occupies %d bytes, exceeds fixed %d-byte header", buf.Len(), headerSize)
	}
	buf.Write(make([]byte, headerSize-buf.Len()))
	_, err := w.Write(buf.Bytes())
	return err
}

// checkReservedZero consumes the rest of r (the reserved region following a
// header's real fields) and fails if any byte is non-zero.
func checkReservedZero(r *bytes.Reader) error {
	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return fmt.Errorf("%w: reserved region: %v", ErrTruncated, err)
	}
	for _, b := range rest {
		if b != 0 {
			return fmt.Errorf("%w: non-zero reserved header bytes", ErrInconsistentHeader)
		}
	}
	return nil
}

// Import failure kinds. Wrapped with fmt.Errorf so errors.Is still
// matches the sentinel.
var (
	ErrBadMagic           = errors.New("codec: bad magic")
	ErrUnsupportedVersion = errors.New("codec: unsupported version")
	ErrTruncated          = errors.New("codec: truncated file")
	ErrInconsistentHeader = errors.New("codec: inconsistent header")
)

// SampleEntry is one occupied bucket of a samplestore.Store as persisted to
// disk: a raw stack, its count, and the snapshot id in effect when it was
// captured.
type SampleEntry struct {
	Stack samplestore.Stack
	Count uint64
}

// SampleFile is the in-memory representation of a .pflw file.
type SampleFile struct {
	ProcessID         uint32
	DroppedSamples    uint64
	DefaultSnapshotID uint32
	Entries           []SampleEntry
}

// ExportSamples writes store's occupied entries (and drop counter) to path
// as a .pflw file. Write is atomic-on-close: it writes to a uniquely named
// ".tmp-<name>-*" file beside path, fsyncs, then renames into place.
func ExportSamples(path string, processID, defaultSnapshotID uint32, store *samplestore.Store) error {
	var entries []SampleEntry
	store.ForEach(func(key *samplestore.Stack, count uint64) {
		entries = append(entries, SampleEntry{Stack: *key, Count: count})
	})

	return atomicWrite(path, func(w io.Writer) error {
		if err := writeFixedHeader(w, sampleMagic, formatVersion, processID, uint32(len(entries)), store.DroppedSamples(), defaultSnapshotID); err != nil {
			return err
		}
		for _, e := range entries {
			if err := binary.Write(w, byteOrder, uint16(e.Stack.Depth)); err != nil {
				return err
			}
			for i := 0; i < e.Stack.Depth; i++ {
				if err := binary.Write(w, byteOrder, e.Stack.Addresses[i]); err != nil {
					return err
				}
			}
			if err := binary.Write(w, byteOrder, e.Count); err != nil {
				return err
			}
			if err := binary.Write(w, byteOrder, e.Stack.SnapshotID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ImportSamples reads a .pflw file written by ExportSamples.
func ImportSamples(path string) (*SampleFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	hr := bytes.NewReader(raw)

	var magic [4]byte
	io.ReadFull(hr, magic[:])
	if magic != sampleMagic {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, magic)
	}

	var version uint32
	if err := binary.Read(hr, byteOrder, &version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	sf := &SampleFile{}
	var stackCount uint32
	if err := binary.Read(hr, byteOrder, &sf.ProcessID); err != nil {
		return nil, fmt.Errorf("%w: process id: %v", ErrTruncated, err)
	}
	if err := binary.Read(hr, byteOrder, &stackCount); err != nil {
		return nil, fmt.Errorf("%w: stack count: %v", ErrTruncated, err)
	}
	if err := binary.Read(hr, byteOrder, &sf.DroppedSamples); err != nil {
		return nil, fmt.Errorf("%w: dropped samples: %v", ErrTruncated, err)
	}
	if err := binary.Read(hr, byteOrder, &sf.DefaultSnapshotID); err != nil {
		return nil, fmt.Errorf("%w: default snapshot id: %v", ErrTruncated, err)
	}
	if err := checkReservedZero(hr); err != nil {
		return nil, err
	}

	sf.Entries = make([]SampleEntry, 0, stackCount)
	for i := uint32(0); i < stackCount; i++ {
		var depth uint16
		if err := binary.Read(r, byteOrder, &depth); err != nil {
			return nil, fmt.Errorf("%w: entry %d depth: %v", ErrTruncated, i, err)
		}
		if int(depth) > samplestore.MaxAddresses {
			return nil, fmt.Errorf("%w: entry %d depth %d exceeds MaxAddresses", ErrInconsistentHeader, i, depth)
		}
		var e SampleEntry
		e.Stack.Depth = int(depth)
		for j := uint16(0); j < depth; j++ {
			if err := binary.Read(r, byteOrder, &e.Stack.Addresses[j]); err != nil {
				return nil, fmt.Errorf("%w: entry %d address %d: %v", ErrTruncated, i, j, err)
			}
		}
		if err := binary.Read(r, byteOrder, &e.Count); err != nil {
			return nil, fmt.Errorf("%w: entry %d count: %v", ErrTruncated, i, err)
		}
		if err := binary.Read(r, byteOrder, &e.Stack.SnapshotID); err != nil {
			return nil, fmt.Errorf("%w: entry %d snapshot id: %v", ErrTruncated, i, err)
		}
		sf.Entries = append(sf.Entries, e)
	}
	return sf, nil
}

// LibMapFile is the in-memory representation of a .libmap file: every
// snapshot captured for one process, in capture order.
type LibMapFile struct {
	ProcessID uint32
	Snapshots []*libmap.Snapshot
}

// ExportLibMap writes every retained snapshot of registry to path.
func ExportLibMap(path string, processID uint32, registry *libmap.Registry) error {
	snaps := registry.Live()
	return atomicWrite(path, func(w io.Writer) error {
		if err := writeFixedHeader(w, libmapMagic, formatVersion, processID, uint32(len(snaps))); err != nil {
			return err
		}
		for _, snap := range snaps {
			if err := binary.Write(w, byteOrder, snap.ID); err != nil {
				return err
			}
			entries := snap.Entries()
			if err := binary.Write(w, byteOrder, uint32(len(entries))); err != nil {
				return err
			}
			for _, e := range entries {
				if err := binary.Write(w, byteOrder, e.Base); err != nil {
					return err
				}
				if err := binary.Write(w, byteOrder, e.End); err != nil {
					return err
				}
				if err := binary.Write(w, byteOrder, e.FileOffset); err != nil {
					return err
				}
				pathBytes := []byte(e.Path)
				if err := binary.Write(w, byteOrder, uint16(len(pathBytes))); err != nil {
					return err
				}
				if _, err := w.Write(pathBytes); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ImportLibMap reads a .libmap file written by ExportLibMap.
func ImportLibMap(path string) (*LibMapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	hr := bytes.NewReader(raw)

	var magic [4]byte
	io.ReadFull(hr, magic[:])
	if magic != libmapMagic {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, magic)
	}

	var version uint32
	if err := binary.Read(hr, byteOrder, &version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	lf := &LibMapFile{}
	var snapCount uint32
	if err := binary.Read(hr, byteOrder, &lf.ProcessID); err != nil {
		return nil, fmt.Errorf("%w: process id: %v", ErrTruncated, err)
	}
	if err := binary.Read(hr, byteOrder, &snapCount); err != nil {
		return nil, fmt.Errorf("%w: snapshot count: %v", ErrTruncated, err)
	}
	if err := checkReservedZero(hr); err != nil {
		return nil, err
	}

	for i := uint32(0); i < snapCount; i++ {
		var id uint32
		var entryCount uint32
		if err := binary.Read(r, byteOrder, &id); err != nil {
			return nil, fmt.Errorf("%w: snapshot %d id: %v", ErrTruncated, i, err)
		}
		if err := binary.Read(r, byteOrder, &entryCount); err != nil {
			return nil, fmt.Errorf("%w: snapshot %d entry count: %v", ErrTruncated, i, err)
		}
		entries := make([]libmap.Entry, entryCount)
		for j := uint32(0); j < entryCount; j++ {
			var e libmap.Entry
			if err := binary.Read(r, byteOrder, &e.Base); err != nil {
				return nil, fmt.Errorf("%w: snapshot %d entry %d base: %v", ErrTruncated, i, j, err)
			}
			if err := binary.Read(r, byteOrder, &e.End); err != nil {
				return nil, fmt.Errorf("%w: snapshot %d entry %d end: %v", ErrTruncated, i, j, err)
			}
			if err := binary.Read(r, byteOrder, &e.FileOffset); err != nil {
				return nil, fmt.Errorf("%w: snapshot %d entry %d file offset: %v", ErrTruncated, i, j, err)
			}
			var pathLen uint16
			if err := binary.Read(r, byteOrder, &pathLen); err != nil {
				return nil, fmt.Errorf("%w: snapshot %d entry %d path length: %v", ErrTruncated, i, j, err)
			}
			pathBytes := make([]byte, pathLen)
			if _, err := io.ReadFull(r, pathBytes); err != nil {
				return nil, fmt.Errorf("%w: snapshot %d entry %d path: %v", ErrTruncated, i, j, err)
			}
			e.Path = string(pathBytes)
			entries[j] = e
		}
		snap, err := libmap.NewSnapshot(id, entries)
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot %d: %v", ErrInconsistentHeader, i, err)
		}
		lf.Snapshots = append(lf.Snapshots, snap)
	}
	return lf, nil
}

// atomicWrite writes via write to a temp file beside path, fsyncs, then
// renames into place so readers never observe a partial file.
func atomicWrite(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		return fmt.Errorf("codec: writing %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("codec: flushing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("codec: fsync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("codec: closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("codec: renaming into %s: %w", path, err)
	}
	return nil
}
