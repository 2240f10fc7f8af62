// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package codec

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/perftree/internal/libmap"
	"github.com/ClusterCockpit/perftree/internal/samplestore"
)

func buildStore(t *testing.T) *samplestore.Store {
	t.Helper()
	store := samplestore.New(16)

	var ab samplestore.Stack
	ab.Depth = 2
	ab.Addresses[0] = 0xAA
	ab.Addresses[1] = 0xBB
	for i := 0; i < 7; i++ {
		require.True(t, store.Increment(&ab))
	}

	var c samplestore.Stack
	c.Depth = 1
	c.Addresses[0] = 0xCC
	for i := 0; i < 3; i++ {
		require.True(t, store.Increment(&c))
	}
	return store
}

type fixedCapturer struct{ entries []libmap.Entry }

func (f fixedCapturer) Capture() (*libmap.Snapshot, error) {
	return libmap.NewSnapshot(0, f.entries)
}

// Export then import yields an equal sample map, and the re-imported
// library map answers the same resolve queries.
func TestSampleAndLibMapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := buildStore(t)

	pflwPath := filepath.Join(dir, "process-1.pflw")
	require.NoError(t, ExportSamples(pflwPath, 1, 0, store))

	sf, err := ImportSamples(pflwPath)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sf.ProcessID)
	require.Equal(t, uint64(0), sf.DroppedSamples)
	require.Len(t, sf.Entries, 2)

	sort.Slice(sf.Entries, func(i, j int) bool { return sf.Entries[i].Stack.Less(&sf.Entries[j].Stack) })
	require.Equal(t, 1, sf.Entries[0].Stack.Depth)
	require.Equal(t, uint64(0xCC), sf.Entries[0].Stack.Addresses[0])
	require.Equal(t, uint64(3), sf.Entries[0].Count)
	require.Equal(t, 2, sf.Entries[1].Stack.Depth)
	require.Equal(t, uint64(0xAA), sf.Entries[1].Stack.Addresses[0])
	require.Equal(t, uint64(7), sf.Entries[1].Count)

	registry := libmap.NewRegistry(fixedCapturer{entries: []libmap.Entry{
		{Base: 0x1000, End: 0x2000, Path: "app", FileOffset: 0},
	}})
	_, err = registry.Capture()
	require.NoError(t, err)

	libmapPath := filepath.Join(dir, "process-1.libmap")
	require.NoError(t, ExportLibMap(libmapPath, 1, registry))

	lf, err := ImportLibMap(libmapPath)
	require.NoError(t, err)
	require.Len(t, lf.Snapshots, 1)

	path, off, ok := lf.Snapshots[0].Resolve(0x1123)
	require.True(t, ok)
	require.Equal(t, "app", path)
	require.Equal(t, uint64(0x123), off)
}

func TestImportSamplesRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pflw")
	require.NoError(t, os.WriteFile(path, append([]byte("NOPE"), make([]byte, 60)...), 0o644))

	_, err := ImportSamples(path)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestImportSamplesRejectsTruncatedHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.pflw")
	require.NoError(t, os.WriteFile(path, []byte("PFLW"), 0o644))

	_, err := ImportSamples(path)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestImportSamplesRejectsTruncatedBody(t *testing.T) {
	dir := t.TempDir()
	store := buildStore(t)
	path := filepath.Join(dir, "process-1.pflw")
	require.NoError(t, ExportSamples(path, 1, 0, store))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0o644))

	_, err = ImportSamples(path)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestImportSamplesRejectsNonZeroReservedRegion(t *testing.T) {
	dir := t.TempDir()
	store := buildStore(t)
	path := filepath.Join(dir, "process-1.pflw")
	require.NoError(t, ExportSamples(path, 1, 0, store))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize-1] = 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = ImportSamples(path)
	require.ErrorIs(t, err, ErrInconsistentHeader)
}

func TestImportLibMapRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.libmap")
	require.NoError(t, os.WriteFile(path, append([]byte("NOPE"), make([]byte, 60)...), 0o644))

	_, err := ImportLibMap(path)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestExportLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	store := buildStore(t)
	require.NoError(t, ExportSamples(filepath.Join(dir, "process-1.pflw"), 1, 0, store))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "process-1.pflw", entries[0].Name())
}

func TestAvroSampleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := buildStore(t)

	path := filepath.Join(dir, "process-1.pflw")
	require.NoError(t, ExportSamplesAvro(path, 1, 5, store))

	sf, err := ImportSamplesAvro(path)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sf.ProcessID)
	require.Equal(t, uint32(5), sf.DefaultSnapshotID)
	require.Len(t, sf.Entries, 2)

	sort.Slice(sf.Entries, func(i, j int) bool { return sf.Entries[i].Stack.Less(&sf.Entries[j].Stack) })
	require.Equal(t, uint64(3), sf.Entries[0].Count)
	require.Equal(t, uint64(7), sf.Entries[1].Count)
}

func TestAvroLibMapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	registry := libmap.NewRegistry(fixedCapturer{entries: []libmap.Entry{
		{Base: 0x1000, End: 0x2000, Path: "app", FileOffset: 0},
		{Base: 0x3000, End: 0x4000, Path: "libc", FileOffset: 0x500},
	}})
	_, err := registry.Capture()
	require.NoError(t, err)

	path := filepath.Join(dir, "process-1.libmap")
	require.NoError(t, ExportLibMapAvro(path, 1, registry))

	lf, err := ImportLibMapAvro(path)
	require.NoError(t, err)
	require.Equal(t, uint32(1), lf.ProcessID)
	require.Len(t, lf.Snapshots, 1)

	p, off, ok := lf.Snapshots[0].Resolve(0x3010)
	require.True(t, ok)
	require.Equal(t, "libc", p)
	require.Equal(t, uint64(0x510), off)
}

// The analysis side does not know which encoding a producer was configured
// with; the Any importers must dispatch on each file's magic.
func TestImportAnyDetectsEncoding(t *testing.T) {
	dir := t.TempDir()
	store := buildStore(t)

	binPath := filepath.Join(dir, "bin.pflw")
	avroPath := filepath.Join(dir, "avro.pflw")
	require.NoError(t, ExportSamples(binPath, 1, 0, store))
	require.NoError(t, ExportSamplesAvro(avroPath, 2, 0, store))

	bin, err := ImportSamplesAny(binPath)
	require.NoError(t, err)
	require.Equal(t, uint32(1), bin.ProcessID)

	avro, err := ImportSamplesAny(avroPath)
	require.NoError(t, err)
	require.Equal(t, uint32(2), avro.ProcessID)
	require.Len(t, avro.Entries, len(bin.Entries))
}
