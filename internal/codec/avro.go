// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Avro encoding for .pflw/.libmap, selected via
// config.Keys.SampleFileFormat == "avro": an OCF writer/reader built on
// github.com/linkedin/goavro/v2, one record per logical entry.
package codec

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/linkedin/goavro/v2"

	"github.com/ClusterCockpit/perftree/internal/libmap"
	"github.com/ClusterCockpit/perftree/internal/samplestore"
)

// ocfMagic is the Avro object-container-file signature, used to tell an
// Avro-encoded export apart from the fixed-header binary encoding when the
// producing process's configuration is not known to the reader.
var ocfMagic = [4]byte{'O', 'b', 'j', 1}

// IsAvroFile reports whether path starts with the Avro OCF signature.
func IsAvroFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false, nil // shorter than any valid file of either format
	}
	return magic == ocfMagic, nil
}

// ImportSamplesAny dispatches to the Avro or binary sample importer based
// on the file's magic.
func ImportSamplesAny(path string) (*SampleFile, error) {
	avro, err := IsAvroFile(path)
	if err != nil {
		return nil, err
	}
	if avro {
		return ImportSamplesAvro(path)
	}
	return ImportSamples(path)
}

// ImportLibMapAny dispatches to the Avro or binary libmap importer based
// on the file's magic.
func ImportLibMapAny(path string) (*LibMapFile, error) {
	avro, err := IsAvroFile(path)
	if err != nil {
		return nil, err
	}
	if avro {
		return ImportLibMapAvro(path)
	}
	return ImportLibMap(path)
}

const sampleEntrySchema = `{
  "type": "record",
  "name": "SampleEntry",
  "fields": [
    {"name": "depth", "type": "int"},
    {"name": "addresses", "type": {"type": "array", "items": "long"}},
    {"name": "count", "type": "long"},
    {"name": "snapshot_id", "type": "int"}
  ]
}`

const libmapEntrySchema = `{
  "type": "record",
  "name": "LibMapEntry",
  "fields": [
    {"name": "snapshot_id", "type": "int"},
    {"name": "base", "type": "long"},
    {"name": "end", "type": "long"},
    {"name": "file_offset", "type": "long"},
    {"name": "path", "type": "string"}
  ]
}`

// ExportSamplesAvro is the Avro-encoded equivalent of ExportSamples.
func ExportSamplesAvro(path string, processID, defaultSnapshotID uint32, store *samplestore.Store) error {
	codecObj, err := goavro.NewCodec(sampleEntrySchema)
	if err != nil {
		return fmt.Errorf("codec: compiling avro schema: %w", err)
	}

	return atomicWrite(path, func(w io.Writer) error {
		ocfw, err := goavro.NewOCFWriter(goavro.OCFConfig{
			W:               w,
			Codec:           codecObj,
			CompressionName: goavro.CompressionDeflateLabel,
			MetaData: map[string][]byte{
				"process_id":          encodeUint32(processID),
				"default_snapshot_id": encodeUint32(defaultSnapshotID),
			},
		})
		if err != nil {
			return err
		}

		var writeErr error
		store.ForEach(func(key *samplestore.Stack, count uint64) {
			if writeErr != nil {
				return
			}
			addrs := make([]interface{}, key.Depth)
			for i := 0; i < key.Depth; i++ {
				addrs[i] = int64(key.Addresses[i])
			}
			rec := map[string]interface{}{
				"depth":       int32(key.Depth),
				"addresses":   addrs,
				"count":       int64(count),
				"snapshot_id": int32(key.SnapshotID),
			}
			writeErr = ocfw.Append([]map[string]interface{}{rec})
		})
		return writeErr
	})
}

func encodeUint32(v uint32) []byte {
	return []byte(strconv.FormatUint(uint64(v), 10))
}

func decodeUint32(meta map[string][]byte, key string) uint32 {
	v, err := strconv.ParseUint(string(meta[key]), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// ExportLibMapAvro is the Avro-encoded equivalent of ExportLibMap.
func ExportLibMapAvro(path string, processID uint32, registry *libmap.Registry) error {
	codecObj, err := goavro.NewCodec(libmapEntrySchema)
	if err != nil {
		return fmt.Errorf("codec: compiling avro schema: %w", err)
	}

	return atomicWrite(path, func(w io.Writer) error {
		ocfw, err := goavro.NewOCFWriter(goavro.OCFConfig{
			W:               w,
			Codec:           codecObj,
			CompressionName: goavro.CompressionDeflateLabel,
			MetaData: map[string][]byte{
				"process_id": encodeUint32(processID),
			},
		})
		if err != nil {
			return err
		}

		for _, snap := range registry.Live() {
			for _, e := range snap.Entries() {
				rec := map[string]interface{}{
					"snapshot_id": int32(snap.ID),
					"base":        int64(e.Base),
					"end":         int64(e.End),
					"file_offset": int64(e.FileOffset),
					"path":        e.Path,
				}
				if err := ocfw.Append([]map[string]interface{}{rec}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ImportSamplesAvro reads back a file written by ExportSamplesAvro.
func ImportSamplesAvro(path string) (*SampleFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ocfr, err := goavro.NewOCFReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}

	meta := ocfr.MetaData()
	sf := &SampleFile{
		ProcessID:         decodeUint32(meta, "process_id"),
		DefaultSnapshotID: decodeUint32(meta, "default_snapshot_id"),
	}
	for ocfr.Scan() {
		datum, err := ocfr.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		rec, ok := datum.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: unexpected avro record shape", ErrInconsistentHeader)
		}

		var e SampleEntry
		e.Stack.Depth = int(rec["depth"].(int32))
		for i, a := range rec["addresses"].([]interface{}) {
			e.Stack.Addresses[i] = uint64(a.(int64))
		}
		e.Count = uint64(rec["count"].(int64))
		e.Stack.SnapshotID = uint32(rec["snapshot_id"].(int32))
		sf.Entries = append(sf.Entries, e)
	}
	return sf, nil
}

// ImportLibMapAvro reads back a file written by ExportLibMapAvro. The flat
// per-entry record stream is regrouped into snapshots by snapshot_id,
// preserving first-seen order.
func ImportLibMapAvro(path string) (*LibMapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ocfr, err := goavro.NewOCFReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}

	var ids []uint32
	entriesByID := make(map[uint32][]libmap.Entry)
	for ocfr.Scan() {
		datum, err := ocfr.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		rec, ok := datum.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: unexpected avro record shape", ErrInconsistentHeader)
		}

		id := uint32(rec["snapshot_id"].(int32))
		if _, seen := entriesByID[id]; !seen {
			ids = append(ids, id)
		}
		entriesByID[id] = append(entriesByID[id], libmap.Entry{
			Base:       uint64(rec["base"].(int64)),
			End:        uint64(rec["end"].(int64)),
			FileOffset: uint64(rec["file_offset"].(int64)),
			Path:       rec["path"].(string),
		})
	}

	lf := &LibMapFile{ProcessID: decodeUint32(ocfr.MetaData(), "process_id")}
	for _, id := range ids {
		snap, err := libmap.NewSnapshot(id, entriesByID[id])
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot %d: %v", ErrInconsistentHeader, id, err)
		}
		lf.Snapshots = append(lf.Snapshots, snap)
	}
	return lf, nil
}
