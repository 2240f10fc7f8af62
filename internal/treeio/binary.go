// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package treeio implements the tree serializer and text dumper: the
// binary .ptree/.ptree.gz format (little-endian fixed header,
// length-prefixed strings, pre-order node stream, atomic-on-close writes)
// and the human-readable .ptree.txt and GraphViz .dot renderings.
package treeio

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ClusterCockpit/perftree/internal/perftree"
)

var byteOrder = binary.LittleEndian

var treeMagic = [4]byte{'P', 'T', 'R', 'E'}

const formatVersion = uint32(1)

// headerSize is the fixed on-disk size of the .ptree header. Real fields
// occupy a left-justified prefix; the remainder is a reserved region,
// zero-filled on write and checked on read, so a future version can grow
// fields without shifting the payload.
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
		return fmt.Errorf("treeio: header occupies %d bytes, exceeds fixed %d-byte header", buf.Len(), headerSize)
	}
	buf.Write(make([]byte, headerSize-buf.Len()))
	_, err := w.Write(buf.Bytes())
	return err
}

// checkReservedZero consumes the rest of r (the reserved region following the
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

// Compression selects whether the serialized stream is gzip-wrapped.
type Compression uint32

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
)

var (
	ErrBadMagic           = errors.New("treeio: bad magic")
	ErrUnsupportedVersion = errors.New("treeio: unsupported version")
	ErrTruncated          = errors.New("treeio: truncated file")
	ErrInconsistentHeader = errors.New("treeio: inconsistent header")
)

// Serialize writes tree to path in the binary .ptree format. When
// compress is true, the node stream is gzip-wrapped (.ptree.gz).
func Serialize(path string, tree *perftree.Tree, compress bool) error {
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

	comp := CompressionNone
	if compress {
		comp = CompressionGzip
	}

	nodeCount := 0
	tree.WalkPreOrder(-1, func(n *perftree.Node, depth int) bool {
		nodeCount++
		return true
	})

	// timestamp: always written as 0; nothing in this module stamps it
	if err := writeFixedHeader(bw, treeMagic, formatVersion, uint32(comp), uint32(nodeCount), uint32(tree.ProcessCount()), int64(0)); err != nil {
		return err
	}

	var bodyWriter io.Writer = bw
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(bw)
		bodyWriter = gz
	}

	ids := assignIDs(tree)
	if err := writeNodeStream(bodyWriter, tree, ids); err != nil {
		return fmt.Errorf("treeio: writing node stream: %w", err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func assignIDs(tree *perftree.Tree) map[*perftree.Node]uint32 {
	ids := make(map[*perftree.Node]uint32)
	var next uint32
	tree.WalkPreOrder(-1, func(n *perftree.Node, depth int) bool {
		ids[n] = next
		next++
		return true
	})
	return ids
}

func writeNodeStream(w io.Writer, tree *perftree.Tree, ids map[*perftree.Node]uint32) error {
	processCount := tree.ProcessCount()
	var walkErr error
	tree.WalkPreOrder(-1, func(n *perftree.Node, depth int) bool {
		if err := writeNode(w, n, ids[n], parentIDForWrite(n, ids), processCount); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	return walkErr
}

func parentIDForWrite(n *perftree.Node, ids map[*perftree.Node]uint32) uint32 {
	if n.Parent == nil {
		return ids[n] // root is its own parent marker
	}
	return ids[n.Parent]
}

func writeNode(w io.Writer, n *perftree.Node, id, parentID uint32, processCount int) error {
	children := n.Children()
	fields := []any{
		id, parentID, n.TotalSamples(), n.SelfSamples(),
		uint64(0), // raw_address: not retained on the node itself post-aggregation
		n.Offset, int32(n.Line),
		uint16(len(n.Function)), uint16(len(n.Library)), uint16(len(n.File)),
		uint32(len(children)),
	}
	for _, f := range fields {
		if err := binary.Write(w, byteOrder, f); err != nil {
			return err
		}
	}
	for _, s := range []string{n.Function, n.Library, n.File} {
		if _, err := w.Write([]byte(s)); err != nil {
			return err
		}
	}

	// Per-node counter slices grow lazily, so a node touched by fewer
	// processes than the tree has seen carries a shorter slice; the stream
	// always emits exactly processCount pairs, zero-padded, to match what
	// the reader consumes.
	counts := n.SamplingCounts()
	times := n.ExecutionTimes()
	for i := 0; i < processCount; i++ {
		c := uint64(0)
		if i < len(counts) {
			c = counts[i]
		}
		t := float64(0)
		if i < len(times) {
			t = float64(times[i])
		}
		if err := binary.Write(w, byteOrder, c); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, t); err != nil {
			return err
		}
	}
	return nil
}

// Header is the decoded fixed header of a .ptree file.
type Header struct {
	Version      uint32
	Compression  Compression
	NodeCount    uint32
	ProcessCount uint32
	Timestamp    int64
}

// ReadHeader reads and validates just the fixed header, without decoding
// the node stream. Useful for quick format probing.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return readHeader(bufio.NewReader(f))
}

func readHeader(r io.Reader) (Header, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	hr := bytes.NewReader(raw)

	var magic [4]byte
	io.ReadFull(hr, magic[:])
	if magic != treeMagic {
		return Header{}, fmt.Errorf("%w: got %q", ErrBadMagic, magic)
	}

	var h Header
	var version uint32
	if err := binary.Read(hr, byteOrder, &version); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if version != formatVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	h.Version = version
	var comp uint32
	if err := binary.Read(hr, byteOrder, &comp); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	h.Compression = Compression(comp)
	if err := binary.Read(hr, byteOrder, &h.NodeCount); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if err := binary.Read(hr, byteOrder, &h.ProcessCount); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if err := binary.Read(hr, byteOrder, &h.Timestamp); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if err := checkReservedZero(hr); err != nil {
		return Header{}, err
	}
	return h, nil
}

// rawNode is the wire shape of one decoded node, prior to being linked
// into a perftree.Tree.
type rawNode struct {
	id, parentID           uint32
	total, self            uint64
	offset                 uint64
	line                   int32
	function, library, file string
	childCount             uint32
	counts                 []uint64
	times                  []float64
}

// Deserialize reads a .ptree/.ptree.gz file written by Serialize and
// rebuilds an equivalent Tree. buildMode/countMode must match what the
// tree was serialized with (the wire format does not currently persist
// them; callers retain that out-of-band, e.g. alongside the file name).
func Deserialize(path string, buildMode perftree.BuildMode, countMode perftree.SampleCountMode) (*perftree.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	br := bufio.NewReader(f)

	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader = br
	if h.Compression == CompressionGzip {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("treeio: opening gzip stream: %w", err)
		}
		defer gz.Close()
		bodyReader = gz
	}

	nodes := make([]rawNode, 0, h.NodeCount)
	for i := uint32(0); i < h.NodeCount; i++ {
		rn, err := readRawNode(bodyReader, h.ProcessCount)
		if err != nil {
			return nil, fmt.Errorf("treeio: node %d: %w", i, err)
		}
		nodes = append(nodes, rn)
	}

	return rebuildTree(nodes, buildMode, countMode)
}

func readRawNode(r io.Reader, processCount uint32) (rawNode, error) {
	var rn rawNode
	var rawAddr uint64
	var line int32
	var fnLen, libLen, fileLen uint16
	var childCount uint32

	for _, f := range []any{&rn.id, &rn.parentID, &rn.total, &rn.self, &rawAddr, &rn.offset, &line, &fnLen, &libLen, &fileLen, &childCount} {
		if err := binary.Read(r, byteOrder, f); err != nil {
			return rn, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
	}
	rn.line = line
	rn.childCount = childCount

	readStr := func(n uint16) (string, error) {
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return string(b), nil
	}
	var err error
	if rn.function, err = readStr(fnLen); err != nil {
		return rn, err
	}
	if rn.library, err = readStr(libLen); err != nil {
		return rn, err
	}
	if rn.file, err = readStr(fileLen); err != nil {
		return rn, err
	}

	rn.counts = make([]uint64, processCount)
	rn.times = make([]float64, processCount)
	for i := uint32(0); i < processCount; i++ {
		if err := binary.Read(r, byteOrder, &rn.counts[i]); err != nil {
			return rn, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		if err := binary.Read(r, byteOrder, &rn.times[i]); err != nil {
			return rn, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
	}
	return rn, nil
}

// rebuildTree re-links a flat pre-order node stream into a perftree.Tree.
// The wire format does not carry an explicit edge-weight
// field; it does not need to, since a node's total_samples equals the
// traffic that flowed into it through its single parent edge (every
// sample credited anywhere in a node's subtree necessarily traversed that
// one edge first), so the edge weight is reconstructed as the child's own
// total_samples.
func rebuildTree(nodes []rawNode, buildMode perftree.BuildMode, countMode perftree.SampleCountMode) (*perftree.Tree, error) {
	tree := perftree.New(buildMode, countMode, perftree.CoarseLock)
	byID := make(map[uint32]*perftree.Node, len(nodes))

	for _, rn := range nodes {
		counts := rn.counts
		times := make([]perftree.Float, len(rn.times))
		for i, v := range rn.times {
			times[i] = perftree.Float(v)
		}

		if rn.id == rn.parentID {
			tree.SetRawRoot(rn.self, rn.total, counts, times)
			byID[rn.id] = tree.Root()
			continue
		}

		parent, ok := byID[rn.parentID]
		if !ok {
			return nil, fmt.Errorf("treeio: node %d references unknown parent %d", rn.id, rn.parentID)
		}
		key := perftree.FrameKey{Function: rn.function, Library: rn.library, Offset: rn.offset, File: rn.file, Line: int(rn.line)}
		child := tree.AddRawChild(parent, key, rn.self, rn.total, counts, times)
		tree.SetRawEdgeWeight(parent, child, rn.total)
		byID[rn.id] = child
	}
	return tree, nil
}
