// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package builder implements the ingestion pipeline driving codec,
// convert, and perftree over a directory of process-<pid>.pflw/.libmap
// pairs: sequential or worker-pool parallel, cooperative cancellation,
// and a per-file ok/fail summary.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ClusterCockpit/perftree/internal/codec"
	"github.com/ClusterCockpit/perftree/internal/convert"
	"github.com/ClusterCockpit/perftree/internal/perftree"
	"github.com/ClusterCockpit/perftree/internal/plog"
	"github.com/ClusterCockpit/perftree/internal/symbol"
)

var pflwName = regexp.MustCompile(`^process-(\d+)\.pflw$`)

// Input is one process's pair of ingestible files.
type Input struct {
	ProcessID  uint32
	SamplePath string
	LibMapPath string
}

// Discover scans dir for process-<pid>.pflw/.libmap pairs. A .pflw file
// with no matching .libmap is reported in the returned fail list rather
// than silently skipped.
func Discover(dir string) ([]Input, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	var inputs []Input
	var failed []string
	for _, e := range entries {
		m := pflwName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		pid, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			failed = append(failed, e.Name())
			continue
		}
		libmapPath := filepath.Join(dir, fmt.Sprintf("process-%d.libmap", pid))
		if _, err := os.Stat(libmapPath); err != nil {
			failed = append(failed, e.Name())
			continue
		}
		inputs = append(inputs, Input{
			ProcessID:  uint32(pid),
			SamplePath: filepath.Join(dir, e.Name()),
			LibMapPath: libmapPath,
		})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].ProcessID < inputs[j].ProcessID })
	return inputs, failed, nil
}

// Builder drives ingestion of a set of Inputs into a perftree.Tree.
type Builder struct {
	resolver *symbol.Resolver // nil disables symbolication

	filesIngested prometheus.Counter
	filesFailed   prometheus.Counter
}

// Opts configures a Builder.
type Opts struct {
	Resolver        *symbol.Resolver
	MetricsRegistry prometheus.Registerer
}

func New(o Opts) *Builder {
	b := &Builder{
		resolver: o.Resolver,
		filesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perftree_builder_files_ingested_total",
			Help: "Process sample/libmap pairs successfully ingested.",
		}),
		filesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perftree_builder_files_failed_total",
			Help: "Process sample/libmap pairs that failed ingestion.",
		}),
	}
	if o.MetricsRegistry != nil {
		o.MetricsRegistry.MustRegister(b.filesIngested, b.filesFailed)
	}
	return b
}

// Result is the outcome of ingesting one Input.
type Result struct {
	Input Input
	Err   error
}

// BuildSequential ingests inputs one at a time into tree, in order,
// checking ctx cancellation between files. Partial results remain a
// valid, consistent tree.
func (b *Builder) BuildSequential(ctx context.Context, tree *perftree.Tree, inputs []Input) (okCount int, failList []Result) {
	for i, in := range inputs {
		select {
		case <-ctx.Done():
			return okCount, failList
		default:
		}
		if err := b.ingestOne(ctx, tree, in, i); err != nil {
			b.filesFailed.Inc()
			failList = append(failList, Result{Input: in, Err: err})
			plog.Warnf("builder: ingest %s: %s", in.SamplePath, err)
			continue
		}
		b.filesIngested.Inc()
		okCount++
	}
	return okCount, failList
}

// BuildParallel spins a numWorkers-wide pool over inputs. For
// CoarseLock/FineGrainedLock/LockFree, every worker calls ingestOne
// directly on the shared tree, relying on the locking/atomics Tree.Insert
// already dispatches on t.Model. Only ThreadLocalMerge gives each worker
// a private tree of its own, merged into tree in worker order once all
// workers finish, so the final merge order is deterministic.
func (b *Builder) BuildParallel(ctx context.Context, tree *perftree.Tree, inputs []Input, numWorkers int) (okCount int, failList []Result) {
	if numWorkers < 1 {
		numWorkers = 1
	}

	type workItem struct {
		idx int
		in  Input
	}
	work := make(chan workItem, numWorkers)

	threadLocal := tree.Model == perftree.ThreadLocalMerge
	workerTrees := make([]*perftree.Tree, numWorkers)
	for i := range workerTrees {
		if threadLocal {
			workerTrees[i] = perftree.New(tree.BuildMode, tree.CountMode, perftree.ThreadLocalMerge)
		} else {
			workerTrees[i] = tree
		}
	}

	var (
		wg       sync.WaitGroup
		ok       atomic.Int64
		mu       sync.Mutex
		failures []Result
	)

	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for item := range work {
				select {
				case <-ctx.Done():
					continue
				default:
				}
				if err := b.ingestOne(ctx, workerTrees[w], item.in, item.idx); err != nil {
					b.filesFailed.Inc()
					mu.Lock()
					failures = append(failures, Result{Input: item.in, Err: err})
					mu.Unlock()
					plog.Warnf("builder: ingest %s: %s", item.in.SamplePath, err)
					continue
				}
				b.filesIngested.Inc()
				ok.Add(1)
			}
		}()
	}

	for i, in := range inputs {
		select {
		case <-ctx.Done():
		case work <- workItem{idx: i, in: in}:
			continue
		}
		break
	}
	close(work)
	wg.Wait()

	if threadLocal {
		for _, wt := range workerTrees {
			if err := tree.Merge(wt); err != nil {
				mu.Lock()
				failures = append(failures, Result{Err: fmt.Errorf("builder: merge: %w", err)})
				mu.Unlock()
			}
		}
	}

	return int(ok.Load()), failures
}

// ingestOne imports one process's sample/libmap pair (the encoding is
// detected from each file's magic, so binary and Avro exports can be
// mixed in one ingestion run), converts every raw stack, and inserts each
// resolved stack into tree under the given logical process index. The index is the input's position within the
// overall ingestion run, not the OS pid: per-process counters are stored by
// dense array position (see perftree.Node.addCounters), and in
// BuildParallel each worker's tree must use the same global index space so
// that Tree.Merge's position-wise counter sum lines up distinct processes
// into distinct slots instead of colliding.
func (b *Builder) ingestOne(ctx context.Context, tree *perftree.Tree, in Input, processIndex int) error {
	lf, err := codec.ImportLibMapAny(in.LibMapPath)
	if err != nil {
		return fmt.Errorf("importing libmap: %w", err)
	}
	sf, err := codec.ImportSamplesAny(in.SamplePath)
	if err != nil {
		return fmt.Errorf("importing samples: %w", err)
	}

	conv := convert.New(lf.Snapshots, b.resolver)

	for _, entry := range sf.Entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		resolved := conv.Convert(ctx, &entry.Stack)
		frames := make([]perftree.FrameKey, len(resolved.Frames))
		for i, f := range resolved.Frames {
			frames[i] = perftree.FrameKey{
				Function: f.Function,
				Library:  f.Library,
				Offset:   f.Offset,
				File:     f.File,
				Line:     f.Line,
			}
		}
		tree.Insert(frames, processIndex, entry.Count, perftree.NaN)
	}
	return nil
}
