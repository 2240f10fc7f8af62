// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sampler implements the stack sampler: a timer-driven capture
// loop that fills a samplestore.Store and keeps a libmap.Registry snapshot
// current.
//
// Go cannot run arbitrary unwinding code inside a real Unix signal handler
// (no async-signal-safe guarantees for the Go runtime itself). This
// package keeps the handler-style contract anyway (a fixed-rate
// timer drives a capture callback that must stay allocation-light and
// never call into the outside-handler refresh machinery directly) but the
// "signal" is a time.Ticker firing a goroutine rather than a literal
// SIGPROF/SIGALRM handler.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ClusterCockpit/perftree/internal/libmap"
	"github.com/ClusterCockpit/perftree/internal/plog"
	"github.com/ClusterCockpit/perftree/internal/samplestore"
)

// State is the sampler lifecycle: stopped, armed, running.
type State int32

const (
	StateStopped State = iota
	StateArmed
	StateRunning
)

// Unwinder captures the current native call stack into buf, returning the
// number of frames written (<= len(buf)). The default unwinder
// (DefaultUnwinder) uses runtime.Callers as the nearest pure-Go analog of
// an async-signal-safe unwinder; callers needing true stack-unwinding
// fidelity can plug in an alternative.
type Unwinder func(buf []uint64) int

// Sampler owns one process-wide sampling loop; a process runs at most one
// instance.
type Sampler struct {
	store    *samplestore.Store
	registry *libmap.Registry
	unwind   Unwinder
	maxDepth int
	freqHz   int

	state         atomic.Int32
	currentSnapID atomic.Uint32
	needsRefresh  atomic.Bool

	stopTimer      chan struct{}
	stopPoller     chan struct{}
	stopCheckpoint chan struct{}
	wg             sync.WaitGroup

	checkpointInterval time.Duration
	checkpointFunc     func() error

	droppedSamples prometheus.Counter
	captureLatency prometheus.Histogram
	refreshCount   prometheus.Counter
}

// Opts configures a new Sampler.
type Opts struct {
	Store           *samplestore.Store
	Registry        *libmap.Registry
	MaxDepth        int
	FrequencyHz     int
	Unwind          Unwinder              // nil selects DefaultUnwinder
	MetricsRegistry prometheus.Registerer // nil disables metric registration

	// CheckpointInterval, when non-zero, arms a periodic in-process
	// checkpoint goroutine so a crash does not lose the whole run.
	// CheckpointFunc is invoked on that interval; a typical implementation
	// exports the current store/registry via internal/codec without
	// clearing them.
	CheckpointInterval time.Duration
	CheckpointFunc     func() error
}

// New constructs an armable Sampler. It does not start sampling.
func New(o Opts) *Sampler {
	unwind := o.Unwind
	if unwind == nil {
		unwind = DefaultUnwinder
	}

	s := &Sampler{
		store:    o.Store,
		registry: o.Registry,
		unwind:   unwind,
		maxDepth: o.MaxDepth,
		freqHz:   o.FrequencyHz,

		checkpointInterval: o.CheckpointInterval,
		checkpointFunc:     o.CheckpointFunc,

		droppedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perftree_sampler_dropped_samples_total",
			Help: "Samples dropped because the bounded store found no free slot.",
		}),
		captureLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perftree_sampler_capture_seconds",
			Help:    "Time spent unwinding and storing one sample.",
			Buckets: prometheus.DefBuckets,
		}),
		refreshCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perftree_sampler_libmap_refresh_total",
			Help: "Number of outside-handler library-map recaptures performed.",
		}),
	}
	if o.MetricsRegistry != nil {
		o.MetricsRegistry.MustRegister(s.droppedSamples, s.captureLatency, s.refreshCount)
	}
	return s
}

// Arm captures the initial library-map snapshot and transitions to Armed.
// Returns an InitializationError-shaped error if the capture fails.
func (s *Sampler) Arm() error {
	if State(s.state.Load()) != StateStopped {
		return fmt.Errorf("sampler: Arm called from state %d, want Stopped", s.state.Load())
	}
	snap, err := s.registry.Capture()
	if err != nil {
		return fmt.Errorf("sampler: initial capture failed: %w", err)
	}
	s.currentSnapID.Store(snap.ID)
	s.state.Store(int32(StateArmed))
	return nil
}

// Start arms the periodic timer and the outside-handler refresh poller.
// refreshInterval controls how often the poller checks needsRefresh.
func (s *Sampler) Start(ctx context.Context, refreshInterval time.Duration) error {
	if State(s.state.Load()) != StateArmed {
		return fmt.Errorf("sampler: Start called from state %d, want Armed", s.state.Load())
	}
	s.state.Store(int32(StateRunning))
	s.stopTimer = make(chan struct{})
	s.stopPoller = make(chan struct{})

	period := time.Second / time.Duration(s.freqHz)
	s.wg.Add(2)
	go s.runTimer(period)
	go s.runRefreshPoller(ctx, refreshInterval)

	if s.checkpointInterval > 0 && s.checkpointFunc != nil {
		s.stopCheckpoint = make(chan struct{})
		s.wg.Add(1)
		go s.runCheckpointer(ctx)
	}
	return nil
}

// runCheckpointer periodically calls CheckpointFunc so a crash between
// process exits still leaves a recent on-disk snapshot. It shares the
// ticker+context+waitgroup shape of runRefreshPoller.
func (s *Sampler) runCheckpointer(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.checkpointInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.checkpointFunc(); err != nil {
				plog.Warnf("sampler: periodic checkpoint failed: %v", err)
			}
		case <-ctx.Done():
			return
		case <-s.stopCheckpoint:
			return
		}
	}
}

func (s *Sampler) runTimer(period time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.handleTick()
		case <-s.stopTimer:
			return
		}
	}
}

// handleTick captures one sample: read the snapshot id, unwind, flag a
// refresh if an address falls outside the current snapshot, increment the
// store, return. It must not block and must not call Registry.Capture
// directly.
func (s *Sampler) handleTick() {
	start := time.Now()

	snapID := s.currentSnapID.Load()
	var stack samplestore.Stack
	stack.SnapshotID = snapID
	stack.Timestamp = start.UnixNano()

	var buf [samplestore.MaxAddresses]uint64
	depth := s.unwind(buf[:s.effectiveDepth()])
	stack.Depth = depth
	copy(stack.Addresses[:depth], buf[:depth])

	if snap := s.registry.ByID(snapID); snap != nil {
		for i := 0; i < depth; i++ {
			if _, _, ok := snap.Resolve(stack.Addresses[i]); !ok {
				s.needsRefresh.Store(true)
				break
			}
		}
	} else {
		s.needsRefresh.Store(true)
	}

	if !s.store.Increment(&stack) {
		s.droppedSamples.Inc()
	}

	if s.captureLatency != nil {
		s.captureLatency.Observe(time.Since(start).Seconds())
	}
}

func (s *Sampler) effectiveDepth() int {
	if s.maxDepth <= 0 || s.maxDepth > samplestore.MaxAddresses {
		return samplestore.MaxAddresses
	}
	return s.maxDepth
}

// runRefreshPoller observes needsRefresh outside the capture path,
// recaptures the library map, and advances the current snapshot id
// monotonically.
// Exactly one capture proceeds at a time via CompareAndSwap on the flag.
func (s *Sampler) runRefreshPoller(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if s.needsRefresh.CompareAndSwap(true, false) {
				snap, err := s.registry.Capture()
				if err != nil {
					plog.Warnf("sampler: library-map refresh failed: %v", err)
					s.needsRefresh.Store(true) // retry next tick
					continue
				}
				s.currentSnapID.Store(snap.ID)
				s.refreshCount.Inc()
			}
		case <-ctx.Done():
			return
		case <-s.stopPoller:
			return
		}
	}
}

// Stop disarms the timer first, then the refresh poller, so export never
// runs concurrently with sampling. It does not perform export; callers
// drive the codec afterwards using Store()/Registry().
func (s *Sampler) Stop() {
	if State(s.state.Load()) != StateRunning {
		return
	}
	close(s.stopTimer)
	close(s.stopPoller)
	if s.stopCheckpoint != nil {
		close(s.stopCheckpoint)
	}
	s.wg.Wait()
	s.state.Store(int32(StateStopped))
}

// Store returns the underlying sample store for export after Stop.
func (s *Sampler) Store() *samplestore.Store { return s.store }

// Registry returns the library-map registry for export after Stop.
func (s *Sampler) Registry() *libmap.Registry { return s.registry }

// State reports the current lifecycle state.
func (s *Sampler) State() State { return State(s.state.Load()) }

// DefaultUnwinder is a placeholder async-signal-safe-shaped unwinder built
// on runtime.Callers, the closest pure-Go primitive available; it does not
// carry the same safety guarantees as a native unwinder.
var DefaultUnwinder Unwinder = defaultUnwind
