// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// perftreed is the tiny shim that, in a real deployment, gets pre-loaded
// into a monitored process and owns the sampler lifecycle and export.
// Go cannot literally inject a shared library into another process's
// address space the way a c-shared build of this package would once
// LD_PRELOAD'd, so this binary instead demonstrates the same
// arm/start/run/stop/export sequence against a synthetic workload running
// in its own process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ClusterCockpit/perftree/internal/archive"
	"github.com/ClusterCockpit/perftree/internal/codec"
	"github.com/ClusterCockpit/perftree/internal/config"
	"github.com/ClusterCockpit/perftree/internal/libmap"
	"github.com/ClusterCockpit/perftree/internal/plog"
	"github.com/ClusterCockpit/perftree/internal/sampler"
	"github.com/ClusterCockpit/perftree/internal/samplestore"
	natstransport "github.com/ClusterCockpit/perftree/internal/transport/nats"
)

func main() {
	cliInit()
	plog.SetLevel(flagLogLevel)
	plog.SetDateTime(flagLogDate)

	cfg, err := loadConfig(flagConfigFile)
	if err != nil {
		plog.Fatalf("perftreed: %s", err)
	}

	dur, err := time.ParseDuration(flagDuration)
	if err != nil {
		plog.Fatalf("perftreed: invalid -duration %q: %s", flagDuration, err)
	}

	if err := os.MkdirAll(cfg.OutputDirectory, 0o750); err != nil {
		plog.Fatalf("perftreed: creating output directory: %s", err)
	}

	metricsReg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				plog.Warnf("perftreed: metrics listener stopped: %s", err)
			}
		}()
		plog.Infof("perftreed: metrics listening on %s", cfg.MetricsAddr)
	}

	pid := os.Getpid()
	registry := libmap.NewRegistry(libmap.ProcMapsCapturer{PID: pid})
	store := samplestore.New(cfg.SampleStoreCapacity)

	natsClient, err := natstransport.Connect(cfg.NATS)
	if err != nil {
		plog.Warnf("perftreed: nats: %s", err)
	}
	if natsClient != nil {
		defer natsClient.Close()
	}

	var archiveBackend archive.Backend
	if cfg.Archive != nil {
		archiveBackend, err = archive.New(cfg.Archive)
		if err != nil {
			plog.Warnf("perftreed: archive backend: %s", err)
		}
	}

	checkpointInterval := time.Duration(0)
	if dur > time.Second {
		checkpointInterval = dur / 4
	}

	samp := sampler.New(sampler.Opts{
		Store:              store,
		Registry:           registry,
		MaxDepth:           cfg.MaxStackDepth,
		FrequencyHz:        cfg.SamplingFrequencyHz,
		MetricsRegistry:    metricsReg,
		CheckpointInterval: checkpointInterval,
		CheckpointFunc: func() error {
			return exportProcess(cfg, pid, store, registry, true)
		},
	})

	if err := samp.Arm(); err != nil {
		plog.Fatalf("perftreed: arm: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := samp.Start(ctx, 20*time.Millisecond); err != nil {
		plog.Fatalf("perftreed: start: %s", err)
	}
	plog.Infof("perftreed: sampling pid %d at %d Hz for %s", pid, cfg.SamplingFrequencyHz, dur)

	runWorkload(ctx, dur)

	samp.Stop()
	plog.Infof("perftreed: stopped; dropped samples: %d", store.DroppedSamples())

	if err := exportProcess(cfg, pid, store, registry, false); err != nil {
		plog.Fatalf("perftreed: export: %s", err)
	}

	if natsClient != nil {
		pflwPath, libmapPath := outputPaths(cfg, pid)
		if err := natsClient.Publish(natstransport.FileReady{ProcessID: uint32(pid), PflwPath: pflwPath, LibmapPath: libmapPath}); err != nil {
			plog.Warnf("perftreed: nats publish: %s", err)
		}
	}

	if archiveBackend != nil {
		pflwPath, libmapPath := outputPaths(cfg, pid)
		if err := archive.ArchiveFile(ctx, archiveBackend, pflwPath); err != nil {
			plog.Warnf("perftreed: archive %s: %s", pflwPath, err)
		}
		if err := archive.ArchiveFile(ctx, archiveBackend, libmapPath); err != nil {
			plog.Warnf("perftreed: archive %s: %s", libmapPath, err)
		}
	}
}

func loadConfig(path string) (config.Keys, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return config.Keys{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return config.Load(json.RawMessage(raw))
}

func outputPaths(cfg config.Keys, pid int) (pflwPath, libmapPath string) {
	pflwPath = filepath.Join(cfg.OutputDirectory, fmt.Sprintf("process-%d.pflw", pid))
	libmapPath = filepath.Join(cfg.OutputDirectory, fmt.Sprintf("process-%d.libmap", pid))
	return
}

// exportProcess writes the current store/registry contents to disk.
// checkpoint controls nothing about the data written (a checkpoint and the
// final exit-time export use the identical format); it only changes the
// log line emitted, since a failed mid-run checkpoint is not fatal the way
// a failed final export is.
func exportProcess(cfg config.Keys, pid int, store *samplestore.Store, registry *libmap.Registry, checkpoint bool) error {
	pflwPath, libmapPath := outputPaths(cfg, pid)
	defaultSnapshotID := uint32(0)
	if live := registry.Live(); len(live) > 0 {
		defaultSnapshotID = live[len(live)-1].ID
	}

	var err error
	if cfg.SampleFileFormat == "avro" {
		err = codec.ExportSamplesAvro(pflwPath, uint32(pid), defaultSnapshotID, store)
		if err == nil {
			err = codec.ExportLibMapAvro(libmapPath, uint32(pid), registry)
		}
	} else {
		err = codec.ExportSamples(pflwPath, uint32(pid), defaultSnapshotID, store)
		if err == nil {
			err = codec.ExportLibMap(libmapPath, uint32(pid), registry)
		}
	}
	if err != nil {
		return err
	}
	if checkpoint {
		plog.Debugf("perftreed: periodic checkpoint written to %s", pflwPath)
	} else {
		plog.Infof("perftreed: exported %s and %s", pflwPath, libmapPath)
	}
	return nil
}

// runWorkload drives a synthetic call graph for dur so the sampler has
// varied, recursive stacks to capture, the way a real monitored program
// would. It stops early if ctx is cancelled.
func runWorkload(ctx context.Context, dur time.Duration) {
	deadline := time.Now().Add(dur)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		workloadOuter()
	}
}

func workloadOuter() {
	workloadMiddle(3)
}

func workloadMiddle(depth int) {
	if depth > 0 {
		workloadMiddle(depth - 1)
		return
	}
	if rand.Intn(2) == 0 {
		workloadLeafA()
	} else {
		workloadLeafB()
	}
}

func workloadLeafA() {
	time.Sleep(time.Microsecond * 50)
}

func workloadLeafB() {
	time.Sleep(time.Microsecond * 50)
}
