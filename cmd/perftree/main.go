// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//
// perftree is the offline analysis tool: it discovers exported
// process-<pid>.pflw/.libmap pairs (or, with -subscribe, collects them as
// NATS file-ready notifications arrive), ingests them resolving
// addresses along the way, aggregates them into one performance tree,
// and optionally serializes/dumps the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ClusterCockpit/perftree/internal/archive"
	"github.com/ClusterCockpit/perftree/internal/builder"
	"github.com/ClusterCockpit/perftree/internal/config"
	"github.com/ClusterCockpit/perftree/internal/perftree"
	"github.com/ClusterCockpit/perftree/internal/plog"
	"github.com/ClusterCockpit/perftree/internal/symbol"
	natstransport "github.com/ClusterCockpit/perftree/internal/transport/nats"
	"github.com/ClusterCockpit/perftree/internal/treeio"
)

// Exit codes reported to the shell.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitIOError        = 2
	exitFormatError    = 3
	exitPartialSuccess = 4
)

func main() {
	cliInit()
	plog.SetLevel(flagLogLevel)
	plog.SetDateTime(flagLogDate)

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			plog.Fatalf("perftree: gops/agent.Listen failed: %s", err)
		}
	}

	cfg, err := loadConfig(flagConfigFile)
	if err != nil {
		plog.Errorf("perftree: %s", err)
		os.Exit(exitConfigError)
	}

	buildMode, err := perftree.ParseBuildMode(cfg.BuildMode)
	if err != nil {
		plog.Errorf("perftree: %s", err)
		os.Exit(exitConfigError)
	}
	countMode, err := perftree.ParseSampleCountMode(cfg.SampleCountMode)
	if err != nil {
		plog.Errorf("perftree: %s", err)
		os.Exit(exitConfigError)
	}
	model, err := perftree.ParseConcurrencyModel(cfg.ConcurrencyModel)
	if err != nil {
		plog.Errorf("perftree: %s", err)
		os.Exit(exitConfigError)
	}

	metricsReg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				plog.Warnf("perftree: metrics listener stopped: %s", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inputs, discoverFailed, err := resolveInputs(ctx, cfg)
	if err != nil {
		plog.Errorf("perftree: discovering inputs: %s", err)
		os.Exit(exitIOError)
	}
	for _, name := range discoverFailed {
		plog.Warnf("perftree: %s has no matching libmap file, skipping", name)
	}

	resolver := newResolver(cfg)

	tree := perftree.New(buildMode, countMode, model)
	b := builder.New(builder.Opts{Resolver: resolver, MetricsRegistry: metricsReg})

	var (
		okCount  int
		failList []builder.Result
	)
	if flagWorkers <= 1 {
		okCount, failList = b.BuildSequential(ctx, tree, inputs)
	} else {
		okCount, failList = b.BuildParallel(ctx, tree, inputs, flagWorkers)
	}
	for _, f := range failList {
		plog.Warnf("perftree: %s: %s", f.Input.SamplePath, f.Err)
	}

	if err := emitOutputs(ctx, cfg, tree); err != nil {
		plog.Errorf("perftree: writing outputs: %s", err)
		os.Exit(exitIOError)
	}

	logSummary(tree, okCount, len(failList)+len(discoverFailed))
	os.Exit(exitCode(len(inputs), okCount, len(failList)+len(discoverFailed)))
}

func exitCode(total, ok, failed int) int {
	switch {
	case total == 0:
		return exitOK
	case failed == 0:
		return exitOK
	case ok == 0:
		return exitFormatError
	default:
		return exitPartialSuccess
	}
}

func loadConfig(path string) (config.Keys, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return config.Keys{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return config.Load(json.RawMessage(raw))
}

// resolveInputs scans cfg.OutputDirectory for process-<pid>.pflw/.libmap
// pairs, or, with -subscribe and a configured NATS client, collects
// file-ready notifications until ctx is cancelled (e.g. by SIGINT) and
// turns each into an Input.
func resolveInputs(ctx context.Context, cfg config.Keys) ([]builder.Input, []string, error) {
	if !flagSubscribe || cfg.NATS == nil {
		return builder.Discover(cfg.OutputDirectory)
	}

	client, err := natstransport.Connect(cfg.NATS)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: %w", err)
	}
	if client == nil {
		return builder.Discover(cfg.OutputDirectory)
	}
	defer client.Close()

	var (
		mu     sync.Mutex
		inputs []builder.Input
	)
	if err := client.Subscribe(func(r natstransport.FileReady) {
		mu.Lock()
		inputs = append(inputs, builder.Input{
			ProcessID:  r.ProcessID,
			SamplePath: r.PflwPath,
			LibMapPath: r.LibmapPath,
		})
		mu.Unlock()
	}); err != nil {
		return nil, nil, fmt.Errorf("nats subscribe: %w", err)
	}

	plog.Infof("perftree: waiting for file-ready notifications, press ctrl-C to stop collecting and start ingesting")
	<-ctx.Done()
	client.Close()

	mu.Lock()
	defer mu.Unlock()
	return inputs, nil, nil
}

// newResolver builds the symbol resolver described by cfg, or nil if symbol
// resolution is disabled.
func newResolver(cfg config.Keys) *symbol.Resolver {
	if !cfg.ResolveSymbols {
		return nil
	}
	strategy, err := symbol.ParseStrategy(cfg.SymbolStrategy)
	if err != nil {
		plog.Warnf("perftree: %s, disabling symbol resolution", err)
		return nil
	}
	return symbol.New(symbol.Opts{
		Strategy: strategy,
		Fast:     symbol.NewELFFastResolver(),
		Debug:    symbol.ExternalDebugResolver{Tool: cfg.SymbolDebugTool},
		Timeout:  cfg.SymbolDebugTimeoutDuration(),
	})
}

func emitOutputs(ctx context.Context, cfg config.Keys, tree *perftree.Tree) error {
	if flagDumpText != "" {
		if err := treeio.DumpText(flagDumpText, tree); err != nil {
			return fmt.Errorf("dump-text: %w", err)
		}
	}
	if flagDumpDot != "" {
		scheme, err := treeio.ParseColorScheme(flagDotColor)
		if err != nil {
			return fmt.Errorf("dot-color: %w", err)
		}
		if err := treeio.DumpDot(flagDumpDot, tree, scheme); err != nil {
			return fmt.Errorf("dump-dot: %w", err)
		}
	}
	if flagSerialize != "" {
		compress := len(flagSerialize) > 4 && flagSerialize[len(flagSerialize)-3:] == ".gz"
		if err := treeio.Serialize(flagSerialize, tree, compress); err != nil {
			return fmt.Errorf("serialize: %w", err)
		}
		if cfg.Archive != nil {
			backend, err := archive.New(cfg.Archive)
			if err != nil {
				plog.Warnf("perftree: archive backend: %s", err)
			} else if err := archive.ArchiveFile(ctx, backend, flagSerialize); err != nil {
				plog.Warnf("perftree: archive %s: %s", flagSerialize, err)
			}
		}
	}
	return nil
}

func logSummary(tree *perftree.Tree, okCount, failCount int) {
	plog.Infof("perftree: ingested %d file(s), %d failed, %d total samples across %d process(es)",
		okCount, failCount, tree.Root().TotalSamples(), tree.ProcessCount())

	bal := tree.Balance()
	plog.Infof("perftree: balance min=%.0f max=%.0f mean=%.2f stddev=%.2f imbalance=%.4f",
		bal.Min, bal.Max, bal.Mean, bal.StdDev, bal.Imbalance)

	for i, h := range tree.Hotspots(perftree.ByTotalSamples, 5) {
		plog.Infof("perftree: hotspot #%d: %s (%s) samples=%d (%.2f%%)",
			i+1, h.Node.Function, h.Node.Library, h.Samples, h.Percentage)
	}
}
