// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package symbol implements the symbol resolver: (library, offset) ->
// (function, file, line) under a selectable strategy, backed by a shared
// cache (cache.go).
package symbol

import (
	"bufio"
	"context"
	"debug/elf"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ClusterCockpit/perftree/internal/plog"
)

// Strategy selects how a resolver answers a lookup.
type Strategy int

const (
	FastOnly Strategy = iota
	DebugOnly
	AutoFallback
)

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "fast-only":
		return FastOnly, nil
	case "debug-only":
		return DebugOnly, nil
	case "auto-fallback", "":
		return AutoFallback, nil
	default:
		return 0, fmt.Errorf("symbol: unknown strategy %q", s)
	}
}

// SymbolInfo is a resolved (function, file, line) triple. A completely
// unresolved symbol is the zero value; that is a miss, not an error.
type SymbolInfo struct {
	Function string
	File     string
	Line     int
}

func (s SymbolInfo) IsEmpty() bool { return s.Function == "" && s.File == "" && s.Line == 0 }

// FastResolver looks up a symbol via the runtime dynamic-symbol table of a
// library already loaded in the analysis process. It yields function names
// only, never file/line.
type FastResolver interface {
	// LookupFast returns the nearest exported symbol name at or below
	// offset within path, or "" if none is found.
	LookupFast(path string, offset uint64) (function string, ok bool)
}

// DebugResolver invokes an external symbolication tool (e.g. addr2line) as
// a child process to map offset to (function, file, line) using
// compiler-emitted debug info.
type DebugResolver interface {
	LookupDebug(ctx context.Context, path string, offset uint64) (SymbolInfo, error)
}

// Resolver dispatches to Fast/Debug strategies and caches results.
type Resolver struct {
	strategy Strategy
	fast     FastResolver
	debug    DebugResolver
	cache    *Cache
	timeout  time.Duration
}

// Opts configures a new Resolver.
type Opts struct {
	Strategy   Strategy
	Fast       FastResolver  // nil disables FastOnly/AutoFallback's first attempt
	Debug      DebugResolver // nil disables DebugOnly/AutoFallback's fallback
	CacheBytes int           // 0 selects a 16 MiB default
	Timeout    time.Duration // applies only to Debug lookups; Fast lookups never block
}

func New(o Opts) *Resolver {
	cacheBytes := o.CacheBytes
	if cacheBytes <= 0 {
		cacheBytes = 16 << 20
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resolver{
		strategy: o.Strategy,
		fast:     o.Fast,
		debug:    o.Debug,
		cache:    NewCache(cacheBytes),
		timeout:  timeout,
	}
}

// Resolve answers one (path, offset) lookup, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, path string, offset uint64) SymbolInfo {
	return r.cache.Get(Key{Path: path, Offset: offset}, func() (SymbolInfo, time.Duration, int) {
		info := r.resolveUncached(ctx, path, offset)
		size := len(info.Function) + len(info.File) + 16
		return info, 0, size
	})
}

func (r *Resolver) resolveUncached(ctx context.Context, path string, offset uint64) SymbolInfo {
	switch r.strategy {
	case FastOnly:
		return r.tryFast(path, offset)
	case DebugOnly:
		return r.tryDebug(ctx, path, offset)
	case AutoFallback:
		if info := r.tryFast(path, offset); !info.IsEmpty() {
			return info
		}
		return r.tryDebug(ctx, path, offset)
	default:
		return SymbolInfo{}
	}
}

func (r *Resolver) tryFast(path string, offset uint64) SymbolInfo {
	if r.fast == nil {
		return SymbolInfo{}
	}
	fn, ok := r.fast.LookupFast(path, offset)
	if !ok {
		return SymbolInfo{}
	}
	return SymbolInfo{Function: fn}
}

func (r *Resolver) tryDebug(ctx context.Context, path string, offset uint64) SymbolInfo {
	if r.debug == nil {
		return SymbolInfo{}
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	info, err := r.debug.LookupDebug(cctx, path, offset)
	if err != nil {
		plog.Debugf("symbol: debug lookup of %s+%#x failed: %v", path, offset, err)
		return SymbolInfo{}
	}
	return info
}

// Stats exposes the underlying cache's hit/miss/size counters.
func (r *Resolver) Stats() Stats { return r.cache.Stats() }

// ClearCache drops every cached result, forcing the next lookup per key to
// recompute.
func (r *Resolver) ClearCache() { r.cache.Clear() }

// ExternalDebugResolver shells out to an addr2line-compatible tool
// (configured via config.Keys.SymbolDebugTool, default "addr2line") as an
// external child process. For position-independent images it retries with
// text-segment base candidates read from the ELF program headers (see
// readTextBases), falling back to a small fixed set only when the binary
// cannot be opened locally.
type ExternalDebugResolver struct {
	Tool string // e.g. "addr2line"; empty selects "addr2line"
}

var fallbackTextBases = []uint64{0, 0x400000, 0x555555554000}

func (e ExternalDebugResolver) LookupDebug(ctx context.Context, path string, offset uint64) (SymbolInfo, error) {
	tool := e.Tool
	if tool == "" {
		tool = "addr2line"
	}

	bases, err := readTextBases(path)
	if err != nil {
		bases = fallbackTextBases
	}

	for _, base := range bases {
		info, err := runAddr2Line(ctx, tool, path, base+offset)
		if err != nil {
			return SymbolInfo{}, err
		}
		if !info.IsEmpty() && info.Function != "??" {
			return info, nil
		}
	}
	return SymbolInfo{}, nil
}

// readTextBases opens the ELF at path and returns the virtual address of
// every loadable, executable program header segment. For a non-PIE
// executable this is typically just {0}; for a PIE/shared object it is the
// set of candidate bases addr2line needs to be probed at.
func readTextBases(path string) ([]uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbol: open %s: %w", path, err)
	}
	defer f.Close()

	var bases []uint64
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Flags&elf.PF_X != 0 {
			bases = append(bases, p.Vaddr)
		}
	}
	if len(bases) == 0 {
		bases = []uint64{0}
	}
	return bases, nil
}

func runAddr2Line(ctx context.Context, tool, path string, addr uint64) (SymbolInfo, error) {
	cmd := exec.CommandContext(ctx, tool, "-f", "-C", "-e", path,
		fmt.Sprintf("%#x", addr))
	out, err := cmd.Output()
	if err != nil {
		return SymbolInfo{}, fmt.Errorf("symbol: %s: %w", tool, err)
	}

	sc := bufio.NewScanner(strings.NewReader(string(out)))
	var function, fileLine string
	if sc.Scan() {
		function = strings.TrimSpace(sc.Text())
	}
	if sc.Scan() {
		fileLine = strings.TrimSpace(sc.Text())
	}

	info := SymbolInfo{Function: function}
	if idx := strings.LastIndex(fileLine, ":"); idx >= 0 {
		info.File = fileLine[:idx]
		if n, err := strconv.Atoi(fileLine[idx+1:]); err == nil {
			info.Line = n
		}
	} else {
		info.File = fileLine
	}
	return info, nil
}
