// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package symbol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeFast struct {
	answers map[string]string
}

func (f fakeFast) LookupFast(path string, offset uint64) (string, bool) {
	fn, ok := f.answers[path]
	return fn, ok
}

type fakeDebug struct {
	calls int
	info  SymbolInfo
}

func (f *fakeDebug) LookupDebug(ctx context.Context, path string, offset uint64) (SymbolInfo, error) {
	f.calls++
	return f.info, nil
}

// AutoFallback where the fast path returns empty and the debug path
// returns a hit: five resolves of the same key yield 1 miss, 4 hits, and
// an identical SymbolInfo each time.
func TestResolverAutoFallbackCachesAcrossRepeatedCalls(t *testing.T) {
	fast := fakeFast{answers: map[string]string{}}
	debug := &fakeDebug{info: SymbolInfo{Function: "memcpy", File: "memcpy.c", Line: 42}}

	r := New(Opts{Strategy: AutoFallback, Fast: fast, Debug: debug})

	var got SymbolInfo
	for i := 0; i < 5; i++ {
		got = r.Resolve(context.Background(), "libc.so", 0x1234)
		require.Equal(t, SymbolInfo{Function: "memcpy", File: "memcpy.c", Line: 42}, got)
	}

	require.Equal(t, 1, debug.calls)
	stats := r.Stats()
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(4), stats.Hits)
}

func TestResolverFastOnlyNeverConsultsDebug(t *testing.T) {
	fast := fakeFast{answers: map[string]string{"app": "main"}}
	debug := &fakeDebug{info: SymbolInfo{Function: "should-not-be-used"}}

	r := New(Opts{Strategy: FastOnly, Fast: fast, Debug: debug})
	got := r.Resolve(context.Background(), "app", 0x10)

	require.Equal(t, SymbolInfo{Function: "main"}, got)
	require.Equal(t, 0, debug.calls)
}

func TestResolverUnresolvedIsEmptyNotError(t *testing.T) {
	r := New(Opts{Strategy: AutoFallback})
	got := r.Resolve(context.Background(), "unknown.so", 0x1)
	require.True(t, got.IsEmpty())
}

func TestCacheClearForcesRecompute(t *testing.T) {
	debug := &fakeDebug{info: SymbolInfo{Function: "f"}}
	r := New(Opts{Strategy: DebugOnly, Debug: debug})

	r.Resolve(context.Background(), "a", 1)
	r.Resolve(context.Background(), "a", 1)
	require.Equal(t, 1, debug.calls)

	r.ClearCache()
	r.Resolve(context.Background(), "a", 1)
	require.Equal(t, 2, debug.calls)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("debug-only")
	require.NoError(t, err)
	require.Equal(t, DebugOnly, s)

	_, err = ParseStrategy("bogus")
	require.Error(t, err)
}
