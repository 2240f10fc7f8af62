// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package symbol

import (
	"debug/elf"
	"sort"
	"sync"
)

// ELFFastResolver implements FastResolver by reading a library's own
// dynamic/static symbol table with debug/elf, the nearest pure-Go analog
// of a runtime dynamic-linker symbol lookup: no debug info is consulted,
// only exported symbol addresses, so the result is a function name only.
//
// Symbol tables are parsed once per library path and cached in-process;
// ELF files are immutable for the lifetime of an analysis run.
type ELFFastResolver struct {
	mu    sync.Mutex
	byLib map[string][]elfSym
}

type elfSym struct {
	value uint64
	name  string
}

// NewELFFastResolver creates an empty resolver; symbol tables are loaded
// lazily on first LookupFast per library.
func NewELFFastResolver() *ELFFastResolver {
	return &ELFFastResolver{byLib: make(map[string][]elfSym)}
}

// LookupFast returns the name of the exported symbol with the greatest
// value <= offset within path, the usual "nearest preceding symbol" rule
// dynamic-symbol lookup uses when offset falls inside a function body
// rather than exactly on its entry point.
func (r *ELFFastResolver) LookupFast(path string, offset uint64) (string, bool) {
	syms, err := r.symbolsFor(path)
	if err != nil || len(syms) == 0 {
		return "", false
	}
	i := sort.Search(len(syms), func(i int) bool { return syms[i].value > offset })
	if i == 0 {
		return "", false
	}
	return syms[i-1].name, true
}

func (r *ELFFastResolver) symbolsFor(path string) ([]elfSym, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if syms, ok := r.byLib[path]; ok {
		return syms, nil
	}

	f, err := elf.Open(path)
	if err != nil {
		r.byLib[path] = nil
		return nil, err
	}
	defer f.Close()

	all, symErr := f.Symbols()
	dyn, dynErr := f.DynamicSymbols()
	if symErr != nil && dynErr != nil {
		r.byLib[path] = nil
		return nil, symErr
	}
	all = append(all, dyn...)

	syms := make([]elfSym, 0, len(all))
	for _, s := range all {
		if s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		syms = append(syms, elfSym{value: s.Value, name: s.Name})
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].value < syms[j].value })
	r.byLib[path] = syms
	return syms, nil
}
