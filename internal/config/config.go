// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the runtime configuration for perftree: defaults,
// JSON decoding, and jsonschema validation, mirroring the ambient
// configuration layer of the larger system this core was extracted from.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// NATS configures the optional file-ready notification channel (§6).
// A nil value on Keys.NATS disables it entirely.
type NATS struct {
	Address       string `json:"address"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	CredsFilePath string `json:"creds-file-path"`
	Subject       string `json:"subject"`
}

// Archive configures the optional long-term storage backend for exported
// sample/libmap/tree files. A nil value on Keys.Archive means the
// filesystem is the only retention tier.
type Archive struct {
	Backend string `json:"backend"` // "s3" or "file"
	Bucket  string `json:"bucket"`
	Region  string `json:"region"`
	Prefix  string `json:"prefix"`

	// AccessKey/SecretKey select static credentials for the S3 backend.
	// When empty, the ambient credential chain (env, shared config, IMDS)
	// is used instead.
	AccessKey string `json:"access-key"`
	SecretKey string `json:"secret-key"`
}

// Keys is the process-wide configuration, populated with defaults and then
// overwritten by Load. Every field here corresponds to a "Runtime
// configuration" option.
type Keys struct {
	SamplingFrequencyHz int    `json:"sampling-frequency-hz"`
	OutputDirectory     string `json:"output-directory"`
	MaxStackDepth       int    `json:"max-stack-depth"`
	SampleStoreCapacity int    `json:"sample-store-capacity"`
	BuildMode           string `json:"build-mode"`
	SampleCountMode     string `json:"sample-count-mode"`
	ConcurrencyModel    string `json:"concurrency-model"`
	ResolveSymbols      bool   `json:"resolve-symbols"`
	SymbolStrategy      string `json:"symbol-strategy"`
	SampleFileFormat    string `json:"sample-file-format"`
	SymbolDebugTool     string `json:"symbol-debug-tool"`
	SymbolDebugTimeout  string `json:"symbol-debug-timeout"`
	MetricsAddr         string `json:"metrics-addr"`

	NATS    *NATS    `json:"nats"`
	Archive *Archive `json:"archive"`
}

// Default returns the configuration defaults named in §6: a 1000Hz sampler,
// depth-100 stacks, a 2^20-slot store, ContextFree/Exclusive/CoarseLock, and
// symbol resolution disabled.
func Default() Keys {
	return Keys{
		SamplingFrequencyHz: 1000,
		MaxStackDepth:       100,
		SampleStoreCapacity: 1 << 20,
		BuildMode:           "context-free",
		SampleCountMode:     "exclusive",
		ConcurrencyModel:    "coarse-lock",
		ResolveSymbols:      false,
		SymbolStrategy:      "auto-fallback",
		SampleFileFormat:    "binary",
	}
}

// Load validates raw against configSchema and decodes it over the defaults.
// Unknown fields are rejected so typos in a config file surface immediately
// rather than being silently ignored.
func Load(raw json.RawMessage) (Keys, error) {
	k := Default()
	if len(raw) == 0 {
		return k, fmt.Errorf("config: empty configuration")
	}

	if err := validate(raw); err != nil {
		return k, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&k); err != nil {
		return k, fmt.Errorf("config: %w", err)
	}

	if k.OutputDirectory == "" {
		return k, fmt.Errorf("config: output-directory is required")
	}
	if k.SampleStoreCapacity&(k.SampleStoreCapacity-1) != 0 || k.SampleStoreCapacity <= 0 {
		return k, fmt.Errorf("config: sample-store-capacity must be a power of two, got %d", k.SampleStoreCapacity)
	}
	return k, nil
}

// SymbolDebugTimeoutDuration parses SymbolDebugTimeout, defaulting to 2s.
func (k Keys) SymbolDebugTimeoutDuration() time.Duration {
	if k.SymbolDebugTimeout == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(k.SymbolDebugTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}
