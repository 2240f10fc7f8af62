// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsOverMinimalDocument(t *testing.T) {
	k, err := Load(json.RawMessage(`{"output-directory": "/tmp/out"}`))
	require.NoError(t, err)
	require.Equal(t, "/tmp/out", k.OutputDirectory)
	require.Equal(t, 1000, k.SamplingFrequencyHz)
	require.Equal(t, 100, k.MaxStackDepth)
	require.Equal(t, 1<<20, k.SampleStoreCapacity)
	require.Equal(t, "context-free", k.BuildMode)
	require.Equal(t, "exclusive", k.SampleCountMode)
	require.Equal(t, "coarse-lock", k.ConcurrencyModel)
	require.False(t, k.ResolveSymbols)
	require.Equal(t, "auto-fallback", k.SymbolStrategy)
	require.Equal(t, "binary", k.SampleFileFormat)
	require.Nil(t, k.NATS)
	require.Nil(t, k.Archive)
}

func TestLoadRejectsMissingOutputDirectory(t *testing.T) {
	_, err := Load(json.RawMessage(`{"sampling-frequency-hz": 500}`))
	require.Error(t, err)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(json.RawMessage(`{"output-directory": "/tmp/out", "sampling-frequencz": 500}`))
	require.Error(t, err)
}

func TestLoadRejectsNonPowerOfTwoCapacity(t *testing.T) {
	_, err := Load(json.RawMessage(`{"output-directory": "/tmp/out", "sample-store-capacity": 1000}`))
	require.Error(t, err)
}

func TestLoadRejectsInvalidEnumValue(t *testing.T) {
	_, err := Load(json.RawMessage(`{"output-directory": "/tmp/out", "build-mode": "sideways"}`))
	require.Error(t, err)
}

func TestLoadDecodesOptionalSections(t *testing.T) {
	doc := `{
		"output-directory": "/tmp/out",
		"nats": {"address": "nats://localhost:4222", "subject": "perftree.file_ready"},
		"archive": {"backend": "s3", "bucket": "profiles", "region": "eu-central-1", "access-key": "AKIDEXAMPLE", "secret-key": "hunter2"}
	}`
	k, err := Load(json.RawMessage(doc))
	require.NoError(t, err)
	require.NotNil(t, k.NATS)
	require.Equal(t, "nats://localhost:4222", k.NATS.Address)
	require.NotNil(t, k.Archive)
	require.Equal(t, "profiles", k.Archive.Bucket)
	require.Equal(t, "AKIDEXAMPLE", k.Archive.AccessKey)
}

func TestSymbolDebugTimeoutDuration(t *testing.T) {
	var k Keys
	require.Equal(t, 2*time.Second, k.SymbolDebugTimeoutDuration())

	k.SymbolDebugTimeout = "500ms"
	require.Equal(t, 500*time.Millisecond, k.SymbolDebugTimeoutDuration())

	k.SymbolDebugTimeout = "bogus"
	require.Equal(t, 2*time.Second, k.SymbolDebugTimeoutDuration())
}
