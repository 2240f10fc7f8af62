// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

const configSchema = `{
  "type": "object",
  "description": "Runtime configuration for the sampling-profiler core.",
  "properties": {
    "sampling-frequency-hz": {
      "description": "Rate at which the stack sampler fires, in Hz.",
      "type": "integer"
    },
    "output-directory": {
      "description": "Directory that holds exported .pflw/.libmap files.",
      "type": "string"
    },
    "max-stack-depth": {
      "description": "Maximum number of frames captured per sample.",
      "type": "integer"
    },
    "sample-store-capacity": {
      "description": "Capacity of the bounded sample store; must be a power of two.",
      "type": "integer"
    },
    "build-mode": {
      "description": "Tree node identity mode.",
      "type": "string",
      "enum": ["context-free", "context-aware"]
    },
    "sample-count-mode": {
      "description": "Sample accounting mode.",
      "type": "string",
      "enum": ["exclusive", "inclusive", "both"]
    },
    "concurrency-model": {
      "description": "Tree insertion concurrency model.",
      "type": "string",
      "enum": ["coarse-lock", "fine-grained", "thread-local-merge", "lock-free"]
    },
    "resolve-symbols": {
      "description": "Whether to resolve function/file/line during conversion.",
      "type": "boolean"
    },
    "symbol-strategy": {
      "description": "Symbol resolution strategy.",
      "type": "string",
      "enum": ["fast-only", "debug-only", "auto-fallback"]
    },
    "sample-file-format": {
      "description": "On-disk encoding for exported sample/libmap files.",
      "type": "string",
      "enum": ["binary", "avro"]
    },
    "symbol-debug-tool": {
      "description": "Path to the external symbolication helper used by the debug-only strategy.",
      "type": "string"
    },
    "symbol-debug-timeout": {
      "description": "Timeout for one external symbolication call, e.g. '2s'.",
      "type": "string"
    },
    "metrics-addr": {
      "description": "Address for the Prometheus metrics listener. Empty disables it.",
      "type": "string"
    },
    "nats": {
      "description": "Optional NATS notification settings. Omit to disable.",
      "type": "object",
      "properties": {
        "address": { "type": "string" },
        "username": { "type": "string" },
        "password": { "type": "string" },
        "creds-file-path": { "type": "string" },
        "subject": { "type": "string" }
      },
      "required": ["address", "subject"]
    },
    "archive": {
      "description": "Optional long-term archive backend for exported files. Omit for filesystem-only retention.",
      "type": "object",
      "properties": {
        "backend": { "type": "string", "enum": ["s3", "file"] },
        "bucket": { "type": "string" },
        "region": { "type": "string" },
        "prefix": { "type": "string" },
        "access-key": { "type": "string" },
        "secret-key": { "type": "string" }
      },
      "required": ["backend", "bucket"]
    }
  },
  "required": ["output-directory"]
}`
