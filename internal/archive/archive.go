// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package archive implements the optional long-term retention backend:
// exported .pflw/.libmap/.ptree files may be pushed to an object store
// once the sampler shim or analysis CLI finishes with them, instead of
// (or in addition to) staying under OutputDirectory.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ClusterCockpit/perftree/internal/config"
)

// Backend is the destination for a retained artifact file.
type Backend interface {
	WriteFile(ctx context.Context, name string, data []byte) error
}

// New builds a Backend from cfg. A nil cfg means retention is filesystem-
// only: callers should skip archival entirely rather than call New.
func New(cfg *config.Archive) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("archive: nil configuration")
	}
	switch cfg.Backend {
	case "s3":
		return newS3Backend(cfg)
	case "file", "":
		return newFileBackend(cfg)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
}

// FileBackend copies artifacts into a local directory tree, prefixed by
// cfg.Prefix. Used for single-node deployments and tests.
type FileBackend struct {
	dir string
}

func newFileBackend(cfg *config.Archive) (*FileBackend, error) {
	dir := cfg.Prefix
	if dir == "" {
		return nil, fmt.Errorf("archive: file backend requires a prefix directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create archive directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) WriteFile(_ context.Context, name string, data []byte) error {
	return os.WriteFile(filepath.Join(f.dir, name), data, 0o640)
}

// S3Backend writes artifacts to an S3-compatible object store.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Backend(cfg *config.Archive) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: s3 backend requires a bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Backend) WriteFile(ctx context.Context, name string, data []byte) error {
	key := name
	if s.prefix != "" {
		key = filepath.Join(s.prefix, name)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("archive: put object %q: %w", key, err)
	}
	return nil
}

// ArchiveFile reads path from disk and writes it to backend under its base
// name. The sampler shim uses it for its exported .pflw/.libmap pair and the
// analysis CLI for the serialized tree it writes.
func ArchiveFile(ctx context.Context, backend Backend, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("archive: read %q: %w", path, err)
	}
	return backend.WriteFile(ctx, filepath.Base(path), data)
}
