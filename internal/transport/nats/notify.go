// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nats implements the optional file-ready notification channel:
// when a sampler shim finishes exporting a process's .pflw/.libmap pair,
// it publishes a small JSON envelope so a waiting analysis pipeline can
// start ingestion without polling the output directory. The envelope
// carries file paths only, never sample data; the files stay the
// exchange medium.
package nats

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ClusterCockpit/perftree/internal/config"
	"github.com/ClusterCockpit/perftree/internal/plog"
)

// FileReady is published once a process's export completes.
type FileReady struct {
	ProcessID  uint32 `json:"process_id"`
	PflwPath   string `json:"pflw_path"`
	LibmapPath string `json:"libmap_path"`
}

// Client wraps a NATS connection scoped to FileReady notifications.
type Client struct {
	conn          *nats.Conn
	subject       string
	subscriptions []*nats.Subscription
	mu            sync.Mutex
}

// Connect dials the NATS server named in cfg. A nil cfg or empty Address
// disables the feature: callers get (nil, nil) and should treat a nil
// *Client as "notifications off".
func Connect(cfg *config.NATS) (*Client, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, nil
	}

	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			plog.Warnf("nats: disconnected: %v", err)
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		plog.Infof("nats: reconnected to %s", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		plog.Errorf("nats: %v", err)
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "perftree.file_ready"
	}
	plog.Infof("nats: connected to %s, subject %q", cfg.Address, subject)
	return &Client{conn: nc, subject: subject}, nil
}

// Publish announces that a process's export finished.
func (c *Client) Publish(r FileReady) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("nats: marshal file-ready: %w", err)
	}
	if err := c.conn.Publish(c.subject, data); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

// Handler processes one decoded FileReady notification.
type Handler func(FileReady)

// Subscribe registers handler for every FileReady notification on the
// configured subject. Decode failures are logged and the message dropped,
// matching the "log and continue" handling of malformed
// payloads elsewhere in the stack.
func (c *Client) Subscribe(handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.conn.Subscribe(c.subject, func(msg *nats.Msg) {
		var r FileReady
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			plog.Warnf("nats: dropping malformed file-ready message: %v", err)
			return
		}
		handler(r)
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe to %q: %w", c.subject, err)
	}
	c.subscriptions = append(c.subscriptions, sub)
	return nil
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			plog.Warnf("nats: unsubscribe: %v", err)
		}
	}
	c.subscriptions = nil
	if c.conn != nil {
		c.conn.Close()
	}
}
