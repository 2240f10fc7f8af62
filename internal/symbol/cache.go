// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of perftree.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// LRU cache for symbol lookups: mutex+cond over a doubly-linked list with
// byte-budget eviction, keyed by (library path, offset). Concurrent
// lookups of the same key share one in-flight computation.
package symbol

import (
	"sync"
	"sync/atomic"
	"time"
)

// Key identifies one resolution request.
type Key struct {
	Path   string
	Offset uint64
}

// ComputeValue is the closure passed to Cache.Get to compute a value not
// yet cached. It must not call methods on the same cache or it will
// deadlock.
type ComputeValue func() (info SymbolInfo, ttl time.Duration, size int)

type cacheEntry struct {
	key   Key
	value SymbolInfo

	expiration            time.Time
	size                  int
	waitingForComputation int

	next, prev *cacheEntry
}

// Cache is a (library, offset) -> SymbolInfo cache with hit/miss/size
// counters. Thread-safe for concurrent reads; a single
// in-flight computation per key is shared by every concurrent caller.
type Cache struct {
	mutex                 sync.Mutex
	cond                  *sync.Cond
	maxmemory, usedmemory int
	entries               map[Key]*cacheEntry
	head, tail            *cacheEntry

	hits, misses atomic.Uint64
}

// NewCache creates a Cache bounded by maxmemory bytes of estimated entry
// size; each entry's size is whatever ComputeValue reports.
func NewCache(maxmemory int) *Cache {
	c := &Cache{
		maxmemory: maxmemory,
		entries:   map[Key]*cacheEntry{},
	}
	c.cond = sync.NewCond(&c.mutex)
	return c
}

// Get returns the cached SymbolInfo for key, or computes it via compute,
// stores it (positive and negative results both cache), and returns it.
// If another goroutine is already computing this key, Get waits for that
// computation rather than duplicating it.
func (c *Cache) Get(key Key, compute ComputeValue) SymbolInfo {
	now := time.Now()

	c.mutex.Lock()
	if entry, ok := c.entries[key]; ok {
		for entry.expiration.IsZero() {
			entry.waitingForComputation++
			c.cond.Wait()
			entry.waitingForComputation--
		}
		if entry != c.head {
			c.unlink(entry)
			c.insertFront(entry)
		}
		c.mutex.Unlock()
		c.hits.Add(1)
		return entry.value
	}

	entry := &cacheEntry{key: key, waitingForComputation: 1}
	c.entries[key] = entry
	c.mutex.Unlock()

	c.misses.Add(1)
	value, ttl, size := compute()

	c.mutex.Lock()
	entry.value = value
	entry.expiration = now.Add(maxDuration(ttl))
	entry.size = size
	entry.waitingForComputation--
	if entry.waitingForComputation > 0 {
		c.cond.Broadcast()
	}
	c.usedmemory += size
	c.insertFront(entry)

	cand := c.tail
	for c.usedmemory > c.maxmemory && cand != nil {
		prev := cand.prev
		if cand.size > 0 && cand.waitingForComputation == 0 {
			c.evict(cand)
		}
		cand = prev
	}
	c.mutex.Unlock()

	return value
}

// Stats exposes hit/miss/size counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Size       int
	UsedMemory int
}

func (c *Cache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Size:       len(c.entries),
		UsedMemory: c.usedmemory,
	}
}

// Clear empties the cache; subsequent Get calls recompute from scratch.
// A key is also resolved again after byte-budget eviction has removed it
// in Get; otherwise it is resolved once.
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = map[Key]*cacheEntry{}
	c.head, c.tail = nil, nil
	c.usedmemory = 0
}

func (c *Cache) unlink(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.next, e.prev = nil, nil
}

func (c *Cache) insertFront(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) evict(e *cacheEntry) {
	c.unlink(e)
	delete(c.entries, e.key)
	c.usedmemory -= e.size
}

func maxDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 365 * 24 * time.Hour
	}
	return d
}
