// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package caches holds the process-local caches for directory listings
// and signed URLs, and the bus that invalidates them on writes.
package caches

import (
	"container/list"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// Tags associate a cache entry with the scopes that can invalidate it.
type Tags struct {
	MountID         string
	StorageConfigID string
}

// Options controls capacity and expiry of an expiring cache.
type Options struct {
	// Expiration invalidates entries after this duration regardless
	// of use. Non-positive means no time based expiry.
	Expiration time.Duration

	// Capacity bounds the number of entries; zero disables caching.
	Capacity int

	// Name differentiates the cache in monkit stats.
	Name string
}

type entry[T any] struct {
	when  time.Time
	order *list.Element
	value T
	tags  Tags
}

// Expiring caches values for string keys with time based expiry, LRU
// eviction, and scope-tagged invalidation.
type Expiring[T any] struct {
	mu    sync.Mutex
	opts  Options
	data  map[string]*entry[T]
	order *list.List
}

// NewExpiring constructs an Expiring cache.
func NewExpiring[T any](opts Options) *Expiring[T] {
	return &Expiring[T]{
		opts:  opts,
		data:  make(map[string]*entry[T], opts.Capacity),
		order: list.New(),
	}
}

// Add stores value under key with the given invalidation tags,
// replacing any previous entry.
func (c *Expiring[T]) Add(key string, value T, tags Tags) {
	if c.opts.Capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.data[key]; ok {
		c.order.Remove(prev.order)
	}
	for len(c.data) >= c.opts.Capacity {
		back := c.order.Back()
		delete(c.data, back.Value.(string))
		c.order.Remove(back)
	}
	c.data[key] = &entry[T]{
		when:  time.Now(),
		order: c.order.PushFront(key),
		value: value,
		tags:  tags,
	}
}

// Get returns the cached value for key when present and unexpired.
func (c *Expiring[T]) Get(key string) (value T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, found := c.data[key]
	if !found {
		c.event("miss")
		return value, false
	}
	if c.opts.Expiration > 0 && time.Since(ent.when) > c.opts.Expiration {
		delete(c.data, key)
		c.order.Remove(ent.order)
		c.event("miss")
		return value, false
	}
	c.order.MoveToFront(ent.order)
	c.event("hit")
	return ent.value, true
}

// Delete removes key if present.
func (c *Expiring[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.data[key]; ok {
		delete(c.data, key)
		c.order.Remove(ent.order)
	}
}

// Invalidate drops every entry matched by the invalidation scope.
func (c *Expiring[T]) Invalidate(inv Invalidation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, ent := range c.data {
		if inv.matches(ent.tags) {
			delete(c.data, key)
			c.order.Remove(ent.order)
		}
	}
}

// Len returns the current entry count.
func (c *Expiring[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *Expiring[T]) event(kind string) {
	if c.opts.Name == "" {
		return
	}
	mon.Event("cache_"+kind, monkit.NewSeriesTag("name", c.opts.Name))
}
