// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package caches

import (
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
)

// Scope selects which cache entries an invalidation covers.
type Scope string

// Invalidation scopes.
const (
	// ScopeAll drops everything.
	ScopeAll Scope = "all"
	// ScopeMount drops entries tagged with a mount id.
	ScopeMount Scope = "mount"
	// ScopeConfig drops entries tagged with a storage config id.
	ScopeConfig Scope = "config"
)

// Invalidation is a message posted on writes through the core.
type Invalidation struct {
	Scope           Scope
	MountID         string
	StorageConfigID string
}

func (inv Invalidation) matches(tags Tags) bool {
	switch inv.Scope {
	case ScopeAll:
		return true
	case ScopeMount:
		return tags.MountID == inv.MountID
	case ScopeConfig:
		return tags.StorageConfigID == inv.StorageConfigID
	default:
		return false
	}
}

// Bus fans invalidation messages out to subscribers. Delivery is
// synchronous and in-process; subscribers must not block.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Invalidation)
}

// NewBus constructs a Bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers fn for every subsequent invalidation.
func (b *Bus) Subscribe(fn func(Invalidation)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers inv to all subscribers.
func (b *Bus) Publish(inv Invalidation) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	mon.Event("cache_invalidation", monkit.NewSeriesTag("scope", string(inv.Scope)))
	for _, fn := range subs {
		fn(inv)
	}
}
