// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package jobs

import (
	"context"
	"sort"
	"sync"
)

// ProgressFn reports handler progress; calling it also refreshes the
// job heartbeat.
type ProgressFn func(progress int, message string)

// Handler executes one job. A handler returns the result JSON; it must
// return promptly once ctx is cancelled.
type Handler func(ctx context.Context, job *Job, progress ProgressFn) (result string, err error)

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type. Re-registering a type panics.
func (registry *Registry) Register(jobType string, handler Handler) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, dup := registry.handlers[jobType]; dup {
		panic("jobs: Register called twice for type " + jobType)
	}
	registry.handlers[jobType] = handler
}

// Lookup returns the handler for a job type.
func (registry *Registry) Lookup(jobType string) (Handler, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	handler, ok := registry.handlers[jobType]
	return handler, ok
}

// Types returns the registered job types sorted.
func (registry *Registry) Types() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	types := make([]string, 0, len(registry.handlers))
	for jobType := range registry.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}
