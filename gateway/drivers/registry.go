// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package drivers

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
)

// Factory builds a driver instance from a decrypted config. Expensive
// authentication state is owned by the returned instance.
type Factory func(log *zap.Logger, config Config) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a factory available under a backend type. It is meant
// to be called from driver package init functions and panics on
// duplicates, same as database/sql.Register.
func Register(backendType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("drivers: Register factory is nil")
	}
	if _, dup := registry[backendType]; dup {
		panic("drivers: Register called twice for type " + backendType)
	}
	registry[backendType] = factory
}

// RegisteredTypes lists the registered backend types, sorted.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for typ := range registry {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// New instantiates a driver for config. Factory failures surface as
// DRIVER_INIT_FAILED-style driver errors without echoing settings.
func New(log *zap.Logger, config Config) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[config.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, apierrs.ErrNotSupported.Wrap(Error.New("no driver registered for type %s", config.Type))
	}

	driver, err := factory(log.Named(config.Type), config)
	if err != nil {
		// Settings may hold secrets; the returned error carries only
		// the type and config id, the cause stays in the log.
		log.Warn("driver init failed",
			zap.String("type", config.Type),
			zap.String("configID", config.ID),
			zap.Error(err))
		return nil, apierrs.ErrDriver.Wrap(Error.New("driver init failed for %s config %s", config.Type, config.ID))
	}
	return driver, nil
}
