// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package mounts

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/secrets"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

var mon = monkit.Package()

// Resolved is the outcome of mapping a virtual path onto a mount.
type Resolved struct {
	Mount   *Mount
	SubPath string
}

// Manager resolves virtual paths and keeps a process-local cache of
// instantiated drivers keyed by storage config id.
type Manager struct {
	log     *zap.Logger
	db      DB
	configs ConfigDB
	box     *secrets.Box

	mu      sync.Mutex
	drivers map[string]drivers.Driver
}

// NewManager constructs a Manager and subscribes its driver cache to
// the invalidation bus.
func NewManager(log *zap.Logger, db DB, configs ConfigDB, box *secrets.Box, bus *caches.Bus) *Manager {
	manager := &Manager{
		log:     log,
		db:      db,
		configs: configs,
		box:     box,
		drivers: make(map[string]drivers.Driver),
	}
	bus.Subscribe(manager.onInvalidation)
	return manager
}

func (manager *Manager) onInvalidation(inv caches.Invalidation) {
	switch inv.Scope {
	case caches.ScopeAll:
		manager.mu.Lock()
		manager.drivers = make(map[string]drivers.Driver)
		manager.mu.Unlock()
	case caches.ScopeConfig:
		manager.mu.Lock()
		delete(manager.drivers, inv.StorageConfigID)
		manager.mu.Unlock()
	}
}

// Resolve maps a virtual path onto the longest matching active mount
// visible to the principal, returning the mount and the remaining
// subpath. The path must be normalised.
func (manager *Manager) Resolve(ctx context.Context, principal auth.Principal, path string) (_ *Resolved, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := principal.CheckPath(strings.TrimSuffix(path, "/")); err != nil {
		return nil, err
	}

	all, err := manager.db.All(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var best *Mount
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == "" {
		trimmed = vpath.Root
	}
	for i := range all {
		mount := &all[i]
		if !mount.IsActive {
			continue
		}
		if !vpath.IsUnder(trimmed, mount.MountPath) {
			continue
		}
		if best == nil || len(mount.MountPath) > len(best.MountPath) {
			best = mount
		}
	}
	if best == nil {
		return nil, apierrs.ErrNotFound.Wrap(Error.New("no mount for path"))
	}

	sub, ok := vpath.TrimBase(trimmed, best.MountPath)
	if !ok {
		return nil, apierrs.ErrNotFound.Wrap(Error.New("no mount for path"))
	}
	if strings.HasSuffix(path, "/") && sub != vpath.Root {
		sub += "/"
	}
	return &Resolved{Mount: best, SubPath: sub}, nil
}

// VirtualChildren lists the synthetic directory entries for a path
// shorter than any mount: the next path segment of every visible mount
// under it. ok is false when the path is not a virtual prefix.
func (manager *Manager) VirtualChildren(ctx context.Context, principal auth.Principal, path string) (_ []drivers.Item, ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	all, err := manager.db.All(ctx)
	if err != nil {
		return nil, false, Error.Wrap(err)
	}

	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == "" {
		trimmed = vpath.Root
	}

	seen := map[string]drivers.Item{}
	isPrefix := trimmed == vpath.Root
	for i := range all {
		mount := &all[i]
		if !mount.IsActive {
			continue
		}
		if !vpath.IsUnder(mount.MountPath, trimmed) || mount.MountPath == trimmed {
			continue
		}
		if principal.CheckPath(mount.MountPath) != nil && !vpath.IsUnder(principal.BasePath(), mount.MountPath) {
			continue
		}
		isPrefix = true

		rest, _ := vpath.TrimBase(mount.MountPath, trimmed)
		segment := strings.SplitN(strings.TrimPrefix(rest, "/"), "/", 2)[0]
		childPath, _ := vpath.Join(trimmed, segment, false)
		if _, dup := seen[segment]; !dup {
			seen[segment] = drivers.Item{
				Name:     segment,
				Path:     childPath,
				IsDir:    true,
				Modified: mount.CreatedAt,
			}
		}
	}
	if !isPrefix {
		return nil, false, nil
	}

	items := make([]drivers.Item, 0, len(seen))
	for _, item := range seen {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, true, nil
}

// Mounts lists all known mounts.
func (manager *Manager) Mounts(ctx context.Context) ([]Mount, error) {
	all, err := manager.db.All(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return all, nil
}

// Mount fetches a mount by id.
func (manager *Manager) Mount(ctx context.Context, mountID string) (*Mount, error) {
	mount, err := manager.db.Get(ctx, mountID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return mount, nil
}

// Config fetches a storage configuration.
func (manager *Manager) Config(ctx context.Context, configID string) (*StorageConfig, error) {
	config, err := manager.configs.Get(ctx, configID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return config, nil
}

// Driver returns the cached driver instance for a storage config,
// instantiating it on first use. Secret fields are decrypted only for
// the factory call.
func (manager *Manager) Driver(ctx context.Context, configID string) (_ drivers.Driver, err error) {
	defer mon.Task()(&ctx)(&err)

	manager.mu.Lock()
	if driver, ok := manager.drivers[configID]; ok {
		manager.mu.Unlock()
		return driver, nil
	}
	manager.mu.Unlock()

	config, err := manager.configs.Get(ctx, configID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	settings := make(map[string]string, len(config.Settings))
	for key, value := range config.Settings {
		plain, err := manager.box.Decrypt(value)
		if err != nil {
			return nil, apierrs.ErrDriver.Wrap(Error.New("driver init failed for config %s", configID))
		}
		settings[key] = plain
	}

	driver, err := drivers.New(manager.log, drivers.Config{
		ID:         config.ID,
		Type:       config.Type,
		QuotaBytes: config.QuotaBytes,
		RootPrefix: config.RootPrefix,
		Settings:   settings,
	})
	if err != nil {
		return nil, err
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	if existing, ok := manager.drivers[configID]; ok {
		return existing, nil
	}
	manager.drivers[configID] = driver
	return driver, nil
}

// DriverFor resolves the driver of a mount.
func (manager *Manager) DriverFor(ctx context.Context, mount *Mount) (drivers.Driver, error) {
	return manager.Driver(ctx, mount.StorageConfigID)
}

// InvalidateDriver drops the cached driver for a config.
func (manager *Manager) InvalidateDriver(configID string) {
	manager.onInvalidation(caches.Invalidation{Scope: caches.ScopeConfig, StorageConfigID: configID})
}
