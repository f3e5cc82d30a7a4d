// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package mounts_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	_ "github.com/cloudpaste/cloudpaste/gateway/drivers/local"
	"github.com/cloudpaste/cloudpaste/gateway/gatewaydb"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/secrets"
)

type fixture struct {
	db      *gatewaydb.DB
	bus     *caches.Bus
	box     *secrets.Box
	manager *mounts.Manager
}

func newFixture(t *testing.T, ctx *testcontext.Context) *fixture {
	log := zaptest.NewLogger(t)

	db, err := gatewaydb.Open(ctx, log, gatewaydb.Config{Path: ctx.File("gateway.db")})
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	t.Cleanup(func() { _ = db.Close() })

	box, err := secrets.NewBox("test passphrase")
	require.NoError(t, err)

	bus := caches.NewBus()
	return &fixture{
		db:      db,
		bus:     bus,
		box:     box,
		manager: mounts.NewManager(log, db.Mounts(), db.StorageConfigs(), box, bus),
	}
}

func (f *fixture) addLocalMount(t *testing.T, ctx *testcontext.Context, id, mountPath, basePath string) {
	require.NoError(t, f.db.StorageConfigs().Create(ctx, &mounts.StorageConfig{
		ID:       "cfg-" + id,
		Name:     id,
		Type:     drivers.TypeLocal,
		Settings: map[string]string{"basePath": basePath},
	}))
	require.NoError(t, f.db.Mounts().Create(ctx, &mounts.Mount{
		ID:              id,
		Name:            id,
		MountPath:       mountPath,
		StorageConfigID: "cfg-" + id,
		StorageType:     drivers.TypeLocal,
		IsActive:        true,
		CreatedByType:   auth.TypeAdmin,
		CreatedBy:       "admin",
	}))
}

func TestResolveLongestPrefix(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	f.addLocalMount(t, ctx, "short", "/files", ctx.Dir("short"))
	f.addLocalMount(t, ctx, "long", "/files/archive", ctx.Dir("long"))

	resolved, err := f.manager.Resolve(ctx, auth.Admin(), "/files/docs/a.txt")
	require.NoError(t, err)
	require.Equal(t, "short", resolved.Mount.ID)
	require.Equal(t, "/docs/a.txt", resolved.SubPath)

	// The deeper mount wins under its own prefix.
	resolved, err = f.manager.Resolve(ctx, auth.Admin(), "/files/archive/2024/a.txt")
	require.NoError(t, err)
	require.Equal(t, "long", resolved.Mount.ID)
	require.Equal(t, "/2024/a.txt", resolved.SubPath)

	// The mount root maps to the subpath root.
	resolved, err = f.manager.Resolve(ctx, auth.Admin(), "/files/archive")
	require.NoError(t, err)
	require.Equal(t, "long", resolved.Mount.ID)
	require.Equal(t, "/", resolved.SubPath)

	// Directory intent survives resolution.
	resolved, err = f.manager.Resolve(ctx, auth.Admin(), "/files/docs/")
	require.NoError(t, err)
	require.Equal(t, "/docs/", resolved.SubPath)

	_, err = f.manager.Resolve(ctx, auth.Admin(), "/elsewhere")
	require.Equal(t, apierrs.NotFound, apierrs.KindOf(err))
}

func TestResolveSkipsInactive(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	f.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"))
	mount, err := f.db.Mounts().Get(ctx, "m1")
	require.NoError(t, err)
	mount.IsActive = false
	require.NoError(t, f.db.Mounts().Update(ctx, mount))

	_, err = f.manager.Resolve(ctx, auth.Admin(), "/files/a")
	require.Equal(t, apierrs.NotFound, apierrs.KindOf(err))
}

func TestResolveHonoursBasePath(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	f.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"))

	restricted := auth.Principal{
		Type:            auth.TypeAPIKey,
		ID:              "key",
		Permissions:     auth.PermRead,
		AllowedBasePath: "/files/mine",
	}
	_, err := f.manager.Resolve(ctx, restricted, "/files/other/a.txt")
	require.Equal(t, apierrs.Forbidden, apierrs.KindOf(err))

	resolved, err := f.manager.Resolve(ctx, restricted, "/files/mine/a.txt")
	require.NoError(t, err)
	require.Equal(t, "/mine/a.txt", resolved.SubPath)
}

func TestVirtualChildren(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	f.addLocalMount(t, ctx, "m1", "/team/files", ctx.Dir("m1"))
	f.addLocalMount(t, ctx, "m2", "/team/media", ctx.Dir("m2"))
	f.addLocalMount(t, ctx, "m3", "/other", ctx.Dir("m3"))

	// The root lists the first segment of every mount path.
	items, ok, err := f.manager.VirtualChildren(ctx, auth.Admin(), "/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, items, 2)
	require.Equal(t, "other", items[0].Name)
	require.Equal(t, "team", items[1].Name)
	require.True(t, items[0].IsDir)

	// An intermediate prefix lists its children.
	items, ok, err = f.manager.VirtualChildren(ctx, auth.Admin(), "/team")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, items, 2)
	require.Equal(t, "files", items[0].Name)
	require.Equal(t, "media", items[1].Name)

	// Below a mount there is nothing virtual.
	_, ok, err = f.manager.VirtualChildren(ctx, auth.Admin(), "/team/files/sub")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDriverCacheAndInvalidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	f.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"))

	driver1, err := f.manager.Driver(ctx, "cfg-m1")
	require.NoError(t, err)
	driver2, err := f.manager.Driver(ctx, "cfg-m1")
	require.NoError(t, err)
	require.Same(t, driver1, driver2)

	// A config-scoped invalidation drops the instance.
	f.bus.Publish(caches.Invalidation{Scope: caches.ScopeConfig, StorageConfigID: "cfg-m1"})
	driver3, err := f.manager.Driver(ctx, "cfg-m1")
	require.NoError(t, err)
	require.NotSame(t, driver1, driver3)
}

func TestDriverEncryptedSettings(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	sealed, err := f.box.Encrypt(ctx.Dir("sealed"))
	require.NoError(t, err)
	require.NoError(t, f.db.StorageConfigs().Create(ctx, &mounts.StorageConfig{
		ID:       "cfg-sealed",
		Name:     "sealed",
		Type:     drivers.TypeLocal,
		Settings: map[string]string{"basePath": sealed},
	}))

	driver, err := f.manager.Driver(ctx, "cfg-sealed")
	require.NoError(t, err)
	require.Equal(t, drivers.TypeLocal, driver.Type())
}

func TestDriverInitFailureHidesSettings(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	secretPath := "/very/secret/location"
	require.NoError(t, f.db.StorageConfigs().Create(ctx, &mounts.StorageConfig{
		ID:       "cfg-bad",
		Name:     "bad",
		Type:     drivers.TypeLocal,
		Settings: map[string]string{"basePath": secretPath},
	}))

	_, err := f.manager.Driver(ctx, "cfg-bad")
	require.Equal(t, apierrs.DriverError, apierrs.KindOf(err))
	require.NotContains(t, err.Error(), secretPath)
}

func TestUnregisteredTypeNotSupported(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	f := newFixture(t, ctx)

	require.NoError(t, f.db.StorageConfigs().Create(ctx, &mounts.StorageConfig{
		ID:   "cfg-tg",
		Name: "telegram",
		Type: drivers.TypeTelegram,
	}))

	_, err := f.manager.Driver(ctx, "cfg-tg")
	require.Equal(t, apierrs.NotSupported, apierrs.KindOf(err))
}
