// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package quota_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	_ "github.com/cloudpaste/cloudpaste/gateway/drivers/local"
	"github.com/cloudpaste/cloudpaste/gateway/gatewaydb"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/quota"
	"github.com/cloudpaste/cloudpaste/gateway/secrets"
	"github.com/cloudpaste/cloudpaste/gateway/vfs"
)

type env struct {
	db      *gatewaydb.DB
	manager *mounts.Manager
	guard   *quota.Guard
}

func newEnv(t *testing.T, ctx *testcontext.Context) *env {
	log := zaptest.NewLogger(t)

	db, err := gatewaydb.Open(ctx, log, gatewaydb.Config{Path: ctx.File("gateway.db")})
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	t.Cleanup(func() { _ = db.Close() })

	box, err := secrets.NewBox("test passphrase")
	require.NoError(t, err)
	manager := mounts.NewManager(log, db.Mounts(), db.StorageConfigs(), box, caches.NewBus())
	guard := quota.NewGuard(log, db.Usage(), db.StorageConfigs(), manager, vfs.NewService(db.Nodes()))
	return &env{db: db, manager: manager, guard: guard}
}

func (e *env) addConfig(t *testing.T, ctx *testcontext.Context, id string, cap int64, basePath string) {
	require.NoError(t, e.db.StorageConfigs().Create(ctx, &mounts.StorageConfig{
		ID:         id,
		Name:       id,
		Type:       drivers.TypeLocal,
		QuotaBytes: cap,
		Settings:   map[string]string{"basePath": basePath},
	}))
}

func TestAssertCanConsume(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	base := ctx.Dir("base")
	e.addConfig(t, ctx, "capped", 100, base)
	e.addConfig(t, ctx, "uncapped", 0, base)

	// Zero or negative deltas always pass, as do uncapped configs.
	require.NoError(t, e.guard.AssertCanConsume(ctx, "capped", 0))
	require.NoError(t, e.guard.AssertCanConsume(ctx, "capped", -5))
	require.NoError(t, e.guard.AssertCanConsume(ctx, "uncapped", 1<<40))

	// No snapshot exists yet; the guard takes one on demand. The
	// backend is empty, so 100 bytes fit and 101 do not.
	require.NoError(t, e.guard.AssertCanConsume(ctx, "capped", 100))

	err := e.guard.AssertCanConsume(ctx, "capped", 101)
	require.Equal(t, apierrs.QuotaExceeded, apierrs.KindOf(err))
}

func TestAssertUsesLatestSnapshot(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	e.addConfig(t, ctx, "capped", 100, ctx.Dir("base"))
	require.NoError(t, e.db.Usage().Upsert(ctx, &quota.Snapshot{
		StorageConfigID: "capped",
		TotalBytes:      -1,
		UsedBytes:       90,
	}))

	require.NoError(t, e.guard.AssertCanConsume(ctx, "capped", 10))
	err := e.guard.AssertCanConsume(ctx, "capped", 11)
	require.Equal(t, apierrs.QuotaExceeded, apierrs.KindOf(err))
}

func TestRefreshFromDriver(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	base := ctx.Dir("base")
	e.addConfig(t, ctx, "cfg", 0, base)

	driver, err := e.manager.Driver(ctx, "cfg")
	require.NoError(t, err)
	_, err = driver.Put(ctx, "/a.bin", bytes.NewReader(make([]byte, 64)), 64, "")
	require.NoError(t, err)

	config, err := e.db.StorageConfigs().Get(ctx, "cfg")
	require.NoError(t, err)
	snapshot, err := e.guard.Refresh(ctx, config)
	require.NoError(t, err)
	require.EqualValues(t, 64, snapshot.UsedBytes)
	require.EqualValues(t, -1, snapshot.TotalBytes)

	stored, err := e.db.Usage().Get(ctx, "cfg")
	require.NoError(t, err)
	require.EqualValues(t, 64, stored.UsedBytes)
}

func TestRefreshFallsBackToNodeTree(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	// A config whose driver cannot start still gets a snapshot from
	// the gateway-side node tree.
	require.NoError(t, e.db.StorageConfigs().Create(ctx, &mounts.StorageConfig{
		ID:   "broken",
		Name: "broken",
		Type: drivers.TypeLocal,
		Settings: map[string]string{
			"basePath": "/does/not/exist",
		},
	}))
	node := &vfs.Node{
		ID:       "n1",
		ScopeID:  "broken",
		Name:     "a.bin",
		NodeType: vfs.TypeFile,
		Size:     42,
		Status:   vfs.StatusActive,
	}
	require.NoError(t, e.db.Nodes().Upsert(ctx, node))

	config, err := e.db.StorageConfigs().Get(ctx, "broken")
	require.NoError(t, err)
	snapshot, err := e.guard.Refresh(ctx, config)
	require.NoError(t, err)
	require.EqualValues(t, 42, snapshot.UsedBytes)
}

func TestRefreshAll(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	e.addConfig(t, ctx, "cfg-a", 0, ctx.Dir("a"))
	e.addConfig(t, ctx, "cfg-b", 0, ctx.Dir("b"))

	require.NoError(t, e.guard.RefreshAll(ctx, 4))

	for _, id := range []string{"cfg-a", "cfg-b"} {
		_, err := e.db.Usage().Get(ctx, id)
		require.NoError(t, err)
	}
}
