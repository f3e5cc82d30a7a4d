// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package search_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

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
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/secrets"
)

type env struct {
	db      *gatewaydb.DB
	manager *mounts.Manager
	service *search.Service
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
	return &env{
		db:      db,
		manager: manager,
		service: search.NewService(log, db.Search(), manager),
	}
}

func (e *env) addLocalMount(t *testing.T, ctx *testcontext.Context, id, mountPath, basePath string) {
	require.NoError(t, e.db.StorageConfigs().Create(ctx, &mounts.StorageConfig{
		ID:       "cfg-" + id,
		Name:     id,
		Type:     drivers.TypeLocal,
		Settings: map[string]string{"basePath": basePath},
	}))
	require.NoError(t, e.db.Mounts().Create(ctx, &mounts.Mount{
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

func (e *env) seedEntries(t *testing.T, ctx *testcontext.Context, mountID string, count int) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < count; i++ {
		require.NoError(t, e.db.Search().UpsertEntry(ctx, &search.Entry{
			MountID:    mountID,
			FsPath:     fmt.Sprintf("/files/report-%03d.txt", i),
			Name:       fmt.Sprintf("report-%03d.txt", i),
			Size:       int64(i),
			ModifiedMs: base + int64(i)*1000,
			UpdatedAt:  base,
		}))
	}
}

func TestQueryValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	_, err := e.service.Query(ctx, search.Query{Text: "ab"}, "")
	require.Equal(t, apierrs.Validation, apierrs.KindOf(err))

	_, err = e.service.Query(ctx, search.Query{Text: "report", Scope: search.ScopeMount}, "")
	require.Equal(t, apierrs.Validation, apierrs.KindOf(err))

	_, err = e.service.Query(ctx, search.Query{Text: "report", Scope: search.ScopeDirectory}, "")
	require.Equal(t, apierrs.Validation, apierrs.KindOf(err))

	_, err = e.service.Query(ctx, search.Query{Text: "report", Scope: "bogus"}, "")
	require.Equal(t, apierrs.Validation, apierrs.KindOf(err))
}

func TestQueryPagination(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	e.seedEntries(t, ctx, "m1", 7)

	q := search.Query{Text: "report", Limit: 3}
	page1, err := e.service.Query(ctx, q, "")
	require.NoError(t, err)
	require.Len(t, page1.Entries, 3)
	require.NotEmpty(t, page1.NextCursor)
	// Newest first.
	require.Equal(t, "report-006.txt", page1.Entries[0].Name)

	page2, err := e.service.Query(ctx, q, page1.NextCursor)
	require.NoError(t, err)
	require.Len(t, page2.Entries, 3)
	require.Equal(t, "report-003.txt", page2.Entries[0].Name)

	page3, err := e.service.Query(ctx, q, page2.NextCursor)
	require.NoError(t, err)
	require.Len(t, page3.Entries, 1)
	require.Empty(t, page3.NextCursor)

	// A cursor minted for a different query is rejected.
	_, err = e.service.Query(ctx, search.Query{Text: "other query"}, page1.NextCursor)
	require.Equal(t, apierrs.Validation, apierrs.KindOf(err))
}

func TestQueryScopes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	e.seedEntries(t, ctx, "m1", 2)
	require.NoError(t, e.db.Search().UpsertEntry(ctx, &search.Entry{
		MountID:    "m2",
		FsPath:     "/media/report-final.txt",
		Name:       "report-final.txt",
		ModifiedMs: time.Now().UnixMilli(),
	}))

	result, err := e.service.Query(ctx, search.Query{
		Text: "report", Scope: search.ScopeMount, MountID: "m2",
	}, "")
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, "report-final.txt", result.Entries[0].Name)

	result, err = e.service.Query(ctx, search.Query{
		Text: "report", Scope: search.ScopeDirectory, PathPrefix: "/files",
	}, "")
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
}

func TestRebuildIndexesMount(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	base := ctx.Dir("base")
	e.addLocalMount(t, ctx, "m1", "/files", base)

	driver, err := e.manager.Driver(ctx, "cfg-m1")
	require.NoError(t, err)
	_, err = driver.Put(ctx, "/docs/a.txt", strings.NewReader("a"), 1, "")
	require.NoError(t, err)
	_, err = driver.Put(ctx, "/docs/b.txt", strings.NewReader("b"), 1, "")
	require.NoError(t, err)
	_, err = driver.Put(ctx, "/top.txt", strings.NewReader("t"), 1, "")
	require.NoError(t, err)

	require.NoError(t, e.service.Rebuild(ctx, "m1", search.RebuildOptions{}, nil))

	state, err := e.db.Search().GetState(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, search.StateReady, state.Status)
	require.NotZero(t, state.LastIndexedMs)

	// Directory plus three files.
	count, err := e.db.Search().CountEntries(ctx, "m1")
	require.NoError(t, err)
	require.EqualValues(t, 4, count)

	result, err := e.service.Query(ctx, search.Query{Text: "a.txt"}, "")
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, "/files/docs/a.txt", result.Entries[0].FsPath)

	// A rebuild after deletion drops stale entries.
	require.NoError(t, driver.Remove(ctx, "/docs/b.txt"))
	require.NoError(t, e.service.Rebuild(ctx, "m1", search.RebuildOptions{}, nil))
	count, err = e.db.Search().CountEntries(ctx, "m1")
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestRebuildCancelled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("base"))

	err := e.service.Rebuild(ctx, "m1", search.RebuildOptions{}, func() bool { return true })
	require.NoError(t, err)

	state, err := e.db.Search().GetState(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, search.StateError, state.Status)
	require.Contains(t, state.LastError, "cancelled")
}

func TestApplyDirty(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	base := ctx.Dir("base")
	e.addLocalMount(t, ctx, "m1", "/files", base)

	driver, err := e.manager.Driver(ctx, "cfg-m1")
	require.NoError(t, err)
	_, err = driver.Put(ctx, "/new.txt", strings.NewReader("xy"), 2, "")
	require.NoError(t, err)

	require.NoError(t, e.service.EnqueueDirty(ctx, "m1", "/files/new.txt", search.OpUpsert))
	// A path the backend no longer has turns into a delete.
	require.NoError(t, e.db.Search().UpsertEntry(ctx, &search.Entry{
		MountID: "m1", FsPath: "/files/gone.txt", Name: "gone.txt",
	}))
	require.NoError(t, e.service.EnqueueDirty(ctx, "m1", "/files/gone.txt", search.OpUpsert))
	// An explicit delete removes the entry and its subtree.
	require.NoError(t, e.db.Search().UpsertEntry(ctx, &search.Entry{
		MountID: "m1", FsPath: "/files/old", Name: "old", IsDir: true,
	}))
	require.NoError(t, e.db.Search().UpsertEntry(ctx, &search.Entry{
		MountID: "m1", FsPath: "/files/old/x.txt", Name: "x.txt",
	}))
	require.NoError(t, e.service.EnqueueDirty(ctx, "m1", "/files/old", search.OpDelete))

	processed, err := e.service.ApplyDirty(ctx, search.ApplyOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, processed)

	count, err := e.db.Search().CountDirty(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	result, err := e.service.Query(ctx, search.Query{Text: "new.txt"}, "")
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.EqualValues(t, 2, result.Entries[0].Size)

	for _, text := range []string{"gone.txt", "x.txt"} {
		result, err = e.service.Query(ctx, search.Query{Text: text}, "")
		require.NoError(t, err)
		require.Empty(t, result.Entries)
	}
}

func TestClearAndStatus(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	e.seedEntries(t, ctx, "m1", 3)
	require.NoError(t, e.db.Search().SetState(ctx, &search.State{MountID: "m1", Status: search.StateReady}))
	require.NoError(t, e.service.EnqueueDirty(ctx, "m1", "/files/report-000.txt", search.OpUpsert))

	statuses, dirty, rec, err := e.service.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.EqualValues(t, 3, statuses[0].Entries)
	require.EqualValues(t, 1, dirty)
	require.Equal(t, search.RecommendApplyDirty, rec)

	require.NoError(t, e.service.Clear(ctx, nil))

	statuses, dirty, rec, err = e.service.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, search.StateNotReady, statuses[0].State.Status)
	require.Zero(t, statuses[0].Entries)
	require.Zero(t, dirty)
	require.Equal(t, search.RecommendRebuild, rec)
}

func TestRecommend(t *testing.T) {
	require.Equal(t, search.RecommendNone, search.Recommend(nil, 0))
	require.Equal(t, search.RecommendWait,
		search.Recommend([]search.State{{Status: search.StateIndexing}}, 0))
	require.Equal(t, search.RecommendRebuild,
		search.Recommend([]search.State{{Status: search.StateReady}}, 10000))
	require.Equal(t, search.RecommendApplyDirty,
		search.Recommend([]search.State{{Status: search.StateReady}}, 3))
}
