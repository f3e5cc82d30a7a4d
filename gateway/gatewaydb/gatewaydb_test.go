// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package gatewaydb_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/gatewaydb"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/quota"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/uploads"
	"github.com/cloudpaste/cloudpaste/gateway/vfs"
)

func openDB(t *testing.T, ctx *testcontext.Context) *gatewaydb.DB {
	db, err := gatewaydb.Open(ctx, zaptest.NewLogger(t), gatewaydb.Config{
		Path: ctx.File("gateway.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	require.NoError(t, db.MigrateToLatest(ctx))
}

func TestMountsAndConfigs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	config := &mounts.StorageConfig{
		ID:         "cfg-1",
		Name:       "local disk",
		Type:       drivers.TypeLocal,
		QuotaBytes: 1 << 30,
		Settings:   map[string]string{"basePath": "/srv/data"},
	}
	require.NoError(t, db.StorageConfigs().Create(ctx, config))

	got, err := db.StorageConfigs().Get(ctx, "cfg-1")
	require.NoError(t, err)
	require.Equal(t, "local disk", got.Name)
	require.Equal(t, "/srv/data", got.Settings["basePath"])
	require.False(t, got.CreatedAt.IsZero())

	got.Name = "renamed"
	require.NoError(t, db.StorageConfigs().Update(ctx, got))
	got, err = db.StorageConfigs().Get(ctx, "cfg-1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	mount := &mounts.Mount{
		ID:              "mount-1",
		Name:            "files",
		MountPath:       "/files",
		StorageConfigID: "cfg-1",
		StorageType:     drivers.TypeLocal,
		IsActive:        true,
		CreatedByType:   auth.TypeAdmin,
		CreatedBy:       "admin",
		WebProxy:        true,
	}
	require.NoError(t, db.Mounts().Create(ctx, mount))

	// Mount paths are unique.
	dup := *mount
	dup.ID = "mount-2"
	err = db.Mounts().Create(ctx, &dup)
	require.Equal(t, apierrs.Conflict, apierrs.KindOf(err))

	byPath, err := db.Mounts().GetByPath(ctx, "/files")
	require.NoError(t, err)
	require.Equal(t, "mount-1", byPath.ID)

	all, err := db.Mounts().All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, db.Mounts().Delete(ctx, "mount-1"))
	_, err = db.Mounts().Get(ctx, "mount-1")
	require.Equal(t, apierrs.NotFound, apierrs.KindOf(err))
}

func TestUploadSessionsAndParts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	session := &uploads.Session{
		ID:              "up-1",
		PrincipalType:   auth.TypeAPIKey,
		PrincipalID:     "key-1",
		StorageType:     drivers.TypeLocal,
		StorageConfigID: "cfg-1",
		MountID:         "mount-1",
		FsPath:          "/files/docs",
		FileName:        "big.bin",
		FileSize:        100,
		PartSize:        40,
		TotalParts:      3,
		Strategy:        drivers.StrategySingleSession,
		Status:          uploads.StatusInitiated,
		ExpiresAt:       time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Uploads().Create(ctx, session))

	// Conditional transition only fires from the expected states.
	ok, err := db.Uploads().SetStatus(ctx, "up-1", []uploads.Status{uploads.StatusCompleted}, uploads.StatusAborted)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = db.Uploads().SetStatus(ctx, "up-1",
		[]uploads.Status{uploads.StatusInitiated, uploads.StatusUploading}, uploads.StatusUploading)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.Uploads().UpdateProgress(ctx, "up-1", 40, 1, "bytes=40-79"))
	got, err := db.Uploads().Get(ctx, "up-1")
	require.NoError(t, err)
	require.Equal(t, uploads.StatusUploading, got.Status)
	require.EqualValues(t, 40, got.BytesUploaded)
	require.Equal(t, "bytes=40-79", got.NextExpectedRange)

	require.NoError(t, db.Uploads().UpsertPart(ctx, &uploads.Part{
		UploadID: "up-1", PartNo: 1, Size: 40, ByteStart: 0, ByteEnd: 39,
		Status: uploads.PartUploaded,
	}))
	// Upsert replaces the same part number.
	require.NoError(t, db.Uploads().UpsertPart(ctx, &uploads.Part{
		UploadID: "up-1", PartNo: 1, Size: 40, ByteStart: 0, ByteEnd: 39,
		Status: uploads.PartUploaded, ProviderPartID: "etag-1",
	}))

	part, err := db.Uploads().GetPart(ctx, "up-1", 1)
	require.NoError(t, err)
	require.Equal(t, "etag-1", part.ProviderPartID)

	parts, err := db.Uploads().Parts(ctx, "up-1")
	require.NoError(t, err)
	require.Len(t, parts, 1)

	sessions, err := db.Uploads().ListByPath(ctx, "cfg-1", "/files/docs")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.NoError(t, db.Uploads().Delete(ctx, "up-1"))
	_, err = db.Uploads().Get(ctx, "up-1")
	require.Equal(t, apierrs.NotFound, apierrs.KindOf(err))
}

func TestUploadExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	now := time.Now()
	require.NoError(t, db.Uploads().Create(ctx, &uploads.Session{
		ID: "up-old", PrincipalType: auth.TypeAPIKey, PrincipalID: "k",
		StorageConfigID: "cfg-1", FsPath: "/x", FileName: "f", FileSize: 1,
		PartSize: 1, TotalParts: 1, Strategy: drivers.StrategySingleSession,
		Status: uploads.StatusUploading, ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, db.Uploads().Create(ctx, &uploads.Session{
		ID: "up-live", PrincipalType: auth.TypeAPIKey, PrincipalID: "k",
		StorageConfigID: "cfg-1", FsPath: "/x", FileName: "g", FileSize: 1,
		PartSize: 1, TotalParts: 1, Strategy: drivers.StrategySingleSession,
		Status: uploads.StatusUploading, ExpiresAt: now.Add(time.Hour),
	}))

	expired, err := db.Uploads().MarkExpired(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, expired)

	got, err := db.Uploads().Get(ctx, "up-old")
	require.NoError(t, err)
	require.Equal(t, uploads.StatusExpired, got.Status)
	got, err = db.Uploads().Get(ctx, "up-live")
	require.NoError(t, err)
	require.Equal(t, uploads.StatusUploading, got.Status)
}

func TestJobsClaimAndFinish(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	now := time.Now()
	require.NoError(t, db.Jobs().Create(ctx, &jobs.Job{
		ID: "job-1", Type: jobs.TypeCopy, Status: jobs.StatusPending,
		Payload: `{"items":[{"sourcePath":"/a","targetPath":"/b"}]}`,
		CreatedByType: auth.TypeAdmin, CreatedBy: "admin",
		CreatedAt:     now.Add(-2 * time.Minute), UpdatedAt: now.Add(-2 * time.Minute),
	}))
	require.NoError(t, db.Jobs().Create(ctx, &jobs.Job{
		ID: "job-2", Type: jobs.TypeCopy, Status: jobs.StatusPending,
		CreatedByType: auth.TypeAdmin, CreatedBy: "admin",
		CreatedAt:     now.Add(-time.Minute), UpdatedAt: now.Add(-time.Minute),
	}))

	// Claims hand out the oldest pending job and mark it running.
	claimed, err := db.Jobs().ClaimNext(ctx, []string{jobs.TypeCopy}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "job-1", claimed.ID)
	require.Equal(t, jobs.StatusRunning, claimed.Status)

	// A second dispatcher never claims the same job.
	claimed2, err := db.Jobs().ClaimNext(ctx, []string{jobs.TypeCopy}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	require.Equal(t, "job-2", claimed2.ID)

	empty, err := db.Jobs().ClaimNext(ctx, []string{jobs.TypeCopy}, now)
	require.NoError(t, err)
	require.Nil(t, empty)

	require.NoError(t, db.Jobs().UpdateProgress(ctx, "job-1", 50, "halfway", now))
	require.NoError(t, db.Jobs().Finish(ctx, "job-1", jobs.StatusCompleted, `{"copied":3}`, "", now))

	got, err := db.Jobs().Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, got.Status)
	require.Equal(t, `{"copied":3}`, got.Result)
	require.False(t, got.FinishedAt.IsZero())
}

func TestJobsCancelFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	now := time.Now()
	require.NoError(t, db.Jobs().Create(ctx, &jobs.Job{
		ID: "first", Type: jobs.TypeCopy, Status: jobs.StatusPending,
		CreatedByType: auth.TypeAdmin, CreatedBy: "admin",
		CreatedAt:     now.Add(-2 * time.Minute), UpdatedAt: now.Add(-2 * time.Minute),
	}))
	require.NoError(t, db.Jobs().Create(ctx, &jobs.Job{
		ID: "second", Type: jobs.TypeCopy, Status: jobs.StatusPending,
		CreatedByType: auth.TypeAdmin, CreatedBy: "admin",
		CreatedAt:     now.Add(-time.Minute), UpdatedAt: now.Add(-time.Minute),
	}))
	claimed, err := db.Jobs().ClaimNext(ctx, []string{jobs.TypeCopy}, now)
	require.NoError(t, err)
	require.Equal(t, "first", claimed.ID)

	// A still-pending job cancels directly.
	done, err := db.Jobs().RequestCancel(ctx, "second", now)
	require.NoError(t, err)
	require.True(t, done)
	got, err := db.Jobs().Get(ctx, "second")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, got.Status)

	// A running job only gets the flag; the watchdog picks it up.
	done, err = db.Jobs().RequestCancel(ctx, "first", now)
	require.NoError(t, err)
	require.False(t, done)

	ids, err := db.Jobs().RequestedCancels(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"first"}, ids)
}

func TestJobsFailStalled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	now := time.Now()
	require.NoError(t, db.Jobs().Create(ctx, &jobs.Job{
		ID: "job-1", Type: jobs.TypeCopy, Status: jobs.StatusPending,
		CreatedByType: auth.TypeAdmin, CreatedBy: "admin",
		CreatedAt:     now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}))
	claimed, err := db.Jobs().ClaimNext(ctx, []string{jobs.TypeCopy}, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, claimed)

	failed, err := db.Jobs().FailStalled(ctx, now.Add(-10*time.Minute), "stalled", now)
	require.NoError(t, err)
	require.EqualValues(t, 1, failed)

	got, err := db.Jobs().Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, got.Status)
}

func TestSearchEntriesAndDirty(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	for _, entry := range []search.Entry{
		{MountID: "m1", FsPath: "/files/report.pdf", Name: "report.pdf", Size: 10, ModifiedMs: 3, IndexRunID: "run-1"},
		{MountID: "m1", FsPath: "/files/notes.txt", Name: "notes.txt", Size: 5, ModifiedMs: 2, IndexRunID: "run-1"},
		{MountID: "m2", FsPath: "/other/report-final.pdf", Name: "report-final.pdf", Size: 7, ModifiedMs: 1, IndexRunID: "run-9"},
	} {
		entry := entry
		require.NoError(t, db.Search().UpsertEntry(ctx, &entry))
	}

	// Contains matching on the name, newest first.
	found, err := db.Search().QueryEntries(ctx, search.Query{Text: "report", Limit: 10})
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "/files/report.pdf", found[0].FsPath)

	// Mount scope filter.
	found, err = db.Search().QueryEntries(ctx, search.Query{Text: "report", Scope: search.ScopeMount, MountID: "m1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, found, 1)

	// Upsert dedupes on (mount, path).
	require.NoError(t, db.Search().UpsertEntry(ctx, &search.Entry{
		MountID: "m1", FsPath: "/files/report.pdf", Name: "report.pdf", Size: 11, ModifiedMs: 4, IndexRunID: "run-2",
	}))
	count, err := db.Search().CountEntries(ctx, "m1")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// Stale sweep keeps only the latest run.
	removed, err := db.Search().DeleteStaleEntries(ctx, "m1", "run-2")
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	// Dirty queue dedupes on (mount, path), last op wins.
	require.NoError(t, db.Search().EnqueueDirty(ctx, "m1", "/files/new.txt", search.OpUpsert))
	require.NoError(t, db.Search().EnqueueDirty(ctx, "m1", "/files/new.txt", search.OpDelete))
	dirty, err := db.Search().PeekDirty(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.Equal(t, search.OpDelete, dirty[0].Op)

	require.NoError(t, db.Search().DeleteDirty(ctx, []int64{dirty[0].ID}))
	n, err := db.Search().CountDirty(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestSearchStates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	// Unknown mounts read as not ready rather than erroring.
	state, err := db.Search().GetState(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, search.StateNotReady, state.Status)

	require.NoError(t, db.Search().SetState(ctx, &search.State{
		MountID: "m1", Status: search.StateIndexing,
	}))
	require.NoError(t, db.Search().SetState(ctx, &search.State{
		MountID: "m1", Status: search.StateReady, LastIndexedMs: 42,
	}))

	state, err = db.Search().GetState(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, search.StateReady, state.Status)
	require.EqualValues(t, 42, state.LastIndexedMs)

	states, err := db.Search().AllStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
}

func TestUsageSnapshots(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	_, err := db.Usage().Get(ctx, "cfg-1")
	require.Equal(t, apierrs.NotFound, apierrs.KindOf(err))

	require.NoError(t, db.Usage().Upsert(ctx, &quota.Snapshot{
		StorageConfigID: "cfg-1", TotalBytes: -1, UsedBytes: 100, TakenAt: time.Now(),
	}))
	require.NoError(t, db.Usage().Upsert(ctx, &quota.Snapshot{
		StorageConfigID: "cfg-1", TotalBytes: -1, UsedBytes: 200, TakenAt: time.Now(),
	}))

	snapshot, err := db.Usage().Get(ctx, "cfg-1")
	require.NoError(t, err)
	require.EqualValues(t, 200, snapshot.UsedBytes)
}

func TestNodes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	dir := &vfs.Node{
		ID: "n-dir", OwnerType: auth.TypeAdmin, OwnerID: "admin",
		ScopeType: "storage_config", ScopeID: "cfg-1",
		Name: "docs", NodeType: vfs.TypeDir, Status: vfs.StatusActive,
	}
	require.NoError(t, db.Nodes().Upsert(ctx, dir))
	file := &vfs.Node{
		ID: "n-file", OwnerType: auth.TypeAdmin, OwnerID: "admin",
		ScopeType: "storage_config", ScopeID: "cfg-1", ParentID: "n-dir",
		Name: "a.txt", NodeType: vfs.TypeFile, Size: 123, Status: vfs.StatusActive,
	}
	require.NoError(t, db.Nodes().Upsert(ctx, file))

	child, err := db.Nodes().Child(ctx, "cfg-1", "n-dir", "a.txt")
	require.NoError(t, err)
	require.Equal(t, "n-file", child.ID)

	children, err := db.Nodes().Children(ctx, "cfg-1", "n-dir")
	require.NoError(t, err)
	require.Len(t, children, 1)

	used, err := db.Nodes().UsedBytes(ctx, "cfg-1")
	require.NoError(t, err)
	require.EqualValues(t, 123, used)

	require.NoError(t, db.Nodes().MarkDeleted(ctx, "cfg-1", "n-file"))
	used, err = db.Nodes().UsedBytes(ctx, "cfg-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, used)

	_, err = db.Nodes().Child(ctx, "cfg-1", "n-dir", "a.txt")
	require.Equal(t, apierrs.NotFound, apierrs.KindOf(err))
}
