// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"github.com/cloudpaste/cloudpaste/gateway/gatewaydb"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/scheduler"
)

func newJobsService(t *testing.T, ctx *testcontext.Context) *jobs.Service {
	db, err := gatewaydb.Open(ctx, zaptest.NewLogger(t), gatewaydb.Config{Path: ctx.File("gateway.db")})
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	t.Cleanup(func() { _ = db.Close() })

	registry := jobs.NewRegistry()
	for _, jobType := range []string{jobs.TypeCleanupUploads, jobs.TypeIndexApplyDirty, jobs.TypeRefreshUsage} {
		registry.Register(jobType, func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFn) (string, error) {
			return "", nil
		})
	}
	return jobs.NewService(zaptest.NewLogger(t), db.Jobs(), registry)
}

func TestRunRejectsBadSchedule(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	s := scheduler.New(zaptest.NewLogger(t), newJobsService(t, ctx), scheduler.Config{
		CleanupUploadsSchedule: "not a schedule",
	})
	err := s.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), jobs.TypeCleanupUploads)
}

func TestRunStopsWithContext(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	s := scheduler.New(zaptest.NewLogger(t), newJobsService(t, ctx), scheduler.Config{
		CleanupUploadsSchedule: "@hourly",
		ApplyDirtySchedule:     "@every 5m",
		RefreshUsageSchedule:   "", // disabled
	})

	runCtx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 1)
	ctx.Go(func() error {
		errch <- s.Run(runCtx)
		return nil
	})
	// Give the cron loop a moment to start before stopping it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errch:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.NoError(t, s.Close())
}
