// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package scheduler enqueues recurring maintenance jobs on cron
// schedules.
package scheduler

import (
	"context"
	"encoding/json"

	"github.com/robfig/cron"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
)

var (
	mon = monkit.Package()

	// Error is the class for scheduler errors.
	Error = errs.Class("scheduler")
)

// Config holds the cron schedules. An empty schedule disables its
// entry.
type Config struct {
	CleanupUploadsSchedule string `help:"cron schedule for upload session cleanup" default:"@hourly"`
	ApplyDirtySchedule     string `help:"cron schedule for draining the index dirty queue" default:"@every 5m"`
	RefreshUsageSchedule   string `help:"cron schedule for usage snapshot refresh" default:"@every 15m"`
}

// Scheduler enqueues maintenance jobs. A job type already pending or
// running is not enqueued again.
type Scheduler struct {
	log     *zap.Logger
	service *jobs.Service
	config  Config
	cron    *cron.Cron
}

// New constructs a Scheduler.
func New(log *zap.Logger, service *jobs.Service, config Config) *Scheduler {
	return &Scheduler{
		log:     log,
		service: service,
		config:  config,
		cron:    cron.New(),
	}
}

// Run registers the entries and runs the cron loop until ctx is done.
func (scheduler *Scheduler) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	entries := []struct {
		schedule string
		jobType  string
		payload  any
	}{
		{scheduler.config.CleanupUploadsSchedule, jobs.TypeCleanupUploads, nil},
		{scheduler.config.ApplyDirtySchedule, jobs.TypeIndexApplyDirty, nil},
		{scheduler.config.RefreshUsageSchedule, jobs.TypeRefreshUsage, nil},
	}
	for _, entry := range entries {
		if entry.schedule == "" {
			continue
		}
		jobType, payload := entry.jobType, entry.payload
		if err := scheduler.cron.AddFunc(entry.schedule, func() {
			scheduler.enqueue(ctx, jobType, payload)
		}); err != nil {
			return Error.New("bad schedule for %s: %v", entry.jobType, err)
		}
	}

	scheduler.cron.Start()
	defer scheduler.cron.Stop()
	<-ctx.Done()
	return nil
}

// Close is a no-op; the cron loop stops with Run's context.
func (scheduler *Scheduler) Close() error { return nil }

func (scheduler *Scheduler) enqueue(ctx context.Context, jobType string, payload any) {
	pending, err := scheduler.service.List(ctx, auth.Admin(), jobs.Filter{Type: jobType, Status: jobs.StatusPending, Limit: 1})
	if err == nil && len(pending) > 0 {
		return
	}
	running, err := scheduler.service.List(ctx, auth.Admin(), jobs.Filter{Type: jobType, Status: jobs.StatusRunning, Limit: 1})
	if err == nil && len(running) > 0 {
		return
	}

	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if _, err := scheduler.service.Create(ctx, auth.Admin(), jobType, raw); err != nil {
		scheduler.log.Warn("scheduled enqueue failed", zap.String("type", jobType), zap.Error(err))
	}
}
