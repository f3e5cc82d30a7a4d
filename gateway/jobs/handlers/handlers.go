// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package handlers implements the built-in job types.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/quota"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/uploads"
)

// Error is the class for handler errors.
var Error = errs.Class("jobhandlers")

// Deps carries the services the built-in handlers run against.
type Deps struct {
	Log     *zap.Logger
	Manager *mounts.Manager
	Index   *search.Service
	Uploads uploads.DB
	Guard   *quota.Guard
	Bus     *caches.Bus
}

// RegisterAll binds every built-in job type.
func RegisterAll(registry *jobs.Registry, deps Deps) {
	registry.Register(jobs.TypeCopy, copyHandler(deps))
	registry.Register(jobs.TypeIndexRebuild, indexRebuildHandler(deps))
	registry.Register(jobs.TypeIndexApplyDirty, applyDirtyHandler(deps))
	registry.Register(jobs.TypeCleanupUploads, cleanupUploadsHandler(deps))
	registry.Register(jobs.TypeRefreshUsage, refreshUsageHandler(deps))
}

type indexRebuildPayload struct {
	MountIDs  []string `json:"mountIds"`
	BatchSize int      `json:"batchSize,omitempty"`
	MaxDepth  int      `json:"maxDepth,omitempty"`
}

func indexRebuildHandler(deps Deps) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFn) (string, error) {
		var payload indexRebuildPayload
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			return "", apierrs.ErrValidation.Wrap(Error.New("bad payload: %v", err))
		}
		if len(payload.MountIDs) == 0 {
			return "", apierrs.ErrValidation.Wrap(Error.New("mountIds is required"))
		}

		for i, mountID := range payload.MountIDs {
			progress(i*100/len(payload.MountIDs), "indexing "+mountID)
			err := deps.Index.Rebuild(ctx, mountID, search.RebuildOptions{
				BatchSize: payload.BatchSize,
				MaxDepth:  payload.MaxDepth,
			}, func() bool { return ctx.Err() != nil })
			if err != nil {
				return "", err
			}
		}
		progress(100, "done")
		return marshalResult(map[string]any{"mountIds": payload.MountIDs}), nil
	}
}

type applyDirtyPayload struct {
	MaxItems                int  `json:"maxItems,omitempty"`
	MaxDepth                int  `json:"maxDepth,omitempty"`
	RebuildDirectorySubtree bool `json:"rebuildDirectorySubtree,omitempty"`
}

func applyDirtyHandler(deps Deps) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFn) (string, error) {
		var payload applyDirtyPayload
		if job.Payload != "" {
			if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
				return "", apierrs.ErrValidation.Wrap(Error.New("bad payload: %v", err))
			}
		}

		processed, err := deps.Index.ApplyDirty(ctx, search.ApplyOptions{
			MaxItems:                payload.MaxItems,
			MaxDepth:                payload.MaxDepth,
			RebuildDirectorySubtree: payload.RebuildDirectorySubtree,
		}, func() bool { return ctx.Err() != nil })
		if err != nil {
			return "", err
		}
		progress(100, "done")
		return marshalResult(map[string]any{"processed": processed}), nil
	}
}

type cleanupUploadsPayload struct {
	ActiveGraceHours int `json:"activeGraceHours,omitempty"`
	KeepDays         int `json:"keepDays,omitempty"`
	DeleteLimit      int `json:"deleteLimit,omitempty"`
}

func cleanupUploadsHandler(deps Deps) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFn) (string, error) {
		payload := cleanupUploadsPayload{ActiveGraceHours: 48, KeepDays: 7, DeleteLimit: 1000}
		if job.Payload != "" {
			if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
				return "", apierrs.ErrValidation.Wrap(Error.New("bad payload: %v", err))
			}
		}
		now := time.Now()

		expired, err := deps.Uploads.MarkExpired(ctx, now)
		if err != nil {
			return "", Error.Wrap(err)
		}
		progress(33, "expired overdue sessions")

		inactive, err := deps.Uploads.MarkExpiredInactive(ctx, now.Add(-time.Duration(payload.ActiveGraceHours)*time.Hour))
		if err != nil {
			return "", Error.Wrap(err)
		}
		progress(66, "expired inactive sessions")

		deleted, err := deps.Uploads.DeleteTerminalBefore(ctx, now.AddDate(0, 0, -payload.KeepDays), payload.DeleteLimit)
		if err != nil {
			return "", Error.Wrap(err)
		}
		progress(100, "done")
		return marshalResult(map[string]any{
			"expired":         expired,
			"expiredInactive": inactive,
			"deleted":         deleted,
		}), nil
	}
}

type refreshUsagePayload struct {
	MaxConcurrency int `json:"maxConcurrency,omitempty"`
}

func refreshUsageHandler(deps Deps) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFn) (string, error) {
		var payload refreshUsagePayload
		if job.Payload != "" {
			if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
				return "", apierrs.ErrValidation.Wrap(Error.New("bad payload: %v", err))
			}
		}
		if err := deps.Guard.RefreshAll(ctx, payload.MaxConcurrency); err != nil {
			return "", err
		}
		progress(100, "done")
		return marshalResult(map[string]any{"ok": true}), nil
	}
}

func marshalResult(v any) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
