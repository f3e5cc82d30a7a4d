// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package jobs runs background work items through a polling dispatcher
// backed by the gateway database.
package jobs

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/cloudpaste/cloudpaste/gateway/auth"
)

// Error is the class for job errors.
var Error = errs.Class("jobs")

// Status is the job lifecycle state.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Built-in job types.
const (
	TypeCopy            = "copy"
	TypeIndexRebuild    = "fs_index_rebuild"
	TypeIndexApplyDirty = "fs_index_apply_dirty"
	TypeCleanupUploads  = "cleanup_upload_sessions"
	TypeRefreshUsage    = "refresh_storage_usage_snapshots"
)

// Job is one tracked work item. Payload and Result carry type specific
// JSON documents.
type Job struct {
	ID              string
	Type            string
	Status          Status
	Payload         string
	Progress        int // 0..100
	StatusMessage   string
	Result          string
	CancelRequested bool
	CreatedByType   auth.PrincipalType
	CreatedBy       string
	StartedAt       time.Time
	HeartbeatAt     time.Time
	FinishedAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OwnedBy reports whether principal may operate on the job.
func (j *Job) OwnedBy(principal auth.Principal) bool {
	return principal.Owns(j.CreatedByType, j.CreatedBy)
}

// Filter restricts List.
type Filter struct {
	Type   string
	Status Status
	Limit  int
}

// DB stores jobs.
type DB interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter Filter) ([]Job, error)
	Delete(ctx context.Context, id string) error

	// ClaimNext atomically moves the oldest pending job of one of the
	// given types to running and returns it; nil when the queue is
	// empty.
	ClaimNext(ctx context.Context, types []string, now time.Time) (*Job, error)

	UpdateProgress(ctx context.Context, id string, progress int, message string, heartbeat time.Time) error

	// RequestCancel flags a pending or running job; for a pending job
	// it finishes it as cancelled directly and reports done=true.
	RequestCancel(ctx context.Context, id string, now time.Time) (done bool, err error)

	Finish(ctx context.Context, id string, status Status, result, errorMessage string, now time.Time) error

	// RequestedCancels lists running jobs whose cancel flag is set.
	RequestedCancels(ctx context.Context) ([]string, error)

	// FailStalled finishes running jobs without a heartbeat since
	// cutoff.
	FailStalled(ctx context.Context, cutoff time.Time, message string, now time.Time) (int64, error)
}
