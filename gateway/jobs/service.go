// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"storj.io/common/uuid"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
)

var mon = monkit.Package()

const (
	// DefaultListLimit bounds List when the caller does not pick one.
	DefaultListLimit = 20
	// MaxListLimit is the hard cap for List.
	MaxListLimit = 100
)

// Service exposes the job queue to the API surface.
type Service struct {
	log      *zap.Logger
	db       DB
	registry *Registry

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	nowFn   func() time.Time
}

// NewService constructs a Service.
func NewService(log *zap.Logger, db DB, registry *Registry) *Service {
	return &Service{
		log:      log,
		db:       db,
		registry: registry,
		cancels:  make(map[string]context.CancelFunc),
		nowFn:    time.Now,
	}
}

// Create enqueues a job. The payload must be a JSON object understood
// by the type's handler.
func (service *Service) Create(ctx context.Context, principal auth.Principal, jobType string, payload json.RawMessage) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := principal.Require(auth.PermJobCreate); err != nil {
		return nil, err
	}
	if _, ok := service.registry.Lookup(jobType); !ok {
		return nil, apierrs.ErrValidation.Wrap(Error.New("unknown job type %q", jobType))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, apierrs.ErrValidation.Wrap(Error.New("payload is not valid json"))
	}

	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	now := service.nowFn()
	job := &Job{
		ID:            id.String(),
		Type:          jobType,
		Status:        StatusPending,
		Payload:       string(payload),
		CreatedByType: principal.Type,
		CreatedBy:     principal.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := service.db.Create(ctx, job); err != nil {
		return nil, Error.Wrap(err)
	}
	service.log.Info("job enqueued", zap.String("id", job.ID), zap.String("type", jobType))
	return job, nil
}

// Get returns a job visible to the principal.
func (service *Service) Get(ctx context.Context, principal auth.Principal, id string) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := service.db.Get(ctx, id)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !job.OwnedBy(principal) {
		return nil, apierrs.ErrForbidden.Wrap(Error.New("job owned by another principal"))
	}
	return job, nil
}

// List returns recent jobs, newest first.
func (service *Service) List(ctx context.Context, principal auth.Principal, filter Filter) (_ []Job, err error) {
	defer mon.Task()(&ctx)(&err)

	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	all, err := service.db.List(ctx, filter)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	visible := all[:0]
	for _, job := range all {
		if job.OwnedBy(principal) {
			visible = append(visible, job)
		}
	}
	return visible, nil
}

// Cancel stops a pending or running job. A pending job finishes as
// cancelled immediately; a running one has its context cancelled
// in-process and its cancel flag set for other dispatchers.
func (service *Service) Cancel(ctx context.Context, principal auth.Principal, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := service.Get(ctx, principal, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return apierrs.ErrConflict.Wrap(Error.New("job is %s", job.Status))
	}

	done, err := service.db.RequestCancel(ctx, id, service.nowFn())
	if err != nil {
		return Error.Wrap(err)
	}
	if done {
		return nil
	}
	service.cancelLocal(id)
	return nil
}

// Delete removes a terminal job record.
func (service *Service) Delete(ctx context.Context, principal auth.Principal, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := service.Get(ctx, principal, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return apierrs.ErrConflict.Wrap(Error.New("job is still %s", job.Status))
	}
	return Error.Wrap(service.db.Delete(ctx, id))
}

func (service *Service) trackCancel(id string, cancel context.CancelFunc) {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.cancels[id] = cancel
}

func (service *Service) untrackCancel(id string) {
	service.mu.Lock()
	defer service.mu.Unlock()
	delete(service.cancels, id)
}

func (service *Service) cancelLocal(id string) {
	service.mu.Lock()
	cancel, ok := service.cancels[id]
	service.mu.Unlock()
	if ok {
		cancel()
	}
}
