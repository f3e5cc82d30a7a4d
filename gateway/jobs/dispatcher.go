// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package jobs

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"storj.io/common/errs2"
	"storj.io/common/sync2"
)

// DispatcherConfig configures the Dispatcher.
type DispatcherConfig struct {
	PollInterval     time.Duration `help:"how often the queue is polled for work" default:"2s"`
	WatchdogInterval time.Duration `help:"how often stalled and cancel-flagged jobs are swept" default:"1m0s"`
	StallAfter       time.Duration `help:"running jobs without a heartbeat for this long fail as stalled" default:"10m0s"`
	Concurrency      int           `help:"how many jobs may run at once" default:"4"`
}

// Dispatcher claims pending jobs and runs their handlers. At most one
// dispatcher goroutine runs a given job; cross-process cancellation
// rides on the cancel flag swept by the watchdog.
type Dispatcher struct {
	log      *zap.Logger
	db       DB
	service  *Service
	registry *Registry
	config   DispatcherConfig

	Loop     *sync2.Cycle
	Watchdog *sync2.Cycle
	limiter  *sync2.Limiter
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(log *zap.Logger, db DB, service *Service, registry *Registry, config DispatcherConfig) *Dispatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.WatchdogInterval <= 0 {
		config.WatchdogInterval = time.Minute
	}
	if config.StallAfter <= 0 {
		config.StallAfter = 10 * time.Minute
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Dispatcher{
		log:      log,
		db:       db,
		service:  service,
		registry: registry,
		config:   config,
		Loop:     sync2.NewCycle(config.PollInterval),
		Watchdog: sync2.NewCycle(config.WatchdogInterval),
		limiter:  sync2.NewLimiter(config.Concurrency),
	}
}

// Run polls the queue until ctx is done.
func (dispatcher *Dispatcher) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs2.Group
	group.Go(func() error {
		return dispatcher.Loop.Run(ctx, dispatcher.poll)
	})
	group.Go(func() error {
		return dispatcher.Watchdog.Run(ctx, dispatcher.sweep)
	})
	allErrors := group.Wait()
	dispatcher.limiter.Wait()
	return Error.Wrap(errs.Combine(allErrors...))
}

// Close stops the cycles.
func (dispatcher *Dispatcher) Close() error {
	dispatcher.Loop.Close()
	dispatcher.Watchdog.Close()
	return nil
}

// poll drains the queue, claiming until empty or out of slots.
func (dispatcher *Dispatcher) poll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		job, err := dispatcher.db.ClaimNext(ctx, dispatcher.registry.Types(), time.Now())
		if err != nil {
			if errs2.IsCanceled(err) {
				return err
			}
			dispatcher.log.Error("claim failed", zap.Error(err))
			return nil
		}
		if job == nil {
			return nil
		}

		started := dispatcher.limiter.Go(ctx, func() {
			dispatcher.execute(ctx, job)
		})
		if !started {
			// No slot came free before ctx ended; the claim will be
			// reclassified by the watchdog of a live dispatcher.
			return ctx.Err()
		}
	}
}

func (dispatcher *Dispatcher) execute(ctx context.Context, job *Job) {
	log := dispatcher.log.With(zap.String("id", job.ID), zap.String("type", job.Type))

	handler, ok := dispatcher.registry.Lookup(job.Type)
	if !ok {
		_ = dispatcher.db.Finish(ctx, job.ID, StatusFailed, "", "no handler registered", time.Now())
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dispatcher.service.trackCancel(job.ID, cancel)
	defer dispatcher.service.untrackCancel(job.ID)

	progress := func(pct int, message string) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		if err := dispatcher.db.UpdateProgress(ctx, job.ID, pct, message, time.Now()); err != nil {
			log.Warn("progress update failed", zap.Error(err))
		}
	}

	log.Info("job started")
	result, err := handler(jobCtx, job, progress)

	switch {
	case err == nil:
		err = dispatcher.db.Finish(ctx, job.ID, StatusCompleted, result, "", time.Now())
		log.Info("job completed")
	case errs2.IsCanceled(err) || jobCtx.Err() != nil:
		err = dispatcher.db.Finish(ctx, job.ID, StatusCancelled, result, "cancelled", time.Now())
		log.Info("job cancelled")
	default:
		err = dispatcher.db.Finish(ctx, job.ID, StatusFailed, result, err.Error(), time.Now())
		log.Warn("job failed")
	}
	if err != nil {
		log.Error("finish failed", zap.Error(err))
	}
}

// sweep applies cross-process cancel requests and reclassifies stalled
// running jobs.
func (dispatcher *Dispatcher) sweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ids, err := dispatcher.db.RequestedCancels(ctx)
	if err != nil {
		dispatcher.log.Error("cancel sweep failed", zap.Error(err))
	}
	for _, id := range ids {
		dispatcher.service.cancelLocal(id)
	}

	failed, err := dispatcher.db.FailStalled(ctx, time.Now().Add(-dispatcher.config.StallAfter), "stalled", time.Now())
	if err != nil {
		dispatcher.log.Error("stall sweep failed", zap.Error(err))
		return nil
	}
	if failed > 0 {
		dispatcher.log.Warn("stalled jobs failed", zap.Int64("count", failed))
	}
	return nil
}
