// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package quota pre-flights size-producing operations against
// per-storage-config caps using periodically refreshed usage snapshots.
package quota

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
)

var (
	mon = monkit.Package()

	// Error is the class for quota errors.
	Error = errs.Class("quota")
)

// Snapshot is the recorded usage of one storage config at a point in
// time. TotalBytes is negative when the backend exposes no cap.
type Snapshot struct {
	StorageConfigID string
	TotalBytes      int64
	UsedBytes       int64
	TakenAt         time.Time
}

// DB stores usage snapshots.
type DB interface {
	Upsert(ctx context.Context, snapshot *Snapshot) error
	Get(ctx context.Context, storageConfigID string) (*Snapshot, error)
}

// UsageFallback aggregates used bytes when the driver cannot report
// disk usage; the vfs node tree and the search index both qualify.
type UsageFallback interface {
	UsedBytes(ctx context.Context, storageConfigID string) (int64, error)
}

// DefaultRefreshInterval applies when Config.RefreshInterval is unset.
const DefaultRefreshInterval = 15 * time.Minute

// Config configures the guard and the snapshot refresher.
type Config struct {
	RefreshInterval time.Duration `help:"how often usage snapshots are refreshed" default:"15m0s"`
	MaxConcurrency  int           `help:"how many storage configs are snapshotted in parallel (1-10)" default:"4"`
}

// Guard admits or rejects size deltas against config caps.
type Guard struct {
	log      *zap.Logger
	db       DB
	configs  mounts.ConfigDB
	manager  *mounts.Manager
	fallback UsageFallback
}

// NewGuard constructs a Guard. fallback may be nil.
func NewGuard(log *zap.Logger, db DB, configs mounts.ConfigDB, manager *mounts.Manager, fallback UsageFallback) *Guard {
	return &Guard{log: log, db: db, configs: configs, manager: manager, fallback: fallback}
}

// AssertCanConsume rejects with QUOTA_EXCEEDED when committing delta
// additional bytes would push the latest snapshot past the configured
// cap. Configs without a cap always admit. The check is advisory:
// concurrent admissions may overshoot by up to one snapshot interval.
func (guard *Guard) AssertCanConsume(ctx context.Context, storageConfigID string, delta int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if delta <= 0 {
		return nil
	}
	config, err := guard.configs.Get(ctx, storageConfigID)
	if err != nil {
		return Error.Wrap(err)
	}
	if config.QuotaBytes <= 0 {
		return nil
	}

	snapshot, err := guard.db.Get(ctx, storageConfigID)
	if err != nil {
		if apierrs.KindOf(err) == apierrs.NotFound {
			// No snapshot yet; take one on demand.
			snapshot, err = guard.Refresh(ctx, config)
		}
		if err != nil {
			return Error.Wrap(err)
		}
	}

	if snapshot.UsedBytes+delta > config.QuotaBytes {
		return apierrs.ErrQuotaExceeded.Wrap(
			Error.New("quota exceeded: used %d + %d > cap %d", snapshot.UsedBytes, delta, config.QuotaBytes))
	}
	return nil
}

// Refresh snapshots one storage config: driver-reported disk usage
// when supported, vfs aggregation otherwise.
func (guard *Guard) Refresh(ctx context.Context, config *mounts.StorageConfig) (_ *Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot := &Snapshot{
		StorageConfigID: config.ID,
		TotalBytes:      -1,
		TakenAt:         time.Now(),
	}

	driver, err := guard.manager.Driver(ctx, config.ID)
	if err == nil {
		if reporter, ok := driver.(drivers.UsageReporter); ok {
			used, total, err := reporter.Usage(ctx)
			if err == nil {
				snapshot.UsedBytes, snapshot.TotalBytes = used, total
				return snapshot, Error.Wrap(guard.db.Upsert(ctx, snapshot))
			}
			guard.log.Warn("driver usage report failed; falling back",
				zap.String("configID", config.ID), zap.Error(err))
		}
	}

	if guard.fallback != nil {
		used, err := guard.fallback.UsedBytes(ctx, config.ID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		snapshot.UsedBytes = used
	}
	return snapshot, Error.Wrap(guard.db.Upsert(ctx, snapshot))
}

// RefreshAll snapshots every storage config with bounded concurrency.
func (guard *Guard) RefreshAll(ctx context.Context, maxConcurrency int) (err error) {
	defer mon.Task()(&ctx)(&err)

	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if maxConcurrency > 10 {
		maxConcurrency = 10
	}

	configs, err := guard.configs.All(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrency)
	for i := range configs {
		config := configs[i]
		group.Go(func() error {
			if _, err := guard.Refresh(ctx, &config); err != nil {
				guard.log.Warn("usage snapshot failed",
					zap.String("configID", config.ID), zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}
