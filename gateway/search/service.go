// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package search

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"storj.io/common/uuid"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

var mon = monkit.Package()

// MinQueryLength is the shortest accepted query text.
const MinQueryLength = 3

// MaxLimit bounds one result page.
const MaxLimit = 200

// DefaultLimit is used when the caller does not set one.
const DefaultLimit = 50

// Recommendation is the administrative hint for an index.
type Recommendation string

// Recommendations.
const (
	RecommendRebuild    Recommendation = "rebuild"
	RecommendApplyDirty Recommendation = "apply-dirty"
	RecommendWait       Recommendation = "wait"
	RecommendNone       Recommendation = "none"
)

// rebuildDirtyThreshold is the dirty backlog beyond which a rebuild
// beats draining the queue.
const rebuildDirtyThreshold = 5000

// RebuildOptions bounds an index rebuild walk.
type RebuildOptions struct {
	BatchSize int
	MaxDepth  int
}

// ApplyOptions bounds a dirty-queue drain.
type ApplyOptions struct {
	MaxItems                int
	MaxDepth                int
	RebuildDirectorySubtree bool
}

// Result is one page of query hits.
type Result struct {
	Entries    []Entry
	NextCursor string
}

// Service answers queries and reconciles the index with mount
// contents.
type Service struct {
	log     *zap.Logger
	db      DB
	manager *mounts.Manager

	mu       sync.Mutex
	stopping map[string]bool
}

// NewService constructs a Service.
func NewService(log *zap.Logger, db DB, manager *mounts.Manager) *Service {
	return &Service{log: log, db: db, manager: manager, stopping: make(map[string]bool)}
}

// EnqueueDirty records that fsPath on mount changed; the apply-dirty
// job reconciles it later. Re-enqueueing replaces the pending op.
func (service *Service) EnqueueDirty(ctx context.Context, mountID, fsPath string, op DirtyOp) error {
	return Error.Wrap(service.db.EnqueueDirty(ctx, mountID, fsPath, op))
}

// Query runs a validated contains-query over the index with keyset
// pagination.
func (service *Service) Query(ctx context.Context, q Query, cursor string) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(strings.TrimSpace(q.Text)) < MinQueryLength {
		return nil, apierrs.ErrValidation.Wrap(Error.New("query must be at least %d characters", MinQueryLength))
	}
	switch q.Scope {
	case "", ScopeGlobal:
		q.Scope = ScopeGlobal
	case ScopeMount:
		if q.MountID == "" {
			return nil, apierrs.ErrValidation.Wrap(Error.New("mount scope needs mount_id"))
		}
	case ScopeDirectory:
		if q.PathPrefix == "" {
			return nil, apierrs.ErrValidation.Wrap(Error.New("directory scope needs path prefix"))
		}
		q.PathPrefix, err = vpath.Normalize(q.PathPrefix, false)
		if err != nil {
			return nil, err
		}
	default:
		return nil, apierrs.ErrValidation.Wrap(Error.New("unknown scope %q", q.Scope))
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if cursor != "" {
		q.After, err = DecodeCursor(cursor, q)
		if err != nil {
			return nil, err
		}
	}

	// Fetch one extra row to learn whether another page exists.
	lookahead := q
	lookahead.Limit = q.Limit + 1
	entries, err := service.db.QueryEntries(ctx, lookahead)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	result := &Result{Entries: entries}
	if len(entries) > q.Limit {
		result.Entries = entries[:q.Limit]
		last := result.Entries[q.Limit-1]
		result.NextCursor = Cursor{
			Version:    1,
			ModifiedMs: last.ModifiedMs,
			FsPath:     last.FsPath,
			ID:         last.ID,
			Text:       q.Text,
			Scope:      q.Scope,
			MountID:    q.MountID,
			PathPrefix: q.PathPrefix,
		}.Encode()
	}
	return result, nil
}

// Rebuild reindexes one mount from scratch: entries are written under a
// fresh run id and entries from earlier runs are dropped afterwards.
// canceled is polled at every batch boundary.
func (service *Service) Rebuild(ctx context.Context, mountID string, opts RebuildOptions, canceled func() bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	mount, err := service.mountByID(ctx, mountID)
	if err != nil {
		return err
	}
	driver, err := service.manager.DriverFor(ctx, mount)
	if err != nil {
		return err
	}
	if err := drivers.Require(driver, drivers.CapReader); err != nil {
		return err
	}

	runID, err := uuid.New()
	if err != nil {
		return Error.Wrap(err)
	}
	if err := service.db.SetState(ctx, &State{MountID: mountID, Status: StateIndexing}); err != nil {
		return Error.Wrap(err)
	}
	service.setStopping(mountID, false)

	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}

	walkErr := service.walk(ctx, driver, mount, vpath.Root, 0, opts, runID.String(), canceled)
	switch {
	case walkErr == nil:
		if _, err := service.db.DeleteStaleEntries(ctx, mountID, runID.String()); err != nil {
			walkErr = Error.Wrap(err)
		}
	case errStopped.Has(walkErr):
		// Operator stop leaves partial state behind on purpose; a
		// later rebuild supersedes it.
		return service.db.SetState(ctx, &State{
			MountID: mountID, Status: StateError, LastError: "cancelled by operator",
		})
	}

	if walkErr != nil {
		_ = service.db.SetState(ctx, &State{
			MountID: mountID, Status: StateError, LastError: walkErr.Error(),
		})
		return walkErr
	}
	return Error.Wrap(service.db.SetState(ctx, &State{
		MountID: mountID, Status: StateReady, LastIndexedMs: time.Now().UnixMilli(),
	}))
}

var errStopped = errs.Class("index walk stopped")

func (service *Service) walk(ctx context.Context, driver drivers.Driver, mount *mounts.Mount, subPath string, depth int, opts RebuildOptions, runID string, canceled func() bool) error {
	if opts.MaxDepth > 0 && depth > opts.MaxDepth {
		return nil
	}

	cursor := ""
	for {
		if service.isStopping(mount.ID) || (canceled != nil && canceled()) {
			return errStopped.New("mount %s", mount.ID)
		}

		listing, err := driver.List(ctx, subPath, drivers.ListOptions{
			Refresh:  true,
			Cursor:   cursor,
			PageSize: opts.BatchSize,
		})
		if err != nil {
			return err
		}

		for _, item := range listing.Items {
			fsPath, err := vpath.Join(mount.MountPath, strings.TrimPrefix(item.Path, "/"), false)
			if err != nil {
				continue
			}
			err = service.db.UpsertEntry(ctx, &Entry{
				MountID:    mount.ID,
				FsPath:     fsPath,
				Name:       item.Name,
				IsDir:      item.IsDir,
				Size:       item.Size,
				ModifiedMs: item.Modified.UnixMilli(),
				MimeType:   item.MimeType,
				IndexRunID: runID,
				UpdatedAt:  time.Now().UnixMilli(),
			})
			if err != nil {
				return Error.Wrap(err)
			}
			if item.IsDir {
				sub, err := vpath.Join(subPath, item.Name, false)
				if err != nil {
					continue
				}
				if err := service.walk(ctx, driver, mount, sub, depth+1, opts, runID, canceled); err != nil {
					return err
				}
			}
		}

		if listing.NextCursor == "" {
			return nil
		}
		cursor = listing.NextCursor
	}
}

// ApplyDirty drains up to opts.MaxItems dirty rows, oldest first,
// fetching fresh state from the driver for each. canceled is polled
// per item.
func (service *Service) ApplyDirty(ctx context.Context, opts ApplyOptions, canceled func() bool) (processed int, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.MaxItems <= 0 {
		opts.MaxItems = 500
	}
	rows, err := service.db.PeekDirty(ctx, opts.MaxItems)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	var done []int64
	defer func() {
		if len(done) > 0 {
			if delErr := service.db.DeleteDirty(ctx, done); delErr != nil {
				err = errs.Combine(err, Error.Wrap(delErr))
			}
		}
	}()

	for _, row := range rows {
		if canceled != nil && canceled() {
			return processed, nil
		}
		if err := service.applyOne(ctx, row, opts); err != nil {
			service.log.Warn("dirty row failed",
				zap.String("mountID", row.MountID),
				zap.String("fsPath", row.FsPath),
				zap.Error(err))
			// Drop the row anyway; a failing path re-dirties on the
			// next write and a rebuild repairs systematic drift.
		}
		done = append(done, row.ID)
		processed++
	}
	return processed, nil
}

func (service *Service) applyOne(ctx context.Context, row Dirty, opts ApplyOptions) error {
	if row.Op == OpDelete {
		if err := service.db.DeleteEntry(ctx, row.MountID, row.FsPath); err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(service.db.DeleteEntryPrefix(ctx, row.MountID, row.FsPath+"/"))
	}

	mount, err := service.mountByID(ctx, row.MountID)
	if err != nil {
		return err
	}
	driver, err := service.manager.DriverFor(ctx, mount)
	if err != nil {
		return err
	}
	sub, ok := vpath.TrimBase(row.FsPath, mount.MountPath)
	if !ok {
		return Error.New("dirty path outside mount")
	}

	item, err := driver.Stat(ctx, sub)
	if err != nil {
		if apierrs.KindOf(err) == apierrs.NotFound {
			if err := service.db.DeleteEntry(ctx, row.MountID, row.FsPath); err != nil {
				return Error.Wrap(err)
			}
			return Error.Wrap(service.db.DeleteEntryPrefix(ctx, row.MountID, row.FsPath+"/"))
		}
		return err
	}

	err = service.db.UpsertEntry(ctx, &Entry{
		MountID:    row.MountID,
		FsPath:     row.FsPath,
		Name:       item.Name,
		IsDir:      item.IsDir,
		Size:       item.Size,
		ModifiedMs: item.Modified.UnixMilli(),
		MimeType:   item.MimeType,
		UpdatedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return Error.Wrap(err)
	}

	if item.IsDir && opts.RebuildDirectorySubtree {
		return service.walk(ctx, driver, mount, sub, 0, RebuildOptions{
			BatchSize: 500,
			MaxDepth:  opts.MaxDepth,
		}, "", nil)
	}
	return nil
}

// Stop requests a cooperative stop of any rebuild running for mountID.
func (service *Service) Stop(mountID string) {
	service.setStopping(mountID, true)
}

// Clear drops all derived rows of the given mounts (or all mounts when
// none are named) and marks their states not_ready.
func (service *Service) Clear(ctx context.Context, mountIDs []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(mountIDs) == 0 {
		states, err := service.db.AllStates(ctx)
		if err != nil {
			return Error.Wrap(err)
		}
		for _, state := range states {
			mountIDs = append(mountIDs, state.MountID)
		}
	}
	for _, mountID := range mountIDs {
		if err := service.db.DeleteMountEntries(ctx, mountID); err != nil {
			return Error.Wrap(err)
		}
		if err := service.db.ClearDirty(ctx, mountID); err != nil {
			return Error.Wrap(err)
		}
		if err := service.db.SetState(ctx, &State{MountID: mountID, Status: StateNotReady}); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// MountStatus is the admin view of one mount's index.
type MountStatus struct {
	State   State
	Entries int64
}

// Status reports all index states, the dirty backlog, and the
// recommended admin action.
func (service *Service) Status(ctx context.Context) (_ []MountStatus, dirty int64, rec Recommendation, err error) {
	defer mon.Task()(&ctx)(&err)

	states, err := service.db.AllStates(ctx)
	if err != nil {
		return nil, 0, "", Error.Wrap(err)
	}
	dirty, err = service.db.CountDirty(ctx)
	if err != nil {
		return nil, 0, "", Error.Wrap(err)
	}

	statuses := make([]MountStatus, 0, len(states))
	for _, state := range states {
		count, err := service.db.CountEntries(ctx, state.MountID)
		if err != nil {
			return nil, 0, "", Error.Wrap(err)
		}
		statuses = append(statuses, MountStatus{State: state, Entries: count})
	}
	return statuses, dirty, Recommend(states, dirty), nil
}

// Recommend reproduces the admin hint: a large backlog or a non-ready
// state asks for a rebuild, a small backlog for a drain, an in-flight
// rebuild for patience.
func Recommend(states []State, dirty int64) Recommendation {
	for _, state := range states {
		if state.Status == StateIndexing {
			return RecommendWait
		}
	}
	if dirty >= rebuildDirtyThreshold {
		return RecommendRebuild
	}
	for _, state := range states {
		if state.Status != StateReady {
			return RecommendRebuild
		}
	}
	if dirty > 0 {
		return RecommendApplyDirty
	}
	return RecommendNone
}

func (service *Service) mountByID(ctx context.Context, mountID string) (*mounts.Mount, error) {
	mount, err := service.manager.Mount(ctx, mountID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return mount, nil
}

func (service *Service) setStopping(mountID string, value bool) {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.stopping[mountID] = value
}

func (service *Service) isStopping(mountID string) bool {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.stopping[mountID]
}
