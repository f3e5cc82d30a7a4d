// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package handlers

import (
	"context"
	"encoding/json"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

type copyItem struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
}

type copyPayload struct {
	Items        []copyItem `json:"items"`
	SkipExisting bool       `json:"skipExisting,omitempty"`
	MaxDepth     int        `json:"maxDepth,omitempty"`
}

// copyStats is the copy job result document.
type copyStats struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type copyRun struct {
	deps    Deps
	payload copyPayload

	srcMount  *mounts.Mount
	srcDriver drivers.Driver
	dstMount  *mounts.Mount
	dstDriver drivers.Driver

	stats    copyStats
	progress jobs.ProgressFn
}

// plannedItem is one admitted payload item with its endpoints resolved.
type plannedItem struct {
	srcSub, dstSub string
	dstPath        string
	srcMount       *mounts.Mount
	dstMount       *mounts.Mount
	srcDriver      drivers.Driver
	dstDriver      drivers.Driver
	source         *drivers.Item
}

// copyHandler copies files or directory trees between virtual paths,
// possibly across storage backends. Paths were admitted against the
// creating principal when the job was enqueued.
func copyHandler(deps Deps) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFn) (string, error) {
		var payload copyPayload
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			return "", apierrs.ErrValidation.Wrap(Error.New("bad payload: %v", err))
		}
		if len(payload.Items) == 0 {
			return "", apierrs.ErrValidation.Wrap(Error.New("no items to copy"))
		}

		run := &copyRun{deps: deps, payload: payload, progress: progress}
		err := run.execute(ctx)
		result := marshalResult(run.stats)
		if err != nil {
			return result, err
		}
		return result, nil
	}
}

func (run *copyRun) execute(ctx context.Context) error {
	planned := make([]plannedItem, 0, len(run.payload.Items))
	for _, item := range run.payload.Items {
		plan, err := run.plan(ctx, item)
		if err != nil {
			return err
		}
		if plan.source.IsDir {
			nested, err := run.countItems(ctx, plan.srcDriver, plan.srcSub, 0)
			if err != nil {
				return err
			}
			run.stats.Total += nested
		} else {
			run.stats.Total++
		}
		planned = append(planned, plan)
	}

	touched := map[string]*mounts.Mount{}
	for _, plan := range planned {
		if err := ctx.Err(); err != nil {
			return err
		}
		run.srcMount, run.dstMount = plan.srcMount, plan.dstMount
		run.srcDriver, run.dstDriver = plan.srcDriver, plan.dstDriver

		var err error
		if plan.source.IsDir {
			if err = run.dstDriver.Mkdir(ctx, plan.dstSub); err != nil && apierrs.KindOf(err) != apierrs.Conflict {
				return err
			}
			err = run.copyTree(ctx, plan.srcSub, plan.dstSub, 0)
		} else {
			err = run.copyFile(ctx, plan.srcSub, plan.dstSub, plan.source)
		}
		if err != nil {
			return err
		}

		if err := run.deps.Index.EnqueueDirty(ctx, plan.dstMount.ID, plan.dstPath, search.OpUpsert); err != nil {
			run.deps.Log.Warn("dirty enqueue failed")
		}
		touched[plan.dstMount.ID] = plan.dstMount
	}

	for _, mount := range touched {
		run.deps.Bus.Publish(caches.Invalidation{
			Scope:           caches.ScopeMount,
			MountID:         mount.ID,
			StorageConfigID: mount.StorageConfigID,
		})
	}
	return nil
}

func (run *copyRun) plan(ctx context.Context, item copyItem) (plannedItem, error) {
	srcPath, err := vpath.Normalize(item.SourcePath, false)
	if err != nil {
		return plannedItem{}, err
	}
	dstPath, err := vpath.Normalize(item.TargetPath, false)
	if err != nil {
		return plannedItem{}, err
	}
	if dstPath == srcPath {
		return plannedItem{}, apierrs.ErrValidation.Wrap(Error.New("target equals source"))
	}
	if vpath.IsUnder(dstPath, srcPath) {
		return plannedItem{}, apierrs.ErrValidation.Wrap(Error.New("target inside source"))
	}

	src, err := run.deps.Manager.Resolve(ctx, auth.Admin(), srcPath)
	if err != nil {
		return plannedItem{}, err
	}
	dst, err := run.deps.Manager.Resolve(ctx, auth.Admin(), dstPath)
	if err != nil {
		return plannedItem{}, err
	}
	srcDriver, err := run.deps.Manager.DriverFor(ctx, src.Mount)
	if err != nil {
		return plannedItem{}, err
	}
	dstDriver, err := run.deps.Manager.DriverFor(ctx, dst.Mount)
	if err != nil {
		return plannedItem{}, err
	}
	if err := drivers.Require(srcDriver, drivers.CapReader); err != nil {
		return plannedItem{}, err
	}
	if err := drivers.Require(dstDriver, drivers.CapWriter); err != nil {
		return plannedItem{}, err
	}
	source, err := srcDriver.Stat(ctx, src.SubPath)
	if err != nil {
		return plannedItem{}, err
	}
	return plannedItem{
		srcSub:    src.SubPath,
		dstSub:    dst.SubPath,
		dstPath:   dstPath,
		srcMount:  src.Mount,
		dstMount:  dst.Mount,
		srcDriver: srcDriver,
		dstDriver: dstDriver,
		source:    source,
	}, nil
}

func (run *copyRun) countItems(ctx context.Context, driver drivers.Driver, subPath string, depth int) (int, error) {
	if run.payload.MaxDepth > 0 && depth > run.payload.MaxDepth {
		return 0, nil
	}
	total := 0
	cursor := ""
	for {
		listing, err := driver.List(ctx, subPath, drivers.ListOptions{Cursor: cursor})
		if err != nil {
			return total, err
		}
		for _, item := range listing.Items {
			total++
			if item.IsDir {
				sub, err := vpath.Join(subPath, item.Name, false)
				if err != nil {
					continue
				}
				nested, err := run.countItems(ctx, driver, sub, depth+1)
				if err != nil {
					return total, err
				}
				total += nested
			}
		}
		if listing.NextCursor == "" {
			return total, nil
		}
		cursor = listing.NextCursor
	}
}

func (run *copyRun) copyTree(ctx context.Context, srcSub, dstSub string, depth int) error {
	if run.payload.MaxDepth > 0 && depth > run.payload.MaxDepth {
		return nil
	}
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		listing, err := run.srcDriver.List(ctx, srcSub, drivers.ListOptions{Cursor: cursor})
		if err != nil {
			return err
		}
		for _, item := range listing.Items {
			if err := ctx.Err(); err != nil {
				return err
			}
			srcChild, err := vpath.Join(srcSub, item.Name, false)
			if err != nil {
				run.recordFailed()
				continue
			}
			dstChild, err := vpath.Join(dstSub, item.Name, false)
			if err != nil {
				run.recordFailed()
				continue
			}

			if item.IsDir {
				if err := run.dstDriver.Mkdir(ctx, dstChild); err != nil && apierrs.KindOf(err) != apierrs.Conflict {
					run.recordFailed()
					continue
				}
				run.recordSucceeded(dstChild)
				if err := run.copyTree(ctx, srcChild, dstChild, depth+1); err != nil {
					return err
				}
				continue
			}
			if err := run.copyFile(ctx, srcChild, dstChild, &item); err != nil {
				if apierrs.KindOf(err) == apierrs.QuotaExceeded {
					return err
				}
				run.deps.Log.Warn("copy item failed")
				run.recordFailed()
			}
		}
		if listing.NextCursor == "" {
			return nil
		}
		cursor = listing.NextCursor
	}
}

// copyFile copies one file: a provider-side copy when both paths live
// on the same driver, a stream otherwise.
func (run *copyRun) copyFile(ctx context.Context, srcSub, dstSub string, item *drivers.Item) error {
	if run.payload.SkipExisting {
		exists, err := drivers.Exists(ctx, run.dstDriver, dstSub)
		if err != nil {
			return err
		}
		if exists {
			run.recordSkipped(dstSub)
			return nil
		}
	}

	if err := run.deps.Guard.AssertCanConsume(ctx, run.dstMount.StorageConfigID, item.Size); err != nil {
		return err
	}

	if run.srcDriver == run.dstDriver {
		result, err := run.srcDriver.Copy(ctx, srcSub, dstSub, drivers.CopyOptions{
			SkipExisting: run.payload.SkipExisting,
		})
		if err != nil {
			return err
		}
		switch result.Status {
		case drivers.CopySkipped:
			run.recordSkipped(dstSub)
		case drivers.CopyFailed:
			run.recordFailed()
		default:
			run.recordSucceeded(dstSub)
		}
		return nil
	}

	descriptor, err := run.srcDriver.Download(ctx, srcSub)
	if err != nil {
		return err
	}
	body, err := descriptor.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	if _, err := run.dstDriver.Put(ctx, dstSub, body, descriptor.Size, descriptor.ContentType); err != nil {
		return err
	}
	run.recordSucceeded(dstSub)
	return nil
}

func (run *copyRun) recordSucceeded(path string) {
	run.stats.Processed++
	run.stats.Succeeded++
	run.report(path)
}

func (run *copyRun) recordSkipped(path string) {
	run.stats.Processed++
	run.stats.Skipped++
	run.report(path)
}

func (run *copyRun) recordFailed() {
	run.stats.Processed++
	run.stats.Failed++
	run.report("")
}

func (run *copyRun) report(path string) {
	pct := 0
	if run.stats.Total > 0 {
		pct = run.stats.Processed * 100 / run.stats.Total
	}
	run.progress(pct, path)
}
