// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
)

type jobsDB struct {
	db *sql.DB
}

const jobColumns = `id, type, status, payload, progress, status_message, result,
	error_message, cancel_requested, created_by_type, created_by, started_at,
	heartbeat_at, finished_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*jobs.Job, error) {
	var job jobs.Job
	var errorMessage string
	var startedAt, heartbeatAt, finishedAt, createdAt, updatedAt int64
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Payload, &job.Progress,
		&job.StatusMessage, &job.Result, &errorMessage, &job.CancelRequested,
		&job.CreatedByType, &job.CreatedBy, &startedAt, &heartbeatAt, &finishedAt,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrs.ErrNotFound.Wrap(ErrDatabase.New("job not found"))
		}
		return nil, ErrDatabase.Wrap(err)
	}
	if errorMessage != "" && job.StatusMessage == "" {
		job.StatusMessage = errorMessage
	}
	if startedAt > 0 {
		job.StartedAt = time.UnixMilli(startedAt)
	}
	if heartbeatAt > 0 {
		job.HeartbeatAt = time.UnixMilli(heartbeatAt)
	}
	if finishedAt > 0 {
		job.FinishedAt = time.UnixMilli(finishedAt)
	}
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	return &job, nil
}

func (db *jobsDB) Create(ctx context.Context, job *jobs.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, payload, created_by_type, created_by,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Status, job.Payload, job.CreatedByType, job.CreatedBy,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	return ErrDatabase.Wrap(err)
}

func (db *jobsDB) Get(ctx context.Context, id string) (_ *jobs.Job, err error) {
	defer mon.Task()(&ctx)(&err)
	return scanJob(db.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (db *jobsDB) List(ctx context.Context, filter jobs.Filter) (_ []jobs.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + jobColumns + ` FROM jobs`
	var conds []string
	var args []any
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var all []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, *job)
	}
	return all, ErrDatabase.Wrap(rows.Err())
}

func (db *jobsDB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	return affectedOrNotFound(result, "job")
}

// ClaimNext moves the oldest pending job of the given types to running.
// The conditional update makes the claim atomic under concurrent
// dispatchers.
func (db *jobsDB) ClaimNext(ctx context.Context, types []string, now time.Time) (_ *jobs.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := make([]any, 0, len(types)+1)
	args = append(args, jobs.StatusPending)
	for _, t := range types {
		args = append(args, t)
	}

	for {
		var id string
		err := db.db.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE status = ? AND type IN (`+placeholders+`)
			ORDER BY created_at ASC LIMIT 1`, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, ErrDatabase.Wrap(err)
		}

		result, err := db.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = ?, heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			jobs.StatusRunning, now.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
			id, jobs.StatusPending)
		if err != nil {
			return nil, ErrDatabase.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, ErrDatabase.Wrap(err)
		}
		if affected == 0 {
			// Lost the race; try the next candidate.
			continue
		}
		return db.Get(ctx, id)
	}
}

func (db *jobsDB) UpdateProgress(ctx context.Context, id string, progress int, message string, heartbeat time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, status_message = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		progress, message, heartbeat.UnixMilli(), heartbeat.UnixMilli(),
		id, jobs.StatusRunning)
	return ErrDatabase.Wrap(err)
}

func (db *jobsDB) RequestCancel(ctx context.Context, id string, now time.Time) (done bool, err error) {
	defer mon.Task()(&ctx)(&err)

	// A pending job cancels directly.
	result, err := db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		jobs.StatusCancelled, now.UnixMilli(), now.UnixMilli(), id, jobs.StatusPending)
	if err != nil {
		return false, ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, ErrDatabase.Wrap(err)
	}
	if affected > 0 {
		return true, nil
	}

	_, err = db.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		now.UnixMilli(), id, jobs.StatusRunning)
	return false, ErrDatabase.Wrap(err)
}

func (db *jobsDB) Finish(ctx context.Context, id string, status jobs.Status, result, errorMessage string, now time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, error_message = ?,
			finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, result, errorMessage, now.UnixMilli(), now.UnixMilli(),
		id, jobs.StatusRunning)
	return ErrDatabase.Wrap(err)
}

func (db *jobsDB) RequestedCancels(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = ? AND cancel_requested = 1`,
		jobs.StatusRunning)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ErrDatabase.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, ErrDatabase.Wrap(rows.Err())
}

func (db *jobsDB) FailStalled(ctx context.Context, cutoff time.Time, message string, now time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
		WHERE status = ? AND heartbeat_at < ?`,
		jobs.StatusFailed, message, now.UnixMilli(), now.UnixMilli(),
		jobs.StatusRunning, cutoff.UnixMilli())
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected, ErrDatabase.Wrap(err)
}
