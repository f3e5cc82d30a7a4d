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
	"github.com/cloudpaste/cloudpaste/gateway/search"
)

type searchDB struct {
	db *sql.DB
}

const entryColumns = `id, mount_id, fs_path, name, is_dir, size, modified_ms,
	mime_type, index_run_id, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (*search.Entry, error) {
	var entry search.Entry
	err := row.Scan(&entry.ID, &entry.MountID, &entry.FsPath, &entry.Name,
		&entry.IsDir, &entry.Size, &entry.ModifiedMs, &entry.MimeType,
		&entry.IndexRunID, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrs.ErrNotFound.Wrap(ErrDatabase.New("entry not found"))
		}
		return nil, ErrDatabase.Wrap(err)
	}
	return &entry, nil
}

func (db *searchDB) UpsertEntry(ctx context.Context, entry *search.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO search_entries (mount_id, fs_path, name, is_dir, size,
			modified_ms, mime_type, index_run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mount_id, fs_path) DO UPDATE SET
			name = excluded.name,
			is_dir = excluded.is_dir,
			size = excluded.size,
			modified_ms = excluded.modified_ms,
			mime_type = excluded.mime_type,
			index_run_id = excluded.index_run_id,
			updated_at = excluded.updated_at`,
		entry.MountID, entry.FsPath, entry.Name, entry.IsDir, entry.Size,
		entry.ModifiedMs, entry.MimeType, entry.IndexRunID, entry.UpdatedAt)
	return ErrDatabase.Wrap(err)
}

func (db *searchDB) DeleteEntry(ctx context.Context, mountID, fsPath string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx,
		`DELETE FROM search_entries WHERE mount_id = ? AND fs_path = ?`, mountID, fsPath)
	return ErrDatabase.Wrap(err)
}

func (db *searchDB) DeleteEntryPrefix(ctx context.Context, mountID, fsPathPrefix string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx,
		`DELETE FROM search_entries WHERE mount_id = ? AND fs_path LIKE ? ESCAPE '\'`,
		mountID, likePrefix(fsPathPrefix))
	return ErrDatabase.Wrap(err)
}

func (db *searchDB) DeleteStaleEntries(ctx context.Context, mountID, keepRunID string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx,
		`DELETE FROM search_entries WHERE mount_id = ? AND index_run_id != ?`,
		mountID, keepRunID)
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected, ErrDatabase.Wrap(err)
}

func (db *searchDB) DeleteMountEntries(ctx context.Context, mountID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx,
		`DELETE FROM search_entries WHERE mount_id = ?`, mountID)
	return ErrDatabase.Wrap(err)
}

func (db *searchDB) CountEntries(ctx context.Context, mountID string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM search_entries WHERE mount_id = ?`, mountID).Scan(&count)
	return count, ErrDatabase.Wrap(err)
}

// QueryEntries runs the keyset query: contains-match on the name,
// ordered by (modified_ms DESC, fs_path ASC, id DESC).
func (db *searchDB) QueryEntries(ctx context.Context, q search.Query) (_ []search.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT ` + entryColumns + ` FROM search_entries WHERE name LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(q.Text) + "%"}

	switch q.Scope {
	case search.ScopeMount:
		query += ` AND mount_id = ?`
		args = append(args, q.MountID)
	case search.ScopeDirectory:
		query += ` AND fs_path LIKE ? ESCAPE '\'`
		args = append(args, likePrefix(q.PathPrefix+"/"))
		if q.MountID != "" {
			query += ` AND mount_id = ?`
			args = append(args, q.MountID)
		}
	}

	if after := q.After; after != nil {
		query += ` AND (modified_ms < ?
			OR (modified_ms = ? AND fs_path > ?)
			OR (modified_ms = ? AND fs_path = ? AND id < ?))`
		args = append(args, after.ModifiedMs,
			after.ModifiedMs, after.FsPath,
			after.ModifiedMs, after.FsPath, after.ID)
	}

	query += ` ORDER BY modified_ms DESC, fs_path ASC, id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []search.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, ErrDatabase.Wrap(rows.Err())
}

func (db *searchDB) GetState(ctx context.Context, mountID string) (_ *search.State, err error) {
	defer mon.Task()(&ctx)(&err)

	var state search.State
	err = db.db.QueryRowContext(ctx, `
		SELECT mount_id, status, last_indexed_ms, last_error
		FROM search_states WHERE mount_id = ?`, mountID).Scan(
		&state.MountID, &state.Status, &state.LastIndexedMs, &state.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return &search.State{MountID: mountID, Status: search.StateNotReady}, nil
	}
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	return &state, nil
}

func (db *searchDB) SetState(ctx context.Context, state *search.State) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO search_states (mount_id, status, last_indexed_ms, last_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (mount_id) DO UPDATE SET
			status = excluded.status,
			last_indexed_ms = excluded.last_indexed_ms,
			last_error = excluded.last_error`,
		state.MountID, state.Status, state.LastIndexedMs, state.LastError)
	return ErrDatabase.Wrap(err)
}

func (db *searchDB) AllStates(ctx context.Context) (_ []search.State, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT mount_id, status, last_indexed_ms, last_error
		FROM search_states ORDER BY mount_id`)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var states []search.State
	for rows.Next() {
		var state search.State
		err := rows.Scan(&state.MountID, &state.Status, &state.LastIndexedMs, &state.LastError)
		if err != nil {
			return nil, ErrDatabase.Wrap(err)
		}
		states = append(states, state)
	}
	return states, ErrDatabase.Wrap(rows.Err())
}

// EnqueueDirty dedupes on (mount, path): re-enqueueing replaces the
// pending op and refreshes the row's position.
func (db *searchDB) EnqueueDirty(ctx context.Context, mountID, fsPath string, op search.DirtyOp) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO search_dirty (mount_id, fs_path, op, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (mount_id, fs_path) DO UPDATE SET
			op = excluded.op,
			created_at = excluded.created_at`,
		mountID, fsPath, op, time.Now().UnixMilli())
	return ErrDatabase.Wrap(err)
}

func (db *searchDB) PeekDirty(ctx context.Context, limit int) (_ []search.Dirty, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, mount_id, fs_path, op, created_at
		FROM search_dirty ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var dirty []search.Dirty
	for rows.Next() {
		var row search.Dirty
		if err := rows.Scan(&row.ID, &row.MountID, &row.FsPath, &row.Op, &row.CreatedAt); err != nil {
			return nil, ErrDatabase.Wrap(err)
		}
		dirty = append(dirty, row)
	}
	return dirty, ErrDatabase.Wrap(rows.Err())
}

func (db *searchDB) DeleteDirty(ctx context.Context, ids []int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = db.db.ExecContext(ctx,
		`DELETE FROM search_dirty WHERE id IN (`+placeholders+`)`, args...)
	return ErrDatabase.Wrap(err)
}

func (db *searchDB) CountDirty(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_dirty`).Scan(&count)
	return count, ErrDatabase.Wrap(err)
}

func (db *searchDB) ClearDirty(ctx context.Context, mountID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx,
		`DELETE FROM search_dirty WHERE mount_id = ?`, mountID)
	return ErrDatabase.Wrap(err)
}

// escapeLike escapes LIKE wildcards in user text.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func likePrefix(prefix string) string {
	return escapeLike(prefix) + "%"
}
