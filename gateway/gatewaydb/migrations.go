// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// step is one schema version. Statements run inside one transaction
// together with the version bump.
type step struct {
	Version     int
	Description string
	SQL         []string
}

// migration is the ordered step list with its version bookkeeping.
type migration struct {
	db    *sql.DB
	steps []step
}

func (db *DB) migration() *migration {
	return &migration{
		db: db.db,
		steps: []step{
			{
				Version:     1,
				Description: "mounts and storage configs",
				SQL: []string{
					`CREATE TABLE storage_configs (
						id TEXT NOT NULL PRIMARY KEY,
						name TEXT NOT NULL,
						type TEXT NOT NULL,
						quota_bytes INTEGER NOT NULL DEFAULT 0,
						root_prefix TEXT NOT NULL DEFAULT '',
						settings TEXT NOT NULL DEFAULT '{}',
						created_at INTEGER NOT NULL
					)`,
					`CREATE TABLE mounts (
						id TEXT NOT NULL PRIMARY KEY,
						name TEXT NOT NULL,
						mount_path TEXT NOT NULL UNIQUE,
						storage_config_id TEXT NOT NULL REFERENCES storage_configs (id),
						storage_type TEXT NOT NULL,
						is_active INTEGER NOT NULL DEFAULT 1,
						created_by_type TEXT NOT NULL,
						created_by TEXT NOT NULL,
						web_proxy INTEGER NOT NULL DEFAULT 0,
						require_signature INTEGER NOT NULL DEFAULT 0,
						created_at INTEGER NOT NULL
					)`,
				},
			},
			{
				Version:     2,
				Description: "upload sessions and part ledger",
				SQL: []string{
					`CREATE TABLE upload_sessions (
						id TEXT NOT NULL PRIMARY KEY,
						principal_type TEXT NOT NULL,
						principal_id TEXT NOT NULL,
						storage_type TEXT NOT NULL,
						storage_config_id TEXT NOT NULL,
						mount_id TEXT NOT NULL,
						fs_path TEXT NOT NULL,
						file_name TEXT NOT NULL,
						file_size INTEGER NOT NULL,
						part_size INTEGER NOT NULL,
						total_parts INTEGER NOT NULL,
						bytes_uploaded INTEGER NOT NULL DEFAULT 0,
						uploaded_parts INTEGER NOT NULL DEFAULT 0,
						next_expected_range TEXT NOT NULL DEFAULT '',
						strategy TEXT NOT NULL,
						part_policy TEXT NOT NULL,
						provider_upload_id TEXT NOT NULL DEFAULT '',
						provider_upload_url TEXT NOT NULL DEFAULT '',
						provider_meta TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL,
						expires_at INTEGER NOT NULL DEFAULT 0,
						created_at INTEGER NOT NULL,
						updated_at INTEGER NOT NULL
					)`,
					`CREATE INDEX idx_upload_sessions_path
						ON upload_sessions (storage_config_id, fs_path)`,
					`CREATE TABLE upload_parts (
						upload_id TEXT NOT NULL REFERENCES upload_sessions (id) ON DELETE CASCADE,
						part_no INTEGER NOT NULL,
						size INTEGER NOT NULL DEFAULT 0,
						provider_part_id TEXT NOT NULL DEFAULT '',
						provider_meta TEXT NOT NULL DEFAULT '',
						byte_start INTEGER NOT NULL DEFAULT 0,
						byte_end INTEGER NOT NULL DEFAULT 0,
						status TEXT NOT NULL,
						updated_at INTEGER NOT NULL,
						PRIMARY KEY (upload_id, part_no)
					)`,
				},
			},
			{
				Version:     3,
				Description: "vfs node tree",
				SQL: []string{
					`CREATE TABLE vfs_nodes (
						id TEXT NOT NULL PRIMARY KEY,
						owner_type TEXT NOT NULL,
						owner_id TEXT NOT NULL,
						scope_type TEXT NOT NULL,
						scope_id TEXT NOT NULL,
						parent_id TEXT NOT NULL DEFAULT '',
						name TEXT NOT NULL,
						node_type TEXT NOT NULL,
						size INTEGER NOT NULL DEFAULT 0,
						mime_type TEXT NOT NULL DEFAULT '',
						storage_type TEXT NOT NULL DEFAULT '',
						content_ref TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL,
						created_at INTEGER NOT NULL,
						updated_at INTEGER NOT NULL,
						UNIQUE (scope_id, parent_id, name)
					)`,
				},
			},
			{
				Version:     4,
				Description: "jobs",
				SQL: []string{
					`CREATE TABLE jobs (
						id TEXT NOT NULL PRIMARY KEY,
						type TEXT NOT NULL,
						status TEXT NOT NULL,
						payload TEXT NOT NULL DEFAULT '',
						progress INTEGER NOT NULL DEFAULT 0,
						status_message TEXT NOT NULL DEFAULT '',
						result TEXT NOT NULL DEFAULT '',
						error_message TEXT NOT NULL DEFAULT '',
						cancel_requested INTEGER NOT NULL DEFAULT 0,
						created_by_type TEXT NOT NULL,
						created_by TEXT NOT NULL,
						started_at INTEGER NOT NULL DEFAULT 0,
						heartbeat_at INTEGER NOT NULL DEFAULT 0,
						finished_at INTEGER NOT NULL DEFAULT 0,
						created_at INTEGER NOT NULL,
						updated_at INTEGER NOT NULL
					)`,
					`CREATE INDEX idx_jobs_claim ON jobs (status, type, created_at)`,
				},
			},
			{
				Version:     5,
				Description: "search index, states, dirty queue",
				SQL: []string{
					`CREATE TABLE search_entries (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						mount_id TEXT NOT NULL,
						fs_path TEXT NOT NULL,
						name TEXT NOT NULL,
						is_dir INTEGER NOT NULL DEFAULT 0,
						size INTEGER NOT NULL DEFAULT 0,
						modified_ms INTEGER NOT NULL DEFAULT 0,
						mime_type TEXT NOT NULL DEFAULT '',
						index_run_id TEXT NOT NULL DEFAULT '',
						updated_at INTEGER NOT NULL,
						UNIQUE (mount_id, fs_path)
					)`,
					`CREATE INDEX idx_search_entries_order
						ON search_entries (modified_ms DESC, fs_path ASC, id DESC)`,
					`CREATE INDEX idx_search_entries_name ON search_entries (name)`,
					`CREATE TABLE search_states (
						mount_id TEXT NOT NULL PRIMARY KEY,
						status TEXT NOT NULL,
						last_indexed_ms INTEGER NOT NULL DEFAULT 0,
						last_error TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE TABLE search_dirty (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						mount_id TEXT NOT NULL,
						fs_path TEXT NOT NULL,
						op TEXT NOT NULL,
						created_at INTEGER NOT NULL,
						UNIQUE (mount_id, fs_path)
					)`,
				},
			},
			{
				Version:     6,
				Description: "usage snapshots",
				SQL: []string{
					`CREATE TABLE usage_snapshots (
						storage_config_id TEXT NOT NULL PRIMARY KEY,
						total_bytes INTEGER NOT NULL DEFAULT -1,
						used_bytes INTEGER NOT NULL DEFAULT 0,
						taken_at INTEGER NOT NULL
					)`,
				},
			},
		},
	}
}

// Run applies every step newer than the recorded version, each inside
// its own transaction.
func (m *migration) Run(ctx context.Context, log *zap.Logger) error {
	_, err := m.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS versions (version INTEGER NOT NULL, commited_at TEXT NOT NULL)`)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}

	var current sql.NullInt64
	err = m.db.QueryRowContext(ctx, `SELECT MAX(version) FROM versions`).Scan(&current)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}

	for _, step := range m.steps {
		if current.Valid && int64(step.Version) <= current.Int64 {
			continue
		}
		log.Info("applying migration",
			zap.Int("version", step.Version),
			zap.String("description", step.Description))

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return ErrDatabase.Wrap(err)
		}
		for _, stmt := range step.SQL {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return ErrDatabase.New("migration v%d failed: %v", step.Version, err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO versions (version, commited_at) VALUES (?, datetime('now'))`, step.Version)
		if err != nil {
			_ = tx.Rollback()
			return ErrDatabase.Wrap(err)
		}
		if err := tx.Commit(); err != nil {
			return ErrDatabase.Wrap(err)
		}
	}
	return nil
}
