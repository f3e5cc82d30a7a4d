// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/quota"
)

type usageDB struct {
	db *sql.DB
}

func (db *usageDB) Upsert(ctx context.Context, snapshot *quota.Snapshot) (err error) {
	defer mon.Task()(&ctx)(&err)

	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = time.Now()
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO usage_snapshots (storage_config_id, total_bytes, used_bytes, taken_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (storage_config_id) DO UPDATE SET
			total_bytes = excluded.total_bytes,
			used_bytes = excluded.used_bytes,
			taken_at = excluded.taken_at`,
		snapshot.StorageConfigID, snapshot.TotalBytes, snapshot.UsedBytes,
		snapshot.TakenAt.UnixMilli())
	return ErrDatabase.Wrap(err)
}

func (db *usageDB) Get(ctx context.Context, storageConfigID string) (_ *quota.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	var snapshot quota.Snapshot
	var takenAt int64
	err = db.db.QueryRowContext(ctx, `
		SELECT storage_config_id, total_bytes, used_bytes, taken_at
		FROM usage_snapshots WHERE storage_config_id = ?`, storageConfigID).Scan(
		&snapshot.StorageConfigID, &snapshot.TotalBytes, &snapshot.UsedBytes, &takenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrs.ErrNotFound.Wrap(ErrDatabase.New("no snapshot"))
		}
		return nil, ErrDatabase.Wrap(err)
	}
	snapshot.TakenAt = time.UnixMilli(takenAt)
	return &snapshot, nil
}
