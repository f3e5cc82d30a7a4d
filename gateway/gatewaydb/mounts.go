// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
)

type mountsDB struct {
	db *sql.DB
}

const mountColumns = `id, name, mount_path, storage_config_id, storage_type,
	is_active, created_by_type, created_by, web_proxy, require_signature, created_at`

func scanMount(row interface{ Scan(...any) error }) (*mounts.Mount, error) {
	var mount mounts.Mount
	var createdAt int64
	err := row.Scan(&mount.ID, &mount.Name, &mount.MountPath, &mount.StorageConfigID,
		&mount.StorageType, &mount.IsActive, &mount.CreatedByType, &mount.CreatedBy,
		&mount.WebProxy, &mount.RequireSignature, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrs.ErrNotFound.Wrap(ErrDatabase.New("mount not found"))
		}
		return nil, ErrDatabase.Wrap(err)
	}
	mount.CreatedAt = time.UnixMilli(createdAt)
	return &mount, nil
}

func (db *mountsDB) Create(ctx context.Context, mount *mounts.Mount) (err error) {
	defer mon.Task()(&ctx)(&err)

	if mount.CreatedAt.IsZero() {
		mount.CreatedAt = time.Now()
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO mounts (`+mountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mount.ID, mount.Name, mount.MountPath, mount.StorageConfigID, mount.StorageType,
		mount.IsActive, mount.CreatedByType, mount.CreatedBy, mount.WebProxy,
		mount.RequireSignature, mount.CreatedAt.UnixMilli())
	if isUniqueViolation(err) {
		return apierrs.ErrConflict.Wrap(ErrDatabase.New("mount path already taken"))
	}
	return ErrDatabase.Wrap(err)
}

func (db *mountsDB) Update(ctx context.Context, mount *mounts.Mount) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE mounts SET name = ?, mount_path = ?, storage_config_id = ?,
			storage_type = ?, is_active = ?, web_proxy = ?, require_signature = ?
		WHERE id = ?`,
		mount.Name, mount.MountPath, mount.StorageConfigID, mount.StorageType,
		mount.IsActive, mount.WebProxy, mount.RequireSignature, mount.ID)
	if isUniqueViolation(err) {
		return apierrs.ErrConflict.Wrap(ErrDatabase.New("mount path already taken"))
	}
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	return affectedOrNotFound(result, "mount")
}

func (db *mountsDB) Get(ctx context.Context, id string) (_ *mounts.Mount, err error) {
	defer mon.Task()(&ctx)(&err)
	return scanMount(db.db.QueryRowContext(ctx,
		`SELECT `+mountColumns+` FROM mounts WHERE id = ?`, id))
}

func (db *mountsDB) GetByPath(ctx context.Context, mountPath string) (_ *mounts.Mount, err error) {
	defer mon.Task()(&ctx)(&err)
	return scanMount(db.db.QueryRowContext(ctx,
		`SELECT `+mountColumns+` FROM mounts WHERE mount_path = ?`, mountPath))
}

func (db *mountsDB) All(ctx context.Context) (_ []mounts.Mount, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx,
		`SELECT `+mountColumns+` FROM mounts ORDER BY mount_path`)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var all []mounts.Mount
	for rows.Next() {
		mount, err := scanMount(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, *mount)
	}
	return all, ErrDatabase.Wrap(rows.Err())
}

func (db *mountsDB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `DELETE FROM mounts WHERE id = ?`, id)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	return affectedOrNotFound(result, "mount")
}

type configsDB struct {
	db *sql.DB
}

const configColumns = `id, name, type, quota_bytes, root_prefix, settings, created_at`

func scanConfig(row interface{ Scan(...any) error }) (*mounts.StorageConfig, error) {
	var config mounts.StorageConfig
	var settings string
	var createdAt int64
	err := row.Scan(&config.ID, &config.Name, &config.Type, &config.QuotaBytes,
		&config.RootPrefix, &settings, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrs.ErrNotFound.Wrap(ErrDatabase.New("storage config not found"))
		}
		return nil, ErrDatabase.Wrap(err)
	}
	if err := json.Unmarshal([]byte(settings), &config.Settings); err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	config.CreatedAt = time.UnixMilli(createdAt)
	return &config, nil
}

func (db *configsDB) Create(ctx context.Context, config *mounts.StorageConfig) (err error) {
	defer mon.Task()(&ctx)(&err)

	if config.CreatedAt.IsZero() {
		config.CreatedAt = time.Now()
	}
	settings, err := json.Marshal(orEmpty(config.Settings))
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO storage_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		config.ID, config.Name, config.Type, config.QuotaBytes,
		config.RootPrefix, string(settings), config.CreatedAt.UnixMilli())
	if isUniqueViolation(err) {
		return apierrs.ErrConflict.Wrap(ErrDatabase.New("storage config already exists"))
	}
	return ErrDatabase.Wrap(err)
}

func (db *configsDB) Update(ctx context.Context, config *mounts.StorageConfig) (err error) {
	defer mon.Task()(&ctx)(&err)

	settings, err := json.Marshal(orEmpty(config.Settings))
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	result, err := db.db.ExecContext(ctx, `
		UPDATE storage_configs SET name = ?, type = ?, quota_bytes = ?,
			root_prefix = ?, settings = ?
		WHERE id = ?`,
		config.Name, config.Type, config.QuotaBytes, config.RootPrefix,
		string(settings), config.ID)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	return affectedOrNotFound(result, "storage config")
}

func (db *configsDB) Get(ctx context.Context, id string) (_ *mounts.StorageConfig, err error) {
	defer mon.Task()(&ctx)(&err)
	return scanConfig(db.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM storage_configs WHERE id = ?`, id))
}

func (db *configsDB) All(ctx context.Context) (_ []mounts.StorageConfig, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM storage_configs ORDER BY name`)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var all []mounts.StorageConfig
	for rows.Next() {
		config, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, *config)
	}
	return all, ErrDatabase.Wrap(rows.Err())
}

func (db *configsDB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `DELETE FROM storage_configs WHERE id = ?`, id)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	return affectedOrNotFound(result, "storage config")
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
