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
	"github.com/cloudpaste/cloudpaste/gateway/uploads"
)

type uploadsDB struct {
	db *sql.DB
}

const sessionColumns = `id, principal_type, principal_id, storage_type, storage_config_id,
	mount_id, fs_path, file_name, file_size, part_size, total_parts, bytes_uploaded,
	uploaded_parts, next_expected_range, strategy, part_policy, provider_upload_id,
	provider_upload_url, provider_meta, status, expires_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*uploads.Session, error) {
	var s uploads.Session
	var expiresAt, createdAt, updatedAt int64
	err := row.Scan(&s.ID, &s.PrincipalType, &s.PrincipalID, &s.StorageType,
		&s.StorageConfigID, &s.MountID, &s.FsPath, &s.FileName, &s.FileSize,
		&s.PartSize, &s.TotalParts, &s.BytesUploaded, &s.UploadedParts,
		&s.NextExpectedRange, &s.Strategy, &s.PartPolicy, &s.ProviderUploadID,
		&s.ProviderUploadURL, &s.ProviderMeta, &s.Status, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrs.ErrNotFound.Wrap(ErrDatabase.New("upload session not found"))
		}
		return nil, ErrDatabase.Wrap(err)
	}
	if expiresAt > 0 {
		s.ExpiresAt = time.UnixMilli(expiresAt)
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	return &s, nil
}

func (db *uploadsDB) Create(ctx context.Context, session *uploads.Session) (err error) {
	defer mon.Task()(&ctx)(&err)

	var expiresAt int64
	if !session.ExpiresAt.IsZero() {
		expiresAt = session.ExpiresAt.UnixMilli()
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO upload_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.PrincipalType, session.PrincipalID, session.StorageType,
		session.StorageConfigID, session.MountID, session.FsPath, session.FileName,
		session.FileSize, session.PartSize, session.TotalParts, session.BytesUploaded,
		session.UploadedParts, session.NextExpectedRange, session.Strategy,
		session.PartPolicy, session.ProviderUploadID, session.ProviderUploadURL,
		session.ProviderMeta, session.Status, expiresAt,
		session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli())
	return ErrDatabase.Wrap(err)
}

func (db *uploadsDB) Get(ctx context.Context, id string) (_ *uploads.Session, err error) {
	defer mon.Task()(&ctx)(&err)
	return scanSession(db.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE id = ?`, id))
}

func (db *uploadsDB) ListByPath(ctx context.Context, storageConfigID, fsPath string) (_ []uploads.Session, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions
		WHERE storage_config_id = ? AND fs_path = ?
		ORDER BY created_at DESC`, storageConfigID, fsPath)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []uploads.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, ErrDatabase.Wrap(rows.Err())
}

func (db *uploadsDB) SetStatus(ctx context.Context, id string, from []uploads.Status, to uploads.Status) (ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, time.Now().UnixMilli(), id}
	for _, status := range from {
		args = append(args, status)
	}
	result, err := db.db.ExecContext(ctx, `
		UPDATE upload_sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, ErrDatabase.Wrap(err)
	}
	return affected > 0, nil
}

func (db *uploadsDB) UpdateProgress(ctx context.Context, id string, bytesUploaded int64, uploadedParts int, nextExpectedRange string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE upload_sessions
		SET bytes_uploaded = ?, uploaded_parts = ?, next_expected_range = ?, updated_at = ?
		WHERE id = ?`,
		bytesUploaded, uploadedParts, nextExpectedRange, time.Now().UnixMilli(), id)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	return affectedOrNotFound(result, "upload session")
}

func (db *uploadsDB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, id)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	return affectedOrNotFound(result, "upload session")
}

func (db *uploadsDB) MarkExpired(ctx context.Context, now time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE upload_sessions SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND expires_at > 0 AND expires_at < ?`,
		uploads.StatusExpired, now.UnixMilli(),
		uploads.StatusInitiated, uploads.StatusUploading, now.UnixMilli())
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected, ErrDatabase.Wrap(err)
}

func (db *uploadsDB) MarkExpiredInactive(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE upload_sessions SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND expires_at = 0 AND updated_at < ?`,
		uploads.StatusExpired, time.Now().UnixMilli(),
		uploads.StatusInitiated, uploads.StatusUploading, cutoff.UnixMilli())
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected, ErrDatabase.Wrap(err)
}

func (db *uploadsDB) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 1000
	}
	result, err := db.db.ExecContext(ctx, `
		DELETE FROM upload_sessions WHERE id IN (
			SELECT id FROM upload_sessions
			WHERE status IN (?, ?, ?, ?) AND updated_at < ?
			LIMIT ?
		)`,
		uploads.StatusCompleted, uploads.StatusAborted, uploads.StatusError,
		uploads.StatusExpired, cutoff.UnixMilli(), limit)
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected, ErrDatabase.Wrap(err)
}

func (db *uploadsDB) UpsertPart(ctx context.Context, part *uploads.Part) (err error) {
	defer mon.Task()(&ctx)(&err)

	if part.UpdatedAt.IsZero() {
		part.UpdatedAt = time.Now()
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO upload_parts (upload_id, part_no, size, provider_part_id,
			provider_meta, byte_start, byte_end, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (upload_id, part_no) DO UPDATE SET
			size = excluded.size,
			provider_part_id = excluded.provider_part_id,
			provider_meta = excluded.provider_meta,
			byte_start = excluded.byte_start,
			byte_end = excluded.byte_end,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		part.UploadID, part.PartNo, part.Size, part.ProviderPartID,
		part.ProviderMeta, part.ByteStart, part.ByteEnd, part.Status,
		part.UpdatedAt.UnixMilli())
	return ErrDatabase.Wrap(err)
}

func (db *uploadsDB) GetPart(ctx context.Context, uploadID string, partNo int) (_ *uploads.Part, err error) {
	defer mon.Task()(&ctx)(&err)

	var part uploads.Part
	var updatedAt int64
	err = db.db.QueryRowContext(ctx, `
		SELECT upload_id, part_no, size, provider_part_id, provider_meta,
			byte_start, byte_end, status, updated_at
		FROM upload_parts WHERE upload_id = ? AND part_no = ?`,
		uploadID, partNo).Scan(
		&part.UploadID, &part.PartNo, &part.Size, &part.ProviderPartID,
		&part.ProviderMeta, &part.ByteStart, &part.ByteEnd, &part.Status, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrs.ErrNotFound.Wrap(ErrDatabase.New("part not found"))
		}
		return nil, ErrDatabase.Wrap(err)
	}
	part.UpdatedAt = time.UnixMilli(updatedAt)
	return &part, nil
}

func (db *uploadsDB) Parts(ctx context.Context, uploadID string) (_ []uploads.Part, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT upload_id, part_no, size, provider_part_id, provider_meta,
			byte_start, byte_end, status, updated_at
		FROM upload_parts WHERE upload_id = ? ORDER BY part_no`, uploadID)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var parts []uploads.Part
	for rows.Next() {
		var part uploads.Part
		var updatedAt int64
		err := rows.Scan(&part.UploadID, &part.PartNo, &part.Size, &part.ProviderPartID,
			&part.ProviderMeta, &part.ByteStart, &part.ByteEnd, &part.Status, &updatedAt)
		if err != nil {
			return nil, ErrDatabase.Wrap(err)
		}
		part.UpdatedAt = time.UnixMilli(updatedAt)
		parts = append(parts, part)
	}
	return parts, ErrDatabase.Wrap(rows.Err())
}

func (db *uploadsDB) DeleteParts(ctx context.Context, uploadID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `DELETE FROM upload_parts WHERE upload_id = ?`, uploadID)
	return ErrDatabase.Wrap(err)
}
