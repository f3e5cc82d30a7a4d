// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/vfs"
)

type nodesDB struct {
	db *sql.DB
}

const nodeColumns = `id, owner_type, owner_id, scope_type, scope_id, parent_id, name,
	node_type, size, mime_type, storage_type, content_ref, status, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*vfs.Node, error) {
	var node vfs.Node
	var createdAt, updatedAt int64
	err := row.Scan(&node.ID, &node.OwnerType, &node.OwnerID, &node.ScopeType,
		&node.ScopeID, &node.ParentID, &node.Name, &node.NodeType, &node.Size,
		&node.MimeType, &node.StorageType, &node.ContentRef, &node.Status,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrs.ErrNotFound.Wrap(ErrDatabase.New("node not found"))
		}
		return nil, ErrDatabase.Wrap(err)
	}
	node.CreatedAt = time.UnixMilli(createdAt)
	node.UpdatedAt = time.UnixMilli(updatedAt)
	return &node, nil
}

// Upsert inserts the node or, when (scope, parent, name) is already
// taken, refreshes the existing row in place keeping its id.
func (db *nodesDB) Upsert(ctx context.Context, node *vfs.Node) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UnixMilli()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.UnixMilli(now)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO vfs_nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope_id, parent_id, name) DO UPDATE SET
			node_type = excluded.node_type,
			size = excluded.size,
			mime_type = excluded.mime_type,
			storage_type = excluded.storage_type,
			content_ref = excluded.content_ref,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		node.ID, node.OwnerType, node.OwnerID, node.ScopeType, node.ScopeID,
		node.ParentID, node.Name, node.NodeType, node.Size, node.MimeType,
		node.StorageType, node.ContentRef, node.Status,
		node.CreatedAt.UnixMilli(), now)
	return ErrDatabase.Wrap(err)
}

func (db *nodesDB) Child(ctx context.Context, scopeID, parentID, name string) (_ *vfs.Node, err error) {
	defer mon.Task()(&ctx)(&err)
	return scanNode(db.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM vfs_nodes
		WHERE scope_id = ? AND parent_id = ? AND name = ? AND status = ?`,
		scopeID, parentID, name, vfs.StatusActive))
}

func (db *nodesDB) Children(ctx context.Context, scopeID, parentID string) (_ []vfs.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM vfs_nodes
		WHERE scope_id = ? AND parent_id = ? AND status = ?
		ORDER BY node_type DESC, name`,
		scopeID, parentID, vfs.StatusActive)
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var children []vfs.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, *node)
	}
	return children, ErrDatabase.Wrap(rows.Err())
}

func (db *nodesDB) MarkDeleted(ctx context.Context, scopeID, nodeID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE vfs_nodes SET status = ?, updated_at = ?
		WHERE scope_id = ? AND id = ?`,
		vfs.StatusDeleted, time.Now().UnixMilli(), scopeID, nodeID)
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	return affectedOrNotFound(result, "node")
}

func (db *nodesDB) UsedBytes(ctx context.Context, scopeID string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var used sql.NullInt64
	err = db.db.QueryRowContext(ctx, `
		SELECT SUM(size) FROM vfs_nodes
		WHERE scope_id = ? AND node_type = ? AND status = ?`,
		scopeID, vfs.TypeFile, vfs.StatusActive).Scan(&used)
	if err != nil {
		return 0, ErrDatabase.Wrap(err)
	}
	return used.Int64, nil
}
