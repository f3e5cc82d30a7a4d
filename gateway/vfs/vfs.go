// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package vfs stores the gateway-side node tree for backends that have
// no usable tree view of their own, and backs the presign commit flow.
package vfs

import (
	"context"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"storj.io/common/uuid"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// Error is the class for vfs errors.
var Error = errs.Class("vfs")

// NodeType separates directories from files.
type NodeType string

// Node types.
const (
	TypeDir  NodeType = "dir"
	TypeFile NodeType = "file"
)

// Status marks a node live or tombstoned.
type Status string

// Node statuses.
const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Node is one entry of the gateway-side tree. Nodes are scoped to a
// storage config; the root's children carry an empty ParentID.
type Node struct {
	ID          string
	OwnerType   auth.PrincipalType
	OwnerID     string
	ScopeType   string
	ScopeID     string // storage config id
	ParentID    string
	Name        string
	NodeType    NodeType
	Size        int64
	MimeType    string
	StorageType string
	ContentRef  string // backend specific JSON reference
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DB stores vfs nodes.
type DB interface {
	Upsert(ctx context.Context, node *Node) error
	Child(ctx context.Context, scopeID, parentID, name string) (*Node, error)
	Children(ctx context.Context, scopeID, parentID string) ([]Node, error)
	MarkDeleted(ctx context.Context, scopeID, nodeID string) error
	UsedBytes(ctx context.Context, scopeID string) (int64, error)
}

// Service materialises path chains and files in the node tree.
type Service struct {
	db DB
}

// NewService constructs a Service.
func NewService(db DB) *Service { return &Service{db: db} }

// EnsureDir walks dirPath under the scope, creating missing directory
// nodes, and returns the id of the final directory.
func (service *Service) EnsureDir(ctx context.Context, principal auth.Principal, scopeID, storageType, dirPath string) (string, error) {
	parentID := ""
	dirPath, err := vpath.Normalize(dirPath, false)
	if err != nil {
		return "", err
	}
	if dirPath == vpath.Root {
		return "", nil
	}

	for _, segment := range splitSegments(dirPath) {
		node, err := service.db.Child(ctx, scopeID, parentID, segment)
		switch {
		case err == nil:
			if node.NodeType != TypeDir {
				return "", apierrs.ErrConflict.Wrap(Error.New("path element %q is a file", segment))
			}
			parentID = node.ID
			continue
		case apierrs.KindOf(err) != apierrs.NotFound:
			return "", Error.Wrap(err)
		}

		id, err := uuid.New()
		if err != nil {
			return "", Error.Wrap(err)
		}
		node = &Node{
			ID:          id.String(),
			OwnerType:   principal.Type,
			OwnerID:     principal.ID,
			ScopeType:   "storage_config",
			ScopeID:     scopeID,
			ParentID:    parentID,
			Name:        segment,
			NodeType:    TypeDir,
			StorageType: storageType,
			Status:      StatusActive,
		}
		if err := service.db.Upsert(ctx, node); err != nil {
			return "", Error.Wrap(err)
		}
		parentID = node.ID
	}
	return parentID, nil
}

// CommitFile upserts a file node at path with the given size and
// content reference, creating the directory chain above it.
func (service *Service) CommitFile(ctx context.Context, principal auth.Principal, scopeID, storageType, path, mimeType, contentRef string, size int64) (*Node, error) {
	dir, name := vpath.Split(path)
	if err := vpath.ValidateFilename(name); err != nil {
		return nil, err
	}

	parentID, err := service.EnsureDir(ctx, principal, scopeID, storageType, dir)
	if err != nil {
		return nil, err
	}

	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	node := &Node{
		ID:          id.String(),
		OwnerType:   principal.Type,
		OwnerID:     principal.ID,
		ScopeType:   "storage_config",
		ScopeID:     scopeID,
		ParentID:    parentID,
		Name:        name,
		NodeType:    TypeFile,
		Size:        size,
		MimeType:    mimeType,
		StorageType: storageType,
		ContentRef:  contentRef,
		Status:      StatusActive,
	}
	if err := service.db.Upsert(ctx, node); err != nil {
		return nil, Error.Wrap(err)
	}
	return node, nil
}

// UsedBytes sums active file sizes under a storage config scope.
func (service *Service) UsedBytes(ctx context.Context, scopeID string) (int64, error) {
	return service.db.UsedBytes(ctx, scopeID)
}

func splitSegments(p string) []string {
	var segments []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}
