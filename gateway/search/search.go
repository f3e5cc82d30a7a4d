// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package search maintains the content index over mount contents and
// the dirty queue that keeps it eventually consistent.
package search

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/zeebo/errs"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
)

// Error is the class for search errors.
var Error = errs.Class("search")

// Entry is one indexed file or directory.
type Entry struct {
	ID         int64
	MountID    string
	FsPath     string
	Name       string
	IsDir      bool
	Size       int64
	ModifiedMs int64
	MimeType   string
	IndexRunID string
	UpdatedAt  int64
}

// StateStatus is the per-mount index state.
type StateStatus string

// Index states.
const (
	StateNotReady StateStatus = "not_ready"
	StateIndexing StateStatus = "indexing"
	StateReady    StateStatus = "ready"
	StateError    StateStatus = "error"
)

// State is the index state row of one mount.
type State struct {
	MountID       string
	Status        StateStatus
	LastIndexedMs int64
	LastError     string
}

// DirtyOp is the operation a dirty row asks for.
type DirtyOp string

// Dirty operations.
const (
	OpUpsert DirtyOp = "upsert"
	OpDelete DirtyOp = "delete"
)

// Dirty is one pending index update, deduped on (mountID, fsPath).
type Dirty struct {
	ID        int64
	MountID   string
	FsPath    string
	Op        DirtyOp
	CreatedAt int64
}

// Scope restricts a query.
type Scope string

// Query scopes.
const (
	ScopeGlobal    Scope = "global"
	ScopeMount     Scope = "mount"
	ScopeDirectory Scope = "directory"
)

// Query is a validated search request.
type Query struct {
	Text       string
	Scope      Scope
	MountID    string
	PathPrefix string
	Limit      int
	After      *Cursor
}

// Cursor is the keyset position plus a digest of the filters it was
// minted under. Cursors whose filters disagree with the request are
// rejected.
type Cursor struct {
	Version    int    `json:"v"`
	ModifiedMs int64  `json:"modifiedMs"`
	FsPath     string `json:"fsPath"`
	ID         int64  `json:"id"`
	Text       string `json:"q"`
	Scope      Scope  `json:"scope"`
	MountID    string `json:"mountId,omitempty"`
	PathPrefix string `json:"pathPrefix,omitempty"`
}

// Encode renders the cursor as base64url JSON.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a wire cursor and checks it against the request
// filters.
func DecodeCursor(encoded string, q Query) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierrs.ErrValidation.Wrap(Error.New("malformed cursor"))
	}
	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, apierrs.ErrValidation.Wrap(Error.New("malformed cursor"))
	}
	if cursor.Version != 1 {
		return nil, apierrs.ErrValidation.Wrap(Error.New("unsupported cursor version %d", cursor.Version))
	}
	if cursor.Text != q.Text || cursor.Scope != q.Scope ||
		cursor.MountID != q.MountID || cursor.PathPrefix != q.PathPrefix {
		return nil, apierrs.ErrValidation.Wrap(Error.New("cursor does not match query"))
	}
	return &cursor, nil
}

// DB stores index entries, per-mount states, and the dirty queue.
type DB interface {
	UpsertEntry(ctx context.Context, entry *Entry) error
	DeleteEntry(ctx context.Context, mountID, fsPath string) error
	DeleteEntryPrefix(ctx context.Context, mountID, fsPathPrefix string) error
	DeleteStaleEntries(ctx context.Context, mountID, keepRunID string) (int64, error)
	DeleteMountEntries(ctx context.Context, mountID string) error
	CountEntries(ctx context.Context, mountID string) (int64, error)
	QueryEntries(ctx context.Context, q Query) ([]Entry, error)

	GetState(ctx context.Context, mountID string) (*State, error)
	SetState(ctx context.Context, state *State) error
	AllStates(ctx context.Context) ([]State, error)

	EnqueueDirty(ctx context.Context, mountID, fsPath string, op DirtyOp) error
	PeekDirty(ctx context.Context, limit int) ([]Dirty, error)
	DeleteDirty(ctx context.Context, ids []int64) error
	CountDirty(ctx context.Context) (int64, error)
	ClearDirty(ctx context.Context, mountID string) error
}
