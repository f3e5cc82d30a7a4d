// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package uploads tracks multipart upload sessions and orchestrates
// them across the two backend upload models.
package uploads

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
)

// Error is the class for upload errors.
var Error = errs.Class("uploads")

// Status is the session lifecycle state.
type Status string

// Session statuses.
const (
	StatusInitiated Status = "initiated"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusError     Status = "error"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusError, StatusExpired:
		return true
	}
	return false
}

// Session is one tracked multipart upload.
type Session struct {
	ID                string
	PrincipalType     auth.PrincipalType
	PrincipalID       string
	StorageType       string
	StorageConfigID   string
	MountID           string
	FsPath            string // virtual directory the file lands in
	FileName          string
	FileSize          int64
	PartSize          int64
	TotalParts        int
	BytesUploaded     int64
	UploadedParts     int
	NextExpectedRange string
	Strategy          drivers.Strategy
	PartPolicy        drivers.PartPolicy
	ProviderUploadID  string
	ProviderUploadURL string
	ProviderMeta      string // backend specific JSON
	Status            Status
	ExpiresAt         time.Time // zero means no deadline
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OwnedBy reports whether principal may operate on the session.
func (s *Session) OwnedBy(principal auth.Principal) bool {
	return principal.Owns(s.PrincipalType, s.PrincipalID)
}

// TargetPath returns the full virtual path of the final object.
func (s *Session) TargetPath() string {
	if s.FsPath == "/" {
		return "/" + s.FileName
	}
	return s.FsPath + "/" + s.FileName
}

// PartStatus is the per-part ledger state.
type PartStatus string

// Part statuses.
const (
	PartUploading PartStatus = "uploading"
	PartUploaded  PartStatus = "uploaded"
	PartError     PartStatus = "error"
)

// Part is one row of the part ledger.
type Part struct {
	UploadID       string
	PartNo         int
	Size           int64
	ProviderPartID string
	ProviderMeta   string
	ByteStart      int64
	ByteEnd        int64 // inclusive
	Status         PartStatus
	UpdatedAt      time.Time
}

// DB stores sessions and their part ledgers. Deleting a session
// cascades to its parts.
type DB interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ListByPath(ctx context.Context, storageConfigID, fsPath string) ([]Session, error)

	// SetStatus transitions id from any of from to to; ok is false
	// when the current status was not in from.
	SetStatus(ctx context.Context, id string, from []Status, to Status) (ok bool, err error)
	UpdateProgress(ctx context.Context, id string, bytesUploaded int64, uploadedParts int, nextExpectedRange string) error
	Delete(ctx context.Context, id string) error

	// MarkExpired expires initiated/uploading sessions whose deadline
	// passed; MarkExpiredInactive expires deadline-less ones not
	// touched since cutoff.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	MarkExpiredInactive(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	UpsertPart(ctx context.Context, part *Part) error
	GetPart(ctx context.Context, uploadID string, partNo int) (*Part, error)
	Parts(ctx context.Context, uploadID string) ([]Part, error)
	DeleteParts(ctx context.Context, uploadID string) error
}
