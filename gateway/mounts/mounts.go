// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package mounts binds virtual path prefixes to storage configurations
// and resolves virtual paths to driver operations.
package mounts

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/cloudpaste/cloudpaste/gateway/auth"
)

// Error is the class for mount errors.
var Error = errs.Class("mounts")

// StorageConfig describes one backend configuration. Secret settings
// values are stored encrypted in place (recognisable by their prefix)
// and decrypted only when a driver is instantiated.
type StorageConfig struct {
	ID         string
	Name       string
	Type       string
	QuotaBytes int64 // 0 means uncapped
	RootPrefix string
	Settings   map[string]string
	CreatedAt  time.Time
}

// Mount binds a virtual path prefix to a storage config.
type Mount struct {
	ID               string
	Name             string
	MountPath        string // absolute, normalised, no trailing slash except root
	StorageConfigID  string
	StorageType      string // denormalised from the config
	IsActive         bool
	CreatedByType    auth.PrincipalType
	CreatedBy        string
	WebProxy         bool
	RequireSignature bool
	CreatedAt        time.Time
}

// DB stores mounts.
type DB interface {
	Create(ctx context.Context, mount *Mount) error
	Update(ctx context.Context, mount *Mount) error
	Get(ctx context.Context, id string) (*Mount, error)
	GetByPath(ctx context.Context, mountPath string) (*Mount, error)
	All(ctx context.Context) ([]Mount, error)
	Delete(ctx context.Context, id string) error
}

// ConfigDB stores storage configurations.
type ConfigDB interface {
	Create(ctx context.Context, config *StorageConfig) error
	Update(ctx context.Context, config *StorageConfig) error
	Get(ctx context.Context, id string) (*StorageConfig, error)
	All(ctx context.Context) ([]StorageConfig, error)
	Delete(ctx context.Context, id string) error
}
