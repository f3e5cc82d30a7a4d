// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package gatewaydb implements every gateway storage interface on one
// sqlite database.
package gatewaydb

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/quota"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/uploads"
	"github.com/cloudpaste/cloudpaste/gateway/vfs"
)

var (
	mon = monkit.Package()

	// ErrDatabase is the class for database errors.
	ErrDatabase = errs.Class("gatewaydb")
)

// Config configures the database.
type Config struct {
	Path string `help:"path of the sqlite database file" default:"cloudpaste.db"`
}

// DB aggregates every storage interface of the gateway.
type DB struct {
	log *zap.Logger
	db  *sql.DB

	mounts  *mountsDB
	configs *configsDB
	uploads *uploadsDB
	nodes   *nodesDB
	jobs    *jobsDB
	search  *searchDB
	usage   *usageDB
}

// Open opens (creating if needed) the database at config.Path.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	raw, err := sql.Open("sqlite3", config.Path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, ErrDatabase.Wrap(err)
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, ErrDatabase.Wrap(err)
	}
	// sqlite allows one writer; a single connection sidesteps SQLITE_BUSY.
	raw.SetMaxOpenConns(1)

	db := &DB{log: log, db: raw}
	db.mounts = &mountsDB{db: raw}
	db.configs = &configsDB{db: raw}
	db.uploads = &uploadsDB{db: raw}
	db.nodes = &nodesDB{db: raw}
	db.jobs = &jobsDB{db: raw}
	db.search = &searchDB{db: raw}
	db.usage = &usageDB{db: raw}
	return db, nil
}

// MigrateToLatest applies pending schema steps.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.migration().Run(ctx, db.log.Named("migrate"))
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return ErrDatabase.Wrap(db.db.Close())
}

// Mounts returns the mount store.
func (db *DB) Mounts() mounts.DB { return db.mounts }

// StorageConfigs returns the storage config store.
func (db *DB) StorageConfigs() mounts.ConfigDB { return db.configs }

// Uploads returns the upload session store.
func (db *DB) Uploads() uploads.DB { return db.uploads }

// Nodes returns the vfs node store.
func (db *DB) Nodes() vfs.DB { return db.nodes }

// Jobs returns the job store.
func (db *DB) Jobs() jobs.DB { return db.jobs }

// Search returns the index store.
func (db *DB) Search() search.DB { return db.search }

// Usage returns the usage snapshot store.
func (db *DB) Usage() quota.DB { return db.usage }
