// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package gateway assembles the storage gateway process: database,
// services, chores and the HTTP server.
package gateway

import (
	"context"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"storj.io/common/errs2"
	"storj.io/common/sync2"

	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/gatewaydb"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/jobs/handlers"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/proxysign"
	"github.com/cloudpaste/cloudpaste/gateway/quota"
	"github.com/cloudpaste/cloudpaste/gateway/scheduler"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/secrets"
	"github.com/cloudpaste/cloudpaste/gateway/uploads"
	"github.com/cloudpaste/cloudpaste/gateway/vfs"
	"github.com/cloudpaste/cloudpaste/gateway/web"
)

// Error is the class for peer assembly errors.
var Error = errs.Class("gateway")

// DB is the master database of the gateway. *gatewaydb.DB satisfies it.
type DB interface {
	Mounts() mounts.DB
	StorageConfigs() mounts.ConfigDB
	Uploads() uploads.DB
	Nodes() vfs.DB
	Jobs() jobs.DB
	Search() search.DB
	Usage() quota.DB

	MigrateToLatest(ctx context.Context) error
	Close() error
}

var _ DB = (*gatewaydb.DB)(nil)

// Config is the process configuration.
type Config struct {
	Database gatewaydb.Config

	EncryptionPassphrase string `help:"passphrase deriving the key that encrypts storage config secrets" internal:"true"`
	SignSecret           string `help:"secret keying proxy url signatures" internal:"true"`

	Uploads    uploads.Config
	Quota      quota.Config
	Dispatcher jobs.DispatcherConfig
	Scheduler  scheduler.Config
	Web        web.Config
}

// Peer is the gateway process. Field groups follow the dependency
// order of New; Close unwinds them in reverse.
type Peer struct {
	Log    *zap.Logger
	DB     DB
	Config Config

	Bus *caches.Bus

	Mounts struct {
		Box     *secrets.Box
		Manager *mounts.Manager
	}

	VFS struct {
		Service *vfs.Service
	}

	Quota struct {
		Guard *quota.Guard
		Loop  *sync2.Cycle
	}

	Search struct {
		Service *search.Service
	}

	Uploads struct {
		Service *uploads.Service
	}

	Jobs struct {
		Registry   *jobs.Registry
		Service    *jobs.Service
		Dispatcher *jobs.Dispatcher
	}

	Scheduler *scheduler.Scheduler

	Web struct {
		Listener net.Listener
		Signer   *proxysign.Signer
		Server   *web.Server
	}
}

// New assembles a Peer on top of an open database. authenticator may be
// nil; then only the admin token and anonymous access apply.
func New(log *zap.Logger, db DB, config Config, authenticator web.Authenticator) (*Peer, error) {
	peer := &Peer{
		Log:    log,
		DB:     db,
		Config: config,
	}

	if config.SignSecret == "" {
		return nil, Error.New("sign secret is required")
	}

	peer.Bus = caches.NewBus()

	{ // mounts
		box, err := secrets.NewBox(config.EncryptionPassphrase)
		if err != nil {
			return nil, err
		}
		peer.Mounts.Box = box
		peer.Mounts.Manager = mounts.NewManager(log.Named("mounts"), db.Mounts(), db.StorageConfigs(), box, peer.Bus)
	}

	peer.VFS.Service = vfs.NewService(db.Nodes())

	{ // quota
		peer.Quota.Guard = quota.NewGuard(log.Named("quota"), db.Usage(), db.StorageConfigs(), peer.Mounts.Manager, peer.VFS.Service)
		interval := config.Quota.RefreshInterval
		if interval <= 0 {
			interval = quota.DefaultRefreshInterval
		}
		peer.Quota.Loop = sync2.NewCycle(interval)
	}

	peer.Search.Service = search.NewService(log.Named("search"), db.Search(), peer.Mounts.Manager)

	peer.Uploads.Service = uploads.NewService(log.Named("uploads"), db.Uploads(),
		peer.Mounts.Manager, peer.Quota.Guard, peer.Bus, peer.Search.Service, config.Uploads)

	{ // jobs
		peer.Jobs.Registry = jobs.NewRegistry()
		peer.Jobs.Service = jobs.NewService(log.Named("jobs"), db.Jobs(), peer.Jobs.Registry)
		handlers.RegisterAll(peer.Jobs.Registry, handlers.Deps{
			Log:     log.Named("jobhandlers"),
			Manager: peer.Mounts.Manager,
			Index:   peer.Search.Service,
			Uploads: db.Uploads(),
			Guard:   peer.Quota.Guard,
			Bus:     peer.Bus,
		})
		peer.Jobs.Dispatcher = jobs.NewDispatcher(log.Named("dispatcher"), db.Jobs(),
			peer.Jobs.Service, peer.Jobs.Registry, config.Dispatcher)
	}

	peer.Scheduler = scheduler.New(log.Named("scheduler"), peer.Jobs.Service, config.Scheduler)

	{ // web
		peer.Web.Signer = proxysign.NewSigner([]byte(config.SignSecret))

		listener, err := net.Listen("tcp", config.Web.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Web.Listener = listener
		peer.Web.Server = web.NewServer(log.Named("web"), listener, config.Web,
			peer.Mounts.Manager, peer.Uploads.Service, peer.Jobs.Service,
			peer.Search.Service, peer.VFS.Service, peer.Quota.Guard,
			peer.Bus, peer.Web.Signer, authenticator)
	}

	return peer, nil
}

// Run starts the servers and chores and blocks until ctx is cancelled
// or one of them fails.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Quota.Loop.Run(ctx, peer.refreshUsage))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Jobs.Dispatcher.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Scheduler.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Web.Server.Run(ctx))
	})

	return group.Wait()
}

func (peer *Peer) refreshUsage(ctx context.Context) error {
	if err := peer.Quota.Guard.RefreshAll(ctx, peer.Config.Quota.MaxConcurrency); err != nil {
		if errs2.IsCanceled(err) {
			return err
		}
		peer.Log.Warn("usage refresh failed", zap.Error(err))
	}
	return nil
}

// Close shuts everything down in reverse dependency order. The database
// is owned by the caller and stays open.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.Web.Server != nil {
		group.Add(peer.Web.Server.Close())
	}
	if peer.Scheduler != nil {
		group.Add(peer.Scheduler.Close())
	}
	if peer.Jobs.Dispatcher != nil {
		group.Add(peer.Jobs.Dispatcher.Close())
	}
	if peer.Quota.Loop != nil {
		peer.Quota.Loop.Close()
	}

	return group.Err()
}
