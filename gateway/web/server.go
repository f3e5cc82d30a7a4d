// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package web exposes the gateway over HTTP: the JSON API under /api
// and the signed content proxy under /p/.
package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"storj.io/common/errs2"
	"storj.io/common/memory"

	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/proxysign"
	"github.com/cloudpaste/cloudpaste/gateway/quota"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/uploads"
	"github.com/cloudpaste/cloudpaste/gateway/vfs"
)

var (
	mon = monkit.Package()

	// Error is the class for web server errors.
	Error = errs.Class("web")
)

// Config configures the API server.
type Config struct {
	Address string `help:"api server listening address" default:":8080"`

	AdminToken string `help:"bearer token granting the admin principal" internal:"true"`

	AnonymousRead bool `help:"grant read access to unauthenticated requests" default:"false"`

	LinkTTL           time.Duration `help:"validity of direct download and upload links" default:"15m0s"`
	ProxyTTL          time.Duration `help:"signature lifetime minted for proxied playlist children" default:"15m0s"`
	DirCacheTTL       time.Duration `help:"how long directory listings are cached" default:"30s"`
	DirCacheCapacity  int           `help:"directory listing cache capacity" default:"1000"`
	LinkCacheCapacity int           `help:"signed url cache capacity" default:"1000"`

	PlaylistMaxSize memory.Size `help:"largest playlist rewritten in flight" default:"8.0 MiB"`
}

// Authenticator maps a bearer token to a principal. It reports ok=false
// for tokens it does not know.
type Authenticator func(ctx context.Context, token string) (auth.Principal, bool)

// Server serves the gateway HTTP surface.
type Server struct {
	log    *zap.Logger
	config Config

	listener net.Listener
	server   http.Server

	manager *mounts.Manager
	uploads *uploads.Service
	jobs    *jobs.Service
	index   *search.Service
	nodes   *vfs.Service
	guard   *quota.Guard
	bus     *caches.Bus
	signer  *proxysign.Signer
	auth    Authenticator

	dirCache  *caches.Expiring[cachedListing]
	linkCache *caches.Expiring[cachedLink]

	nowFn func() time.Time
}

// NewServer constructs a Server over the given listener. authenticator
// may be nil; then only the admin token and anonymous access apply.
func NewServer(log *zap.Logger, listener net.Listener, config Config,
	manager *mounts.Manager, uploadSvc *uploads.Service, jobSvc *jobs.Service,
	index *search.Service, nodes *vfs.Service, guard *quota.Guard, bus *caches.Bus,
	signer *proxysign.Signer, authenticator Authenticator) *Server {

	if config.LinkTTL <= 0 {
		config.LinkTTL = 15 * time.Minute
	}
	if config.ProxyTTL <= 0 {
		config.ProxyTTL = 15 * time.Minute
	}

	server := &Server{
		log:      log,
		config:   config,
		listener: listener,
		manager:  manager,
		uploads:  uploadSvc,
		jobs:     jobSvc,
		index:    index,
		nodes:    nodes,
		guard:    guard,
		bus:      bus,
		signer:   signer,
		auth:     authenticator,
		dirCache: caches.NewExpiring[cachedListing](caches.Options{
			Expiration: config.DirCacheTTL,
			Capacity:   config.DirCacheCapacity,
			Name:       "dir_listing",
		}),
		linkCache: caches.NewExpiring[cachedLink](caches.Options{
			Expiration: config.LinkTTL,
			Capacity:   config.LinkCacheCapacity,
			Name:       "signed_url",
		}),
		nowFn: time.Now,
	}
	bus.Subscribe(server.dirCache.Invalidate)
	bus.Subscribe(server.linkCache.Invalidate)

	router := mux.NewRouter()
	router.Use(server.withRequestID)

	fs := router.PathPrefix("/api/fs").Subrouter()
	fs.HandleFunc("/list", server.handleList).Methods("GET")
	fs.HandleFunc("/get", server.handleGet).Methods("GET")
	fs.HandleFunc("/download", server.handleDownload).Methods("GET")
	fs.HandleFunc("/content", server.handleContent).Methods("GET")
	fs.HandleFunc("/file-link", server.handleFileLink).Methods("GET")
	fs.HandleFunc("/rename", server.handleRename).Methods("POST")
	fs.HandleFunc("/batch-remove", server.handleBatchRemove).Methods("DELETE")

	fs.HandleFunc("/jobs", server.handleJobCreate).Methods("POST")
	fs.HandleFunc("/jobs", server.handleJobList).Methods("GET")
	fs.HandleFunc("/jobs/{jobId}", server.handleJobGet).Methods("GET")
	fs.HandleFunc("/jobs/{jobId}", server.handleJobDelete).Methods("DELETE")
	fs.HandleFunc("/jobs/{jobId}/cancel", server.handleJobCancel).Methods("POST")

	fs.HandleFunc("/multipart/init", server.handleMultipartInit).Methods("POST")
	fs.HandleFunc("/multipart/sign-parts", server.handleMultipartSign).Methods("POST")
	fs.HandleFunc("/multipart/upload-chunk", server.handleMultipartChunk).Methods("PUT")
	fs.HandleFunc("/multipart/complete", server.handleMultipartComplete).Methods("POST")
	fs.HandleFunc("/multipart/abort", server.handleMultipartAbort).Methods("POST")
	fs.HandleFunc("/multipart/list-uploads", server.handleMultipartListUploads).Methods("POST")
	fs.HandleFunc("/multipart/list-parts", server.handleMultipartListParts).Methods("POST")

	fs.HandleFunc("/presign", server.handlePresign).Methods("POST")
	fs.HandleFunc("/presign/commit", server.handlePresignCommit).Methods("POST")

	fs.HandleFunc("/search", server.handleSearch).Methods("GET")

	admin := router.PathPrefix("/api/admin/fs/index").Subrouter()
	admin.HandleFunc("/status", server.handleIndexStatus).Methods("POST", "GET")
	admin.HandleFunc("/rebuild", server.handleIndexRebuild).Methods("POST")
	admin.HandleFunc("/apply-dirty", server.handleIndexApplyDirty).Methods("POST")
	admin.HandleFunc("/stop", server.handleIndexStop).Methods("POST")
	admin.HandleFunc("/clear", server.handleIndexClear).Methods("POST")

	router.PathPrefix("/p/").HandlerFunc(server.handleProxy).Methods("GET", "HEAD")

	server.server.Handler = router
	return server
}

// Run starts the server and blocks until ctx is cancelled or the server
// fails.
func (server *Server) Run(ctx context.Context) error {
	if server.listener == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes the server and the underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// SetNow allows tests to control the server clock.
func (server *Server) SetNow(nowFn func() time.Time) {
	server.nowFn = nowFn
}

// TestRouter exposes the handler for in-process tests.
func (server *Server) TestRouter() http.Handler {
	return server.server.Handler
}

// principal resolves the request credentials. The admin token wins, then
// the pluggable authenticator, then anonymous.
func (server *Server) principal(r *http.Request) auth.Principal {
	token := bearerToken(r)
	if token != "" && server.config.AdminToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(server.config.AdminToken)) == 1 {
		return auth.Admin()
	}
	if token != "" && server.auth != nil {
		if principal, ok := server.auth(r.Context(), token); ok {
			return principal
		}
	}
	principal := auth.Anonymous()
	if server.config.AnonymousRead {
		principal.Permissions |= auth.PermRead
	}
	return principal
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}
