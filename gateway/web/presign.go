// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// handlePresign issues a provider pre-signed PUT for a single-shot
// upload. The client uploads directly and then commits via
// handlePresignCommit.
func (server *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		Path        string `json:"path"`
		FileName    string `json:"fileName"`
		ContentType string `json:"contentType"`
		FileSize    int64  `json:"fileSize"`
		SHA256      string `json:"sha256"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if req.FileSize <= 0 {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("file size must be positive")))
		return
	}
	if err := vpath.ValidateFilename(req.FileName); err != nil {
		server.serveError(w, r, err)
		return
	}
	dirPath, err := vpath.Normalize(req.Path, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	resolved, err := server.manager.Resolve(ctx, principal, dirPath)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	driver, err := server.manager.DriverFor(ctx, resolved.Mount)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if err := drivers.Require(driver, drivers.CapWriter); err != nil {
		server.serveError(w, r, err)
		return
	}
	linker, ok := drivers.AsLinker(driver)
	if !ok {
		server.serveError(w, r, apierrs.ErrNotSupported.Wrap(Error.New("driver %s cannot pre-sign uploads", driver.Type())))
		return
	}
	if err := drivers.EnsureParent(ctx, driver, resolved.SubPath); err != nil {
		server.serveError(w, r, err)
		return
	}

	targetSub, err := vpath.Join(resolved.SubPath, req.FileName, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	var oldSize int64
	if item, err := driver.Stat(ctx, targetSub); err == nil && !item.IsDir {
		oldSize = item.Size
	}
	if err := server.guard.AssertCanConsume(ctx, resolved.Mount.StorageConfigID, req.FileSize-oldSize); err != nil {
		server.serveError(w, r, err)
		return
	}

	url, err := linker.UploadURL(ctx, targetSub, server.config.LinkTTL, req.ContentType, req.FileSize)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	targetPath, err := vpath.Join(dirPath, req.FileName, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"uploadUrl":  url,
		"targetPath": targetPath,
		"mountId":    resolved.Mount.ID,
		"expiresAt":  server.nowFn().Add(server.config.LinkTTL).UTC().Format(time.RFC3339),
	})
}

// handlePresignCommit records the metadata of a pre-signed upload after
// the client finished the direct PUT: a vfs node, a dirty index entry,
// and a cache invalidation.
func (server *Server) handlePresignCommit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		TargetPath  string `json:"targetPath"`
		MountID     string `json:"mountId"`
		FileSize    int64  `json:"fileSize"`
		ETag        string `json:"etag"`
		ContentType string `json:"contentType"`
		SHA256      string `json:"sha256"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}

	targetPath, err := vpath.Normalize(req.TargetPath, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	resolved, err := server.manager.Resolve(ctx, principal, targetPath)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if req.MountID != "" && req.MountID != resolved.Mount.ID {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("target path resolves to another mount")))
		return
	}

	contentRef, err := json.Marshal(map[string]string{
		"etag":   req.ETag,
		"sha256": req.SHA256,
	})
	if err != nil {
		server.serveError(w, r, Error.Wrap(err))
		return
	}

	node, err := server.nodes.CommitFile(ctx, principal,
		resolved.Mount.StorageConfigID, resolved.Mount.StorageType,
		resolved.SubPath, req.ContentType, string(contentRef), req.FileSize)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	server.bus.Publish(caches.Invalidation{
		Scope:           caches.ScopeMount,
		MountID:         resolved.Mount.ID,
		StorageConfigID: resolved.Mount.StorageConfigID,
	})
	server.enqueueDirty(ctx, resolved.Mount.ID, targetPath, search.OpUpsert)

	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"nodeId":     node.ID,
		"targetPath": targetPath,
		"size":       node.Size,
		"mimeType":   node.MimeType,
	})
}
