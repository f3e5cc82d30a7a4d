// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package web

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/streams"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// maxLinkTTL caps client-requested link expiry.
const maxLinkTTL = 24 * time.Hour

type cachedListing struct {
	Items []drivers.Item
}

type cachedLink struct {
	URL       string
	ExpiresAt time.Time
}

// itemView is the wire form of a directory entry.
type itemView struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	IsDir    bool   `json:"isDir"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
	MimeType string `json:"mimeType,omitempty"`
	ETag     string `json:"etag,omitempty"`
}

func toItemView(item drivers.Item) itemView {
	return itemView{
		Name:     item.Name,
		Path:     item.Path,
		IsDir:    item.IsDir,
		Size:     item.Size,
		Modified: item.Modified.UTC().Format(time.RFC3339),
		MimeType: item.MimeType,
		ETag:     item.ETag,
	}
}

func (server *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermRead); err != nil {
		server.serveError(w, r, err)
		return
	}

	path, err := vpath.Normalize(r.URL.Query().Get("path"), true)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == "" {
		trimmed = vpath.Root
	}
	refresh := queryBool(r, "refresh")

	virtual, isVirtual, err := server.manager.VirtualChildren(ctx, principal, trimmed)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	var mountID string
	var items []drivers.Item
	resolved, resolveErr := server.manager.Resolve(ctx, principal, path)
	switch {
	case resolveErr == nil:
		mountID = resolved.Mount.ID
		items, err = server.listMount(ctx, principal, resolved, refresh)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
	case apierrs.KindOf(resolveErr) == apierrs.NotFound && isVirtual:
		// Purely virtual prefix; only mount entries below.
	default:
		server.serveError(w, r, resolveErr)
		return
	}

	items = mergeVirtual(items, virtual)

	etag := caches.DirETag(mountID, trimmed, items)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("Vary", "Authorization, X-FS-Path-Token")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	views := make([]itemView, 0, len(items))
	for _, item := range items {
		views = append(views, toItemView(item))
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"path":  trimmed,
		"items": views,
		"etag":  etag,
	})
}

// listMount lists a resolved directory through the driver, draining
// pagination and rebasing item paths onto the virtual tree. Results are
// cached per principal scope until a write invalidates the mount.
func (server *Server) listMount(ctx context.Context, principal auth.Principal, resolved *mounts.Resolved, refresh bool) ([]drivers.Item, error) {
	key := resolved.Mount.ID + "\x00" + resolved.SubPath + "\x00" + string(principal.Type) + ":" + principal.ID
	if !refresh {
		if cached, ok := server.dirCache.Get(key); ok {
			return cached.Items, nil
		}
	}

	driver, err := server.manager.DriverFor(ctx, resolved.Mount)
	if err != nil {
		return nil, err
	}
	if err := drivers.Require(driver, drivers.CapReader); err != nil {
		return nil, err
	}

	var items []drivers.Item
	cursor := ""
	for {
		listing, err := driver.List(ctx, resolved.SubPath, drivers.ListOptions{
			Refresh: refresh,
			Cursor:  cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range listing.Items {
			absolute, err := vpath.Join(resolved.Mount.MountPath, strings.TrimPrefix(item.Path, "/"), false)
			if err != nil {
				continue
			}
			item.Path = absolute
			items = append(items, item)
		}
		if listing.NextCursor == "" {
			break
		}
		cursor = listing.NextCursor
	}

	server.dirCache.Add(key, cachedListing{Items: items}, caches.Tags{
		MountID:         resolved.Mount.ID,
		StorageConfigID: resolved.Mount.StorageConfigID,
	})
	return items, nil
}

// mergeVirtual overlays synthetic mount entries onto a driver listing.
// A mount entry wins over a backend entry of the same name.
func mergeVirtual(items, virtual []drivers.Item) []drivers.Item {
	if len(virtual) == 0 {
		return items
	}
	names := make(map[string]bool, len(virtual))
	for _, item := range virtual {
		names[item.Name] = true
	}
	merged := make([]drivers.Item, 0, len(items)+len(virtual))
	merged = append(merged, virtual...)
	for _, item := range items {
		if !names[item.Name] {
			merged = append(merged, item)
		}
	}
	return merged
}

func (server *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermRead); err != nil {
		server.serveError(w, r, err)
		return
	}

	path, err := vpath.Normalize(r.URL.Query().Get("path"), false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	resolved, err := server.manager.Resolve(ctx, principal, path)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	driver, err := server.manager.DriverFor(ctx, resolved.Mount)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	item, err := driver.Stat(ctx, resolved.SubPath)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	item.Path = path
	server.serveJSON(w, http.StatusOK, toItemView(*item))
}

func (server *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	server.serveFile(w, r, true)
}

func (server *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	server.serveFile(w, r, false)
}

// serveFile streams a file or, for download requests against
// direct-link capable mounts not forced through the proxy, redirects to
// a pre-signed backend URL.
func (server *Server) serveFile(w http.ResponseWriter, r *http.Request, asDownload bool) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermRead); err != nil {
		server.serveError(w, r, err)
		return
	}

	path, err := vpath.Normalize(r.URL.Query().Get("path"), false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	resolved, err := server.manager.Resolve(ctx, principal, path)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	driver, err := server.manager.DriverFor(ctx, resolved.Mount)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if err := drivers.Require(driver, drivers.CapReader); err != nil {
		server.serveError(w, r, err)
		return
	}

	if asDownload && !resolved.Mount.WebProxy {
		if url, ok := server.directLink(ctx, principal, resolved, driver, true, server.config.LinkTTL); ok {
			http.Redirect(w, r, url, http.StatusFound)
			return
		}
	}

	desc, err := driver.Download(ctx, resolved.SubPath)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveDescriptor(w, r, desc, vpath.Base(path), asDownload)
}

// directLink mints (and caches) a pre-signed backend URL; ok is false
// when the driver cannot link.
func (server *Server) directLink(ctx context.Context, principal auth.Principal, resolved *mounts.Resolved, driver drivers.Driver, forceDownload bool, ttl time.Duration) (string, bool) {
	linker, ok := drivers.AsLinker(driver)
	if !ok {
		return "", false
	}

	key := resolved.Mount.ID + "\x00" + resolved.SubPath + "\x00" +
		string(principal.Type) + ":" + principal.ID + "\x00" + strconv.FormatBool(forceDownload)
	if cached, ok := server.linkCache.Get(key); ok && server.nowFn().Before(cached.ExpiresAt) {
		return cached.URL, true
	}

	url, err := linker.DownloadURL(ctx, resolved.SubPath, ttl, forceDownload)
	if err != nil {
		server.log.Warn("direct link failed",
			zap.String("mountID", resolved.Mount.ID), zap.Error(err))
		return "", false
	}
	server.linkCache.Add(key, cachedLink{URL: url, ExpiresAt: server.nowFn().Add(ttl)}, caches.Tags{
		MountID:         resolved.Mount.ID,
		StorageConfigID: resolved.Mount.StorageConfigID,
	})
	return url, true
}

func (server *Server) handleFileLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermRead); err != nil {
		server.serveError(w, r, err)
		return
	}

	path, err := vpath.Normalize(r.URL.Query().Get("path"), false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	resolved, err := server.manager.Resolve(ctx, principal, path)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	driver, err := server.manager.DriverFor(ctx, resolved.Mount)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	linker, ok := drivers.AsLinker(driver)
	if !ok {
		server.serveError(w, r, apierrs.ErrNotSupported.Wrap(Error.New("driver %s cannot mint direct links", driver.Type())))
		return
	}

	ttl := server.config.LinkTTL
	if raw := r.URL.Query().Get("expires_in"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds <= 0 {
			server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("malformed expires_in %q", raw)))
			return
		}
		ttl = time.Duration(seconds) * time.Second
		if ttl > maxLinkTTL {
			ttl = maxLinkTTL
		}
	}
	forceDownload := queryBool(r, "force_download")

	url, err := linker.DownloadURL(ctx, resolved.SubPath, ttl, forceDownload)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"url":       url,
		"expiresAt": server.nowFn().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func (server *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	oldPath, err := vpath.Normalize(req.OldPath, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	newPath, err := vpath.Normalize(req.NewPath, false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if oldPath == newPath {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("old and new path are the same")))
		return
	}
	if err := vpath.ValidateFilename(vpath.Base(newPath)); err != nil {
		server.serveError(w, r, err)
		return
	}

	src, err := server.manager.Resolve(ctx, principal, oldPath)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	dst, err := server.manager.Resolve(ctx, principal, newPath)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if src.Mount.ID != dst.Mount.ID {
		server.serveError(w, r, apierrs.ErrNotSupported.Wrap(Error.New("cross mount rename; use a copy job")))
		return
	}

	driver, err := server.manager.DriverFor(ctx, src.Mount)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if err := drivers.Require(driver, drivers.CapWriter); err != nil {
		server.serveError(w, r, err)
		return
	}
	if err := driver.Rename(ctx, src.SubPath, dst.SubPath); err != nil {
		server.serveError(w, r, err)
		return
	}

	server.bus.Publish(caches.Invalidation{
		Scope:           caches.ScopeMount,
		MountID:         src.Mount.ID,
		StorageConfigID: src.Mount.StorageConfigID,
	})
	server.enqueueDirty(ctx, src.Mount.ID, oldPath, search.OpDelete)
	server.enqueueDirty(ctx, src.Mount.ID, newPath, search.OpUpsert)

	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"oldPath": oldPath,
		"newPath": newPath,
	})
}

// removeOutcome is one per-path result of a batch remove.
type removeOutcome struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (server *Server) handleBatchRemove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		Paths []string `json:"paths"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if len(req.Paths) == 0 {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("no paths given")))
		return
	}

	touched := map[string]*mounts.Mount{}
	outcomes := make([]removeOutcome, 0, len(req.Paths))
	failed := 0
	for _, raw := range req.Paths {
		outcome := removeOutcome{Path: raw}
		err := server.removeOne(ctx, principal, raw, touched)
		if err != nil {
			outcome.Error = err.Error()
			outcome.Code = string(apierrs.KindOf(err))
			failed++
		} else {
			outcome.Success = true
		}
		outcomes = append(outcomes, outcome)
	}

	for _, mount := range touched {
		server.bus.Publish(caches.Invalidation{
			Scope:           caches.ScopeMount,
			MountID:         mount.ID,
			StorageConfigID: mount.StorageConfigID,
		})
	}

	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"results": outcomes,
		"failed":  failed,
	})
}

func (server *Server) removeOne(ctx context.Context, principal auth.Principal, raw string, touched map[string]*mounts.Mount) error {
	path, err := vpath.Normalize(raw, false)
	if err != nil {
		return err
	}
	resolved, err := server.manager.Resolve(ctx, principal, path)
	if err != nil {
		return err
	}
	driver, err := server.manager.DriverFor(ctx, resolved.Mount)
	if err != nil {
		return err
	}
	if err := drivers.Require(driver, drivers.CapWriter); err != nil {
		return err
	}
	if err := driver.Remove(ctx, resolved.SubPath); err != nil {
		return err
	}
	touched[resolved.Mount.ID] = resolved.Mount
	server.enqueueDirty(ctx, resolved.Mount.ID, path, search.OpDelete)
	return nil
}

func (server *Server) enqueueDirty(ctx context.Context, mountID, fsPath string, op search.DirtyOp) {
	if err := server.index.EnqueueDirty(ctx, mountID, fsPath, op); err != nil {
		server.log.Warn("dirty enqueue failed",
			zap.String("mountID", mountID), zap.String("fsPath", fsPath), zap.Error(err))
	}
}

// serveDescriptor streams a download descriptor, honouring Range and
// If-None-Match.
func (server *Server) serveDescriptor(w http.ResponseWriter, r *http.Request, desc *streams.Descriptor, filename string, asDownload bool) {
	ctx := r.Context()

	contentType := desc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("Vary", "Authorization, X-FS-Path-Token")
	if desc.ETag != "" {
		w.Header().Set("ETag", desc.ETag)
	}
	if desc.SupportsRange {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	disposition := "inline"
	if asDownload {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition+`; filename="`+strings.ReplaceAll(filename, `"`, "")+`"`)

	if desc.ETag != "" && r.Header.Get("If-None-Match") == desc.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" && desc.SupportsRange && desc.OpenRange != nil {
		br, err := streams.ParseRange(rangeHeader, desc.Size)
		if err != nil {
			if desc.Size >= 0 {
				w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(desc.Size, 10))
			}
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", br.ContentRange())
		w.Header().Set("Content-Length", strconv.FormatInt(br.Length, 10))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method == http.MethodHead {
			return
		}
		rc, err := desc.OpenRange(ctx, br.Start, br.Length)
		if err != nil {
			server.log.Warn("range open failed", zap.Error(err))
			return
		}
		defer func() { _ = rc.Close() }()
		if _, err := io.Copy(w, rc); err != nil {
			server.log.Debug("stream interrupted", zap.Error(err))
		}
		return
	}

	if desc.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	rc, err := desc.Open(ctx)
	if err != nil {
		server.log.Warn("stream open failed", zap.Error(err))
		return
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(w, rc); err != nil {
		server.log.Debug("stream interrupted", zap.Error(err))
	}
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
