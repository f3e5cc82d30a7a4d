// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/search"
)

func (server *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermRead); err != nil {
		server.serveError(w, r, err)
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	q := search.Query{
		Text:       query.Get("q"),
		Scope:      search.Scope(query.Get("scope")),
		MountID:    query.Get("mount_id"),
		PathPrefix: query.Get("path"),
		Limit:      limit,
	}

	result, err := server.index.Query(ctx, q, query.Get("cursor"))
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	type entryView struct {
		MountID    string `json:"mountId"`
		Path       string `json:"path"`
		Name       string `json:"name"`
		IsDir      bool   `json:"isDir"`
		Size       int64  `json:"size"`
		ModifiedMs int64  `json:"modifiedMs"`
		MimeType   string `json:"mimeType,omitempty"`
	}
	views := make([]entryView, 0, len(result.Entries))
	for _, entry := range result.Entries {
		if principal.CheckPath(entry.FsPath) != nil {
			continue
		}
		views = append(views, entryView{
			MountID:    entry.MountID,
			Path:       entry.FsPath,
			Name:       entry.Name,
			IsDir:      entry.IsDir,
			Size:       entry.Size,
			ModifiedMs: entry.ModifiedMs,
			MimeType:   entry.MimeType,
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"entries":    views,
		"nextCursor": result.NextCursor,
	})
}

func (server *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermAdmin); err != nil {
		server.serveError(w, r, err)
		return
	}

	statuses, dirty, recommendation, err := server.index.Status(ctx)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	type statusView struct {
		MountID       string `json:"mountId"`
		Status        string `json:"status"`
		LastIndexedMs int64  `json:"lastIndexedMs,omitempty"`
		LastError     string `json:"lastError,omitempty"`
		Entries       int64  `json:"entries"`
	}
	views := make([]statusView, 0, len(statuses))
	for _, status := range statuses {
		views = append(views, statusView{
			MountID:       status.State.MountID,
			Status:        string(status.State.Status),
			LastIndexedMs: status.State.LastIndexedMs,
			LastError:     status.State.LastError,
			Entries:       status.Entries,
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"mounts":         views,
		"dirty":          dirty,
		"recommendation": string(recommendation),
	})
}

// indexMountsRequest selects mounts for an admin index action; empty
// means all known mounts.
type indexMountsRequest struct {
	MountIDs []string `json:"mountIds"`
}

func (server *Server) decodeIndexMounts(r *http.Request) (indexMountsRequest, error) {
	var req indexMountsRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := decodeJSON(r, &req)
	return req, err
}

func (server *Server) handleIndexRebuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermAdmin); err != nil {
		server.serveError(w, r, err)
		return
	}
	req, err := server.decodeIndexMounts(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	mountIDs := req.MountIDs
	if len(mountIDs) == 0 {
		all, err := server.manager.Mounts(ctx)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
		for _, mount := range all {
			if mount.IsActive {
				mountIDs = append(mountIDs, mount.ID)
			}
		}
	}

	jobIDs := make([]string, 0, len(mountIDs))
	for _, mountID := range mountIDs {
		payload, _ := json.Marshal(map[string][]string{"mountIds": {mountID}})
		job, err := server.jobs.Create(ctx, principal, jobs.TypeIndexRebuild, payload)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
		jobIDs = append(jobIDs, job.ID)
	}
	server.serveJSON(w, http.StatusAccepted, map[string]interface{}{"jobIds": jobIDs})
}

func (server *Server) handleIndexApplyDirty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermAdmin); err != nil {
		server.serveError(w, r, err)
		return
	}

	job, err := server.jobs.Create(ctx, principal, jobs.TypeIndexApplyDirty, nil)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusAccepted, map[string]interface{}{"jobId": job.ID})
}

func (server *Server) handleIndexStop(w http.ResponseWriter, r *http.Request) {
	principal := server.principal(r)
	if err := principal.Require(auth.PermAdmin); err != nil {
		server.serveError(w, r, err)
		return
	}
	req, err := server.decodeIndexMounts(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	for _, mountID := range req.MountIDs {
		server.index.Stop(mountID)
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"stopped": req.MountIDs})
}

func (server *Server) handleIndexClear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermAdmin); err != nil {
		server.serveError(w, r, err)
		return
	}
	req, err := server.decodeIndexMounts(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if err := server.index.Clear(ctx, req.MountIDs); err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}
