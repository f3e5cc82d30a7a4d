// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package web

import (
	"net/http"
	"time"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/uploads"
)

// sessionView is the wire form of an upload session.
type sessionView struct {
	UploadID          string `json:"uploadId"`
	Path              string `json:"path"`
	FileName          string `json:"fileName"`
	FileSize          int64  `json:"fileSize"`
	PartSize          int64  `json:"partSize"`
	TotalParts        int    `json:"totalParts"`
	BytesUploaded     int64  `json:"bytesUploaded"`
	UploadedParts     int    `json:"uploadedParts"`
	NextExpectedRange string `json:"nextExpectedRange,omitempty"`
	Strategy          string `json:"strategy"`
	Status            string `json:"status"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
}

func toSessionView(s *uploads.Session) sessionView {
	view := sessionView{
		UploadID:          s.ID,
		Path:              s.FsPath,
		FileName:          s.FileName,
		FileSize:          s.FileSize,
		PartSize:          s.PartSize,
		TotalParts:        s.TotalParts,
		BytesUploaded:     s.BytesUploaded,
		UploadedParts:     s.UploadedParts,
		NextExpectedRange: s.NextExpectedRange,
		Strategy:          string(s.Strategy),
		Status:            string(s.Status),
	}
	if !s.ExpiresAt.IsZero() {
		view.ExpiresAt = s.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return view
}

func (server *Server) handleMultipartInit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		Path        string `json:"path"`
		FileName    string `json:"fileName"`
		FileSize    int64  `json:"fileSize"`
		PartSize    int64  `json:"partSize"`
		PartCount   int    `json:"partCount"`
		ContentType string `json:"contentType"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}

	result, err := server.uploads.Initialize(ctx, principal, req.Path, req.FileName, req.FileSize, uploads.InitOptions{
		PartSize:    req.PartSize,
		PartCount:   req.PartCount,
		ContentType: req.ContentType,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	data := map[string]interface{}{
		"session": toSessionView(result.Session),
	}
	if result.UploadURL != "" {
		data["uploadUrl"] = result.UploadURL
	}
	server.serveJSON(w, http.StatusOK, data)
}

func (server *Server) handleMultipartSign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		UploadID    string `json:"uploadId"`
		PartNumbers []int  `json:"partNumbers"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if req.UploadID == "" {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("uploadId is required")))
		return
	}

	urls, err := server.uploads.SignParts(ctx, principal, req.UploadID, req.PartNumbers)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	type signedView struct {
		PartNumber int    `json:"partNumber,omitempty"`
		URL        string `json:"url"`
		ExpiresAt  string `json:"expiresAt,omitempty"`
	}
	views := make([]signedView, 0, len(urls))
	for _, u := range urls {
		view := signedView{PartNumber: u.PartNumber, URL: u.URL}
		if !u.ExpiresAt.IsZero() {
			view.ExpiresAt = u.ExpiresAt.UTC().Format(time.RFC3339)
		}
		views = append(views, view)
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"urls": views})
}

func (server *Server) handleMultipartChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	uploadID := r.URL.Query().Get("upload_id")
	if uploadID == "" {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("upload_id is required")))
		return
	}
	contentRange := r.Header.Get("Content-Range")
	if contentRange == "" {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("Content-Range is required")))
		return
	}

	result, err := server.uploads.ProxyChunk(ctx, principal, uploadID, r.Body, contentRange, r.ContentLength)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"partNo":        result.PartNo,
		"skipped":       result.Skipped,
		"bytesUploaded": result.BytesUploaded,
		"completed":     result.Completed,
	})
}

func (server *Server) handleMultipartComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		UploadID string `json:"uploadId"`
		FileSize int64  `json:"fileSize"`
		Parts    []struct {
			PartNumber int    `json:"partNumber"`
			ETag       string `json:"etag"`
			Size       int64  `json:"size"`
		} `json:"parts"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if req.UploadID == "" {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("uploadId is required")))
		return
	}

	clientParts := make([]uploads.ClientPart, 0, len(req.Parts))
	for _, part := range req.Parts {
		clientParts = append(clientParts, uploads.ClientPart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
			Size:       part.Size,
		})
	}

	result, err := server.uploads.Complete(ctx, principal, req.UploadID, clientParts, req.FileSize)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"storagePath": result.StoragePath,
		"etag":        result.ETag,
		"message":     result.Message,
	})
}

func (server *Server) handleMultipartAbort(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		UploadID string `json:"uploadId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if req.UploadID == "" {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("uploadId is required")))
		return
	}

	if err := server.uploads.Abort(ctx, principal, req.UploadID); err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"aborted": true})
}

func (server *Server) handleMultipartListUploads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}

	sessions, err := server.uploads.ListUploads(ctx, principal, req.Path)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, toSessionView(&sessions[i]))
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"uploads": views})
}

func (server *Server) handleMultipartListParts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)
	if err := principal.Require(auth.PermWrite); err != nil {
		server.serveError(w, r, err)
		return
	}

	var req struct {
		UploadID string `json:"uploadId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if req.UploadID == "" {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("uploadId is required")))
		return
	}

	parts, err := server.uploads.ListParts(ctx, principal, req.UploadID)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	type partView struct {
		PartNo    int    `json:"partNo"`
		Size      int64  `json:"size"`
		ByteStart int64  `json:"byteStart"`
		ByteEnd   int64  `json:"byteEnd"`
		Status    string `json:"status"`
		ETag      string `json:"etag,omitempty"`
	}
	views := make([]partView, 0, len(parts))
	for _, part := range parts {
		views = append(views, partView{
			PartNo:    part.PartNo,
			Size:      part.Size,
			ByteStart: part.ByteStart,
			ByteEnd:   part.ByteEnd,
			Status:    string(part.Status),
			ETag:      part.ProviderPartID,
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"parts": views})
}
