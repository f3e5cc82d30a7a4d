// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// jobView is the wire form of a job.
type jobView struct {
	JobID          string          `json:"jobId"`
	TaskType       string          `json:"taskType"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Progress       int             `json:"progress"`
	StatusMessage  string          `json:"statusMessage,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	AllowedActions struct {
		CanCancel bool `json:"canCancel"`
	} `json:"allowedActions"`
	CreatedAt  string `json:"createdAt"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

func toJobView(job *jobs.Job) jobView {
	view := jobView{
		JobID:         job.ID,
		TaskType:      job.Type,
		Status:        string(job.Status),
		Progress:      job.Progress,
		StatusMessage: job.StatusMessage,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if json.Valid([]byte(job.Payload)) {
		view.Payload = json.RawMessage(job.Payload)
	}
	if json.Valid([]byte(job.Result)) {
		view.Result = json.RawMessage(job.Result)
	}
	view.AllowedActions.CanCancel = !job.Status.Terminal()
	if !job.StartedAt.IsZero() {
		view.StartedAt = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if !job.FinishedAt.IsZero() {
		view.FinishedAt = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func (server *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)

	var req struct {
		TaskType string          `json:"taskType"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if req.TaskType == "" {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("taskType is required")))
		return
	}

	// Path-touching jobs are admitted against the creating principal;
	// the handler itself runs unrestricted.
	if req.TaskType == jobs.TypeCopy {
		if err := server.admitCopyPayload(principal, req.Payload); err != nil {
			server.serveError(w, r, err)
			return
		}
	}

	job, err := server.jobs.Create(ctx, principal, req.TaskType, req.Payload)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusAccepted, toJobView(job))
}

func (server *Server) admitCopyPayload(principal auth.Principal, payload json.RawMessage) error {
	if err := principal.Require(auth.PermWrite); err != nil {
		return err
	}
	var req struct {
		Items []struct {
			SourcePath string `json:"sourcePath"`
			TargetPath string `json:"targetPath"`
		} `json:"items"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return apierrs.ErrValidation.Wrap(Error.New("malformed copy payload"))
	}
	if len(req.Items) == 0 {
		return apierrs.ErrValidation.Wrap(Error.New("copy payload needs items"))
	}
	for _, item := range req.Items {
		for _, raw := range []string{item.SourcePath, item.TargetPath} {
			path, err := vpath.Normalize(raw, false)
			if err != nil {
				return err
			}
			if err := principal.CheckPath(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (server *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)

	job, err := server.jobs.Get(ctx, principal, mux.Vars(r)["jobId"])
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, toJobView(job))
}

func (server *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	if offset < 0 {
		server.serveError(w, r, apierrs.ErrValidation.Wrap(Error.New("offset must not be negative")))
		return
	}
	if limit <= 0 {
		limit = jobs.DefaultListLimit
	}

	filter := jobs.Filter{
		Type:   query.Get("taskType"),
		Status: jobs.Status(query.Get("status")),
		Limit:  limit + offset,
	}
	all, err := server.jobs.List(ctx, principal, filter)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]

	views := make([]jobView, 0, len(all))
	for i := range all {
		views = append(views, toJobView(&all[i]))
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

func (server *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)

	if err := server.jobs.Cancel(ctx, principal, mux.Vars(r)["jobId"]); err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true})
}

func (server *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := server.principal(r)

	if err := server.jobs.Delete(ctx, principal, mux.Vars(r)["jobId"]); err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}
