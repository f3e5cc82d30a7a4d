// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"storj.io/common/uuid"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
)

// envelope is the uniform JSON response shape.
type envelope struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

type contextKey int

const requestIDKey contextKey = iota

// withRequestID tags every request with an id for log correlation.
func (server *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			if generated, err := uuid.New(); err == nil {
				id = generated.String()
			}
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// serveJSON writes a success envelope.
func (server *Server) serveJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
	if err != nil {
		server.log.Debug("response write failed", zap.Error(err))
	}
}

// serveError classifies err into its canonical kind and writes the
// failure envelope with the kind's stable status code.
func (server *Server) serveError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierrs.KindOf(err)
	status := kind.HTTPStatus()

	server.log.Warn("request failed",
		zap.String("reqId", requestID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("kind", string(kind)),
		zap.Int("status", status),
		zap.Bool("retryable", kind.Retryable()),
		zap.Error(err))
	mon.Event("api_error", monkit.NewSeriesTag("kind", string(kind)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Code:    string(kind),
		Message: err.Error(),
	})
}

// decodeJSON parses the request body into out, failing VALIDATION on
// malformed input.
func decodeJSON(r *http.Request, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return apierrs.ErrValidation.Wrap(Error.New("reading body: %v", err))
	}
	if len(body) == 0 {
		return apierrs.ErrValidation.Wrap(Error.New("empty body"))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apierrs.ErrValidation.Wrap(Error.New("malformed json: %v", err))
	}
	return nil
}
