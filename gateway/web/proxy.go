// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package web

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/proxysign"
	"github.com/cloudpaste/cloudpaste/gateway/streams"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// handleProxy serves mount content through the gateway. The signature
// is the authorization; the principal model does not apply here.
func (server *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw := strings.TrimPrefix(r.URL.Path, "/p")
	fsPath, err := vpath.Normalize(raw, false)
	if err != nil {
		server.auditProxy(r, raw, "", false, "malformed_path", false)
		server.serveError(w, r, err)
		return
	}

	sig := r.URL.Query().Get("sign")
	asDownload := queryBool(r, "download")

	resolved, err := server.manager.Resolve(ctx, auth.Admin(), fsPath)
	if err != nil {
		server.auditProxy(r, fsPath, "", sig != "", "mount_not_found", false)
		server.serveError(w, r, err)
		return
	}
	mount := resolved.Mount
	if !mount.WebProxy {
		server.auditProxy(r, fsPath, mount.ID, sig != "", "proxy_disabled", mount.RequireSignature)
		server.serveError(w, r, apierrs.ErrForbidden.Wrap(Error.New("mount is not served through the proxy")))
		return
	}
	if mount.RequireSignature && sig == "" {
		server.auditProxy(r, fsPath, mount.ID, false, "signature_required", true)
		server.serveError(w, r, apierrs.ErrUnauthenticated.Wrap(Error.New("signature required")))
		return
	}
	if sig != "" {
		if err := server.signer.Verify(fsPath, sig, server.nowFn()); err != nil {
			server.auditProxy(r, fsPath, mount.ID, true, "invalid_signature", mount.RequireSignature)
			server.serveError(w, r, err)
			return
		}
	}
	server.auditProxy(r, fsPath, mount.ID, sig != "", "ok", mount.RequireSignature)

	driver, err := server.manager.DriverFor(ctx, mount)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if err := drivers.Require(driver, drivers.CapReader); err != nil {
		server.serveError(w, r, err)
		return
	}
	desc, err := driver.Download(ctx, resolved.SubPath)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	// Playlists get their child URIs signed in flight. Range requests
	// and downloads pass through untouched.
	if proxysign.IsPlaylistPath(fsPath) && !asDownload && r.Header.Get("Range") == "" {
		server.servePlaylist(w, r, desc, fsPath, sig)
		return
	}

	server.serveDescriptor(w, r, desc, vpath.Base(fsPath), asDownload)
}

// servePlaylist rewrites an HLS playlist so that every child URI
// carries its own signature with the same expiry as the request.
// Oversized playlists stream through untouched.
func (server *Server) servePlaylist(w http.ResponseWriter, r *http.Request, desc *streams.Descriptor, fsPath, sig string) {
	ctx := r.Context()
	maxSize := server.config.PlaylistMaxSize.Int64()
	if maxSize <= 0 {
		maxSize = 8 << 20
	}

	contentType := desc.ContentType
	if contentType == "" {
		contentType = "application/vnd.apple.mpegurl"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("Vary", "Authorization, X-FS-Path-Token")

	rc, err := desc.Open(ctx)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	body, err := io.ReadAll(io.LimitReader(rc, maxSize+1))
	if err != nil {
		server.serveError(w, r, apierrs.ErrDriver.Wrap(Error.New("reading playlist: %v", err)))
		return
	}
	if int64(len(body)) > maxSize {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		_, _ = io.Copy(w, rc)
		return
	}

	expireTs := proxysign.ExpiryOf(sig)
	if expireTs == 0 {
		expireTs = server.nowFn().Add(server.config.ProxyTTL).UnixMilli()
	}
	nowMs := server.nowFn().UnixMilli()

	rewritten := proxysign.RewritePlaylist(string(body), func(uri string) (string, bool) {
		absolute, err := proxysign.ResolvePlaylistURI(fsPath, uri)
		if err != nil {
			return "", false
		}
		childSig := server.signer.Sign(absolute, expireTs)
		return appendSignature(uri, childSig, nowMs), true
	})

	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.WriteString(w, rewritten); err != nil {
		server.log.Debug("playlist write interrupted", zap.Error(err))
	}
}

func (server *Server) auditProxy(r *http.Request, fsPath, mountID string, signatureProvided bool, reason string, signatureRequired bool) {
	decision := "allow"
	if reason != "ok" {
		decision = "deny"
	}
	server.log.Info("proxy request",
		zap.String("reqId", requestID(r.Context())),
		zap.String("path", fsPath),
		zap.String("decision", decision),
		zap.String("reason", reason),
		zap.Bool("signatureRequired", signatureRequired),
		zap.Bool("signatureProvided", signatureProvided),
		zap.String("mountId", mountID),
		zap.Int64("ts", server.nowFn().UnixMilli()))
	mon.Event("proxy_"+decision, monkit.NewSeriesTag("reason", reason))
}

func appendSignature(uri, sig string, ts int64) string {
	separator := "?"
	if strings.Contains(uri, "?") {
		separator = "&"
	}
	return uri + separator + "sign=" + url.QueryEscape(sig) + "&ts=" + strconv.FormatInt(ts, 10)
}
