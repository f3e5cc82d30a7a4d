// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package web_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"storj.io/common/testcontext"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	_ "github.com/cloudpaste/cloudpaste/gateway/drivers/local"
	"github.com/cloudpaste/cloudpaste/gateway/gatewaydb"
	"github.com/cloudpaste/cloudpaste/gateway/jobs"
	"github.com/cloudpaste/cloudpaste/gateway/jobs/handlers"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/proxysign"
	"github.com/cloudpaste/cloudpaste/gateway/quota"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/secrets"
	"github.com/cloudpaste/cloudpaste/gateway/uploads"
	"github.com/cloudpaste/cloudpaste/gateway/vfs"
	"github.com/cloudpaste/cloudpaste/gateway/web"
)

const adminToken = "test-admin-token"

type env struct {
	db      *gatewaydb.DB
	manager *mounts.Manager
	bus     *caches.Bus
	signer  *proxysign.Signer
	router  http.Handler
}

func newEnv(t *testing.T, ctx *testcontext.Context) *env {
	return newEnvWithLogger(t, ctx, zaptest.NewLogger(t))
}

func newEnvWithLogger(t *testing.T, ctx *testcontext.Context, log *zap.Logger) *env {
	db, err := gatewaydb.Open(ctx, log, gatewaydb.Config{Path: ctx.File("gateway.db")})
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	t.Cleanup(func() { _ = db.Close() })

	box, err := secrets.NewBox("test passphrase")
	require.NoError(t, err)
	bus := caches.NewBus()
	manager := mounts.NewManager(log, db.Mounts(), db.StorageConfigs(), box, bus)
	nodes := vfs.NewService(db.Nodes())
	guard := quota.NewGuard(log, db.Usage(), db.StorageConfigs(), manager, nodes)
	index := search.NewService(log, db.Search(), manager)
	uploadSvc := uploads.NewService(log, db.Uploads(), manager, guard, bus, index, uploads.Config{})

	registry := jobs.NewRegistry()
	jobSvc := jobs.NewService(log, db.Jobs(), registry)
	handlers.RegisterAll(registry, handlers.Deps{
		Log:     log,
		Manager: manager,
		Index:   index,
		Uploads: db.Uploads(),
		Guard:   guard,
		Bus:     bus,
	})

	signer := proxysign.NewSigner([]byte("proxy sign secret"))
	server := web.NewServer(log, nil, web.Config{
		AdminToken:        adminToken,
		DirCacheTTL:       30 * time.Second,
		DirCacheCapacity:  100,
		LinkCacheCapacity: 100,
	}, manager, uploadSvc, jobSvc, index, nodes, guard, bus, signer, nil)

	return &env{
		db:      db,
		manager: manager,
		bus:     bus,
		signer:  signer,
		router:  server.TestRouter(),
	}
}

type mountOptions struct {
	quotaBytes       int64
	webProxy         bool
	requireSignature bool
}

func (e *env) addLocalMount(t *testing.T, ctx *testcontext.Context, id, mountPath, basePath string, opts mountOptions) {
	require.NoError(t, e.db.StorageConfigs().Create(ctx, &mounts.StorageConfig{
		ID:         "cfg-" + id,
		Name:       id,
		Type:       drivers.TypeLocal,
		QuotaBytes: opts.quotaBytes,
		Settings:   map[string]string{"basePath": basePath},
	}))
	require.NoError(t, e.db.Mounts().Create(ctx, &mounts.Mount{
		ID:               id,
		Name:             id,
		MountPath:        mountPath,
		StorageConfigID:  "cfg-" + id,
		StorageType:      drivers.TypeLocal,
		IsActive:         true,
		CreatedByType:    auth.TypeAdmin,
		CreatedBy:        "admin",
		WebProxy:         opts.webProxy,
		RequireSignature: opts.requireSignature,
	}))
}

func (e *env) put(t *testing.T, ctx *testcontext.Context, configID, subPath, content string) {
	driver, err := e.manager.Driver(ctx, configID)
	require.NoError(t, err)
	_, err = driver.Put(ctx, subPath, strings.NewReader(content), int64(len(content)), "")
	require.NoError(t, err)
}

// envelope mirrors the wire response shape.
type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *env) request(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, target, reader)
	for key, value := range headers {
		r.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func asAdmin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + adminToken}
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success, body.Message)
	require.NoError(t, json.Unmarshal(body.Data, out))
}

func decodeFailure(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Success)
	return body
}

func TestAuthRequired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	rec := e.request(t, "GET", "/api/fs/list?path=/", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, string(apierrs.Forbidden), decodeFailure(t, rec).Code)

	rec = e.request(t, "GET", "/api/fs/list?path=/", nil,
		map[string]string{"Authorization": "Bearer wrong-token"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListAndNotModified(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})
	e.put(t, ctx, "cfg-m1", "/docs/a.txt", "hello")

	// The root listing is purely virtual.
	rec := e.request(t, "GET", "/api/fs/list?path=/", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var root struct {
		Items []struct {
			Name  string `json:"name"`
			IsDir bool   `json:"isDir"`
		} `json:"items"`
	}
	decodeData(t, rec, &root)
	require.Len(t, root.Items, 1)
	require.Equal(t, "files", root.Items[0].Name)
	require.True(t, root.Items[0].IsDir)

	rec = e.request(t, "GET", "/api/fs/list?path=/files/docs", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.True(t, strings.HasPrefix(etag, `W/"`))
	var listing struct {
		Items []struct {
			Name string `json:"name"`
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"items"`
	}
	decodeData(t, rec, &listing)
	require.Len(t, listing.Items, 1)
	require.Equal(t, "/files/docs/a.txt", listing.Items[0].Path)
	require.EqualValues(t, 5, listing.Items[0].Size)

	// The same tag comes back 304.
	headers := asAdmin()
	headers["If-None-Match"] = etag
	rec = e.request(t, "GET", "/api/fs/list?path=/files/docs", nil, headers)
	require.Equal(t, http.StatusNotModified, rec.Code)
}

func TestDownloadAndRanges(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})
	e.put(t, ctx, "cfg-m1", "/hello.txt", "hello, disk")

	rec := e.request(t, "GET", "/api/fs/download?path=/files/hello.txt", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello, disk", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))

	// Inline content keeps the browser disposition.
	rec = e.request(t, "GET", "/api/fs/content?path=/files/hello.txt", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), "inline")

	headers := asAdmin()
	headers["Range"] = "bytes=7-10"
	rec = e.request(t, "GET", "/api/fs/content?path=/files/hello.txt", nil, headers)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "disk", rec.Body.String())
	require.Equal(t, "bytes 7-10/11", rec.Header().Get("Content-Range"))

	headers["Range"] = "bytes=99-"
	rec = e.request(t, "GET", "/api/fs/content?path=/files/hello.txt", nil, headers)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	require.Equal(t, "bytes */11", rec.Header().Get("Content-Range"))

	rec = e.request(t, "GET", "/api/fs/download?path=/files/missing.txt", nil, asAdmin())
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRenameAndBatchRemove(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})
	e.put(t, ctx, "cfg-m1", "/a.txt", "a")
	e.put(t, ctx, "cfg-m1", "/b.txt", "b")

	// Prime the listing cache so the rename has something to
	// invalidate.
	rec := e.request(t, "GET", "/api/fs/list?path=/files", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.request(t, "POST", "/api/fs/rename",
		map[string]string{"oldPath": "/files/a.txt", "newPath": "/files/renamed.txt"}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.request(t, "GET", "/api/fs/list?path=/files", nil, asAdmin())
	var listing struct {
		Items []struct {
			Name string `json:"name"`
		} `json:"items"`
	}
	decodeData(t, rec, &listing)
	names := make([]string, 0, len(listing.Items))
	for _, item := range listing.Items {
		names = append(names, item.Name)
	}
	require.Contains(t, names, "renamed.txt")
	require.NotContains(t, names, "a.txt")

	// Cross-mount renames are refused.
	e.addLocalMount(t, ctx, "m2", "/other", ctx.Dir("m2"), mountOptions{})
	rec = e.request(t, "POST", "/api/fs/rename",
		map[string]string{"oldPath": "/files/renamed.txt", "newPath": "/other/renamed.txt"}, asAdmin())
	require.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = e.request(t, "DELETE", "/api/fs/batch-remove",
		map[string][]string{"paths": {"/files/b.txt", "/files/nope.txt"}}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var removed struct {
		Results []struct {
			Path    string `json:"path"`
			Success bool   `json:"success"`
			Code    string `json:"code"`
		} `json:"results"`
		Failed int `json:"failed"`
	}
	decodeData(t, rec, &removed)
	require.Equal(t, 1, removed.Failed)
	require.True(t, removed.Results[0].Success)
	require.False(t, removed.Results[1].Success)
	require.Equal(t, string(apierrs.NotFound), removed.Results[1].Code)

	// Every write left a dirty row behind for the indexer.
	dirty, err := e.db.Search().CountDirty(ctx)
	require.NoError(t, err)
	require.True(t, dirty >= 3)
}

func TestMultipartUploadOverHTTP(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})

	content := []byte("0123456789abcdef")

	rec := e.request(t, "POST", "/api/fs/multipart/init", map[string]any{
		"path":     "/files",
		"fileName": "big.bin",
		"fileSize": 16,
		"partSize": 8,
	}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var initData struct {
		Session struct {
			UploadID   string `json:"uploadId"`
			TotalParts int    `json:"totalParts"`
			Strategy   string `json:"strategy"`
		} `json:"session"`
		UploadURL string `json:"uploadUrl"`
	}
	decodeData(t, rec, &initData)
	require.Equal(t, 2, initData.Session.TotalParts)
	require.Equal(t, "single_session", initData.Session.Strategy)
	require.NotEmpty(t, initData.UploadURL)
	id := initData.Session.UploadID

	chunkURL := "/api/fs/multipart/upload-chunk?upload_id=" + id
	for _, chunk := range []struct {
		data        []byte
		rangeHeader string
	}{
		{content[:8], "bytes 0-7/16"},
		{content[8:], "bytes 8-15/16"},
	} {
		headers := asAdmin()
		headers["Content-Range"] = chunk.rangeHeader
		rec = e.request(t, "PUT", chunkURL, chunk.data, headers)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// The ledger knows both parts.
	rec = e.request(t, "POST", "/api/fs/multipart/list-parts",
		map[string]string{"uploadId": id}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var partsData struct {
		Parts []struct {
			PartNo int   `json:"partNo"`
			Size   int64 `json:"size"`
		} `json:"parts"`
	}
	decodeData(t, rec, &partsData)
	require.Len(t, partsData.Parts, 2)

	rec = e.request(t, "POST", "/api/fs/multipart/complete",
		map[string]any{"uploadId": id, "fileSize": 16}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var completeData struct {
		StoragePath string `json:"storagePath"`
	}
	decodeData(t, rec, &completeData)
	require.Equal(t, "/big.bin", completeData.StoragePath)

	rec = e.request(t, "GET", "/api/fs/download?path=/files/big.bin", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, content, rec.Body.Bytes())
}

func TestMultipartQuotaExceeded(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{quotaBytes: 100})

	rec := e.request(t, "POST", "/api/fs/multipart/init", map[string]any{
		"path":     "/files",
		"fileName": "big.bin",
		"fileSize": 1000,
	}, asAdmin())
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, string(apierrs.QuotaExceeded), decodeFailure(t, rec).Code)
}

func TestMultipartAbortOverHTTP(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})

	rec := e.request(t, "POST", "/api/fs/multipart/init", map[string]any{
		"path":     "/files",
		"fileName": "a.bin",
		"fileSize": 16,
	}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var initData struct {
		Session struct {
			UploadID string `json:"uploadId"`
		} `json:"session"`
	}
	decodeData(t, rec, &initData)

	rec = e.request(t, "POST", "/api/fs/multipart/abort",
		map[string]string{"uploadId": initData.Session.UploadID}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)

	// The aborted session shows up terminal in list-uploads.
	rec = e.request(t, "POST", "/api/fs/multipart/list-uploads",
		map[string]string{"path": "/files"}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var listData struct {
		Uploads []struct {
			Status string `json:"status"`
		} `json:"uploads"`
	}
	decodeData(t, rec, &listData)
	require.Len(t, listData.Uploads, 1)
	require.Equal(t, "aborted", listData.Uploads[0].Status)
}

func TestPresignCommit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})

	// The local backend cannot mint provider URLs.
	rec := e.request(t, "POST", "/api/fs/presign", map[string]any{
		"path":     "/files",
		"fileName": "up.bin",
		"fileSize": 123,
	}, asAdmin())
	require.Equal(t, http.StatusNotImplemented, rec.Code)
	require.Equal(t, string(apierrs.NotSupported), decodeFailure(t, rec).Code)

	// Commit still records gateway-side metadata for backends that
	// accept direct PUTs.
	rec = e.request(t, "POST", "/api/fs/presign/commit", map[string]any{
		"targetPath": "/files/docs/up.bin",
		"mountId":    "m1",
		"fileSize":   123,
		"etag":       "abc",
	}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var commit struct {
		NodeID     string `json:"nodeId"`
		TargetPath string `json:"targetPath"`
		Size       int64  `json:"size"`
	}
	decodeData(t, rec, &commit)
	require.NotEmpty(t, commit.NodeID)
	require.EqualValues(t, 123, commit.Size)

	used, err := e.db.Nodes().UsedBytes(ctx, "cfg-m1")
	require.NoError(t, err)
	require.EqualValues(t, 123, used)

	dirty, err := e.db.Search().CountDirty(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, dirty)
}

func TestSignedProxy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"),
		mountOptions{webProxy: true, requireSignature: true})
	e.addLocalMount(t, ctx, "m2", "/plain", ctx.Dir("m2"), mountOptions{})
	e.put(t, ctx, "cfg-m1", "/video/seg0.ts", "segment-bytes")
	e.put(t, ctx, "cfg-m2", "/x.txt", "x")

	// No signature.
	rec := e.request(t, "GET", "/p/files/video/seg0.ts", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Expired signature.
	expired := e.signer.Sign("/files/video/seg0.ts", time.Now().Add(-time.Minute).UnixMilli())
	rec = e.request(t, "GET", "/p/files/video/seg0.ts?sign="+url.QueryEscape(expired), nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signature for another path.
	wrong := e.signer.Sign("/files/video/other.ts", time.Now().Add(time.Hour).UnixMilli())
	rec = e.request(t, "GET", "/p/files/video/seg0.ts?sign="+url.QueryEscape(wrong), nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid signature streams the content.
	sig := e.signer.Sign("/files/video/seg0.ts", time.Now().Add(time.Hour).UnixMilli())
	rec = e.request(t, "GET", "/p/files/video/seg0.ts?sign="+url.QueryEscape(sig), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "segment-bytes", rec.Body.String())

	// Mounts outside the proxy refuse /p/ entirely.
	rec = e.request(t, "GET", "/p/plain/x.txt", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProxyAuditReasons(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	core, logs := observer.New(zap.InfoLevel)
	e := newEnvWithLogger(t, ctx, zap.New(core))
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"),
		mountOptions{webProxy: true, requireSignature: true})
	e.put(t, ctx, "cfg-m1", "/video/seg0.ts", "segment-bytes")

	auditReason := func() string {
		entries := logs.FilterMessage("proxy request").TakeAll()
		require.NotEmpty(t, entries)
		fields := entries[len(entries)-1].ContextMap()
		return fields["reason"].(string)
	}

	tampered := e.signer.Sign("/files/video/seg0.ts", time.Now().Add(time.Hour).UnixMilli()) + "x"
	rec := e.request(t, "GET", "/p/files/video/seg0.ts?sign="+url.QueryEscape(tampered), nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "invalid_signature", auditReason())

	rec = e.request(t, "GET", "/p/files/video/seg0.ts", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "signature_required", auditReason())

	rec = e.request(t, "GET", "/p/nowhere/x.txt", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "mount_not_found", auditReason())

	sig := e.signer.Sign("/files/video/seg0.ts", time.Now().Add(time.Hour).UnixMilli())
	rec = e.request(t, "GET", "/p/files/video/seg0.ts?sign="+url.QueryEscape(sig), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", auditReason())
}

func TestProxyPlaylistRewrite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"),
		mountOptions{webProxy: true, requireSignature: true})

	playlist := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXTINF:4.0,\n" +
		"seg0.ts\n" +
		"#EXTINF:4.0,\n" +
		"https://cdn.example.com/seg1.ts\n" +
		"#EXT-X-ENDLIST\n"
	e.put(t, ctx, "cfg-m1", "/video/index.m3u8", playlist)
	e.put(t, ctx, "cfg-m1", "/video/seg0.ts", "segment-bytes")

	sig := e.signer.Sign("/files/video/index.m3u8", time.Now().Add(time.Hour).UnixMilli())
	rec := e.request(t, "GET", "/p/files/video/index.m3u8?sign="+url.QueryEscape(sig), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	// Relative children are signed in place, remote ones untouched.
	require.Contains(t, body, "seg0.ts?sign=")
	require.Contains(t, body, "https://cdn.example.com/seg1.ts\n")
	require.NotContains(t, body, "cdn.example.com/seg1.ts?sign=")

	// The minted child link works as-is.
	var childURI string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "seg0.ts?") {
			childURI = line
			break
		}
	}
	require.NotEmpty(t, childURI)
	query, err := url.ParseQuery(childURI[strings.Index(childURI, "?")+1:])
	require.NoError(t, err)
	childSig := query.Get("sign")
	require.NotEmpty(t, childSig)

	rec = e.request(t, "GET", "/p/files/video/seg0.ts?sign="+url.QueryEscape(childSig), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "segment-bytes", rec.Body.String())
}

func TestSearchEndpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})

	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < 3; i++ {
		require.NoError(t, e.db.Search().UpsertEntry(ctx, &search.Entry{
			MountID:    "m1",
			FsPath:     fmt.Sprintf("/files/report-%d.txt", i),
			Name:       fmt.Sprintf("report-%d.txt", i),
			ModifiedMs: base + int64(i)*1000,
		}))
	}

	rec := e.request(t, "GET", "/api/fs/search?q=report&limit=2", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Entries []struct {
			Name string `json:"name"`
			Path string `json:"path"`
		} `json:"entries"`
		NextCursor string `json:"nextCursor"`
	}
	decodeData(t, rec, &page)
	require.Len(t, page.Entries, 2)
	require.Equal(t, "report-2.txt", page.Entries[0].Name)
	require.NotEmpty(t, page.NextCursor)

	rec = e.request(t, "GET", "/api/fs/search?q=report&limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &page)
	require.Len(t, page.Entries, 1)
	require.Equal(t, "report-0.txt", page.Entries[0].Name)

	// Too-short queries fail validation.
	rec = e.request(t, "GET", "/api/fs/search?q=ab", nil, asAdmin())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsEndpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})

	payload := map[string]any{
		"items": []map[string]string{
			{"sourcePath": "/files/a", "targetPath": "/files/b"},
		},
	}

	// Anonymous callers cannot enqueue copies.
	rec := e.request(t, "POST", "/api/fs/jobs",
		map[string]any{"taskType": "copy", "payload": payload}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.request(t, "POST", "/api/fs/jobs",
		map[string]any{"taskType": "copy", "payload": payload}, asAdmin())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	decodeData(t, rec, &created)
	require.NotEmpty(t, created.JobID)
	require.Equal(t, "pending", created.Status)

	rec = e.request(t, "GET", "/api/fs/jobs?taskType=copy", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var listData struct {
		Jobs []struct {
			JobID string `json:"jobId"`
		} `json:"jobs"`
	}
	decodeData(t, rec, &listData)
	require.Len(t, listData.Jobs, 1)

	rec = e.request(t, "POST", "/api/fs/jobs/"+created.JobID+"/cancel", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.request(t, "GET", "/api/fs/jobs/"+created.JobID, nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Status         string `json:"status"`
		AllowedActions struct {
			CanCancel bool `json:"canCancel"`
		} `json:"allowedActions"`
	}
	decodeData(t, rec, &got)
	require.Equal(t, "cancelled", got.Status)
	require.False(t, got.AllowedActions.CanCancel)

	rec = e.request(t, "DELETE", "/api/fs/jobs/"+created.JobID, nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.request(t, "GET", "/api/fs/jobs/"+created.JobID, nil, asAdmin())
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminIndexEndpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})

	// Index administration is admin-only.
	rec := e.request(t, "GET", "/api/admin/fs/index/status", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.request(t, "GET", "/api/admin/fs/index/status", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Mounts         []any  `json:"mounts"`
		Dirty          int64  `json:"dirty"`
		Recommendation string `json:"recommendation"`
	}
	decodeData(t, rec, &status)
	require.Equal(t, "none", status.Recommendation)

	rec = e.request(t, "POST", "/api/admin/fs/index/rebuild", nil, asAdmin())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var rebuild struct {
		JobIDs []string `json:"jobIds"`
	}
	decodeData(t, rec, &rebuild)
	require.Len(t, rebuild.JobIDs, 1)

	rec = e.request(t, "POST", "/api/admin/fs/index/apply-dirty", nil, asAdmin())
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.request(t, "POST", "/api/admin/fs/index/clear",
		map[string][]string{"mountIds": {"m1"}}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetStatsFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)
	e.addLocalMount(t, ctx, "m1", "/files", ctx.Dir("m1"), mountOptions{})
	e.put(t, ctx, "cfg-m1", "/a.txt", "abc")

	rec := e.request(t, "GET", "/api/fs/get?path=/files/a.txt", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	var item struct {
		Name  string `json:"name"`
		Path  string `json:"path"`
		IsDir bool   `json:"isDir"`
		Size  int64  `json:"size"`
	}
	decodeData(t, rec, &item)
	require.Equal(t, "a.txt", item.Name)
	require.Equal(t, "/files/a.txt", item.Path)
	require.EqualValues(t, 3, item.Size)

	// The local backend cannot mint direct links.
	rec = e.request(t, "GET", "/api/fs/file-link?path=/files/a.txt", nil, asAdmin())
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}
