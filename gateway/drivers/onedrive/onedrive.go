// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package onedrive implements the storage driver over the Microsoft
// Graph drive API. Large uploads go through resumable upload sessions
// proxied by the gateway.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/streams"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// Error is the class for onedrive driver errors.
var Error = errs.Class("onedrivedriver")

func init() {
	drivers.Register(drivers.TypeOneDrive, New)
}

const graphBase = "https://graph.microsoft.com/v1.0"

// Driver talks to one drive through the Graph API.
type Driver struct {
	log    *zap.Logger
	config drivers.Config
	base   string // drive root url
	client *http.Client
}

// New constructs the driver. Required settings: clientId, clientSecret,
// refreshToken; optional: tenantId (default common), driveId.
func New(log *zap.Logger, config drivers.Config) (drivers.Driver, error) {
	clientID := config.Setting("clientId", "")
	clientSecret := config.Setting("clientSecret", "")
	refreshToken := config.Setting("refreshToken", "")
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, Error.New("clientId, clientSecret and refreshToken settings are required")
	}
	tenant := config.Setting("tenantId", "common")

	oauthConfig := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/authorize",
			TokenURL: "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token",
		},
		Scopes: []string{"Files.ReadWrite.All", "offline_access"},
	}
	client := oauth2.NewClient(context.Background(),
		oauthConfig.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refreshToken}))
	client.Timeout = 5 * time.Minute

	base := graphBase + "/me/drive"
	if driveID := config.Setting("driveId", ""); driveID != "" {
		base = graphBase + "/drives/" + driveID
	}
	return &Driver{log: log, config: config, base: base, client: client}, nil
}

// Type implements drivers.Driver.
func (d *Driver) Type() string { return drivers.TypeOneDrive }

// Capabilities implements drivers.Driver.
func (d *Driver) Capabilities() drivers.Capability {
	return drivers.CapReader | drivers.CapWriter | drivers.CapMultipart |
		drivers.CapProxy | drivers.CapPagedList | drivers.CapRange | drivers.CapSearch
}

// StorageFirst implements drivers.Driver.
func (d *Driver) StorageFirst() bool { return true }

// itemURL addresses a drive item by path; suffix is a colon-escaped
// sub-resource like ":/children".
func (d *Driver) itemURL(subPath, suffix string) string {
	rel := strings.TrimPrefix(strings.TrimSuffix(subPath, "/"), "/")
	if prefix := strings.Trim(d.config.RootPrefix, "/"); prefix != "" {
		if rel == "" {
			rel = prefix
		} else {
			rel = prefix + "/" + rel
		}
	}
	if rel == "" {
		if suffix == "" {
			return d.base + "/root"
		}
		return d.base + "/root" + strings.TrimPrefix(suffix, ":")
	}
	escaped := (&url.URL{Path: rel}).EscapedPath()
	return d.base + "/root:/" + escaped + suffix
}

type driveItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ETag         string `json:"eTag"`
	LastModified string `json:"lastModifiedDateTime"`
	DownloadURL  string `json:"@microsoft.graph.downloadUrl"`
	Folder       *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
}

func (di driveItem) item(base string) drivers.Item {
	childPath, err := vpath.Join(strings.TrimSuffix(base, "/"), di.Name, false)
	if err != nil {
		childPath = base
	}
	item := drivers.Item{
		Name:  di.Name,
		Path:  childPath,
		IsDir: di.Folder != nil,
		ETag:  strings.Trim(di.ETag, `"`),
	}
	if di.File != nil {
		item.Size = di.Size
		item.MimeType = di.File.MimeType
	}
	if t, err := time.Parse(time.RFC3339, di.LastModified); err == nil {
		item.Modified = t
	}
	return item
}

func (d *Driver) request(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
	return resp, nil
}

func (d *Driver) requestJSON(ctx context.Context, method, target string, body io.Reader, out any) error {
	resp, err := d.request(ctx, method, target, body, "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return drivers.ClassifyStatus(resp.StatusCode, Error.New("%s %s: %s", method, target, resp.Status))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return Error.Wrap(json.NewDecoder(resp.Body).Decode(out))
}

// List implements drivers.Driver. The cursor is Graph's opaque
// nextLink URL.
func (d *Driver) List(ctx context.Context, subPath string, opts drivers.ListOptions) (*drivers.Listing, error) {
	target := d.itemURL(subPath, ":/children")
	if opts.PageSize > 0 {
		target += "?$top=" + strconv.Itoa(opts.PageSize)
	}
	if opts.Cursor != "" {
		target = opts.Cursor
	}

	var page struct {
		Value    []driveItem `json:"value"`
		NextLink string      `json:"@odata.nextLink"`
	}
	if err := d.requestJSON(ctx, http.MethodGet, target, nil, &page); err != nil {
		return nil, err
	}

	listing := &drivers.Listing{Path: subPath, NextCursor: page.NextLink}
	for _, di := range page.Value {
		listing.Items = append(listing.Items, di.item(subPath))
	}
	return listing, nil
}

// Stat implements drivers.Driver.
func (d *Driver) Stat(ctx context.Context, subPath string) (*drivers.Item, error) {
	di, err := d.stat(ctx, subPath)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSuffix(subPath, "/")
	parent := vpath.Root
	if idx := strings.LastIndex(trimmed, "/"); idx > 0 {
		parent = trimmed[:idx]
	}
	item := di.item(parent)
	if trimmed == "" || trimmed == vpath.Root {
		item.Path = vpath.Root
	} else {
		item.Path = trimmed
	}
	return &item, nil
}

func (d *Driver) stat(ctx context.Context, subPath string) (*driveItem, error) {
	var di driveItem
	if err := d.requestJSON(ctx, http.MethodGet, d.itemURL(subPath, ""), nil, &di); err != nil {
		return nil, err
	}
	return &di, nil
}

// Download implements drivers.Driver using the item's pre-authenticated
// download URL, which accepts Range without a bearer token.
func (d *Driver) Download(ctx context.Context, subPath string) (*streams.Descriptor, error) {
	di, err := d.stat(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if di.Folder != nil {
		return nil, apierrs.ErrValidation.Wrap(Error.New("cannot download a directory"))
	}
	if di.DownloadURL == "" {
		return nil, apierrs.ErrDriver.Wrap(Error.New("item has no download url"))
	}
	item := di.item(vpath.Root)

	open := func(ctx context.Context, rangeHeader string) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, di.DownloadURL, nil)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, apierrs.ErrDriver.Wrap(Error.Wrap(err))
		}
		if resp.StatusCode >= 400 {
			_ = resp.Body.Close()
			return nil, drivers.ClassifyStatus(resp.StatusCode, Error.New("download: %s", resp.Status))
		}
		return resp.Body, nil
	}

	return &streams.Descriptor{
		Size:          item.Size,
		ContentType:   item.MimeType,
		ETag:          item.ETag,
		LastModified:  item.Modified,
		SupportsRange: true,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return open(ctx, "")
		},
		OpenRange: func(ctx context.Context, start, length int64) (io.ReadCloser, error) {
			br := streams.ByteRange{Start: start, Length: length}
			return open(ctx, "bytes="+strconv.FormatInt(br.Start, 10)+"-"+strconv.FormatInt(br.End(), 10))
		},
	}, nil
}

// Put implements drivers.Driver for small single-shot uploads.
func (d *Driver) Put(ctx context.Context, subPath string, body io.Reader, size int64, contentType string) (*drivers.PutResult, error) {
	resp, err := d.request(ctx, http.MethodPut, d.itemURL(subPath, ":/content"), body, contentType)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, drivers.ClassifyStatus(resp.StatusCode, Error.New("put: %s", resp.Status))
	}

	var di driveItem
	if err := json.NewDecoder(resp.Body).Decode(&di); err != nil {
		return nil, apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
	return &drivers.PutResult{
		StoragePath: strings.TrimSuffix(subPath, "/"),
		ETag:        strings.Trim(di.ETag, `"`),
		Size:        di.Size,
	}, nil
}

// Mkdir implements drivers.Driver.
func (d *Driver) Mkdir(ctx context.Context, subPath string) error {
	trimmed := strings.TrimSuffix(subPath, "/")
	parent, name := path.Split(trimmed)
	body, _ := json.Marshal(map[string]any{
		"name":                              strings.Trim(name, "/"),
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	})
	err := d.requestJSON(ctx, http.MethodPost, d.itemURL(strings.TrimSuffix(parent, "/"), ":/children"), bytes.NewReader(body), nil)
	if apierrs.KindOf(err) == apierrs.Conflict {
		return nil
	}
	return err
}

// Remove implements drivers.Driver.
func (d *Driver) Remove(ctx context.Context, subPath string) error {
	return d.requestJSON(ctx, http.MethodDelete, d.itemURL(subPath, ""), nil, nil)
}

// Rename implements drivers.Driver. Moves within the drive patch the
// parent reference.
func (d *Driver) Rename(ctx context.Context, oldSub, newSub string) error {
	if exists, err := drivers.Exists(ctx, d, newSub); err != nil {
		return err
	} else if exists {
		return apierrs.ErrConflict.Wrap(Error.New("target already exists"))
	}

	newDir, newName := path.Split(strings.TrimSuffix(newSub, "/"))
	patch := map[string]any{"name": strings.Trim(newName, "/")}
	oldDir, _ := path.Split(strings.TrimSuffix(oldSub, "/"))
	if oldDir != newDir {
		parent, err := d.stat(ctx, strings.TrimSuffix(newDir, "/"))
		if err != nil {
			return err
		}
		patch["parentReference"] = map[string]any{"id": parent.ID}
	}
	body, _ := json.Marshal(patch)
	return d.requestJSON(ctx, http.MethodPatch, d.itemURL(oldSub, ""), bytes.NewReader(body), nil)
}

// Copy implements drivers.Driver. Graph copies run asynchronously
// provider-side; acceptance counts as success.
func (d *Driver) Copy(ctx context.Context, srcSub, dstSub string, opts drivers.CopyOptions) (drivers.CopyResult, error) {
	if opts.SkipExisting {
		exists, err := drivers.Exists(ctx, d, dstSub)
		if err != nil {
			return drivers.CopyResult{Status: drivers.CopyFailed}, err
		}
		if exists {
			return drivers.CopyResult{Status: drivers.CopySkipped, Reason: "target exists"}, nil
		}
	}

	dstDir, dstName := path.Split(strings.TrimSuffix(dstSub, "/"))
	parent, err := d.stat(ctx, strings.TrimSuffix(dstDir, "/"))
	if err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, err
	}
	body, _ := json.Marshal(map[string]any{
		"name":            strings.Trim(dstName, "/"),
		"parentReference": map[string]any{"id": parent.ID},
	})
	err = d.requestJSON(ctx, http.MethodPost, d.itemURL(srcSub, ":/copy"), bytes.NewReader(body), nil)
	if err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, err
	}
	return drivers.CopyResult{Status: drivers.CopySuccess}, nil
}

// Strategy implements drivers.Multiparter: chunks flow through the
// gateway into one Graph upload session.
func (d *Driver) Strategy() drivers.Strategy { return drivers.StrategySingleSession }

// MultipartInit implements drivers.Multiparter.
func (d *Driver) MultipartInit(ctx context.Context, subPath string, fileSize, partSize int64, contentType string) (*drivers.ProviderUpload, error) {
	body, _ := json.Marshal(map[string]any{
		"item": map[string]any{"@microsoft.graph.conflictBehavior": "replace"},
	})
	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	err := d.requestJSON(ctx, http.MethodPost, d.itemURL(subPath, ":/createUploadSession"), bytes.NewReader(body), &session)
	if err != nil {
		return nil, err
	}
	if session.UploadURL == "" {
		return nil, apierrs.ErrDriver.Wrap(Error.New("no upload url in session"))
	}
	return &drivers.ProviderUpload{
		UploadURL:  session.UploadURL,
		PartPolicy: drivers.PartsClientKeeps,
	}, nil
}

// MultipartSign implements drivers.Multiparter; session chunks are
// proxied.
func (d *Driver) MultipartSign(ctx context.Context, subPath string, upload *drivers.ProviderUpload, partNumbers []int, expires time.Duration) ([]drivers.SignedPartURL, error) {
	return nil, apierrs.ErrNotSupported.Wrap(Error.New("onedrive uploads are proxied"))
}

// MultipartPut implements drivers.Multiparter. The session URL is
// pre-authenticated; the final chunk returns the created item.
func (d *Driver) MultipartPut(ctx context.Context, upload *drivers.ProviderUpload, body io.Reader, cr streams.ContentRange) (*drivers.ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, upload.UploadURL, body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.ContentLength = cr.Length()
	total := "*"
	if cr.Total >= 0 {
		total = strconv.FormatInt(cr.Total, 10)
	}
	req.Header.Set("Content-Range",
		"bytes "+strconv.FormatInt(cr.Start, 10)+"-"+strconv.FormatInt(cr.End, 10)+"/"+total)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, drivers.ClassifyStatus(resp.StatusCode, Error.New("chunk: %s", resp.Status))
	}

	result := &drivers.ChunkResult{BytesCommitted: cr.Length()}
	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var di driveItem
		if err := json.NewDecoder(resp.Body).Decode(&di); err == nil && di.ID != "" {
			result.Completed = true
			result.FinalETag = strings.Trim(di.ETag, `"`)
		}
	}
	return result, nil
}

// MultipartList implements drivers.Multiparter; the ledger is
// authoritative for proxied uploads.
func (d *Driver) MultipartList(ctx context.Context, subPath string, upload *drivers.ProviderUpload) ([]drivers.ProviderPart, error) {
	return nil, apierrs.ErrNotSupported.Wrap(Error.New("onedrive keeps no provider part list"))
}

// MultipartComplete implements drivers.Multiparter. The session
// finishes with its last chunk; completion verifies the item landed.
func (d *Driver) MultipartComplete(ctx context.Context, subPath string, upload *drivers.ProviderUpload, parts []drivers.ProviderPart) (*drivers.PutResult, error) {
	di, err := d.stat(ctx, subPath)
	if err != nil {
		return nil, err
	}
	return &drivers.PutResult{
		StoragePath: strings.TrimSuffix(subPath, "/"),
		ETag:        strings.Trim(di.ETag, `"`),
		Size:        di.Size,
	}, nil
}

// MultipartAbort implements drivers.Multiparter.
func (d *Driver) MultipartAbort(ctx context.Context, subPath string, upload *drivers.ProviderUpload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, upload.UploadURL, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return drivers.ClassifyStatus(resp.StatusCode, Error.New("abort: %s", resp.Status))
	}
	return nil
}
