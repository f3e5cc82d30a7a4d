// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package webdav implements the storage driver over a WebDAV server
// using PROPFIND/MKCOL/MOVE/COPY verbs.
package webdav

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/streams"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// Error is the class for webdav driver errors.
var Error = errs.Class("webdavdriver")

func init() {
	drivers.Register(drivers.TypeWebDAV, New)
}

// Driver talks to one WebDAV endpoint with basic auth.
type Driver struct {
	log      *zap.Logger
	config   drivers.Config
	endpoint *url.URL
	username string
	password string
	client   *http.Client
}

// New constructs the driver. Required settings: endpoint; username and
// password are optional.
func New(log *zap.Logger, config drivers.Config) (drivers.Driver, error) {
	raw := config.Setting("endpoint", "")
	if raw == "" {
		return nil, Error.New("endpoint setting is required")
	}
	endpoint, err := url.Parse(raw)
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") {
		return nil, Error.New("endpoint must be an http(s) url")
	}
	return &Driver{
		log:      log,
		config:   config,
		endpoint: endpoint,
		username: config.Setting("username", ""),
		password: config.Setting("password", ""),
		client:   &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// Type implements drivers.Driver.
func (d *Driver) Type() string { return drivers.TypeWebDAV }

// Capabilities implements drivers.Driver.
func (d *Driver) Capabilities() drivers.Capability {
	return drivers.CapReader | drivers.CapWriter | drivers.CapProxy |
		drivers.CapRange | drivers.CapSearch
}

// StorageFirst implements drivers.Driver.
func (d *Driver) StorageFirst() bool { return true }

func (d *Driver) href(subPath string, dir bool) string {
	rel := strings.TrimPrefix(strings.TrimSuffix(subPath, "/"), "/")
	if prefix := strings.Trim(d.config.RootPrefix, "/"); prefix != "" {
		rel = prefix + "/" + rel
	}
	u := *d.endpoint
	u.Path = path.Join(u.Path, rel)
	if dir && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}

func (d *Driver) do(ctx context.Context, method, target string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if d.username != "" {
		req.SetBasicAuth(d.username, d.password)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
	return resp, nil
}

func classify(resp *http.Response, context string) error {
	if resp.StatusCode < 400 {
		return nil
	}
	err := Error.New("%s: %s", context, resp.Status)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apierrs.ErrDriver.Wrap(err)
	default:
		return drivers.ClassifyStatus(resp.StatusCode, err)
	}
}

// multistatus is the PROPFIND response envelope.
type multistatus struct {
	XMLName   xml.Name   `xml:"multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href  string `xml:"href"`
	Props []prop `xml:"propstat>prop"`
}

type prop struct {
	DisplayName  string        `xml:"displayname"`
	LastModified string        `xml:"getlastmodified"`
	Length       int64         `xml:"getcontentlength"`
	ContentType  string        `xml:"getcontenttype"`
	ETag         string        `xml:"getetag"`
	ResourceType *resourceType `xml:"resourcetype"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:displayname/><d:getlastmodified/><d:getcontentlength/>
    <d:getcontenttype/><d:getetag/><d:resourcetype/>
  </d:prop>
</d:propfind>`

func (d *Driver) propfind(ctx context.Context, subPath string, depth string) (*multistatus, error) {
	resp, err := d.do(ctx, "PROPFIND", d.href(subPath, true), strings.NewReader(propfindBody), map[string]string{
		"Depth":        depth,
		"Content-Type": "application/xml",
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classify(resp, "propfind"); err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
	return &ms, nil
}

func (r response) item(base string) (drivers.Item, bool) {
	decoded, err := url.PathUnescape(r.Href)
	if err != nil {
		decoded = r.Href
	}
	name := path.Base(strings.TrimSuffix(decoded, "/"))
	if name == "" || name == "." {
		return drivers.Item{}, false
	}
	childPath, err := vpath.Join(strings.TrimSuffix(base, "/"), name, false)
	if err != nil {
		return drivers.Item{}, false
	}

	item := drivers.Item{Name: name, Path: childPath}
	for _, p := range r.Props {
		if p.ResourceType != nil && p.ResourceType.Collection != nil {
			item.IsDir = true
		}
		if p.Length > 0 {
			item.Size = p.Length
		}
		if p.ContentType != "" {
			item.MimeType = p.ContentType
		}
		if p.ETag != "" {
			item.ETag = strings.Trim(p.ETag, `"`)
		}
		if p.LastModified != "" {
			if t, err := http.ParseTime(p.LastModified); err == nil {
				item.Modified = t
			}
		}
	}
	return item, true
}

// List implements drivers.Driver via PROPFIND depth 1. The first
// response entry is the directory itself and is dropped.
func (d *Driver) List(ctx context.Context, subPath string, opts drivers.ListOptions) (*drivers.Listing, error) {
	ms, err := d.propfind(ctx, subPath, "1")
	if err != nil {
		return nil, err
	}

	listing := &drivers.Listing{Path: subPath}
	self := strings.TrimSuffix(d.hrefPath(subPath), "/")
	for _, resp := range ms.Responses {
		decoded, err := url.PathUnescape(resp.Href)
		if err != nil {
			decoded = resp.Href
		}
		if strings.TrimSuffix(decoded, "/") == self {
			continue
		}
		if item, ok := resp.item(subPath); ok {
			listing.Items = append(listing.Items, item)
		}
	}
	return listing, nil
}

func (d *Driver) hrefPath(subPath string) string {
	u, _ := url.Parse(d.href(subPath, true))
	return u.Path
}

// Stat implements drivers.Driver via PROPFIND depth 0.
func (d *Driver) Stat(ctx context.Context, subPath string) (*drivers.Item, error) {
	ms, err := d.propfind(ctx, subPath, "0")
	if err != nil {
		return nil, err
	}
	if len(ms.Responses) == 0 {
		return nil, apierrs.ErrNotFound.Wrap(Error.New("no propfind response"))
	}

	trimmed := strings.TrimSuffix(subPath, "/")
	parent := vpath.Root
	if idx := strings.LastIndex(trimmed, "/"); idx > 0 {
		parent = trimmed[:idx]
	}
	item, ok := ms.Responses[0].item(parent)
	if !ok {
		return nil, apierrs.ErrNotFound.Wrap(Error.New("unparseable propfind response"))
	}
	if trimmed == "" || trimmed == vpath.Root {
		item.Path = vpath.Root
	} else {
		item.Path = trimmed
	}
	return &item, nil
}

// Download implements drivers.Driver.
func (d *Driver) Download(ctx context.Context, subPath string) (*streams.Descriptor, error) {
	item, err := d.Stat(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if item.IsDir {
		return nil, apierrs.ErrValidation.Wrap(Error.New("cannot download a directory"))
	}
	target := d.href(subPath, false)

	open := func(ctx context.Context, rangeHeader string) (io.ReadCloser, error) {
		headers := map[string]string{}
		if rangeHeader != "" {
			headers["Range"] = rangeHeader
		}
		resp, err := d.do(ctx, http.MethodGet, target, nil, headers)
		if err != nil {
			return nil, err
		}
		if err := classify(resp, "get"); err != nil {
			_ = resp.Body.Close()
			return nil, err
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

// Put implements drivers.Driver.
func (d *Driver) Put(ctx context.Context, subPath string, body io.Reader, size int64, contentType string) (*drivers.PutResult, error) {
	headers := map[string]string{}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	resp, err := d.do(ctx, http.MethodPut, d.href(subPath, false), body, headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classify(resp, "put"); err != nil {
		return nil, err
	}
	return &drivers.PutResult{
		StoragePath: strings.TrimSuffix(subPath, "/"),
		ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
		Size:        size,
	}, nil
}

// Mkdir implements drivers.Driver via MKCOL.
func (d *Driver) Mkdir(ctx context.Context, subPath string) error {
	resp, err := d.do(ctx, "MKCOL", d.href(subPath, true), nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		// Collection already exists.
		return nil
	}
	return classify(resp, "mkcol")
}

// Remove implements drivers.Driver.
func (d *Driver) Remove(ctx context.Context, subPath string) error {
	resp, err := d.do(ctx, http.MethodDelete, d.href(subPath, false), nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return classify(resp, "delete")
}

// Rename implements drivers.Driver via MOVE without overwrite.
func (d *Driver) Rename(ctx context.Context, oldSub, newSub string) error {
	resp, err := d.do(ctx, "MOVE", d.href(oldSub, false), nil, map[string]string{
		"Destination": d.href(newSub, false),
		"Overwrite":   "F",
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusPreconditionFailed {
		return apierrs.ErrConflict.Wrap(Error.New("target already exists"))
	}
	return classify(resp, "move")
}

// Copy implements drivers.Driver via COPY for a single item.
func (d *Driver) Copy(ctx context.Context, srcSub, dstSub string, opts drivers.CopyOptions) (drivers.CopyResult, error) {
	overwrite := "T"
	if opts.SkipExisting {
		overwrite = "F"
	}
	resp, err := d.do(ctx, "COPY", d.href(srcSub, false), nil, map[string]string{
		"Destination": d.href(dstSub, false),
		"Overwrite":   overwrite,
		"Depth":       "0",
	})
	if err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusPreconditionFailed {
		return drivers.CopyResult{Status: drivers.CopySkipped, Reason: "target exists"}, nil
	}
	if err := classify(resp, "copy"); err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, err
	}
	return drivers.CopyResult{Status: drivers.CopySuccess}, nil
}
