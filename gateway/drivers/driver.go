// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package drivers defines the storage driver contract the gateway core
// programs against. Concrete backends register factories; the core
// refuses operations whose capability the driver does not declare.
package drivers

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/zeebo/errs"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/streams"
)

// Error is the class for generic driver errors.
var Error = errs.Class("drivers")

// Backend types.
const (
	TypeS3          = "S3"
	TypeWebDAV      = "WEBDAV"
	TypeOneDrive    = "ONEDRIVE"
	TypeGoogleDrive = "GOOGLE_DRIVE"
	TypeGitHub      = "GITHUB"
	TypeHuggingFace = "HUGGINGFACE"
	TypeTelegram    = "TELEGRAM"
	TypeDiscord     = "DISCORD"
	TypeLocal       = "LOCAL"
	TypeMirror      = "MIRROR"
)

// Capability is a bitflag set of declared driver features.
type Capability uint32

// Capabilities.
const (
	CapReader Capability = 1 << iota
	CapWriter
	CapAtomic
	CapMultipart
	CapProxy
	CapSearch
	CapDirectLink
	CapPagedList
	CapRange
)

// Has reports whether all bits of want are present.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Config is a decrypted storage configuration handed to a factory.
// Settings carries backend specific fields; factories validate what
// they need and reject the rest.
type Config struct {
	ID         string
	Type       string
	QuotaBytes int64 // 0 means uncapped
	RootPrefix string
	Settings   map[string]string
}

// Setting returns a settings field, or def when absent.
func (c Config) Setting(key, def string) string {
	if v, ok := c.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// Item is a single directory entry or file description.
type Item struct {
	Name     string
	Path     string
	IsDir    bool
	Size     int64
	Modified time.Time
	MimeType string
	ETag     string
}

// Listing is one page of directory contents.
type Listing struct {
	Path       string
	Items      []Item
	NextCursor string
}

// ListOptions tunes a directory listing.
type ListOptions struct {
	Refresh  bool
	Cursor   string
	PageSize int
}

// PutResult reports a completed write.
type PutResult struct {
	StoragePath string
	ETag        string
	Size        int64
	Message     string
}

// CopyStatus is the per-item outcome of a copy.
type CopyStatus string

// Copy outcomes.
const (
	CopySuccess CopyStatus = "success"
	CopySkipped CopyStatus = "skipped"
	CopyFailed  CopyStatus = "failed"
)

// CopyResult is the outcome of copying one item.
type CopyResult struct {
	Status CopyStatus
	Reason string
}

// CopyOptions tunes a copy.
type CopyOptions struct {
	SkipExisting bool
	MaxDepth     int
}

// Driver is the uniform storage backend contract. All subpaths are
// normalised virtual paths relative to the mount root; the driver
// applies its own root prefix. Implementations must be safe for
// concurrent use.
type Driver interface {
	Type() string
	Capabilities() Capability

	// StorageFirst reports that the backend has no persistent tree
	// view; parent directory chains are materialised on write.
	StorageFirst() bool

	List(ctx context.Context, subPath string, opts ListOptions) (*Listing, error)
	Stat(ctx context.Context, subPath string) (*Item, error)
	Download(ctx context.Context, subPath string) (*streams.Descriptor, error)
	Put(ctx context.Context, subPath string, body io.Reader, size int64, contentType string) (*PutResult, error)
	Mkdir(ctx context.Context, subPath string) error
	Remove(ctx context.Context, subPath string) error
	Rename(ctx context.Context, oldSub, newSub string) error
	Copy(ctx context.Context, srcSub, dstSub string, opts CopyOptions) (CopyResult, error)
}

// Linker is implemented by drivers that can mint direct (pre-signed)
// URLs for downloads and single-shot uploads.
type Linker interface {
	DownloadURL(ctx context.Context, subPath string, expires time.Duration, forceDownload bool) (string, error)
	UploadURL(ctx context.Context, subPath string, expires time.Duration, contentType string, size int64) (string, error)
}

// UsageReporter is implemented by drivers that can report backend disk
// usage. total is negative when the backend does not expose a cap.
type UsageReporter interface {
	Usage(ctx context.Context) (used, total int64, err error)
}

// Require fails with NOT_SUPPORTED when the driver lacks want.
func Require(d Driver, want Capability) error {
	if !d.Capabilities().Has(want) {
		return apierrs.ErrNotSupported.Wrap(Error.New("driver %s lacks required capability", d.Type()))
	}
	return nil
}

// Exists reports whether subPath exists, folding NOT_FOUND into false.
func Exists(ctx context.Context, d Driver, subPath string) (bool, error) {
	_, err := d.Stat(ctx, subPath)
	if err == nil {
		return true, nil
	}
	if apierrs.KindOf(err) == apierrs.NotFound {
		return false, nil
	}
	return false, err
}

// EnsureParent makes sure the parent directory of subPath can receive a
// write. Storage-first backends materialise the chain; tree backends
// must already have it.
func EnsureParent(ctx context.Context, d Driver, parent string) error {
	ok, err := Exists(ctx, d, parent)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if d.StorageFirst() {
		return d.Mkdir(ctx, parent)
	}
	return apierrs.ErrNotFound.Wrap(Error.New("parent directory does not exist"))
}

// ClassifyStatus folds a backend HTTP-ish status code into the
// canonical kinds the core understands; anything else stays a driver
// error.
func ClassifyStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	switch status {
	case 404:
		return apierrs.ErrNotFound.Wrap(err)
	case 409:
		return apierrs.ErrConflict.Wrap(err)
	case 412:
		return apierrs.ErrPrecondition.Wrap(err)
	case 413:
		return apierrs.ErrPayloadTooLarge.Wrap(err)
	case 429:
		return apierrs.ErrTimeout.Wrap(err)
	default:
		return apierrs.ErrDriver.Wrap(err)
	}
}

// IsRetryable reports whether err looks like a transient backend
// failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return apierrs.KindOf(err).Retryable()
}
