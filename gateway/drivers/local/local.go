// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package local implements the storage driver over a local directory
// tree. Writes land in a temp file and rename into place.
package local

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/streams"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// Error is the class for local driver errors.
var Error = errs.Class("localdriver")

func init() {
	drivers.Register(drivers.TypeLocal, New)
}

// Driver serves a directory tree rooted at basePath.
type Driver struct {
	log      *zap.Logger
	config   drivers.Config
	basePath string
}

// New constructs the driver from a storage config. The basePath setting
// is required and must exist.
func New(log *zap.Logger, config drivers.Config) (drivers.Driver, error) {
	basePath := config.Setting("basePath", "")
	if basePath == "" {
		return nil, Error.New("basePath setting is required")
	}
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, Error.New("basePath not accessible: %v", err)
	}
	if !info.IsDir() {
		return nil, Error.New("basePath is not a directory")
	}
	return &Driver{log: log, config: config, basePath: basePath}, nil
}

// Type implements drivers.Driver.
func (d *Driver) Type() string { return drivers.TypeLocal }

// Capabilities implements drivers.Driver.
func (d *Driver) Capabilities() drivers.Capability {
	return drivers.CapReader | drivers.CapWriter | drivers.CapAtomic |
		drivers.CapRange | drivers.CapProxy | drivers.CapMultipart | drivers.CapSearch
}

// StorageFirst implements drivers.Driver.
func (d *Driver) StorageFirst() bool { return true }

// full maps a normalised subpath onto the disk, refusing escapes.
func (d *Driver) full(subPath string) (string, error) {
	rel := strings.TrimPrefix(strings.TrimSuffix(subPath, "/"), "/")
	if d.config.RootPrefix != "" {
		rel = path.Join(strings.Trim(d.config.RootPrefix, "/"), rel)
	}
	full := filepath.Join(d.basePath, filepath.FromSlash(rel))
	if full != d.basePath && !strings.HasPrefix(full, d.basePath+string(filepath.Separator)) {
		return "", apierrs.ErrValidation.Wrap(Error.New("path escapes base"))
	}
	return full, nil
}

func wrapFS(err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return apierrs.ErrNotFound.Wrap(Error.Wrap(err))
	case os.IsExist(err):
		return apierrs.ErrConflict.Wrap(Error.Wrap(err))
	default:
		return apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
}

func itemFor(subPath string, info fs.FileInfo) drivers.Item {
	item := drivers.Item{
		Name:     info.Name(),
		Path:     subPath,
		IsDir:    info.IsDir(),
		Modified: info.ModTime(),
	}
	if !info.IsDir() {
		item.Size = info.Size()
		item.MimeType = mime.TypeByExtension(path.Ext(info.Name()))
		item.ETag = fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size())
	}
	return item
}

// List implements drivers.Driver. The whole directory is returned in
// one page.
func (d *Driver) List(ctx context.Context, subPath string, opts drivers.ListOptions) (*drivers.Listing, error) {
	full, err := d.full(subPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, wrapFS(err)
	}

	listing := &drivers.Listing{Path: subPath}
	for _, entry := range entries {
		if isUploadTemp(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		childPath, err := vpath.Join(strings.TrimSuffix(subPath, "/"), entry.Name(), false)
		if err != nil {
			continue
		}
		listing.Items = append(listing.Items, itemFor(childPath, info))
	}
	return listing, nil
}

// Stat implements drivers.Driver.
func (d *Driver) Stat(ctx context.Context, subPath string) (*drivers.Item, error) {
	full, err := d.full(subPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, wrapFS(err)
	}
	item := itemFor(strings.TrimSuffix(subPath, "/"), info)
	if item.Path == "" {
		item.Path = vpath.Root
	}
	return &item, nil
}

// Download implements drivers.Driver.
func (d *Driver) Download(ctx context.Context, subPath string) (*streams.Descriptor, error) {
	full, err := d.full(subPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, wrapFS(err)
	}
	if info.IsDir() {
		return nil, apierrs.ErrValidation.Wrap(Error.New("cannot download a directory"))
	}

	return &streams.Descriptor{
		Size:          info.Size(),
		ContentType:   mime.TypeByExtension(path.Ext(info.Name())),
		ETag:          fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size()),
		LastModified:  info.ModTime(),
		SupportsRange: true,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			f, err := os.Open(full)
			return f, wrapFS(err)
		},
		OpenRange: func(ctx context.Context, start, length int64) (io.ReadCloser, error) {
			f, err := os.Open(full)
			if err != nil {
				return nil, wrapFS(err)
			}
			return &sectionCloser{SectionReader: io.NewSectionReader(f, start, length), file: f}, nil
		},
	}, nil
}

type sectionCloser struct {
	*io.SectionReader
	file *os.File
}

func (s *sectionCloser) Close() error { return s.file.Close() }

// Put implements drivers.Driver.
func (d *Driver) Put(ctx context.Context, subPath string, body io.Reader, size int64, contentType string) (*drivers.PutResult, error) {
	full, err := d.full(subPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, wrapFS(err)
	}

	temp := full + tempSuffix()
	f, err := os.OpenFile(temp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, wrapFS(err)
	}
	written, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = Error.New("short write: %d of %d bytes", written, size)
	}
	if err != nil {
		_ = os.Remove(temp)
		return nil, apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
	if err := os.Rename(temp, full); err != nil {
		_ = os.Remove(temp)
		return nil, wrapFS(err)
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, wrapFS(err)
	}
	return &drivers.PutResult{
		StoragePath: subPath,
		ETag:        fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size()),
		Size:        written,
	}, nil
}

// Mkdir implements drivers.Driver.
func (d *Driver) Mkdir(ctx context.Context, subPath string) error {
	full, err := d.full(subPath)
	if err != nil {
		return err
	}
	if info, err := os.Stat(full); err == nil {
		if info.IsDir() {
			return nil
		}
		return apierrs.ErrConflict.Wrap(Error.New("a file occupies that path"))
	}
	return wrapFS(os.MkdirAll(full, 0o755))
}

// Remove implements drivers.Driver. Directories are removed
// recursively.
func (d *Driver) Remove(ctx context.Context, subPath string) error {
	full, err := d.full(subPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); err != nil {
		return wrapFS(err)
	}
	return wrapFS(os.RemoveAll(full))
}

// Rename implements drivers.Driver.
func (d *Driver) Rename(ctx context.Context, oldSub, newSub string) error {
	oldFull, err := d.full(oldSub)
	if err != nil {
		return err
	}
	newFull, err := d.full(newSub)
	if err != nil {
		return err
	}
	if _, err := os.Stat(newFull); err == nil {
		return apierrs.ErrConflict.Wrap(Error.New("target already exists"))
	}
	return wrapFS(os.Rename(oldFull, newFull))
}

// Copy implements drivers.Driver for a single item.
func (d *Driver) Copy(ctx context.Context, srcSub, dstSub string, opts drivers.CopyOptions) (drivers.CopyResult, error) {
	srcFull, err := d.full(srcSub)
	if err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, err
	}
	dstFull, err := d.full(dstSub)
	if err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, err
	}

	if opts.SkipExisting {
		if _, err := os.Stat(dstFull); err == nil {
			return drivers.CopyResult{Status: drivers.CopySkipped, Reason: "target exists"}, nil
		}
	}

	info, err := os.Stat(srcFull)
	if err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, wrapFS(err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(dstFull, 0o755); err != nil {
			return drivers.CopyResult{Status: drivers.CopyFailed}, wrapFS(err)
		}
		return drivers.CopyResult{Status: drivers.CopySuccess}, nil
	}

	src, err := os.Open(srcFull)
	if err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, wrapFS(err)
	}
	defer func() { _ = src.Close() }()

	if _, err := d.Put(ctx, dstSub, src, info.Size(), ""); err != nil {
		return drivers.CopyResult{Status: drivers.CopyFailed}, err
	}
	return drivers.CopyResult{Status: drivers.CopySuccess}, nil
}

// Usage implements drivers.UsageReporter by walking the tree.
func (d *Driver) Usage(ctx context.Context) (used, total int64, err error) {
	err = filepath.WalkDir(d.basePath, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.Type().IsRegular() {
			if info, err := entry.Info(); err == nil {
				used += info.Size()
			}
		}
		return nil
	})
	return used, -1, Error.Wrap(err)
}

const uploadTempPrefix = ".upload-"

func isUploadTemp(name string) bool {
	return strings.HasPrefix(name, uploadTempPrefix) || strings.Contains(name, uploadTempPrefix)
}

func tempSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return uploadTempPrefix + hex.EncodeToString(b[:])
}

// Strategy implements drivers.Multiparter: chunks flow through the
// gateway into a temp file assembled at offsets.
func (d *Driver) Strategy() drivers.Strategy { return drivers.StrategySingleSession }

// MultipartInit implements drivers.Multiparter. The upload id doubles
// as the temp file's subpath.
func (d *Driver) MultipartInit(ctx context.Context, subPath string, fileSize, partSize int64, contentType string) (*drivers.ProviderUpload, error) {
	tempSub := subPath + tempSuffix()
	full, err := d.full(tempSub)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, wrapFS(err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, wrapFS(err)
	}
	if err := f.Truncate(fileSize); err != nil {
		_ = f.Close()
		_ = os.Remove(full)
		return nil, wrapFS(err)
	}
	if err := f.Close(); err != nil {
		return nil, wrapFS(err)
	}
	return &drivers.ProviderUpload{ID: tempSub, PartPolicy: drivers.PartsClientKeeps}, nil
}

// MultipartSign implements drivers.Multiparter; local uploads have no
// provider URLs.
func (d *Driver) MultipartSign(ctx context.Context, subPath string, upload *drivers.ProviderUpload, partNumbers []int, expires time.Duration) ([]drivers.SignedPartURL, error) {
	return nil, apierrs.ErrNotSupported.Wrap(Error.New("local uploads are proxied"))
}

// MultipartPut implements drivers.Multiparter by writing the chunk at
// its offset.
func (d *Driver) MultipartPut(ctx context.Context, upload *drivers.ProviderUpload, body io.Reader, cr streams.ContentRange) (*drivers.ChunkResult, error) {
	full, err := d.full(upload.ID)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, wrapFS(err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(cr.Start, io.SeekStart); err != nil {
		return nil, wrapFS(err)
	}
	written, err := io.Copy(f, io.LimitReader(body, cr.Length()))
	if err != nil {
		return nil, apierrs.ErrDriver.Wrap(Error.Wrap(err))
	}
	if written != cr.Length() {
		return nil, apierrs.ErrValidation.Wrap(Error.New("chunk body short: %d of %d bytes", written, cr.Length()))
	}
	return &drivers.ChunkResult{BytesCommitted: written}, nil
}

// MultipartList implements drivers.Multiparter; the ledger is
// authoritative for proxied uploads.
func (d *Driver) MultipartList(ctx context.Context, subPath string, upload *drivers.ProviderUpload) ([]drivers.ProviderPart, error) {
	return nil, apierrs.ErrNotSupported.Wrap(Error.New("local uploads keep no provider part list"))
}

// MultipartComplete implements drivers.Multiparter by renaming the
// assembled temp file into place.
func (d *Driver) MultipartComplete(ctx context.Context, subPath string, upload *drivers.ProviderUpload, parts []drivers.ProviderPart) (*drivers.PutResult, error) {
	tempFull, err := d.full(upload.ID)
	if err != nil {
		return nil, err
	}
	full, err := d.full(subPath)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tempFull, full); err != nil {
		return nil, wrapFS(err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, wrapFS(err)
	}
	return &drivers.PutResult{
		StoragePath: subPath,
		ETag:        fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size()),
		Size:        info.Size(),
	}, nil
}

// MultipartAbort implements drivers.Multiparter.
func (d *Driver) MultipartAbort(ctx context.Context, subPath string, upload *drivers.ProviderUpload) error {
	full, err := d.full(upload.ID)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return wrapFS(err)
	}
	return nil
}
