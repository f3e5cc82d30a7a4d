// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package uploads

import (
	"context"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
	"github.com/cloudpaste/cloudpaste/gateway/caches"
	"github.com/cloudpaste/cloudpaste/gateway/drivers"
	"github.com/cloudpaste/cloudpaste/gateway/mounts"
	"github.com/cloudpaste/cloudpaste/gateway/quota"
	"github.com/cloudpaste/cloudpaste/gateway/search"
	"github.com/cloudpaste/cloudpaste/gateway/streams"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

var mon = monkit.Package()

// Config configures the orchestrator.
type Config struct {
	DefaultPartSize int64         `help:"part size when the client does not pick one" default:"8388608"`
	SessionTTL      time.Duration `help:"how long an upload session may stay open" default:"24h0m0s"`
	SignTTL         time.Duration `help:"validity of pre-signed part urls" default:"1h0m0s"`
	ChunkWaitWindow time.Duration `help:"how long a duplicate chunk waits for the first attempt" default:"10s"`
}

// Service orchestrates multipart uploads across both strategies.
type Service struct {
	log     *zap.Logger
	db      DB
	manager *mounts.Manager
	guard   *quota.Guard
	bus     *caches.Bus
	index   *search.Service
	config  Config

	nowFn func() time.Time
}

// NewService constructs a Service.
func NewService(log *zap.Logger, db DB, manager *mounts.Manager, guard *quota.Guard, bus *caches.Bus, index *search.Service, config Config) *Service {
	if config.DefaultPartSize <= 0 {
		config.DefaultPartSize = 8 << 20
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 24 * time.Hour
	}
	if config.SignTTL <= 0 {
		config.SignTTL = time.Hour
	}
	if config.ChunkWaitWindow <= 0 {
		config.ChunkWaitWindow = 10 * time.Second
	}
	return &Service{
		log:     log,
		db:      db,
		manager: manager,
		guard:   guard,
		bus:     bus,
		index:   index,
		config:  config,
		nowFn:   time.Now,
	}
}

// InitOptions tunes session initialisation.
type InitOptions struct {
	PartSize    int64
	PartCount   int
	ContentType string
}

// InitResult describes a freshly initialised session.
type InitResult struct {
	Session   *Session
	UploadURL string // gateway-relative; empty for per_part_url
}

// Initialize admits the target path, initialises the provider upload,
// and creates the session record.
func (service *Service) Initialize(ctx context.Context, principal auth.Principal, dirPath, fileName string, fileSize int64, opts InitOptions) (_ *InitResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if fileSize <= 0 {
		return nil, apierrs.ErrValidation.Wrap(Error.New("file size must be positive"))
	}
	if err := vpath.ValidateFilename(fileName); err != nil {
		return nil, err
	}
	dirPath, err = vpath.Normalize(dirPath, false)
	if err != nil {
		return nil, err
	}

	resolved, err := service.manager.Resolve(ctx, principal, dirPath)
	if err != nil {
		return nil, err
	}
	driver, err := service.manager.DriverFor(ctx, resolved.Mount)
	if err != nil {
		return nil, err
	}
	if err := drivers.Require(driver, drivers.CapWriter|drivers.CapMultipart); err != nil {
		return nil, err
	}
	mp, ok := drivers.AsMultiparter(driver)
	if !ok {
		return nil, apierrs.ErrNotSupported.Wrap(Error.New("driver %s has no multipart support", driver.Type()))
	}

	if err := drivers.EnsureParent(ctx, driver, resolved.SubPath); err != nil {
		return nil, err
	}
	targetSub, err := vpath.Join(resolved.SubPath, fileName, false)
	if err != nil {
		return nil, err
	}

	if err := service.assertQuota(ctx, driver, resolved.Mount.StorageConfigID, targetSub, fileSize); err != nil {
		return nil, err
	}

	partSize := opts.PartSize
	if partSize <= 0 && opts.PartCount > 0 {
		partSize = (fileSize + int64(opts.PartCount) - 1) / int64(opts.PartCount)
	}
	if partSize <= 0 {
		partSize = service.config.DefaultPartSize
	}
	totalParts := int((fileSize + partSize - 1) / partSize)

	provider, err := mp.MultipartInit(ctx, targetSub, fileSize, partSize, opts.ContentType)
	if err != nil {
		return nil, err
	}

	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	now := service.nowFn()
	session := &Session{
		ID:                id.String(),
		PrincipalType:     principal.Type,
		PrincipalID:       principal.ID,
		StorageType:       driver.Type(),
		StorageConfigID:   resolved.Mount.StorageConfigID,
		MountID:           resolved.Mount.ID,
		FsPath:            dirPath,
		FileName:          fileName,
		FileSize:          fileSize,
		PartSize:          partSize,
		TotalParts:        totalParts,
		Strategy:          mp.Strategy(),
		PartPolicy:        provider.PartPolicy,
		ProviderUploadID:  provider.ID,
		ProviderUploadURL: provider.UploadURL,
		Status:            StatusInitiated,
		ExpiresAt:         now.Add(service.config.SessionTTL),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := service.db.Create(ctx, session); err != nil {
		return nil, Error.Wrap(err)
	}

	result := &InitResult{Session: session}
	if session.Strategy == drivers.StrategySingleSession {
		result.UploadURL = "/api/fs/multipart/upload-chunk?upload_id=" + session.ID
	}
	return result, nil
}

// SignParts returns pre-signed part URLs for a per_part_url session, or
// echoes the gateway chunk URL for single_session. Advances the session
// from initiated to uploading.
func (service *Service) SignParts(ctx context.Context, principal auth.Principal, uploadID string, partNumbers []int) (_ []drivers.SignedPartURL, err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := service.owned(ctx, principal, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, apierrs.ErrPrecondition.Wrap(Error.New("session is %s", session.Status))
	}
	if _, err := service.db.SetStatus(ctx, session.ID, []Status{StatusInitiated}, StatusUploading); err != nil {
		return nil, Error.Wrap(err)
	}

	if session.Strategy == drivers.StrategySingleSession {
		return []drivers.SignedPartURL{{
			URL:       "/api/fs/multipart/upload-chunk?upload_id=" + session.ID,
			ExpiresAt: session.ExpiresAt,
		}}, nil
	}

	for _, n := range partNumbers {
		if n < 1 || n > session.TotalParts {
			return nil, apierrs.ErrValidation.Wrap(Error.New("part number %d out of range 1..%d", n, session.TotalParts))
		}
	}

	mp, targetSub, err := service.multiparter(ctx, session)
	if err != nil {
		return nil, err
	}
	urls, err := mp.MultipartSign(ctx, targetSub, session.providerUpload(), partNumbers, service.config.SignTTL)
	if err != nil {
		return nil, err
	}
	return urls, nil
}

// ChunkResult reports one proxied chunk.
type ChunkResult struct {
	PartNo        int
	Skipped       bool
	BytesUploaded int64
	Completed     bool
}

// ProxyChunk forwards one chunk of a single_session upload to the
// provider, keeping the part ledger authoritative. A chunk that was
// already uploaded with the same range is skipped; a chunk another
// request is currently uploading is awaited within a bounded window.
func (service *Service) ProxyChunk(ctx context.Context, principal auth.Principal, uploadID string, body io.Reader, contentRange string, contentLength int64) (_ *ChunkResult, err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := service.owned(ctx, principal, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Strategy != drivers.StrategySingleSession {
		return nil, apierrs.ErrPrecondition.Wrap(Error.New("session does not proxy chunks"))
	}
	if session.Status.Terminal() {
		return nil, apierrs.ErrPrecondition.Wrap(Error.New("session is %s", session.Status))
	}

	cr, err := streams.ParseContentRange(contentRange)
	if err != nil {
		return nil, err
	}
	if contentLength >= 0 && contentLength != cr.Length() {
		return nil, apierrs.ErrValidation.Wrap(Error.New("content length %d disagrees with range %s", contentLength, contentRange))
	}

	// Quota runs again at the first chunk of a session.
	if session.Status == StatusInitiated {
		if err := service.guard.AssertCanConsume(ctx, session.StorageConfigID, session.FileSize); err != nil {
			return nil, err
		}
		if _, err := service.db.SetStatus(ctx, session.ID, []Status{StatusInitiated}, StatusUploading); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	partNo := int(cr.Start/session.PartSize) + 1
	result := &ChunkResult{PartNo: partNo}

	skip, err := service.awaitDuplicate(ctx, session, partNo, cr)
	if err != nil {
		return nil, err
	}
	if skip {
		result.Skipped = true
		result.BytesUploaded = session.BytesUploaded
		return result, nil
	}

	err = service.db.UpsertPart(ctx, &Part{
		UploadID:  session.ID,
		PartNo:    partNo,
		Size:      cr.Length(),
		ByteStart: cr.Start,
		ByteEnd:   cr.End,
		Status:    PartUploading,
		UpdatedAt: service.nowFn(),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	mp, _, err := service.multiparter(ctx, session)
	if err != nil {
		return nil, err
	}
	chunk, err := mp.MultipartPut(ctx, session.providerUpload(), body, cr)
	if err != nil {
		_ = service.db.UpsertPart(ctx, &Part{
			UploadID:  session.ID,
			PartNo:    partNo,
			Size:      cr.Length(),
			ByteStart: cr.Start,
			ByteEnd:   cr.End,
			Status:    PartError,
			UpdatedAt: service.nowFn(),
		})
		return nil, err
	}

	err = service.db.UpsertPart(ctx, &Part{
		UploadID:       session.ID,
		PartNo:         partNo,
		Size:           cr.Length(),
		ProviderPartID: chunk.ProviderPartID,
		ByteStart:      cr.Start,
		ByteEnd:        cr.End,
		Status:         PartUploaded,
		UpdatedAt:      service.nowFn(),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := service.recomputeProgress(ctx, session); err != nil {
		return nil, err
	}
	refreshed, err := service.db.Get(ctx, session.ID)
	if err == nil {
		result.BytesUploaded = refreshed.BytesUploaded
	}

	if chunk.Completed {
		if err := service.finalize(ctx, session); err != nil {
			return nil, err
		}
		result.Completed = true
	}
	return result, nil
}

// awaitDuplicate implements chunk idempotency: true means the chunk is
// already uploaded and forwarding must be skipped.
func (service *Service) awaitDuplicate(ctx context.Context, session *Session, partNo int, cr streams.ContentRange) (skip bool, err error) {
	deadline := service.nowFn().Add(service.config.ChunkWaitWindow)
	for {
		part, err := service.db.GetPart(ctx, session.ID, partNo)
		if err != nil {
			if apierrs.KindOf(err) == apierrs.NotFound {
				return false, nil
			}
			return false, Error.Wrap(err)
		}
		sameRange := part.ByteStart == cr.Start && part.ByteEnd == cr.End

		switch {
		case part.Status == PartUploaded && sameRange:
			return true, nil
		case part.Status == PartUploading && sameRange:
			if service.nowFn().After(deadline) {
				// The first attempt looks dead; take over.
				return false, nil
			}
			if !sync2.Sleep(ctx, 250*time.Millisecond) {
				return false, ctx.Err()
			}
		default:
			return false, nil
		}
	}
}

func (service *Service) recomputeProgress(ctx context.Context, session *Session) error {
	parts, err := service.db.Parts(ctx, session.ID)
	if err != nil {
		return Error.Wrap(err)
	}
	var bytesUploaded, maxEnd int64
	uploaded := 0
	for _, part := range parts {
		if part.Status != PartUploaded {
			continue
		}
		uploaded++
		bytesUploaded += part.Size
		if part.ByteEnd+1 > maxEnd {
			maxEnd = part.ByteEnd + 1
		}
	}
	next := ""
	if maxEnd < session.FileSize {
		next = "bytes=" + itoa(maxEnd) + "-"
	}
	return Error.Wrap(service.db.UpdateProgress(ctx, session.ID, bytesUploaded, uploaded, next))
}

// ListParts returns the ledger ordered by part number: uploaded parts
// first-class, errored parts included for the client to retry.
func (service *Service) ListParts(ctx context.Context, principal auth.Principal, uploadID string) (_ []Part, err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := service.owned(ctx, principal, uploadID)
	if err != nil {
		return nil, err
	}
	parts, err := service.db.Parts(ctx, session.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	filtered := parts[:0]
	for _, part := range parts {
		if part.Status == PartUploaded || part.Status == PartError {
			filtered = append(filtered, part)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].PartNo < filtered[j].PartNo })
	return filtered, nil
}

// ClientPart is a client-ledger part as sent on complete.
type ClientPart struct {
	PartNumber int
	ETag       string
	Size       int64
}

// CompleteResult reports a finished upload.
type CompleteResult struct {
	StoragePath string
	ETag        string
	Message     string
}

// Complete verifies part coverage, aggregates the parts into the final
// provider object, and finishes the session.
func (service *Service) Complete(ctx context.Context, principal auth.Principal, uploadID string, clientParts []ClientPart, fileSize int64) (_ *CompleteResult, err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := service.owned(ctx, principal, uploadID)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusCompleted {
		return &CompleteResult{Message: "already completed"}, nil
	}
	if session.Status.Terminal() {
		return nil, apierrs.ErrPrecondition.Wrap(Error.New("session is %s", session.Status))
	}
	if fileSize > 0 && fileSize != session.FileSize {
		return nil, apierrs.ErrValidation.Wrap(Error.New("file size %d disagrees with session %d", fileSize, session.FileSize))
	}

	if err := service.guard.AssertCanConsume(ctx, session.StorageConfigID, session.FileSize); err != nil {
		return nil, err
	}

	mp, targetSub, err := service.multiparter(ctx, session)
	if err != nil {
		return nil, err
	}

	providerParts, err := service.collectParts(ctx, session, mp, targetSub, clientParts)
	if err != nil {
		return nil, err
	}

	put, err := mp.MultipartComplete(ctx, targetSub, session.providerUpload(), providerParts)
	if err != nil {
		return nil, err
	}

	if err := service.finalize(ctx, session); err != nil {
		return nil, err
	}
	return &CompleteResult{StoragePath: put.StoragePath, ETag: put.ETag, Message: put.Message}, nil
}

// collectParts reconstructs the part set per strategy and policy and
// verifies coverage of [0, fileSize).
func (service *Service) collectParts(ctx context.Context, session *Session, mp drivers.Multiparter, targetSub string, clientParts []ClientPart) ([]drivers.ProviderPart, error) {
	switch {
	case session.Strategy == drivers.StrategySingleSession:
		ledger, err := service.db.Parts(ctx, session.ID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		var sum int64
		var parts []drivers.ProviderPart
		for _, part := range ledger {
			if part.Status != PartUploaded {
				continue
			}
			sum += part.Size
			parts = append(parts, drivers.ProviderPart{PartNumber: part.PartNo, Size: part.Size, ID: part.ProviderPartID})
		}
		if sum != session.FileSize {
			return nil, apierrs.ErrPrecondition.Wrap(
				Error.New("uploaded %d bytes of %d", sum, session.FileSize))
		}
		return sortParts(parts), nil

	case session.PartPolicy == drivers.PartsServerCanList:
		parts, err := mp.MultipartList(ctx, targetSub, session.providerUpload())
		if err != nil {
			return nil, err
		}
		present := make(map[int]bool, len(parts))
		for _, part := range parts {
			present[part.PartNumber] = true
		}
		for n := 1; n <= session.TotalParts; n++ {
			if !present[n] {
				return nil, apierrs.ErrPrecondition.Wrap(Error.New("part %d missing at provider", n))
			}
		}
		return sortParts(parts), nil

	default: // client_keeps: trust the ledger but verify coverage
		if len(clientParts) != session.TotalParts {
			return nil, apierrs.ErrPrecondition.Wrap(
				Error.New("client reports %d parts, expected %d", len(clientParts), session.TotalParts))
		}
		var parts []drivers.ProviderPart
		var sum int64
		for _, part := range clientParts {
			if part.PartNumber < 1 || part.PartNumber > session.TotalParts {
				return nil, apierrs.ErrValidation.Wrap(Error.New("part number %d out of range", part.PartNumber))
			}
			size := part.Size
			if size == 0 {
				size = session.expectedPartSize(part.PartNumber)
			}
			sum += size
			parts = append(parts, drivers.ProviderPart{PartNumber: part.PartNumber, Size: size, ID: part.ETag})
		}
		if sum != session.FileSize {
			return nil, apierrs.ErrPrecondition.Wrap(
				Error.New("client parts cover %d bytes of %d", sum, session.FileSize))
		}
		return sortParts(parts), nil
	}
}

// finalize transitions to completed, clears the ledger, and emits the
// cache invalidation and the index dirty entry.
func (service *Service) finalize(ctx context.Context, session *Session) error {
	ok, err := service.db.SetStatus(ctx, session.ID, []Status{StatusInitiated, StatusUploading}, StatusCompleted)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		current, err := service.db.Get(ctx, session.ID)
		if err == nil && current.Status == StatusCompleted {
			return nil
		}
		return apierrs.ErrPrecondition.Wrap(Error.New("session left uploading state concurrently"))
	}

	if err := service.db.DeleteParts(ctx, session.ID); err != nil {
		return Error.Wrap(err)
	}
	service.bus.Publish(caches.Invalidation{
		Scope:           caches.ScopeMount,
		MountID:         session.MountID,
		StorageConfigID: session.StorageConfigID,
	})
	if err := service.index.EnqueueDirty(ctx, session.MountID, session.TargetPath(), search.OpUpsert); err != nil {
		service.log.Warn("dirty enqueue failed", zap.String("uploadID", session.ID), zap.Error(err))
	}
	return nil
}

// Abort discards the provider upload and finishes the session as
// aborted.
func (service *Service) Abort(ctx context.Context, principal auth.Principal, uploadID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := service.owned(ctx, principal, uploadID)
	if err != nil {
		return err
	}
	ok, err := service.db.SetStatus(ctx, session.ID, []Status{StatusInitiated, StatusUploading}, StatusAborted)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		return apierrs.ErrConflict.Wrap(Error.New("session is %s", session.Status))
	}

	mp, targetSub, err := service.multiparter(ctx, session)
	if err == nil {
		if abortErr := mp.MultipartAbort(ctx, targetSub, session.providerUpload()); abortErr != nil {
			// Lazily swept by cleanup when the provider call fails.
			service.log.Warn("provider abort failed",
				zap.String("uploadID", session.ID), zap.Error(abortErr))
		}
	}
	return Error.Wrap(service.db.DeleteParts(ctx, session.ID))
}

// ListUploads returns the sessions targeting a virtual directory.
func (service *Service) ListUploads(ctx context.Context, principal auth.Principal, dirPath string) (_ []Session, err error) {
	defer mon.Task()(&ctx)(&err)

	dirPath, err = vpath.Normalize(dirPath, false)
	if err != nil {
		return nil, err
	}
	resolved, err := service.manager.Resolve(ctx, principal, dirPath)
	if err != nil {
		return nil, err
	}
	sessions, err := service.db.ListByPath(ctx, resolved.Mount.StorageConfigID, dirPath)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	visible := sessions[:0]
	for _, session := range sessions {
		if session.OwnedBy(principal) {
			visible = append(visible, session)
		}
	}
	return visible, nil
}

// Get returns a session after an ownership check.
func (service *Service) Get(ctx context.Context, principal auth.Principal, uploadID string) (*Session, error) {
	return service.owned(ctx, principal, uploadID)
}

func (service *Service) owned(ctx context.Context, principal auth.Principal, uploadID string) (*Session, error) {
	session, err := service.db.Get(ctx, uploadID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !session.OwnedBy(principal) {
		return nil, apierrs.ErrForbidden.Wrap(Error.New("session owned by another principal"))
	}
	return session, nil
}

func (service *Service) multiparter(ctx context.Context, session *Session) (drivers.Multiparter, string, error) {
	mount, err := service.manager.Mount(ctx, session.MountID)
	if err != nil {
		return nil, "", err
	}
	driver, err := service.manager.DriverFor(ctx, mount)
	if err != nil {
		return nil, "", err
	}
	mp, ok := drivers.AsMultiparter(driver)
	if !ok {
		return nil, "", apierrs.ErrNotSupported.Wrap(Error.New("driver %s has no multipart support", driver.Type()))
	}
	sub, ok := vpath.TrimBase(session.TargetPath(), mount.MountPath)
	if !ok {
		return nil, "", Error.New("session target outside mount")
	}
	return mp, sub, nil
}

// assertQuota pre-flights newSize-oldSize for the target object.
func (service *Service) assertQuota(ctx context.Context, driver drivers.Driver, storageConfigID, targetSub string, newSize int64) error {
	var oldSize int64
	if item, err := driver.Stat(ctx, targetSub); err == nil && !item.IsDir {
		oldSize = item.Size
	}
	return service.guard.AssertCanConsume(ctx, storageConfigID, newSize-oldSize)
}

func (s *Session) providerUpload() *drivers.ProviderUpload {
	return &drivers.ProviderUpload{
		ID:         s.ProviderUploadID,
		UploadURL:  s.ProviderUploadURL,
		PartPolicy: s.PartPolicy,
	}
}

func (s *Session) expectedPartSize(partNo int) int64 {
	if partNo < s.TotalParts {
		return s.PartSize
	}
	last := s.FileSize - int64(s.TotalParts-1)*s.PartSize
	return last
}

func sortParts(parts []drivers.ProviderPart) []drivers.ProviderPart {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
