// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package drivers

import (
	"context"
	"io"
	"time"

	"github.com/cloudpaste/cloudpaste/gateway/streams"
)

// Strategy selects how multipart uploads reach the backend.
type Strategy string

// Upload strategies.
const (
	// StrategyPerPartURL hands the client pre-signed URLs; parts do
	// not flow through the gateway.
	StrategyPerPartURL Strategy = "per_part_url"
	// StrategySingleSession proxies every chunk through the gateway
	// into one provider resumable session.
	StrategySingleSession Strategy = "single_session"
)

// PartPolicy declares how the set of uploaded parts is reconstructed
// for per_part_url drivers.
type PartPolicy string

// Part policies.
const (
	// PartsServerCanList means the backend can enumerate received
	// parts (e.g. S3 ListParts).
	PartsServerCanList PartPolicy = "server_can_list"
	// PartsClientKeeps means the client ledger is the only record.
	PartsClientKeeps PartPolicy = "client_keeps"
)

// ProviderUpload is the provider-side handle of a multipart upload.
type ProviderUpload struct {
	ID         string
	UploadURL  string
	PartPolicy PartPolicy
	Meta       map[string]string
}

// SignedPartURL is a pre-signed URL for one part.
type SignedPartURL struct {
	PartNumber int
	URL        string
	ExpiresAt  time.Time
}

// ProviderPart is one part as the provider sees it.
type ProviderPart struct {
	PartNumber int
	Size       int64
	ID         string // provider part id, e.g. the part ETag
}

// ChunkResult reports a proxied chunk forward.
type ChunkResult struct {
	ProviderPartID string
	BytesCommitted int64
	Completed      bool
	FinalETag      string
}

// Multiparter is implemented by drivers declaring CapMultipart.
type Multiparter interface {
	Strategy() Strategy

	MultipartInit(ctx context.Context, subPath string, fileSize, partSize int64, contentType string) (*ProviderUpload, error)

	// MultipartSign returns pre-signed part URLs. Only meaningful for
	// per_part_url drivers.
	MultipartSign(ctx context.Context, subPath string, upload *ProviderUpload, partNumbers []int, expires time.Duration) ([]SignedPartURL, error)

	// MultipartPut forwards one chunk into a single_session upload.
	MultipartPut(ctx context.Context, upload *ProviderUpload, body io.Reader, cr streams.ContentRange) (*ChunkResult, error)

	// MultipartList enumerates provider-received parts when the part
	// policy is server_can_list.
	MultipartList(ctx context.Context, subPath string, upload *ProviderUpload) ([]ProviderPart, error)

	MultipartComplete(ctx context.Context, subPath string, upload *ProviderUpload, parts []ProviderPart) (*PutResult, error)
	MultipartAbort(ctx context.Context, subPath string, upload *ProviderUpload) error
}

// AsMultiparter returns the multipart view of a driver when it declares
// the capability and implements the interface.
func AsMultiparter(d Driver) (Multiparter, bool) {
	mp, ok := d.(Multiparter)
	return mp, ok && d.Capabilities().Has(CapMultipart)
}

// AsLinker returns the direct-link view of a driver.
func AsLinker(d Driver) (Linker, bool) {
	l, ok := d.(Linker)
	return l, ok && d.Capabilities().Has(CapDirectLink)
}
