// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package streams carries download descriptors between drivers and the
// HTTP layer, plus the byte-range parsing both sides share.
package streams

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
)

// Error is the class for stream errors.
var Error = errs.Class("streams")

// SizeUnknown marks a descriptor whose total size is not known up front.
const SizeUnknown int64 = -1

// Descriptor describes downloadable content. Open streams the whole
// object; OpenRange streams a slice of it and is only set when the
// driver supports ranged reads.
type Descriptor struct {
	Size          int64
	ContentType   string
	ETag          string
	LastModified  time.Time
	SupportsRange bool

	Open      func(ctx context.Context) (io.ReadCloser, error)
	OpenRange func(ctx context.Context, start, length int64) (io.ReadCloser, error)
}

// ByteRange is a resolved, inclusive byte range.
type ByteRange struct {
	Start  int64
	Length int64
	Total  int64
}

// End returns the inclusive end offset.
func (r ByteRange) End() int64 { return r.Start + r.Length - 1 }

// ContentRange renders the Content-Range response header value.
func (r ByteRange) ContentRange() string {
	if r.Total < 0 {
		return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End())
	}
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End(), r.Total)
}

// ParseRange resolves a single-range Range request header against the
// known total size. Multi-range requests are rejected; a suffix range
// (bytes=-N) needs a known size.
func ParseRange(header string, total int64) (ByteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return ByteRange{}, apierrs.ErrValidation.Wrap(Error.New("unsupported range %q", header))
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return ByteRange{}, apierrs.ErrValidation.Wrap(Error.New("malformed range %q", header))
	}

	if startStr == "" { // suffix range: last N bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 || total < 0 {
			return ByteRange{}, apierrs.ErrValidation.Wrap(Error.New("malformed suffix range %q", header))
		}
		if n > total {
			n = total
		}
		return ByteRange{Start: total - n, Length: n, Total: total}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, apierrs.ErrValidation.Wrap(Error.New("malformed range %q", header))
	}
	if total >= 0 && start >= total {
		return ByteRange{}, apierrs.ErrPrecondition.Wrap(Error.New("range start %d beyond size %d", start, total))
	}

	if endStr == "" {
		if total < 0 {
			return ByteRange{}, apierrs.ErrValidation.Wrap(Error.New("open range needs known size"))
		}
		return ByteRange{Start: start, Length: total - start, Total: total}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, apierrs.ErrValidation.Wrap(Error.New("malformed range %q", header))
	}
	if total >= 0 && end >= total {
		end = total - 1
	}
	return ByteRange{Start: start, Length: end - start + 1, Total: total}, nil
}

// ContentRange is a parsed Content-Range request header as sent on
// proxied upload chunks.
type ContentRange struct {
	Start int64
	End   int64 // inclusive
	Total int64 // SizeUnknown when "*"
}

// Length returns the chunk length in bytes.
func (cr ContentRange) Length() int64 { return cr.End - cr.Start + 1 }

// ParseContentRange parses "bytes start-end/total" where total may be
// "*".
func ParseContentRange(header string) (ContentRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return ContentRange{}, apierrs.ErrValidation.Wrap(Error.New("malformed content range %q", header))
	}
	rangePart, totalPart, ok := strings.Cut(spec, "/")
	if !ok {
		return ContentRange{}, apierrs.ErrValidation.Wrap(Error.New("malformed content range %q", header))
	}
	startStr, endStr, ok := strings.Cut(rangePart, "-")
	if !ok {
		return ContentRange{}, apierrs.ErrValidation.Wrap(Error.New("malformed content range %q", header))
	}

	start, err1 := strconv.ParseInt(startStr, 10, 64)
	end, err2 := strconv.ParseInt(endStr, 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start {
		return ContentRange{}, apierrs.ErrValidation.Wrap(Error.New("malformed content range %q", header))
	}

	total := SizeUnknown
	if totalPart != "*" {
		total, err1 = strconv.ParseInt(totalPart, 10, 64)
		if err1 != nil || total <= end {
			return ContentRange{}, apierrs.ErrValidation.Wrap(Error.New("malformed content range total %q", header))
		}
	}
	return ContentRange{Start: start, End: end, Total: total}, nil
}
