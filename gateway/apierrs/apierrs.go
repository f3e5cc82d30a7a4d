// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package apierrs defines the canonical error kinds surfaced by the
// gateway core. Every subsystem wraps failures into one of these
// classes; the HTTP layer maps kinds to status codes.
package apierrs

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
)

// Error classes for the canonical kinds. Wrap or create errors with the
// class matching the failure; KindOf recovers the kind on the way out.
var (
	ErrValidation      = errs.Class("validation")
	ErrUnauthenticated = errs.Class("unauthenticated")
	ErrForbidden       = errs.Class("forbidden")
	ErrNotFound        = errs.Class("not found")
	ErrConflict        = errs.Class("conflict")
	ErrPrecondition    = errs.Class("precondition failed")
	ErrPayloadTooLarge = errs.Class("payload too large")
	ErrQuotaExceeded   = errs.Class("quota exceeded")
	ErrNotSupported    = errs.Class("not supported")
	ErrDriver          = errs.Class("driver")
	ErrTimeout         = errs.Class("timeout")
	ErrInternal        = errs.Class("internal")
)

// Kind identifies a canonical error kind.
type Kind string

// Canonical kinds.
const (
	Validation      Kind = "VALIDATION"
	Unauthenticated Kind = "UNAUTHENTICATED"
	Forbidden       Kind = "FORBIDDEN"
	NotFound        Kind = "NOT_FOUND"
	Conflict        Kind = "CONFLICT"
	Precondition    Kind = "PRECONDITION_FAILED"
	PayloadTooLarge Kind = "PAYLOAD_TOO_LARGE"
	QuotaExceeded   Kind = "QUOTA_EXCEEDED"
	NotSupported    Kind = "NOT_SUPPORTED"
	DriverError     Kind = "DRIVER_ERROR"
	Timeout         Kind = "TIMEOUT"
	Internal        Kind = "INTERNAL"
)

// KindOf classifies err into a canonical kind. Unclassified errors are
// INTERNAL. Context cancellation and deadline expiry classify as TIMEOUT
// so that callers do not have to special-case them.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case ErrValidation.Has(err):
		return Validation
	case ErrUnauthenticated.Has(err):
		return Unauthenticated
	case ErrForbidden.Has(err):
		return Forbidden
	case ErrNotFound.Has(err):
		return NotFound
	case ErrConflict.Has(err):
		return Conflict
	case ErrPrecondition.Has(err):
		return Precondition
	case ErrPayloadTooLarge.Has(err):
		return PayloadTooLarge
	case ErrQuotaExceeded.Has(err):
		return QuotaExceeded
	case ErrNotSupported.Has(err):
		return NotSupported
	case ErrTimeout.Has(err), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case ErrDriver.Has(err):
		return DriverError
	default:
		return Internal
	}
}

// HTTPStatus returns the stable HTTP status code for a kind.
func (kind Kind) HTTPStatus() int {
	switch kind {
	case Validation:
		return 400
	case Unauthenticated:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case Precondition:
		return 412
	case PayloadTooLarge, QuotaExceeded:
		return 413
	case NotSupported:
		return 501
	case DriverError:
		return 502
	case Timeout:
		return 504
	default:
		return 500
	}
}

// Retryable reports whether an operation failing with this kind may be
// retried without duplicating side effects.
func (kind Kind) Retryable() bool {
	switch kind {
	case DriverError, Timeout:
		return true
	default:
		return false
	}
}
