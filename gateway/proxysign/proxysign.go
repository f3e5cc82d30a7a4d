// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package proxysign issues and verifies the short-lived HMAC signatures
// that grant content access through the gateway proxy.
package proxysign

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
)

// Error is the class for signature errors.
var Error = errs.Class("proxysign")

// Signer binds (fsPath, expireTs) pairs to an HMAC secret.
type Signer struct {
	secret []byte
}

// NewSigner constructs a signer over secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns base64(HMAC-SHA256(secret, fsPath+":"+expireTs)) + ":" +
// expireTs, the wire form carried in the sign query parameter.
func (s *Signer) Sign(fsPath string, expireTs int64) string {
	expire := strconv.FormatInt(expireTs, 10)
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(fsPath + ":" + expire))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)) + ":" + expire
}

// Verify checks sig against fsPath. It fails UNAUTHENTICATED on a
// malformed or mismatching signature and on expiry.
func (s *Signer) Verify(fsPath, sig string, now time.Time) error {
	idx := strings.LastIndexByte(sig, ':')
	if idx < 0 {
		return apierrs.ErrUnauthenticated.Wrap(Error.New("malformed signature"))
	}
	expireTs, err := strconv.ParseInt(sig[idx+1:], 10, 64)
	if err != nil {
		return apierrs.ErrUnauthenticated.Wrap(Error.New("malformed signature expiry"))
	}
	if expireTs <= now.UnixMilli() {
		return apierrs.ErrUnauthenticated.Wrap(Error.New("signature expired"))
	}
	expected := s.Sign(fsPath, expireTs)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return apierrs.ErrUnauthenticated.Wrap(Error.New("invalid signature"))
	}
	return nil
}

// ExpiryOf extracts the expiry timestamp from a wire signature without
// verifying it. Returns zero on malformed input.
func ExpiryOf(sig string) int64 {
	idx := strings.LastIndexByte(sig, ':')
	if idx < 0 {
		return 0
	}
	expireTs, err := strconv.ParseInt(sig[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return expireTs
}
