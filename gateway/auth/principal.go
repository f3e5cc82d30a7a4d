// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package auth models the principal that every core operation runs as.
// Authentication itself happens outside the core; a Principal is an
// input.
package auth

import (
	"github.com/zeebo/errs"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// Error is the class for auth errors.
var Error = errs.Class("auth")

// PrincipalType enumerates the kinds of caller.
type PrincipalType string

// Principal types.
const (
	TypeAdmin  PrincipalType = "ADMIN"
	TypeAPIKey PrincipalType = "API_KEY"
	TypeAnon   PrincipalType = "ANON"
)

// Permission is a single grantable capability of a principal.
type Permission uint32

// Permissions.
const (
	PermRead Permission = 1 << iota
	PermWrite
	PermShare
	PermMountView
	PermJobCreate
	PermAdmin
)

// Principal identifies the caller of a core operation together with its
// permission set and an optional restricting base path.
type Principal struct {
	Type            PrincipalType
	ID              string
	Permissions     Permission
	AllowedBasePath string
}

// Admin returns the unrestricted administrator principal.
func Admin() Principal {
	return Principal{Type: TypeAdmin, ID: "admin", Permissions: ^Permission(0), AllowedBasePath: vpath.Root}
}

// Anonymous returns the anonymous principal with no permissions.
func Anonymous() Principal {
	return Principal{Type: TypeAnon, ID: "anonymous", AllowedBasePath: vpath.Root}
}

// IsAdmin reports whether the principal is unrestricted.
func (p Principal) IsAdmin() bool { return p.Type == TypeAdmin }

// Has reports whether the principal holds perm. Admins hold everything.
func (p Principal) Has(perm Permission) bool {
	return p.IsAdmin() || p.Permissions&perm == perm
}

// Require fails with FORBIDDEN when the principal lacks perm.
func (p Principal) Require(perm Permission) error {
	if !p.Has(perm) {
		return apierrs.ErrForbidden.Wrap(Error.New("missing permission"))
	}
	return nil
}

// BasePath returns the principal's restricting base path, defaulting to
// the virtual root.
func (p Principal) BasePath() string {
	if p.IsAdmin() || p.AllowedBasePath == "" {
		return vpath.Root
	}
	return p.AllowedBasePath
}

// CheckPath fails with FORBIDDEN when the normalised path p is outside
// the principal's allowed base path.
func (p Principal) CheckPath(path string) error {
	if vpath.IsUnder(path, p.BasePath()) {
		return nil
	}
	return apierrs.ErrForbidden.Wrap(Error.New("path outside allowed base path"))
}

// Owns reports whether a resource created by (createdByType, createdBy)
// belongs to this principal. Admins own everything.
func (p Principal) Owns(createdByType PrincipalType, createdBy string) bool {
	if p.IsAdmin() {
		return true
	}
	return p.Type == createdByType && p.ID == createdBy
}
