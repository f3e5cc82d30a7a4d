// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package vpath normalises and manipulates virtual filesystem paths.
//
// Virtual paths are absolute, slash separated, and never contain "."
// or ".." segments after normalisation. A trailing slash is preserved
// only when the caller signals directory intent.
package vpath

import (
	"strings"

	"github.com/zeebo/errs"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
)

// Error is the class for path errors.
var Error = errs.Class("vpath")

// Root is the virtual filesystem root.
const Root = "/"

// Normalize collapses repeated separators, resolves "." segments, and
// rejects ".." segments and NUL bytes. The result always begins with
// "/"; the trailing slash is kept only when dirIntent is set and the
// path is not root.
func Normalize(p string, dirIntent bool) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", apierrs.ErrValidation.Wrap(Error.New("path contains NUL"))
	}
	p = strings.ReplaceAll(p, "\\", "/")

	var segments []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", apierrs.ErrValidation.Wrap(Error.New("path traversal rejected"))
		default:
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return Root, nil
	}

	out := "/" + strings.Join(segments, "/")
	if dirIntent {
		out += "/"
	}
	return out, nil
}

// Join joins base and elem and normalises the result. dirIntent follows
// Normalize semantics.
func Join(base, elem string, dirIntent bool) (string, error) {
	return Normalize(base+"/"+elem, dirIntent)
}

// IsUnder reports whether p is base itself or a descendant of base.
// Both arguments must be normalised without trailing slashes.
func IsUnder(p, base string) bool {
	if base == Root {
		return true
	}
	return p == base || strings.HasPrefix(p, base+"/")
}

// TrimBase removes base from p and returns the remaining subpath,
// always beginning with "/". It returns false when p is not under base.
func TrimBase(p, base string) (string, bool) {
	if !IsUnder(p, base) {
		return "", false
	}
	if base == Root {
		return p, true
	}
	sub := strings.TrimPrefix(p, base)
	if sub == "" {
		sub = Root
	}
	return sub, true
}

// Split returns the parent directory and the final element of p.
// Split("/a/b") = ("/a", "b"); Split("/") = ("/", "").
func Split(p string) (parent, name string) {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return Root, ""
	}
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return Root, p[idx+1:]
	}
	return p[:idx], p[idx+1:]
}

// Base returns the final element of p.
func Base(p string) string {
	_, name := Split(p)
	return name
}

// Depth returns the number of segments in a normalised path; the root
// has depth zero.
func Depth(p string) int {
	p = strings.Trim(p, "/")
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// ValidateFilename rejects names unusable on any backend: empty names,
// path separators, NUL, leading or trailing whitespace, and the "." and
// ".." names.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return apierrs.ErrValidation.Wrap(Error.New("invalid filename %q", name))
	case strings.ContainsAny(name, "/\\"):
		return apierrs.ErrValidation.Wrap(Error.New("filename contains path separator"))
	case strings.ContainsRune(name, 0):
		return apierrs.ErrValidation.Wrap(Error.New("filename contains NUL"))
	case strings.TrimSpace(name) != name:
		return apierrs.ErrValidation.Wrap(Error.New("filename has leading or trailing whitespace"))
	}
	return nil
}
