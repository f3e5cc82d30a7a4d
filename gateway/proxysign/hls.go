// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package proxysign

import (
	"strings"

	"github.com/cloudpaste/cloudpaste/gateway/vpath"
)

// hlsURIAttrTags are the playlist tags whose URI attribute references
// child content.
var hlsURIAttrTags = []string{
	"#EXT-X-KEY",
	"#EXT-X-MAP",
	"#EXT-X-MEDIA",
	"#EXT-X-SESSION-KEY",
	"#EXT-X-I-FRAME-STREAM-INF",
	"#EXT-X-PART",
	"#EXT-X-PRELOAD-HINT",
	"#EXT-X-RENDITION-REPORT",
}

// IsPlaylistPath reports whether path names an HLS playlist.
func IsPlaylistPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".m3u8")
}

// RewritePlaylist rewrites every child URI of an HLS playlist through
// rewrite. rewrite receives a URI as written in the playlist and
// returns the replacement; returning ok=false keeps the original.
// Remote (scheme-qualified) URIs and URIs already carrying a sign
// parameter are left untouched.
func RewritePlaylist(body string, rewrite func(uri string) (string, bool)) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			lines[i] = rewriteTagURI(trimmed, rewrite) + strings.TrimPrefix(line, trimmed)
		default:
			if next, ok := rewriteChildURI(trimmed, rewrite); ok {
				lines[i] = next + strings.TrimPrefix(line, trimmed)
			}
		}
	}
	return strings.Join(lines, "\n")
}

func rewriteTagURI(line string, rewrite func(string) (string, bool)) string {
	tagged := false
	for _, tag := range hlsURIAttrTags {
		if strings.HasPrefix(line, tag+":") {
			tagged = true
			break
		}
	}
	if !tagged {
		return line
	}

	const marker = `URI="`
	start := strings.Index(line, marker)
	if start < 0 {
		return line
	}
	start += len(marker)
	end := strings.IndexByte(line[start:], '"')
	if end < 0 {
		return line
	}
	end += start

	if next, ok := rewriteChildURI(line[start:end], rewrite); ok {
		return line[:start] + next + line[end:]
	}
	return line
}

func rewriteChildURI(uri string, rewrite func(string) (string, bool)) (string, bool) {
	if uri == "" ||
		strings.Contains(uri, "://") ||
		strings.Contains(uri, "sign=") {
		return uri, false
	}
	return rewrite(uri)
}

// ResolvePlaylistURI resolves a child URI from a playlist at
// playlistPath to an absolute fs path. Absolute URIs (starting with /)
// pass through normalisation; relative ones resolve against the
// playlist's directory.
func ResolvePlaylistURI(playlistPath, uri string) (string, error) {
	uri, _, _ = strings.Cut(uri, "?")
	if strings.HasPrefix(uri, "/") {
		return vpath.Normalize(uri, false)
	}
	dir, _ := vpath.Split(playlistPath)
	return vpath.Join(dir, uri, false)
}
