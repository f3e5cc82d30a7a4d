// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package caches

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/cloudpaste/cloudpaste/gateway/drivers"
)

// DirETag derives a weak ETag for a directory listing from the mount,
// the directory path, and the per-item identity tuples. Listing the
// same unchanged directory twice yields the same tag.
func DirETag(mountID, dirPath string, items []drivers.Item) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(mountID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(dirPath))

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(items)))
	_, _ = h.Write(buf[:])

	for _, item := range items {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(item.Path))
		if item.IsDir {
			_, _ = h.Write([]byte{1})
		} else {
			_, _ = h.Write([]byte{0})
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(item.Size))
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(item.Modified.UnixMilli()))
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(item.ETag))
	}

	return fmt.Sprintf(`W/"%016x"`, h.Sum64())
}
