// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package obuffers implements a tag-partitioned, versioned, file-backed
// block buffer cache: every block read or write passes through a small
// fixed set of in-memory slots, grouped for sharded locking and aged with
// a clock-style usage count, so the data path never bypasses the cache.
package obuffers

import (
	"context"
	"io"
)

// Tag identifies one partition of the file-space address space — one
// table's or index's set of segment files, in the terminology this
// layer's configuration is expressed in.
type Tag uint32

// FileSpace is the storage backend a Cache is built over: named,
// versioned, fixed-identity (tag, fileNum, version) byte ranges. version
// -1 addresses the unversioned base name; version >= 0 addresses that
// file's "<name>.<version>" sibling. Two concrete backends are provided:
// obuffers/posixfile (local disk) and obuffers/gcsfile (Google Cloud
// Storage), so the clock-cache logic in this package never branches on
// backend.
type FileSpace interface {
	// OpenForRead opens (tag, fileNum) at exactly the given version for
	// reading. It returns an error satisfying errors.Is(err,
	// os.ErrNotExist) when that exact version does not exist so the
	// cache's version-fallback search can continue.
	OpenForRead(ctx context.Context, tag Tag, fileNum uint64, version int) (io.ReaderAt, error)
	// OpenForWrite opens (tag, fileNum) at exactly the given version for
	// writing, creating it if absent.
	OpenForWrite(ctx context.Context, tag Tag, fileNum uint64, version int) (io.WriterAt, error)
	// Sync durably persists any buffered writes to (tag, fileNum,
	// version) — fsync on a POSIX backend, a no-op on backends whose
	// writes are already durable once acknowledged.
	Sync(ctx context.Context, tag Tag, fileNum uint64, version int) error
	// Remove deletes (tag, fileNum, version). It must not return an
	// error when the target is already absent.
	Remove(ctx context.Context, tag Tag, fileNum uint64, version int) error
}

// TransformFunc upgrades one block's bytes in place after it was read
// from a file whose on-disk version is older than the tag's configured
// current version. A false return is a format-fatal failure: the caller
// cannot safely proceed with an un-upgradeable block.
type TransformFunc func(data []byte, tag Tag, fromVersion, toVersion int) bool

// TagConfig configures one tag's file space.
type TagConfig struct {
	Tag Tag
	// FilenameTemplate is a printf-style template applied to the upper
	// and lower 32 bits of a 64-bit file number, e.g. "seg_%08x%08x".
	// Concrete FileSpace backends own the actual formatting, and neither
	// backend in this repository reads this field: posixfile and gcsfile
	// each apply their own fixed naming scheme.
	FilenameTemplate string
	// SingleFileSize is the byte size of one on-disk file under this
	// tag; block b's file number is b*BlockSize/SingleFileSize.
	SingleFileSize uint64
	// Version is this tag's current on-disk format version.
	Version int
	// Transform upgrades a block read from an older version. May be nil
	// if the tag's format has never changed.
	Transform TransformFunc
}

func (t *TagConfig) fileNumFor(blockNum uint64) uint64 {
	return blockNum * BlockSize / t.SingleFileSize
}

func (t *TagConfig) offsetFor(blockNum uint64) int64 {
	return int64((blockNum * BlockSize) % t.SingleFileSize)
}
