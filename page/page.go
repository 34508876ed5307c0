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

// Package page implements the chunked B-tree page layout: a chunk
// directory, per-chunk high keys laid out as an optional fixed stride
// array, and the change-counter protocol the fastpath package validates
// its lock-free reads against.
package page

import (
	"fmt"
	"sync/atomic"

	"github.com/obtreedb/obtree/tuple"
)

// BlockSize is the fixed page size every Page serializes to, matching the
// block size obuffers.Cache reads and writes.
const BlockSize = 8192

// headerSize is the serialized size of Header, excluding ChangeCount (kept
// out-of-band as an atomic word — see ChangeState).
const headerSize = 16

// chunkDescSize is the serialized size of one ChunkDesc entry.
const chunkDescSize = 8

const magic = 0x4f425432 // "OBT2" read as a little-endian uint32

// Flags is the page-level flag bitmask.
type Flags uint16

const (
	// FlagLeaf marks a page holding table tuples rather than downlinks.
	FlagLeaf Flags = 1 << iota
	// FlagRightmost marks the rightmost page at its level: it has no
	// right-link and no trailing chunk high key.
	FlagRightmost
	// FlagLeftmost marks the leftmost page at its level: its first item
	// is a minus-infinity downlink with no stored key.
	FlagLeftmost
	// FlagRootInit marks a page that is also the tree's root.
	FlagRootInit
	// FlagHikeysFixed is set when every chunk high key on this page
	// occupies the same HikeySpec.Len MAXALIGNed bytes, enabling the
	// fastpath package's stride search over the high-key region.
	FlagHikeysFixed
)

// Has reports whether bit is set in f.
func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Header is the fixed-size page header.
type Header struct {
	Flags       Flags
	Level       uint16
	ChunksCount uint16
	DataSize    uint16 // total encoded item bytes across all chunks (each payload plus its 2-byte length prefix)
	HikeysEnd   uint16 // byte offset, from the end of the page, where the high-key region ends
}

// ChangeState is the atomic word fastpath.go's lock-free descent validates
// reads against: a change counter plus a read-blocked flag, combined into
// one word so a single atomic load captures both.
type ChangeState struct {
	word atomic.Uint32
}

const readBlockedBit = uint32(1) << 31

// Snapshot returns the current state word.
func (c *ChangeState) Snapshot() uint32 { return c.word.Load() }

// ChangeCount extracts the change counter from a snapshotted word.
func ChangeCount(word uint32) uint32 { return word &^ readBlockedBit }

// ReadBlocked reports whether word has the read-blocked bit set.
func ReadBlocked(word uint32) bool { return word&readBlockedBit != 0 }

// BeginWrite sets the read-blocked bit, publishing to concurrent readers
// that this page is mid-mutation. Readers observing this must return Retry.
func (c *ChangeState) BeginWrite() {
	for {
		old := c.word.Load()
		if c.word.CompareAndSwap(old, old|readBlockedBit) {
			return
		}
	}
}

// CommitWrite clears the read-blocked bit and increments the change
// counter, publishing the page as safe to read again at a new version.
func (c *ChangeState) CommitWrite() {
	for {
		old := c.word.Load()
		next := (ChangeCount(old) + 1) &^ readBlockedBit
		if c.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// Validate checks internal header consistency, returning a descriptive
// error (format-fatal per the error taxonomy) rather than panicking on a
// corrupt page.
func (h Header) Validate(pageLen int) error {
	if pageLen != BlockSize {
		return fmt.Errorf("page: bad page length %d, want %d", pageLen, BlockSize)
	}
	if h.Flags.Has(FlagLeaf) && h.Level != 0 {
		return fmt.Errorf("page: leaf page has nonzero level %d", h.Level)
	}
	if !h.Flags.Has(FlagLeaf) && h.Level == 0 {
		return fmt.Errorf("page: non-leaf page has level 0")
	}
	maxBody := BlockSize - headerSize
	if int(h.DataSize)+int(h.ChunksCount)*chunkDescSize+int(h.HikeysEnd) > maxBody {
		return fmt.Errorf("page: dataSize(%d)+chunkDir(%d)+hikeys(%d) exceeds page body %d",
			h.DataSize, int(h.ChunksCount)*chunkDescSize, h.HikeysEnd, maxBody)
	}
	return nil
}

// Item is one entry stored on a page: a non-leaf item is a separator key
// plus a downlink payload (child block number and metadata); a leaf item
// is a table key plus its TID/heap payload. page is agnostic to which —
// Data is opaque, Key is used only for high-key derivation and stride
// layout decisions.
type Item struct {
	Key  tuple.OTuple
	Data []byte
}

// Page is the in-memory staging representation of one page: a chunk
// directory, optional per-chunk high keys, and the chunk's items. Callers
// build a Page incrementally via AppendItem, then Reorg to commit a
// packed, atomically versioned layout before serializing.
type Page struct {
	Header    Header
	State     ChangeState
	Chunks    []ChunkDesc
	HiKeys    [][]byte // parallel to Chunks; nil entry when that chunk has no stored high key
	Items     [][]Item // parallel to Chunks
	HikeySpec *tuple.FixedFormatSpec
}

// NewLeaf returns an empty leaf page, leftmost and rightmost until joined
// by siblings during a split.
func NewLeaf() *Page {
	return &Page{Header: Header{Flags: FlagLeaf | FlagLeftmost | FlagRightmost}}
}

// NewNonLeaf returns an empty non-leaf page at level, leftmost and
// rightmost until joined by siblings during a split.
func NewNonLeaf(level uint16) *Page {
	if level == 0 {
		level = 1
	}
	return &Page{Header: Header{Level: level, Flags: FlagLeftmost | FlagRightmost}}
}

// DataSize sums the serialized size of every item across every chunk,
// including the 2-byte length prefix Encode writes before each payload.
func (p *Page) DataSize() int {
	n := 0
	for _, chunk := range p.Items {
		for _, it := range chunk {
			n += 2 + len(it.Data)
		}
	}
	return n
}

// HikeyBytes sums the serialized size of the high-key region.
func (p *Page) HikeyBytes() int {
	n := 0
	for _, hk := range p.HiKeys {
		n += len(hk)
	}
	return n
}

// ChunkDirBytes returns the byte size of the chunk directory.
func (p *Page) ChunkDirBytes() int {
	return len(p.Chunks) * chunkDescSize
}

// FreeSpace returns the number of unused body bytes. Testable property:
// DataSize()+HikeyBytes()+ChunkDirBytes()+FreeSpace() == BlockSize-headerSize
// always holds for a page produced by Reorg.
func (p *Page) FreeSpace() int {
	used := p.DataSize() + p.HikeyBytes() + p.ChunkDirBytes()
	free := BlockSize - headerSize - used
	if free < 0 {
		return 0
	}
	return free
}
