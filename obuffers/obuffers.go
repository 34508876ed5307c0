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

package obuffers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// BlockSize is the fixed unit of I/O and caching.
const BlockSize = 8192

// SlotsPerGroup is the number of buffer slots scanned together under one
// group lock.
const SlotsPerGroup = 4

// Config configures a Cache.
type Config struct {
	GroupsCount int
	Tags        []TagConfig
	Space       FileSpace
}

// ShmemNeeds returns the byte footprint New(cfg) would allocate: the Go
// heap equivalent of o_buffers_shmem_needs's shared-memory size
// calculation, useful for callers sizing a memory budget ahead of
// construction.
func ShmemNeeds(cfg Config) int64 {
	return int64(cfg.GroupsCount) * SlotsPerGroup * BlockSize
}

type slot struct {
	mu sync.RWMutex

	valid    bool
	tag      Tag
	blockNum uint64
	version  int
	dirty    bool
	data     [BlockSize]byte

	usageCount     uint8
	shadowTag      Tag
	shadowBlockNum uint64
	shadowValid    bool
}

type group struct {
	mu    sync.Mutex
	slots [SlotsPerGroup]*slot
}

// Cache is the tag-partitioned, versioned, file-backed block buffer
// cache. All reads and writes of cached data go through it; there is no
// bypass path, matching the contract's "no bypass" requirement.
type Cache struct {
	groups []group
	tags   map[Tag]*TagConfig
	space  FileSpace
	stats  *statsTracker
}

// New constructs a Cache per cfg.
func New(cfg Config) (*Cache, error) {
	if cfg.GroupsCount <= 0 {
		return nil, fmt.Errorf("obuffers: GroupsCount must be positive")
	}
	if cfg.Space == nil {
		return nil, fmt.Errorf("obuffers: Space is required")
	}
	c := &Cache{
		groups: make([]group, cfg.GroupsCount),
		tags:   make(map[Tag]*TagConfig, len(cfg.Tags)),
		space:  cfg.Space,
		stats:  newStats(),
	}
	for i := range cfg.Tags {
		tc := cfg.Tags[i]
		if tc.SingleFileSize == 0 {
			return nil, fmt.Errorf("obuffers: tag %d has zero SingleFileSize", tc.Tag)
		}
		c.tags[tc.Tag] = &tc
	}
	for g := range c.groups {
		for s := range c.groups[g].slots {
			c.groups[g].slots[s] = &slot{}
		}
	}
	return c, nil
}

// StatsSnapshot returns the cache's running hit-rate and eviction
// counters.
func (c *Cache) StatsSnapshot() Stats { return c.stats.snapshot() }

func (c *Cache) tagConfig(tag Tag) (*TagConfig, error) {
	tc, ok := c.tags[tag]
	if !ok {
		return nil, fmt.Errorf("obuffers: unconfigured tag %d", tag)
	}
	return tc, nil
}

func blockGroupIndex(blockNum uint64, groupsCount int) int {
	return int(blockNum % uint64(groupsCount))
}

// Read fills dst from tag's file space starting at byte offset, spanning
// as many blocks as dst requires. Short reads past end-of-file within a
// block are zero-filled per the error-semantics contract.
func (c *Cache) Read(ctx context.Context, tag Tag, offset int64, dst []byte) error {
	tc, err := c.tagConfig(tag)
	if err != nil {
		return err
	}
	return c.rangeOp(ctx, tc, offset, int64(len(dst)), func(blk uint64, inBlockOff, n int64, s *slot) error {
		start := int(inBlockOff)
		dstStart := copiedSoFar(offset, blk, inBlockOff)
		copy(dst[dstStart:dstStart+int(n)], s.data[start:start+int(n)])
		return nil
	}, false)
}

// copiedSoFar computes the destination-buffer offset for the bytes
// belonging to block blk at in-block offset inBlockOff, given the
// original range started at offset.
func copiedSoFar(rangeStart int64, blk uint64, inBlockOff int64) int {
	blockStart := int64(blk)*BlockSize + inBlockOff
	return int(blockStart - rangeStart)
}

// Write stores src into tag's file space starting at byte offset,
// spanning as many blocks as src requires. Writes mark the touched slots
// dirty; they are flushed on eviction or an explicit Sync.
func (c *Cache) Write(ctx context.Context, tag Tag, offset int64, src []byte) error {
	tc, err := c.tagConfig(tag)
	if err != nil {
		return err
	}
	return c.rangeOp(ctx, tc, offset, int64(len(src)), func(blk uint64, inBlockOff, n int64, s *slot) error {
		start := int(inBlockOff)
		copy(s.data[start:start+int(n)], src[copiedSoFar(offset, blk, inBlockOff):copiedSoFar(offset, blk, inBlockOff)+int(n)])
		s.dirty = true
		return nil
	}, true)
}

// rangeOp splits [offset, offset+length) into per-block segments and
// invokes fn against each one's resident slot, held shared for reads or
// exclusive for writes.
func (c *Cache) rangeOp(ctx context.Context, tc *TagConfig, offset, length int64, fn func(blk uint64, inBlockOff, n int64, s *slot) error, write bool) error {
	if length == 0 {
		return nil
	}
	end := offset + length
	for cur := offset; cur < end; {
		blk := uint64(cur / BlockSize)
		inBlockOff := cur % BlockSize
		n := int64(BlockSize) - inBlockOff
		if remain := end - cur; remain < n {
			n = remain
		}

		s, unlock, err := c.getBuffer(ctx, tc, blk, write)
		if err != nil {
			return err
		}
		err = fn(blk, inBlockOff, n, s)
		unlock()
		if err != nil {
			return err
		}
		cur += n
	}
	return nil
}

// getBuffer implements the group-scan / clock-evict algorithm: a shared
// scan for a hit, an exclusive re-scan-then-evict on a miss. It returns
// the resident slot already locked (shared for a read, exclusive for a
// write) and an unlock func the caller must call exactly once.
func (c *Cache) getBuffer(ctx context.Context, tc *TagConfig, blockNum uint64, write bool) (*slot, func(), error) {
	gi := blockGroupIndex(blockNum, len(c.groups))
	grp := &c.groups[gi]

	grp.mu.Lock()
	for _, s := range grp.slots {
		if s.valid && s.tag == tc.Tag && s.blockNum == blockNum {
			if write {
				s.mu.Lock()
			} else {
				s.mu.RLock()
			}
			s.usageCount = saturatingIncrement(s.usageCount)
			grp.mu.Unlock()
			c.stats.hit()
			return s, unlockFunc(s, write), nil
		}
	}
	grp.mu.Unlock()

	// Miss: re-acquire exclusively, re-scan (a racing loader may have
	// already populated it), then evict if still absent.
	grp.mu.Lock()
	for _, s := range grp.slots {
		if s.valid && s.tag == tc.Tag && s.blockNum == blockNum {
			if write {
				s.mu.Lock()
			} else {
				s.mu.RLock()
			}
			s.usageCount = saturatingIncrement(s.usageCount)
			grp.mu.Unlock()
			c.stats.hit()
			return s, unlockFunc(s, write), nil
		}
	}

	victim := grp.slots[0]
	minUsage := uint8(255)
	for _, s := range grp.slots {
		if s.usageCount < minUsage {
			minUsage = s.usageCount
			victim = s
		}
		s.usageCount /= 2
	}
	victim.mu.Lock()
	victim.shadowTag, victim.shadowBlockNum, victim.shadowValid = victim.tag, victim.blockNum, victim.valid
	grp.mu.Unlock()
	c.stats.miss()

	if victim.valid && victim.dirty {
		if err := c.flushLocked(ctx, victim); err != nil {
			victim.mu.Unlock()
			return nil, nil, fmt.Errorf("obuffers: flush victim before eviction: %w", err)
		}
		c.stats.eviction()
	}

	data, version, err := c.loadBlock(ctx, tc, blockNum)
	if err != nil {
		victim.mu.Unlock()
		return nil, nil, err
	}
	victim.valid = true
	victim.tag = tc.Tag
	victim.blockNum = blockNum
	victim.version = version
	victim.dirty = false
	victim.usageCount = 1
	victim.data = data
	victim.shadowValid = false

	if !write {
		// The load above required exclusive access to populate the
		// slot; downgrade to shared for a reader. There is a brief
		// window where another writer could intervene, acceptable
		// here since the data just loaded is immutable from this
		// point until someone else legitimately writes it.
		victim.mu.Unlock()
		victim.mu.RLock()
	}
	return victim, unlockFunc(victim, write), nil
}

func unlockFunc(s *slot, write bool) func() {
	if write {
		return s.mu.Unlock
	}
	return s.mu.RUnlock
}

func saturatingIncrement(u uint8) uint8 {
	if u == 255 {
		return u
	}
	return u + 1
}

// loadBlock performs the versioned open/read described in the contract:
// try the configured current version first, fall back through lower
// version numbers, then the unversioned base name; apply the transform
// callback in place if the version actually opened trails the tag's
// configured current version.
func (c *Cache) loadBlock(ctx context.Context, tc *TagConfig, blockNum uint64) ([BlockSize]byte, int, error) {
	fileNum := tc.fileNumFor(blockNum)
	off := tc.offsetFor(blockNum)

	var r io.ReaderAt
	var openedVersion int
	var err error
	for v := tc.Version; v >= 0; v-- {
		r, err = c.space.OpenForRead(ctx, tc.Tag, fileNum, v)
		if err == nil {
			openedVersion = v
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return [BlockSize]byte{}, 0, fmt.Errorf("obuffers: open tag %d file %d version %d: %w", tc.Tag, fileNum, v, err)
		}
	}
	if r == nil {
		r, err = c.space.OpenForRead(ctx, tc.Tag, fileNum, -1)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// No file at all for this range yet: treat as an
				// all-zero block, matching a short read past EOF.
				return [BlockSize]byte{}, tc.Version, nil
			}
			return [BlockSize]byte{}, 0, fmt.Errorf("obuffers: open tag %d file %d unversioned: %w", tc.Tag, fileNum, err)
		}
		openedVersion = -1
	}

	var buf [BlockSize]byte
	n, err := r.ReadAt(buf[:], off)
	if err != nil && !errors.Is(err, io.EOF) {
		return [BlockSize]byte{}, 0, fmt.Errorf("obuffers: read tag %d file %d: %w", tc.Tag, fileNum, err)
	}
	_ = n // short reads are already zero-filled: buf was zero-valued and only [0:n) was overwritten

	if openedVersion < tc.Version && tc.Transform != nil {
		if !tc.Transform(buf[:], tc.Tag, openedVersion, tc.Version) {
			return [BlockSize]byte{}, 0, fmt.Errorf("obuffers: transform tag %d file %d from version %d to %d failed", tc.Tag, fileNum, openedVersion, tc.Version)
		}
	}
	return buf, tc.Version, nil
}

// flushLocked writes a dirty slot back to its file. Caller must hold
// s.mu exclusively.
func (c *Cache) flushLocked(ctx context.Context, s *slot) error {
	tc, err := c.tagConfig(s.tag)
	if err != nil {
		return err
	}
	fileNum := tc.fileNumFor(s.blockNum)
	off := tc.offsetFor(s.blockNum)
	w, err := c.space.OpenForWrite(ctx, s.tag, fileNum, tc.Version)
	if err != nil {
		return fmt.Errorf("obuffers: open for write tag %d file %d: %w", s.tag, fileNum, err)
	}
	if _, err := w.WriteAt(s.data[:], off); err != nil {
		return fmt.Errorf("obuffers: write tag %d file %d: %w", s.tag, fileNum, err)
	}
	s.dirty = false
	return nil
}

// Sync flushes every dirty slot whose block lies in [from, to] (inclusive,
// in block numbers) for tag, then fsyncs every file covering that range.
func (c *Cache) Sync(ctx context.Context, tag Tag, from, to uint64) error {
	tc, err := c.tagConfig(tag)
	if err != nil {
		return err
	}
	for g := range c.groups {
		grp := &c.groups[g]
		grp.mu.Lock()
		for _, s := range grp.slots {
			if !s.valid || s.tag != tag || s.blockNum < from || s.blockNum > to {
				continue
			}
			s.mu.Lock()
			if s.dirty {
				if err := c.flushLocked(ctx, s); err != nil {
					s.mu.Unlock()
					grp.mu.Unlock()
					return err
				}
			}
			s.mu.Unlock()
		}
		grp.mu.Unlock()
	}
	fromFile, toFile := tc.fileNumFor(from), tc.fileNumFor(to)
	for fileNum := fromFile; fileNum <= toFile; fileNum++ {
		if err := c.space.Sync(ctx, tag, fileNum, tc.Version); err != nil {
			return fmt.Errorf("obuffers: sync tag %d file %d: %w", tag, fileNum, err)
		}
	}
	klog.V(2).Infof("obuffers: synced tag %d blocks [%d,%d], %d files", tag, from, to, toFile-fromFile+1)
	return nil
}

// UnlinkFilesRange invalidates (wipes without writing back) any resident
// block covered by the files spanning blocks [first, last], then unlinks
// every version of each such file in descending order.
func (c *Cache) UnlinkFilesRange(ctx context.Context, tag Tag, first, last uint64) error {
	tc, err := c.tagConfig(tag)
	if err != nil {
		return err
	}
	fromFile, toFile := tc.fileNumFor(first), tc.fileNumFor(last)
	for g := range c.groups {
		grp := &c.groups[g]
		grp.mu.Lock()
		for _, s := range grp.slots {
			if s.valid && s.tag == tag && tc.fileNumFor(s.blockNum) >= fromFile && tc.fileNumFor(s.blockNum) <= toFile {
				s.mu.Lock()
				s.valid = false
				s.dirty = false
				s.mu.Unlock()
			}
		}
		grp.mu.Unlock()
	}

	for fileNum := toFile; ; fileNum-- {
		for v := tc.Version; v >= -1; v-- {
			if err := c.space.Remove(ctx, tag, fileNum, v); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("obuffers: remove tag %d file %d version %d: %w", tag, fileNum, v, err)
			}
		}
		if fileNum == fromFile {
			break
		}
	}
	return nil
}
