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

package obuffers_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/obtreedb/obtree/obuffers"
	"github.com/obtreedb/obtree/obuffers/posixfile"
)

const testTag obuffers.Tag = 7

func newTestCache(t *testing.T, groups int) (*obuffers.Cache, *posixfile.Space) {
	t.Helper()
	space, err := posixfile.New(t.TempDir())
	if err != nil {
		t.Fatalf("posixfile.New: %v", err)
	}
	cache, err := obuffers.New(obuffers.Config{
		GroupsCount: groups,
		Space:       space,
		Tags: []obuffers.TagConfig{
			{Tag: testTag, SingleFileSize: 4 * obuffers.BlockSize, Version: 0},
		},
	})
	if err != nil {
		t.Fatalf("obuffers.New: %v", err)
	}
	return cache, space
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 4)

	want := bytes.Repeat([]byte{0xab}, obuffers.BlockSize)
	if err := cache.Write(ctx, testTag, 0, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, obuffers.BlockSize)
	if err := cache.Read(ctx, testTag, 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestReadPastEndOfFileIsZeroFilled(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 4)

	got := make([]byte, obuffers.BlockSize)
	for i := range got {
		got[i] = 0xff
	}
	if err := cache.Read(ctx, testTag, 3*obuffers.BlockSize, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %x, want 0 (unwritten block should read as zero)", i, b)
		}
	}
}

func TestWriteSpanningTwoBlocksIsReadableAcrossTheBoundary(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 4)

	src := make([]byte, obuffers.BlockSize+100)
	for i := range src {
		src[i] = byte(i)
	}
	offset := int64(obuffers.BlockSize - 50)
	if err := cache.Write(ctx, testTag, offset, src); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(src))
	if err := cache.Read(ctx, testTag, offset, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatalf("cross-block round trip mismatch")
	}
}

func TestEvictionFlushesDirtyVictimBeforeReuse(t *testing.T) {
	ctx := context.Background()
	// One group of SlotsPerGroup (4) slots, so touching 5 distinct blocks
	// forces at least one eviction of a dirty slot.
	cache, _ := newTestCache(t, 1)

	for b := uint64(0); b < 5; b++ {
		buf := bytes.Repeat([]byte{byte(b + 1)}, obuffers.BlockSize)
		if err := cache.Write(ctx, testTag, int64(b)*obuffers.BlockSize, buf); err != nil {
			t.Fatalf("Write block %d: %v", b, err)
		}
	}
	stats := cache.StatsSnapshot()
	if stats.Evictions == 0 {
		t.Fatalf("expected at least one eviction, got %+v", stats)
	}

	// Every previously written block must still read back correctly,
	// proving the evicted (dirty) slot was flushed to the file space
	// rather than silently dropped.
	for b := uint64(0); b < 5; b++ {
		want := bytes.Repeat([]byte{byte(b + 1)}, obuffers.BlockSize)
		got := make([]byte, obuffers.BlockSize)
		if err := cache.Read(ctx, testTag, int64(b)*obuffers.BlockSize, got); err != nil {
			t.Fatalf("Read block %d: %v", b, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("block %d mismatch after eviction round trip", b)
		}
	}
}

func TestStatsTrackHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 4)

	buf := make([]byte, obuffers.BlockSize)
	if err := cache.Write(ctx, testTag, 0, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before := cache.StatsSnapshot()
	if err := cache.Read(ctx, testTag, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	after := cache.StatsSnapshot()
	if after.Hits != before.Hits+1 {
		t.Fatalf("Hits = %d, want %d", after.Hits, before.Hits+1)
	}
	if after.Misses != before.Misses {
		t.Fatalf("Misses = %d, want %d (a resident block is a hit)", after.Misses, before.Misses)
	}
	if err := cache.Read(ctx, testTag, obuffers.BlockSize, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := cache.StatsSnapshot().Misses; got != after.Misses+1 {
		t.Fatalf("Misses = %d, want %d", got, after.Misses+1)
	}
}

func TestSyncPersistsAcrossNewCacheInstance(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	space, err := posixfile.New(dir)
	if err != nil {
		t.Fatalf("posixfile.New: %v", err)
	}
	cfg := obuffers.Config{
		GroupsCount: 4,
		Space:       space,
		Tags: []obuffers.TagConfig{
			{Tag: testTag, SingleFileSize: 4 * obuffers.BlockSize, Version: 0},
		},
	}
	cache, err := obuffers.New(cfg)
	if err != nil {
		t.Fatalf("obuffers.New: %v", err)
	}
	want := bytes.Repeat([]byte{0x5a}, obuffers.BlockSize)
	if err := cache.Write(ctx, testTag, 0, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cache.Sync(ctx, testTag, 0, 0); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	space2, err := posixfile.New(dir)
	if err != nil {
		t.Fatalf("posixfile.New (reopen): %v", err)
	}
	cache2, err := obuffers.New(obuffers.Config{GroupsCount: 4, Space: space2, Tags: cfg.Tags})
	if err != nil {
		t.Fatalf("obuffers.New (reopen): %v", err)
	}
	got := make([]byte, obuffers.BlockSize)
	if err := cache2.Read(ctx, testTag, 0, got); err != nil {
		t.Fatalf("Read (reopen): %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("data did not survive Sync + reopen")
	}
}

func TestUnlinkFilesRangeDropsResidentBlocksAndFiles(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 4)

	buf := bytes.Repeat([]byte{0x11}, obuffers.BlockSize)
	if err := cache.Write(ctx, testTag, 0, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cache.Sync(ctx, testTag, 0, 0); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := cache.UnlinkFilesRange(ctx, testTag, 0, 0); err != nil {
		t.Fatalf("UnlinkFilesRange: %v", err)
	}
	got := make([]byte, obuffers.BlockSize)
	for i := range got {
		got[i] = 0xff
	}
	if err := cache.Read(ctx, testTag, 0, got); err != nil {
		t.Fatalf("Read after unlink: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %x, want 0 after UnlinkFilesRange", i, b)
		}
	}
}

func TestLoadBlockAppliesTransformOnOlderVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	space, err := posixfile.New(dir)
	if err != nil {
		t.Fatalf("posixfile.New: %v", err)
	}

	// Write a version-0 block directly through a version-0 cache.
	v0Cfg := obuffers.Config{
		GroupsCount: 4,
		Space:       space,
		Tags: []obuffers.TagConfig{
			{Tag: testTag, SingleFileSize: 4 * obuffers.BlockSize, Version: 0},
		},
	}
	v0Cache, err := obuffers.New(v0Cfg)
	if err != nil {
		t.Fatalf("obuffers.New (v0): %v", err)
	}
	old := bytes.Repeat([]byte{0x01}, obuffers.BlockSize)
	if err := v0Cache.Write(ctx, testTag, 0, old); err != nil {
		t.Fatalf("Write (v0): %v", err)
	}
	if err := v0Cache.Sync(ctx, testTag, 0, 0); err != nil {
		t.Fatalf("Sync (v0): %v", err)
	}

	transformCalls := 0
	v1Cache, err := obuffers.New(obuffers.Config{
		GroupsCount: 4,
		Space:       space,
		Tags: []obuffers.TagConfig{
			{
				Tag:            testTag,
				SingleFileSize: 4 * obuffers.BlockSize,
				Version:        1,
				Transform: func(data []byte, tag obuffers.Tag, from, to int) bool {
					transformCalls++
					for i := range data {
						data[i] = 0x02
					}
					return true
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("obuffers.New (v1): %v", err)
	}
	got := make([]byte, obuffers.BlockSize)
	if err := v1Cache.Read(ctx, testTag, 0, got); err != nil {
		t.Fatalf("Read (v1): %v", err)
	}
	if transformCalls != 1 {
		t.Fatalf("transformCalls = %d, want 1", transformCalls)
	}
	want := bytes.Repeat([]byte{0x02}, obuffers.BlockSize)
	if !bytes.Equal(got, want) {
		t.Fatalf("transformed block mismatch")
	}
}

func TestShmemNeedsScalesWithGroupsCount(t *testing.T) {
	small := obuffers.ShmemNeeds(obuffers.Config{GroupsCount: 1})
	big := obuffers.ShmemNeeds(obuffers.Config{GroupsCount: 10})
	if big != 10*small {
		t.Fatalf("ShmemNeeds(10 groups) = %d, want %d", big, 10*small)
	}
}

func TestUnconfiguredTagIsRejected(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 4)
	if err := cache.Read(ctx, obuffers.Tag(999), 0, make([]byte, obuffers.BlockSize)); err == nil {
		t.Fatalf("expected error for unconfigured tag")
	}
}
