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

package fastpath

import lru "github.com/hashicorp/golang-lru/v2"

// chunkCacheKey is (page, page version) -> chunk index. Keying on the
// change count means a cached entry is naturally invalidated the instant
// the page is next mutated: a stale key simply never matches the current
// snapshot again, rather than requiring an explicit invalidation pass.
type chunkCacheKey struct {
	blockNumber uint64
	changeCount uint32
}

// ChunkCache remembers the last few (page, version) -> chunk index
// resolutions a descending worker made, letting a second lookup against
// the same still-unmutated page skip the high-key stride search entirely.
// Backed by a fixed-capacity LRU rather than the single-entry "last
// lookup" cache of a single-threaded descent, since one worker may
// interleave descents across several pages (e.g. fanning out a parallel
// tuplesort feed).
type ChunkCache struct {
	cache *lru.Cache[chunkCacheKey, int]
}

// DefaultChunkCacheSize is the capacity used when no explicit size is
// requested.
const DefaultChunkCacheSize = 64

// NewChunkCache builds a ChunkCache with the given capacity, falling back
// to DefaultChunkCacheSize when size <= 0.
func NewChunkCache(size int) *ChunkCache {
	if size <= 0 {
		size = DefaultChunkCacheSize
	}
	c, err := lru.New[chunkCacheKey, int](size)
	if err != nil {
		// Only returns an error for a non-positive size, already guarded
		// above.
		panic(err)
	}
	return &ChunkCache{cache: c}
}

// Get returns the cached chunk index for (blockNumber, changeCount), if
// present.
func (c *ChunkCache) Get(blockNumber uint64, changeCount uint32) (int, bool) {
	if c == nil {
		return 0, false
	}
	return c.cache.Get(chunkCacheKey{blockNumber, changeCount})
}

// Put records chunkIndex as the resolution for (blockNumber, changeCount).
func (c *ChunkCache) Put(blockNumber uint64, changeCount uint32, chunkIndex int) {
	if c == nil {
		return
	}
	c.cache.Add(chunkCacheKey{blockNumber, changeCount}, chunkIndex)
}
