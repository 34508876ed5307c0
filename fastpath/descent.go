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

import "github.com/obtreedb/obtree/page"

// FindDownlink performs the two-phase fast-path descent against pg:
// locate the chunk via the fixed high-key stride array, then locate the
// item within that chunk's fixed item array. blockNumber identifies pg
// for cache's purposes only; it is never dereferenced.
//
// The read is validated lock-free: pg.State is snapshotted before the
// first phase and re-checked after the last, with every intermediate
// return path re-checking first. Any mismatch, or the read-blocked bit
// being set at all, yields ResultRetry rather than a possibly-torn read.
func FindDownlink(pg *page.Page, blockNumber uint64, s *Searcher, cache *ChunkCache) (Result, Locator) {
	before := pg.State.Snapshot()
	if page.ReadBlocked(before) {
		return ResultRetry, Locator{}
	}

	if loc, res, handled := sentinelResult(pg, s); handled {
		if pg.State.Snapshot() != before {
			return ResultRetry, Locator{}
		}
		return res, loc
	}

	if !pg.Header.Flags.Has(page.FlagHikeysFixed) {
		return ResultSlowpath, Locator{}
	}

	rightAdjust := 0
	if pg.Header.Flags.Has(page.FlagRightmost) {
		rightAdjust = 1
	}
	chunkCount := len(pg.Chunks) - rightAdjust

	var chunkIdx int
	switch {
	case chunkCount <= 0 && len(pg.Chunks) == 1:
		// Single chunk, and it is the page's own rightmost (hikey-less)
		// chunk: nothing to disambiguate, it is the only candidate.
		chunkIdx = 0
	case chunkCount <= 0:
		return ResultSlowpath, Locator{}
	default:
		var ok bool
		chunkIdx, ok = cachedChunk(cache, blockNumber, page.ChangeCount(before))
		if !ok {
			hikeys := packHikeys(pg, chunkCount)
			lower, upper := s.narrow(hikeys, 0, chunkCount)
			chunkIdx = boundary(s, lower, upper)
			if chunkIdx >= chunkCount {
				return ResultSlowpath, Locator{}
			}
		}
	}

	chunk := pg.Chunks[chunkIdx]
	if !chunk.Fixed {
		return ResultSlowpath, Locator{}
	}
	items := pg.Items[chunkIdx]
	itemData := packItems(items)
	if len(itemData) != int(chunk.ItemsCount)*s.stride {
		return ResultSlowpath, Locator{}
	}

	if cache != nil {
		cache.Put(blockNumber, page.ChangeCount(before), chunkIdx)
	}

	lower2, upper2 := s.narrow(itemData, 0, int(chunk.ItemsCount))
	itemIdx := upper2 - 1

	if lower2 == 0 {
		if chunkIdx > 0 {
			prev := pg.Chunks[chunkIdx-1]
			if !prev.Fixed {
				return ResultSlowpath, Locator{}
			}
			if pg.State.Snapshot() != before {
				return ResultRetry, Locator{}
			}
			return ResultOK, Locator{ChunkIndex: chunkIdx - 1, ItemIndex: len(pg.Items[chunkIdx-1]) - 1}
		}
		if pg.State.Snapshot() != before {
			return ResultRetry, Locator{}
		}
		return ResultOK, Locator{ChunkIndex: 0, ItemIndex: -1}
	}

	if pg.State.Snapshot() != before {
		return ResultRetry, Locator{}
	}
	return ResultOK, Locator{ChunkIndex: chunkIdx, ItemIndex: itemIdx}
}

// boundary picks the chunk-locate result from the narrowed [lower, upper)
// range: an inclusive (page hikey) comparison takes the left edge, the
// first chunk whose hikey is >= the key; an exclusive (tuple/bound)
// comparison takes the right edge, the first chunk whose hikey is > the
// key, since a key equal to a chunk's hikey belongs to the next chunk.
func boundary(s *Searcher, lower, upper int) int {
	if s.Inclusive {
		return lower
	}
	return upper
}

// sentinelResult handles the leftmost/rightmost whole-key sentinels,
// which never touch page bytes.
func sentinelResult(pg *page.Page, s *Searcher) (Locator, Result, bool) {
	if len(s.Attrs) != 1 {
		return Locator{}, 0, false
	}
	a := s.Attrs[0]
	switch {
	case a.MinusInf:
		return Locator{ChunkIndex: 0, ItemIndex: -1}, ResultOK, true
	case a.PlusInf:
		if !pg.Header.Flags.Has(page.FlagRightmost) {
			return Locator{}, ResultSlowpath, true
		}
		last := len(pg.Chunks) - 1
		if last < 0 {
			return Locator{}, ResultSlowpath, true
		}
		return Locator{ChunkIndex: last, ItemIndex: len(pg.Items[last]) - 1}, ResultOK, true
	default:
		return Locator{}, 0, false
	}
}

func packHikeys(pg *page.Page, count int) []byte {
	out := make([]byte, 0, count*8)
	for i := 0; i < count; i++ {
		out = append(out, pg.HiKeys[i]...)
	}
	return out
}

func packItems(items []page.Item) []byte {
	out := make([]byte, 0, len(items)*8)
	for _, it := range items {
		out = append(out, it.Data...)
	}
	return out
}

func cachedChunk(cache *ChunkCache, blockNumber uint64, changeCount uint32) (int, bool) {
	if cache == nil {
		return 0, false
	}
	return cache.Get(blockNumber, changeCount)
}
