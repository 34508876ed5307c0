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

package page

import (
	"fmt"

	"github.com/obtreedb/obtree/tuple"
)

// ChunkDesc describes one chunk: its item-area extent and whether its
// items are all HikeySpec.Len bytes wide (and thus stride-searchable by
// the fastpath package).
type ChunkDesc struct {
	Offset      uint16 // byte offset of this chunk's item area within the page body
	ItemsCount  uint16
	HikeyOffset uint16 // byte offset into the high-key region; meaningless when this chunk has no stored high key
	Fixed       bool
}

// ItemsPerChunk bounds how many items accumulate in the active chunk
// before AppendItem starts a new one, keeping each chunk's offset table
// small enough to stay cacheline-dense during a binary search.
const ItemsPerChunk = 32

// AppendItem appends it to the page's current (last) chunk, starting a new
// chunk first if the current one has reached ItemsPerChunk items or if the
// page has no chunks yet. It does not repack offsets; call Reorg once all
// items for this page version have been appended.
func (p *Page) AppendItem(it Item) {
	if len(p.Chunks) == 0 || len(p.Items[len(p.Items)-1]) >= ItemsPerChunk {
		p.Chunks = append(p.Chunks, ChunkDesc{})
		p.Items = append(p.Items, nil)
		p.HiKeys = append(p.HiKeys, nil)
	}
	last := len(p.Items) - 1
	p.Items[last] = append(p.Items[last], it)
}

// ItemCount returns the total number of items across all chunks.
func (p *Page) ItemCount() int {
	n := 0
	for _, chunk := range p.Items {
		n += len(chunk)
	}
	return n
}

// LastItem returns the final item on the page (the one a sibling split
// would carry the high key from), and false if the page is empty.
func (p *Page) LastItem() (Item, bool) {
	for i := len(p.Items) - 1; i >= 0; i-- {
		if len(p.Items[i]) > 0 {
			return p.Items[i][len(p.Items[i])-1], true
		}
	}
	return Item{}, false
}

// FirstItem returns the page's first item, and false if the page is empty.
func (p *Page) FirstItem() (Item, bool) {
	for _, chunk := range p.Items {
		if len(chunk) > 0 {
			return chunk[0], true
		}
	}
	return Item{}, false
}

// Reorg rebuilds the chunk directory and high-key region from the current
// Items, assigns newHikey (the key of the item immediately following this
// page, or nil if p is rightmost), recomputes DataSize/HikeysEnd/
// ChunksCount, and commits a fresh version via ChangeState. hikeySpec, if
// non-nil, is recorded and FlagHikeysFixed is set only if every chunk's
// high key really is hikeySpec.Len bytes — a mismatch silently falls back
// to variable layout rather than corrupting the page.
func (p *Page) Reorg(newHikey []byte, hikeySpec *tuple.FixedFormatSpec) error {
	p.State.BeginWrite()
	defer p.State.CommitWrite()

	offset := uint16(0)
	allFixed := hikeySpec != nil
	for i, chunk := range p.Items {
		p.Chunks[i].Offset = offset
		p.Chunks[i].ItemsCount = uint16(len(chunk))
		fixed := true
		for _, it := range chunk {
			offset += uint16(len(it.Data))
			if hikeySpec == nil || len(it.Data) != int(hikeySpec.Len) {
				fixed = false
			}
		}
		p.Chunks[i].Fixed = fixed && hikeySpec != nil
		if !p.Chunks[i].Fixed {
			allFixed = false
		}
	}

	// Every non-final chunk's high key is the first key of the next
	// chunk; the final chunk's high key is newHikey (nil on a rightmost
	// page).
	hikeyOffset := uint16(0)
	for i := range p.Chunks {
		var hk []byte
		if i+1 < len(p.Chunks) {
			first, ok := firstKeyOf(p.Items[i+1])
			if !ok {
				return fmt.Errorf("page: Reorg: chunk %d has no successor key", i)
			}
			hk = first
		} else {
			hk = newHikey
		}
		p.HiKeys[i] = hk
		if hk == nil {
			continue
		}
		if hikeySpec == nil || len(hk) != int(hikeySpec.Len) {
			allFixed = false
		}
		p.Chunks[i].HikeyOffset = hikeyOffset
		hikeyOffset += uint16(len(hk))
	}

	p.Header.ChunksCount = uint16(len(p.Chunks))
	p.Header.DataSize = uint16(p.DataSize())
	p.Header.HikeysEnd = hikeyOffset
	if allFixed && hikeySpec != nil {
		p.Header.Flags |= FlagHikeysFixed
		p.HikeySpec = hikeySpec
	} else {
		p.Header.Flags &^= FlagHikeysFixed
		p.HikeySpec = nil
	}

	if err := p.Header.Validate(BlockSize); err != nil {
		return err
	}
	return nil
}

func firstKeyOf(items []Item) ([]byte, bool) {
	if len(items) == 0 {
		return nil, false
	}
	return items[0].Key.Data, true
}
