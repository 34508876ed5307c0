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
	"encoding/binary"
	"fmt"

	"github.com/obtreedb/obtree/tuple"
)

// Encode serializes p into exactly BlockSize bytes: the fixed header,
// the chunk directory, each chunk's items (length-prefixed, since only
// fixed chunks have a uniform stride), and the high-key region, which
// occupies the last bytes of the block so Decode can find it from the
// page end; the gap between the items and the high keys is zero. The
// change-state word is not persisted — it is a runtime synchronization
// primitive, reset to zero on every load.
func (p *Page) Encode() ([]byte, error) {
	buf := make([]byte, 0, BlockSize)

	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(p.Header.Flags))
	binary.LittleEndian.PutUint16(hdr[6:8], p.Header.Level)
	binary.LittleEndian.PutUint16(hdr[8:10], p.Header.ChunksCount)
	binary.LittleEndian.PutUint16(hdr[10:12], p.Header.DataSize)
	binary.LittleEndian.PutUint16(hdr[12:14], p.Header.HikeysEnd)
	buf = append(buf, hdr...)

	for i, c := range p.Chunks {
		cd := make([]byte, chunkDescSize)
		binary.LittleEndian.PutUint16(cd[0:2], c.Offset)
		binary.LittleEndian.PutUint16(cd[2:4], c.ItemsCount)
		binary.LittleEndian.PutUint16(cd[4:6], c.HikeyOffset)
		if c.Fixed {
			cd[6] = 1
		}
		if i < len(p.HiKeys) && p.HiKeys[i] != nil {
			cd[7] = 1
		}
		buf = append(buf, cd...)
	}

	for _, chunk := range p.Items {
		for _, it := range chunk {
			if len(it.Data) > 0xFFFF {
				return nil, fmt.Errorf("page: item of %d bytes too large to encode", len(it.Data))
			}
			var lenBuf [2]byte
			binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(it.Data)))
			buf = append(buf, lenBuf[:]...)
			buf = append(buf, it.Data...)
		}
	}

	hkStart := BlockSize
	for _, hk := range p.HiKeys {
		hkStart -= len(hk)
	}
	if len(buf) > hkStart {
		return nil, fmt.Errorf("page: encoded size %d exceeds block size %d", len(buf)+BlockSize-hkStart, BlockSize)
	}
	out := make([]byte, BlockSize)
	copy(out, buf)
	off := hkStart
	for _, hk := range p.HiKeys {
		off += copy(out[off:], hk)
	}
	return out, nil
}

// Decode reconstructs a Page from bytes written by Encode. Every item's
// Key is set equal to its Data (the convention package build follows when
// constructing both leaf and non-leaf items), with FormatFlags left
// zero-valued since the on-disk page format carries no descriptor
// context to interpret it against.
func Decode(data []byte) (*Page, error) {
	if len(data) != BlockSize {
		return nil, fmt.Errorf("page: decode: bad length %d, want %d", len(data), BlockSize)
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != magic {
		return nil, fmt.Errorf("page: decode: bad magic %#x", got)
	}
	p := &Page{
		Header: Header{
			Flags:       Flags(binary.LittleEndian.Uint16(data[4:6])),
			Level:       binary.LittleEndian.Uint16(data[6:8]),
			ChunksCount: binary.LittleEndian.Uint16(data[8:10]),
			DataSize:    binary.LittleEndian.Uint16(data[10:12]),
			HikeysEnd:   binary.LittleEndian.Uint16(data[12:14]),
		},
	}
	if err := p.Header.Validate(BlockSize); err != nil {
		return nil, fmt.Errorf("page: decode: %w", err)
	}

	off := headerSize
	p.Chunks = make([]ChunkDesc, p.Header.ChunksCount)
	hasHikey := make([]bool, p.Header.ChunksCount)
	for i := range p.Chunks {
		if off+chunkDescSize > len(data) {
			return nil, fmt.Errorf("page: decode: truncated chunk directory")
		}
		cd := data[off : off+chunkDescSize]
		p.Chunks[i] = ChunkDesc{
			Offset:      binary.LittleEndian.Uint16(cd[0:2]),
			ItemsCount:  binary.LittleEndian.Uint16(cd[2:4]),
			HikeyOffset: binary.LittleEndian.Uint16(cd[4:6]),
			Fixed:       cd[6] != 0,
		}
		hasHikey[i] = cd[7] != 0
		off += chunkDescSize
	}

	isFixed := p.Header.Flags.Has(FlagHikeysFixed)

	p.Items = make([][]Item, len(p.Chunks))
	for i, c := range p.Chunks {
		items := make([]Item, 0, c.ItemsCount)
		for k := uint16(0); k < c.ItemsCount; k++ {
			if off+2 > len(data) {
				return nil, fmt.Errorf("page: decode: truncated item length in chunk %d", i)
			}
			itemLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += 2
			if off+itemLen > len(data) {
				return nil, fmt.Errorf("page: decode: truncated item body in chunk %d", i)
			}
			itData := append([]byte(nil), data[off:off+itemLen]...)
			off += itemLen
			var flags tuple.FormatFlags
			if isFixed {
				flags = tuple.FlagFixedFormat
			}
			items = append(items, Item{Key: tuple.OTuple{Data: itData, FormatFlags: flags}, Data: itData})
		}
		p.Items[i] = items
	}

	hikeyStart := len(data) - int(p.Header.HikeysEnd)
	if hikeyStart < off {
		return nil, fmt.Errorf("page: decode: high-key region overlaps item data")
	}
	p.HiKeys = make([][]byte, len(p.Chunks))
	for i, c := range p.Chunks {
		if !hasHikey[i] {
			continue
		}
		start := hikeyStart + int(c.HikeyOffset)
		end := hikeyStart + int(p.Header.HikeysEnd)
		for j := i + 1; j < len(p.Chunks); j++ {
			if hasHikey[j] {
				end = hikeyStart + int(p.Chunks[j].HikeyOffset)
				break
			}
		}
		if start < 0 || end > len(data) || start > end {
			return nil, fmt.Errorf("page: decode: bad high-key bounds for chunk %d", i)
		}
		p.HiKeys[i] = append([]byte(nil), data[start:end]...)
	}

	return p, nil
}
