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

// Package tuple implements the on-disk tuple encodings consumed by the
// B-tree layer: a fixed-format encoding with no per-tuple header and no
// nulls, and a variable-format encoding with an optional null bitmap.
package tuple

import (
	"encoding/binary"
	"fmt"
)

// FormatFlags occupies the single format-flag byte carried alongside every
// OTuple. Only one bit is defined today.
type FormatFlags uint8

// FlagFixedFormat marks a tuple as using the fixed-format encoding. The bit
// is constant for a given index configuration: a tuple descriptor is either
// always fixed-format or never is.
const FlagFixedFormat FormatFlags = 0x1

// IsFixedFormat reports whether f selects the fixed-format encoding.
func (f FormatFlags) IsFixedFormat() bool { return f&FlagFixedFormat != 0 }

// OTuple is a byte buffer plus its format flags. The zero value represents
// the SQL NULL tuple (O_TUPLE_IS_NULL in the terminology this layer was
// distilled from): Data is nil.
type OTuple struct {
	Data        []byte
	FormatFlags FormatFlags
}

// IsNull reports whether t is the null tuple sentinel, e.g. the end-of-scan
// marker returned by a tuplesort.
func (t OTuple) IsNull() bool { return t.Data == nil }

// FixedFormatSpec describes a fixed-format tuple: every one of NAtts columns
// is present, no nulls possible, total encoded length is exactly Len bytes.
type FixedFormatSpec struct {
	NAtts uint16
	Len   uint16
}

// variableHeaderSize is MAXALIGN(sizeof(OTupleHeaderData)): hasnulls:1/len:15
// packed into a uint16, natts uint16, version uint32, then aligned to 8.
const variableHeaderSize = 8

// VariableHeader is the header prefixing a variable-format tuple.
type VariableHeader struct {
	HasNulls bool
	Len      uint16 // 15 bits in the wire format; values above 1<<15-1 are a format-fatal error
	NAtts    uint16
	Version  uint32
}

func decodeVariableHeader(data []byte) (VariableHeader, error) {
	if len(data) < variableHeaderSize {
		return VariableHeader{}, fmt.Errorf("tuple: short variable header: have %d bytes, need %d", len(data), variableHeaderSize)
	}
	packed := binary.LittleEndian.Uint16(data[0:2])
	h := VariableHeader{
		HasNulls: packed&0x1 != 0,
		Len:      packed >> 1,
		NAtts:    binary.LittleEndian.Uint16(data[2:4]),
		Version:  binary.LittleEndian.Uint32(data[4:8]),
	}
	return h, nil
}

func encodeVariableHeader(h VariableHeader, out []byte) {
	packed := (h.Len << 1)
	if h.HasNulls {
		packed |= 0x1
	}
	binary.LittleEndian.PutUint16(out[0:2], packed)
	binary.LittleEndian.PutUint16(out[2:4], h.NAtts)
	binary.LittleEndian.PutUint32(out[4:8], h.Version)
}

// Size returns the encoded size of t, o_tuple_size's Go equivalent: the
// fixed spec length for fixed-format tuples, or the length carried in the
// variable header otherwise.
func (t OTuple) Size(spec *FixedFormatSpec) (int, error) {
	if t.FormatFlags.IsFixedFormat() {
		return int(spec.Len), nil
	}
	h, err := decodeVariableHeader(t.Data)
	if err != nil {
		return 0, err
	}
	return int(h.Len), nil
}

// HasNulls reports whether t carries a null bitmap. Fixed-format tuples
// never do, by construction.
func (t OTuple) HasNulls() (bool, error) {
	if t.FormatFlags.IsFixedFormat() {
		return false, nil
	}
	h, err := decodeVariableHeader(t.Data)
	if err != nil {
		return false, err
	}
	return h.HasNulls, nil
}

// nullBitmapSize returns the byte length of a null bitmap covering natts
// attributes, MAXALIGNed to 8 like the rest of the tuple's internal layout.
func nullBitmapSize(natts uint16) int {
	bytes := (int(natts) + 7) / 8
	return maxAlign(bytes)
}

func maxAlign(n int) int {
	const alignment = 8
	return (n + alignment - 1) &^ (alignment - 1)
}

// attIsNull reports whether attribute index i (0-based) is null in bitmap.
func attIsNull(bitmap []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(i%8)) == 0
}

func setAttNull(bitmap []byte, i int) {
	bitmap[i/8] &^= 1 << uint(i%8)
}

func setAttNotNull(bitmap []byte, i int) {
	bitmap[i/8] |= 1 << uint(i%8)
}
