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

package tuple

import (
	"encoding/binary"
	"fmt"
)

// toastPointerMagic marks an in-row field as an indirection to an
// out-of-line value stored in the TOAST index rather than an inline value.
// It is chosen to not collide with any plausible inline fixed-width value
// by reserving a sentinel high bit in the first length byte.
const toastPointerMagic = 0x80

// toastPointerSize is the wire size of a ToastPointer: magic byte, then a
// varlena-style external pointer (raw size, compressed size, TID of the
// first TOAST chunk).
const toastPointerSize = 1 + 4 + 4 + itemPointerSize

// ToastPointer is the inline sentinel record a field is replaced with when
// its value has been pushed out of line into a TOAST index during the
// primary-key rebuild sort (see package tuplesort).
type ToastPointer struct {
	RawSize        uint32
	CompressedSize uint32
	FirstChunk     ItemPointer
}

// IsToastPointer reports whether b decodes as a TOAST pointer sentinel
// rather than an inline value. Callers check this before handing a
// variable-length field's bytes to the ordinary decoder.
func IsToastPointer(b []byte) bool {
	return len(b) >= 1 && b[0] == toastPointerMagic
}

// EncodeToastPointer serializes p as an inline sentinel record.
func EncodeToastPointer(p ToastPointer) []byte {
	out := make([]byte, toastPointerSize)
	out[0] = toastPointerMagic
	binary.LittleEndian.PutUint32(out[1:5], p.RawSize)
	binary.LittleEndian.PutUint32(out[5:9], p.CompressedSize)
	binary.LittleEndian.PutUint32(out[9:13], p.FirstChunk.BlockNumber)
	binary.LittleEndian.PutUint16(out[13:15], p.FirstChunk.OffsetNumber)
	return out
}

// DecodeToastPointer parses an inline sentinel record previously produced
// by EncodeToastPointer.
func DecodeToastPointer(b []byte) (ToastPointer, error) {
	if !IsToastPointer(b) {
		return ToastPointer{}, fmt.Errorf("tuple: not a TOAST pointer")
	}
	if len(b) < toastPointerSize {
		return ToastPointer{}, fmt.Errorf("tuple: short TOAST pointer: have %d bytes, need %d", len(b), toastPointerSize)
	}
	return ToastPointer{
		RawSize:        binary.LittleEndian.Uint32(b[1:5]),
		CompressedSize: binary.LittleEndian.Uint32(b[5:9]),
		FirstChunk: ItemPointer{
			BlockNumber:  binary.LittleEndian.Uint32(b[9:13]),
			OffsetNumber: binary.LittleEndian.Uint16(b[13:15]),
		},
	}, nil
}
