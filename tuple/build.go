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

import "fmt"

// FormFixed encodes values into a fixed-format OTuple per spec. values must
// align 1:1 with columns and none may be null (fixed-format tuples never
// carry nulls, by spec invariant).
func FormFixed(columns []Column, spec *FixedFormatSpec, values []any) (OTuple, error) {
	if len(values) != len(columns) {
		return OTuple{}, fmt.Errorf("tuple: FormFixed: %d values for %d columns", len(values), len(columns))
	}
	buf := make([]byte, spec.Len)
	off := 0
	for i, c := range columns {
		off = alignTo(off, c.Kind.Align())
		w := c.Kind.Width()
		if off+w > len(buf) {
			return OTuple{}, fmt.Errorf("tuple: FormFixed: spec.Len %d too small for column %d", spec.Len, i)
		}
		if err := encodeFixedWidth(c.Kind, values[i], buf[off:off+w]); err != nil {
			return OTuple{}, err
		}
		off += w
	}
	return OTuple{Data: buf, FormatFlags: FlagFixedFormat}, nil
}

// FormVariable encodes values into a variable-format OTuple. A nil entry in
// values marks that column null; the header's hasnulls bit and bitmap are
// set accordingly. version is carried through to the header verbatim (used
// by callers performing in-place tuple format upgrades).
func FormVariable(columns []Column, values []any, version uint32) (OTuple, error) {
	if len(values) != len(columns) {
		return OTuple{}, fmt.Errorf("tuple: FormVariable: %d values for %d columns", len(values), len(columns))
	}
	hasNulls := false
	for _, v := range values {
		if v == nil {
			hasNulls = true
			break
		}
	}

	bodyLen := 0
	widths := make([]int, len(columns))
	aligns := make([]int, len(columns))
	for i, c := range columns {
		widths[i] = c.Kind.Width()
		aligns[i] = c.Kind.Align()
		bodyLen = alignTo(bodyLen, aligns[i])
		bodyLen += widths[i]
	}

	bitmapLen := 0
	if hasNulls {
		bitmapLen = nullBitmapSize(uint16(len(columns)))
	}

	total := maxAlign(variableHeaderSize + bitmapLen + bodyLen)
	if total > 1<<15-1 {
		return OTuple{}, fmt.Errorf("tuple: FormVariable: encoded length %d exceeds 15-bit length field", total)
	}
	buf := make([]byte, total)
	encodeVariableHeader(VariableHeader{
		HasNulls: hasNulls,
		Len:      uint16(total),
		NAtts:    uint16(len(columns)),
		Version:  version,
	}, buf)

	body := buf[variableHeaderSize+bitmapLen:]
	var bitmap []byte
	if hasNulls {
		bitmap = buf[variableHeaderSize : variableHeaderSize+bitmapLen]
	}

	off := 0
	for i, c := range columns {
		off = alignTo(off, aligns[i])
		if values[i] == nil {
			if hasNulls {
				setAttNull(bitmap, i)
			}
			off += widths[i]
			continue
		}
		if hasNulls {
			setAttNotNull(bitmap, i)
		}
		if err := encodeFixedWidth(c.Kind, values[i], body[off:off+widths[i]]); err != nil {
			return OTuple{}, err
		}
		off += widths[i]
	}

	return OTuple{Data: buf}, nil
}

// GetVersion returns the version field of a variable-format tuple. Calling
// it on a fixed-format tuple is a programming error (fixed-format tuples
// carry no version).
func GetVersion(t OTuple) (uint32, error) {
	if t.FormatFlags.IsFixedFormat() {
		return 0, fmt.Errorf("tuple: GetVersion: fixed-format tuple has no version field")
	}
	h, err := decodeVariableHeader(t.Data)
	if err != nil {
		return 0, err
	}
	return h.Version, nil
}

// SetVersion overwrites the version field of a variable-format tuple
// in place.
func SetVersion(t OTuple, version uint32) error {
	if t.FormatFlags.IsFixedFormat() {
		return fmt.Errorf("tuple: SetVersion: fixed-format tuple has no version field")
	}
	if len(t.Data) < variableHeaderSize {
		return fmt.Errorf("tuple: SetVersion: short tuple")
	}
	h, err := decodeVariableHeader(t.Data)
	if err != nil {
		return err
	}
	h.Version = version
	encodeVariableHeader(h, t.Data)
	return nil
}
