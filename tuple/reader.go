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
	"math"
)

// FieldReader is the zero-overhead field extraction interface for this
// package: a sealed variant over the fixed-format and
// variable-with-optional-nulls encodings, resolved once at construction
// time rather than re-dispatched per field. Callers that only ever touch
// fixed-format tuples (the dominant path) pay no encoding check per call.
type FieldReader interface {
	// ReadField returns the decoded value of the attnum'th column (1-based,
	// matching the spec's attribute numbering) and whether it is null.
	ReadField(attnum int) (datum any, isNull bool, err error)
}

// NewFieldReader builds the FieldReader for tuple t against columns, using
// spec to locate fields. columns and spec describe the shape t was
// encoded with.
func NewFieldReader(t OTuple, columns []Column, spec *FixedFormatSpec) (FieldReader, error) {
	if t.FormatFlags.IsFixedFormat() {
		return &fixedReader{tuple: t, columns: columns, spec: spec}, nil
	}
	h, err := decodeVariableHeader(t.Data)
	if err != nil {
		return nil, err
	}
	r := &variableReader{tuple: t, columns: columns, header: h}
	if h.HasNulls {
		r.bitmap = t.Data[variableHeaderSize : variableHeaderSize+nullBitmapSize(h.NAtts)]
		r.body = t.Data[variableHeaderSize+nullBitmapSize(h.NAtts):]
	} else {
		r.body = t.Data[variableHeaderSize:]
	}
	return r, nil
}

// fixedReader implements FieldReader over the fixed-format encoding: no
// header, no null bitmap, each column occupies a MAXALIGNed slot whose
// offset ReadField recomputes from the column widths on every call.
type fixedReader struct {
	tuple   OTuple
	columns []Column
	spec    *FixedFormatSpec
}

func (r *fixedReader) ReadField(attnum int) (any, bool, error) {
	if attnum < 1 || attnum > int(r.spec.NAtts) {
		return nil, true, nil
	}
	off, width, err := fixedFieldOffset(r.columns, attnum)
	if err != nil {
		return nil, false, err
	}
	if off+width > len(r.tuple.Data) {
		return nil, false, fmt.Errorf("tuple: fixed field %d out of bounds (off=%d width=%d len=%d)", attnum, off, width, len(r.tuple.Data))
	}
	v, err := decodeFixedWidth(r.columns[attnum-1].Kind, r.tuple.Data[off:off+width])
	return v, false, err
}

// fixedFieldOffset walks columns once to find the MAXALIGNed byte offset
// and width of attnum (1-based). There is no per-descriptor offset cache
// here (unlike the attcacheoff-style caching a shared tuple descriptor
// would allow) since each call already recomputes from a small columns
// slice rather than a live catalog entry.
func fixedFieldOffset(columns []Column, attnum int) (offset, width int, err error) {
	off := 0
	for i, c := range columns {
		w := c.Kind.Width()
		if w == 0 {
			return 0, 0, fmt.Errorf("tuple: column %q has no fixed width", c.Name)
		}
		off = alignTo(off, c.Kind.Align())
		if i+1 == attnum {
			return off, w, nil
		}
		off += w
	}
	return 0, 0, fmt.Errorf("tuple: attnum %d out of range (natts=%d)", attnum, len(columns))
}

func alignTo(off, align int) int {
	if align <= 1 {
		return off
	}
	return (off + align - 1) &^ (align - 1)
}

// variableReader implements FieldReader over the variable-format encoding:
// header, optional null bitmap, MAXALIGNed field storage. Offsets are
// recomputed by walking from the start on every call, matching an isolated
// random-access read; the sequential fast path used while building an
// index (see package build) instead walks forward with a single cursor
// (see SequentialReader).
type variableReader struct {
	tuple   OTuple
	columns []Column
	header  VariableHeader
	bitmap  []byte
	body    []byte
}

func (r *variableReader) ReadField(attnum int) (any, bool, error) {
	if attnum < 1 || attnum > int(r.header.NAtts) {
		return nil, true, nil
	}
	if r.header.HasNulls && attIsNull(r.bitmap, attnum-1) {
		return nil, true, nil
	}
	off := 0
	for i := 0; i < attnum-1; i++ {
		w := r.columns[i].Kind.Width()
		off = alignTo(off, r.columns[i].Kind.Align())
		off += w
	}
	c := r.columns[attnum-1]
	off = alignTo(off, c.Kind.Align())
	w := c.Kind.Width()
	if off+w > len(r.body) {
		return nil, false, fmt.Errorf("tuple: variable field %d out of bounds", attnum)
	}
	v, err := decodeFixedWidth(c.Kind, r.body[off:off+w])
	return v, false, err
}

// SequentialReader reads every field of a variable-format tuple in
// ascending attnum order with a single forward cursor, avoiding the
// from-the-start walk variableReader performs on each random-access call.
// The builder (see package build) uses this when decomposing each tuple
// handed to it by a tuplesort, since it always consumes fields in order.
type SequentialReader struct {
	columns []Column
	header  VariableHeader
	bitmap  []byte
	body    []byte
	off     int
	next    int
}

// NewSequentialReader builds a SequentialReader over a variable-format
// tuple. It is an error to call it on a fixed-format tuple: fixed-format
// fields are already accessed in O(1) via fixedFieldOffset and gain
// nothing from a cursor.
func NewSequentialReader(t OTuple, columns []Column) (*SequentialReader, error) {
	if t.FormatFlags.IsFixedFormat() {
		return nil, fmt.Errorf("tuple: NewSequentialReader: tuple is fixed-format")
	}
	h, err := decodeVariableHeader(t.Data)
	if err != nil {
		return nil, err
	}
	r := &SequentialReader{columns: columns, header: h}
	if h.HasNulls {
		r.bitmap = t.Data[variableHeaderSize : variableHeaderSize+nullBitmapSize(h.NAtts)]
		r.body = t.Data[variableHeaderSize+nullBitmapSize(h.NAtts):]
	} else {
		r.body = t.Data[variableHeaderSize:]
	}
	return r, nil
}

// Next returns the value of the next attribute in sequence, advancing the
// cursor. It returns ok=false once every attribute has been consumed.
func (r *SequentialReader) Next() (datum any, isNull bool, ok bool, err error) {
	if r.next >= int(r.header.NAtts) {
		return nil, false, false, nil
	}
	attnum := r.next
	r.next++
	c := r.columns[attnum]
	r.off = alignTo(r.off, c.Kind.Align())
	w := c.Kind.Width()
	if r.header.HasNulls && attIsNull(r.bitmap, attnum) {
		r.off += w
		return nil, true, true, nil
	}
	if r.off+w > len(r.body) {
		return nil, false, true, fmt.Errorf("tuple: sequential field %d out of bounds", attnum+1)
	}
	v, err := decodeFixedWidth(c.Kind, r.body[r.off:r.off+w])
	r.off += w
	return v, false, true, err
}

func decodeFixedWidth(kind FieldKind, b []byte) (any, error) {
	switch kind {
	case KindOID:
		return binary.LittleEndian.Uint32(b), nil
	case KindInt4:
		return int32(binary.LittleEndian.Uint32(b)), nil
	case KindInt8:
		return int64(binary.LittleEndian.Uint64(b)), nil
	case KindFloat4:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case KindFloat8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case KindTID:
		return ItemPointer{
			BlockNumber:  binary.LittleEndian.Uint32(b[0:4]),
			OffsetNumber: binary.LittleEndian.Uint16(b[4:6]),
		}, nil
	default:
		return nil, fmt.Errorf("tuple: unsupported fixed-width kind %v", kind)
	}
}

func encodeFixedWidth(kind FieldKind, v any, out []byte) error {
	switch kind {
	case KindOID:
		binary.LittleEndian.PutUint32(out, v.(uint32))
	case KindInt4:
		binary.LittleEndian.PutUint32(out, uint32(v.(int32)))
	case KindInt8:
		binary.LittleEndian.PutUint64(out, uint64(v.(int64)))
	case KindFloat4:
		binary.LittleEndian.PutUint32(out, math.Float32bits(v.(float32)))
	case KindFloat8:
		binary.LittleEndian.PutUint64(out, math.Float64bits(v.(float64)))
	case KindTID:
		p := v.(ItemPointer)
		binary.LittleEndian.PutUint32(out[0:4], p.BlockNumber)
		binary.LittleEndian.PutUint16(out[4:6], p.OffsetNumber)
	default:
		return fmt.Errorf("tuple: unsupported fixed-width kind %v", kind)
	}
	return nil
}
