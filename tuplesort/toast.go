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

package tuplesort

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/obtreedb/obtree/tuple"
)

// ToastRecord is one out-of-line chunk the TOAST sort orders by
// (primary-key, attnum, chunk-num), per spec.md §4.E flavor 3.
type ToastRecord struct {
	PrimaryKey tuple.OTuple
	AttNum     int16
	ChunkNum   int32
	Chunk      tuple.OTuple
}

var toastRecordCodec = Codec[ToastRecord]{
	Encode: func(r ToastRecord) ([]byte, error) {
		buf := make([]byte, 0, 1+4+len(r.PrimaryKey.Data)+2+4+1+4+len(r.Chunk.Data))
		buf = append(buf, byte(r.PrimaryKey.FormatFlags))
		buf = appendUint32Prefixed(buf, r.PrimaryKey.Data)
		var hdr [6]byte
		binary.LittleEndian.PutUint16(hdr[0:2], uint16(r.AttNum))
		binary.LittleEndian.PutUint32(hdr[2:6], uint32(r.ChunkNum))
		buf = append(buf, hdr[:]...)
		buf = append(buf, byte(r.Chunk.FormatFlags))
		buf = appendUint32Prefixed(buf, r.Chunk.Data)
		return buf, nil
	},
	Decode: func(b []byte) (ToastRecord, error) {
		var r ToastRecord
		if len(b) < 1 {
			return r, fmt.Errorf("tuplesort: short toast record")
		}
		r.PrimaryKey.FormatFlags = tuple.FormatFlags(b[0])
		rest, data, err := readUint32Prefixed(b[1:])
		if err != nil {
			return r, err
		}
		r.PrimaryKey.Data = data
		if len(rest) < 7 {
			return r, fmt.Errorf("tuplesort: short toast record (header)")
		}
		r.AttNum = int16(binary.LittleEndian.Uint16(rest[0:2]))
		r.ChunkNum = int32(binary.LittleEndian.Uint32(rest[2:6]))
		r.Chunk.FormatFlags = tuple.FormatFlags(rest[6])
		_, data, err = readUint32Prefixed(rest[7:])
		if err != nil {
			return r, err
		}
		r.Chunk.Data = data
		return r, nil
	},
}

// ToastSort is the TOAST sort (spec.md §4.E flavor 3): orders by
// (primary-key, attnum, chunk-num), with synthesized fixed-opclass
// comparisons for the attnum and chunk-num columns rather than consulting
// an arbitrary opclass, since those two are always plain integers.
type ToastSort struct {
	pkCmp *comparator
	s     *sorter[ToastRecord]
}

// BeginToastSort starts a TOAST sort. primaryDesc is the owning table's
// primary key descriptor, consulted for the leading primary-key columns.
func BeginToastSort(primaryDesc *tuple.Descriptor, tmpDir string, maxInMemory int) (*ToastSort, error) {
	pkCmp := newComparator(primaryDesc.NonLeafColumns, primaryDesc.NKeyFields, &primaryDesc.NonLeafSpec)
	cmpFn := func(a, b ToastRecord) (int, error) {
		c, err := pkCmp.compare(a.PrimaryKey, b.PrimaryKey)
		if err != nil || c != 0 {
			return c, err
		}
		if a.AttNum != b.AttNum {
			if a.AttNum < b.AttNum {
				return -1, nil
			}
			return 1, nil
		}
		switch {
		case a.ChunkNum < b.ChunkNum:
			return -1, nil
		case a.ChunkNum > b.ChunkNum:
			return 1, nil
		default:
			return 0, nil
		}
	}
	abbrFn := func(r ToastRecord) (uint64, bool) { return pkCmp.abbreviate(r.PrimaryKey) }
	s := newSorter(cmpFn, abbrFn, toastRecordCodec, maxInMemory, tmpDir)
	return &ToastSort{pkCmp: pkCmp, s: s}, nil
}

// Put adds one TOAST chunk record to the sort.
func (ts *ToastSort) Put(ctx context.Context, r ToastRecord) error {
	return ts.s.put(r)
}

// Get returns the next record in (primary-key, attnum, chunk-num) order,
// and false once exhausted.
func (ts *ToastSort) Get(ctx context.Context, forward bool) (ToastRecord, bool, error) {
	return ts.s.get(forward)
}

// Close releases any temp files still held by unread spilled runs.
func (ts *ToastSort) Close() error { return ts.s.close() }
