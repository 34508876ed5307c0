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

	"github.com/obtreedb/obtree/errtag"
	"github.com/obtreedb/obtree/tuple"
)

// RebuildRecord is one (new-PK-key, old-PK-key, location-hint) triple
// the primary-key rebuild sort orders, matching the packed
// [flags|newkey|oldlen|flags|oldkey|pad|hint] record spec.md §4.E
// describes. Hint is the old row's location, carried through so the
// rebuild can find it again once the new key order is known.
type RebuildRecord struct {
	NewKey tuple.OTuple
	OldKey tuple.OTuple
	Hint   tuple.ItemPointer
}

var rebuildRecordCodec = Codec[RebuildRecord]{
	Encode: func(r RebuildRecord) ([]byte, error) {
		buf := make([]byte, 0, 1+4+len(r.NewKey.Data)+1+4+len(r.OldKey.Data)+6)
		buf = append(buf, byte(r.NewKey.FormatFlags))
		buf = appendUint32Prefixed(buf, r.NewKey.Data)
		buf = append(buf, byte(r.OldKey.FormatFlags))
		buf = appendUint32Prefixed(buf, r.OldKey.Data)
		var hintBuf [6]byte
		binary.LittleEndian.PutUint32(hintBuf[0:4], r.Hint.BlockNumber)
		binary.LittleEndian.PutUint16(hintBuf[4:6], r.Hint.OffsetNumber)
		buf = append(buf, hintBuf[:]...)
		return buf, nil
	},
	Decode: func(b []byte) (RebuildRecord, error) {
		var r RebuildRecord
		if len(b) < 1 {
			return r, fmt.Errorf("tuplesort: short rebuild record")
		}
		r.NewKey.FormatFlags = tuple.FormatFlags(b[0])
		rest, data, err := readUint32Prefixed(b[1:])
		if err != nil {
			return r, err
		}
		r.NewKey.Data = data
		if len(rest) < 1 {
			return r, fmt.Errorf("tuplesort: short rebuild record (old key flags)")
		}
		r.OldKey.FormatFlags = tuple.FormatFlags(rest[0])
		rest, data, err = readUint32Prefixed(rest[1:])
		if err != nil {
			return r, err
		}
		r.OldKey.Data = data
		if len(rest) != 6 {
			return r, fmt.Errorf("tuplesort: short rebuild record (hint)")
		}
		r.Hint = tuple.ItemPointer{
			BlockNumber:  binary.LittleEndian.Uint32(rest[0:4]),
			OffsetNumber: binary.LittleEndian.Uint16(rest[4:6]),
		}
		return r, nil
	},
}

func appendUint32Prefixed(buf []byte, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func readUint32Prefixed(b []byte) (rest, data []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("tuplesort: short length-prefixed field")
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	if uint32(len(b)-4) < n {
		return nil, nil, fmt.Errorf("tuplesort: truncated length-prefixed field")
	}
	return b[4+n:], append([]byte(nil), b[4:4+n]...), nil
}

// RebuildSort is the primary-key rebuild sort (spec.md §4.E flavor 2):
// orders by the new primary key, tie-breaking on the old primary key to
// preserve stable positions among rows whose new key is unchanged.
type RebuildSort struct {
	indexName string
	unique    bool
	newCmp    *comparator
	oldCmp    *comparator
	s         *sorter[RebuildRecord]

	checkedUnique bool
}

// BeginRebuildSort starts a primary-key rebuild sort. newDesc is the
// rebuilt index's descriptor; oldDesc is the index being replaced,
// consulted only for its key columns as the tie-breaker.
func BeginRebuildSort(newDesc, oldDesc *tuple.Descriptor, indexName, tmpDir string, maxInMemory int) (*RebuildSort, error) {
	newCmp := newComparator(newDesc.NonLeafColumns, newDesc.NKeyFields, &newDesc.NonLeafSpec)
	oldCmp := newComparator(oldDesc.NonLeafColumns, oldDesc.NKeyFields, &oldDesc.NonLeafSpec)
	cmpFn := func(a, b RebuildRecord) (int, error) {
		c, err := newCmp.compare(a.NewKey, b.NewKey)
		if err != nil || c != 0 {
			return c, err
		}
		return oldCmp.compare(a.OldKey, b.OldKey)
	}
	abbrFn := func(r RebuildRecord) (uint64, bool) { return newCmp.abbreviate(r.NewKey) }
	s := newSorter(cmpFn, abbrFn, rebuildRecordCodec, maxInMemory, tmpDir)
	return &RebuildSort{
		indexName: indexName,
		unique:    newDesc.NUniqueFields > 0,
		newCmp:    newComparator(newDesc.NonLeafColumns, newDesc.NUniqueFields, &newDesc.NonLeafSpec),
		oldCmp:    oldCmp,
		s:         s,
	}, nil
}

// Put adds one (new key, old key, hint) triple to the sort.
func (rs *RebuildSort) Put(ctx context.Context, r RebuildRecord) error {
	return rs.s.put(r)
}

// Get returns the next record in the rebuilt order, and false once
// exhausted.
func (rs *RebuildSort) Get(ctx context.Context, forward bool) (RebuildRecord, bool, error) {
	if rs.unique && !rs.checkedUnique {
		if err := rs.checkUniqueness(); err != nil {
			return RebuildRecord{}, false, err
		}
	}
	return rs.s.get(forward)
}

func (rs *RebuildSort) checkUniqueness() error {
	rs.checkedUnique = true
	all, err := rs.s.all()
	if err != nil {
		return err
	}
	for i := 1; i < len(all); i++ {
		cmp, err := rs.newCmp.compare(all[i-1].NewKey, all[i].NewKey)
		if err != nil {
			return err
		}
		if cmp != 0 {
			continue
		}
		leadingNull, err := rs.newCmp.leadingKeyIsNull(all[i].NewKey)
		if err != nil {
			return err
		}
		if leadingNull {
			continue
		}
		return errtag.Wrap(errtag.UniquenessViolation, ErrDuplicateKey{Index: rs.indexName})
	}
	return nil
}

// Close releases any temp files still held by unread spilled runs.
func (rs *RebuildSort) Close() error { return rs.s.close() }
