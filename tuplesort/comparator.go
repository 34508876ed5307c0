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
	"fmt"
	"math"

	"github.com/obtreedb/obtree/tuple"
)

// comparator orders two OTuples by a prefix of columns (a key-columns
// prefix for an index sort, or a synthesized column list for the
// rebuild/TOAST sorts), extracting each field lazily with
// tuple.NewFieldReader/o_fastgetattr's Go-native equivalent.
type comparator struct {
	columns []tuple.Column
	nKeys   int
	spec    *tuple.FixedFormatSpec
}

func newComparator(columns []tuple.Column, nKeys int, spec *tuple.FixedFormatSpec) *comparator {
	return &comparator{columns: columns, nKeys: nKeys, spec: spec}
}

// compare returns -1, 0, or 1 per the usual convention, stopping at the
// first key column that differs. A null compares per that column's
// NullsFirst setting.
func (c *comparator) compare(a, b tuple.OTuple) (int, error) {
	ra, err := tuple.NewFieldReader(a, c.columns, c.spec)
	if err != nil {
		return 0, fmt.Errorf("tuplesort: comparator: %w", err)
	}
	rb, err := tuple.NewFieldReader(b, c.columns, c.spec)
	if err != nil {
		return 0, fmt.Errorf("tuplesort: comparator: %w", err)
	}
	for i := 0; i < c.nKeys; i++ {
		col := c.columns[i]
		av, aNull, err := ra.ReadField(i + 1)
		if err != nil {
			return 0, err
		}
		bv, bNull, err := rb.ReadField(i + 1)
		if err != nil {
			return 0, err
		}
		cmp, bothNull := compareNullable(av, aNull, bv, bNull, col.NullsFirst)
		if bothNull {
			continue
		}
		if cmp == 0 {
			continue
		}
		if !col.Ascending {
			cmp = -cmp
		}
		return cmp, nil
	}
	return 0, nil
}

// leadingKeyIsNull reports whether a's first key column is null — the
// condition under which §4.E's uniqueness check never fires, mirroring
// "no null was seen on the leading key."
func (c *comparator) leadingKeyIsNull(a tuple.OTuple) (bool, error) {
	if c.nKeys == 0 {
		return false, nil
	}
	ra, err := tuple.NewFieldReader(a, c.columns, c.spec)
	if err != nil {
		return false, err
	}
	_, isNull, err := ra.ReadField(1)
	return isNull, err
}

func compareNullable(av any, aNull bool, bv any, bNull bool, nullsFirst bool) (cmp int, bothNull bool) {
	switch {
	case aNull && bNull:
		return 0, true
	case aNull:
		if nullsFirst {
			return -1, false
		}
		return 1, false
	case bNull:
		if nullsFirst {
			return 1, false
		}
		return -1, false
	}
	return compareValues(av, bv), false
}

func compareValues(av, bv any) int {
	switch a := av.(type) {
	case uint32:
		b := bv.(uint32)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case int32:
		b := bv.(int32)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case int64:
		b := bv.(int64)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case float32:
		return compareFloat(float64(a), float64(bv.(float32)))
	case float64:
		return compareFloat(a, bv.(float64))
	case tuple.ItemPointer:
		return a.Compare(bv.(tuple.ItemPointer))
	default:
		return 0
	}
}

// compareFloat orders NaN greater than every non-NaN value and equal to
// other NaNs, the same total order fastpath's stride search relies on
// for a float4/float8 column — duplicated here rather than imported
// since fastpath's comparator is unexported and this package has no
// other dependency on that package.
func compareFloat(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// abbreviate computes a cheap, order-preserving uint64 proxy for the
// leading key column when it is a fixed-width, non-null integer or OID
// column (a descending column gets the bitwise-inverted key, so the
// order still matches) — the abbreviated-key optimization spec.md §4.E
// calls for, letting sorter[T]'s in-memory sort do most comparisons
// against two uint64s before falling back to the full comparator on a
// tie. ok is false when no cheap abbreviation applies, and every
// comparison then falls through to the full comparator.
func (c *comparator) abbreviate(t tuple.OTuple) (key uint64, ok bool) {
	if c.nKeys == 0 || len(c.columns) == 0 {
		return 0, false
	}
	col := c.columns[0]
	r, err := tuple.NewFieldReader(t, c.columns, c.spec)
	if err != nil {
		return 0, false
	}
	v, isNull, err := r.ReadField(1)
	if err != nil || isNull {
		return 0, false
	}
	switch x := v.(type) {
	case uint32:
		key = uint64(x)
	case int32:
		key = uint64(uint32(x)) ^ (1 << 31)
	case int64:
		key = uint64(x) ^ (1 << 63)
	default:
		return 0, false
	}
	if !col.Ascending {
		key = ^key
	}
	return key, true
}
