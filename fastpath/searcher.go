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

import (
	"fmt"

	"github.com/obtreedb/obtree/tuple"
)

// MaxKeys bounds the number of non-leaf attributes the fast path will
// decompose a search key over. Above this, the generic binary search
// is used instead — four attributes covers every index shape the closed
// FieldKind set is expected to key on.
const MaxKeys = 4

// AttrSearch is one decomposed attribute of a search key.
type AttrSearch struct {
	Kind      tuple.FieldKind
	Offset    int // byte offset of this attribute within a stride element
	Value     any // decoded native value; nil when PlusInf or MinusInf is set
	PlusInf   bool
	MinusInf  bool
}

// Searcher holds the per-attribute decomposition needed to stride-search a
// non-leaf page for one lookup key, plus the static layout (stride, per-
// attribute search function) derived once from the index's non-leaf tuple
// descriptor.
type Searcher struct {
	Attrs     []AttrSearch
	Inclusive bool // true for a page-hikey search, false for a tuple/bound search

	stride int
	fns    []strideSearchFunc
	offs   []int
}

// CanFastpathFindDownlink reports whether desc's non-leaf shape qualifies
// for the fast path: at most MaxKeys attributes, a pure fixed-format
// non-leaf tuple (NonLeafSpec.NAtts == len(NonLeafColumns)), and every
// attribute's kind in the closed set search.go dispatches on.
func CanFastpathFindDownlink(desc *tuple.Descriptor) bool {
	if desc == nil || !desc.NonLeafFixedFormat {
		return false
	}
	if len(desc.NonLeafColumns) == 0 || len(desc.NonLeafColumns) > MaxKeys {
		return false
	}
	if int(desc.NonLeafSpec.NAtts) != len(desc.NonLeafColumns) {
		return false
	}
	for _, c := range desc.NonLeafColumns {
		if searchByKind(c.Kind) == nil {
			return false
		}
	}
	return true
}

// newLayout computes, once per descriptor, the stride and per-attribute
// byte offsets of a non-leaf item array. Call sites cache the result
// rather than recomputing it per descent.
func newLayout(columns []tuple.Column) (stride int, offs []int, fns []strideSearchFunc, err error) {
	off := 0
	offs = make([]int, len(columns))
	fns = make([]strideSearchFunc, len(columns))
	for i, c := range columns {
		off = alignTo(off, c.Kind.Align())
		offs[i] = off
		fns[i] = searchByKind(c.Kind)
		if fns[i] == nil {
			return 0, nil, nil, fmt.Errorf("fastpath: unsupported kind %v", c.Kind)
		}
		off += c.Kind.Width()
	}
	return alignTo(off, 8), offs, fns, nil
}

func alignTo(off, align int) int {
	if align <= 1 {
		return off
	}
	return (off + align - 1) &^ (align - 1)
}

// KeyKind distinguishes the shapes of search key spec.md §4.C enumerates:
// a fetch for an exact tuple (exclusive bound), a page high-key comparison
// (inclusive), or a rightmost/leftmost sentinel descent.
type KeyKind int

const (
	KeyBound KeyKind = iota
	KeyPageHikey
	KeyRightmost
	KeyLeftmost
)

// Decompose builds a Searcher for one lookup against a non-leaf page whose
// columns are desc.NonLeafColumns. values holds one entry per column,
// nil meaning "no value at this position" (only valid for KeyRightmost/
// KeyLeftmost sentinels, which ignore values entirely).
func Decompose(desc *tuple.Descriptor, kind KeyKind, values []any) (*Searcher, error) {
	if !CanFastpathFindDownlink(desc) {
		return nil, fmt.Errorf("fastpath: descriptor not eligible for fast-path descent")
	}
	stride, offs, fns, err := newLayout(desc.NonLeafColumns)
	if err != nil {
		return nil, err
	}
	s := &Searcher{stride: stride, offs: offs, fns: fns, Inclusive: kind == KeyPageHikey}

	switch kind {
	case KeyRightmost:
		s.Attrs = []AttrSearch{{PlusInf: true}}
		return s, nil
	case KeyLeftmost:
		s.Attrs = []AttrSearch{{MinusInf: true}}
		return s, nil
	}

	if len(values) != len(desc.NonLeafColumns) {
		return nil, fmt.Errorf("fastpath: %d values for %d non-leaf columns", len(values), len(desc.NonLeafColumns))
	}
	s.Attrs = make([]AttrSearch, len(values))
	for i, c := range desc.NonLeafColumns {
		s.Attrs[i] = AttrSearch{Kind: c.Kind, Offset: offs[i], Value: values[i]}
	}
	return s, nil
}

// narrow runs the composed attribute searches over a stride array of
// count elements starting at byte offset base within data, returning the
// half-open [lower, upper) index range that matches every attribute in
// order — each attribute search narrows the interval the next operates
// over, exactly as a multi-column B-tree comparison does.
func (s *Searcher) narrow(data []byte, base, count int) (lower, upper int) {
	lower, upper = 0, count
	for i, a := range s.Attrs {
		if upper <= lower {
			return lower, upper
		}
		fn := s.fns[i]
		if fn == nil {
			fn = searchByKind(a.Kind)
		}
		l, u := fn(data, base+lower*s.stride+s.offs[i], s.stride, upper-lower, a.Value, a.PlusInf, a.MinusInf)
		lower, upper = lower+l, lower+u
	}
	return lower, upper
}
