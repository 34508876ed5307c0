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

// FieldKind is the closed set of datatypes the fast-path descent (see
// package fastpath) knows how to search over a fixed stride array. It is
// also used by fixed-format field decoding in this package.
type FieldKind int

const (
	KindInvalid FieldKind = iota
	KindOID
	KindInt4
	KindInt8
	KindFloat4
	KindFloat8
	KindTID
)

// String implements fmt.Stringer for diagnostics.
func (k FieldKind) String() string {
	switch k {
	case KindOID:
		return "oid"
	case KindInt4:
		return "int4"
	case KindInt8:
		return "int8"
	case KindFloat4:
		return "float4"
	case KindFloat8:
		return "float8"
	case KindTID:
		return "tid"
	default:
		return "invalid"
	}
}

// Width returns the on-disk width in bytes of a value of kind k, or 0 if k
// is not a fixed-width kind.
func (k FieldKind) Width() int {
	switch k {
	case KindOID, KindInt4, KindFloat4:
		return 4
	case KindInt8, KindFloat8:
		return 8
	case KindTID:
		return itemPointerSize
	default:
		return 0
	}
}

// Align returns the MAXALIGN-style alignment requirement for kind k.
func (k FieldKind) Align() int {
	switch k {
	case KindInt8, KindFloat8:
		return 8
	case KindTID:
		return 2
	default:
		return 4
	}
}

const itemPointerSize = 6

// ItemPointer is the TID (block number, offset number) pair used as a
// fixed-width key column and as the row-location hint carried by the
// primary-key rebuild sort (see package tuplesort).
type ItemPointer struct {
	BlockNumber  uint32
	OffsetNumber uint16
}

// Compare implements the standard TID ordering: by block number, then by
// offset number.
func (p ItemPointer) Compare(o ItemPointer) int {
	if p.BlockNumber != o.BlockNumber {
		if p.BlockNumber < o.BlockNumber {
			return -1
		}
		return 1
	}
	switch {
	case p.OffsetNumber < o.OffsetNumber:
		return -1
	case p.OffsetNumber > o.OffsetNumber:
		return 1
	default:
		return 0
	}
}

// Column describes one key or included column of an index's tuple
// descriptor: its opclass-equivalent FieldKind, collation, sort direction
// and null ordering.
type Column struct {
	Name       string
	Kind       FieldKind
	Collation  string
	Ascending  bool
	NullsFirst bool
}

// Descriptor is the index descriptor consumed abstractly from the
// surrounding executor (spec.md §6): leaf/non-leaf tuple descriptors,
// per-column metadata, key/unique/field counts, and the fillfactor the
// builder targets.
type Descriptor struct {
	LeafColumns []Column
	// NonLeafColumns is the separator-key columns followed by exactly one
	// trailing downlink column (the child block number, encoded as
	// KindInt8) — package build relies on this convention when
	// re-deriving a separator from an existing non-leaf tuple.
	NonLeafColumns []Column

	NKeyFields    int
	NUniqueFields int
	NFields       int

	PrimaryIsCTID bool
	Bridging      bool
	FillFactor    int // percentage, default 90

	LeafSpec    FixedFormatSpec
	NonLeafSpec FixedFormatSpec

	LeafFixedFormat    bool
	NonLeafFixedFormat bool
}

// EffectiveFillFactor returns d.FillFactor, defaulting to 90 when unset.
func (d *Descriptor) EffectiveFillFactor() int {
	if d.FillFactor <= 0 {
		return 90
	}
	return d.FillFactor
}
