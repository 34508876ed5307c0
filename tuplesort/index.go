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
	"fmt"

	"github.com/obtreedb/obtree/errtag"
	"github.com/obtreedb/obtree/tuple"
)

// IndexSort is the index-build sort (spec.md §4.E flavor 1): key columns
// plus any included columns, in leaf-tuple order, with uniqueness
// enforced over the leading desc.NUniqueFields columns when the index is
// unique.
type IndexSort struct {
	indexName string
	unique    bool
	uniqCmp   *comparator
	s         *sorter[tuple.OTuple]

	checkedUnique bool
}

// BeginIndexSort starts an index-build sort over desc's leaf columns.
// tmpDir names the directory spilled runs are created under (passed to
// os.CreateTemp; empty uses the default temp directory). maxInMemory
// bounds the number of tuples kept resident before a run is spilled.
func BeginIndexSort(desc *tuple.Descriptor, indexName string, tmpDir string, maxInMemory int) (*IndexSort, error) {
	if desc.NKeyFields <= 0 {
		return nil, fmt.Errorf("tuplesort: BeginIndexSort: descriptor has no key fields")
	}
	orderCmp := newComparator(desc.LeafColumns, desc.NKeyFields, &desc.LeafSpec)
	s := newSorter(orderCmp.compare, orderCmp.abbreviate, otupleCodec, maxInMemory, tmpDir)
	return &IndexSort{
		indexName: indexName,
		unique:    desc.NUniqueFields > 0,
		uniqCmp:   newComparator(desc.LeafColumns, desc.NUniqueFields, &desc.LeafSpec),
		s:         s,
	}, nil
}

// Put adds a leaf tuple to the sort.
func (is *IndexSort) Put(ctx context.Context, t tuple.OTuple) error {
	return is.s.put(t)
}

// Get returns the next tuple in index order (forward) or the previous
// one (!forward), and false once exhausted. The first call that drains
// the sort also runs the uniqueness check, returning an
// errtag.UniquenessViolation-tagged ErrDuplicateKey if two tuples share
// equal unique-key columns and neither has a null leading key.
func (is *IndexSort) Get(ctx context.Context, forward bool) (tuple.OTuple, bool, error) {
	if is.unique && !is.checkedUnique {
		if err := is.checkUniqueness(); err != nil {
			return tuple.OTuple{}, false, err
		}
	}
	return is.s.get(forward)
}

func (is *IndexSort) checkUniqueness() error {
	is.checkedUnique = true
	all, err := is.s.all()
	if err != nil {
		return err
	}
	for i := 1; i < len(all); i++ {
		cmp, err := is.uniqCmp.compare(all[i-1], all[i])
		if err != nil {
			return err
		}
		if cmp != 0 {
			continue
		}
		leadingNull, err := is.uniqCmp.leadingKeyIsNull(all[i])
		if err != nil {
			return err
		}
		if leadingNull {
			continue
		}
		return errtag.Wrap(errtag.UniquenessViolation, ErrDuplicateKey{Index: is.indexName})
	}
	return nil
}

// Close releases any temp files still held by unread spilled runs.
func (is *IndexSort) Close() error { return is.s.close() }
