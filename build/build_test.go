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

package build_test

import (
	"context"
	"sync"
	"testing"

	"github.com/obtreedb/obtree/build"
	"github.com/obtreedb/obtree/options"
	"github.com/obtreedb/obtree/page"
	"github.com/obtreedb/obtree/tuple"
)

// fakeSegmentManager is an in-memory stand-in for obuffers.SegmentManager:
// every write gets the next sequential block number and is decoded back
// into memory so a test can inspect exactly what was written.
type fakeSegmentManager struct {
	mu     sync.Mutex
	opened bool
	closed bool
	pages  map[uint64]*page.Page
	next   uint64
}

func newFakeSegmentManager() *fakeSegmentManager {
	return &fakeSegmentManager{pages: map[uint64]*page.Page{}}
}

func (f *fakeSegmentManager) OpenSMGR(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeSegmentManager) CloseSMGR(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSegmentManager) PerformPageIOBuild(ctx context.Context, desc *tuple.Descriptor, p *page.Page, level uint16) (build.Downlink, error) {
	enc, err := p.Encode()
	if err != nil {
		return build.Downlink{}, err
	}
	decoded, err := page.Decode(enc)
	if err != nil {
		return build.Downlink{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	blk := f.next
	f.next++
	f.pages[blk] = decoded
	return build.Downlink{BlockNumber: blk}, nil
}

// fakeCheckpointBroker is an in-memory build.CheckpointBroker, the same
// contract catalog.EvictedTreeRegistry provides for temporary relations.
type fakeCheckpointBroker struct {
	mu  sync.Mutex
	num uint64
}

func (b *fakeCheckpointBroker) CurrentCheckpointNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.num, nil
}

func (b *fakeCheckpointBroker) RecordLatestCheckpoint(ctx context.Context, num uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.num = num
	return nil
}

var singleInt4Column = []tuple.Column{{Name: "k", Kind: tuple.KindInt4, Ascending: true}}

// singleInt4Desc describes a single-int4-key index whose leaf tuple is
// just the key column and whose non-leaf tuple is the key column plus
// the trailing downlink column build.go's makeDownlinkItem appends.
func singleInt4Desc() *tuple.Descriptor {
	return &tuple.Descriptor{
		LeafColumns:    singleInt4Column,
		NonLeafColumns: append(append([]tuple.Column{}, singleInt4Column...), tuple.Column{Name: "downlink", Kind: tuple.KindInt8}),
		NKeyFields:     1,
		NUniqueFields:  1,
		NFields:        1,
	}
}

func leafTuple(t *testing.T, k int32) tuple.OTuple {
	t.Helper()
	ot, err := tuple.FormVariable(singleInt4Column, []any{k}, 0)
	if err != nil {
		t.Fatalf("FormVariable: %v", err)
	}
	return ot
}

func readLeafKey(t *testing.T, it page.Item) int32 {
	t.Helper()
	r, err := tuple.NewFieldReader(it.Key, singleInt4Column, nil)
	if err != nil {
		t.Fatalf("NewFieldReader: %v", err)
	}
	v, isNull, err := r.ReadField(1)
	if err != nil {
		t.Fatalf("ReadField: %v", err)
	}
	if isNull {
		t.Fatalf("unexpected null leaf key")
	}
	return v.(int32)
}

// collectLeafKeys walks every leaf page reachable from root down the
// leftmost edge is not assumed; instead it simply gathers every leaf
// page the fake segment manager ever wrote and flattens their items in
// block-number order, which for this single-writer builder is also
// left-to-right page order.
func collectLeafKeys(t *testing.T, sm *fakeSegmentManager) []int32 {
	t.Helper()
	var keys []int32
	for blk := uint64(0); blk < sm.next; blk++ {
		p, ok := sm.pages[blk]
		if !ok {
			continue
		}
		if !p.Header.Flags.Has(page.FlagLeaf) {
			continue
		}
		for _, chunk := range p.Items {
			for _, it := range chunk {
				keys = append(keys, readLeafKey(t, it))
			}
		}
	}
	return keys
}

func TestBuildSingleLeafPageRoundTrip(t *testing.T) {
	ctx := context.Background()
	sm := newFakeSegmentManager()
	ckpt := &fakeCheckpointBroker{}

	st, err := build.Start(ctx, singleInt4Desc(), tuple.ItemPointer{}, tuple.ItemPointer{}, sm, ckpt)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, k := range []int32{1, 2, 3, 4, 5} {
		if err := st.Add(ctx, leafTuple(t, k)); err != nil {
			t.Fatalf("Add(%d): %v", k, err)
		}
	}
	hdr, err := st.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !sm.opened || !sm.closed {
		t.Fatalf("segment manager open/close = %v/%v, want true/true", sm.opened, sm.closed)
	}
	if hdr.LeafPagesNum != 1 {
		t.Fatalf("LeafPagesNum = %d, want 1", hdr.LeafPagesNum)
	}
	got := collectLeafKeys(t, sm)
	want := []int32{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBuildForcesSplitAcrossManyLeafTuples(t *testing.T) {
	ctx := context.Background()
	sm := newFakeSegmentManager()
	ckpt := &fakeCheckpointBroker{}

	st, err := build.Start(ctx, singleInt4Desc(), tuple.ItemPointer{}, tuple.ItemPointer{}, sm, ckpt, options.WithFillFactor(90))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	const n = 2000
	for k := int32(0); k < n; k++ {
		if err := st.Add(ctx, leafTuple(t, k)); err != nil {
			t.Fatalf("Add(%d): %v", k, err)
		}
	}
	hdr, err := st.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if hdr.LeafPagesNum < 2 {
		t.Fatalf("LeafPagesNum = %d, want at least 2 splits across %d tuples", hdr.LeafPagesNum, n)
	}
	got := collectLeafKeys(t, sm)
	if len(got) != n {
		t.Fatalf("got %d leaf tuples, want %d", len(got), n)
	}
	for i, k := range got {
		if k != int32(i) {
			t.Fatalf("leaf tuple %d = %d, want %d (ascending order not preserved across split)", i, k, i)
		}
	}
}

func TestBuildGrowsMultipleLevelsAndRecordsCheckpoint(t *testing.T) {
	ctx := context.Background()
	sm := newFakeSegmentManager()
	ckpt := &fakeCheckpointBroker{}

	st, err := build.Start(ctx, singleInt4Desc(), tuple.ItemPointer{BlockNumber: 7}, tuple.ItemPointer{}, sm, ckpt)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Enough tuples to force many leaf splits, so the root is a non-leaf
	// page rather than a single leaf.
	const n = 20000
	for k := int32(0); k < n; k++ {
		if err := st.Add(ctx, leafTuple(t, k)); err != nil {
			t.Fatalf("Add(%d): %v", k, err)
		}
	}
	hdr, err := st.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if hdr.Ctid.BlockNumber != 7 {
		t.Fatalf("Ctid = %+v, want BlockNumber 7 preserved from Start", hdr.Ctid)
	}

	var sawNonLeaf bool
	for blk := uint64(0); blk < sm.next; blk++ {
		p := sm.pages[blk]
		if p != nil && !p.Header.Flags.Has(page.FlagLeaf) {
			sawNonLeaf = true
			break
		}
	}
	if !sawNonLeaf {
		t.Fatalf("expected at least one non-leaf page to have been written")
	}

	num, err := ckpt.CurrentCheckpointNumber(ctx)
	if err != nil {
		t.Fatalf("CurrentCheckpointNumber: %v", err)
	}
	_ = num // Finish records whatever CurrentCheckpointNumber returned; no increment contract to assert beyond "it was called".
}

func TestBuildSetPositionsOverridesCheckpointHeader(t *testing.T) {
	ctx := context.Background()
	sm := newFakeSegmentManager()
	ckpt := &fakeCheckpointBroker{}

	st, err := build.Start(ctx, singleInt4Desc(), tuple.ItemPointer{}, tuple.ItemPointer{}, sm, ckpt)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	st.SetPositions(tuple.ItemPointer{BlockNumber: 99, OffsetNumber: 3}, tuple.ItemPointer{BlockNumber: 100})
	if err := st.Add(ctx, leafTuple(t, 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hdr, err := st.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if hdr.Ctid.BlockNumber != 99 || hdr.Ctid.OffsetNumber != 3 {
		t.Fatalf("Ctid = %+v, want {99 3}", hdr.Ctid)
	}
	if hdr.BridgeCtid.BlockNumber != 100 {
		t.Fatalf("BridgeCtid = %+v, want BlockNumber 100", hdr.BridgeCtid)
	}
}

// nonLeafKey reads the leading key column of a non-leaf item, returning
// ok=false for the page's own minus-infinity first item, which carries no
// stored key.
func nonLeafKey(t *testing.T, desc *tuple.Descriptor, it page.Item) (k int32, ok bool) {
	t.Helper()
	r, err := tuple.NewFieldReader(it.Key, desc.NonLeafColumns, nil)
	if err != nil {
		t.Fatalf("NewFieldReader: %v", err)
	}
	v, isNull, err := r.ReadField(1)
	if err != nil {
		t.Fatalf("ReadField(1): %v", err)
	}
	if isNull {
		return 0, false
	}
	return v.(int32), true
}

// nonLeafDownlink reads the trailing downlink column build.go's
// makeDownlinkItem appends after the separator-key columns.
func nonLeafDownlink(t *testing.T, desc *tuple.Descriptor, it page.Item) uint64 {
	t.Helper()
	r, err := tuple.NewFieldReader(it.Key, desc.NonLeafColumns, nil)
	if err != nil {
		t.Fatalf("NewFieldReader: %v", err)
	}
	attnum := len(desc.NonLeafColumns)
	v, isNull, err := r.ReadField(attnum)
	if err != nil {
		t.Fatalf("ReadField(%d): %v", attnum, err)
	}
	if isNull {
		t.Fatalf("unexpected null downlink column")
	}
	return uint64(v.(int64))
}

// floorChild walks p's items in stored (ascending separator) order and
// returns the downlink of the last one whose own lower bound is <= k. Item
// 0 carries no key, so it is always a candidate; it loses to any later
// item whose real separator is also <= k, exactly as the builder's descent
// convention requires: a separator K routes every key >= K, and only keys
// >= K, to its child.
func floorChild(t *testing.T, desc *tuple.Descriptor, p *page.Page, k int32) uint64 {
	t.Helper()
	var chosen page.Item
	haveChosen := false
	for _, chunk := range p.Items {
		for _, it := range chunk {
			key, hasKey := nonLeafKey(t, desc, it)
			if hasKey && key > k {
				if !haveChosen {
					t.Fatalf("floorChild: first item at level %d already exceeds key %d", p.Header.Level, k)
				}
				return nonLeafDownlink(t, desc, chosen)
			}
			chosen, haveChosen = it, true
		}
	}
	if !haveChosen {
		t.Fatalf("floorChild: non-leaf page at level %d has no items", p.Header.Level)
	}
	return nonLeafDownlink(t, desc, chosen)
}

// descendToLeaf walks down from rootBlk following floorChild at every
// non-leaf level, the same traversal a real point lookup performs.
func descendToLeaf(t *testing.T, sm *fakeSegmentManager, desc *tuple.Descriptor, rootBlk uint64, k int32) *page.Page {
	t.Helper()
	blk := rootBlk
	for {
		p, ok := sm.pages[blk]
		if !ok {
			t.Fatalf("descendToLeaf: block %d was never written", blk)
		}
		if p.Header.Flags.Has(page.FlagLeaf) {
			return p
		}
		blk = floorChild(t, desc, p, k)
	}
}

func leafHasKey(t *testing.T, p *page.Page, k int32) bool {
	t.Helper()
	for _, chunk := range p.Items {
		for _, it := range chunk {
			if readLeafKey(t, it) == k {
				return true
			}
		}
	}
	return false
}

// TestBuildSeparatorsRouteToTheLeafContainingEachKey builds a tree with
// many leaves under a non-leaf root, then for a sample of keys
// spanning the whole range (plus both endpoints) walks the tree via its
// actual separators the way a point lookup would, checking that each
// descent lands in the leaf that truly holds the key rather than a
// left or right neighbour.
func TestBuildSeparatorsRouteToTheLeafContainingEachKey(t *testing.T) {
	ctx := context.Background()
	sm := newFakeSegmentManager()
	ckpt := &fakeCheckpointBroker{}
	desc := singleInt4Desc()

	st, err := build.Start(ctx, desc, tuple.ItemPointer{}, tuple.ItemPointer{}, sm, ckpt)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	const n = 20000
	for k := int32(0); k < n; k++ {
		if err := st.Add(ctx, leafTuple(t, k)); err != nil {
			t.Fatalf("Add(%d): %v", k, err)
		}
	}
	hdr, err := st.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	var sawNonLeaf bool
	for blk := uint64(0); blk < sm.next; blk++ {
		if p := sm.pages[blk]; p != nil && !p.Header.Flags.Has(page.FlagLeaf) {
			sawNonLeaf = true
			break
		}
	}
	if !sawNonLeaf {
		t.Fatalf("expected at least one non-leaf level to exercise separator routing")
	}

	for k := int32(0); k < n; k += 97 {
		leaf := descendToLeaf(t, sm, desc, hdr.RootDownlink, k)
		if !leafHasKey(t, leaf, k) {
			t.Fatalf("descending for key %d via its separators landed in a leaf without it", k)
		}
	}
	for _, k := range []int32{0, n - 1} {
		leaf := descendToLeaf(t, sm, desc, hdr.RootDownlink, k)
		if !leafHasKey(t, leaf, k) {
			t.Fatalf("descending for boundary key %d via its separators landed in a leaf without it", k)
		}
	}
}

func TestBuildRejectsOversizeTuple(t *testing.T) {
	ctx := context.Background()
	sm := newFakeSegmentManager()
	ckpt := &fakeCheckpointBroker{}

	st, err := build.Start(ctx, singleInt4Desc(), tuple.ItemPointer{}, tuple.ItemPointer{}, sm, ckpt)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	huge := tuple.OTuple{Data: make([]byte, page.BlockSize)}
	if err := st.Add(ctx, huge); err == nil {
		t.Fatalf("Add with an oversize tuple: expected an error, got nil")
	}
}
