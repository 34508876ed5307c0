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

// Package build implements the bottom-up streaming B-tree builder: feed
// tuples in ascending key order, and it emits a fully formed tree one
// page at a time without ever holding more than one open page per level
// in memory.
package build

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/obtreedb/obtree/errtag"
	"github.com/obtreedb/obtree/options"
	"github.com/obtreedb/obtree/page"
	"github.com/obtreedb/obtree/tuple"
)

// Downlink is what a SegmentManager hands back after writing a page: the
// child pointer a parent-level item encodes alongside its separator key.
type Downlink struct {
	BlockNumber uint64
}

// SegmentManager is the consumed "segment manager" collaborator of
// spec.md §6: it owns block allocation and the actual page I/O. The only
// concrete implementation in this repository is obuffers.SegmentManager;
// the interface exists so a future shared-buffer-pool-backed manager can
// be swapped in without this package changing shape.
type SegmentManager interface {
	OpenSMGR(ctx context.Context) error
	CloseSMGR(ctx context.Context) error
	// PerformPageIOBuild durably writes p at level and returns the
	// downlink a parent page should reference it by.
	PerformPageIOBuild(ctx context.Context, desc *tuple.Descriptor, p *page.Page, level uint16) (Downlink, error)
}

// CheckpointBroker is the consumed "checkpoint broker" collaborator of
// spec.md §6.
type CheckpointBroker interface {
	CurrentCheckpointNumber(ctx context.Context) (uint64, error)
	RecordLatestCheckpoint(ctx context.Context, num uint64) error
}

// CheckpointFileHeader is the fixed-size record spec.md §6 "File formats"
// describes, returned by Finish and durably recorded by whatever persists
// a relation's checkpoint (see package catalog for the persistent-relation
// case).
type CheckpointFileHeader struct {
	RootDownlink   uint64
	DatafileLength uint64
	NumFreeBlocks  uint64
	LeafPagesNum   uint32
	Ctid           tuple.ItemPointer
	BridgeCtid     tuple.ItemPointer
}

type levelState struct {
	page *page.Page

	// separator is the lower bound of page: the key under which page's own
	// downlink must be installed in level+1 once page is flushed. It starts
	// out as the null OTuple (minus-infinity, for the first page ever
	// opened at this level) and is advanced to the outgoing right sibling's
	// minimum key every time this level splits, so it always names the
	// CURRENT page's lower bound rather than the page that just left.
	separator tuple.OTuple
}

// State is one build's in-progress state: a fixed-depth stack of
// per-level "current page" images, growing a new level only the first
// time a split bubbles a downlink past the current top.
type State struct {
	desc *tuple.Descriptor
	sm   SegmentManager
	ckpt CheckpointBroker
	opts *options.BuildOptions

	splitter page.Splitter

	levels []*levelState

	ctid, bridgeCtid tuple.ItemPointer

	// Plain counters incremented from the single write-worker goroutine,
	// but read concurrently by Progress() (e.g. from cmd/obtreemon's
	// polling loop), hence atomic rather than bare fields.
	leafPagesNum   atomic.Uint32
	datafileLength atomic.Uint64
	numFreeBlocks  atomic.Uint64
}

// Progress is an immutable snapshot of an in-flight build, safe to read
// concurrently with the build goroutine — the terminal monitor polls
// this to render leaf pages emitted and bytes written so far.
type Progress struct {
	LeafPagesNum   uint32
	DatafileLength uint64
	NumFreeBlocks  uint64
	Levels         int
}

// Progress returns a snapshot of s's current counters.
func (s *State) Progress() Progress {
	return Progress{
		LeafPagesNum:   s.leafPagesNum.Load(),
		DatafileLength: s.datafileLength.Load(),
		NumFreeBlocks:  s.numFreeBlocks.Load(),
		Levels:         len(s.levels),
	}
}

// Start begins a build of desc, initializing the level-0 (leaf) page.
// ctid/bridgeCtid seed the header fields SetPositions can later override.
func Start(ctx context.Context, desc *tuple.Descriptor, ctid, bridgeCtid tuple.ItemPointer, sm SegmentManager, ckpt CheckpointBroker, opts ...func(*options.BuildOptions)) (*State, error) {
	o, err := options.ResolveBuildOptions(opts...)
	if err != nil {
		return nil, fmt.Errorf("build: resolve options: %w", err)
	}
	if err := sm.OpenSMGR(ctx); err != nil {
		return nil, errtag.Wrap(errtag.IOFatal, fmt.Errorf("build: open segment manager: %w", err))
	}
	s := &State{
		desc:       desc,
		sm:         sm,
		ckpt:       ckpt,
		opts:       o,
		splitter:   page.DefaultSplitter{},
		ctid:       ctid,
		bridgeCtid: bridgeCtid,
	}
	s.ensureLevel(0)
	return s, nil
}

// SetPositions overrides the ctid/bridgeCtid recorded in the eventual
// CheckpointFileHeader.
func (s *State) SetPositions(ctid, bridgeCtid tuple.ItemPointer) {
	s.ctid, s.bridgeCtid = ctid, bridgeCtid
}

// Add inserts leaf into the level-0 page, splitting (and recursively
// pushing downlinks upward) as needed. leaf must not compare less than
// any tuple added so far (equal keys are allowed for a non-unique index);
// Add does not check this, the caller (normally package tuplesort) is
// responsible for that ordering.
func (s *State) Add(ctx context.Context, leaf tuple.OTuple) error {
	if len(leaf.Data) > maxTupleSize {
		return errtag.New(errtag.OutOfBudget, "build: leaf tuple of %d bytes exceeds max tuple size %d", len(leaf.Data), maxTupleSize)
	}
	return s.putItemToStack(ctx, 0, page.Item{Key: leaf, Data: leaf.Data})
}

// maxTupleSize mirrors O_BTREE_MAX_TUPLE_SIZE: a leaf tuple larger than a
// quarter of a page is a caller contract violation, not a runtime
// condition to recover from.
const maxTupleSize = page.BlockSize / 4

func (s *State) ensureLevel(level int) *levelState {
	for len(s.levels) <= level {
		lvl := uint16(len(s.levels))
		var p *page.Page
		if lvl == 0 {
			p = page.NewLeaf()
		} else {
			p = page.NewNonLeaf(lvl)
		}
		s.levels = append(s.levels, &levelState{page: p})
	}
	return s.levels[level]
}

// putItemToStack implements put_item_to_stack: try to fit it on level's
// current page, splitting (put_downlink_to_stack into level+1) if it does
// not fit.
func (s *State) putItemToStack(ctx context.Context, level int, it page.Item) error {
	lvl := s.ensureLevel(level)
	reserve := page.BlockSize * (100 - s.opts.FillFactor) / 100
	if lvl.page.FreeSpace()-len(it.Data) >= reserve {
		lvl.page.AppendItem(it)
		return nil
	}
	return s.splitAndPut(ctx, level, it)
}

// splitAndPut implements stack_page_split: the current page at level is
// full, so partition its items (plus the overflowing one) between it and
// a new right sibling, flush the left page through I/O, and push its
// downlink to level+1 (recursing into putItemToStack, which will itself
// grow a brand-new root level the first time this bubbles past the top).
func (s *State) splitAndPut(ctx context.Context, level int, overflow page.Item) error {
	lvl := s.levels[level]
	left := lvl.page
	wasLeftmost := left.Header.Flags.Has(page.FlagLeftmost)
	isLeaf := left.Header.Flags.Has(page.FlagLeaf)

	var flat []page.Item
	for _, chunk := range left.Items {
		flat = append(flat, chunk...)
	}

	leftCount := s.splitter.SplitLocation(flat, overflow, s.opts.FillFactor, true)
	if leftCount <= 0 || leftCount >= len(flat) {
		// Guarantee forward progress: the overflow item always ends up
		// alone on the right in the degenerate case where the splitter
		// can't find room for it anywhere else.
		leftCount = len(flat)
	}
	rightItems := make([]page.Item, 0, len(flat)-leftCount+1)
	rightItems = append(rightItems, flat[leftCount:]...)
	rightItems = append(rightItems, overflow)

	newLeft := rebuildPage(left.Header.Level, isLeaf, wasLeftmost, false, flat[:leftCount])
	newRight := rebuildPage(left.Header.Level, isLeaf, false, true, rightItems)

	rightFirst, ok := newRight.FirstItem()
	if !ok {
		return errtag.New(errtag.FormatFatal, "build: split at level %d produced an empty right page", level)
	}

	hikeySpec := s.hikeySpecFor(level)
	if err := newLeft.Reorg(rightFirst.Key.Data, hikeySpec); err != nil {
		return errtag.Wrap(errtag.FormatFatal, fmt.Errorf("build: reorg left split page at level %d: %w", level, err))
	}

	dl, err := s.writeAndGetDownlink(ctx, newLeft, level)
	if err != nil {
		return err
	}
	if level == 0 {
		s.leafPagesNum.Add(1)
	}

	// newLeft is keyed by its OWN lower bound — lvl.separator, as it stood
	// before this split (minus-infinity the first time this level is ever
	// split). rightFirst.Key is newLeft's high key, not its separator; it
	// becomes the separator for newRight, the page now current at lvl.
	downlinkItem, err := s.makeDownlinkItem(lvl.separator, isLeaf, dl)
	if err != nil {
		return err
	}
	lvl.page = newRight
	lvl.separator = rightFirst.Key

	return s.putItemToStack(ctx, level+1, downlinkItem)
}

func rebuildPage(level uint16, isLeaf, leftmost, rightmost bool, items []page.Item) *page.Page {
	var p *page.Page
	if isLeaf {
		p = page.NewLeaf()
	} else {
		p = page.NewNonLeaf(level)
	}
	p.Header.Flags = 0
	if isLeaf {
		p.Header.Flags |= page.FlagLeaf
	}
	if leftmost {
		p.Header.Flags |= page.FlagLeftmost
	}
	if rightmost {
		p.Header.Flags |= page.FlagRightmost
	}
	p.Header.Level = level
	for _, it := range items {
		p.AppendItem(it)
	}
	return p
}

func (s *State) hikeySpecFor(level int) *tuple.FixedFormatSpec {
	if level == 0 {
		if s.desc.LeafFixedFormat {
			return &s.desc.LeafSpec
		}
		return nil
	}
	if s.desc.NonLeafFixedFormat {
		return &s.desc.NonLeafSpec
	}
	return nil
}

// makeDownlinkItem builds the non-leaf item a parent level stores for a
// freshly written child page: the child's separator — its own lower
// bound, per spec convention the minimum key that page may contain — is
// re-encoded under the non-leaf tuple descriptor, with the downlink's
// block number appended as the tuple's trailing fixed column. For a leaf
// child the separator is extracted from the leaf tuple's leading
// NKeyFields columns; for a non-leaf child it already is a non-leaf tuple
// and is reused directly (only the downlink column changes). A null
// childLowerBound means child is the leftmost page at its level: it gets
// the conventional minus-infinity first item, its key columns filled with
// a per-kind placeholder that sorts below any legitimate key (see
// minValueFor) since a fixed-format tuple has no bitmap to carry a real
// null.
func (s *State) makeDownlinkItem(childLowerBound tuple.OTuple, childIsLeaf bool, dl Downlink) (page.Item, error) {
	var values []any
	switch {
	case childLowerBound.IsNull():
		columns, nKeys := s.desc.LeafColumns, s.desc.NKeyFields
		if !childIsLeaf {
			columns, nKeys = s.desc.NonLeafColumns, len(s.desc.NonLeafColumns)-1
		}
		values = make([]any, 0, nKeys+1)
		for i := 0; i < nKeys; i++ {
			if s.desc.NonLeafFixedFormat {
				// FormFixed has no bitmap to carry a real null, so the
				// minus-infinity column is encoded as that kind's lowest
				// representable value rather than left empty.
				values = append(values, minValueFor(columns[i].Kind))
			} else {
				values = append(values, nil)
			}
		}
	case childIsLeaf:
		reader, err := tuple.NewFieldReader(childLowerBound, s.desc.LeafColumns, &s.desc.LeafSpec)
		if err != nil {
			return page.Item{}, errtag.Wrap(errtag.FormatFatal, fmt.Errorf("build: read leaf lower bound: %w", err))
		}
		values = make([]any, 0, s.desc.NKeyFields+1)
		for attnum := 1; attnum <= s.desc.NKeyFields; attnum++ {
			v, isNull, err := reader.ReadField(attnum)
			if err != nil {
				return page.Item{}, errtag.Wrap(errtag.FormatFatal, fmt.Errorf("build: read leaf key field %d: %w", attnum, err))
			}
			if isNull {
				v = nil
			}
			values = append(values, v)
		}
	default:
		reader, err := tuple.NewFieldReader(childLowerBound, s.desc.NonLeafColumns, &s.desc.NonLeafSpec)
		if err != nil {
			return page.Item{}, errtag.Wrap(errtag.FormatFatal, fmt.Errorf("build: read non-leaf lower bound: %w", err))
		}
		values = make([]any, 0, len(s.desc.NonLeafColumns))
		for attnum := 1; attnum < len(s.desc.NonLeafColumns); attnum++ {
			v, isNull, err := reader.ReadField(attnum)
			if err != nil {
				return page.Item{}, errtag.Wrap(errtag.FormatFatal, fmt.Errorf("build: read non-leaf key field %d: %w", attnum, err))
			}
			if isNull {
				v = nil
			}
			values = append(values, v)
		}
	}
	values = append(values, int64(dl.BlockNumber))

	var nl tuple.OTuple
	var err error
	if s.desc.NonLeafFixedFormat {
		nl, err = tuple.FormFixed(s.desc.NonLeafColumns, &s.desc.NonLeafSpec, values)
	} else {
		nl, err = tuple.FormVariable(s.desc.NonLeafColumns, values, 0)
	}
	if err != nil {
		return page.Item{}, errtag.Wrap(errtag.FormatFatal, fmt.Errorf("build: form downlink tuple: %w", err))
	}
	return page.Item{Key: nl, Data: nl.Data}, nil
}

// minValueFor returns the lowest value kind can represent, used to encode
// the key columns of a minus-infinity non-leaf item: FormFixed has no room
// for a real null, so the placeholder must at least sort below every
// legitimate key of that kind rather than an arbitrary in-domain value
// like zero, which a real dataset could otherwise collide with.
func minValueFor(kind tuple.FieldKind) any {
	switch kind {
	case tuple.KindOID:
		return uint32(0)
	case tuple.KindInt4:
		return int32(math.MinInt32)
	case tuple.KindInt8:
		return int64(math.MinInt64)
	case tuple.KindFloat4:
		return float32(-math.MaxFloat32)
	case tuple.KindFloat8:
		return -math.MaxFloat64
	case tuple.KindTID:
		return tuple.ItemPointer{}
	default:
		return nil
	}
}

func (s *State) writeAndGetDownlink(ctx context.Context, p *page.Page, level int) (Downlink, error) {
	dl, err := s.sm.PerformPageIOBuild(ctx, s.desc, p, uint16(level))
	if err != nil {
		return Downlink{}, errtag.Wrap(errtag.IOFatal, fmt.Errorf("build: write page at level %d: %w", level, err))
	}
	s.datafileLength.Add(page.BlockSize)
	return dl, nil
}

// Finish flushes every level's still-open page bottom to top, finalizes
// the root, and records the resulting CheckpointFileHeader.
func (s *State) Finish(ctx context.Context) (*CheckpointFileHeader, error) {
	var rootDL Downlink

	for level := 0; level < len(s.levels); level++ {
		lvl := s.levels[level]
		isRoot := level == len(s.levels)-1
		isLeaf := lvl.page.Header.Flags.Has(page.FlagLeaf)

		if isRoot && isLeaf {
			lvl.page.Header.Flags |= page.FlagRootInit
		}

		hikeySpec := s.hikeySpecFor(level)
		if err := lvl.page.Reorg(nil, hikeySpec); err != nil {
			return nil, errtag.Wrap(errtag.FormatFatal, fmt.Errorf("build: reorg level %d on finish: %w", level, err))
		}

		dl, err := s.writeAndGetDownlink(ctx, lvl.page, level)
		if err != nil {
			return nil, err
		}
		if level == 0 {
			s.leafPagesNum.Add(1)
		}

		if isRoot {
			rootDL = dl
			break
		}

		if _, ok := lvl.page.FirstItem(); !ok {
			return nil, errtag.New(errtag.FormatFatal, "build: level %d has no items to derive a parent downlink from", level)
		}
		// lvl.page's own lower bound is lvl.separator, the same value
		// splitAndPut would have used had this level split once more — not
		// the page's first item, which is its high key's predecessor, not
		// its separator.
		downlinkItem, err := s.makeDownlinkItem(lvl.separator, isLeaf, dl)
		if err != nil {
			return nil, err
		}
		// Route through the normal insertion path rather than a raw
		// AppendItem: the parent level may itself be full, in which case
		// this recursively splits and grows a new root exactly as Add
		// would.
		if err := s.putItemToStack(ctx, level+1, downlinkItem); err != nil {
			return nil, err
		}
	}

	if err := s.sm.CloseSMGR(ctx); err != nil {
		return nil, errtag.Wrap(errtag.IOFatal, fmt.Errorf("build: close segment manager: %w", err))
	}

	ckptNum, err := s.ckpt.CurrentCheckpointNumber(ctx)
	if err != nil {
		return nil, errtag.Wrap(errtag.IOFatal, fmt.Errorf("build: current checkpoint number: %w", err))
	}
	if err := s.ckpt.RecordLatestCheckpoint(ctx, ckptNum); err != nil {
		return nil, errtag.Wrap(errtag.IOFatal, fmt.Errorf("build: record latest checkpoint: %w", err))
	}

	return &CheckpointFileHeader{
		RootDownlink:   rootDL.BlockNumber,
		DatafileLength: s.datafileLength.Load(),
		NumFreeBlocks:  s.numFreeBlocks.Load(),
		LeafPagesNum:   s.leafPagesNum.Load(),
		Ctid:           s.ctid,
		BridgeCtid:     s.bridgeCtid,
	}, nil
}
