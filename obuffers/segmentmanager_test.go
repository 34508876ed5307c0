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

package obuffers_test

import (
	"context"
	"testing"

	"github.com/obtreedb/obtree/obuffers"
	"github.com/obtreedb/obtree/page"
	"github.com/obtreedb/obtree/tuple"
)

func newLeafPage(t *testing.T, b byte) *page.Page {
	t.Helper()
	p := page.NewLeaf()
	data := make([]byte, 8)
	for i := range data {
		data[i] = b
	}
	p.AppendItem(page.Item{Key: tuple.OTuple{Data: data, FormatFlags: tuple.FlagFixedFormat}, Data: data})
	if err := p.Reorg(nil, &tuple.FixedFormatSpec{Len: 8}); err != nil {
		t.Fatalf("Reorg: %v", err)
	}
	return p
}

func TestSegmentManagerAllocatesSequentialBlocks(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 4)
	sm := obuffers.NewSegmentManager(cache, testTag, 0)

	if err := sm.OpenSMGR(ctx); err != nil {
		t.Fatalf("OpenSMGR: %v", err)
	}

	var desc tuple.Descriptor
	dl1, err := sm.PerformPageIOBuild(ctx, &desc, newLeafPage(t, 1), 0)
	if err != nil {
		t.Fatalf("PerformPageIOBuild: %v", err)
	}
	dl2, err := sm.PerformPageIOBuild(ctx, &desc, newLeafPage(t, 2), 0)
	if err != nil {
		t.Fatalf("PerformPageIOBuild: %v", err)
	}
	if dl1.BlockNumber != 0 || dl2.BlockNumber != 1 {
		t.Fatalf("got block numbers %d, %d, want 0, 1", dl1.BlockNumber, dl2.BlockNumber)
	}
	if got := sm.NextBlock(); got != 2 {
		t.Fatalf("NextBlock() = %d, want 2", got)
	}

	if err := sm.CloseSMGR(ctx); err != nil {
		t.Fatalf("CloseSMGR: %v", err)
	}

	got := make([]byte, obuffers.BlockSize)
	if err := cache.Read(ctx, testTag, obuffers.BlockSize, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	decoded, err := page.Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Items[0][0].Data[0] != 2 {
		t.Fatalf("block 1 payload byte = %d, want 2", decoded.Items[0][0].Data[0])
	}
}

func TestSegmentManagerStartBlockContinuesAnExistingRelation(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 4)
	sm := obuffers.NewSegmentManager(cache, testTag, 5)

	dl, err := sm.PerformPageIOBuild(ctx, &tuple.Descriptor{}, newLeafPage(t, 9), 0)
	if err != nil {
		t.Fatalf("PerformPageIOBuild: %v", err)
	}
	if dl.BlockNumber != 5 {
		t.Fatalf("BlockNumber = %d, want 5", dl.BlockNumber)
	}
}

func TestSegmentManagerCloseWithNoWritesIsANoop(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 4)
	sm := obuffers.NewSegmentManager(cache, testTag, 0)
	if err := sm.CloseSMGR(ctx); err != nil {
		t.Fatalf("CloseSMGR on an empty manager: %v", err)
	}
}
