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

package obuffers

import (
	"context"
	"fmt"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/obtreedb/obtree/build"
	"github.com/obtreedb/obtree/page"
	"github.com/obtreedb/obtree/tuple"
)

// SegmentManager is a build.SegmentManager backed by a Cache: it
// allocates block numbers sequentially starting at the configured start
// block, and durably writes each finished page to the cache at that
// block's byte offset. It is the only collaborator package build needs
// to run a build directly against a Cache, with no intervening shared
// buffer pool.
type SegmentManager struct {
	cache *Cache
	tag   Tag
	next  atomic.Uint64
}

// NewSegmentManager returns a SegmentManager writing pages for tag
// through cache. startBlock is the first block number it will allocate:
// 0 for a brand new relation, or a prior checkpoint's DatafileLength /
// obuffers.BlockSize to append to an existing one.
func NewSegmentManager(cache *Cache, tag Tag, startBlock uint64) *SegmentManager {
	sm := &SegmentManager{cache: cache, tag: tag}
	sm.next.Store(startBlock)
	return sm
}

// OpenSMGR logs the starting block; there is no other setup required
// since block allocation needs nothing beyond the counter already seeded
// by NewSegmentManager.
func (sm *SegmentManager) OpenSMGR(ctx context.Context) error {
	klog.V(2).Infof("obuffers: segment manager for tag %d opening at block %d", sm.tag, sm.next.Load())
	return nil
}

// CloseSMGR flushes every block this manager has written.
func (sm *SegmentManager) CloseSMGR(ctx context.Context) error {
	last := sm.next.Load()
	if last == 0 {
		return nil
	}
	if err := sm.cache.Sync(ctx, sm.tag, 0, last-1); err != nil {
		return fmt.Errorf("obuffers: segment manager close: %w", err)
	}
	return nil
}

// PerformPageIOBuild encodes p and writes it to the next allocated
// block, returning the downlink a parent page should reference it by.
func (sm *SegmentManager) PerformPageIOBuild(ctx context.Context, desc *tuple.Descriptor, p *page.Page, level uint16) (build.Downlink, error) {
	blockNum := sm.next.Add(1) - 1
	data, err := p.Encode()
	if err != nil {
		return build.Downlink{}, fmt.Errorf("obuffers: encode page for block %d: %w", blockNum, err)
	}
	if err := sm.cache.Write(ctx, sm.tag, int64(blockNum)*BlockSize, data); err != nil {
		return build.Downlink{}, fmt.Errorf("obuffers: write page for block %d: %w", blockNum, err)
	}
	return build.Downlink{BlockNumber: blockNum}, nil
}

// NextBlock returns the block number the next PerformPageIOBuild call
// will allocate, i.e. the relation's current length in blocks.
func (sm *SegmentManager) NextBlock() uint64 { return sm.next.Load() }
