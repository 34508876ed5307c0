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

package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/obtreedb/obtree/build"
)

// EvictedTreeRegistry is an in-memory build.CheckpointBroker for
// temporary relations: their checkpoint bookkeeping never needs to
// survive the backend process that created them, so there is no MySQL
// round trip in their path.
type EvictedTreeRegistry struct {
	mu      sync.Mutex
	num     uint64
	headers map[uint64]*build.CheckpointFileHeader
}

// NewEvictedTreeRegistry returns an empty registry, starting at
// checkpoint number 0.
func NewEvictedTreeRegistry() *EvictedTreeRegistry {
	return &EvictedTreeRegistry{headers: make(map[uint64]*build.CheckpointFileHeader)}
}

// CurrentCheckpointNumber implements build.CheckpointBroker.
func (r *EvictedTreeRegistry) CurrentCheckpointNumber(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.num, nil
}

// RecordLatestCheckpoint implements build.CheckpointBroker.
func (r *EvictedTreeRegistry) RecordLatestCheckpoint(ctx context.Context, num uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.num = num
	return nil
}

// RecordCheckpointHeader stores hdr for checkpoint num.
func (r *EvictedTreeRegistry) RecordCheckpointHeader(ctx context.Context, num uint64, hdr *build.CheckpointFileHeader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers[num] = hdr
	return nil
}

// CheckpointHeader returns the header recorded at checkpoint num.
func (r *EvictedTreeRegistry) CheckpointHeader(ctx context.Context, num uint64) (*build.CheckpointFileHeader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hdr, ok := r.headers[num]
	if !ok {
		return nil, fmt.Errorf("catalog: no header recorded for checkpoint %d", num)
	}
	return hdr, nil
}
