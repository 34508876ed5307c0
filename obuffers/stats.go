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
	"sync"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// movingAverageWindow is the number of recent hit/miss samples the
// rolling hit-rate average is computed over.
const movingAverageWindow = 200

// Stats is an immutable snapshot of a Cache's counters, safe to copy and
// hold onto after the call that produced it (e.g. for cmd/obtreemon to
// render periodically).
type Stats struct {
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	RollingHitRate float64
}

// statsTracker is the mutable, mutex-guarded counter set a Cache updates
// on every lookup; Cache.StatsSnapshot copies it out into the immutable
// Stats type.
type statsTracker struct {
	mu        sync.Mutex
	hits      uint64
	misses    uint64
	evictions uint64
	rolling   *movingaverage.MovingAverage
}

func newStats() *statsTracker {
	return &statsTracker{rolling: movingaverage.New(movingAverageWindow)}
}

func (t *statsTracker) hit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hits++
	t.rolling.Add(1)
}

func (t *statsTracker) miss() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.misses++
	t.rolling.Add(0)
}

func (t *statsTracker) eviction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictions++
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	rate := 0.0
	if t.hits+t.misses > 0 {
		rate = t.rolling.Avg()
	}
	return Stats{
		Hits:           t.hits,
		Misses:         t.misses,
		Evictions:      t.evictions,
		RollingHitRate: rate,
	}
}
