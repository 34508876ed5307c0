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

package catalog_test

import (
	"context"
	"testing"

	"github.com/obtreedb/obtree/build"
	"github.com/obtreedb/obtree/catalog"
)

func TestEvictedTreeRegistryStartsAtZero(t *testing.T) {
	ctx := context.Background()
	r := catalog.NewEvictedTreeRegistry()
	num, err := r.CurrentCheckpointNumber(ctx)
	if err != nil {
		t.Fatalf("CurrentCheckpointNumber: %v", err)
	}
	if num != 0 {
		t.Fatalf("num = %d, want 0", num)
	}
}

func TestEvictedTreeRegistryRecordsLatestCheckpoint(t *testing.T) {
	ctx := context.Background()
	r := catalog.NewEvictedTreeRegistry()
	if err := r.RecordLatestCheckpoint(ctx, 3); err != nil {
		t.Fatalf("RecordLatestCheckpoint: %v", err)
	}
	num, err := r.CurrentCheckpointNumber(ctx)
	if err != nil {
		t.Fatalf("CurrentCheckpointNumber: %v", err)
	}
	if num != 3 {
		t.Fatalf("num = %d, want 3", num)
	}
}

func TestEvictedTreeRegistryRoundTripsHeaders(t *testing.T) {
	ctx := context.Background()
	r := catalog.NewEvictedTreeRegistry()
	want := &build.CheckpointFileHeader{RootDownlink: 42, DatafileLength: 8192, LeafPagesNum: 1}
	if err := r.RecordCheckpointHeader(ctx, 1, want); err != nil {
		t.Fatalf("RecordCheckpointHeader: %v", err)
	}
	got, err := r.CheckpointHeader(ctx, 1)
	if err != nil {
		t.Fatalf("CheckpointHeader: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEvictedTreeRegistryUnknownCheckpointIsAnError(t *testing.T) {
	ctx := context.Background()
	r := catalog.NewEvictedTreeRegistry()
	if _, err := r.CheckpointHeader(ctx, 99); err == nil {
		t.Fatalf("expected an error for an unrecorded checkpoint number")
	}
}
