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

package tuplesort_test

import (
	"context"
	"testing"

	"github.com/obtreedb/obtree/tuple"
	"github.com/obtreedb/obtree/tuplesort"
)

var toastPKColumns = []tuple.Column{{Name: "k", Kind: tuple.KindInt4, Ascending: true}}

func toastPrimaryDesc() *tuple.Descriptor {
	return &tuple.Descriptor{
		NonLeafColumns: toastPKColumns,
		NKeyFields:     1,
		NFields:        1,
	}
}

func toastPK(t *testing.T, k int32) tuple.OTuple {
	t.Helper()
	ot, err := tuple.FormVariable(toastPKColumns, []any{k}, 0)
	if err != nil {
		t.Fatalf("FormVariable: %v", err)
	}
	return ot
}

func readToastPK(t *testing.T, ot tuple.OTuple) int32 {
	t.Helper()
	r, err := tuple.NewFieldReader(ot, toastPKColumns, nil)
	if err != nil {
		t.Fatalf("NewFieldReader: %v", err)
	}
	v, isNull, err := r.ReadField(1)
	if err != nil {
		t.Fatalf("ReadField: %v", err)
	}
	if isNull {
		t.Fatalf("unexpected null")
	}
	return v.(int32)
}

func TestToastSortOrdersByPrimaryKeyThenAttnumThenChunkNum(t *testing.T) {
	ctx := context.Background()
	ts, err := tuplesort.BeginToastSort(toastPrimaryDesc(), t.TempDir(), 3)
	if err != nil {
		t.Fatalf("BeginToastSort: %v", err)
	}
	defer ts.Close()

	records := []tuplesort.ToastRecord{
		{PrimaryKey: toastPK(t, 2), AttNum: 1, ChunkNum: 0},
		{PrimaryKey: toastPK(t, 1), AttNum: 2, ChunkNum: 0},
		{PrimaryKey: toastPK(t, 1), AttNum: 1, ChunkNum: 1},
		{PrimaryKey: toastPK(t, 1), AttNum: 1, ChunkNum: 0},
	}
	for _, r := range records {
		if err := ts.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var got []tuplesort.ToastRecord
	for {
		r, ok, err := ts.Get(ctx, true)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, r)
	}
	if len(got) != 4 {
		t.Fatalf("got %d records, want 4", len(got))
	}
	wantPK := []int32{1, 1, 1, 2}
	wantAttNum := []int16{1, 1, 2, 1}
	wantChunk := []int32{0, 1, 0, 0}
	for i := range got {
		if pk := readToastPK(t, got[i].PrimaryKey); pk != wantPK[i] {
			t.Fatalf("got[%d].PrimaryKey = %d, want %d", i, pk, wantPK[i])
		}
		if got[i].AttNum != wantAttNum[i] {
			t.Fatalf("got[%d].AttNum = %d, want %d", i, got[i].AttNum, wantAttNum[i])
		}
		if got[i].ChunkNum != wantChunk[i] {
			t.Fatalf("got[%d].ChunkNum = %d, want %d", i, got[i].ChunkNum, wantChunk[i])
		}
	}
}

func TestToastSortPreservesChunkPayload(t *testing.T) {
	ctx := context.Background()
	ts, err := tuplesort.BeginToastSort(toastPrimaryDesc(), t.TempDir(), 100)
	if err != nil {
		t.Fatalf("BeginToastSort: %v", err)
	}
	defer ts.Close()

	chunk := toastPK(t, 42) // reuse the same encoding helper as an opaque payload
	if err := ts.Put(ctx, tuplesort.ToastRecord{PrimaryKey: toastPK(t, 1), AttNum: 1, ChunkNum: 0, Chunk: chunk}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := ts.Get(ctx, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("Get: expected a record")
	}
	if readToastPK(t, got.Chunk) != 42 {
		t.Fatalf("Chunk payload = %d, want 42", readToastPK(t, got.Chunk))
	}
}
