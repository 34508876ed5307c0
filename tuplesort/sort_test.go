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
	"encoding/binary"
	"fmt"
	"testing"
)

var intCodec = Codec[int]{
	Encode: func(v int) ([]byte, error) {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v))
		return b, nil
	},
	Decode: func(b []byte) (int, error) {
		if len(b) != 8 {
			return 0, fmt.Errorf("bad length")
		}
		return int(binary.LittleEndian.Uint64(b)), nil
	},
}

func intCompare(a, b int) (int, error) {
	switch {
	case a < b:
		return -1, nil
	case a > b:
		return 1, nil
	default:
		return 0, nil
	}
}

func drainAll(t *testing.T, s *sorter[int], forward bool) []int {
	t.Helper()
	var out []int
	for {
		v, ok, err := s.get(forward)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

func TestSorterInMemoryNoSpill(t *testing.T) {
	s := newSorter(intCompare, nil, intCodec, 100, t.TempDir())
	for _, v := range []int{5, 3, 1, 4, 2} {
		if err := s.put(v); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	got := drainAll(t, s, true)
	want := []int{1, 2, 3, 4, 5}
	if !equalInts(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSorterSpillsAndMergesMultipleRuns(t *testing.T) {
	// maxItems of 3 forces several spills across 10 puts.
	s := newSorter(intCompare, nil, intCodec, 3, t.TempDir())
	values := []int{9, 1, 8, 2, 7, 3, 6, 4, 5, 0}
	for _, v := range values {
		if err := s.put(v); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	got := drainAll(t, s, true)
	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if !equalInts(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSorterBackwardIteration(t *testing.T) {
	s := newSorter(intCompare, nil, intCodec, 2, t.TempDir())
	for _, v := range []int{3, 1, 2} {
		if err := s.put(v); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	got := drainAll(t, s, false)
	want := []int{3, 2, 1}
	if !equalInts(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSorterEmpty(t *testing.T) {
	s := newSorter(intCompare, nil, intCodec, 10, t.TempDir())
	_, ok, err := s.get(true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected no items from an empty sorter")
	}
}

func TestSorterAbbreviatedKeyFastPath(t *testing.T) {
	abbr := func(v int) (uint64, bool) { return uint64(v), true }
	s := newSorter(intCompare, abbr, intCodec, 100, t.TempDir())
	for _, v := range []int{5, 3, 1, 4, 2} {
		if err := s.put(v); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	got := drainAll(t, s, true)
	want := []int{1, 2, 3, 4, 5}
	if !equalInts(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
