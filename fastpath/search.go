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

package fastpath

import (
	"encoding/binary"
	"math"

	"golang.org/x/exp/constraints"

	"github.com/obtreedb/obtree/tuple"
)

// searchRange runs the standard lower/upper half-open binary search over
// count elements indexed by at, ordered by less: lower is the first index
// with !less(at(i), key) (first element >= key), upper is the first index
// with less(key, at(i)) (first element > key). One generic routine serves
// every fixed-width type in the closed set below; only the per-type at/
// less pair varies, matching a table-lookup dispatch rather than a
// type switch repeated at every call site.
func searchRange[T any](count int, at func(int) T, key T, less func(a, b T) bool) (lower, upper int) {
	lower = sortSearch(count, func(i int) bool { return !less(at(i), key) })
	upper = sortSearch(count, func(i int) bool { return less(key, at(i)) })
	return lower, upper
}

// sortSearch is sort.Search inlined to avoid a dependency on a closure
// that escapes to the heap in hot descent paths.
func sortSearch(n int, f func(int) bool) int {
	lo, hi := 0, n
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if !f(mid) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func orderedLess[T constraints.Ordered](a, b T) bool { return a < b }

// nanAwareLess orders floats so that NaN compares greater than every
// non-NaN value and equal to other NaNs — a float4/float8 column with a
// NaN in it still has a valid total order for the stride search to binary
// search over, instead of NaN silently losing every comparison under a
// raw "<" (which would corrupt the split).
func nanAwareLess[T constraints.Float](a, b T) bool {
	aNaN, bNaN := a != a, b != b
	if aNaN {
		return false
	}
	if bNaN {
		return true
	}
	return a < b
}

func decodeOID(b []byte) uint32     { return binary.LittleEndian.Uint32(b) }
func decodeInt4(b []byte) int32     { return int32(binary.LittleEndian.Uint32(b)) }
func decodeInt8(b []byte) int64     { return int64(binary.LittleEndian.Uint64(b)) }
func decodeFloat4(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
func decodeFloat8(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }
func decodeTID(b []byte) tuple.ItemPointer {
	return tuple.ItemPointer{
		BlockNumber:  binary.LittleEndian.Uint32(b[0:4]),
		OffsetNumber: binary.LittleEndian.Uint16(b[4:6]),
	}
}

// elementAt returns a decoder reading the kth stride-indexed element out
// of data, where each element lives at data[offset+k*stride : ...].
func elementAt[T any](data []byte, offset, stride, width int, decode func([]byte) T) func(int) T {
	return func(k int) T {
		start := offset + k*stride
		return decode(data[start : start+width])
	}
}

// strideSearchFunc narrows [0,count) to the half-open range of indices
// whose key equals the search key, given key wrapped as an `any` holding
// the kind's native Go type. A nil key value paired with plusInfinity true
// or minusInfinity true collapses the interval to one endpoint without
// touching the data at all, matching the ±∞ flags of spec.md §4.C.
type strideSearchFunc func(data []byte, offset, stride, count int, key any, plusInf, minusInf bool) (lower, upper int)

func searchByKind(kind tuple.FieldKind) strideSearchFunc {
	switch kind {
	case tuple.KindOID:
		return func(data []byte, offset, stride, count int, key any, plusInf, minusInf bool) (int, int) {
			if minusInf {
				return 0, 0
			}
			if plusInf {
				return count, count
			}
			return searchRange(count, elementAt(data, offset, stride, 4, decodeOID), key.(uint32), orderedLess[uint32])
		}
	case tuple.KindInt4:
		return func(data []byte, offset, stride, count int, key any, plusInf, minusInf bool) (int, int) {
			if minusInf {
				return 0, 0
			}
			if plusInf {
				return count, count
			}
			return searchRange(count, elementAt(data, offset, stride, 4, decodeInt4), key.(int32), orderedLess[int32])
		}
	case tuple.KindInt8:
		return func(data []byte, offset, stride, count int, key any, plusInf, minusInf bool) (int, int) {
			if minusInf {
				return 0, 0
			}
			if plusInf {
				return count, count
			}
			return searchRange(count, elementAt(data, offset, stride, 8, decodeInt8), key.(int64), orderedLess[int64])
		}
	case tuple.KindFloat4:
		return func(data []byte, offset, stride, count int, key any, plusInf, minusInf bool) (int, int) {
			if minusInf {
				return 0, 0
			}
			if plusInf {
				return count, count
			}
			return searchRange(count, elementAt(data, offset, stride, 4, decodeFloat4), key.(float32), nanAwareLess[float32])
		}
	case tuple.KindFloat8:
		return func(data []byte, offset, stride, count int, key any, plusInf, minusInf bool) (int, int) {
			if minusInf {
				return 0, 0
			}
			if plusInf {
				return count, count
			}
			return searchRange(count, elementAt(data, offset, stride, 8, decodeFloat8), key.(float64), nanAwareLess[float64])
		}
	case tuple.KindTID:
		return func(data []byte, offset, stride, count int, key any, plusInf, minusInf bool) (int, int) {
			if minusInf {
				return 0, 0
			}
			if plusInf {
				return count, count
			}
			k := key.(tuple.ItemPointer)
			return searchRange(count, elementAt(data, offset, stride, tidWidth, decodeTID), k, tidLess)
		}
	default:
		return nil
	}
}

const tidWidth = 6

func tidLess(a, b tuple.ItemPointer) bool { return a.Compare(b) < 0 }
