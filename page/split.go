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

package page

// Splitter decides, given the items already on a page plus the item about
// to overflow it, how many of those items stay on the left (existing)
// page versus move to a new right sibling. The builder is the only caller
// today; the interface exists so a future online-insert path can supply a
// different bias without this package or the builder changing shape.
type Splitter interface {
	SplitLocation(items []Item, overflow Item, fillfactor int, appendBias bool) (leftCount int)
}

// DefaultSplitter implements the fillfactor-target split used by the
// bottom-up builder: walk items accumulating size until the target byte
// budget is reached. appendBias, set when the caller knows keys arrive in
// strictly increasing order (always true for the streaming builder),
// raises the effective target so pages fill closer to capacity before
// splitting, since there is no future random insert that would need the
// slack.
type DefaultSplitter struct{}

// SplitLocation implements Splitter.
func (DefaultSplitter) SplitLocation(items []Item, overflow Item, fillfactor int, appendBias bool) int {
	if fillfactor <= 0 || fillfactor > 100 {
		fillfactor = 90
	}
	target := (BlockSize - headerSize) * fillfactor / 100
	if appendBias {
		target = (BlockSize - headerSize) * 99 / 100
	}

	total := 0
	for _, it := range items {
		total += len(it.Data)
	}
	total += len(overflow.Data)

	if total <= target {
		// Everything fits under the target once the overflow item is
		// accounted for; leave it all on the left and let the caller's
		// fit-check decide whether a split is even needed.
		return len(items)
	}

	cum := 0
	for i, it := range items {
		cum += len(it.Data)
		if cum >= target {
			if i == 0 {
				return 1
			}
			return i + 1
		}
	}
	return len(items)
}
