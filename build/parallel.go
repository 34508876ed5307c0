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

package build

import (
	"container/heap"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/obtreedb/obtree/tuple"
)

// TupleSource is one parallel worker's sorted tape: a tuplesort flavor
// (or anything shaped like one) that yields tuples in ascending order.
// *tuplesort.IndexSort satisfies this without any adapter.
type TupleSource interface {
	Get(ctx context.Context, forward bool) (tuple.OTuple, bool, error)
}

// TupleCompare orders two leaf tuples the same way the sort that produced
// them did; ParallelFeed needs this to merge worker tapes back into one
// global order.
type TupleCompare func(a, b tuple.OTuple) (int, error)

// parallelFeedBufferSize bounds how far a worker's reader goroutine can
// run ahead of the merge-and-write loop before blocking.
const parallelFeedBufferSize = 64

// ParallelFeed fans multiple parallel workers' sorted tuplesort tapes
// into the single write worker a build requires (spec.md §5: "parallel
// builds feed through the external sorter's parallel merge and
// rendezvous on a single write worker"). Each source is drained by its
// own goroutine; the merge itself, and every call to st.Add, happens on
// one goroutine so the build's single-writer invariant holds regardless
// of how many sources feed it.
func ParallelFeed(ctx context.Context, st *State, cmp TupleCompare, sources []TupleSource) error {
	if len(sources) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	chans := make([]chan tuple.OTuple, len(sources))
	for i, src := range sources {
		ch := make(chan tuple.OTuple, parallelFeedBufferSize)
		chans[i] = ch
		src := src
		g.Go(func() error {
			defer close(ch)
			for {
				v, ok, err := src.Get(gctx, true)
				if err != nil {
					return fmt.Errorf("build: parallel feed worker: %w", err)
				}
				if !ok {
					return nil
				}
				select {
				case ch <- v:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	// The merge-and-write step joins the same group: errgroup cancels
	// gctx the moment any goroutine here returns an error, which is what
	// unblocks the producer goroutines above if st.Add ever fails
	// partway through the merge.
	g.Go(func() error { return mergeAndWrite(gctx, st, cmp, chans) })

	return g.Wait()
}

// feedHead is one source's next not-yet-written tuple, tracked in the
// merge heap by which channel it came from.
type feedHead struct {
	src int
	v   tuple.OTuple
}

// feedHeap is a container/heap.Interface over the current head of every
// still-open source channel, ordered by cmp so Pop always returns the
// globally next tuple across all sources.
type feedHeap struct {
	cmp   TupleCompare
	items []feedHead
	err   error
}

func (h *feedHeap) Len() int { return len(h.items) }
func (h *feedHeap) Less(i, j int) bool {
	c, err := h.cmp(h.items[i].v, h.items[j].v)
	if err != nil && h.err == nil {
		h.err = err
	}
	return c < 0
}
func (h *feedHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *feedHeap) Push(x any)    { h.items = append(h.items, x.(feedHead)) }
func (h *feedHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// mergeAndWrite is the single write worker: it holds the current head of
// every source in a min-heap and repeatedly writes the globally smallest
// one through st.Add, refilling that source's slot from its channel.
func mergeAndWrite(ctx context.Context, st *State, cmp TupleCompare, chans []chan tuple.OTuple) error {
	h := &feedHeap{cmp: cmp}
	for i, ch := range chans {
		select {
		case v, ok := <-ch:
			if ok {
				heap.Push(h, feedHead{src: i, v: v})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.err != nil {
		return fmt.Errorf("build: parallel feed: compare: %w", h.err)
	}

	for h.Len() > 0 {
		head := heap.Pop(h).(feedHead)
		if h.err != nil {
			return fmt.Errorf("build: parallel feed: compare: %w", h.err)
		}
		if err := st.Add(ctx, head.v); err != nil {
			return err
		}
		select {
		case v, ok := <-chans[head.src]:
			if ok {
				heap.Push(h, feedHead{src: head.src, v: v})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
