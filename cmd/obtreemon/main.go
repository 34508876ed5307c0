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

// Command obtreemon runs the same key-stream-to-index build obtreebuild
// does, but renders a live terminal dashboard over the build's progress
// and the buffer cache's hit/miss statistics while it runs, instead of
// only logging a summary at the end.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"k8s.io/klog/v2"

	"github.com/obtreedb/obtree/build"
	"github.com/obtreedb/obtree/catalog"
	"github.com/obtreedb/obtree/obuffers"
	"github.com/obtreedb/obtree/obuffers/posixfile"
	"github.com/obtreedb/obtree/options"
	"github.com/obtreedb/obtree/tuple"
)

const (
	monLeafTag          obuffers.Tag = 1
	monLeafSingleFileSz              = 128 << 20
	pollInterval                     = 200 * time.Millisecond
)

var (
	keysPath    = flag.String("keys", "", "path to a newline-delimited, pre-sorted stream of int4 keys (required)")
	outDir      = flag.String("out", "", "POSIX directory to write segment files under (required)")
	fillFactor  = flag.Int("fillfactor", 90, "target page fill percentage before splitting")
	groupsCount = flag.Int("groups", 16, "buffer cache group count")
)

// progressSource is the pair of read-only views the dashboard polls;
// build.State.Progress and obuffers.Cache.StatsSnapshot both satisfy it
// trivially by being the methods themselves.
type progressSource struct {
	build  func() build.Progress
	buffer func() obuffers.Stats
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if err := run(context.Background()); err != nil {
		klog.Errorf("obtreemon: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if *keysPath == "" || *outDir == "" {
		return errors.New("obtreemon: -keys and -out are both required")
	}

	desc := monDescriptor(*fillFactor)

	space, err := posixfile.New(*outDir)
	if err != nil {
		return fmt.Errorf("new posix file space: %w", err)
	}
	defer space.Close()

	cache, err := obuffers.New(obuffers.Config{
		GroupsCount: *groupsCount,
		Space:       space,
		Tags: []obuffers.TagConfig{
			{Tag: monLeafTag, FilenameTemplate: "obtree_%08x%08x", SingleFileSize: monLeafSingleFileSz},
		},
	})
	if err != nil {
		return fmt.Errorf("new cache: %w", err)
	}
	sm := obuffers.NewSegmentManager(cache, monLeafTag, 0)
	ckpt := catalog.NewEvictedTreeRegistry()

	st, err := build.Start(ctx, desc, tuple.ItemPointer{}, tuple.ItemPointer{}, sm, ckpt, options.WithFillFactor(*fillFactor))
	if err != nil {
		return fmt.Errorf("start build: %w", err)
	}

	src := progressSource{build: st.Progress, buffer: cache.StatsSnapshot}

	done := make(chan error, 1)
	go func() { done <- feedBuild(ctx, *keysPath, st) }()

	return runDashboard(src, done)
}

func monDescriptor(fillFactor int) *tuple.Descriptor {
	return &tuple.Descriptor{
		LeafColumns:    []tuple.Column{{Name: "k", Kind: tuple.KindInt4, Ascending: true}},
		NonLeafColumns: []tuple.Column{{Name: "k", Kind: tuple.KindInt4, Ascending: true}, {Name: "downlink", Kind: tuple.KindInt8}},
		NKeyFields:     1,
		NUniqueFields:  1,
		NFields:        1,
		FillFactor:     fillFactor,
	}
}

func feedBuild(ctx context.Context, path string, st *build.State) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open keys file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	column := []tuple.Column{{Name: "k", Kind: tuple.KindInt4, Ascending: true}}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		k, err := strconv.ParseInt(line, 10, 32)
		if err != nil {
			return fmt.Errorf("parse key %q: %w", line, err)
		}
		t, err := tuple.FormVariable(column, []any{int32(k)}, 0)
		if err != nil {
			return fmt.Errorf("form tuple for key %d: %w", k, err)
		}
		if err := st.Add(ctx, t); err != nil {
			return fmt.Errorf("add tuple: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan keys file: %w", err)
	}
	if _, err := st.Finish(ctx); err != nil {
		return fmt.Errorf("finish build: %w", err)
	}
	return nil
}

// runDashboard drives the tview application, refreshing the stats view
// on every tick until the build goroutine reports it's done, at which
// point the build's outcome is returned and the application stops.
func runDashboard(src progressSource, done <-chan error) error {
	view := tview.NewTextView().
		SetDynamicColors(true).
		SetChangedFunc(func() {})
	view.SetBorder(true).SetTitle(" obtreemon ")

	app := tview.NewApplication().SetRoot(view, true)
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	var buildErr error
	ticker := time.NewTicker(pollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				app.QueueUpdateDraw(func() { view.SetText(render(src, false)) })
			case err := <-done:
				buildErr = err
				app.QueueUpdateDraw(func() { view.SetText(render(src, true)) })
				app.Stop()
				return
			}
		}
	}()

	if err := app.Run(); err != nil {
		return fmt.Errorf("run dashboard: %w", err)
	}
	return buildErr
}

func render(src progressSource, finished bool) string {
	p := src.build()
	s := src.buffer()
	status := "[yellow]running[-]"
	if finished {
		status = "[green]finished[-]"
	}
	return fmt.Sprintf(
		"status: %s\n\nbuild progress:\n  levels:          %d\n  leaf pages:      %d\n  datafile length: %d\n  free blocks:     %d\n\nbuffer cache:\n  hits:            %d\n  misses:          %d\n  evictions:       %d\n  rolling hit rate: %.2f%%\n",
		status, p.Levels, p.LeafPagesNum, p.DatafileLength, p.NumFreeBlocks,
		s.Hits, s.Misses, s.Evictions, s.RollingHitRate*100,
	)
}
