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

// Command obtreebuild is the end-to-end harness for the storage engine
// primitives this repository implements: it reads a newline-delimited,
// pre-sorted stream of int4 keys (a stand-in for the external tuplesort
// input the rest of the stack treats as a black box upstream), runs it
// through the index-build sort and the bottom-up builder, and writes the
// resulting segment files and checkpoint header to a POSIX directory or
// a GCS bucket.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"

	"github.com/obtreedb/obtree/build"
	"github.com/obtreedb/obtree/catalog"
	"github.com/obtreedb/obtree/obuffers"
	"github.com/obtreedb/obtree/obuffers/gcsfile"
	"github.com/obtreedb/obtree/obuffers/posixfile"
	"github.com/obtreedb/obtree/options"
	"github.com/obtreedb/obtree/tuple"
	"github.com/obtreedb/obtree/tuplesort"
)

const (
	leafTag          obuffers.Tag = 1
	leafSingleFileSz              = 128 << 20 // 128MiB segment files, arbitrary but generous for a CLI demo
)

var (
	keysPath    = flag.String("keys", "", "path to a newline-delimited, pre-sorted stream of int4 keys (required)")
	outDir      = flag.String("out", "", "POSIX directory to write segment files under; ignored if -gcs_bucket is set")
	gcsBucket   = flag.String("gcs_bucket", "", "GCS bucket to write segment files to instead of a POSIX directory")
	gcsPrefix   = flag.String("gcs_prefix", "obtreebuild", "object name prefix within -gcs_bucket")
	fillFactor  = flag.Int("fillfactor", 90, "target page fill percentage before splitting")
	groupsCount = flag.Int("groups", 16, "buffer cache group count")
	unique      = flag.Bool("unique", false, "enforce uniqueness over the key column")
	maxInMemory = flag.Int("max_in_memory", 1<<16, "tuples kept resident before the index sort spills a run")
	mysqlDSN    = flag.String("mysql_dsn", "", "if set, record the checkpoint header in this MySQL DSN via package catalog instead of in-memory")
	datOID      = flag.Uint64("datoid", 1, "catalog relation key: database OID")
	relNode     = flag.Uint64("relnode", 1, "catalog relation key: relation node")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if err := run(context.Background()); err != nil {
		klog.Errorf("obtreebuild: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if *keysPath == "" {
		return errors.New("obtreebuild: -keys is required")
	}
	if *outDir == "" && *gcsBucket == "" {
		return errors.New("obtreebuild: one of -out or -gcs_bucket is required")
	}

	desc := buildDescriptor(*unique, *fillFactor)

	is, err := tuplesort.BeginIndexSort(desc, "obtreebuild", "", *maxInMemory)
	if err != nil {
		return fmt.Errorf("begin index sort: %w", err)
	}
	defer is.Close()

	n, err := loadKeys(ctx, *keysPath, desc, is)
	if err != nil {
		return err
	}
	klog.Infof("obtreebuild: loaded %d keys from %s", n, *keysPath)

	space, closeSpace, err := openFileSpace(ctx)
	if err != nil {
		return err
	}
	defer closeSpace()

	cache, err := obuffers.New(obuffers.Config{
		GroupsCount: *groupsCount,
		Space:       space,
		Tags: []obuffers.TagConfig{
			{Tag: leafTag, FilenameTemplate: "obtree_%08x%08x", SingleFileSize: leafSingleFileSz},
		},
	})
	if err != nil {
		return fmt.Errorf("new cache: %w", err)
	}
	sm := obuffers.NewSegmentManager(cache, leafTag, 0)

	ckpt, closeCkpt, err := openCheckpointBroker(ctx)
	if err != nil {
		return err
	}
	defer closeCkpt()

	st, err := build.Start(ctx, desc, tuple.ItemPointer{}, tuple.ItemPointer{}, sm, ckpt, options.WithFillFactor(*fillFactor))
	if err != nil {
		return fmt.Errorf("start build: %w", err)
	}

	for {
		t, ok, err := is.Get(ctx, true)
		if err != nil {
			return fmt.Errorf("index sort: %w", err)
		}
		if !ok {
			break
		}
		if err := st.Add(ctx, t); err != nil {
			return fmt.Errorf("add tuple: %w", err)
		}
	}

	hdr, err := st.Finish(ctx)
	if err != nil {
		return fmt.Errorf("finish build: %w", err)
	}

	klog.Infof("obtreebuild: root=%d datafileLength=%d leafPages=%d ctid=%+v",
		hdr.RootDownlink, hdr.DatafileLength, hdr.LeafPagesNum, hdr.Ctid)
	return nil
}

// buildDescriptor describes a single int4-key index in fixed format,
// matching the "sorted INT4 keys" scenario spec.md §8 walks through: the
// leaf tuple is just the key, the non-leaf tuple is the key plus the
// trailing downlink column build.go's makeDownlinkItem appends.
func buildDescriptor(unique bool, fillFactor int) *tuple.Descriptor {
	leafColumns := []tuple.Column{{Name: "k", Kind: tuple.KindInt4, Ascending: true}}
	nonLeafColumns := []tuple.Column{
		{Name: "k", Kind: tuple.KindInt4, Ascending: true},
		{Name: "downlink", Kind: tuple.KindInt8},
	}
	d := &tuple.Descriptor{
		LeafColumns:        leafColumns,
		NonLeafColumns:     nonLeafColumns,
		NKeyFields:         1,
		NFields:            1,
		LeafFixedFormat:    true,
		NonLeafFixedFormat: true,
		LeafSpec:           tuple.FixedFormatSpec{NAtts: 1, Len: 4},
		NonLeafSpec:        tuple.FixedFormatSpec{NAtts: 2, Len: 16},
		FillFactor:         fillFactor,
	}
	if unique {
		d.NUniqueFields = 1
	}
	return d
}

func loadKeys(ctx context.Context, path string, desc *tuple.Descriptor, is *tuplesort.IndexSort) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open keys file: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		k, err := strconv.ParseInt(line, 10, 32)
		if err != nil {
			return n, fmt.Errorf("parse key %q: %w", line, err)
		}
		t, err := tuple.FormFixed(desc.LeafColumns, &desc.LeafSpec, []any{int32(k)})
		if err != nil {
			return n, fmt.Errorf("form leaf tuple for key %d: %w", k, err)
		}
		if err := is.Put(ctx, t); err != nil {
			return n, fmt.Errorf("put key %d: %w", k, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("scan keys file: %w", err)
	}
	return n, nil
}

func openFileSpace(ctx context.Context) (obuffers.FileSpace, func(), error) {
	if *gcsBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("new gcs client: %w", err)
		}
		space := gcsfile.New(client, *gcsBucket, *gcsPrefix)
		return space, func() { client.Close() }, nil
	}
	space, err := posixfile.New(*outDir)
	if err != nil {
		return nil, nil, fmt.Errorf("new posix file space: %w", err)
	}
	return space, func() { space.Close() }, nil
}

func openCheckpointBroker(ctx context.Context) (build.CheckpointBroker, func(), error) {
	if *mysqlDSN == "" {
		return catalog.NewEvictedTreeRegistry(), func() {}, nil
	}
	store, err := catalog.Open(*mysqlDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open catalog store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("ensure catalog schema: %w", err)
	}
	key := catalog.RelationKey{DatOID: *datOID, RelNode: *relNode}
	return catalog.NewRelationBroker(store, key), func() { store.Close() }, nil
}
