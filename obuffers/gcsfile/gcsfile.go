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

// Package gcsfile implements obuffers.FileSpace over Google Cloud
// Storage: one object per (tag, fileNum, version), sharded under a
// tile/entries-style object-name scheme so no single GCS "directory"
// accumulates an unbounded number of segment objects.
package gcsfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/obtreedb/obtree/obuffers"
)

// Space is a GCS-backed obuffers.FileSpace rooted at one bucket and
// object-name prefix.
type Space struct {
	client *storage.Client
	bucket string
	prefix string

	mu      sync.Mutex
	staging map[string]*bytes.Buffer // objects accumulating writes before Sync uploads them
}

// New returns a Space writing objects named "<prefix>/<shardedName>"
// inside bucket.
func New(client *storage.Client, bucket, prefix string) *Space {
	return &Space{client: client, bucket: bucket, prefix: prefix, staging: make(map[string]*bytes.Buffer)}
}

// objectName shards the (tag, fileNum) address the same way a
// tile-path scheme shards by index: split the low six digits of the file
// number into two three-digit groups, each holding at most 1000 distinct
// children, under a top-level group carrying the remaining digits, then
// suffix the tag and version.
func (s *Space) objectName(tag obuffers.Tag, fileNum uint64, version int) string {
	shard := fmt.Sprintf("x%03d/x%03d/%03d", fileNum/1_000_000, (fileNum/1000)%1000, fileNum%1000)
	name := fmt.Sprintf("%s/tag%08x/%s", s.prefix, uint32(tag), shard)
	if version >= 0 {
		name = fmt.Sprintf("%s.%d", name, version)
	}
	return name
}

// OpenForRead implements obuffers.FileSpace.
func (s *Space) OpenForRead(ctx context.Context, tag obuffers.Tag, fileNum uint64, version int) (io.ReaderAt, error) {
	name := s.objectName(tag, fileNum, version)
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, fmt.Errorf("gcsfile: %s: %w", name, os.ErrNotExist)
		}
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcsfile: read %s: %w", name, err)
	}
	return bytes.NewReader(data), nil
}

// OpenForWrite implements obuffers.FileSpace. GCS objects are not
// natively mutable in place, so writes accumulate in an in-memory
// staging buffer (seeded from the object's current contents on first
// touch) and are only persisted to the bucket on Sync, mirroring how a
// POSIX write only becomes durable once fsync'd.
func (s *Space) OpenForWrite(ctx context.Context, tag obuffers.Tag, fileNum uint64, version int) (io.WriterAt, error) {
	name := s.objectName(tag, fileNum, version)
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.staging[name]; ok {
		return &writerAtBuffer{buf: buf}, nil
	}
	buf := &bytes.Buffer{}
	if r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx); err == nil {
		defer r.Close()
		if _, err := io.Copy(buf, r); err != nil {
			return nil, fmt.Errorf("gcsfile: seed staging buffer for %s: %w", name, err)
		}
	} else if err != storage.ErrObjectNotExist {
		return nil, fmt.Errorf("gcsfile: stat %s: %w", name, err)
	}
	s.staging[name] = buf
	return &writerAtBuffer{buf: buf}, nil
}

// Sync implements obuffers.FileSpace: uploads the staged object content,
// if any is pending, and clears the staging entry.
func (s *Space) Sync(ctx context.Context, tag obuffers.Tag, fileNum uint64, version int) error {
	name := s.objectName(tag, fileNum, version)
	s.mu.Lock()
	buf, ok := s.staging[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if _, err := w.Write(buf.Bytes()); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcsfile: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcsfile: close %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.staging, name)
	s.mu.Unlock()
	return nil
}

// Remove implements obuffers.FileSpace.
func (s *Space) Remove(ctx context.Context, tag obuffers.Tag, fileNum uint64, version int) error {
	name := s.objectName(tag, fileNum, version)
	s.mu.Lock()
	delete(s.staging, name)
	s.mu.Unlock()
	if err := s.client.Bucket(s.bucket).Object(name).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("gcsfile: delete %s: %w", name, err)
	}
	return nil
}

// ListShards returns every object name under tag's prefix, for tests and
// the monitor's space-usage display.
func (s *Space) ListShards(ctx context.Context, tag obuffers.Tag) ([]string, error) {
	prefix := fmt.Sprintf("%s/tag%08x/", s.prefix, uint32(tag))
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, obj.Name)
	}
	return names, nil
}

type writerAtBuffer struct {
	buf *bytes.Buffer
}

func (w *writerAtBuffer) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if int64(w.buf.Len()) < end {
		w.buf.Write(make([]byte, end-int64(w.buf.Len())))
	}
	copy(w.buf.Bytes()[off:end], p)
	return len(p), nil
}
