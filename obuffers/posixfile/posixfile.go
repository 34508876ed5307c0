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

// Package posixfile implements obuffers.FileSpace over a local directory
// tree, one file per (tag, fileNum, version).
package posixfile

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/obtreedb/obtree/obuffers"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Space is a local-disk obuffers.FileSpace rooted at a directory, one
// subdirectory per tag.
type Space struct {
	root string

	mu      sync.Mutex
	handles map[string]*os.File // open-for-write handles, keyed by path; each stays open until Remove of that path or Close
}

// New returns a Space rooted at root, creating it if absent.
func New(root string) (*Space, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("posixfile: MkdirAll(%s): %w", root, err)
	}
	return &Space{root: root, handles: make(map[string]*os.File)}, nil
}

func (s *Space) path(tag obuffers.Tag, fileNum uint64, version int) string {
	dir := filepath.Join(s.root, fmt.Sprintf("tag%08x", uint32(tag)))
	name := fmt.Sprintf("seg_%08x%08x", uint32(fileNum>>32), uint32(fileNum))
	if version >= 0 {
		name = fmt.Sprintf("%s.%d", name, version)
	}
	return filepath.Join(dir, name)
}

// OpenForRead implements obuffers.FileSpace.
func (s *Space) OpenForRead(_ context.Context, tag obuffers.Tag, fileNum uint64, version int) (io.ReaderAt, error) {
	p := s.path(tag, fileNum, version)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("posixfile: %s: %w", p, fs.ErrNotExist)
		}
		return nil, err
	}
	return f, nil
}

// OpenForWrite implements obuffers.FileSpace. Per segment path, one
// handle is cached and reused across calls. Opening a different path
// does not close earlier handles: every cached handle stays open until
// Remove of its path or Close, so the number of open files grows with
// the number of distinct segments written.
func (s *Space) OpenForWrite(_ context.Context, tag obuffers.Tag, fileNum uint64, version int) (io.WriterAt, error) {
	p := s.path(tag, fileNum, version)
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.handles[p]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
		return nil, fmt.Errorf("posixfile: MkdirAll(%s): %w", filepath.Dir(p), err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("posixfile: OpenFile(%s): %w", p, err)
	}
	s.handles[p] = f
	return f, nil
}

// Sync implements obuffers.FileSpace.
func (s *Space) Sync(_ context.Context, tag obuffers.Tag, fileNum uint64, version int) error {
	p := s.path(tag, fileNum, version)
	s.mu.Lock()
	f, ok := s.handles[p]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Sync()
}

// Remove implements obuffers.FileSpace.
func (s *Space) Remove(_ context.Context, tag obuffers.Tag, fileNum uint64, version int) error {
	p := s.path(tag, fileNum, version)
	s.mu.Lock()
	if f, ok := s.handles[p]; ok {
		_ = f.Close()
		delete(s.handles, p)
	}
	s.mu.Unlock()
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close closes every cached write handle.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for p, f := range s.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.handles, p)
	}
	return firstErr
}
