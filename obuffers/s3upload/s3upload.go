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

// Package s3upload implements an async part-upload scheduler: scheduled
// page writes are coalesced into batches and handed off to a bounded
// worker pool instead of issuing one PUT per page. Package build does not
// create a Scheduler; options.BuildOptions.S3Mode only gates a
// flush-interval check.
package s3upload

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	gobuffer "github.com/globocom/go-buffer"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"
)

// PartWrite is one scheduled file-part write: bytes destined for a byte
// range of an object key.
type PartWrite struct {
	Key    string
	Offset int64
	Data   []byte
}

// Scheduler coalesces ScheduleFileWrite calls into batches (flushed every
// FlushInterval or MaxBatchSize writes, whichever comes first) and
// uploads each batch through a worker pool bounded to MaxConcurrentPuts
// in-flight requests.
type Scheduler struct {
	client *s3.Client
	bucket string

	buf      *gobuffer.Buffer
	sem      *semaphore.Weighted
	maxPuts  int64

	errs chan error
}

// Config configures a Scheduler.
type Config struct {
	Client             *s3.Client
	Bucket             string
	FlushInterval      time.Duration
	MaxBatchSize       int
	MaxConcurrentPuts  int64
}

// New constructs a Scheduler. Call Close to drain and stop it.
func New(cfg Config) *Scheduler {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 64
	}
	if cfg.MaxConcurrentPuts <= 0 {
		cfg.MaxConcurrentPuts = 8
	}
	sch := &Scheduler{
		client:  cfg.Client,
		bucket:  cfg.Bucket,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentPuts),
		maxPuts: cfg.MaxConcurrentPuts,
		errs:    make(chan error, 64),
	}
	sch.buf = gobuffer.New(
		gobuffer.Size(cfg.MaxBatchSize),
		gobuffer.FlushInterval(cfg.FlushInterval),
		gobuffer.Flusher(gobuffer.FlusherFunc(func(items []interface{}) {
			sch.flushBatch(items)
		})),
	)
	return sch
}

// ScheduleFileWrite enqueues one part write for asynchronous upload. It
// never blocks on network I/O; it may block briefly if the coalescing
// buffer is momentarily full.
func (s *Scheduler) ScheduleFileWrite(pw PartWrite) error {
	return s.buf.Push(pw)
}

func (s *Scheduler) flushBatch(items []interface{}) {
	ctx := context.Background()
	for _, item := range items {
		pw, ok := item.(PartWrite)
		if !ok {
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.reportErr(fmt.Errorf("s3upload: acquire worker slot: %w", err))
			continue
		}
		go func(pw PartWrite) {
			defer s.sem.Release(1)
			if err := s.putPart(ctx, pw); err != nil {
				s.reportErr(err)
			}
		}(pw)
	}
}

func (s *Scheduler) putPart(ctx context.Context, pw PartWrite) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fmt.Sprintf("%s.part.%d", pw.Key, pw.Offset)),
		Body:   bytes.NewReader(pw.Data),
	})
	if err != nil {
		return fmt.Errorf("s3upload: PutObject(%s): %w", pw.Key, err)
	}
	klog.V(2).Infof("s3upload: uploaded part %s@%d (%d bytes)", pw.Key, pw.Offset, len(pw.Data))
	return nil
}

func (s *Scheduler) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
		klog.Errorf("s3upload: dropping error, channel full: %v", err)
	}
}

// Errors returns a channel of asynchronous upload failures. Callers
// should drain it; a full channel causes further errors to be logged and
// dropped rather than blocking uploads.
func (s *Scheduler) Errors() <-chan error { return s.errs }

// Close flushes any pending batch and waits for in-flight uploads to
// finish. It works by acquiring the semaphore's full weight, which only
// succeeds once every outstanding putPart goroutine has released its
// slot.
func (s *Scheduler) Close(ctx context.Context) error {
	if err := s.buf.Close(); err != nil {
		return fmt.Errorf("s3upload: close buffer: %w", err)
	}
	if err := s.sem.Acquire(ctx, s.maxPuts); err != nil {
		return fmt.Errorf("s3upload: wait for in-flight uploads: %w", err)
	}
	s.sem.Release(s.maxPuts)
	return nil
}
