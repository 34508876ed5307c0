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

// Package options carries the functional-options configuration for a
// build, in the same "opts ...func(*Options)" plus "ResolveXOptions"
// shape storage/posix's driver constructor uses for its own
// StorageOptions.
package options

import (
	"fmt"
	"time"
)

const (
	// minPartUploadFlushInterval mirrors the teacher's minCheckpointInterval
	// guard: a configured value below this is rejected rather than
	// silently admitting a pathological flush rate.
	minPartUploadFlushInterval = 10 * time.Millisecond

	defaultFillFactor              = 90
	defaultGroupsCount             = 16
	defaultPartUploadFlushInterval = 200 * time.Millisecond
	defaultPartUploadMaxBatch      = 64
	defaultMaxConcurrentPuts       = 8
)

// BuildOptions configures a bottom-up builder and the buffer cache it
// runs over.
type BuildOptions struct {
	// FillFactor is the percentage of a page's body the builder targets
	// before splitting; see page.DefaultSplitter.
	FillFactor int
	// GroupsCount is a buffer cache group count. Nothing in this
	// repository reads it from BuildOptions; the cache is sized by
	// obuffers.Config.GroupsCount.
	GroupsCount int
	// S3Mode makes ResolveBuildOptions enforce the PartUploadFlushInterval
	// floor. Package build does not read it and starts no
	// s3upload.Scheduler.
	S3Mode bool
	// PartUploadFlushInterval and PartUploadMaxBatch hold s3upload.Scheduler
	// coalescing parameters; they are validated here and not passed to a
	// Scheduler by any caller.
	PartUploadFlushInterval time.Duration
	PartUploadMaxBatch      int
	MaxConcurrentPuts       int64
}

// ResolveBuildOptions applies defaults, then every supplied option, in
// order, returning the final configuration.
func ResolveBuildOptions(opts ...func(*BuildOptions)) (*BuildOptions, error) {
	o := &BuildOptions{
		FillFactor:              defaultFillFactor,
		GroupsCount:             defaultGroupsCount,
		PartUploadFlushInterval: defaultPartUploadFlushInterval,
		PartUploadMaxBatch:      defaultPartUploadMaxBatch,
		MaxConcurrentPuts:       defaultMaxConcurrentPuts,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.S3Mode && o.PartUploadFlushInterval < minPartUploadFlushInterval {
		return nil, fmt.Errorf("options: PartUploadFlushInterval (%v) is less than minimum permitted %v", o.PartUploadFlushInterval, minPartUploadFlushInterval)
	}
	return o, nil
}

// WithFillFactor overrides the default 90% fillfactor target.
func WithFillFactor(pct int) func(*BuildOptions) {
	return func(o *BuildOptions) { o.FillFactor = pct }
}

// WithGroupsCount overrides the default buffer cache group count.
func WithGroupsCount(n int) func(*BuildOptions) {
	return func(o *BuildOptions) { o.GroupsCount = n }
}

// WithS3Mode sets S3Mode, which turns on the PartUploadFlushInterval
// floor check; it does not start an upload scheduler.
func WithS3Mode(enabled bool) func(*BuildOptions) {
	return func(o *BuildOptions) { o.S3Mode = enabled }
}

// WithPartUpload overrides the s3upload.Scheduler's coalescing
// parameters.
func WithPartUpload(flushInterval time.Duration, maxBatch int, maxConcurrentPuts int64) func(*BuildOptions) {
	return func(o *BuildOptions) {
		o.PartUploadFlushInterval = flushInterval
		o.PartUploadMaxBatch = maxBatch
		o.MaxConcurrentPuts = maxConcurrentPuts
	}
}

