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

package s3upload_test

import (
	"context"
	"testing"
	"time"

	"github.com/obtreedb/obtree/obuffers/s3upload"
)

func TestSchedulerCloseWithNoPendingWritesIsANoop(t *testing.T) {
	sch := s3upload.New(s3upload.Config{Bucket: "test-bucket"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sch.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSchedulerErrorsChannelStartsEmpty(t *testing.T) {
	sch := s3upload.New(s3upload.Config{Bucket: "test-bucket"})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sch.Close(ctx)
	}()
	select {
	case err := <-sch.Errors():
		t.Fatalf("unexpected error on a freshly constructed scheduler: %v", err)
	default:
	}
}

func TestSchedulerAppliesDefaultsWithoutPanicking(t *testing.T) {
	// A zero Config (no FlushInterval/MaxBatchSize/MaxConcurrentPuts) must
	// still produce a usable Scheduler; New fills in the same defaults
	// options.ResolveBuildOptions documents for PartUploadFlushInterval.
	sch := s3upload.New(s3upload.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sch.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
