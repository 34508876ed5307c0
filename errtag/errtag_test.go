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

package errtag_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/obtreedb/obtree/errtag"
)

func TestIsMatchesTaggedError(t *testing.T) {
	err := errtag.New(errtag.UniquenessViolation, "duplicate key in index %s", "idx_foo")
	if !errtag.Is(err, errtag.UniquenessViolation) {
		t.Fatalf("Is(UniquenessViolation) = false, want true")
	}
	if errtag.Is(err, errtag.IOFatal) {
		t.Fatalf("Is(IOFatal) = true, want false")
	}
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	base := errors.New("disk full")
	tagged := errtag.Wrap(errtag.IOFatal, base)
	wrapped := fmt.Errorf("flush victim: %w", tagged)
	if !errtag.Is(wrapped, errtag.IOFatal) {
		t.Fatalf("Is(IOFatal) through fmt.Errorf wrap = false, want true")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("errors.Is did not find the original base error through the tag")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if err := errtag.Wrap(errtag.IOFatal, nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}
