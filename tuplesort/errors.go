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

package tuplesort

import "fmt"

// ErrDuplicateKey is returned by an IndexSort's Get once the sort order
// reveals two tuples with equal unique-key columns, neither of which has
// a null leading key column.
type ErrDuplicateKey struct {
	Index string
}

func (e ErrDuplicateKey) Error() string {
	return fmt.Sprintf("tuplesort: could not create unique index %q: duplicate key value", e.Index)
}
