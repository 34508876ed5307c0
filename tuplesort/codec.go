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

import (
	"fmt"

	"github.com/obtreedb/obtree/tuple"
)

// otupleCodec serializes a tuple.OTuple as its single format-flag byte
// followed by its raw bytes, for spilling to a run file.
var otupleCodec = Codec[tuple.OTuple]{
	Encode: func(t tuple.OTuple) ([]byte, error) {
		b := make([]byte, 1+len(t.Data))
		b[0] = byte(t.FormatFlags)
		copy(b[1:], t.Data)
		return b, nil
	},
	Decode: func(b []byte) (tuple.OTuple, error) {
		if len(b) < 1 {
			return tuple.OTuple{}, fmt.Errorf("tuplesort: short encoded tuple")
		}
		return tuple.OTuple{FormatFlags: tuple.FormatFlags(b[0]), Data: append([]byte(nil), b[1:]...)}, nil
	},
}
