// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"cmp"
	"fmt"
)

// RelOIDs is the identity of a relation. RelNode names its physical file and
// changes whenever the relation is rewritten.
type RelOIDs struct {
	DatOID  uint64 `json:"dat_oid"`
	RelOID  uint64 `json:"rel_oid"`
	RelNode uint64 `json:"rel_node"`
}

// IsValid reports whether the identity was assigned.
func (o RelOIDs) IsValid() bool { return o.RelNode != 0 }

// Compare orders identities by (DatOID, RelOID, RelNode).
func (o RelOIDs) Compare(other RelOIDs) int {
	if c := cmp.Compare(o.DatOID, other.DatOID); c != 0 {
		return c
	}
	if c := cmp.Compare(o.RelOID, other.RelOID); c != 0 {
		return c
	}
	return cmp.Compare(o.RelNode, other.RelNode)
}

// String implements fmt.Stringer interface.
func (o RelOIDs) String() string {
	return fmt.Sprintf("(%d, %d, %d)", o.DatOID, o.RelOID, o.RelNode)
}
