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
	"github.com/relstore/idxbuild/pkg/expression"
)

// MaxIndexKeys is the maximum number of key columns a table's indexes may
// span together, counting the primary key columns every secondary index
// carries as its back-reference.
const MaxIndexKeys = 32

// IndexType is the role of an index inside its table.
type IndexType int

// Index types.
const (
	IndexRegular IndexType = iota
	IndexUnique
	IndexPrimary
)

// String implements fmt.Stringer interface.
func (t IndexType) String() string {
	switch t {
	case IndexPrimary:
		return "primary"
	case IndexUnique:
		return "unique"
	default:
		return "regular"
	}
}

// IndexInfo provides meta data describing an index.
// It corresponds to the statement `CREATE [UNIQUE] INDEX Name ON Table (Column) [WHERE ...];`
type IndexInfo struct {
	Name string    `json:"idx_name"`
	Type IndexType `json:"idx_type"`
	OIDs RelOIDs   `json:"oids"`
	// Columns holds field offsets. The first NKeyFields are key columns,
	// the remainder are included columns stored in the index value.
	Columns    []int `json:"idx_cols"`
	NKeyFields int   `json:"nkey_fields"`
	// Compress is the zstd level of index values, 0 disables compression.
	Compress  int              `json:"compress"`
	Predicate *expression.Expr `json:"predicate,omitempty"`
	// RowCount is the number of index tuples after the last build.
	RowCount int64 `json:"row_count"`
}

// Clone clones IndexInfo.
func (index *IndexInfo) Clone() *IndexInfo {
	if index == nil {
		return nil
	}
	ni := *index
	ni.Columns = append([]int(nil), index.Columns...)
	if index.Predicate != nil {
		ni.Predicate = clonePredicate(index.Predicate)
	}
	return &ni
}

// IsPrimary reports whether the index is the table's primary index.
func (index *IndexInfo) IsPrimary() bool { return index.Type == IndexPrimary }

// IsUnique reports whether the index rejects duplicate keys.
func (index *IndexInfo) IsUnique() bool {
	return index.Type == IndexPrimary || index.Type == IndexUnique
}

// KeyColumns returns the offsets of the key columns.
func (index *IndexInfo) KeyColumns() []int { return index.Columns[:index.NKeyFields] }

// IncludedColumns returns the offsets of the non-key columns.
func (index *IndexInfo) IncludedColumns() []int { return index.Columns[index.NKeyFields:] }

// HasColumn reports whether the index contains the column at offset.
func (index *IndexInfo) HasColumn(offset int) bool {
	for _, c := range index.Columns {
		if c == offset {
			return true
		}
	}
	return false
}

func clonePredicate(e *expression.Expr) *expression.Expr {
	ne := *e
	if e.Const != nil {
		c := *e.Const
		c.Str = append([]byte(nil), e.Const.Str...)
		ne.Const = &c
	}
	if e.Args != nil {
		ne.Args = make([]*expression.Expr, len(e.Args))
		for i, a := range e.Args {
			ne.Args[i] = clonePredicate(a)
		}
	}
	return &ne
}
