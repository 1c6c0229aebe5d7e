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

package tables

import (
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/table"
	"github.com/relstore/idxbuild/pkg/tablecodec"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/codec"
	"github.com/relstore/idxbuild/pkg/util/rowcodec"
)

// IndexKeyColumns encodes the key columns of ix taken from row.
func IndexKeyColumns(ix *table.IndexDescr, row []types.Datum) ([]byte, error) {
	vals := make([]types.Datum, len(ix.KeyCols))
	for i, c := range ix.KeyCols {
		vals[i] = row[c]
	}
	key, err := codec.EncodeKey(make([]byte, 0, codec.EstimateKeySize(vals...)), vals...)
	return key, errors.Trace(err)
}

// HasNullKey reports whether a key column of ix is NULL in row. Such keys
// never conflict in a unique index.
func HasNullKey(ix *table.IndexDescr, row []types.Datum) bool {
	for _, c := range ix.KeyCols {
		if row[c].IsNull() {
			return true
		}
	}
	return false
}

// IndexTuple builds the entry of the secondary index ix for row: the key
// columns followed by the row key as back-reference, and the included
// columns as value. ok is false when row fails the partial index predicate.
func IndexTuple(ix *table.IndexDescr, row *table.Row) (key, value []byte, ok bool, err error) {
	if ix.Meta.Predicate != nil && !ix.Meta.Predicate.EvalBool(row.Datums) {
		return nil, nil, false, nil
	}
	cols, err := IndexKeyColumns(ix, row.Datums)
	if err != nil {
		return nil, nil, false, err
	}
	key = tablecodec.EncodeIndexKey(cols, row.Key)
	value, err = IndexValue(ix, row.Datums)
	if err != nil {
		return nil, nil, false, err
	}
	return key, value, true, nil
}

// IndexValue encodes the included columns of ix. It is empty when the index
// has none.
func IndexValue(ix *table.IndexDescr, row []types.Datum) ([]byte, error) {
	if len(ix.IncludedCols) == 0 {
		return []byte{}, nil
	}
	vals := make([]types.Datum, len(ix.IncludedCols))
	for i, c := range ix.IncludedCols {
		vals[i] = row[c]
	}
	value, err := rowcodec.Encode(nil, vals, nil)
	return value, errors.Trace(err)
}
