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

package table

import (
	"fmt"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
)

// Row is one visible row of a table.
type Row struct {
	// Key is the key of the row in the primary file: the encoded primary
	// key columns or, without a primary key, the encoded locator.
	Key  []byte
	Xmin txn.CSN
	Xmax txn.CSN
	// Datums has one entry per field, large values already detoasted.
	Datums []types.Datum
}

// ToastOptions controls when values are moved to the toast file.
type ToastOptions struct {
	// Threshold is the value length above which a value is stored out of
	// line. 0 disables toasting.
	Threshold int
	// ChunkSize is the size of one stored piece of a toasted value.
	ChunkSize int
}

// IndexDescr is the live form of one index of a table.
type IndexDescr struct {
	Meta         *model.IndexInfo
	Number       int
	KeyCols      []int
	IncludedCols []int
}

// FileNode returns the file of the index.
func (ix *IndexDescr) FileNode() uint64 {
	return ix.Meta.OIDs.RelNode
}

// Descr is the live, validated form of a table descriptor that scans and
// builds work against.
type Descr struct {
	Meta    *model.TableInfo
	Indices []*IndexDescr
}

// NewDescr validates tbl and builds its live descriptor.
func NewDescr(tbl *model.TableInfo) (*Descr, error) {
	if tbl == nil {
		return nil, errors.New("nil table info")
	}
	nFields := len(tbl.Fields)
	for i, f := range tbl.Fields {
		if f.Offset != i {
			return nil, dbterror.ErrCorruptedData.GenWithStackByArgs(
				"field " + f.Name + " has a wrong offset")
		}
	}
	d := &Descr{Meta: tbl, Indices: make([]*IndexDescr, 0, len(tbl.Indices))}
	for i, idx := range tbl.Indices {
		if idx.IsPrimary() && (i != 0 || !tbl.HasPrimary) {
			return nil, dbterror.ErrCorruptedData.GenWithStackByArgs(
				"primary index " + idx.Name + " is not the first index")
		}
		if idx.NKeyFields <= 0 || idx.NKeyFields > len(idx.Columns) {
			return nil, dbterror.ErrCorruptedData.GenWithStackByArgs(
				"index " + idx.Name + " has no key columns")
		}
		for _, c := range idx.Columns {
			if c < 0 || c >= nFields {
				return nil, dbterror.ErrCorruptedData.GenWithStackByArgs(
					"index " + idx.Name + " references a missing field")
			}
		}
		if idx.Predicate != nil {
			if err := idx.Predicate.Validate(nFields); err != nil {
				return nil, errors.Annotatef(err, "index %s", idx.Name)
			}
		}
		d.Indices = append(d.Indices, &IndexDescr{
			Meta:         idx,
			Number:       i,
			KeyCols:      idx.KeyColumns(),
			IncludedCols: idx.IncludedColumns(),
		})
	}
	if tbl.HasPrimary && (len(tbl.Indices) == 0 || !tbl.Indices[0].IsPrimary()) {
		return nil, dbterror.ErrCorruptedData.GenWithStackByArgs("table " + tbl.Name + " lost its primary index")
	}
	return d, nil
}

// LocatorKeyed reports whether rows are keyed by locator.
func (d *Descr) LocatorKeyed() bool {
	return !d.Meta.HasPrimary
}

// Index returns the index at position n.
func (d *Descr) Index(n int) (*IndexDescr, error) {
	if n < 0 || n >= len(d.Indices) {
		return nil, dbterror.ErrIndexNotExists.GenWithStackByArgs(fmt.Sprintf("%s.#%d", d.Meta.Name, n))
	}
	return d.Indices[n], nil
}
