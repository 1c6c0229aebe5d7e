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
	"bytes"
	"fmt"
	"sync"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/table"
	"github.com/relstore/idxbuild/pkg/tablecodec"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/codec"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"go.uber.org/multierr"
)

// Table reads and writes the rows of one table. Writes keep every secondary
// index of the descriptor up to date.
type Table struct {
	store *storage.Store
	descr *table.Descr
	toast table.ToastOptions

	mu          sync.Mutex
	nextLocator uint64
}

// TableFromMeta builds a Table over store from its live descriptor.
func TableFromMeta(store *storage.Store, descr *table.Descr, toast table.ToastOptions) *Table {
	return &Table{store: store, descr: descr, toast: toast}
}

// Meta returns the table info.
func (t *Table) Meta() *model.TableInfo { return t.descr.Meta }

// Descr returns the live descriptor.
func (t *Table) Descr() *table.Descr { return t.descr }

func (t *Table) checkRow(row []types.Datum) error {
	meta := t.descr.Meta
	if len(row) != len(meta.Fields) {
		return errors.Errorf("table %s has %d fields, got %d values", meta.Name, len(meta.Fields), len(row))
	}
	for i, f := range meta.Fields {
		if !f.FieldType.Accepts(row[i]) {
			return errors.Errorf("value %s does not fit column %s", row[i].String(), f.Name)
		}
	}
	return nil
}

func (t *Table) allocLocators(n int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextLocator == 0 {
		last, ok, err := t.store.LastKey(t.descr.Meta.PrimaryFileNode())
		if err != nil {
			return 0, err
		}
		t.nextLocator = 1
		if ok {
			loc, err := tablecodec.DecodeLocator(last)
			if err != nil {
				return 0, err
			}
			t.nextLocator = loc + 1
		}
	}
	first := t.nextLocator
	t.nextLocator += uint64(n)
	return first, nil
}

// AddRecords inserts rows stamped with the commit CSN of tctx and returns
// their row keys. All rows are written atomically.
func (t *Table) AddRecords(tctx *txn.Context, rows ...[]types.Datum) (keys [][]byte, err error) {
	for _, row := range rows {
		if err := t.checkRow(row); err != nil {
			return nil, err
		}
	}
	var firstLoc uint64
	if t.descr.LocatorKeyed() {
		if firstLoc, err = t.allocLocators(len(rows)); err != nil {
			return nil, err
		}
	}
	_, csn := tctx.CurrentTxnAndSnapshot()
	meta := t.descr.Meta
	batch := t.store.NewBatch()
	committed := false
	defer func() {
		if !committed {
			err = multierr.Append(err, batch.Close())
		}
	}()
	// keys written by this call, checked together with the stored ones
	pending := make(map[string]struct{})
	keys = make([][]byte, 0, len(rows))
	for i, row := range rows {
		key, err := RowKey(t.descr, row, firstLoc+uint64(i))
		if err != nil {
			return nil, err
		}
		if !t.descr.LocatorKeyed() {
			if err := t.checkPrimaryDup(key, pending); err != nil {
				return nil, err
			}
		}
		ext, chunks := SplitToast(t.toastOptions(), key, row)
		value, err := EncodeRowValue(nil, csn, txn.MaxCSN, row, ext)
		if err != nil {
			return nil, err
		}
		if err := batch.Put(meta.PrimaryFileNode(), key, value); err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if err := batch.Put(meta.ToastFileNode, c.Key, c.Value); err != nil {
				return nil, err
			}
		}
		r := &table.Row{Key: key, Xmin: csn, Xmax: txn.MaxCSN, Datums: row}
		if err := t.addIndexEntries(batch, r, pending); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	committed = true
	return keys, batch.Commit()
}

func (t *Table) toastOptions() table.ToastOptions {
	if t.descr.Meta.ToastFileNode == 0 {
		return table.ToastOptions{}
	}
	return t.toast
}

func (t *Table) checkPrimaryDup(key []byte, pending map[string]struct{}) error {
	pk := t.descr.Indices[0]
	pendingKey := fmt.Sprintf("%d/%s", pk.FileNode(), key)
	if _, ok := pending[pendingKey]; ok {
		return dbterror.ErrDuplicateKey.GenWithStackByArgs(pk.Meta.Name)
	}
	old, err := t.store.Get(t.descr.Meta.PrimaryFileNode(), key)
	if err != nil {
		return err
	}
	if old != nil {
		_, xmax, err := DecodeRowHeader(old)
		if err != nil {
			return err
		}
		if xmax == txn.MaxCSN {
			return dbterror.ErrDuplicateKey.GenWithStackByArgs(pk.Meta.Name)
		}
	}
	pending[pendingKey] = struct{}{}
	return nil
}

func (t *Table) secondaryIndices() []*table.IndexDescr {
	if t.descr.Meta.HasPrimary {
		return t.descr.Indices[1:]
	}
	return t.descr.Indices
}

func (t *Table) addIndexEntries(batch *storage.Batch, r *table.Row, pending map[string]struct{}) error {
	for _, ix := range t.secondaryIndices() {
		key, value, ok, err := IndexTuple(ix, r)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if ix.Meta.IsUnique() && !HasNullKey(ix, r.Datums) {
			if err := t.checkUniqueDup(ix, r.Datums, pending); err != nil {
				return err
			}
		}
		if err := batch.Put(ix.FileNode(), key, value); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) checkUniqueDup(ix *table.IndexDescr, row []types.Datum, pending map[string]struct{}) (err error) {
	cols, err := IndexKeyColumns(ix, row)
	if err != nil {
		return err
	}
	pendingKey := fmt.Sprintf("%d/%s", ix.FileNode(), cols)
	if _, ok := pending[pendingKey]; ok {
		return dbterror.ErrDuplicateKey.GenWithStackByArgs(ix.Meta.Name)
	}
	prefix := tablecodec.EncodeIndexKey(cols, nil)
	it, err := t.store.Scan(ix.FileNode(), prefix, codec.PrefixNext(prefix))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, it.Close())
	}()
	if it.First() {
		return dbterror.ErrDuplicateKey.GenWithStackByArgs(ix.Meta.Name)
	}
	if err := it.Error(); err != nil {
		return err
	}
	pending[pendingKey] = struct{}{}
	return nil
}

// RemoveRecord marks the row at key deleted as of the commit CSN of tctx
// and removes its secondary index entries. It returns false when no live
// row exists at key.
func (t *Table) RemoveRecord(tctx *txn.Context, key []byte) (bool, error) {
	meta := t.descr.Meta
	value, err := t.store.Get(meta.PrimaryFileNode(), key)
	if err != nil || value == nil {
		return false, err
	}
	xmin, xmax, row, exts, err := DecodeRowValue(value)
	if err != nil {
		return false, err
	}
	if xmax != txn.MaxCSN {
		return false, nil
	}
	if err := Detoast(t.store, meta.ToastFileNode, key, row, exts); err != nil {
		return false, err
	}
	_, csn := tctx.CurrentTxnAndSnapshot()
	setRowXmax(value, csn)

	batch := t.store.NewBatch()
	if err := batch.Put(meta.PrimaryFileNode(), key, value); err != nil {
		return false, multierr.Append(err, batch.Close())
	}
	r := &table.Row{Key: key, Xmin: xmin, Xmax: csn, Datums: row}
	for _, ix := range t.secondaryIndices() {
		ikey, _, ok, err := IndexTuple(ix, r)
		if err != nil {
			return false, multierr.Append(err, batch.Close())
		}
		if ok {
			if err := batch.Delete(ix.FileNode(), ikey); err != nil {
				return false, multierr.Append(err, batch.Close())
			}
		}
	}
	return true, batch.Commit()
}

// GetRow reads the row at key as seen by snapshot. It returns nil when the
// row does not exist or is invisible.
func (t *Table) GetRow(key []byte, snapshot txn.CSN) (*table.Row, error) {
	value, err := t.store.Get(t.descr.Meta.PrimaryFileNode(), key)
	if err != nil || value == nil {
		return nil, err
	}
	return decodeVisibleRow(t.store, t.descr.Meta, bytes.Clone(key), value, snapshot)
}

func decodeVisibleRow(store *storage.Store, meta *model.TableInfo, key, value []byte, snapshot txn.CSN) (*table.Row, error) {
	xmin, xmax, err := DecodeRowHeader(value)
	if err != nil {
		return nil, err
	}
	if !txn.Visible(xmin, xmax, snapshot) {
		return nil, nil
	}
	_, _, row, exts, err := DecodeRowValue(value)
	if err != nil {
		return nil, err
	}
	if err := Detoast(store, meta.ToastFileNode, key, row, exts); err != nil {
		return nil, err
	}
	return &table.Row{Key: key, Xmin: xmin, Xmax: xmax, Datums: row}, nil
}
