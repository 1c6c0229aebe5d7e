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

package undo

import (
	"testing"

	"github.com/relstore/idxbuild/pkg/catalog"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	kv  *storage.Store
	cat *catalog.Store
	mgr *txn.Manager
	log *Log
}

func newTestEnv(t *testing.T) *testEnv {
	kv, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, kv.Close())
	})
	cat, err := catalog.New(kv)
	require.NoError(t, err)
	mgr := txn.NewManager(cat.LastCSN())
	return &testEnv{kv: kv, cat: cat, mgr: mgr, log: New(cat, mgr)}
}

func baseTable() *model.TableInfo {
	return &model.TableInfo{
		OIDs: model.RelOIDs{DatOID: 1, RelOID: 10, RelNode: 11},
		Name: "t",
		Fields: []*model.FieldInfo{
			{Name: "a", Offset: 0, FieldType: types.FieldType{Tp: types.KindInt64}},
		},
	}
}

func withIndex(tbl *model.TableInfo, relNode uint64) *model.TableInfo {
	nt := tbl.Clone()
	nt.Indices = append(nt.Indices, &model.IndexInfo{
		Name: "idx", Type: model.IndexRegular,
		OIDs:    model.RelOIDs{DatOID: 1, RelOID: relNode, RelNode: relNode},
		Columns: []int{0}, NKeyFields: 1,
	})
	return nt
}

func (e *testEnv) addTable(t *testing.T, tbl *model.TableInfo) {
	m := e.cat.Begin(e.mgr.Begin())
	require.NoError(t, m.AddTable(tbl))
	require.NoError(t, m.Commit())
}

func (e *testEnv) fileExists(t *testing.T, node uint64) bool {
	ok, err := e.kv.DataExists(node)
	require.NoError(t, err)
	return ok
}

func TestCreateRollback(t *testing.T) {
	e := newTestEnv(t)
	base := baseTable()
	e.addTable(t, base)

	tctx := e.mgr.Begin()
	require.NoError(t, e.kv.Put(30, []byte("k"), []byte("v")))
	next := withIndex(base, 30)
	m := e.cat.Begin(tctx)
	require.NoError(t, m.UpdateTable(next))
	require.NoError(t, e.log.AppendCreateRecord(m, tctx, base, next.OIDs, next.Indices[0].OIDs))
	require.NoError(t, m.Commit())
	require.Len(t, e.log.Pending(tctx.ID()), 1)

	require.NoError(t, e.log.Rollback(tctx.ID()))
	require.Empty(t, e.log.Pending(tctx.ID()))
	got, err := e.cat.GetTable(base.OIDs)
	require.NoError(t, err)
	require.Empty(t, got.Indices)
	require.False(t, e.fileExists(t, 30))

	n, err := New(e.cat, e.mgr).RecoverPending()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDropCommit(t *testing.T) {
	e := newTestEnv(t)
	withIdx := withIndex(baseTable(), 30)
	e.addTable(t, withIdx)
	require.NoError(t, e.kv.Put(30, []byte("k"), []byte("v")))

	tctx := e.mgr.Begin()
	m := e.cat.Begin(tctx)
	require.NoError(t, m.UpdateTable(baseTable()))
	require.NoError(t, e.log.AppendDropRecord(m, tctx, withIdx, withIdx.OIDs, withIdx.Indices[0].OIDs))
	require.NoError(t, m.Commit())
	// the file stays until commit
	require.True(t, e.fileExists(t, 30))
	require.NoError(t, e.log.Commit(tctx.ID()))
	require.False(t, e.fileExists(t, 30))
	require.NoError(t, e.log.Commit(tctx.ID()))
}

func TestTruncateCommitAndRollback(t *testing.T) {
	for _, commit := range []bool{true, false} {
		e := newTestEnv(t)
		old := withIndex(baseTable(), 30)
		e.addTable(t, old)
		require.NoError(t, e.kv.Put(11, []byte("r"), []byte("old")))
		require.NoError(t, e.kv.Put(30, []byte("i"), []byte("old")))

		nt := withIndex(baseTable(), 40)
		nt.OIDs.RelNode = 12
		require.NoError(t, e.kv.Put(12, []byte("r"), []byte("new")))
		require.NoError(t, e.kv.Put(40, []byte("i"), []byte("new")))

		tctx := e.mgr.Begin()
		m := e.cat.Begin(tctx)
		require.NoError(t, m.DropTableEntries(old.OIDs))
		require.NoError(t, m.AddTable(nt))
		require.NoError(t, e.log.AppendTruncateRecord(m, tctx, old, nt))
		require.NoError(t, m.Commit())

		if commit {
			require.NoError(t, e.log.Commit(tctx.ID()))
			require.False(t, e.fileExists(t, 11))
			require.False(t, e.fileExists(t, 30))
			require.True(t, e.fileExists(t, 12))
			require.True(t, e.fileExists(t, 40))
			_, err := e.cat.GetTable(nt.OIDs)
			require.NoError(t, err)
			continue
		}
		// a restarted log finds the records and reverts them
		n, err := New(e.cat, e.mgr).RecoverPending()
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.True(t, e.fileExists(t, 11))
		require.True(t, e.fileExists(t, 30))
		require.False(t, e.fileExists(t, 12))
		require.False(t, e.fileExists(t, 40))
		got, err := e.cat.GetTable(old.OIDs)
		require.NoError(t, err)
		require.Len(t, got.Indices, 1)
		_, err = e.cat.GetTable(nt.OIDs)
		require.Error(t, err)
	}
}

func TestRollbackSeveralRecords(t *testing.T) {
	e := newTestEnv(t)
	old := baseTable()
	e.addTable(t, old)

	tctx := e.mgr.Begin()
	// truncate to a new identity then add an index to it
	nt := old.Clone()
	nt.OIDs.RelNode = 12
	m := e.cat.Begin(tctx)
	require.NoError(t, m.DropTableEntries(old.OIDs))
	require.NoError(t, m.AddTable(nt))
	require.NoError(t, e.log.AppendTruncateRecord(m, tctx, old, nt))
	require.NoError(t, m.Commit())

	withIdx := withIndex(nt, 50)
	m = e.cat.Begin(tctx)
	require.NoError(t, m.UpdateTable(withIdx))
	require.NoError(t, e.log.AppendCreateRecord(m, tctx, nt, withIdx.OIDs, withIdx.Indices[0].OIDs))
	require.NoError(t, m.Commit())
	require.Len(t, e.log.Pending(tctx.ID()), 2)

	require.NoError(t, e.log.Rollback(tctx.ID()))
	tables := e.cat.Tables()
	require.Len(t, tables, 1)
	require.Equal(t, old.OIDs, tables[0].OIDs)
	require.Empty(t, tables[0].Indices)
	require.Equal(t, "create", RecordCreate.String())
}
