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

package ddl

import (
	"context"
	"strings"
	"testing"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/expression"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/stretchr/testify/require"
)

type normalizedError interface {
	Equal(e error) bool
}

func TestValidateIndexDefinition(t *testing.T) {
	e := newTestEngine(t)
	tbl := createFilledTable(t, e, "t", 0)

	tooWide := make([]string, model.MaxIndexKeys+1)
	for i := range tooWide {
		tooWide[i] = "id"
	}
	cases := []struct {
		name string
		def  *IndexDefinition
		err  normalizedError
	}{
		{"hash method", &IndexDefinition{Method: "hash", Columns: []string{"val"}}, dbterror.ErrUnsupportedIndex},
		{"concurrent", &IndexDefinition{Concurrent: true, Columns: []string{"val"}}, dbterror.ErrUnsupportedIndex},
		{"tablespace", &IndexDefinition{Tablespace: "fast", Columns: []string{"val"}}, dbterror.ErrUnsupportedIndex},
		{"no key columns", &IndexDefinition{Include: []string{"val"}}, dbterror.ErrUnsupportedIndex},
		{"unknown column", &IndexDefinition{Columns: []string{"nope"}}, dbterror.ErrFieldNotFound},
		{"unknown include", &IndexDefinition{Columns: []string{"val"}, Include: []string{"nope"}}, dbterror.ErrFieldNotFound},
		{"nullable primary", &IndexDefinition{Primary: true, Columns: []string{"val"}}, dbterror.ErrNullablePrimaryColumn},
		{"partial primary", &IndexDefinition{Primary: true, Columns: []string{"id"},
			Predicate: expression.GT(0, types.NewIntDatum(1))}, dbterror.ErrUnsupportedIndex},
		{"too many columns", &IndexDefinition{Primary: true, Columns: tooWide}, dbterror.ErrTooManyKeyColumns},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ValidateIndexDefinition(tbl, c.def)
			require.Error(t, err)
			require.True(t, c.err.Equal(err), "%v", err)
		})
	}

	_, err := ValidateIndexDefinition(tbl, &IndexDefinition{
		Columns:   []string{"val"},
		Predicate: expression.GT(7, types.NewIntDatum(1)),
	})
	require.ErrorContains(t, err, "predicate references column 7")

	names := []struct {
		def  *IndexDefinition
		name string
	}{
		{&IndexDefinition{Columns: []string{"val"}}, "t_val_idx"},
		{&IndexDefinition{Columns: []string{"val"}, Unique: true}, "t_val_key"},
		{&IndexDefinition{Columns: []string{"id"}, Primary: true}, "t_id_pkey"},
		{&IndexDefinition{Columns: []string{"val"}, Include: []string{"name"}}, "t_val_name_idx"},
		{&IndexDefinition{Name: "by_val", Columns: []string{"val"}}, "by_val"},
	}
	for _, n := range names {
		ix, err := ValidateIndexDefinition(tbl, n.def)
		require.NoError(t, err)
		require.Equal(t, n.name, ix.Name)
	}

	ix, err := ValidateIndexDefinition(tbl, &IndexDefinition{Columns: []string{"name", "val"}, Include: []string{"id"}})
	require.NoError(t, err)
	require.Equal(t, []int{2, 1, 0}, ix.Columns)
	require.Equal(t, 2, ix.NKeyFields)
	require.Equal(t, model.IndexRegular, ix.Type)
}

func TestChooseIndexNameAvoidsConflicts(t *testing.T) {
	e := newTestEngine(t)
	createFilledTable(t, e, "t", 0)
	ctx := context.Background()
	for _, want := range []string{"t_val_idx", "t_val_idx1", "t_val_idx2"} {
		ix, err := e.CreateIndex(ctx, nil, "t", &IndexDefinition{Columns: []string{"val"}})
		require.NoError(t, err)
		require.Equal(t, want, ix.Name)
	}
	_, err := e.CreateIndex(ctx, nil, "t", &IndexDefinition{Name: "t_val_idx", Columns: []string{"name"}})
	require.True(t, dbterror.ErrUnsupportedIndex.Equal(err))
	require.True(t, strings.Contains(err.Error(), "already exists"))
}

func TestCreateIndexOnEmptyTable(t *testing.T) {
	e := newTestEngine(t, withWorkers(2))
	createFilledTable(t, e, "t", 0)
	ix, err := e.CreateIndex(context.Background(), nil, "t", &IndexDefinition{Columns: []string{"val"}})
	require.NoError(t, err)
	require.Zero(t, ix.RowCount)
	require.NotZero(t, ix.OIDs.RelNode)

	hdr, err := e.Store().ReadFileHeader(ix.OIDs.RelNode)
	require.NoError(t, err)
	require.NotNil(t, hdr)
	require.Zero(t, hdr.NumTuples)
	entries, err := e.IndexEntries("t", ix.Name)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = e.Insert("t", types.MakeDatums(1, 10, "a"), types.MakeDatums(2, 5, "b"))
	require.NoError(t, err)
	entries, err = e.IndexEntries("t", ix.Name)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	requireCleanCheckpoint(t, e)

	_, err = e.CreateIndex(context.Background(), nil, "missing", &IndexDefinition{Columns: []string{"val"}})
	require.True(t, dbterror.ErrTableNotExists.Equal(err))
}

func TestDropSecondaryIndex(t *testing.T) {
	e := newTestEngine(t)
	createFilledTable(t, e, "t", 100)
	ctx := context.Background()
	ix, err := e.CreateIndex(ctx, nil, "t", &IndexDefinition{Columns: []string{"val"}})
	require.NoError(t, err)
	node := ix.OIDs.RelNode
	exists, err := e.Store().DataExists(node)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, e.DropIndex(ctx, nil, "t", ix.Name))
	_, _, err = e.FindIndexByName("t", ix.Name)
	require.True(t, dbterror.ErrIndexNotExists.Equal(err))
	exists, err = e.Store().DataExists(node)
	require.NoError(t, err)
	require.False(t, exists)
	hdr, err := e.Store().ReadFileHeader(node)
	require.NoError(t, err)
	require.Nil(t, hdr)
	requireCleanCheckpoint(t, e)

	err = e.DropIndex(ctx, nil, "t", ix.Name)
	require.True(t, dbterror.ErrIndexNotExists.Equal(err))

	// rows are untouched
	rows, err := e.Rows("t")
	require.NoError(t, err)
	require.Len(t, rows, 100)
}

func TestReindexSecondaryIndex(t *testing.T) {
	for _, workers := range []int{0, 2} {
		e := newTestEngine(t, withWorkers(workers))
		createFilledTable(t, e, "t", 3000)
		ctx := context.Background()
		ix, err := e.CreateIndex(ctx, nil, "t", partialValDef())
		require.NoError(t, err)
		before, err := e.IndexEntries("t", ix.Name)
		require.NoError(t, err)
		require.Len(t, before, 0)

		_, err = e.Insert("t", types.MakeDatums(5001, 5001, "x"), types.MakeDatums(5002, 6000, "y"))
		require.NoError(t, err)
		before, err = e.IndexEntries("t", ix.Name)
		require.NoError(t, err)
		require.Len(t, before, 2)

		require.NoError(t, e.ReindexIndex(ctx, nil, "t", ix.Name))
		_, reindexed, err := e.FindIndexByName("t", ix.Name)
		require.NoError(t, err)
		require.NotEqual(t, ix.OIDs.RelNode, reindexed.OIDs.RelNode)
		require.Equal(t, ix.OIDs.RelOID, reindexed.OIDs.RelOID)
		require.Equal(t, int64(2), reindexed.RowCount)
		after, err := e.IndexEntries("t", ix.Name)
		require.NoError(t, err)
		require.Equal(t, before, after)

		exists, err := e.Store().DataExists(ix.OIDs.RelNode)
		require.NoError(t, err)
		require.False(t, exists)
		requireCleanCheckpoint(t, e)

		err = e.ReindexIndex(ctx, nil, "t", "missing")
		require.True(t, dbterror.ErrIndexNotExists.Equal(err))
	}
}

func TestCreateIndexInExplicitTxn(t *testing.T) {
	e := newTestEngine(t, withWorkers(2))
	createFilledTable(t, e, "t", 1000)
	ctx := context.Background()

	tctx := e.TxnManager().Begin()
	ix, err := e.CreateIndex(ctx, &BuildContext{Txn: tctx}, "t", &IndexDefinition{Columns: []string{"val"}})
	require.NoError(t, err)
	require.Len(t, e.UndoLog().Pending(tctx.ID()), 1)
	require.NoError(t, e.RollbackTxn(tctx))

	_, _, err = e.FindIndexByName("t", ix.Name)
	require.True(t, dbterror.ErrIndexNotExists.Equal(err))
	exists, err := e.Store().DataExists(ix.OIDs.RelNode)
	require.NoError(t, err)
	require.False(t, exists)
	requireCleanCheckpoint(t, e)

	tctx = e.TxnManager().Begin()
	ix, err = e.CreateIndex(ctx, &BuildContext{Txn: tctx}, "t", &IndexDefinition{Columns: []string{"val"}})
	require.NoError(t, err)
	require.NoError(t, e.CommitTxn(tctx))
	require.Empty(t, e.UndoLog().Pending(tctx.ID()))
	entries, err := e.IndexEntries("t", ix.Name)
	require.NoError(t, err)
	require.Len(t, entries, 1000)
	requireCleanCheckpoint(t, e)
}

func TestDropIndexInExplicitTxnRollback(t *testing.T) {
	e := newTestEngine(t)
	createFilledTable(t, e, "t", 100)
	ctx := context.Background()
	ix, err := e.CreateIndex(ctx, nil, "t", &IndexDefinition{Columns: []string{"name"}})
	require.NoError(t, err)

	tctx := e.TxnManager().Begin()
	require.NoError(t, e.DropIndex(ctx, &BuildContext{Txn: tctx}, "t", ix.Name))
	_, _, err = e.FindIndexByName("t", ix.Name)
	require.True(t, dbterror.ErrIndexNotExists.Equal(err))
	// the file is only removed at commit
	exists, err := e.Store().DataExists(ix.OIDs.RelNode)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, e.RollbackTxn(tctx))
	_, restored, err := e.FindIndexByName("t", ix.Name)
	require.NoError(t, err)
	require.Equal(t, ix.OIDs, restored.OIDs)
	entries, err := e.IndexEntries("t", ix.Name)
	require.NoError(t, err)
	require.Len(t, entries, 100)
	requireCleanCheckpoint(t, e)

	// finishing twice is a no-op
	require.NoError(t, e.CommitTxn(tctx))
	require.NoError(t, errors.Trace(e.RollbackTxn(tctx)))
}
