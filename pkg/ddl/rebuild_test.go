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
	"fmt"
	"strings"
	"testing"

	"github.com/relstore/idxbuild/pkg/config"
	"github.com/relstore/idxbuild/pkg/tablecodec"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/stretchr/testify/require"
)

func withSmallToast(cfg *config.Config) {
	cfg.Build.ToastThreshold = 64
	cfg.Build.ToastChunkSize = 16
}

// createToastedTable fills table name with n rows. Every tenth row carries
// a name long enough to be toasted and every seventh row is deleted.
func createToastedTable(t *testing.T, e *Engine, name string, n int) int {
	_, err := e.CreateTable(name, testFields(), true)
	require.NoError(t, err)
	rows := make([][]types.Datum, 0, n)
	for i := 1; i <= n; i++ {
		s := fmt.Sprintf("n%05d", i)
		if i%10 == 0 {
			s += strings.Repeat("x", 200)
		}
		rows = append(rows, types.MakeDatums(i, i%50, s))
	}
	keys, err := e.Insert(name, rows...)
	require.NoError(t, err)
	live := n
	for i, key := range keys {
		if (i+1)%7 != 0 {
			continue
		}
		ok, err := e.Delete(name, key)
		require.NoError(t, err)
		require.True(t, ok)
		live--
	}
	return live
}

func rowDatums(t *testing.T, e *Engine, name string) [][]types.Datum {
	rows, err := e.Rows(name)
	require.NoError(t, err)
	out := make([][]types.Datum, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Datums)
	}
	return out
}

func requireFilesDropped(t *testing.T, e *Engine, nodes []uint64) {
	for _, node := range nodes {
		exists, err := e.Store().DataExists(node)
		require.NoError(t, err)
		require.False(t, exists, "file %d", node)
		hdr, err := e.Store().ReadFileHeader(node)
		require.NoError(t, err)
		require.Nil(t, hdr, "file %d", node)
	}
}

func TestCreatePrimaryIndexRebuildsTable(t *testing.T) {
	e := newTestEngine(t, withSmallToast, withWorkers(2))
	ctx := context.Background()
	live := createToastedTable(t, e, "t", 300)
	_, err := e.CreateIndex(ctx, nil, "t", &IndexDefinition{Columns: []string{"name"}})
	require.NoError(t, err)
	old, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	before := rowDatums(t, e, "t")
	require.Len(t, before, live)

	pk, err := e.CreateIndex(ctx, nil, "t", &IndexDefinition{Primary: true, Columns: []string{"id"}})
	require.NoError(t, err)
	require.Equal(t, "t_id_pkey", pk.Name)
	require.Equal(t, int64(live), pk.RowCount)

	tbl, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	require.True(t, tbl.HasPrimary)
	require.Equal(t, len(tbl.Fields), tbl.PrimaryInitNFields)
	require.Equal(t, old.OIDs.RelOID, tbl.OIDs.RelOID)
	require.NotEqual(t, old.OIDs.RelNode, tbl.OIDs.RelNode)
	require.NotEqual(t, old.ToastFileNode, tbl.ToastFileNode)
	require.Len(t, tbl.Indices, 2)
	require.Equal(t, "t_id_pkey", tbl.Primary().Name)
	require.Equal(t, old.Indices[0].OIDs.RelOID, tbl.Indices[1].OIDs.RelOID)
	require.NotEqual(t, old.Indices[0].OIDs.RelNode, tbl.Indices[1].OIDs.RelNode)
	require.Equal(t, int64(live), tbl.RowCount)
	require.Equal(t, int64(live), tbl.Indices[1].RowCount)
	requireFilesDropped(t, e, old.FileNodes())

	require.Equal(t, before, rowDatums(t, e, "t"))
	rows, err := e.Rows("t")
	require.NoError(t, err)
	toastHdr, err := e.Store().ReadFileHeader(tbl.ToastFileNode)
	require.NoError(t, err)
	require.NotNil(t, toastHdr)
	require.NotZero(t, toastHdr.NumTuples)

	entries, err := e.IndexEntries("t", "t_name_idx")
	require.NoError(t, err)
	require.Len(t, entries, live)
	for i, ent := range entries {
		_, backRef, err := tablecodec.CutIndexKey(ent.Key, 1)
		require.NoError(t, err)
		require.Equal(t, rows[i].Key, backRef)
	}
	requireCleanCheckpoint(t, e)

	_, err = e.Insert("t", types.MakeDatums(1, 1, "again"))
	require.True(t, dbterror.ErrDuplicateKey.Equal(err))
	_, err = e.Insert("t", types.MakeDatums(7, 1, "again"))
	require.NoError(t, err)

	_, err = e.CreateIndex(ctx, nil, "t", &IndexDefinition{Primary: true, Columns: []string{"val"}})
	require.True(t, dbterror.ErrPrimaryExists.Equal(err))
}

func TestDropPrimaryIndex(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	createFilledTable(t, e, "t", 500)
	_, err := e.CreateIndex(ctx, nil, "t", &IndexDefinition{Primary: true, Columns: []string{"id"}})
	require.NoError(t, err)
	_, err = e.CreateIndex(ctx, nil, "t", &IndexDefinition{Columns: []string{"val"}})
	require.NoError(t, err)
	_, err = e.CreateIndex(ctx, nil, "t", &IndexDefinition{Unique: true, Columns: []string{"name"}})
	require.NoError(t, err)
	rows, err := e.Rows("t")
	require.NoError(t, err)
	for _, r := range rows[:100] {
		ok, err := e.Delete("t", r.Key)
		require.NoError(t, err)
		require.True(t, ok)
	}
	old, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	before := rowDatums(t, e, "t")
	require.Len(t, before, 400)

	require.NoError(t, e.DropIndex(ctx, nil, "t", "t_id_pkey"))
	tbl, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	require.False(t, tbl.HasPrimary)
	require.Nil(t, tbl.Primary())
	require.Equal(t, len(tbl.Fields)+1, tbl.PrimaryInitNFields)
	require.Len(t, tbl.Indices, 2)
	require.Equal(t, "t_val_idx", tbl.Indices[0].Name)
	require.Equal(t, "t_name_key", tbl.Indices[1].Name)
	require.Equal(t, int64(400), tbl.RowCount)
	requireFilesDropped(t, e, old.FileNodes())

	require.Equal(t, before, rowDatums(t, e, "t"))
	rows, err = e.Rows("t")
	require.NoError(t, err)
	for i, r := range rows {
		loc, err := tablecodec.DecodeLocator(r.Key)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), loc)
	}
	hdr, err := e.Store().ReadFileHeader(tbl.PrimaryFileNode())
	require.NoError(t, err)
	require.Equal(t, uint64(401), hdr.NextLocator)
	require.Equal(t, int64(400), hdr.NumTuples)

	for _, name := range []string{"t_val_idx", "t_name_key"} {
		entries, err := e.IndexEntries("t", name)
		require.NoError(t, err)
		require.Len(t, entries, 400)
		for _, ent := range entries {
			_, backRef, err := tablecodec.CutIndexKey(ent.Key, 1)
			require.NoError(t, err)
			require.Len(t, backRef, tablecodec.LocatorLen)
		}
	}
	requireCleanCheckpoint(t, e)

	keys, err := e.Insert("t", types.MakeDatums(1, 1, "fresh"))
	require.NoError(t, err)
	loc, err := tablecodec.DecodeLocator(keys[0])
	require.NoError(t, err)
	require.Equal(t, uint64(401), loc)
	_, err = e.Insert("t", types.MakeDatums(2, 2, "n00200"))
	require.True(t, dbterror.ErrDuplicateKey.Equal(err))
}

func TestReindexPrimaryIndex(t *testing.T) {
	e := newTestEngine(t, withSmallToast)
	ctx := context.Background()
	live := createToastedTable(t, e, "t", 200)
	_, err := e.CreateIndex(ctx, nil, "t", &IndexDefinition{Primary: true, Columns: []string{"id"}})
	require.NoError(t, err)
	_, err = e.CreateIndex(ctx, nil, "t", &IndexDefinition{Columns: []string{"val"}, Include: []string{"name"}})
	require.NoError(t, err)
	old, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	before := rowDatums(t, e, "t")
	beforeEntries, err := e.IndexEntries("t", "t_val_name_idx")
	require.NoError(t, err)
	require.Len(t, beforeEntries, live)

	require.NoError(t, e.ReindexIndex(ctx, nil, "t", "t_id_pkey"))
	tbl, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	require.True(t, tbl.HasPrimary)
	require.NotEqual(t, old.OIDs.RelNode, tbl.OIDs.RelNode)
	requireFilesDropped(t, e, old.FileNodes())
	require.Equal(t, before, rowDatums(t, e, "t"))
	afterEntries, err := e.IndexEntries("t", "t_val_name_idx")
	require.NoError(t, err)
	require.Equal(t, beforeEntries, afterEntries)
	requireCleanCheckpoint(t, e)
}

func TestRebuildInRecoveryKeepsStats(t *testing.T) {
	e := newTestEngine(t)
	createFilledTable(t, e, "t", 50)
	old, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	require.Zero(t, old.RowCount)

	bctx := &BuildContext{InRecovery: true}
	_, err = e.CreateIndex(context.Background(), bctx, "t", &IndexDefinition{Primary: true, Columns: []string{"id"}})
	require.NoError(t, err)
	require.False(t, bctx.InIndexesRebuild())
	tbl, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	require.Zero(t, tbl.RowCount)
	require.Zero(t, tbl.Indices[0].RowCount)
	rows, err := e.Rows("t")
	require.NoError(t, err)
	require.Len(t, rows, 50)
}

func TestCreatePrimaryIndexFailures(t *testing.T) {
	e := newTestEngine(t, withWorkers(2))
	ctx := context.Background()
	createFilledTable(t, e, "t", 200)
	_, err := e.CreateIndex(ctx, nil, "t", &IndexDefinition{Columns: []string{"val"}})
	require.NoError(t, err)
	_, err = e.Insert("t", types.MakeDatums(42, 1, "dup"))
	require.NoError(t, err)
	old, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	hdrs, err := e.Store().FileHeaders()
	require.NoError(t, err)

	_, err = e.CreateIndex(ctx, nil, "t", &IndexDefinition{Primary: true, Columns: []string{"id"}})
	require.True(t, dbterror.ErrDuplicateKey.Equal(err), "%v", err)
	require.Contains(t, err.Error(), "t_id_pkey")

	_, err = e.CreateIndex(ctx, nil, "t", &IndexDefinition{Primary: true, Columns: []string{"val"}})
	require.True(t, dbterror.ErrNullablePrimaryColumn.Equal(err))

	tbl, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	require.Equal(t, old, tbl)
	after, err := e.Store().FileHeaders()
	require.NoError(t, err)
	require.Equal(t, len(hdrs), len(after))
	rows, err := e.Rows("t")
	require.NoError(t, err)
	require.Len(t, rows, 201)
	requireCleanCheckpoint(t, e)
}

func TestCreatePrimaryIndexRowTooLarge(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.CreateTable("t", testFields(), false)
	require.NoError(t, err)
	_, err = e.Insert("t", types.MakeDatums(1, 1, "small"), types.MakeDatums(2, 2, strings.Repeat("x", 5000)))
	require.NoError(t, err)
	old, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	hdrs, err := e.Store().FileHeaders()
	require.NoError(t, err)

	_, err = e.CreateIndex(ctx, nil, "t", &IndexDefinition{Primary: true, Columns: []string{"id"}})
	require.True(t, dbterror.ErrTupleTooLarge.Equal(err), "%v", err)
	require.Contains(t, err.Error(), "t_id_pkey")

	tbl, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	require.Equal(t, old, tbl)
	after, err := e.Store().FileHeaders()
	require.NoError(t, err)
	require.Equal(t, len(hdrs), len(after))
	require.Len(t, rowDatums(t, e, "t"), 2)
	requireCleanCheckpoint(t, e)

	// the same row fits once its long column goes to the side store
	e2 := newTestEngine(t, withSmallToast)
	_, err = e2.CreateTable("t", testFields(), true)
	require.NoError(t, err)
	_, err = e2.Insert("t", types.MakeDatums(2, 2, strings.Repeat("x", 5000)))
	require.NoError(t, err)
	_, err = e2.CreateIndex(ctx, nil, "t", &IndexDefinition{Primary: true, Columns: []string{"id"}})
	require.NoError(t, err)
	requireCleanCheckpoint(t, e2)
}

func TestRebuildIndicesDirect(t *testing.T) {
	e := newTestEngine(t, withSmallToast)
	live := createToastedTable(t, e, "t", 100)
	old, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	nt, err := e.assignNewOIDs(old)
	require.NoError(t, err)

	stats, err := e.RebuildIndices(context.Background(), nil, old, nt)
	require.NoError(t, err)
	require.Equal(t, int64(live), stats.HeapTuples)
	require.Equal(t, uint64(live+1), stats.NextLocator)
	require.NotZero(t, stats.ToastChunks)
	require.Len(t, stats.Headers, len(nt.FileNodes()))
	require.Empty(t, stats.IndexTuples)

	// nothing is published until the catalog switches
	snap, err := e.Checkpoint()
	require.NoError(t, err)
	require.Empty(t, snap.Unpublished)
	for _, node := range nt.FileNodes() {
		exists, err := e.Store().DataExists(node)
		require.NoError(t, err)
		require.True(t, exists)
	}
	e.discardFiles(nt.FileNodes()...)
	requireCleanCheckpoint(t, e)
}
