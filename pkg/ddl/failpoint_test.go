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
	"testing"

	"github.com/relstore/idxbuild/pkg/testkit/testfailpoint"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/stretchr/testify/require"
)

const failpointPkg = "github.com/relstore/idxbuild/pkg/"

// requireCreateIndexFails runs a CreateIndex that must fail and checks that
// the table is left exactly as it was.
func requireCreateIndexFails(t *testing.T, e *Engine, def *IndexDefinition) error {
	before, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	hdrs, err := e.Store().FileHeaders()
	require.NoError(t, err)
	rows := rowDatums(t, e, "t")

	_, err = e.CreateIndex(context.Background(), nil, "t", def)
	require.Error(t, err)

	after, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	require.Equal(t, before, after)
	afterHdrs, err := e.Store().FileHeaders()
	require.NoError(t, err)
	require.Equal(t, len(hdrs), len(afterHdrs))
	require.Equal(t, rows, rowDatums(t, e, "t"))
	require.Zero(t, e.SharedMemoryUsed())
	requireCleanCheckpoint(t, e)
	return err
}

func TestBuildIndexScanErr(t *testing.T) {
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			e := newTestEngine(t, withWorkers(workers))
			createFilledTable(t, e, "t", 3000)
			testfailpoint.Enable(t, failpointPkg+"ddl/mockScanTupleErr", `return(100)`)

			err := requireCreateIndexFails(t, e, &IndexDefinition{Columns: []string{"val"}})
			require.True(t, dbterror.ErrStorageIO.Equal(err), "%v", err)
			require.ErrorContains(t, err, "mock scan error")
			_, _, err = e.FindIndexByName("t", "t_val_idx")
			require.True(t, dbterror.ErrIndexNotExists.Equal(err))
		})
	}
}

func TestBuildIndexWriteErr(t *testing.T) {
	e := newTestEngine(t, withWorkers(2))
	createFilledTable(t, e, "t", 1000)
	testfailpoint.Enable(t, failpointPkg+"ddl/mockBuildIndexWriteErr", `return(true)`)

	err := requireCreateIndexFails(t, e, &IndexDefinition{Columns: []string{"name"}, Unique: true})
	require.True(t, dbterror.ErrStorageIO.Equal(err), "%v", err)
	require.ErrorContains(t, err, "mock write error")
}

func TestBuildIndexBulkWriteErrDropsFile(t *testing.T) {
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			e := newTestEngine(t, withWorkers(workers))
			createFilledTable(t, e, "t", 2000)
			tbl, ixNum := prepareIndex(t, e, "t", partialValDef())
			node := tbl.Indices[ixNum].OIDs.RelNode
			testfailpoint.Enable(t, failpointPkg+"storage/mockBulkWriteErr", `return(1)`)

			_, err := e.BuildIndex(context.Background(), nil, tbl, ixNum)
			require.True(t, dbterror.ErrStorageIO.Equal(err), "%v", err)
			requireFilesDropped(t, e, []uint64{node})
			require.Zero(t, e.SharedMemoryUsed())

			err = requireCreateIndexFails(t, e, &IndexDefinition{Columns: []string{"val"}})
			require.True(t, dbterror.ErrStorageIO.Equal(err), "%v", err)
		})
	}
}

func TestRebuildBulkWriteErr(t *testing.T) {
	e := newTestEngine(t, withSmallToast)
	createToastedTable(t, e, "t", 200)
	_, err := e.CreateIndex(context.Background(), nil, "t", &IndexDefinition{Columns: []string{"name"}})
	require.NoError(t, err)
	old, err := e.Catalog().FindTableByName("t")
	require.NoError(t, err)
	nt, err := e.assignNewOIDs(old)
	require.NoError(t, err)
	testfailpoint.Enable(t, failpointPkg+"storage/mockBulkWriteErr", `return(1)`)

	_, err = e.RebuildIndices(context.Background(), nil, old, nt)
	require.True(t, dbterror.ErrStorageIO.Equal(err), "%v", err)
	requireFilesDropped(t, e, nt.FileNodes())

	err = requireCreateIndexFails(t, e, &IndexDefinition{Primary: true, Columns: []string{"id"}})
	require.True(t, dbterror.ErrStorageIO.Equal(err), "%v", err)
	_, _, err = e.FindIndexByName("t", "t_name_idx")
	require.NoError(t, err)
}

func TestBuildIndexInjectedRegionExhaustion(t *testing.T) {
	e := newTestEngine(t, withWorkers(3))
	createFilledTable(t, e, "t", 500)
	testfailpoint.Enable(t, failpointPkg+"util/shm/mockRegionExhausted", `return(true)`)

	tbl, ixNum := prepareIndex(t, e, "t", &IndexDefinition{Columns: []string{"val"}})
	stats, err := e.BuildIndex(context.Background(), nil, tbl, ixNum)
	require.NoError(t, err)
	require.Zero(t, stats.Participants)
	require.Equal(t, int64(500), stats.IndexTuples)
}
