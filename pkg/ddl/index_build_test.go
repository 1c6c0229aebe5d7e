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

	"github.com/docker/go-units"
	"github.com/relstore/idxbuild/pkg/config"
	"github.com/relstore/idxbuild/pkg/ddl/buildstate"
	"github.com/relstore/idxbuild/pkg/expression"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/stretchr/testify/require"
)

// prepareIndex returns the descriptor of table name with the index of def
// appended, ready for BuildIndex.
func prepareIndex(t *testing.T, e *Engine, name string, def *IndexDefinition) (*model.TableInfo, int) {
	tbl, err := e.Catalog().FindTableByName(name)
	require.NoError(t, err)
	ix, err := ValidateIndexDefinition(tbl, def)
	require.NoError(t, err)
	oid, err := e.Catalog().AllocOIDs(1)
	require.NoError(t, err)
	ix.OIDs = model.RelOIDs{DatOID: tbl.OIDs.DatOID, RelOID: oid, RelNode: oid}
	tbl.Indices = append(tbl.Indices, ix)
	return tbl, len(tbl.Indices) - 1
}

func partialValDef() *IndexDefinition {
	return &IndexDefinition{
		Name:      "idx_val_gt",
		Columns:   []string{"val"},
		Include:   []string{"name"},
		Predicate: expression.GT(1, types.NewIntDatum(5000)),
	}
}

func TestBuildIndexPartialParticipants(t *testing.T) {
	var want []IndexEntry
	for _, workers := range []int{0, 1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			e := newTestEngine(t, withWorkers(workers), func(cfg *config.Config) {
				// small sorts spill to disk
				cfg.Build.MaintenanceWorkMem = 256 * units.KiB
			})
			createFilledTable(t, e, "t", 10000)
			tbl, ixNum := prepareIndex(t, e, "t", partialValDef())

			stats, err := e.BuildIndex(context.Background(), nil, tbl, ixNum)
			require.NoError(t, err)
			require.Equal(t, int64(10000), stats.HeapTuples)
			require.Equal(t, int64(5000), stats.IndexTuples)
			require.Equal(t, int64(5000), stats.Header.NumTuples)
			require.NotEmpty(t, stats.Header.BuildID)
			if workers == 0 {
				require.Zero(t, stats.Participants)
			} else {
				require.Equal(t, workers, stats.Launched)
				// the leader takes part as well
				require.Equal(t, workers+1, stats.Participants)
				require.Equal(t, stats.Participants, stats.ParticipantsDone)
			}

			_, ix, err := e.FindIndexByName("t", "idx_val_gt")
			require.NoError(t, err)
			require.Equal(t, int64(5000), ix.RowCount)
			got, err := e.Catalog().FindTableByName("t")
			require.NoError(t, err)
			require.Equal(t, int64(10000), got.RowCount)

			entries, err := e.IndexEntries("t", "idx_val_gt")
			require.NoError(t, err)
			require.Len(t, entries, 5000)
			if want == nil {
				want = entries
			} else {
				require.Equal(t, want, entries)
			}
			require.Zero(t, e.SharedMemoryUsed())
			requireCleanCheckpoint(t, e)
		})
	}
}

func TestBuildIndexMatchesIncrementalInserts(t *testing.T) {
	built := newTestEngine(t)
	createFilledTable(t, built, "t", 2000)
	_, err := built.CreateIndex(context.Background(), nil, "t", &IndexDefinition{Columns: []string{"name"}, Include: []string{"val"}})
	require.NoError(t, err)

	incremental := newTestEngine(t)
	createFilledTable(t, incremental, "t", 0)
	ix, err := incremental.CreateIndex(context.Background(), nil, "t", &IndexDefinition{Columns: []string{"name"}, Include: []string{"val"}})
	require.NoError(t, err)
	require.Zero(t, ix.RowCount)
	hdr, err := incremental.Store().ReadFileHeader(ix.OIDs.RelNode)
	require.NoError(t, err)
	require.NotNil(t, hdr)
	createFilledRows(t, incremental, "t", 2000)

	want, err := built.IndexEntries("t", "t_name_val_idx")
	require.NoError(t, err)
	require.Len(t, want, 2000)
	got, err := incremental.IndexEntries("t", "t_name_val_idx")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func createFilledRows(t *testing.T, e *Engine, name string, n int) {
	rows := make([][]types.Datum, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, types.MakeDatums(i, i, fmt.Sprintf("n%05d", i)))
	}
	_, err := e.Insert(name, rows...)
	require.NoError(t, err)
}

func TestBuildIndexRegionExhausted(t *testing.T) {
	serial := newTestEngine(t, withWorkers(0))
	createFilledTable(t, serial, "t", 3000)
	tbl, ixNum := prepareIndex(t, serial, "t", partialValDef())
	_, err := serial.BuildIndex(context.Background(), nil, tbl, ixNum)
	require.NoError(t, err)
	want, err := serial.IndexEntries("t", "idx_val_gt")
	require.NoError(t, err)

	e := newTestEngine(t, withWorkers(4), func(cfg *config.Config) {
		cfg.Build.SharedMemoryLimit = 1
	})
	createFilledTable(t, e, "t", 3000)
	tbl, ixNum = prepareIndex(t, e, "t", partialValDef())
	stats, err := e.BuildIndex(context.Background(), nil, tbl, ixNum)
	require.NoError(t, err)
	require.Zero(t, stats.Participants)
	got, err := e.IndexEntries("t", "idx_val_gt")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBuildIndexWideTable(t *testing.T) {
	fields := testFields()
	for i := range 1500 {
		fields = append(fields, FieldDef{Name: fmt.Sprintf("filler_column_%05d", i), Type: types.FieldType{Tp: types.KindString}})
	}
	var want []IndexEntry
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			e := newTestEngine(t, withWorkers(workers))
			_, err := e.CreateTable("t", fields, true)
			require.NoError(t, err)
			rows := make([][]types.Datum, 0, 50)
			for i := 1; i <= 50; i++ {
				row := make([]types.Datum, len(fields))
				copy(row, types.MakeDatums(i, i%7, fmt.Sprintf("n%05d", i)))
				row[3] = types.NewStringDatum("filled")
				rows = append(rows, row)
			}
			_, err = e.Insert("t", rows...)
			require.NoError(t, err)

			tbl, ixNum := prepareIndex(t, e, "t", &IndexDefinition{Columns: []string{"val"}})
			data, err := tbl.Serialize()
			require.NoError(t, err)
			require.Greater(t, len(data), buildstate.DefaultDescriptorCapacity)

			stats, err := e.BuildIndex(context.Background(), nil, tbl, ixNum)
			require.NoError(t, err)
			require.Equal(t, int64(50), stats.IndexTuples)
			if workers > 0 {
				require.Equal(t, workers, stats.Launched)
			}
			entries, err := e.IndexEntries("t", "t_val_idx")
			require.NoError(t, err)
			require.Len(t, entries, 50)
			if want == nil {
				want = entries
			} else {
				require.Equal(t, want, entries)
			}
			require.Zero(t, e.SharedMemoryUsed())
			requireCleanCheckpoint(t, e)
		})
	}
}

func TestFreshParticipantWithoutBuildState(t *testing.T) {
	e := newTestEngine(t)
	region, err := e.segment.Allocate(64)
	require.NoError(t, err)
	defer region.Release()
	leader := buildstate.New(0)

	done := make(chan buildstate.Result, 1)
	go func() { done <- leader.WaitForDone(1) }()
	e.freshParticipantMain(region, leader, 0)
	res := <-done
	require.Equal(t, 1, res.NParticipantsDone)
	require.ErrorContains(t, res.Err, "found no build state")
}

func TestBuildIndexNoWorkerProcesses(t *testing.T) {
	e := newTestEngine(t, withWorkers(4), func(cfg *config.Config) {
		cfg.Build.MaxWorkerProcesses = 0
	})
	createFilledTable(t, e, "t", 100)
	tbl, ixNum := prepareIndex(t, e, "t", &IndexDefinition{Columns: []string{"val"}})
	stats, err := e.BuildIndex(context.Background(), nil, tbl, ixNum)
	require.NoError(t, err)
	require.Zero(t, stats.Participants)
	require.Equal(t, int64(100), stats.IndexTuples)
}

func TestBuildIndexTupleTooLarge(t *testing.T) {
	for _, workers := range []int{0, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			e := newTestEngine(t, withWorkers(workers), func(cfg *config.Config) {
				cfg.Build.MaxTupleSize = 128
			})
			createFilledTable(t, e, "t", 500)
			_, err := e.Insert("t", types.MakeDatums(501, 501, strings.Repeat("x", 300)))
			require.NoError(t, err)
			before, err := e.Catalog().FindTableByName("t")
			require.NoError(t, err)

			_, err = e.CreateIndex(context.Background(), nil, "t", &IndexDefinition{Name: "idx_name", Columns: []string{"name"}})
			require.True(t, dbterror.ErrTupleTooLarge.Equal(err), "%v", err)
			require.Contains(t, err.Error(), "idx_name")

			after, err := e.Catalog().FindTableByName("t")
			require.NoError(t, err)
			require.Equal(t, before, after)
			_, _, err = e.FindIndexByName("t", "idx_name")
			require.True(t, dbterror.ErrIndexNotExists.Equal(err))
			requireCleanCheckpoint(t, e)
			require.Zero(t, e.SharedMemoryUsed())
		})
	}
}

func TestBuildUniqueIndex(t *testing.T) {
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			e := newTestEngine(t, withWorkers(workers))
			createFilledTable(t, e, "t", 1000)
			// NULL keys never conflict
			_, err := e.Insert("t",
				types.MakeDatums(1001, nil, "a"),
				types.MakeDatums(1002, nil, "b"))
			require.NoError(t, err)
			ix, err := e.CreateIndex(context.Background(), nil, "t", &IndexDefinition{Unique: true, Columns: []string{"val"}})
			require.NoError(t, err)
			require.Equal(t, "t_val_key", ix.Name)
			require.Equal(t, int64(1002), ix.RowCount)

			_, err = e.Insert("t", types.MakeDatums(1003, 5, "c"))
			require.True(t, dbterror.ErrDuplicateKey.Equal(err))

			// a duplicate in the data fails the build
			_, err = e.CreateIndex(context.Background(), nil, "t", &IndexDefinition{Unique: true, Columns: []string{"id"}, Name: "id_uniq"})
			require.NoError(t, err)
			_, err = e.Insert("t", types.MakeDatums(2000, 2000, "n00001"))
			require.NoError(t, err)
			_, err = e.CreateIndex(context.Background(), nil, "t", &IndexDefinition{Unique: true, Columns: []string{"name"}, Name: "name_uniq"})
			require.True(t, dbterror.ErrDuplicateKey.Equal(err), "%v", err)
			require.Contains(t, err.Error(), "name_uniq")
			_, _, err = e.FindIndexByName("t", "name_uniq")
			require.True(t, dbterror.ErrIndexNotExists.Equal(err))
			requireCleanCheckpoint(t, e)
		})
	}
}

func TestBuildIndexReplay(t *testing.T) {
	e := newTestEngine(t, withWorkers(4), func(cfg *config.Config) {
		cfg.Recovery.PoolSize = 2
	})
	createFilledTable(t, e, "t", 10000)
	bctx := &BuildContext{InRecovery: true}
	tbl, ixNum := prepareIndex(t, e, "t", partialValDef())
	stats, err := e.BuildIndex(context.Background(), bctx, tbl, ixNum)
	require.NoError(t, err)
	// replay builds are limited by the pool and the leader does not take part
	require.Equal(t, 2, stats.Launched)
	require.Equal(t, 2, stats.Participants)
	require.Equal(t, 2, stats.ParticipantsDone)
	require.Equal(t, int64(5000), stats.IndexTuples)

	// statistics are left alone during recovery
	_, ix, err := e.FindIndexByName("t", "idx_val_gt")
	require.NoError(t, err)
	require.Zero(t, ix.RowCount)

	// the fixed replay states are reusable
	tbl, ixNum = prepareIndex(t, e, "t", &IndexDefinition{Name: "idx_name", Columns: []string{"name"}})
	stats, err = e.BuildIndex(context.Background(), bctx, tbl, ixNum)
	require.NoError(t, err)
	require.Equal(t, int64(10000), stats.IndexTuples)
}

func TestBuildIndexReplaySingleProcess(t *testing.T) {
	e := newTestEngine(t, withWorkers(4), func(cfg *config.Config) {
		cfg.Recovery.SingleProcess = true
	})
	createFilledTable(t, e, "t", 100)
	tbl, ixNum := prepareIndex(t, e, "t", &IndexDefinition{Columns: []string{"val"}})
	stats, err := e.BuildIndex(context.Background(), &BuildContext{InRecovery: true}, tbl, ixNum)
	require.NoError(t, err)
	require.Zero(t, stats.Participants)
	require.Equal(t, int64(100), stats.IndexTuples)
}

func TestBuildIndexRejectsExisting(t *testing.T) {
	e := newTestEngine(t)
	createFilledTable(t, e, "t", 10)
	tbl, ixNum := prepareIndex(t, e, "t", &IndexDefinition{Name: "i", Columns: []string{"val"}})
	_, err := e.BuildIndex(context.Background(), nil, tbl, ixNum)
	require.NoError(t, err)
	_, err = e.BuildIndex(context.Background(), nil, tbl, ixNum)
	require.Error(t, err)
	_, err = e.BuildIndex(context.Background(), nil, tbl, 7)
	require.True(t, dbterror.ErrIndexNotExists.Equal(err))
}
