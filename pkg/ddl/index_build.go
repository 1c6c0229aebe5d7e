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
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/relstore/idxbuild/pkg/ddl/buildstate"
	"github.com/relstore/idxbuild/pkg/ddl/logutil"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/metrics"
	"github.com/relstore/idxbuild/pkg/sorter"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/table"
	"github.com/relstore/idxbuild/pkg/tablecodec"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/util/codec"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"go.uber.org/zap"
)

// BuildStats describes a finished index build.
type BuildStats struct {
	// HeapTuples is the number of visible rows scanned.
	HeapTuples int64
	// IndexTuples is the number of tuples written into the index file.
	IndexTuples int64
	// Participants is the number of participant sorts of a parallel build,
	// 0 for a serial one.
	Participants int
	// Launched is the number of workers started for a parallel build and
	// ParticipantsDone the number of participants that reported done.
	Launched         int
	ParticipantsDone int
	Header           *storage.FileHeader
}

// keyColumnsFunc extracts the encoded key columns of a sorted tuple.
type keyColumnsFunc func(key []byte) (cols []byte, err error)

// uniqueChecker passes a sorted stream through and fails on two adjacent
// tuples whose key columns are equal and not NULL.
type uniqueChecker struct {
	src       storage.SortedSource
	keyCols   keyColumnsFunc
	nKeyCols  int
	indexName string
	prev      []byte
	hasPrev   bool
}

func newUniqueChecker(src storage.SortedSource, nKeyCols int, indexName string, withBackRef bool) *uniqueChecker {
	u := &uniqueChecker{src: src, nKeyCols: nKeyCols, indexName: indexName}
	if withBackRef {
		u.keyCols = func(key []byte) ([]byte, error) {
			cols, _, err := tablecodec.CutIndexKey(key, nKeyCols)
			return cols, err
		}
	} else {
		u.keyCols = func(key []byte) ([]byte, error) { return key, nil }
	}
	return u
}

// Next implements storage.SortedSource.
func (u *uniqueChecker) Next() (key, value []byte, err error) {
	key, value, err = u.src.Next()
	if err != nil || key == nil {
		return key, value, err
	}
	cols, err := u.keyCols(key)
	if err != nil {
		return nil, nil, err
	}
	if u.hasPrev && bytes.Equal(cols, u.prev) {
		datums, err := codec.Decode(cols, u.nKeyCols)
		if err != nil {
			return nil, nil, err
		}
		null := false
		for i := range datums {
			if datums[i].IsNull() {
				null = true
				break
			}
		}
		if !null {
			return nil, nil, dbterror.ErrDuplicateKey.GenWithStackByArgs(u.indexName)
		}
	}
	u.prev = append(u.prev[:0], cols...)
	u.hasPrev = true
	return key, value, nil
}

// BuildIndex builds the secondary index at position ixNum of tbl and
// publishes tbl. tbl is the catalog descriptor of the table with the new
// index added; its file must be empty. The build runs in parallel when
// workers and shared memory are available and serially otherwise, with the
// same result.
func (e *Engine) BuildIndex(ctx context.Context, bctx *BuildContext, tbl *model.TableInfo, ixNum int) (stats *BuildStats, err error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if bctx == nil {
		bctx = &BuildContext{}
	}
	start := time.Now()
	defer func() {
		metrics.BuildCounter.WithLabelValues(metrics.LblBuildSecondary, metrics.RetLabel(err)).Inc()
		metrics.BuildDurationHistogram.WithLabelValues(metrics.LblBuildSecondary, metrics.RetLabel(err)).
			Observe(time.Since(start).Seconds())
	}()
	oldTbl, err := e.cat.GetTable(tbl.OIDs)
	if err != nil {
		return nil, err
	}
	if ixNum < 0 || ixNum >= len(tbl.Indices) {
		return nil, dbterror.ErrIndexNotExists.GenWithStackByArgs(tbl.Name)
	}
	newIx := tbl.Indices[ixNum]
	if _, ok := oldTbl.FindIndexByName(newIx.Name); ok {
		return nil, errors.Errorf("index %s already exists on table %s", newIx.Name, tbl.Name)
	}

	tctx, owned := e.beginTxn(bctx)
	stats, err = e.buildIndexFile(ctx, bctx, tbl, ixNum)
	if err != nil {
		return nil, e.finishTxn(tctx, owned, err)
	}
	newTbl := e.withBuildStats(bctx, tbl, ixNum, stats)
	err = e.updateTableAddIndex(tctx, oldTbl, newTbl, newTbl.Indices[ixNum], stats.Header)
	if err != nil {
		e.discardFiles(newIx.OIDs.RelNode)
	}
	if err = e.finishTxn(tctx, owned, err); err != nil {
		return nil, err
	}
	return stats, nil
}

// withBuildStats returns tbl with the statistics of a finished build. They
// are left untouched during recovery.
func (*Engine) withBuildStats(bctx *BuildContext, tbl *model.TableInfo, ixNum int, stats *BuildStats) *model.TableInfo {
	nt := tbl.Clone()
	if bctx.inRecovery() {
		return nt
	}
	nt.RowCount = stats.HeapTuples
	nt.Indices[ixNum].RowCount = stats.IndexTuples
	return nt
}

// buildIndexFile scans tbl, sorts the tuples of its secondary index ixNum
// and bulk loads them into the index file. Nothing is published.
func (e *Engine) buildIndexFile(ctx context.Context, bctx *BuildContext, tbl *model.TableInfo, ixNum int) (_ *BuildStats, err error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	descr, err := table.NewDescr(tbl)
	if err != nil {
		return nil, err
	}
	ix, err := descr.Index(ixNum)
	if err != nil {
		return nil, err
	}
	if ix.Meta.IsPrimary() {
		return nil, errors.Errorf("primary index %s is built by a table rebuild", ix.Meta.Name)
	}
	buildID := uuid.NewString()
	logger := logutil.BuildLogger(ctx, buildID).With(
		zap.String("table", tbl.Name),
		zap.String("index", ix.Meta.Name))
	p := buildstate.Params{
		Kind:        buildstate.KindBuildSecondary,
		IsUnique:    ix.Meta.IsUnique(),
		IndexNumber: ixNum,
		Snapshot:    txn.CSNInProgress,
		TempDir:     e.cfg.Build.TempDir,
		BuildID:     buildID,
	}
	stats := &BuildStats{}
	spec := sorter.Spec{Label: ix.Meta.Name, TempDir: e.cfg.Build.TempDir}

	h, err := e.beginParallel(bctx, p, tbl, e.cfg.Build.ParallelWorkers)
	if err != nil {
		return nil, err
	}
	var srt *sorter.Sorter
	if h != nil {
		srt, err = e.leaderSort(h, spec, stats)
	} else {
		srt, err = e.serialSort(descr, ix, p.Snapshot, spec, stats)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if endErr := srt.End(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	var src storage.SortedSource = srt
	if p.IsUnique {
		src = newUniqueChecker(srt, len(ix.KeyCols), ix.Meta.Name, true)
	}
	failpoint.Inject("mockBuildIndexWriteErr", func() {
		failpoint.Return(nil, dbterror.ErrStorageIO.GenWithStackByArgs("mock write error"))
	})
	hdr, err := e.store.WriteSortedStream(ix.FileNode(), src, storage.WriteOptions{
		Compress: ix.Meta.Compress,
		BuildID:  buildID,
	})
	if err != nil {
		logger.Warn("index build failed", zap.Error(err))
		return nil, err
	}
	stats.Header = hdr
	stats.IndexTuples = hdr.NumTuples
	metrics.TuplesInserted.WithLabelValues(metrics.LblBuildSecondary).Add(float64(hdr.NumTuples))
	logger.Info("index build finished",
		zap.Int64("heap tuples", stats.HeapTuples),
		zap.Int64("index tuples", stats.IndexTuples),
		zap.Int("participants", stats.Participants))
	return stats, nil
}

// leaderSort lets the leader take part when configured, waits for the
// participants and returns the sort merging their runs.
func (e *Engine) leaderSort(h *leaderHandle, spec sorter.Spec, stats *BuildStats) (*sorter.Sorter, error) {
	defer e.endParallel(h)
	if h.leaderParticipates {
		e.runParticipant(h.state, h.sortShared, func() (*model.TableInfo, error) { return h.tbl, nil })
	}
	res := h.waitForParticipants()
	if res.Err != nil {
		return nil, res.Err
	}
	stats.HeapTuples = res.HeapTuples
	stats.Participants = h.nParticipants()
	stats.Launched = h.nLaunched
	stats.ParticipantsDone = res.NParticipantsDone
	srt, err := sorter.Begin(spec, 0, &sorter.Coordinate{NParticipants: h.nParticipants(), Shared: h.sortShared})
	if err != nil {
		return nil, err
	}
	if err := srt.PerformSort(); err != nil {
		_ = srt.End()
		return nil, err
	}
	return srt, nil
}

// serialSort scans the whole table in the calling goroutine.
func (e *Engine) serialSort(descr *table.Descr, ix *table.IndexDescr, snapshot txn.CSN, spec sorter.Spec, stats *BuildStats) (*sorter.Sorter, error) {
	srt, err := sorter.Begin(spec, int64(e.cfg.Build.MaintenanceWorkMem), nil)
	if err != nil {
		return nil, err
	}
	sp := &indexSpool{ix: ix, sort: srt, maxTupleSize: int(e.cfg.Build.MaxTupleSize)}
	stats.HeapTuples, err = e.scanIntoSpool(descr, snapshot, nil, sp)
	if err == nil {
		err = srt.PerformSort()
	}
	if err != nil {
		_ = srt.End()
		return nil, err
	}
	return srt, nil
}

// fetchDescr returns the live descriptor of oids. During a full rebuild the
// descriptor is rebuilt from the catalog instead of taken from the cache.
func (e *Engine) fetchDescr(bctx *BuildContext, oids model.RelOIDs) (*table.Descr, error) {
	if bctx.InIndexesRebuild() {
		return e.descrs.Recreate(oids)
	}
	return e.descrs.Fetch(oids)
}
