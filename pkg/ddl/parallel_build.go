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
	"runtime/debug"
	"time"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/ddl/buildstate"
	"github.com/relstore/idxbuild/pkg/ddl/logutil"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/metrics"
	"github.com/relstore/idxbuild/pkg/recovery"
	"github.com/relstore/idxbuild/pkg/sorter"
	"github.com/relstore/idxbuild/pkg/table"
	"github.com/relstore/idxbuild/pkg/table/tables"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/relstore/idxbuild/pkg/util/shm"
	"go.uber.org/zap"
)

// leaderHandle is the leader's view of a running parallel build.
type leaderHandle struct {
	source     PoolSource
	state      *buildstate.Shared
	sortShared *sorter.Shared
	pscan      *tables.ParallelScan
	tbl        *model.TableInfo

	nLaunched          int
	leaderParticipates bool

	finished bool
	result   buildstate.Result
}

// nParticipants returns the number of participant sorts: the launched
// workers plus the leader when it takes part.
func (h *leaderHandle) nParticipants() int {
	if h.leaderParticipates {
		return h.nLaunched + 1
	}
	return h.nLaunched
}

// waitForParticipants blocks until every participant finished and returns
// what they reported.
func (h *leaderHandle) waitForParticipants() buildstate.Result {
	if !h.finished {
		h.result = h.source.waitForFinish(h.nParticipants())
		h.finished = true
	}
	return h.result
}

func serialFallback(reason string, tbl *model.TableInfo) {
	metrics.SerialFallbackCounter.WithLabelValues(reason).Inc()
	logutil.DDLIngestLogger().Info("index build runs serially",
		zap.String("table", tbl.Name), zap.String("reason", reason))
}

// beginParallel tries to start a parallel build of p.IndexNumber of tbl
// with up to request workers. A nil handle without error means the build
// must run serially.
func (e *Engine) beginParallel(bctx *BuildContext, p buildstate.Params, tbl *model.TableInfo, request int) (*leaderHandle, error) {
	if p.Kind == buildstate.KindRebuildFromScratch {
		serialFallback(metrics.LblSerialOnly, tbl)
		return nil, nil
	}
	request = min(request, e.cfg.Build.MaxWorkerProcesses)
	var source PoolSource
	leaderParticipates := e.cfg.Build.LeaderParticipates
	if bctx.inRecovery() {
		request = min(request, e.recoveryPool.Size())
		source = newReplayPool(e.recoveryPool)
		leaderParticipates = false
	} else {
		source = newFreshPool(e)
	}
	if request <= 0 {
		serialFallback(metrics.LblNoWorkers, tbl)
		return nil, nil
	}

	pscan, err := tables.NewParallelScan(e.store, tbl.PrimaryFileNode(), tables.DefaultBlockRows)
	if err != nil {
		return nil, err
	}
	nSorts := request
	if leaderParticipates {
		nSorts++
	}
	p.ParticipantCount = request
	p.SortMem = int64(e.cfg.Build.MaintenanceWorkMem) / int64(nSorts)
	state, sortShared, err := source.initialize(p, tbl, pscan, nSorts)
	if err != nil {
		_ = pscan.Close()
		if dbterror.ErrRegionExhausted.Equal(err) {
			serialFallback(metrics.LblRegionExhausted, tbl)
			return nil, nil
		}
		return nil, err
	}
	h := &leaderHandle{
		source:             source,
		state:              state,
		sortShared:         sortShared,
		pscan:              pscan,
		tbl:                tbl,
		leaderParticipates: leaderParticipates,
	}
	h.nLaunched = source.launch(request)
	if h.nLaunched == 0 {
		h.finished = true
		e.endParallel(h)
		serialFallback(metrics.LblNoWorkers, tbl)
		return nil, nil
	}
	source.waitForAttach(h.nLaunched)
	metrics.ParticipantsLaunched.WithLabelValues(source.mode()).Add(float64(h.nLaunched))
	logutil.DDLIngestLogger().Info("parallel index build started",
		zap.String("table", tbl.Name),
		zap.Int("index", p.IndexNumber),
		zap.String("mode", source.mode()),
		zap.Int("requested", request),
		zap.Int("launched", h.nLaunched),
		zap.Bool("leader participates", leaderParticipates))
	return h, nil
}

// endParallel waits for every participant, frees what the build left in
// the shared states and tears the build down. It is called on every exit
// path of a build that beginParallel started.
func (e *Engine) endParallel(h *leaderHandle) {
	res := h.waitForParticipants()
	if err := h.sortShared.Initialize(0); err != nil {
		logutil.DDLIngestLogger().Warn("release leftover sort runs failed", zap.Error(err))
	}
	h.source.destroy()
	if err := h.pscan.Close(); err != nil {
		logutil.DDLIngestLogger().Warn("close parallel scan failed", zap.Error(err))
	}
	logger := logutil.BuildLogger(context.Background(), h.state.Params().BuildID)
	for _, u := range res.Usages {
		logger.Debug("build participant finished",
			zap.String("table", h.tbl.Name),
			zap.Int("worker", u.WorkerID),
			zap.Int64("heap tuples", u.HeapTuples),
			zap.Int64("index tuples", u.IndexTuples),
			zap.Int64("spilled bytes", u.SpilledBytes),
			zap.Duration("elapsed", u.Elapsed))
	}
}

// runParticipant scans its share of the table, sorts the tuples and
// publishes them to the leader. It reports done exactly once, also when it
// fails or panics. loadTable supplies the descriptor of the build.
func (e *Engine) runParticipant(state *buildstate.Shared, sortShared *sorter.Shared, loadTable func() (*model.TableInfo, error)) {
	start := time.Now()
	usage := buildstate.Usage{WorkerID: -1}
	replay := state.IsReplay()
	joined := false
	p := state.Params()
	logger := logutil.BuildLogger(context.Background(), p.BuildID)
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("build participant panicked: %v", r)
			logger.Error("build participant panicked",
				zap.Any("recover", r), zap.String("stack", string(debug.Stack())))
		} else if err != nil {
			logger.Warn("build participant failed", zap.Int("worker", usage.WorkerID), zap.Error(err))
		}
		if replay && !joined {
			state.ReportJoined()
		}
		usage.Elapsed = time.Since(start)
		state.ReportDone(usage, err)
	}()

	srt, err := sorter.Begin(sorter.Spec{Label: fmt.Sprintf("index-%d", p.IndexNumber), TempDir: p.TempDir},
		p.SortMem, &sorter.Coordinate{IsWorker: true, Shared: sortShared})
	if err != nil {
		return
	}
	usage.WorkerID = srt.WorkerID()
	if replay {
		state.ReportJoined()
		joined = true
	}
	defer func() {
		usage.SpilledBytes = srt.SpilledBytes()
		if endErr := srt.End(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	tbl, err := loadTable()
	if err != nil {
		return
	}
	if tbl.OIDs != state.TableOIDs() {
		err = errors.Errorf("build participant got table %s, build is for %s", tbl.OIDs, state.TableOIDs())
		return
	}
	descr, err := table.NewDescr(tbl)
	if err != nil {
		return
	}
	ix, err := descr.Index(p.IndexNumber)
	if err != nil {
		return
	}
	sp := &indexSpool{ix: ix, sort: srt, maxTupleSize: int(e.cfg.Build.MaxTupleSize)}
	usage.HeapTuples, err = e.scanIntoSpool(descr, p.Snapshot, state.ParallelScan(), sp)
	usage.IndexTuples = sp.tuples
	if err != nil {
		return
	}
	err = srt.PerformSort()
}

// freshParticipantMain is the entry of a participant launched on the worker
// pool. It finds the build through the region's table of contents and
// reports to leader when the region does not hold that build.
func (e *Engine) freshParticipantMain(region *shm.Region, leader *buildstate.Shared, seq int) {
	obj, ok := region.Lookup(keyBuildState)
	if state, _ := obj.(*buildstate.Shared); !ok || state != leader {
		leader.ReportDone(buildstate.Usage{WorkerID: -1}, errors.Errorf("build participant %d found no build state", seq))
		return
	}
	obj, ok = region.Lookup(keySharedSort)
	if !ok {
		leader.ReportDone(buildstate.Usage{WorkerID: -1}, errors.Errorf("build participant %d found no shared sort", seq))
		return
	}
	e.runParticipant(leader, obj.(*sorter.Shared), leader.Descriptor)
}

// replayParticipantMain is the handler of the replay workers.
func (e *Engine) replayParticipantMain(workerID int, msg *recovery.IndexBuildMsg) {
	e.runParticipant(e.recoveryPool.BuildState(), e.recoveryPool.SortShared(), func() (*model.TableInfo, error) {
		return model.DeserializeTableInfo(msg.Descriptor)
	})
	logutil.RecoveryLogger().Debug("index build message handled", zap.Int("worker", workerID))
}
