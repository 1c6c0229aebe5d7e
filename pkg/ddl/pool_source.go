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
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/relstore/idxbuild/pkg/ddl/buildstate"
	"github.com/relstore/idxbuild/pkg/ddl/logutil"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/metrics"
	"github.com/relstore/idxbuild/pkg/recovery"
	"github.com/relstore/idxbuild/pkg/sorter"
	"github.com/relstore/idxbuild/pkg/table/tables"
	"github.com/relstore/idxbuild/pkg/util/shm"
	"go.uber.org/zap"
)

// Keys of the states a fresh build places in its shared region.
const (
	keyBuildState shm.Key = iota + 1
	keySharedSort
)

// PoolSource provides the participants of a parallel build. A fresh source
// launches new workers, a replay source dispatches to the long-lived replay
// workers.
type PoolSource interface {
	// mode names the source in metrics and logs.
	mode() string
	// initialize prepares the shared states of the build.
	initialize(p buildstate.Params, tbl *model.TableInfo, pscan *tables.ParallelScan, nParticipants int) (*buildstate.Shared, *sorter.Shared, error)
	// launch starts up to n participants and returns how many started.
	launch(n int) int
	// waitForAttach blocks until the launched participants attached.
	waitForAttach(launched int)
	// waitForFinish blocks until nParticipants reported done.
	waitForFinish(nParticipants int) buildstate.Result
	// destroy waits for the participants to exit and frees the shared states.
	destroy()
}

// freshPool runs participants on the engine's worker pool. Their shared
// states live in a region of the engine's shared segment.
type freshPool struct {
	e *Engine

	region *shm.Region
	state  *buildstate.Shared
	wg     sync.WaitGroup
}

func newFreshPool(e *Engine) *freshPool {
	return &freshPool{e: e}
}

func (*freshPool) mode() string { return metrics.LblModeFresh }

// freshRegionSize returns the shared bytes of a fresh build with
// nParticipants sorts whose serialized descriptor takes descLen bytes.
func freshRegionSize(descLen, nParticipants int) int64 {
	return buildstate.EstimateShared(descLen) + sorter.EstimateShared(nParticipants)
}

// initialize sizes the region to the serialized descriptor, so a wide table
// needs a larger region rather than a larger fixed buffer.
func (f *freshPool) initialize(p buildstate.Params, tbl *model.TableInfo, pscan *tables.ParallelScan, nParticipants int) (*buildstate.Shared, *sorter.Shared, error) {
	data, err := tbl.Serialize()
	if err != nil {
		return nil, nil, err
	}
	region, err := f.e.segment.Allocate(freshRegionSize(len(data), nParticipants))
	if err != nil {
		return nil, nil, err
	}
	state := buildstate.New(len(data))
	sortShared := sorter.NewShared()
	err = region.Insert(keyBuildState, buildstate.EstimateShared(state.Capacity()), state)
	if err == nil {
		err = region.Insert(keySharedSort, sorter.EstimateShared(nParticipants), sortShared)
	}
	if err == nil {
		err = state.SetupSerialized(p, tbl.OIDs, data, pscan)
	}
	if err == nil {
		err = sortShared.Initialize(nParticipants)
	}
	if err != nil {
		region.Release()
		return nil, nil, err
	}
	f.region, f.state = region, state
	return state, sortShared, nil
}

func (f *freshPool) launch(n int) int {
	if f.e.workerPool == nil {
		return 0
	}
	launched := 0
	for i := range n {
		f.wg.Add(1)
		err := f.e.workerPool.Submit(func() {
			defer f.wg.Done()
			f.e.freshParticipantMain(f.region, f.state, i)
		})
		if err != nil {
			f.wg.Done()
			if err != ants.ErrPoolOverload {
				logutil.DDLIngestLogger().Warn("launch build worker failed", zap.Error(err))
			}
			break
		}
		launched++
	}
	return launched
}

// waitForAttach returns at once: fresh participants attach on their own and
// the leader only waits for them to finish.
func (*freshPool) waitForAttach(int) {}

func (f *freshPool) waitForFinish(nParticipants int) buildstate.Result {
	return f.state.WaitForDone(nParticipants)
}

func (f *freshPool) destroy() {
	f.wg.Wait()
	if f.region != nil {
		f.region.Release()
	}
}

// replayPool dispatches the build to the replay workers. Only one build at
// a time uses their fixed shared states.
type replayPool struct {
	pool    *recovery.Pool
	release func()
	state   *buildstate.Shared
	msg     *recovery.IndexBuildMsg
}

func newReplayPool(pool *recovery.Pool) *replayPool {
	return &replayPool{pool: pool}
}

func (*replayPool) mode() string { return metrics.LblModeReplay }

func (r *replayPool) initialize(p buildstate.Params, tbl *model.TableInfo, pscan *tables.ParallelScan, nParticipants int) (*buildstate.Shared, *sorter.Shared, error) {
	data, err := tbl.Serialize()
	if err != nil {
		return nil, nil, err
	}
	r.release = r.pool.AcquireBuild()
	state, sortShared := r.pool.BuildState(), r.pool.SortShared()
	state.SetupReplay(p, tbl.OIDs, pscan)
	if err := sortShared.Initialize(nParticipants); err != nil {
		r.release()
		r.release = nil
		return nil, nil, err
	}
	r.state = state
	r.msg = &recovery.IndexBuildMsg{Descriptor: data}
	return state, sortShared, nil
}

func (r *replayPool) launch(n int) int {
	launched := 0
	for id := 0; id < n && id < r.pool.Size(); id++ {
		if err := r.pool.Send(id, r.msg); err != nil {
			logutil.RecoveryLogger().Warn("dispatch index build failed", zap.Int("worker", id), zap.Error(err))
			break
		}
		launched++
	}
	return launched
}

func (r *replayPool) waitForAttach(launched int) {
	r.state.WaitForJoined(launched)
}

func (r *replayPool) waitForFinish(nParticipants int) buildstate.Result {
	return r.state.WaitForDone(nParticipants)
}

func (r *replayPool) destroy() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}
