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

package sorter

import (
	"bytes"
	"os"
	"slices"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/relstore/idxbuild/pkg/metrics"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/relstore/idxbuild/pkg/util/logutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// kvOverhead approximates the bookkeeping bytes of one buffered pair.
const kvOverhead = 48

// Spec describes one sort.
type Spec struct {
	// Label names the sort in logs, usually the index name.
	Label string
	// TempDir holds spilled runs, os.TempDir() when empty.
	TempDir string
}

// Coordinate makes a sort take part in a parallel sort. A nil Coordinate
// means a serial sort.
type Coordinate struct {
	// IsWorker is true for the per-participant sorts that publish their runs.
	IsWorker bool
	// NParticipants is the number of workers the leader merges.
	NParticipants int
	Shared        *Shared
}

type state int

const (
	stateBuilding state = iota
	stateSorted
	statePublished
	stateEnded
)

func (s state) String() string {
	switch s {
	case stateBuilding:
		return "building"
	case stateSorted:
		return "sorted"
	case statePublished:
		return "published"
	case stateEnded:
		return "ended"
	}
	return "unknown"
}

// Sorter is an external sort of key/value pairs ordered by key bytes. Pairs
// are buffered in memory up to a budget and spilled into sorted runs beyond
// it. After PerformSort a serial or leader sort yields the merged stream via
// Next, a worker sort publishes its runs to the leader instead.
type Sorter struct {
	spec      Spec
	memBudget int64
	memUsed   int64
	coord     *Coordinate
	workerID  int

	state  state
	buf    []keyValue
	runs   []run
	merger *multiWayMerger

	spilledBytes int64
}

// Begin starts a sort with memBudget bytes of memory.
func Begin(spec Spec, memBudget int64, coord *Coordinate) (*Sorter, error) {
	if spec.TempDir == "" {
		spec.TempDir = os.TempDir()
	}
	s := &Sorter{
		spec:      spec,
		memBudget: memBudget,
		coord:     coord,
	}
	if coord != nil && coord.IsWorker {
		if coord.Shared == nil {
			return nil, errors.New("worker sort without shared state")
		}
		id, err := coord.Shared.Attach()
		if err != nil {
			return nil, err
		}
		s.workerID = id
	}
	return s, nil
}

func (s *Sorter) isLeader() bool {
	return s.coord != nil && !s.coord.IsWorker
}

// Put adds one pair. The sorter keeps its own copy.
func (s *Sorter) Put(key, value []byte) error {
	if s.state != stateBuilding || s.isLeader() {
		return dbterror.ErrSortState.GenWithStackByArgs(s.state, "put")
	}
	buf := make([]byte, len(key)+len(value))
	copy(buf, key)
	copy(buf[len(key):], value)
	s.buf = append(s.buf, keyValue{key: buf[:len(key):len(key)], value: buf[len(key):]})
	s.memUsed += int64(len(buf)) + kvOverhead
	if s.memBudget > 0 && s.memUsed > s.memBudget {
		return s.spill()
	}
	return nil
}

func (s *Sorter) sortBuf() {
	slices.SortFunc(s.buf, func(a, b keyValue) int {
		return bytes.Compare(a.key, b.key)
	})
}

func (s *Sorter) spill() error {
	failpoint.Inject("mockSpillErr", func() {
		failpoint.Return(errors.New("mock spill error"))
	})
	s.sortBuf()
	r, err := spill(s.spec.TempDir, s.buf)
	if err != nil {
		return errors.Trace(err)
	}
	metrics.SortSpillCounter.Inc()
	metrics.SortSpillBytes.Add(float64(r.size))
	s.spilledBytes += r.size
	s.runs = append(s.runs, r)
	s.buf = nil
	s.memUsed = 0
	return nil
}

// PerformSort finishes the input phase.
func (s *Sorter) PerformSort() error {
	if s.state != stateBuilding {
		return dbterror.ErrSortState.GenWithStackByArgs(s.state, "perform sort")
	}
	var runs []run
	switch {
	case s.isLeader():
		taken, err := s.coord.Shared.takeRuns(s.coord.NParticipants)
		if err != nil {
			return err
		}
		runs = taken
	default:
		s.sortBuf()
		runs = append(s.runs, &memRun{kvs: s.buf})
		s.runs, s.buf = nil, nil
		if s.coord != nil {
			if err := s.coord.Shared.publish(s.workerID, runs); err != nil {
				return multierr.Append(err, releaseRuns(runs))
			}
			s.state = statePublished
			return nil
		}
	}
	s.runs = runs
	metrics.SortMergeRunsHistogram.Observe(float64(len(runs)))
	if len(runs) > 1 {
		logutil.BgLogger().Debug("merge sorted runs",
			zap.String("sort", s.spec.Label),
			zap.Int("runs", len(runs)),
			zap.Int64("spilled-bytes", s.spilledBytes))
	}
	m, err := newMultiWayMerger(runs)
	if err != nil {
		return errors.Trace(err)
	}
	s.merger = m
	s.state = stateSorted
	return nil
}

// Next returns the next pair in key order, or a nil key at the end. The
// returned slices stay valid until End.
func (s *Sorter) Next() (key, value []byte, err error) {
	if s.state != stateSorted {
		return nil, nil, dbterror.ErrSortState.GenWithStackByArgs(s.state, "next")
	}
	return s.merger.next()
}

// End releases every resource held by the sort. Runs published by a worker
// belong to the leader and are released by it.
func (s *Sorter) End() error {
	if s.state == stateEnded {
		return nil
	}
	var err error
	if s.merger != nil {
		err = multierr.Append(err, s.merger.close())
		s.merger = nil
	}
	err = multierr.Append(err, releaseRuns(s.runs))
	s.runs, s.buf = nil, nil
	s.state = stateEnded
	return err
}

// WorkerID returns the worker number of a worker sort.
func (s *Sorter) WorkerID() int {
	return s.workerID
}

// SpilledBytes returns the uncompressed bytes written to spilled runs.
func (s *Sorter) SpilledBytes() int64 {
	return s.spilledBytes
}
