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

// Package buildstate holds the state shared by the participants of one
// parallel index build. Immutable fields are written by the leader before
// any participant starts; the counters are guarded by one mutex and waited
// on through two condition variables.
package buildstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/table/tables"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
)

// Kind selects what the participants of a build produce.
type Kind int

// Build kinds.
const (
	// KindBuildSecondary builds one secondary index of a table.
	KindBuildSecondary Kind = iota
	// KindRebuildFromScratch rebuilds the primary data and every index.
	KindRebuildFromScratch
)

func (k Kind) String() string {
	switch k {
	case KindBuildSecondary:
		return "build-secondary"
	case KindRebuildFromScratch:
		return "rebuild-from-scratch"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

const (
	// DefaultDescriptorCapacity is the descriptor buffer of a state that is
	// created before its first build, like the replay worker state.
	DefaultDescriptorCapacity = 64 * units.KiB

	fixedSize = 256
)

// EstimateShared returns the region bytes needed by a shared state whose
// descriptor buffer holds capacity bytes.
func EstimateShared(capacity int) int64 {
	return fixedSize + int64(capacity)
}

// Params are the immutable fields of a build.
type Params struct {
	Kind     Kind
	IsUnique bool
	// IndexNumber is the position of the built index in the descriptor.
	IndexNumber int
	// ParticipantCount is the number of participants the leader asked for.
	ParticipantCount int
	Snapshot         txn.CSN
	// SortMem is the sort memory of one participant.
	SortMem int64
	TempDir string
	// BuildID tags the log lines of every participant.
	BuildID string
}

// Usage is the resource usage of one participant.
type Usage struct {
	WorkerID     int
	HeapTuples   int64
	IndexTuples  int64
	SpilledBytes int64
	Elapsed      time.Duration
}

// Result is what the participants reported once all of them finished.
type Result struct {
	NParticipantsDone int
	HeapTuples        int64
	IndexTuples       int64
	Usages            []Usage
	// Err is the first error reported by a participant.
	Err error
}

// Shared is the shared state of one build.
type Shared struct {
	capacity int

	// written once by Setup or SetupReplay
	params     Params
	descriptor []byte
	tableOIDs  model.RelOIDs
	replay     bool
	pscan      *tables.ParallelScan

	mu                   sync.Mutex
	participantsDone     *sync.Cond
	replayWorkersJoined  *sync.Cond
	nParticipantsDone    int
	nReplayWorkersJoined int
	heapTuples           int64
	indexTuples          int64
	usages               []Usage
	firstErr             error
}

// New creates a shared state whose descriptor buffer holds capacity bytes.
func New(capacity int) *Shared {
	if capacity <= 0 {
		capacity = DefaultDescriptorCapacity
	}
	s := &Shared{capacity: capacity}
	s.participantsDone = sync.NewCond(&s.mu)
	s.replayWorkersJoined = sync.NewCond(&s.mu)
	return s
}

// Capacity returns the size of the descriptor buffer.
func (s *Shared) Capacity() int { return s.capacity }

func (s *Shared) reset(p Params, oids model.RelOIDs, pscan *tables.ParallelScan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	s.tableOIDs = oids
	s.pscan = pscan
	s.nParticipantsDone = 0
	s.nReplayWorkersJoined = 0
	s.heapTuples = 0
	s.indexTuples = 0
	s.usages = nil
	s.firstErr = nil
}

// Setup prepares the state of a build whose participants read the table
// descriptor from the state itself.
func (s *Shared) Setup(p Params, tbl *model.TableInfo, pscan *tables.ParallelScan) error {
	data, err := tbl.Serialize()
	if err != nil {
		return errors.Trace(err)
	}
	return s.SetupSerialized(p, tbl.OIDs, data, pscan)
}

// SetupSerialized is Setup for a descriptor the caller already serialized.
// It fails with ErrDescriptorTooBig when data does not fit the buffer.
func (s *Shared) SetupSerialized(p Params, oids model.RelOIDs, data []byte, pscan *tables.ParallelScan) error {
	if len(data) > s.capacity {
		return dbterror.ErrDescriptorTooBig.GenWithStackByArgs(len(data), s.capacity)
	}
	s.reset(p, oids, pscan)
	s.mu.Lock()
	s.descriptor = append(s.descriptor[:0], data...)
	s.replay = false
	s.mu.Unlock()
	return nil
}

// SetupReplay prepares the state of a build whose participants receive the
// table descriptor out of band. Only the table identity is recorded.
func (s *Shared) SetupReplay(p Params, oids model.RelOIDs, pscan *tables.ParallelScan) {
	s.reset(p, oids, pscan)
	s.mu.Lock()
	s.descriptor = s.descriptor[:0]
	s.replay = true
	s.mu.Unlock()
}

// Params returns the immutable fields.
func (s *Shared) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// TableOIDs returns the identity of the table being built.
func (s *Shared) TableOIDs() model.RelOIDs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tableOIDs
}

// IsReplay reports whether the state was prepared by SetupReplay.
func (s *Shared) IsReplay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay
}

// Descriptor decodes the embedded table descriptor.
func (s *Shared) Descriptor() (*model.TableInfo, error) {
	s.mu.Lock()
	replay, data := s.replay, s.descriptor
	s.mu.Unlock()
	if replay {
		return nil, errors.New("replay build state carries no descriptor")
	}
	return model.DeserializeTableInfo(data)
}

// ParallelScan returns the shared scan cursor.
func (s *Shared) ParallelScan() *tables.ParallelScan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pscan
}

// ReportJoined is called by a replay worker once it attached to the build.
func (s *Shared) ReportJoined() {
	s.mu.Lock()
	s.nReplayWorkersJoined++
	s.mu.Unlock()
	s.replayWorkersJoined.Broadcast()
}

// WaitForJoined blocks until n replay workers joined.
func (s *Shared) WaitForJoined(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.nReplayWorkersJoined < n {
		s.replayWorkersJoined.Wait()
	}
}

// ReportDone is called exactly once by every participant, also when it
// failed. The first error is kept.
func (s *Shared) ReportDone(u Usage, err error) {
	s.mu.Lock()
	s.nParticipantsDone++
	s.heapTuples += u.HeapTuples
	s.indexTuples += u.IndexTuples
	s.usages = append(s.usages, u)
	if err != nil && s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	s.participantsDone.Broadcast()
}

// WaitForDone blocks until n participants reported done and returns what
// they reported.
func (s *Shared) WaitForDone(n int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.nParticipantsDone < n {
		s.participantsDone.Wait()
	}
	return Result{
		NParticipantsDone: s.nParticipantsDone,
		HeapTuples:        s.heapTuples,
		IndexTuples:       s.indexTuples,
		Usages:            append([]Usage(nil), s.usages...),
		Err:               s.firstErr,
	}
}
