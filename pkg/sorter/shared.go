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
	"sync"

	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"go.uber.org/multierr"
)

const (
	sharedHeaderSize     = 64
	sharedPerWorkerSize  = 32
	sharedFileSetNameLen = 48
)

// EstimateShared returns the bytes the coordination block of a parallel sort
// with nParticipants workers occupies in the shared region.
func EstimateShared(nParticipants int) int64 {
	if nParticipants < 0 {
		nParticipants = 0
	}
	return sharedHeaderSize + sharedFileSetNameLen + int64(nParticipants)*sharedPerWorkerSize
}

// Shared coordinates the worker sorts of one parallel build with the leader
// sort that merges their runs. It is reused across builds by calling
// Initialize again.
type Shared struct {
	mu            sync.Mutex
	nParticipants int
	nAttached     int
	nPublished    int
	runs          [][]run
	published     []bool
}

// NewShared creates an uninitialized coordination block.
func NewShared() *Shared {
	return &Shared{}
}

// Initialize prepares the block for nParticipants workers. Runs left over by
// a previous build that were never merged are released.
func (s *Shared) Initialize(nParticipants int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var leftover []run
	for _, rs := range s.runs {
		leftover = append(leftover, rs...)
	}
	s.nParticipants = nParticipants
	s.nAttached = 0
	s.nPublished = 0
	s.runs = make([][]run, nParticipants)
	s.published = make([]bool, nParticipants)
	return releaseRuns(leftover)
}

// Attach registers a worker and returns its worker number.
func (s *Shared) Attach() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nAttached >= s.nParticipants {
		return 0, dbterror.ErrSortState.GenWithStackByArgs("attached", "attach")
	}
	id := s.nAttached
	s.nAttached++
	return id, nil
}

// NParticipants returns the worker count the block was initialized for.
func (s *Shared) NParticipants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nParticipants
}

func (s *Shared) publish(workerID int, runs []run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if workerID >= len(s.published) || s.published[workerID] {
		return dbterror.ErrSortState.GenWithStackByArgs("published", "perform sort")
	}
	s.runs[workerID] = runs
	s.published[workerID] = true
	s.nPublished++
	return nil
}

// takeRuns hands every published run to the leader. The leader expects all
// nParticipants workers to have published.
func (s *Shared) takeRuns(nParticipants int) ([]run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []run
	for _, rs := range s.runs {
		all = append(all, rs...)
	}
	s.runs = make([][]run, s.nParticipants)
	if s.nPublished != nParticipants {
		lost := dbterror.ErrParticipantLost.GenWithStackByArgs(nParticipants, s.nPublished)
		return nil, multierr.Append(lost, releaseRuns(all))
	}
	return all, nil
}
