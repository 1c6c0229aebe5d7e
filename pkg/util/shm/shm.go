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

// Package shm accounts the memory shared between the participants of a
// parallel build. A Segment has a fixed byte limit; every parallel build
// carves one Region out of it and releases it on teardown.
package shm

import (
	"sync"

	"github.com/pingcap/failpoint"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"go.uber.org/atomic"
)

// Key identifies an entry in the table of contents of a region.
type Key uint64

// Segment is the pool of shared memory all regions are allocated from.
type Segment struct {
	limit int64
	used  atomic.Int64
}

// NewSegment creates a segment of limit bytes.
func NewSegment(limit int64) *Segment {
	return &Segment{limit: limit}
}

// Limit returns the capacity of the segment.
func (s *Segment) Limit() int64 { return s.limit }

// Used returns the bytes held by live regions.
func (s *Segment) Used() int64 { return s.used.Load() }

// Allocate reserves a region of size bytes. It returns ErrRegionExhausted
// when the segment cannot hold it.
func (s *Segment) Allocate(size int64) (*Region, error) {
	failpoint.Inject("mockRegionExhausted", func() {
		failpoint.Return(nil, dbterror.ErrRegionExhausted.GenWithStackByArgs(size, 0))
	})
	for {
		used := s.used.Load()
		if used+size > s.limit {
			return nil, dbterror.ErrRegionExhausted.GenWithStackByArgs(size, s.limit-used)
		}
		if s.used.CompareAndSwap(used, used+size) {
			break
		}
	}
	return &Region{
		seg:  s,
		size: size,
		toc:  make(map[Key]entry),
	}, nil
}

type entry struct {
	size int64
	obj  any
}

// Region is one allocation from a segment. Objects placed into it are found
// by key through its table of contents.
type Region struct {
	seg *Segment

	mu       sync.Mutex
	size     int64
	used     int64
	toc      map[Key]entry
	released bool
}

// Size returns the bytes reserved by the region.
func (r *Region) Size() int64 { return r.size }

// Insert places obj, accounted as size bytes, under key.
func (r *Region) Insert(key Key, size int64, obj any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return dbterror.ErrRegionExhausted.GenWithStackByArgs(size, 0)
	}
	if old, ok := r.toc[key]; ok {
		r.used -= old.size
	}
	if r.used+size > r.size {
		return dbterror.ErrRegionExhausted.GenWithStackByArgs(size, r.size-r.used)
	}
	r.used += size
	r.toc[key] = entry{size: size, obj: obj}
	return nil
}

// Lookup returns the object stored under key.
func (r *Region) Lookup(key Key) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.toc[key]
	return e.obj, ok
}

// Release returns the region to its segment. It is idempotent.
func (r *Region) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.toc = nil
	r.seg.used.Sub(r.size)
}
