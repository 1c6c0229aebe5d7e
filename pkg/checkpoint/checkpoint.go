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

// Package checkpoint takes consistent snapshots of which files the catalog
// references and which files were published with a header.
package checkpoint

import (
	"slices"
	"sync"

	"github.com/relstore/idxbuild/pkg/catalog"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/util/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TablesAddLock keeps checkpoints from observing a half-done catalog
// transition. Transitions hold it shared while they write file headers and
// catalog entries, a checkpoint holds it exclusively.
type TablesAddLock struct {
	mu sync.RWMutex
}

// AcquireShared takes the lock shared and returns its release func.
func (l *TablesAddLock) AcquireShared() (release func()) {
	l.mu.RLock()
	return l.mu.RUnlock
}

// AcquireExclusive takes the lock exclusively and returns its release func.
func (l *TablesAddLock) AcquireExclusive() (release func()) {
	l.mu.Lock()
	return l.mu.Unlock
}

// Snapshot is the outcome of one checkpoint.
type Snapshot struct {
	Num uint64
	// Files are the published files referenced by the catalog.
	Files []*storage.FileHeader
	// Orphans are published files no catalog entry references.
	Orphans []uint64
	// Unpublished are referenced files that hold data but have no header.
	Unpublished []uint64
}

// Checkpointer takes checkpoints.
type Checkpointer struct {
	kv   *storage.Store
	cat  *catalog.Store
	lock *TablesAddLock
	num  atomic.Uint64
}

// NewCheckpointer creates a checkpointer synchronized through lock.
func NewCheckpointer(cat *catalog.Store, lock *TablesAddLock) *Checkpointer {
	return &Checkpointer{kv: cat.KV(), cat: cat, lock: lock}
}

// Checkpoint stamps every referenced published file with a new checkpoint
// number and reports the files that are out of sync with the catalog.
func (c *Checkpointer) Checkpoint() (*Snapshot, error) {
	release := c.lock.AcquireExclusive()
	defer release()

	snap := &Snapshot{Num: c.num.Inc()}
	referenced := c.cat.FileNodes()
	headers, err := c.kv.FileHeaders()
	if err != nil {
		return nil, err
	}
	published := make(map[uint64]struct{}, len(headers))
	for _, hdr := range headers {
		published[hdr.FileNode] = struct{}{}
		if _, ok := referenced[hdr.FileNode]; !ok {
			snap.Orphans = append(snap.Orphans, hdr.FileNode)
			continue
		}
		hdr.CheckpointNum = snap.Num
		if err := c.kv.WriteFileHeader(hdr); err != nil {
			return nil, err
		}
		snap.Files = append(snap.Files, hdr)
	}
	for node := range referenced {
		if _, ok := published[node]; ok {
			continue
		}
		exists, err := c.kv.DataExists(node)
		if err != nil {
			return nil, err
		}
		if exists {
			snap.Unpublished = append(snap.Unpublished, node)
		}
	}
	slices.Sort(snap.Unpublished)
	if len(snap.Orphans) > 0 || len(snap.Unpublished) > 0 {
		logutil.BgLogger().Warn("checkpoint found files out of sync with catalog",
			zap.Uint64("checkpoint", snap.Num),
			zap.Uint64s("orphans", snap.Orphans),
			zap.Uint64s("unpublished", snap.Unpublished))
	}
	return snap, nil
}
