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

// Package recovery runs the fixed pool of replay workers. Besides replaying
// they can take part in index builds issued during recovery; such builds
// reach them as messages carrying the table descriptor.
package recovery

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/ddl/buildstate"
	ddllogutil "github.com/relstore/idxbuild/pkg/ddl/logutil"
	"github.com/relstore/idxbuild/pkg/sorter"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"go.uber.org/zap"
)

// workerQueueSize is the number of messages a worker buffers.
const workerQueueSize = 16

// IndexBuildMsg asks a replay worker to take part in the index build
// prepared in the pool's build state.
type IndexBuildMsg struct {
	// Descriptor is the serialized table descriptor of the build.
	Descriptor []byte
}

// Handler runs the part of one replay worker in an index build.
type Handler func(workerID int, msg *IndexBuildMsg)

// Pool is the replay worker pool.
type Pool struct {
	handler Handler
	queues  []chan *IndexBuildMsg
	wg      sync.WaitGroup

	// one build at a time uses the fixed shared states
	buildMu    sync.Mutex
	buildState *buildstate.Shared
	sortShared *sorter.Shared

	mu     sync.RWMutex
	closed bool
}

// NewPool starts size workers dispatching index build messages to handler.
// A size of 0 means recovery runs in a single process and builds are
// serial.
func NewPool(size int, handler Handler) *Pool {
	p := &Pool{
		handler:    handler,
		queues:     make([]chan *IndexBuildMsg, size),
		buildState: buildstate.New(buildstate.DefaultDescriptorCapacity),
		sortShared: sorter.NewShared(),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *IndexBuildMsg, workerQueueSize)
		p.wg.Add(1)
		go p.run(i)
	}
	if size == 0 {
		ddllogutil.RecoveryLogger().Info("recovery runs in a single process")
	} else {
		ddllogutil.RecoveryLogger().Info(fmt.Sprintf("uses %d recovery workers", size))
	}
	return p
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := ddllogutil.RecoveryLogger().With(zap.Int("worker", id))
	for msg := range p.queues[id] {
		p.dispatch(id, msg, logger)
	}
}

func (p *Pool) dispatch(id int, msg *IndexBuildMsg, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovery worker panicked",
				zap.Any("recover", r), zap.String("stack", string(debug.Stack())))
		}
	}()
	p.handler(id, msg)
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.queues) }

// BuildState returns the fixed build state shared with the workers.
func (p *Pool) BuildState() *buildstate.Shared { return p.buildState }

// SortShared returns the fixed sort coordination block.
func (p *Pool) SortShared() *sorter.Shared { return p.sortShared }

// AcquireBuild reserves the fixed shared states for one build.
func (p *Pool) AcquireBuild() (release func()) {
	p.buildMu.Lock()
	return p.buildMu.Unlock
}

// Send queues msg for worker id.
func (p *Pool) Send(id int, msg *IndexBuildMsg) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return dbterror.ErrEngineClosed.GenWithStackByArgs()
	}
	if id < 0 || id >= len(p.queues) {
		return errors.Errorf("no recovery worker %d", id)
	}
	p.queues[id] <- msg
	return nil
}

// Broadcast queues msg for every worker.
func (p *Pool) Broadcast(msg *IndexBuildMsg) error {
	for id := range p.queues {
		if err := p.Send(id, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the workers after they drained their queues.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
