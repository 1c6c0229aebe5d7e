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

// Package txn hands out transaction ids and commit sequence numbers (CSN).
// A row written with CSN c is visible to every snapshot s with c <= s.
package txn

import (
	"math"
	"sync"

	"go.uber.org/atomic"
)

// ID identifies a transaction.
type ID uint64

// CSN is a commit sequence number.
type CSN uint64

const (
	// InvalidCSN is never assigned.
	InvalidCSN CSN = 0
	// FrozenCSN is visible to every snapshot.
	FrozenCSN CSN = 1
	// CSNInProgress is the snapshot of a build: it sees every committed row
	// and the rows of the own transaction.
	CSNInProgress CSN = math.MaxUint64 - 1
	// MaxCSN marks a row that was never deleted.
	MaxCSN CSN = math.MaxUint64
)

// Visible reports whether a row created at xmin and deleted at xmax is seen
// by snapshot.
func Visible(xmin, xmax, snapshot CSN) bool {
	return xmin != InvalidCSN && xmin <= snapshot && (xmax == MaxCSN || xmax > snapshot)
}

// Manager issues transaction ids and CSNs.
type Manager struct {
	nextID  atomic.Uint64
	lastCSN atomic.Uint64
}

// NewManager creates a manager that continues after lastCSN, which is the
// highest CSN found in storage (FrozenCSN for a fresh store).
func NewManager(lastCSN CSN) *Manager {
	if lastCSN < FrozenCSN {
		lastCSN = FrozenCSN
	}
	m := &Manager{}
	m.lastCSN.Store(uint64(lastCSN))
	return m
}

// Begin starts a transaction whose snapshot is the latest commit.
func (m *Manager) Begin() *Context {
	return &Context{
		mgr:      m,
		id:       ID(m.nextID.Inc()),
		snapshot: CSN(m.lastCSN.Load()),
	}
}

// LastCSN returns the latest committed CSN.
func (m *Manager) LastCSN() CSN {
	return CSN(m.lastCSN.Load())
}

func (m *Manager) nextCSN() CSN {
	return CSN(m.lastCSN.Inc())
}

// Context is one transaction. The commit CSN is allocated on first use so
// that every write of the transaction carries the same stamp.
type Context struct {
	mgr      *Manager
	id       ID
	snapshot CSN

	mu        sync.Mutex
	commitCSN CSN
	done      bool
}

// ID returns the transaction id.
func (c *Context) ID() ID { return c.id }

// Snapshot returns the CSN the transaction reads at.
func (c *Context) Snapshot() CSN { return c.snapshot }

// CurrentTxnAndSnapshot returns the transaction id together with the CSN
// its writes are stamped with.
func (c *Context) CurrentTxnAndSnapshot() (ID, CSN) {
	return c.id, c.CommitCSN()
}

// CommitCSN returns the CSN the writes of the transaction are stamped with.
func (c *Context) CommitCSN() CSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitCSN == InvalidCSN {
		c.commitCSN = c.mgr.nextCSN()
	}
	return c.commitCSN
}

// Finish marks the transaction as ended. It returns false when it was
// already finished.
func (c *Context) Finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	return true
}
