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
	"github.com/relstore/idxbuild/pkg/ddl/logutil"
	"github.com/relstore/idxbuild/pkg/txn"
	"go.uber.org/zap"
)

// BuildContext carries the per-caller flags of one DDL statement.
type BuildContext struct {
	// InRecovery is set while replaying the log. Builds then run on the
	// replay worker pool and leave the statistics untouched.
	InRecovery bool
	// Txn is the transaction the DDL runs in. When nil the engine starts
	// one and commits it before returning; otherwise the caller finishes it
	// with CommitTxn or RollbackTxn.
	Txn *txn.Context

	inIndexesRebuild bool
}

// InIndexesRebuild reports whether a full rebuild is running. Descriptor
// lookups then bypass the cache.
func (b *BuildContext) InIndexesRebuild() bool {
	return b != nil && b.inIndexesRebuild
}

// enterIndexesRebuild sets the rebuild flag and returns the func that
// clears it. The flag is cleared on every exit path, also on failure.
func (b *BuildContext) enterIndexesRebuild() (reset func()) {
	prev := b.inIndexesRebuild
	b.inIndexesRebuild = true
	return func() { b.inIndexesRebuild = prev }
}

func (b *BuildContext) inRecovery() bool {
	return b != nil && b.InRecovery
}

// beginTxn returns the transaction of the statement and whether the engine
// owns it.
func (e *Engine) beginTxn(bctx *BuildContext) (*txn.Context, bool) {
	if bctx != nil && bctx.Txn != nil {
		return bctx.Txn, false
	}
	return e.txnMgr.Begin(), true
}

// finishTxn ends a transaction the engine owns: its undo records are
// committed on success and rolled back on failure.
func (e *Engine) finishTxn(tctx *txn.Context, owned bool, err error) error {
	if !owned {
		return err
	}
	if err != nil {
		if rbErr := e.RollbackTxn(tctx); rbErr != nil {
			logutil.DDLLogger().Warn("rollback DDL transaction failed",
				zap.Uint64("txn", uint64(tctx.ID())), zap.Error(rbErr))
		}
		return err
	}
	return e.CommitTxn(tctx)
}

// CommitTxn commits the DDL of tctx, removing the files it dropped.
func (e *Engine) CommitTxn(tctx *txn.Context) error {
	if !tctx.Finish() {
		return nil
	}
	return e.undoLog.Commit(tctx.ID())
}

// RollbackTxn reverts the DDL of tctx, restoring the previous descriptors
// and removing the files it created.
func (e *Engine) RollbackTxn(tctx *txn.Context) error {
	if !tctx.Finish() {
		return nil
	}
	return e.undoLog.Rollback(tctx.ID())
}
