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
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/catalog"
	"github.com/relstore/idxbuild/pkg/checkpoint"
	"github.com/relstore/idxbuild/pkg/config"
	"github.com/relstore/idxbuild/pkg/ddl/logutil"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/metrics"
	"github.com/relstore/idxbuild/pkg/recovery"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/table"
	"github.com/relstore/idxbuild/pkg/table/tables"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/undo"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/relstore/idxbuild/pkg/util/shm"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const workerPoolReleaseTimeout = 3 * time.Second

// Engine owns one storage instance and runs index DDL against it.
type Engine struct {
	cfg      *config.Config
	store    *storage.Store
	ownStore bool

	cat          *catalog.Store
	descrs       *catalog.DescrCache
	txnMgr       *txn.Manager
	undoLog      *undo.Log
	addLock      *checkpoint.TablesAddLock
	checkpointer *checkpoint.Checkpointer

	// segment bounds the shared regions of fresh parallel builds.
	segment      *shm.Segment
	workerPool   *ants.Pool
	recoveryPool *recovery.Pool

	closed atomic.Bool
}

// Open opens the storage under cfg.Path and starts an engine over it.
func Open(cfg *config.Config) (*Engine, error) {
	store, err := storage.Open(cfg.Path, nil)
	if err != nil {
		return nil, err
	}
	e, err := NewEngine(store, cfg)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}
	e.ownStore = true
	return e, nil
}

// NewEngine starts an engine over store. Transactions left unfinished by a
// previous run are rolled back before it returns.
func NewEngine(store *storage.Store, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.GetGlobalConfig()
	}
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	cat, err := catalog.New(store)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		store:   store,
		cat:     cat,
		descrs:  catalog.NewDescrCache(cat),
		txnMgr:  txn.NewManager(cat.LastCSN()),
		addLock: &checkpoint.TablesAddLock{},
		segment: shm.NewSegment(int64(cfg.Build.SharedMemoryLimit)),
	}
	e.undoLog = undo.New(cat, e.txnMgr)
	e.checkpointer = checkpoint.NewCheckpointer(cat, e.addLock)

	n, err := e.undoLog.RecoverPending()
	if err != nil {
		return nil, errors.Annotate(err, "recover pending undo records")
	}
	if n > 0 {
		logutil.DDLLogger().Info("rolled back unfinished transactions", zap.Int("count", n))
	}

	if cfg.Build.MaxWorkerProcesses > 0 {
		e.workerPool, err = ants.NewPool(cfg.Build.MaxWorkerProcesses,
			ants.WithNonblocking(true),
			ants.WithPanicHandler(func(v any) {
				logutil.DDLLogger().Error("build worker panicked", zap.Any("recover", v))
			}))
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	poolSize := cfg.Recovery.PoolSize
	if cfg.Recovery.SingleProcess {
		poolSize = 0
	}
	e.recoveryPool = recovery.NewPool(poolSize, e.replayParticipantMain)
	return e, nil
}

// Close stops the worker pools and, when the engine opened it, the storage.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if e.workerPool != nil {
		err = multierr.Append(err, e.workerPool.ReleaseTimeout(workerPoolReleaseTimeout))
	}
	e.recoveryPool.Close()
	if e.ownStore {
		err = multierr.Append(err, e.store.Close())
	}
	return err
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return dbterror.ErrEngineClosed.GenWithStackByArgs()
	}
	return nil
}

// Config returns the configuration the engine was started with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Store returns the storage.
func (e *Engine) Store() *storage.Store { return e.store }

// Catalog returns the table catalog.
func (e *Engine) Catalog() *catalog.Store { return e.cat }

// UndoLog returns the undo log.
func (e *Engine) UndoLog() *undo.Log { return e.undoLog }

// TxnManager returns the transaction manager.
func (e *Engine) TxnManager() *txn.Manager { return e.txnMgr }

// Checkpoint takes a checkpoint.
func (e *Engine) Checkpoint() (*checkpoint.Snapshot, error) {
	return e.checkpointer.Checkpoint()
}

// SharedMemoryUsed returns the bytes currently held by shared regions.
func (e *Engine) SharedMemoryUsed() int64 { return e.segment.Used() }

func (e *Engine) toastOptions() table.ToastOptions {
	return table.ToastOptions{
		Threshold: int(e.cfg.Build.ToastThreshold),
		ChunkSize: int(e.cfg.Build.ToastChunkSize),
	}
}

// FieldDef defines one column of CreateTable.
type FieldDef struct {
	Name string
	Type types.FieldType
}

// CreateTable creates an empty table without indexes. withToast gives it a
// side store for large values.
func (e *Engine) CreateTable(name string, fields []FieldDef, withToast bool) (*model.TableInfo, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := e.cat.FindTableByName(name); err == nil {
		return nil, errors.Errorf("relation %s already exists", name)
	}
	if len(fields) == 0 {
		return nil, errors.Errorf("table %s has no fields", name)
	}
	n := 1
	if withToast {
		n++
	}
	oid, err := e.cat.AllocOIDs(n)
	if err != nil {
		return nil, err
	}
	tbl := &model.TableInfo{
		OIDs: model.RelOIDs{DatOID: 1, RelOID: oid, RelNode: oid},
		Name: name,
	}
	for i, f := range fields {
		tbl.Fields = append(tbl.Fields, &model.FieldInfo{Name: f.Name, Offset: i, FieldType: f.Type})
	}
	tbl.PrimaryInitNFields = len(tbl.Fields) + 1
	if withToast {
		tbl.ToastFileNode = oid + 1
	}

	tctx := e.txnMgr.Begin()
	hdrs := make([]*storage.FileHeader, 0, n)
	for _, node := range tbl.FileNodes() {
		hdrs = append(hdrs, &storage.FileHeader{FileNode: node, NextLocator: 1})
	}
	err = e.publish(tctx, hdrs, func(m *catalog.Mutation) error {
		if err := m.AddTable(tbl); err != nil {
			return err
		}
		return e.undoLog.AppendCreateRecord(m, tctx, nil, tbl.OIDs, tbl.OIDs)
	})
	if err = e.finishTxn(tctx, true, err); err != nil {
		return nil, err
	}
	metrics.CatalogTransitionCounter.WithLabelValues(transitionCreateTable).Inc()
	logutil.DDLLogger().Info("create table", zap.String("table", name), zap.Stringer("oids", tbl.OIDs))
	return tbl.Clone(), nil
}

// openTable returns the live table called name.
func (e *Engine) openTable(name string) (*tables.Table, error) {
	tbl, err := e.cat.FindTableByName(name)
	if err != nil {
		return nil, err
	}
	descr, err := e.descrs.Fetch(tbl.OIDs)
	if err != nil {
		return nil, err
	}
	return tables.TableFromMeta(e.store, descr, e.toastOptions()), nil
}

// Insert inserts rows into the table called name in one transaction and
// returns their row keys.
func (e *Engine) Insert(name string, rows ...[]types.Datum) ([][]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	t, err := e.openTable(name)
	if err != nil {
		return nil, err
	}
	tctx := e.txnMgr.Begin()
	defer tctx.Finish()
	keys, err := t.AddRecords(tctx, rows...)
	if err != nil {
		return nil, err
	}
	return keys, e.cat.AdvanceCSN(tctx.CommitCSN())
}

// Delete deletes the row stored under key in the table called name.
func (e *Engine) Delete(name string, key []byte) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	t, err := e.openTable(name)
	if err != nil {
		return false, err
	}
	tctx := e.txnMgr.Begin()
	defer tctx.Finish()
	ok, err := t.RemoveRecord(tctx, key)
	if err != nil || !ok {
		return ok, err
	}
	return true, e.cat.AdvanceCSN(tctx.CommitCSN())
}

// Rows returns the visible rows of the table called name in key order.
func (e *Engine) Rows(name string) ([]*table.Row, error) {
	tbl, err := e.cat.FindTableByName(name)
	if err != nil {
		return nil, err
	}
	descr, err := e.descrs.Fetch(tbl.OIDs)
	if err != nil {
		return nil, err
	}
	s, err := tables.NewScanner(e.store, descr, e.txnMgr.LastCSN(), nil)
	if err != nil {
		return nil, err
	}
	var rows []*table.Row
	for {
		row, err := s.Next()
		if err != nil {
			return nil, multierr.Append(err, s.Close())
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}
	return rows, s.Close()
}

// IndexEntry is one stored entry of an index file.
type IndexEntry struct {
	Key   []byte
	Value []byte
}

// IndexEntries returns the entries stored in the file of index indexName of
// the table called name, in key order.
func (e *Engine) IndexEntries(name, indexName string) ([]IndexEntry, error) {
	tbl, err := e.cat.FindTableByName(name)
	if err != nil {
		return nil, err
	}
	pos, ok := tbl.FindIndexByName(indexName)
	if !ok {
		return nil, dbterror.ErrIndexNotExists.GenWithStackByArgs(indexName)
	}
	it, err := e.store.Scan(tbl.Indices[pos].OIDs.RelNode, nil, nil)
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	for ok := it.First(); ok; ok = it.Next() {
		v, err := it.Value()
		if err != nil {
			return nil, multierr.Append(err, it.Close())
		}
		entries = append(entries, IndexEntry{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), v...),
		})
	}
	return entries, multierr.Append(it.Error(), it.Close())
}
