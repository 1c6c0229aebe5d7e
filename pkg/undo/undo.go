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

// Package undo records the physical effects of catalog changes so that they
// can be finished on commit or reverted on rollback, also after a crash.
package undo

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/catalog"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/tablecodec"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/util/logutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RecordKind is the kind of an undo record.
type RecordKind int

// Undo record kinds.
const (
	// RecordCreate: a relation file was created. Rollback drops it.
	RecordCreate RecordKind = iota + 1
	// RecordDrop: a relation file was detached. Commit drops it.
	RecordDrop
	// RecordTruncate: a table moved to a new identity. Commit drops the old
	// files, rollback drops the new ones and restores the old identity.
	RecordTruncate
)

func (k RecordKind) String() string {
	switch k {
	case RecordCreate:
		return "create"
	case RecordDrop:
		return "drop"
	case RecordTruncate:
		return "truncate"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Record is one undo record.
type Record struct {
	Kind  RecordKind `json:"kind"`
	TxnID txn.ID     `json:"txn_id"`
	Seq   uint64     `json:"seq"`
	// Table is the identity of the table after the change.
	Table model.RelOIDs `json:"table"`
	// Rel is the created or dropped relation of a create or drop record.
	Rel model.RelOIDs `json:"rel"`
	// Prev is the descriptor before the change, restored on rollback.
	Prev *model.TableInfo `json:"prev,omitempty"`
	// OldFileNodes and NewFileNodes are the files of a truncated table
	// before and after the change.
	OldFileNodes []uint64 `json:"old_file_nodes,omitempty"`
	NewFileNodes []uint64 `json:"new_file_nodes,omitempty"`
}

// Log is the undo log.
type Log struct {
	cat *catalog.Store
	kv  *storage.Store
	mgr *txn.Manager

	mu      sync.Mutex
	pending map[txn.ID][]*Record
	seq     map[txn.ID]uint64
}

// New creates an undo log writing into the storage of cat. mgr stamps the
// catalog changes made by rollbacks.
func New(cat *catalog.Store, mgr *txn.Manager) *Log {
	return &Log{
		cat:     cat,
		kv:      cat.KV(),
		mgr:     mgr,
		pending: make(map[txn.ID][]*Record),
		seq:     make(map[txn.ID]uint64),
	}
}

func (l *Log) append(m *catalog.Mutation, tctx *txn.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.TxnID = tctx.ID()
	rec.Seq = l.seq[rec.TxnID]
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Trace(err)
	}
	if err := m.Batch().PutMeta(tablecodec.EncodeUndoKey(uint64(rec.TxnID), rec.Seq), data); err != nil {
		return err
	}
	l.seq[rec.TxnID]++
	l.pending[rec.TxnID] = append(l.pending[rec.TxnID], rec)
	return nil
}

// AppendCreateRecord records that rel was created for table within the
// transaction of tctx. The record becomes durable with mutation m.
func (l *Log) AppendCreateRecord(m *catalog.Mutation, tctx *txn.Context, prev *model.TableInfo, table, rel model.RelOIDs) error {
	return l.append(m, tctx, &Record{Kind: RecordCreate, Table: table, Rel: rel, Prev: prev})
}

// AppendDropRecord records that rel was detached from table.
func (l *Log) AppendDropRecord(m *catalog.Mutation, tctx *txn.Context, prev *model.TableInfo, table, rel model.RelOIDs) error {
	return l.append(m, tctx, &Record{Kind: RecordDrop, Table: table, Rel: rel, Prev: prev})
}

// AppendTruncateRecord records that oldTbl was replaced by newTbl.
func (l *Log) AppendTruncateRecord(m *catalog.Mutation, tctx *txn.Context, oldTbl, newTbl *model.TableInfo) error {
	return l.append(m, tctx, &Record{
		Kind:         RecordTruncate,
		Table:        newTbl.OIDs,
		Prev:         oldTbl,
		OldFileNodes: oldTbl.FileNodes(),
		NewFileNodes: newTbl.FileNodes(),
	})
}

// Pending returns the records of txnID not yet committed or rolled back.
func (l *Log) Pending(txnID txn.ID) []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.pending[txnID])
}

func (l *Log) take(txnID txn.ID) []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.pending[txnID]
	delete(l.pending, txnID)
	delete(l.seq, txnID)
	return recs
}

func (l *Log) clear(recs []*Record) error {
	b := l.kv.NewBatch()
	for _, rec := range recs {
		if err := b.DeleteMeta(tablecodec.EncodeUndoKey(uint64(rec.TxnID), rec.Seq)); err != nil {
			return multierr.Append(err, b.Close())
		}
	}
	return b.Commit()
}

// Commit finishes the records of txnID: files that were dropped or replaced
// are removed.
func (l *Log) Commit(txnID txn.ID) error {
	recs := l.take(txnID)
	if len(recs) == 0 {
		return nil
	}
	var drop []uint64
	for _, rec := range recs {
		switch rec.Kind {
		case RecordDrop:
			drop = append(drop, rec.Rel.RelNode)
		case RecordTruncate:
			drop = append(drop, unreferenced(rec.OldFileNodes, rec.NewFileNodes)...)
		}
	}
	if err := l.dropFiles(drop); err != nil {
		return err
	}
	return l.clear(recs)
}

// Rollback reverts the records of txnID in reverse order: created files are
// removed and the previous descriptors restored.
func (l *Log) Rollback(txnID txn.ID) error {
	return l.rollback(l.take(txnID))
}

func (l *Log) rollback(recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}
	tctx := l.mgr.Begin()
	m := l.cat.Begin(tctx)
	var drop []uint64
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		switch rec.Kind {
		case RecordCreate:
			drop = append(drop, rec.Rel.RelNode)
		case RecordTruncate:
			drop = append(drop, unreferenced(rec.NewFileNodes, rec.OldFileNodes)...)
		}
		if rec.Prev == nil {
			continue
		}
		if err := restore(m, rec); err != nil {
			return multierr.Append(err, m.Rollback())
		}
	}
	if err := m.Commit(); err != nil {
		return err
	}
	if err := l.dropFiles(drop); err != nil {
		return err
	}
	logutil.BgLogger().Info("undo log rolled back",
		zap.Uint64("txn", uint64(recs[0].TxnID)), zap.Int("records", len(recs)))
	return l.clear(recs)
}

func restore(m *catalog.Mutation, rec *Record) error {
	if rec.Table != rec.Prev.OIDs && m.Has(rec.Table) {
		if err := m.DropTableEntries(rec.Table); err != nil {
			return err
		}
	}
	if m.Has(rec.Prev.OIDs) {
		return m.UpdateTable(rec.Prev)
	}
	return m.AddTable(rec.Prev)
}

// RecoverPending rolls back every transaction whose records were persisted
// but never committed or rolled back, as after a crash.
func (l *Log) RecoverPending() (int, error) {
	start, end := tablecodec.UndoRange(0)
	byTxn := make(map[txn.ID][]*Record)
	var order []txn.ID
	err := l.kv.IterateMeta(start, end, func(_, value []byte) error {
		rec := &Record{}
		if err := json.Unmarshal(value, rec); err != nil {
			return errors.Trace(err)
		}
		if _, ok := byTxn[rec.TxnID]; !ok {
			order = append(order, rec.TxnID)
		}
		byTxn[rec.TxnID] = append(byTxn[rec.TxnID], rec)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i := len(order) - 1; i >= 0; i-- {
		if err := l.rollback(byTxn[order[i]]); err != nil {
			return 0, err
		}
	}
	return len(order), nil
}

func (l *Log) dropFiles(nodes []uint64) error {
	referenced := l.cat.FileNodes()
	var err error
	for _, n := range nodes {
		if n == 0 {
			continue
		}
		if _, ok := referenced[n]; ok {
			continue
		}
		err = multierr.Append(err, l.kv.DropFile(n))
	}
	return err
}

// unreferenced returns the nodes of from that are not in keep.
func unreferenced(from, keep []uint64) []uint64 {
	var out []uint64
	for _, n := range from {
		if !slices.Contains(keep, n) {
			out = append(out, n)
		}
	}
	return out
}
