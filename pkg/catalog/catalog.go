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

// Package catalog persists table descriptors and keeps an ordered in-memory
// copy of them. Changes are grouped into a Mutation that commits atomically,
// optionally together with file and undo writes sharing its batch.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/tablecodec"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/relstore/idxbuild/pkg/util/logutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	oidCounter = "oid"
	csnCounter = "csn"
	// FirstUserOID is the first OID handed out by AllocOIDs.
	FirstUserOID = 16384
)

// entry is the persisted form of a catalog row.
type entry struct {
	CSN   txn.CSN          `json:"csn"`
	Table *model.TableInfo `json:"table"`
}

type tableItem struct {
	oids model.RelOIDs
	csn  txn.CSN
	tbl  *model.TableInfo
}

func compareByOIDs(a, b tableItem) bool {
	return a.oids.Compare(b.oids) < 0
}

// InvalidateFunc is notified of every identity a committed mutation touched.
type InvalidateFunc func(oids model.RelOIDs)

// Store is the table catalog.
type Store struct {
	kv *storage.Store

	mu    sync.RWMutex
	byIDs *btree.BTreeG[tableItem]

	oidMu sync.Mutex

	commitMu sync.Mutex
	lastCSN  txn.CSN

	listenerMu sync.Mutex
	listeners  []InvalidateFunc
}

// New loads the catalog persisted in kv.
func New(kv *storage.Store) (*Store, error) {
	s := &Store{
		kv:    kv,
		byIDs: btree.NewG(32, compareByOIDs),
	}
	start, end := tablecodec.TableMetaRange()
	err := kv.IterateMeta(start, end, func(_, value []byte) error {
		e := &entry{}
		if err := json.Unmarshal(value, e); err != nil {
			return dbterror.ErrCorruptedData.GenWithStackByArgs(err.Error())
		}
		s.byIDs.ReplaceOrInsert(tableItem{oids: e.Table.OIDs, csn: e.CSN, tbl: e.Table})
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if s.lastCSN, err = s.loadLastCSN(); err != nil {
		return nil, err
	}
	logutil.BgLogger().Info("catalog loaded", zap.Int("tables", s.byIDs.Len()))
	return s, nil
}

// KV returns the storage the catalog lives in.
func (s *Store) KV() *storage.Store { return s.kv }

// OnInvalidate registers fn to run after every committed mutation.
func (s *Store) OnInvalidate(fn InvalidateFunc) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// GetTable returns a copy of the descriptor stored under oids.
func (s *Store) GetTable(oids model.RelOIDs) (*model.TableInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.byIDs.Get(tableItem{oids: oids})
	if !ok {
		return nil, dbterror.ErrTableNotExists.GenWithStackByArgs(oids.String())
	}
	return item.tbl.Clone(), nil
}

// GetTableCSN returns the CSN the descriptor under oids was committed with.
func (s *Store) GetTableCSN(oids model.RelOIDs) (txn.CSN, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.byIDs.Get(tableItem{oids: oids})
	if !ok {
		return txn.InvalidCSN, dbterror.ErrTableNotExists.GenWithStackByArgs(oids.String())
	}
	return item.csn, nil
}

// Tables returns copies of every descriptor ordered by OIDs.
func (s *Store) Tables() []*model.TableInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tables := make([]*model.TableInfo, 0, s.byIDs.Len())
	s.byIDs.Ascend(func(item tableItem) bool {
		tables = append(tables, item.tbl.Clone())
		return true
	})
	return tables
}

// FindTableByName returns the descriptor of the first table called name.
func (s *Store) FindTableByName(name string) (*model.TableInfo, error) {
	var found *model.TableInfo
	s.mu.RLock()
	s.byIDs.Ascend(func(item tableItem) bool {
		if item.tbl.Name == name {
			found = item.tbl.Clone()
			return false
		}
		return true
	})
	s.mu.RUnlock()
	if found == nil {
		return nil, dbterror.ErrTableNotExists.GenWithStackByArgs(name)
	}
	return found, nil
}

// FileNodes returns every file node referenced by the catalog.
func (s *Store) FileNodes() map[uint64]model.RelOIDs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make(map[uint64]model.RelOIDs)
	s.byIDs.Ascend(func(item tableItem) bool {
		for _, n := range item.tbl.FileNodes() {
			nodes[n] = item.oids
		}
		return true
	})
	return nodes
}

// AllocOIDs durably reserves n consecutive OIDs and returns the first one.
func (s *Store) AllocOIDs(n int) (uint64, error) {
	s.oidMu.Lock()
	defer s.oidMu.Unlock()
	key := tablecodec.EncodeMetaCounterKey(oidCounter)
	v, err := s.kv.GetMeta(key)
	if err != nil {
		return 0, err
	}
	next := uint64(FirstUserOID)
	if len(v) == 8 {
		next = binary.BigEndian.Uint64(v)
	}
	b := s.kv.NewBatch()
	if err := b.PutMeta(key, binary.BigEndian.AppendUint64(nil, next+uint64(n))); err != nil {
		return 0, multierr.Append(err, b.Close())
	}
	if err := b.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) loadLastCSN() (txn.CSN, error) {
	v, err := s.kv.GetMeta(tablecodec.EncodeMetaCounterKey(csnCounter))
	if err != nil || len(v) != 8 {
		return txn.FrozenCSN, err
	}
	return txn.CSN(binary.BigEndian.Uint64(v)), nil
}

// LastCSN returns the highest CSN a committed mutation recorded.
func (s *Store) LastCSN() txn.CSN {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.lastCSN
}

// AdvanceCSN durably records csn as committed when it is above the last
// recorded one. Data writes outside a catalog mutation report their CSN here.
func (s *Store) AdvanceCSN(csn txn.CSN) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if csn <= s.lastCSN {
		return nil
	}
	b := s.kv.NewBatch()
	if err := b.PutMeta(tablecodec.EncodeMetaCounterKey(csnCounter), binary.BigEndian.AppendUint64(nil, uint64(csn))); err != nil {
		return multierr.Append(err, b.Close())
	}
	if err := b.Commit(); err != nil {
		return err
	}
	s.lastCSN = csn
	return nil
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	kind opKind
	item tableItem
}

// Mutation is a set of catalog changes committed atomically.
type Mutation struct {
	s     *Store
	csn   txn.CSN
	batch *storage.Batch
	ops   []op
	done  bool
}

// Begin starts a mutation whose entries are stamped with the commit CSN of
// tctx.
func (s *Store) Begin(tctx *txn.Context) *Mutation {
	_, csn := tctx.CurrentTxnAndSnapshot()
	return &Mutation{s: s, csn: csn, batch: s.kv.NewBatch()}
}

// Batch returns the write batch of the mutation so that other records can
// commit with it.
func (m *Mutation) Batch() *storage.Batch { return m.batch }

// CSN returns the stamp of the mutation.
func (m *Mutation) CSN() txn.CSN { return m.csn }

func (m *Mutation) exists(oids model.RelOIDs) bool {
	for i := len(m.ops) - 1; i >= 0; i-- {
		if m.ops[i].item.oids == oids {
			return m.ops[i].kind == opPut
		}
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return m.s.byIDs.Has(tableItem{oids: oids})
}

// Has reports whether oids exists in the catalog as changed by m so far.
func (m *Mutation) Has(oids model.RelOIDs) bool {
	return m.exists(oids)
}

func (m *Mutation) put(tbl *model.TableInfo) error {
	tbl = tbl.Clone()
	data, err := json.Marshal(&entry{CSN: m.csn, Table: tbl})
	if err != nil {
		return errors.Trace(err)
	}
	if err := m.batch.PutMeta(tablecodec.EncodeTableMetaKey(tbl.OIDs.DatOID, tbl.OIDs.RelOID, tbl.OIDs.RelNode), data); err != nil {
		return err
	}
	m.ops = append(m.ops, op{kind: opPut, item: tableItem{oids: tbl.OIDs, csn: m.csn, tbl: tbl}})
	return nil
}

// AddTable inserts a new descriptor.
func (m *Mutation) AddTable(tbl *model.TableInfo) error {
	if !tbl.OIDs.IsValid() {
		return errors.Errorf("table %s has invalid oids %s", tbl.Name, tbl.OIDs)
	}
	if m.exists(tbl.OIDs) {
		return errors.Errorf("table %s already exists", tbl.OIDs)
	}
	return m.put(tbl)
}

// UpdateTable replaces the descriptor stored under tbl.OIDs.
func (m *Mutation) UpdateTable(tbl *model.TableInfo) error {
	if !m.exists(tbl.OIDs) {
		return dbterror.ErrTableNotExists.GenWithStackByArgs(tbl.OIDs.String())
	}
	return m.put(tbl)
}

// DropTableEntries removes the descriptor stored under oids.
func (m *Mutation) DropTableEntries(oids model.RelOIDs) error {
	if !m.exists(oids) {
		return dbterror.ErrTableNotExists.GenWithStackByArgs(oids.String())
	}
	if err := m.batch.DeleteMeta(tablecodec.EncodeTableMetaKey(oids.DatOID, oids.RelOID, oids.RelNode)); err != nil {
		return err
	}
	m.ops = append(m.ops, op{kind: opDelete, item: tableItem{oids: oids}})
	return nil
}

// Commit applies the mutation and every record added to its batch, then
// notifies the invalidation listeners.
func (m *Mutation) Commit() error {
	if m.done {
		return errors.New("catalog mutation already finished")
	}
	m.done = true
	m.s.commitMu.Lock()
	lastCSN := max(m.s.lastCSN, m.csn)
	err := m.batch.PutMeta(tablecodec.EncodeMetaCounterKey(csnCounter), binary.BigEndian.AppendUint64(nil, uint64(lastCSN)))
	if err != nil {
		m.s.commitMu.Unlock()
		return multierr.Append(err, m.batch.Close())
	}
	if err := m.batch.Commit(); err != nil {
		m.s.commitMu.Unlock()
		return err
	}
	m.s.lastCSN = lastCSN
	m.s.commitMu.Unlock()
	m.s.mu.Lock()
	for _, o := range m.ops {
		switch o.kind {
		case opPut:
			m.s.byIDs.ReplaceOrInsert(o.item)
		case opDelete:
			m.s.byIDs.Delete(o.item)
		}
	}
	m.s.mu.Unlock()

	m.s.listenerMu.Lock()
	listeners := append([]InvalidateFunc(nil), m.s.listeners...)
	m.s.listenerMu.Unlock()
	for _, o := range m.ops {
		for _, fn := range listeners {
			fn(o.item.oids)
		}
	}
	return nil
}

// Rollback discards the mutation.
func (m *Mutation) Rollback() error {
	if m.done {
		return nil
	}
	m.done = true
	return m.batch.Close()
}
