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

package tables

import (
	"bytes"
	"sync"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/table"
	"github.com/relstore/idxbuild/pkg/txn"
	"go.uber.org/multierr"
)

// DefaultBlockRows is the number of stored rows one participant claims at a
// time from a parallel scan.
const DefaultBlockRows = 256

type rawRow struct {
	key   []byte
	value []byte
}

// ParallelScan is the shared cursor of a cooperative scan. Participants
// claim disjoint blocks of consecutive rows until the file is exhausted, so
// every stored row is handed out exactly once.
type ParallelScan struct {
	fileNode  uint64
	blockRows int

	mu        sync.Mutex
	iter      *storage.Iterator
	started   bool
	exhausted bool
	closed    bool
	claimed   int
	rows      int64
}

// NewParallelScan opens a shared cursor over fileNode.
func NewParallelScan(store *storage.Store, fileNode uint64, blockRows int) (*ParallelScan, error) {
	if blockRows <= 0 {
		blockRows = DefaultBlockRows
	}
	it, err := store.Scan(fileNode, nil, nil)
	if err != nil {
		return nil, err
	}
	return &ParallelScan{fileNode: fileNode, blockRows: blockRows, iter: it}, nil
}

// FileNode returns the scanned file.
func (p *ParallelScan) FileNode() uint64 { return p.fileNode }

func (p *ParallelScan) claim() ([]rawRow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("parallel scan is closed")
	}
	if p.exhausted {
		return nil, nil
	}
	block := make([]rawRow, 0, p.blockRows)
	for len(block) < p.blockRows {
		var ok bool
		if !p.started {
			ok = p.iter.First()
			p.started = true
		} else {
			ok = p.iter.Next()
		}
		if !ok {
			p.exhausted = true
			if err := p.iter.Error(); err != nil {
				return nil, err
			}
			break
		}
		v, err := p.iter.Value()
		if err != nil {
			return nil, err
		}
		block = append(block, rawRow{key: bytes.Clone(p.iter.Key()), value: bytes.Clone(v)})
	}
	if len(block) > 0 {
		p.claimed++
		p.rows += int64(len(block))
	}
	return block, nil
}

// Stats returns the number of blocks and stored rows handed out so far.
func (p *ParallelScan) Stats() (blocks int, rows int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed, p.rows
}

// Close releases the cursor. It is idempotent.
func (p *ParallelScan) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.iter.Close()
}

// Scanner yields the rows of a table visible to a snapshot. It is lazy,
// finite and not restartable. With a ParallelScan it only yields the rows of
// the blocks it claims.
type Scanner struct {
	store    *storage.Store
	descr    *table.Descr
	snapshot txn.CSN

	iter    *storage.Iterator
	started bool

	pscan *ParallelScan
	block []rawRow
	pos   int

	done bool
}

// NewScanner begins a scan of the table described by descr. pscan is nil for
// a serial scan.
func NewScanner(store *storage.Store, descr *table.Descr, snapshot txn.CSN, pscan *ParallelScan) (*Scanner, error) {
	s := &Scanner{store: store, descr: descr, snapshot: snapshot, pscan: pscan}
	if pscan != nil {
		if pscan.fileNode != descr.Meta.PrimaryFileNode() {
			return nil, errors.Errorf("parallel scan of file %d used for table %s", pscan.fileNode, descr.Meta.Name)
		}
		return s, nil
	}
	it, err := store.Scan(descr.Meta.PrimaryFileNode(), nil, nil)
	if err != nil {
		return nil, err
	}
	s.iter = it
	return s, nil
}

func (s *Scanner) nextRaw() (key, value []byte, err error) {
	if s.pscan != nil {
		if s.pos >= len(s.block) {
			s.block, err = s.pscan.claim()
			s.pos = 0
			if err != nil || len(s.block) == 0 {
				return nil, nil, err
			}
		}
		r := s.block[s.pos]
		s.pos++
		return r.key, r.value, nil
	}
	var ok bool
	if !s.started {
		ok = s.iter.First()
		s.started = true
	} else {
		ok = s.iter.Next()
	}
	if !ok {
		return nil, nil, s.iter.Error()
	}
	v, err := s.iter.Value()
	if err != nil {
		return nil, nil, err
	}
	return bytes.Clone(s.iter.Key()), bytes.Clone(v), nil
}

// Next returns the next visible row, or nil when the scan is exhausted.
func (s *Scanner) Next() (*table.Row, error) {
	for !s.done {
		key, value, err := s.nextRaw()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if key == nil {
			s.done = true
			break
		}
		row, err := decodeVisibleRow(s.store, s.descr.Meta, key, value, s.snapshot)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return row, nil
		}
	}
	return nil, nil
}

// Close ends the scan. The shared cursor of a parallel scan stays open.
func (s *Scanner) Close() error {
	var err error
	if s.iter != nil {
		err = multierr.Append(err, s.iter.Close())
		s.iter = nil
	}
	s.block = nil
	s.done = true
	return err
}
