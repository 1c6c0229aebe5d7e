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
	"github.com/pingcap/failpoint"
	"github.com/relstore/idxbuild/pkg/sorter"
	"github.com/relstore/idxbuild/pkg/table"
	"github.com/relstore/idxbuild/pkg/table/tables"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"go.uber.org/multierr"
)

// checkTupleSize rejects a tuple whose encoded form exceeds max bytes.
func checkTupleSize(key, value []byte, max int, indexName string) error {
	if size := len(key) + len(value); size > max {
		return dbterror.ErrTupleTooLarge.GenWithStackByArgs(size, max, indexName)
	}
	return nil
}

// indexSpool collects the tuples of one secondary index into a sort.
type indexSpool struct {
	ix           *table.IndexDescr
	sort         *sorter.Sorter
	maxTupleSize int
	tuples       int64
}

func (sp *indexSpool) add(row *table.Row) error {
	key, value, ok, err := tables.IndexTuple(sp.ix, row)
	if err != nil || !ok {
		return err
	}
	if err := checkTupleSize(key, value, sp.maxTupleSize, sp.ix.Meta.Name); err != nil {
		return err
	}
	if err := sp.sort.Put(key, value); err != nil {
		return err
	}
	sp.tuples++
	return nil
}

// scanIntoSpool feeds every row of descr visible at snapshot to sp and
// returns the number of rows seen. With a non-nil pscan the rows are
// claimed from the scan shared with the other participants.
func (e *Engine) scanIntoSpool(descr *table.Descr, snapshot txn.CSN, pscan *tables.ParallelScan, sp *indexSpool) (heapTuples int64, err error) {
	s, err := tables.NewScanner(e.store, descr, snapshot, pscan)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = multierr.Append(err, s.Close())
	}()
	for {
		row, err := s.Next()
		if err != nil {
			return heapTuples, err
		}
		if row == nil {
			return heapTuples, nil
		}
		heapTuples++
		failpoint.Inject("mockScanTupleErr", func(val failpoint.Value) {
			if n, ok := val.(int); ok && heapTuples == int64(n) {
				failpoint.Return(heapTuples, dbterror.ErrStorageIO.GenWithStackByArgs("mock scan error"))
			}
		})
		if err := sp.add(row); err != nil {
			return heapTuples, err
		}
	}
}
