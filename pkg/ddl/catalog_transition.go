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
	"github.com/relstore/idxbuild/pkg/catalog"
	"github.com/relstore/idxbuild/pkg/ddl/logutil"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/metrics"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/txn"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// catalog transition types used as metric labels.
const (
	transitionCreateTable   = "create_table"
	transitionRecreateTable = "recreate_table"
	transitionAddIndex      = "add_index"
	transitionDropIndex     = "drop_index"
	transitionReplaceIndex  = "replace_index"
)

// publish writes the headers of freshly built files and applies change to
// the catalog, both under the shared checkpoint lock.
func (e *Engine) publish(tctx *txn.Context, hdrs []*storage.FileHeader, change func(m *catalog.Mutation) error) error {
	release := e.addLock.AcquireShared()
	defer release()
	for _, hdr := range hdrs {
		if err := e.store.WriteFileHeader(hdr); err != nil {
			return err
		}
	}
	m := e.cat.Begin(tctx)
	if err := change(m); err != nil {
		return multierr.Append(err, m.Rollback())
	}
	return m.Commit()
}

// discardFiles removes files built for a DDL that did not reach the catalog.
func (e *Engine) discardFiles(nodes ...uint64) {
	referenced := e.cat.FileNodes()
	for _, n := range nodes {
		if _, ok := referenced[n]; ok || n == 0 {
			continue
		}
		if err := e.store.DropFile(n); err != nil {
			logutil.DDLLogger().Warn("drop unpublished file failed", zap.Uint64("file", n), zap.Error(err))
		}
	}
}

// assignNewOIDs returns a copy of tbl whose table, toast and index files
// all have fresh file nodes. Relation OIDs are kept.
func (e *Engine) assignNewOIDs(tbl *model.TableInfo) (*model.TableInfo, error) {
	nt := tbl.Clone()
	n := 1 + len(nt.Indices)
	if nt.ToastFileNode != 0 {
		n++
	}
	next, err := e.cat.AllocOIDs(n)
	if err != nil {
		return nil, err
	}
	nt.OIDs.RelNode = next
	next++
	if nt.ToastFileNode != 0 {
		nt.ToastFileNode = next
		next++
	}
	for _, idx := range nt.Indices {
		idx.OIDs.RelNode = next
		next++
	}
	return nt, nil
}

// recreateTable replaces oldTbl by newTbl, whose files were all rebuilt.
// The old files are removed when the transaction commits.
func (e *Engine) recreateTable(tctx *txn.Context, oldTbl, newTbl *model.TableInfo, hdrs []*storage.FileHeader) error {
	err := e.publish(tctx, hdrs, func(m *catalog.Mutation) error {
		if err := m.DropTableEntries(oldTbl.OIDs); err != nil {
			return err
		}
		if err := m.AddTable(newTbl); err != nil {
			return err
		}
		return e.undoLog.AppendTruncateRecord(m, tctx, oldTbl, newTbl)
	})
	if err != nil {
		return err
	}
	metrics.CatalogTransitionCounter.WithLabelValues(transitionRecreateTable).Inc()
	logutil.DDLLogger().Info("recreate table",
		zap.String("table", newTbl.Name),
		zap.Stringer("old", oldTbl.OIDs), zap.Stringer("new", newTbl.OIDs))
	return nil
}

// updateTableAddIndex publishes newTbl, which is oldTbl plus the built
// index ix.
func (e *Engine) updateTableAddIndex(tctx *txn.Context, oldTbl, newTbl *model.TableInfo, ix *model.IndexInfo, hdr *storage.FileHeader) error {
	err := e.publish(tctx, []*storage.FileHeader{hdr}, func(m *catalog.Mutation) error {
		if err := m.UpdateTable(newTbl); err != nil {
			return err
		}
		return e.undoLog.AppendCreateRecord(m, tctx, oldTbl, newTbl.OIDs, ix.OIDs)
	})
	if err != nil {
		return err
	}
	metrics.CatalogTransitionCounter.WithLabelValues(transitionAddIndex).Inc()
	return nil
}

// updateTableDropIndex publishes newTbl, which is oldTbl without the
// secondary index ix. Its file is removed when the transaction commits.
func (e *Engine) updateTableDropIndex(tctx *txn.Context, oldTbl, newTbl *model.TableInfo, ix *model.IndexInfo) error {
	err := e.publish(tctx, nil, func(m *catalog.Mutation) error {
		if err := m.UpdateTable(newTbl); err != nil {
			return err
		}
		return e.undoLog.AppendDropRecord(m, tctx, oldTbl, newTbl.OIDs, ix.OIDs)
	})
	if err != nil {
		return err
	}
	metrics.CatalogTransitionCounter.WithLabelValues(transitionDropIndex).Inc()
	return nil
}

// updateTableReplaceIndex publishes newTbl, in which the secondary index
// oldIx was rebuilt into newIx.
func (e *Engine) updateTableReplaceIndex(tctx *txn.Context, oldTbl, newTbl *model.TableInfo, oldIx, newIx *model.IndexInfo, hdr *storage.FileHeader) error {
	err := e.publish(tctx, []*storage.FileHeader{hdr}, func(m *catalog.Mutation) error {
		if err := m.UpdateTable(newTbl); err != nil {
			return err
		}
		if err := e.undoLog.AppendCreateRecord(m, tctx, oldTbl, newTbl.OIDs, newIx.OIDs); err != nil {
			return err
		}
		return e.undoLog.AppendDropRecord(m, tctx, oldTbl, newTbl.OIDs, oldIx.OIDs)
	})
	if err != nil {
		return err
	}
	metrics.CatalogTransitionCounter.WithLabelValues(transitionReplaceIndex).Inc()
	return nil
}
