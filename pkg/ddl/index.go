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
	"context"
	"fmt"
	"strings"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/ddl/logutil"
	"github.com/relstore/idxbuild/pkg/expression"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/metrics"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"go.uber.org/zap"
)

// IndexDefinition is a CREATE INDEX request.
type IndexDefinition struct {
	// Name is chosen from the table and column names when empty.
	Name string
	// Method is the access method, only "btree" is supported.
	Method     string
	Unique     bool
	Primary    bool
	Concurrent bool
	Tablespace string
	// Columns are the key columns, Include the non-key ones.
	Columns   []string
	Include   []string
	Predicate *expression.Expr
	Compress  int
}

// ValidateIndexDefinition checks def against tbl and returns the index it
// defines, without OIDs. Nothing is built.
func ValidateIndexDefinition(tbl *model.TableInfo, def *IndexDefinition) (*model.IndexInfo, error) {
	if def.Method != "" && def.Method != "btree" {
		return nil, dbterror.ErrUnsupportedIndex.GenWithStackByArgs(fmt.Sprintf("access method %q", def.Method))
	}
	if def.Concurrent {
		return nil, dbterror.ErrUnsupportedIndex.GenWithStackByArgs("concurrent index build")
	}
	if def.Tablespace != "" {
		return nil, dbterror.ErrUnsupportedIndex.GenWithStackByArgs("tablespace " + def.Tablespace)
	}
	if len(def.Columns) == 0 {
		return nil, dbterror.ErrUnsupportedIndex.GenWithStackByArgs("index without key columns")
	}
	ix := &model.IndexInfo{Type: model.IndexRegular, Compress: def.Compress}
	switch {
	case def.Primary:
		ix.Type = model.IndexPrimary
	case def.Unique:
		ix.Type = model.IndexUnique
	}

	nattrs := len(def.Columns)
	if ix.IsPrimary() {
		if tbl.HasPrimary {
			return nil, dbterror.ErrPrimaryExists.GenWithStackByArgs(tbl.Name)
		}
		widest := 0
		for _, idx := range tbl.Indices {
			widest = max(widest, len(idx.Columns))
		}
		if widest+nattrs > model.MaxIndexKeys {
			return nil, dbterror.ErrTooManyKeyColumns.GenWithStackByArgs(model.MaxIndexKeys)
		}
		if def.Predicate != nil {
			return nil, dbterror.ErrUnsupportedIndex.GenWithStackByArgs("partial primary key")
		}
	} else if len(tbl.Indices) > 0 && tbl.Indices[0].Type != model.IndexRegular &&
		nattrs+len(tbl.Indices[0].Columns) > model.MaxIndexKeys {
		return nil, dbterror.ErrTooManyKeyColumns.GenWithStackByArgs(model.MaxIndexKeys)
	}

	for _, name := range def.Columns {
		off, ok := tbl.FindField(name)
		if !ok {
			return nil, dbterror.ErrFieldNotFound.GenWithStackByArgs(name, tbl.Name)
		}
		if ix.IsPrimary() && !tbl.Fields[off].FieldType.NotNull {
			return nil, dbterror.ErrNullablePrimaryColumn.GenWithStackByArgs(name)
		}
		ix.Columns = append(ix.Columns, off)
	}
	ix.NKeyFields = len(ix.Columns)
	for _, name := range def.Include {
		off, ok := tbl.FindField(name)
		if !ok {
			return nil, dbterror.ErrFieldNotFound.GenWithStackByArgs(name, tbl.Name)
		}
		ix.Columns = append(ix.Columns, off)
	}
	if def.Predicate != nil {
		if err := def.Predicate.Validate(len(tbl.Fields)); err != nil {
			return nil, err
		}
		ix.Predicate = def.Predicate
	}

	ix.Name = def.Name
	if ix.Name == "" {
		ix.Name = chooseIndexName(tbl, def)
	} else if _, ok := tbl.FindIndexByName(ix.Name); ok {
		return nil, dbterror.ErrUnsupportedIndex.GenWithStackByArgs(fmt.Sprintf("relation %q already exists", ix.Name))
	}
	return ix, nil
}

// chooseIndexName picks "<table>_<columns>_<suffix>", appending a number
// until the name is free.
func chooseIndexName(tbl *model.TableInfo, def *IndexDefinition) string {
	suffix := "idx"
	switch {
	case def.Primary:
		suffix = "pkey"
	case def.Unique:
		suffix = "key"
	}
	cols := append(append([]string(nil), def.Columns...), def.Include...)
	base := fmt.Sprintf("%s_%s", tbl.Name, strings.Join(cols, "_"))
	name := base + "_" + suffix
	for i := 1; ; i++ {
		if _, ok := tbl.FindIndexByName(name); !ok {
			return name
		}
		name = fmt.Sprintf("%s_%s%d", base, suffix, i)
	}
}

// FindIndexByName returns the position and descriptor of the index called
// indexName of the table called tableName.
func (e *Engine) FindIndexByName(tableName, indexName string) (int, *model.IndexInfo, error) {
	tbl, err := e.cat.FindTableByName(tableName)
	if err != nil {
		return -1, nil, err
	}
	pos, ok := tbl.FindIndexByName(indexName)
	if !ok {
		return -1, nil, dbterror.ErrIndexNotExists.GenWithStackByArgs(indexName)
	}
	return pos, tbl.Indices[pos], nil
}

// CreateIndex validates def, builds the index on the table called tableName
// and publishes it. A primary index rebuilds the whole table under a new
// identity. The build is skipped when the table holds no data.
func (e *Engine) CreateIndex(ctx context.Context, bctx *BuildContext, tableName string, def *IndexDefinition) (*model.IndexInfo, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if bctx == nil {
		bctx = &BuildContext{}
	}
	tbl, err := e.cat.FindTableByName(tableName)
	if err != nil {
		return nil, err
	}
	ix, err := ValidateIndexDefinition(tbl, def)
	if err != nil {
		return nil, err
	}
	logutil.DDLLogger().Info("create index",
		zap.String("table", tbl.Name), zap.String("index", ix.Name), zap.Stringer("type", ix.Type))

	if ix.IsPrimary() {
		oid, err := e.cat.AllocOIDs(1)
		if err != nil {
			return nil, err
		}
		nt := tbl.Clone()
		ix.OIDs = model.RelOIDs{DatOID: tbl.OIDs.DatOID, RelOID: oid, RelNode: oid}
		nt.Indices = append([]*model.IndexInfo{ix}, nt.Indices...)
		nt.HasPrimary = true
		nt.PrimaryInitNFields = len(nt.Fields)
		if err := e.rebuildTable(ctx, bctx, tbl, nt); err != nil {
			return nil, err
		}
		return e.indexAfterDDL(tableName, ix.Name)
	}

	oid, err := e.cat.AllocOIDs(1)
	if err != nil {
		return nil, err
	}
	ix.OIDs = model.RelOIDs{DatOID: tbl.OIDs.DatOID, RelOID: oid, RelNode: oid}
	nt := tbl.Clone()
	nt.Indices = append(nt.Indices, ix)
	ixNum := len(nt.Indices) - 1

	hasData, err := e.store.DataExists(tbl.PrimaryFileNode())
	if err != nil {
		return nil, err
	}
	if hasData {
		if _, err := e.BuildIndex(ctx, bctx, nt, ixNum); err != nil {
			return nil, err
		}
	} else {
		tctx, owned := e.beginTxn(bctx)
		err = e.updateTableAddIndex(tctx, tbl, nt, ix, &storage.FileHeader{FileNode: oid})
		if err != nil {
			e.discardFiles(oid)
		}
		if err := e.finishTxn(tctx, owned, err); err != nil {
			return nil, err
		}
	}
	return e.indexAfterDDL(tableName, ix.Name)
}

func (e *Engine) indexAfterDDL(tableName, indexName string) (*model.IndexInfo, error) {
	_, ix, err := e.FindIndexByName(tableName, indexName)
	return ix, err
}

// DropIndex drops the index called indexName of the table called
// tableName. Dropping the primary index rebuilds the table under a new
// identity with rows keyed by fresh locators.
func (e *Engine) DropIndex(ctx context.Context, bctx *BuildContext, tableName, indexName string) (err error) {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if bctx == nil {
		bctx = &BuildContext{}
	}
	tbl, err := e.cat.FindTableByName(tableName)
	if err != nil {
		return err
	}
	pos, ok := tbl.FindIndexByName(indexName)
	if !ok {
		return dbterror.ErrIndexNotExists.GenWithStackByArgs(indexName)
	}
	ix := tbl.Indices[pos]
	logutil.DDLLogger().Info("drop index",
		zap.String("table", tbl.Name), zap.String("index", ix.Name), zap.Stringer("type", ix.Type))
	defer func() {
		metrics.BuildCounter.WithLabelValues(metrics.LblDrop, metrics.RetLabel(err)).Inc()
	}()

	nt := tbl.Clone()
	nt.Indices = append(nt.Indices[:pos:pos], nt.Indices[pos+1:]...)
	if ix.IsPrimary() {
		nt.HasPrimary = false
		nt.PrimaryInitNFields = len(nt.Fields) + 1
		return e.rebuildTable(ctx, bctx, tbl, nt)
	}
	tctx, owned := e.beginTxn(bctx)
	err = e.updateTableDropIndex(tctx, tbl, nt, ix)
	return e.finishTxn(tctx, owned, err)
}

// ReindexIndex rebuilds the index called indexName of the table called
// tableName into a fresh file. Reindexing the primary index rebuilds the
// whole table under a new identity.
func (e *Engine) ReindexIndex(ctx context.Context, bctx *BuildContext, tableName, indexName string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if bctx == nil {
		bctx = &BuildContext{}
	}
	tbl, err := e.cat.FindTableByName(tableName)
	if err != nil {
		return err
	}
	pos, ok := tbl.FindIndexByName(indexName)
	if !ok {
		return dbterror.ErrIndexNotExists.GenWithStackByArgs(indexName)
	}
	oldIx := tbl.Indices[pos]
	logutil.DDLLogger().Info("reindex",
		zap.String("table", tbl.Name), zap.String("index", oldIx.Name), zap.Stringer("type", oldIx.Type))
	if oldIx.IsPrimary() {
		return e.rebuildTable(ctx, bctx, tbl, tbl.Clone())
	}

	oid, err := e.cat.AllocOIDs(1)
	if err != nil {
		return err
	}
	nt := tbl.Clone()
	newIx := nt.Indices[pos]
	newIx.OIDs.RelNode = oid
	stats, err := e.buildIndexFile(ctx, bctx, nt, pos)
	if err != nil {
		return err
	}
	nt = e.withBuildStats(bctx, nt, pos, stats)
	tctx, owned := e.beginTxn(bctx)
	err = e.updateTableReplaceIndex(tctx, tbl, nt, oldIx, nt.Indices[pos], stats.Header)
	if err != nil {
		e.discardFiles(oid)
	}
	return e.finishTxn(tctx, owned, err)
}

// rebuildTable gives newTbl fresh files, rebuilds every one of them from
// oldTbl and switches the catalog to newTbl.
func (e *Engine) rebuildTable(ctx context.Context, bctx *BuildContext, oldTbl, newTbl *model.TableInfo) error {
	nt, err := e.assignNewOIDs(newTbl)
	if err != nil {
		return err
	}
	stats, err := e.RebuildIndices(ctx, bctx, oldTbl, nt)
	if err != nil {
		return err
	}
	if !bctx.inRecovery() {
		nt.RowCount = stats.HeapTuples
		for i, idx := range nt.Indices {
			idx.RowCount = stats.IndexTuples[i]
		}
	}
	tctx, owned := e.beginTxn(bctx)
	err = e.recreateTable(tctx, oldTbl, nt, stats.Headers)
	if err != nil {
		e.discardFiles(nt.FileNodes()...)
	}
	return e.finishTxn(tctx, owned, errors.Trace(err))
}
