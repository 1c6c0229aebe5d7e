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
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/ddl/buildstate"
	"github.com/relstore/idxbuild/pkg/ddl/logutil"
	"github.com/relstore/idxbuild/pkg/meta/model"
	"github.com/relstore/idxbuild/pkg/metrics"
	"github.com/relstore/idxbuild/pkg/sorter"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/table"
	"github.com/relstore/idxbuild/pkg/table/tables"
	"github.com/relstore/idxbuild/pkg/txn"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RebuildStats describes a finished rebuild.
type RebuildStats struct {
	HeapTuples int64
	// IndexTuples has one entry per index of the new descriptor.
	IndexTuples []int64
	ToastChunks int64
	// NextLocator is the next free locator of a table without primary key.
	NextLocator uint64
	Headers     []*storage.FileHeader
}

// rebuildDest is one file written by a rebuild.
type rebuildDest struct {
	name     string
	fileNode uint64
	compress int
	sort     *sorter.Sorter
	// unique is set for a primary index: equal keys are duplicates.
	unique   bool
	nKeyCols int
	// locatorKeyed is set for the rows of a table without primary key.
	locatorKeyed bool
	// spool builds the tuples of a secondary index.
	spool  *indexSpool
	header *storage.FileHeader
}

// RebuildIndices rebuilds every file of oldTbl into the fresh files of
// newTbl: the rows, the toast values and every index. Rows of a table
// without primary key get new locators starting at 1. The rebuild always
// runs serially. Nothing is published; the caller switches the catalog.
func (e *Engine) RebuildIndices(ctx context.Context, bctx *BuildContext, oldTbl, newTbl *model.TableInfo) (stats *RebuildStats, err error) {
	if bctx == nil {
		bctx = &BuildContext{}
	}
	defer bctx.enterIndexesRebuild()()
	start := time.Now()
	defer func() {
		metrics.BuildCounter.WithLabelValues(metrics.LblRebuild, metrics.RetLabel(err)).Inc()
		metrics.BuildDurationHistogram.WithLabelValues(metrics.LblRebuild, metrics.RetLabel(err)).
			Observe(time.Since(start).Seconds())
	}()
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	p := buildstate.Params{Kind: buildstate.KindRebuildFromScratch, Snapshot: txn.CSNInProgress}
	h, err := e.beginParallel(bctx, p, oldTbl, e.cfg.Build.ParallelWorkers)
	if err != nil {
		return nil, err
	}
	if h != nil {
		e.endParallel(h)
		return nil, errors.New("parallel rebuild is not supported")
	}

	oldDescr, err := e.fetchDescr(bctx, oldTbl.OIDs)
	if err != nil {
		return nil, err
	}
	newDescr, err := table.NewDescr(newTbl)
	if err != nil {
		return nil, err
	}
	buildID := uuid.NewString()
	logger := logutil.BuildLogger(ctx, buildID).With(
		zap.String("table", newTbl.Name),
		zap.Stringer("old", oldTbl.OIDs),
		zap.Stringer("new", newTbl.OIDs))

	dests, err := e.rebuildDests(newDescr)
	defer func() {
		for _, d := range dests {
			if d.sort != nil {
				err = multierr.Append(err, d.sort.End())
			}
		}
		if err != nil {
			e.discardFiles(newTbl.FileNodes()...)
		}
	}()
	if err != nil {
		return nil, err
	}

	stats = &RebuildStats{NextLocator: 1}
	if err := e.rebuildScan(oldDescr, newDescr, dests, stats); err != nil {
		logger.Warn("rebuild scan failed", zap.Error(err))
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.cfg.Build.ParallelWorkers))
	for _, d := range dests {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errors.Trace(err)
			}
			return e.writeRebuildDest(d, buildID, stats.NextLocator)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("rebuild write failed", zap.Error(err))
		return nil, err
	}

	stats.IndexTuples = make([]int64, len(newTbl.Indices))
	covered := make(map[uint64]struct{}, len(dests))
	for _, d := range dests {
		covered[d.fileNode] = struct{}{}
		stats.Headers = append(stats.Headers, d.header)
		if d.fileNode == newTbl.ToastFileNode {
			stats.ToastChunks = d.header.NumTuples
		}
		for i, idx := range newTbl.Indices {
			if idx.OIDs.RelNode == d.fileNode {
				stats.IndexTuples[i] = d.header.NumTuples
			}
		}
	}
	// files without data still get a header
	for _, node := range newTbl.FileNodes() {
		if _, ok := covered[node]; !ok {
			stats.Headers = append(stats.Headers, &storage.FileHeader{FileNode: node, BuildID: buildID})
		}
	}
	metrics.TuplesInserted.WithLabelValues(metrics.LblRebuild).Add(float64(stats.HeapTuples))
	logger.Info("rebuild finished",
		zap.Int64("heap tuples", stats.HeapTuples),
		zap.Int64s("index tuples", stats.IndexTuples),
		zap.Int64("toast chunks", stats.ToastChunks))
	return stats, nil
}

// rebuildDests opens one sort per file of the new table that receives data.
func (e *Engine) rebuildDests(d *table.Descr) ([]*rebuildDest, error) {
	meta := d.Meta
	n := len(d.Indices) + 1
	if meta.HasPrimary {
		n--
	}
	if meta.ToastFileNode != 0 {
		n++
	}
	mem := int64(e.cfg.Build.MaintenanceWorkMem) / int64(n)
	dests := make([]*rebuildDest, 0, n)
	open := func(dest *rebuildDest) error {
		srt, err := sorter.Begin(sorter.Spec{Label: dest.name, TempDir: e.cfg.Build.TempDir}, mem, nil)
		if err != nil {
			return err
		}
		dest.sort = srt
		dests = append(dests, dest)
		return nil
	}

	primary := &rebuildDest{
		name:         meta.Name,
		fileNode:     meta.PrimaryFileNode(),
		compress:     meta.PrimaryCompress,
		locatorKeyed: !meta.HasPrimary,
	}
	if pk := meta.Primary(); pk != nil {
		primary.name = pk.Name
		primary.unique = true
		primary.nKeyCols = pk.NKeyFields
	}
	if err := open(primary); err != nil {
		return dests, err
	}
	for _, ix := range d.Indices {
		if ix.Meta.IsPrimary() {
			continue
		}
		dest := &rebuildDest{name: ix.Meta.Name, fileNode: ix.FileNode(), compress: ix.Meta.Compress}
		if err := open(dest); err != nil {
			return dests, err
		}
		dest.spool = &indexSpool{ix: ix, sort: dest.sort, maxTupleSize: int(e.cfg.Build.MaxTupleSize)}
	}
	if meta.ToastFileNode != 0 {
		toast := &rebuildDest{name: fmt.Sprintf("%s_toast", meta.Name), fileNode: meta.ToastFileNode, compress: meta.ToastCompress}
		if err := open(toast); err != nil {
			return dests, err
		}
	}
	return dests, nil
}

// rebuildScan reads every visible row of the old table once and feeds the
// rows, toast chunks and index tuples of the new table to dests.
func (e *Engine) rebuildScan(oldDescr, newDescr *table.Descr, dests []*rebuildDest, stats *RebuildStats) (err error) {
	s, err := tables.NewScanner(e.store, oldDescr, txn.CSNInProgress, nil)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.Close())
	}()
	toastOpts := table.ToastOptions{}
	if newDescr.Meta.ToastFileNode != 0 {
		toastOpts = e.toastOptions()
	}
	primary := dests[0]
	maxTupleSize := int(e.cfg.Build.MaxTupleSize)
	var toast *rebuildDest
	if newDescr.Meta.ToastFileNode != 0 {
		toast = dests[len(dests)-1]
	}
	for {
		row, err := s.Next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		key, err := tables.RowKey(newDescr, row.Datums, stats.NextLocator)
		if err != nil {
			return err
		}
		if newDescr.LocatorKeyed() {
			stats.NextLocator++
		}
		ext, chunks := tables.SplitToast(toastOpts, key, row.Datums)
		value, err := tables.EncodeRowValue(nil, row.Xmin, row.Xmax, row.Datums, ext)
		if err != nil {
			return err
		}
		if err := checkTupleSize(key, value, maxTupleSize, primary.name); err != nil {
			return err
		}
		if err := primary.sort.Put(key, value); err != nil {
			return err
		}
		for _, c := range chunks {
			if err := toast.sort.Put(c.Key, c.Value); err != nil {
				return err
			}
		}
		nr := &table.Row{Key: key, Xmin: row.Xmin, Xmax: row.Xmax, Datums: row.Datums}
		for _, d := range dests {
			if d.spool == nil {
				continue
			}
			if err := d.spool.add(nr); err != nil {
				return err
			}
		}
		stats.HeapTuples++
	}
	return nil
}

// writeRebuildDest sorts the tuples of d and bulk loads them into its file.
func (e *Engine) writeRebuildDest(d *rebuildDest, buildID string, nextLocator uint64) error {
	if err := d.sort.PerformSort(); err != nil {
		return err
	}
	var src storage.SortedSource = d.sort
	if d.unique {
		src = newUniqueChecker(d.sort, d.nKeyCols, d.name, false)
	} else if d.spool != nil && d.spool.ix.Meta.IsUnique() {
		src = newUniqueChecker(d.sort, len(d.spool.ix.KeyCols), d.name, true)
	}
	opts := storage.WriteOptions{Compress: d.compress, BuildID: buildID}
	if d.locatorKeyed {
		opts.NextLocator = nextLocator
	}
	hdr, err := e.store.WriteSortedStream(d.fileNode, src, opts)
	if err != nil {
		return errors.Annotatef(err, "rebuild %s", d.name)
	}
	d.header = hdr
	return nil
}
