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

package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/relstore/idxbuild/pkg/tablecodec"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
)

const defaultBatchSize = 4 * units.MiB

// FileHeader describes a completely written file. A file without a header
// was never published and is not referenced by a checkpoint.
type FileHeader struct {
	FileNode  uint64 `json:"file_node"`
	NumTuples int64  `json:"num_tuples"`
	DataSize  int64  `json:"data_size"`
	Compress  int    `json:"compress"`
	// NextLocator is the next free locator of a file keyed by locators.
	NextLocator   uint64 `json:"next_locator"`
	CheckpointNum uint64 `json:"checkpoint_num"`
	BuildID       string `json:"build_id,omitempty"`
}

// SortedSource yields key/value pairs in strictly ascending key order.
// A nil key ends the stream.
type SortedSource interface {
	Next() (key, value []byte, err error)
}

// WriteOptions holds the optional parameters for WriteSortedStream.
type WriteOptions struct {
	// Compress is the zstd level of values, 0 stores them raw.
	Compress int
	// NextLocator is recorded in the header.
	NextLocator uint64
	// BatchSize is the number of bytes buffered before a commit.
	BatchSize int
	BuildID   string
}

// WriteSortedStream bulk loads src into the empty file fileNode and returns
// the header describing it. The header is not persisted, see WriteFileHeader.
// On failure the partially written keys are removed.
func (s *Store) WriteSortedStream(fileNode uint64, src SortedSource, opts WriteOptions) (hdr *FileHeader, err error) {
	exists, err := s.DataExists(fileNode)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.Errorf("bulk load into non-empty file %d", fileNode)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	defer func() {
		if err != nil {
			if dropErr := s.DropFile(fileNode); dropErr != nil {
				err = errors.Annotatef(err, "drop partial file %d: %v", fileNode, dropErr)
			}
		}
	}()

	hdr = &FileHeader{
		FileNode:    fileNode,
		Compress:    opts.Compress,
		NextLocator: opts.NextLocator,
		BuildID:     opts.BuildID,
	}
	batch := s.db.NewBatch()
	defer func() {
		_ = batch.Close()
	}()
	var (
		prevKey []byte
		valBuf  []byte
		commits int
	)
	commit := func(opts *pebble.WriteOptions) error {
		commits++
		failpoint.Inject("mockBulkWriteErr", func(val failpoint.Value) {
			if n, ok := val.(int); ok && commits >= n {
				failpoint.Return(dbterror.ErrStorageIO.GenWithStackByArgs(
					fmt.Sprintf("mock bulk write error at commit %d", commits)))
			}
		})
		return wrapIOErr(batch.Commit(opts))
	}
	for {
		key, value, err := src.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if key == nil {
			break
		}
		if prevKey != nil && bytes.Compare(prevKey, key) >= 0 {
			return nil, dbterror.ErrCorruptedData.GenWithStackByArgs(
				fmt.Sprintf("keys out of order in file %d: %x >= %x", fileNode, prevKey, key))
		}
		prevKey = append(prevKey[:0], key...)

		valBuf = s.encodeValue(valBuf[:0], value, opts.Compress)
		if err := batch.Set(tablecodec.EncodeFileKey(fileNode, key), valBuf, nil); err != nil {
			return nil, wrapIOErr(err)
		}
		hdr.NumTuples++
		hdr.DataSize += int64(len(key) + len(valBuf))

		if batch.Len() >= opts.BatchSize {
			if err := commit(pebble.NoSync); err != nil {
				return nil, err
			}
			_ = batch.Close()
			batch = s.db.NewBatch()
		}
	}
	if err := commit(pebble.Sync); err != nil {
		return nil, err
	}
	return hdr, nil
}

// WriteFileHeader persists hdr, publishing its file.
func (s *Store) WriteFileHeader(hdr *FileHeader) error {
	data, err := json.Marshal(hdr)
	if err != nil {
		return errors.Trace(err)
	}
	return wrapIOErr(s.db.Set(tablecodec.EncodeHeaderKey(hdr.FileNode), data, pebble.Sync))
}

// ReadFileHeader returns the header of fileNode or nil when it was never
// published.
func (s *Store) ReadFileHeader(fileNode uint64) (*FileHeader, error) {
	data, closer, err := s.db.Get(tablecodec.EncodeHeaderKey(fileNode))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, wrapIOErr(err)
	}
	//nolint: errcheck
	defer closer.Close()
	hdr := &FileHeader{}
	if err := json.Unmarshal(data, hdr); err != nil {
		return nil, dbterror.ErrCorruptedData.GenWithStackByArgs(err.Error())
	}
	return hdr, nil
}

// FileHeaders returns every published header ordered by file node.
func (s *Store) FileHeaders() ([]*FileHeader, error) {
	start, end := tablecodec.HeaderRange()
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, wrapIOErr(err)
	}
	//nolint: errcheck
	defer it.Close()
	var hdrs []*FileHeader
	for it.First(); it.Valid(); it.Next() {
		hdr := &FileHeader{}
		if err := json.Unmarshal(it.Value(), hdr); err != nil {
			return nil, dbterror.ErrCorruptedData.GenWithStackByArgs(err.Error())
		}
		hdrs = append(hdrs, hdr)
	}
	return hdrs, wrapIOErr(it.Error())
}
