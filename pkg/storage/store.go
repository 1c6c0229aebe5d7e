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
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/klauspost/compress/zstd"
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/tablecodec"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"go.uber.org/multierr"
)

// Value flags. Every stored value starts with one of them.
const (
	valueRaw  byte = 0
	valueZstd byte = 1
)

// Options holds the optional parameters for Open.
type Options struct {
	// FS overrides the filesystem, vfs.NewMem() keeps everything in memory.
	FS vfs.FS
	// DisableWAL trades durability for speed, it is only meant for tests.
	DisableWAL bool
}

// Store is the physical storage engine. Every table, toast and index file
// is a key range of one pebble database named by its file node.
type Store struct {
	db *pebble.DB

	encMu    sync.Mutex
	encoders map[int]*zstd.Encoder
	decoder  *zstd.Decoder
}

// Open opens the store in dir.
func Open(dir string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	dbOpts := &pebble.Options{
		FS:         opts.FS,
		DisableWAL: opts.DisableWAL,
	}
	db, err := pebble.Open(dir, dbOpts.EnsureDefaults())
	if err != nil {
		return nil, dbterror.ErrStorageIO.GenWithStackByArgs(err.Error())
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	return &Store{
		db:       db,
		encoders: make(map[int]*zstd.Encoder),
		decoder:  dec,
	}, nil
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return Open("memdb", &Options{FS: vfs.NewMem()})
}

// Close closes the store.
func (s *Store) Close() error {
	s.encMu.Lock()
	var err error
	for _, enc := range s.encoders {
		err = multierr.Append(err, enc.Close())
	}
	s.encoders = nil
	s.encMu.Unlock()
	s.decoder.Close()
	return multierr.Append(err, errors.Trace(s.db.Close()))
}

// Put writes one key of fileNode.
func (s *Store) Put(fileNode uint64, key, value []byte) error {
	err := s.db.Set(tablecodec.EncodeFileKey(fileNode, key), encodeRaw(value), pebble.Sync)
	return wrapIOErr(err)
}

// Delete removes one key of fileNode.
func (s *Store) Delete(fileNode uint64, key []byte) error {
	err := s.db.Delete(tablecodec.EncodeFileKey(fileNode, key), pebble.Sync)
	return wrapIOErr(err)
}

// Get reads one key of fileNode. The returned value is nil when the key
// does not exist.
func (s *Store) Get(fileNode uint64, key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(tablecodec.EncodeFileKey(fileNode, key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, wrapIOErr(err)
	}
	//nolint: errcheck
	defer closer.Close()
	return s.decodeValue(nil, val)
}

// DataExists reports whether fileNode holds at least one key.
func (s *Store) DataExists(fileNode uint64) (bool, error) {
	it, err := s.Scan(fileNode, nil, nil)
	if err != nil {
		return false, err
	}
	exists := it.First()
	return exists, multierr.Append(it.Error(), it.Close())
}

// LastKey returns a copy of the greatest key of fileNode.
func (s *Store) LastKey(fileNode uint64) ([]byte, bool, error) {
	it, err := s.Scan(fileNode, nil, nil)
	if err != nil {
		return nil, false, err
	}
	var last []byte
	ok := it.Last()
	if ok {
		last = bytes.Clone(it.Key())
	}
	return last, ok, multierr.Append(it.Error(), it.Close())
}

// DropFile removes every key and the header of fileNode.
func (s *Store) DropFile(fileNode uint64) error {
	start, end := tablecodec.FileRange(fileNode)
	b := s.db.NewBatch()
	//nolint: errcheck
	defer b.Close()
	if err := b.DeleteRange(start, end, nil); err != nil {
		return wrapIOErr(err)
	}
	if err := b.Delete(tablecodec.EncodeHeaderKey(fileNode), nil); err != nil {
		return wrapIOErr(err)
	}
	return wrapIOErr(b.Commit(pebble.Sync))
}

// Scan returns an iterator over the keys of fileNode in [lower, upper).
// A nil bound is unbounded.
func (s *Store) Scan(fileNode uint64, lower, upper []byte) (*Iterator, error) {
	opts := &pebble.IterOptions{}
	start, end := tablecodec.FileRange(fileNode)
	opts.LowerBound = start
	if lower != nil {
		opts.LowerBound = tablecodec.EncodeFileKey(fileNode, lower)
	}
	opts.UpperBound = end
	if upper != nil {
		opts.UpperBound = tablecodec.EncodeFileKey(fileNode, upper)
	}
	it, err := s.db.NewIter(opts)
	if err != nil {
		return nil, wrapIOErr(err)
	}
	return &Iterator{s: s, fileNode: fileNode, iter: it}, nil
}

// GetMeta reads a catalog key. The returned value is nil when the key does
// not exist.
func (s *Store) GetMeta(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, wrapIOErr(err)
	}
	//nolint: errcheck
	defer closer.Close()
	return s.decodeValue(nil, val)
}

// IterateMeta calls fn on every catalog key in [start, end) in key order.
// The arguments of fn are only valid during the call.
func (s *Store) IterateMeta(start, end []byte, fn func(key, value []byte) error) (err error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return wrapIOErr(err)
	}
	defer func() {
		err = multierr.Append(err, wrapIOErr(it.Close()))
	}()
	var buf []byte
	for ok := it.First(); ok; ok = it.Next() {
		buf, err = s.decodeValue(buf[:0], it.Value())
		if err != nil {
			return err
		}
		if err = fn(it.Key(), buf); err != nil {
			return err
		}
	}
	return wrapIOErr(it.Error())
}

// NewBatch creates a write batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

// Batch collects writes to several files and commits them atomically.
type Batch struct {
	b *pebble.Batch
}

// Put adds a write of one key of fileNode.
func (b *Batch) Put(fileNode uint64, key, value []byte) error {
	return wrapIOErr(b.b.Set(tablecodec.EncodeFileKey(fileNode, key), encodeRaw(value), nil))
}

// Delete adds a removal of one key of fileNode.
func (b *Batch) Delete(fileNode uint64, key []byte) error {
	return wrapIOErr(b.b.Delete(tablecodec.EncodeFileKey(fileNode, key), nil))
}

// PutMeta adds a write of a catalog key.
func (b *Batch) PutMeta(key, value []byte) error {
	return wrapIOErr(b.b.Set(key, encodeRaw(value), nil))
}

// DeleteMeta adds a removal of a catalog key.
func (b *Batch) DeleteMeta(key []byte) error {
	return wrapIOErr(b.b.Delete(key, nil))
}

// Empty reports whether nothing was added to the batch.
func (b *Batch) Empty() bool {
	return b.b.Empty()
}

// Commit applies the batch durably and releases it.
func (b *Batch) Commit() error {
	err := b.b.Commit(pebble.Sync)
	return multierr.Append(wrapIOErr(err), b.b.Close())
}

// Close releases an uncommitted batch.
func (b *Batch) Close() error {
	return b.b.Close()
}

// Iterator iterates the keys of one file. Key and Value are only valid
// until the next positioning call.
type Iterator struct {
	s        *Store
	fileNode uint64
	iter     *pebble.Iterator
	valBuf   []byte
}

// First moves to the first key.
func (it *Iterator) First() bool { return it.iter.First() }

// Last moves to the last key.
func (it *Iterator) Last() bool { return it.iter.Last() }

// Next moves to the next key.
func (it *Iterator) Next() bool { return it.iter.Next() }

// SeekGE moves to the first key >= key.
func (it *Iterator) SeekGE(key []byte) bool {
	return it.iter.SeekGE(tablecodec.EncodeFileKey(it.fileNode, key))
}

// Valid reports whether the iterator is positioned.
func (it *Iterator) Valid() bool { return it.iter.Valid() }

// Key returns the key without the file prefix.
func (it *Iterator) Key() []byte {
	return it.iter.Key()[tablecodec.FilePrefixLen:]
}

// Value returns the decoded value.
func (it *Iterator) Value() ([]byte, error) {
	v, err := it.s.decodeValue(it.valBuf[:0], it.iter.Value())
	if err != nil {
		return nil, err
	}
	it.valBuf = v
	return v, nil
}

// Error returns the accumulated error.
func (it *Iterator) Error() error {
	return wrapIOErr(it.iter.Error())
}

// Close closes the iterator.
func (it *Iterator) Close() error {
	return wrapIOErr(it.iter.Close())
}

func encodeRaw(value []byte) []byte {
	buf := make([]byte, 0, len(value)+1)
	buf = append(buf, valueRaw)
	return append(buf, value...)
}

func (s *Store) encodeValue(dst []byte, value []byte, level int) []byte {
	if level <= 0 {
		dst = append(dst, valueRaw)
		return append(dst, value...)
	}
	dst = append(dst, valueZstd)
	return s.encoder(level).EncodeAll(value, dst)
}

func (s *Store) encoder(level int) *zstd.Encoder {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	enc, ok := s.encoders[level]
	if !ok {
		// NewWriter only fails on invalid options.
		enc, _ = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1))
		s.encoders[level] = enc
	}
	return enc
}

func (s *Store) decodeValue(dst []byte, stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, dbterror.ErrCorruptedData.GenWithStackByArgs("empty stored value")
	}
	switch stored[0] {
	case valueRaw:
		return append(dst, stored[1:]...), nil
	case valueZstd:
		v, err := s.decoder.DecodeAll(stored[1:], dst)
		if err != nil {
			return nil, dbterror.ErrCorruptedData.GenWithStackByArgs(err.Error())
		}
		return v, nil
	}
	return nil, dbterror.ErrCorruptedData.GenWithStackByArgs("unknown value flag")
}

func wrapIOErr(err error) error {
	if err == nil {
		return nil
	}
	return dbterror.ErrStorageIO.GenWithStackByArgs(err.Error())
}
