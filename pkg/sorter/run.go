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

package sorter

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"go.uber.org/multierr"
)

var (
	// default read buf size of a spilled run.
	defaultReadBufferSize = 64 * units.KiB
	// default write buf size of a spilled run.
	defaultWriteBufferSize = 256 * units.KiB
)

type keyValue struct {
	key   []byte
	value []byte
}

// run is one sorted sequence of key/value pairs.
type run interface {
	open() (runReader, error)
	// release removes the resources of the run, it is idempotent.
	release() error
}

type runReader interface {
	// next returns nil key at the end of the run.
	next() (key, value []byte, err error)
	close() error
}

// memRun is a sorted run that never left memory.
type memRun struct {
	kvs []keyValue
}

func (r *memRun) open() (runReader, error) {
	return &memRunReader{kvs: r.kvs}, nil
}

func (r *memRun) release() error {
	r.kvs = nil
	return nil
}

type memRunReader struct {
	kvs []keyValue
	pos int
}

func (r *memRunReader) next() ([]byte, []byte, error) {
	if r.pos >= len(r.kvs) {
		return nil, nil, nil
	}
	kv := r.kvs[r.pos]
	r.pos++
	return kv.key, kv.value, nil
}

func (*memRunReader) close() error { return nil }

// fileRun is a sorted run spilled into a snappy compressed file. Each record
// is [8 byte key length][8 byte value length][key][value], big endian.
type fileRun struct {
	path  string
	count int
	size  int64
}

func newRunFileName(dir string) string {
	return filepath.Join(dir, "idxbuild-sort-"+uuid.New().String()+".run")
}

// spill writes kvs, which must be sorted, into a new file under dir.
func spill(dir string, kvs []keyValue) (_ *fileRun, err error) {
	r := &fileRun{path: newRunFileName(dir), count: len(kvs)}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, dbterror.ErrStorageIO.GenWithStackByArgs(err.Error())
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(r.path)
		}
	}()
	bw := bufio.NewWriterSize(f, defaultWriteBufferSize)
	sw := snappy.NewBufferedWriter(bw)
	var lenBuf [16]byte
	for _, kv := range kvs {
		binary.BigEndian.PutUint64(lenBuf[:8], uint64(len(kv.key)))
		binary.BigEndian.PutUint64(lenBuf[8:], uint64(len(kv.value)))
		if _, err = sw.Write(lenBuf[:]); err != nil {
			return nil, errors.Trace(err)
		}
		if _, err = sw.Write(kv.key); err != nil {
			return nil, errors.Trace(err)
		}
		if _, err = sw.Write(kv.value); err != nil {
			return nil, errors.Trace(err)
		}
		r.size += int64(len(lenBuf) + len(kv.key) + len(kv.value))
	}
	if err = sw.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	if err = bw.Flush(); err != nil {
		return nil, errors.Trace(err)
	}
	if err = f.Close(); err != nil {
		return nil, dbterror.ErrStorageIO.GenWithStackByArgs(err.Error())
	}
	return r, nil
}

func (r *fileRun) open() (runReader, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, dbterror.ErrStorageIO.GenWithStackByArgs(err.Error())
	}
	return &fileRunReader{
		f:  f,
		sr: snappy.NewReader(bufio.NewReaderSize(f, defaultReadBufferSize)),
	}, nil
}

func (r *fileRun) release() error {
	err := os.Remove(r.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

type fileRunReader struct {
	f   *os.File
	sr  *snappy.Reader
	buf []byte
}

func (r *fileRunReader) next() (key, value []byte, err error) {
	var lenBuf [16]byte
	if _, err = io.ReadFull(r.sr, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil, nil
		}
		return nil, nil, noEOF(err)
	}
	keyLen := int(binary.BigEndian.Uint64(lenBuf[:8]))
	valLen := int(binary.BigEndian.Uint64(lenBuf[8:]))
	// a fresh buffer per record, the merger hands keys to the caller
	r.buf = make([]byte, keyLen+valLen)
	if _, err = io.ReadFull(r.sr, r.buf); err != nil {
		return nil, nil, noEOF(err)
	}
	return r.buf[:keyLen:keyLen], r.buf[keyLen:], nil
}

func (r *fileRunReader) close() error {
	return errors.Trace(r.f.Close())
}

// noEOF converts the EOF error to io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return dbterror.ErrCorruptedData.GenWithStackByArgs(io.ErrUnexpectedEOF.Error())
	}
	return errors.Trace(err)
}

func releaseRuns(runs []run) error {
	var err error
	for _, r := range runs {
		err = multierr.Append(err, r.release())
	}
	return err
}
