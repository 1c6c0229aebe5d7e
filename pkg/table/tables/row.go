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
	"encoding/binary"
	"fmt"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/storage"
	"github.com/relstore/idxbuild/pkg/table"
	"github.com/relstore/idxbuild/pkg/tablecodec"
	"github.com/relstore/idxbuild/pkg/txn"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/codec"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/relstore/idxbuild/pkg/util/rowcodec"
	"go.uber.org/multierr"
)

// rowHeaderLen is the length of the visibility header of a row value:
// creating CSN then deleting CSN, both big endian.
const rowHeaderLen = 16

// EncodeRowValue appends the stored form of a row to buf. Columns with
// ext[i] set are stored in the toast file.
func EncodeRowValue(buf []byte, xmin, xmax txn.CSN, row []types.Datum, ext []bool) ([]byte, error) {
	buf = binary.BigEndian.AppendUint64(buf, uint64(xmin))
	buf = binary.BigEndian.AppendUint64(buf, uint64(xmax))
	buf, err := rowcodec.Encode(buf, row, ext)
	return buf, errors.Trace(err)
}

// DecodeRowHeader decodes the visibility header of a stored row.
func DecodeRowHeader(b []byte) (xmin, xmax txn.CSN, err error) {
	if len(b) < rowHeaderLen {
		return 0, 0, dbterror.ErrCorruptedData.GenWithStackByArgs("row value too short")
	}
	return txn.CSN(binary.BigEndian.Uint64(b)), txn.CSN(binary.BigEndian.Uint64(b[8:])), nil
}

// DecodeRowValue decodes a stored row. Toasted columns are returned empty
// and listed in exts, see Detoast.
func DecodeRowValue(b []byte) (xmin, xmax txn.CSN, row []types.Datum, exts []rowcodec.External, err error) {
	xmin, xmax, err = DecodeRowHeader(b)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	row, exts, err = rowcodec.Decode(b[rowHeaderLen:])
	if err != nil {
		return 0, 0, nil, nil, dbterror.ErrCorruptedData.GenWithStackByArgs(err.Error())
	}
	return xmin, xmax, row, exts, nil
}

// setRowXmax rewrites the deleting CSN of a stored row in place.
func setRowXmax(b []byte, xmax txn.CSN) {
	binary.BigEndian.PutUint64(b[8:rowHeaderLen], uint64(xmax))
}

// RowKey returns the key of row in the primary file of d. locator is only
// used by tables without a primary key.
func RowKey(d *table.Descr, row []types.Datum, locator uint64) ([]byte, error) {
	if d.LocatorKeyed() {
		return tablecodec.EncodeLocator(locator), nil
	}
	pk := d.Indices[0]
	vals := make([]types.Datum, len(pk.KeyCols))
	for i, c := range pk.KeyCols {
		vals[i] = row[c]
	}
	key, err := codec.EncodeKey(nil, vals...)
	return key, errors.Trace(err)
}

// ToastChunk is one stored piece of a toasted value.
type ToastChunk struct {
	Key   []byte
	Value []byte
}

// SplitToast picks the values of row stored out of line and cuts them into
// chunks keyed under rowKey. ext is nil when nothing is toasted.
func SplitToast(opts table.ToastOptions, rowKey []byte, row []types.Datum) (ext []bool, chunks []ToastChunk) {
	if opts.Threshold <= 0 || opts.ChunkSize <= 0 {
		return nil, nil
	}
	for i := range row {
		d := &row[i]
		if d.Kind() != types.KindString && d.Kind() != types.KindBytes {
			continue
		}
		v := d.GetBytes()
		if len(v) <= opts.Threshold {
			continue
		}
		if ext == nil {
			ext = make([]bool, len(row))
		}
		ext[i] = true
		for n, off := 0, 0; off < len(v); n, off = n+1, off+opts.ChunkSize {
			end := min(off+opts.ChunkSize, len(v))
			chunks = append(chunks, ToastChunk{
				Key:   tablecodec.EncodeToastKey(rowKey, i, n),
				Value: v[off:end],
			})
		}
	}
	return ext, chunks
}

// Detoast reads the toasted columns listed in exts back into row.
func Detoast(store *storage.Store, toastFileNode uint64, rowKey []byte, row []types.Datum, exts []rowcodec.External) error {
	for _, ext := range exts {
		if toastFileNode == 0 {
			return dbterror.ErrCorruptedData.GenWithStackByArgs("toasted value without toast file")
		}
		v, err := readToastValue(store, toastFileNode, rowKey, ext)
		if err != nil {
			return err
		}
		row[ext.Col].SetBytesKind(ext.Kind, v)
	}
	return nil
}

func readToastValue(store *storage.Store, toastFileNode uint64, rowKey []byte, ext rowcodec.External) (_ []byte, err error) {
	lower := tablecodec.EncodeToastValuePrefix(rowKey, ext.Col)
	it, err := store.Scan(toastFileNode, lower, codec.PrefixNext(lower))
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, it.Close())
	}()
	v := make([]byte, 0, ext.Length)
	for ok := it.First(); ok; ok = it.Next() {
		chunk, err := it.Value()
		if err != nil {
			return nil, err
		}
		v = append(v, chunk...)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if len(v) != ext.Length {
		return nil, dbterror.ErrCorruptedData.GenWithStackByArgs(
			fmt.Sprintf("toasted column %d has %d bytes, expected %d", ext.Col, len(v), ext.Length))
	}
	return v, nil
}
