// Copyright 2016 PingCAP, Inc.
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

package tablecodec

import (
	"bytes"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/util/codec"
)

var (
	filePrefix    = []byte{'f'}
	recordSep     = []byte("_r")
	headerPrefix  = []byte{'h'}
	metaPrefix    = []byte{'m'}
	tableMetaSep  = []byte("_t")
	counterSep    = []byte("_c")
	undoSep       = []byte("_u")
	// no codec flag uses this byte
	indexValueSep = byte('_')
)

const (
	idLen = 8
	// FilePrefixLen is the length of 'f{fileNode}_r'.
	FilePrefixLen = 1 + idLen + 2
	// LocatorLen is the length of an encoded row locator.
	LocatorLen = idLen
)

// EncodeFilePrefix returns the common prefix of every key stored in fileNode.
func EncodeFilePrefix(fileNode uint64) []byte {
	buf := make([]byte, 0, FilePrefixLen)
	buf = append(buf, filePrefix...)
	buf = codec.EncodeUint(buf, fileNode)
	buf = append(buf, recordSep...)
	return buf
}

// EncodeFileKey encodes a key of fileNode.
func EncodeFileKey(fileNode uint64, payload []byte) []byte {
	buf := make([]byte, 0, FilePrefixLen+len(payload))
	buf = append(buf, filePrefix...)
	buf = codec.EncodeUint(buf, fileNode)
	buf = append(buf, recordSep...)
	return append(buf, payload...)
}

// DecodeFileKey splits a key produced by EncodeFileKey.
func DecodeFileKey(key []byte) (fileNode uint64, payload []byte, err error) {
	if len(key) < FilePrefixLen || !bytes.HasPrefix(key, filePrefix) {
		return 0, nil, errors.Errorf("invalid file key - %q", key)
	}
	_, fileNode, err = codec.DecodeUint(key[len(filePrefix):])
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	if !bytes.Equal(key[1+idLen:FilePrefixLen], recordSep) {
		return 0, nil, errors.Errorf("invalid file key - %q", key)
	}
	return fileNode, key[FilePrefixLen:], nil
}

// FileRange returns the [start, end) key range that covers fileNode.
func FileRange(fileNode uint64) (start, end []byte) {
	start = EncodeFilePrefix(fileNode)
	return start, codec.PrefixNext(start)
}

// EncodeHeaderKey encodes the key of the file header of fileNode.
func EncodeHeaderKey(fileNode uint64) []byte {
	buf := make([]byte, 0, 1+idLen)
	buf = append(buf, headerPrefix...)
	return codec.EncodeUint(buf, fileNode)
}

// HeaderRange returns the key range of all file headers.
func HeaderRange() (start, end []byte) {
	return headerPrefix, codec.PrefixNext(headerPrefix)
}

// DecodeHeaderKey decodes the file node of a header key.
func DecodeHeaderKey(key []byte) (uint64, error) {
	if len(key) != 1+idLen || !bytes.HasPrefix(key, headerPrefix) {
		return 0, errors.Errorf("invalid header key - %q", key)
	}
	_, fileNode, err := codec.DecodeUint(key[1:])
	return fileNode, errors.Trace(err)
}

// EncodeTableMetaKey encodes the catalog key of a table identity.
func EncodeTableMetaKey(datOID, relOID, relNode uint64) []byte {
	buf := make([]byte, 0, 1+2+3*idLen)
	buf = append(buf, metaPrefix...)
	buf = append(buf, tableMetaSep...)
	buf = codec.EncodeUint(buf, datOID)
	buf = codec.EncodeUint(buf, relOID)
	return codec.EncodeUint(buf, relNode)
}

// TableMetaRange returns the key range of every catalog table entry.
func TableMetaRange() (start, end []byte) {
	start = append(append([]byte{}, metaPrefix...), tableMetaSep...)
	return start, codec.PrefixNext(start)
}

// EncodeMetaCounterKey encodes the catalog key of a named counter.
func EncodeMetaCounterKey(name string) []byte {
	buf := make([]byte, 0, 1+2+len(name))
	buf = append(buf, metaPrefix...)
	buf = append(buf, counterSep...)
	return append(buf, name...)
}

// EncodeUndoKey encodes the key of the seq-th undo record of a transaction.
func EncodeUndoKey(txnID, seq uint64) []byte {
	buf := make([]byte, 0, 1+2+2*idLen)
	buf = append(buf, metaPrefix...)
	buf = append(buf, undoSep...)
	buf = codec.EncodeUint(buf, txnID)
	return codec.EncodeUint(buf, seq)
}

// UndoRange returns the key range of the undo records of txnID, or of every
// transaction when txnID is 0.
func UndoRange(txnID uint64) (start, end []byte) {
	start = append(append([]byte{}, metaPrefix...), undoSep...)
	if txnID != 0 {
		start = codec.EncodeUint(start, txnID)
	}
	return start, codec.PrefixNext(start)
}

// EncodeLocator encodes a row locator. Locators sort in numeric order.
func EncodeLocator(loc uint64) []byte {
	return codec.EncodeUint(make([]byte, 0, LocatorLen), loc)
}

// DecodeLocator decodes a locator encoded by EncodeLocator.
func DecodeLocator(b []byte) (uint64, error) {
	if len(b) != LocatorLen {
		return 0, errors.Errorf("invalid locator - %q", b)
	}
	_, loc, err := codec.DecodeUint(b)
	return loc, errors.Trace(err)
}

// EncodeToastKey encodes the side store key of one chunk of a large column.
// The chunks of a value are contiguous and ordered by chunk number.
func EncodeToastKey(rowKey []byte, col int, chunk int) []byte {
	buf := make([]byte, 0, codec.EncodedBytesLength(len(rowKey))+2*idLen)
	buf = codec.EncodeBytes(buf, rowKey)
	buf = codec.EncodeUint(buf, uint64(col))
	return codec.EncodeUint(buf, uint64(chunk))
}

// EncodeToastValuePrefix encodes the prefix shared by every chunk of a column.
func EncodeToastValuePrefix(rowKey []byte, col int) []byte {
	buf := make([]byte, 0, codec.EncodedBytesLength(len(rowKey))+idLen)
	buf = codec.EncodeBytes(buf, rowKey)
	return codec.EncodeUint(buf, uint64(col))
}

// EncodeIndexKey joins index key columns with the back-reference to the
// primary row. The separator keeps the result ordered by key columns first.
func EncodeIndexKey(key, backRef []byte) []byte {
	buf := make([]byte, 0, len(key)+1+len(backRef))
	buf = append(buf, key...)
	buf = append(buf, indexValueSep)
	return append(buf, backRef...)
}

// CutIndexKey splits an index key built by EncodeIndexKey from a key of
// nKeyCols encoded columns into the column part and the back-reference.
func CutIndexKey(key []byte, nKeyCols int) (cols, backRef []byte, err error) {
	b := key
	for range nKeyCols {
		b, _, err = codec.DecodeOne(b)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
	}
	if len(b) == 0 || b[0] != indexValueSep {
		return nil, nil, errors.Errorf("invalid index key - %q", key)
	}
	colsLen := len(key) - len(b)
	return key[:colsLen:colsLen], b[1:], nil
}
