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
	"testing"

	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/codec"
	"github.com/stretchr/testify/require"
)

func TestFileKey(t *testing.T) {
	key := EncodeFileKey(42, []byte("payload"))
	node, payload, err := DecodeFileKey(key)
	require.NoError(t, err)
	require.Equal(t, uint64(42), node)
	require.Equal(t, []byte("payload"), payload)

	start, end := FileRange(42)
	require.True(t, bytes.Compare(start, key) <= 0)
	require.True(t, bytes.Compare(key, end) < 0)
	other := EncodeFileKey(43, nil)
	require.True(t, bytes.Compare(end, other) <= 0)

	_, _, err = DecodeFileKey([]byte("x"))
	require.Error(t, err)
}

func TestHeaderKey(t *testing.T) {
	key := EncodeHeaderKey(7)
	node, err := DecodeHeaderKey(key)
	require.NoError(t, err)
	require.Equal(t, uint64(7), node)
	start, end := HeaderRange()
	require.True(t, bytes.Compare(start, key) <= 0 && bytes.Compare(key, end) < 0)
}

func TestLocatorOrder(t *testing.T) {
	prev := EncodeLocator(0)
	for _, loc := range []uint64{1, 255, 256, 1 << 40} {
		cur := EncodeLocator(loc)
		require.Negative(t, bytes.Compare(prev, cur))
		got, err := DecodeLocator(cur)
		require.NoError(t, err)
		require.Equal(t, loc, got)
		prev = cur
	}
}

func TestToastKeyOrder(t *testing.T) {
	row := []byte{1, 2, 3}
	prefix := EncodeToastValuePrefix(row, 2)
	k0 := EncodeToastKey(row, 2, 0)
	k1 := EncodeToastKey(row, 2, 1)
	require.True(t, bytes.HasPrefix(k0, prefix))
	require.True(t, bytes.HasPrefix(k1, prefix))
	require.Negative(t, bytes.Compare(k0, k1))
	require.Negative(t, bytes.Compare(k1, EncodeToastKey(row, 3, 0)))
	require.False(t, bytes.HasPrefix(EncodeToastKey([]byte{1, 2, 3, 4}, 2, 0), prefix))
}

func TestIndexKeyOrder(t *testing.T) {
	a := EncodeIndexKey([]byte{1, 2}, []byte{9})
	b := EncodeIndexKey([]byte{1, 2}, []byte{10})
	require.Negative(t, bytes.Compare(a, b))
}

func TestCutIndexKey(t *testing.T) {
	cols, err := codec.EncodeKey(nil, types.NewIntDatum(7), types.NewStringDatum("ab"))
	require.NoError(t, err)
	key := EncodeIndexKey(cols, EncodeLocator(42))

	gotCols, backRef, err := CutIndexKey(key, 2)
	require.NoError(t, err)
	require.Equal(t, cols, gotCols)
	loc, err := DecodeLocator(backRef)
	require.NoError(t, err)
	require.Equal(t, uint64(42), loc)

	_, _, err = CutIndexKey(key, 3)
	require.Error(t, err)
	_, _, err = CutIndexKey(key, 1)
	require.Error(t, err)

	// a NULL last column is not mistaken for the separator
	cols, err = codec.EncodeKey(nil, types.NewIntDatum(7), types.Datum{})
	require.NoError(t, err)
	key = EncodeIndexKey(cols, EncodeLocator(43))
	gotCols, backRef, err = CutIndexKey(key, 2)
	require.NoError(t, err)
	require.Equal(t, cols, gotCols)
	require.Equal(t, EncodeLocator(43), backRef)
	_, _, err = CutIndexKey(key, 1)
	require.Error(t, err)
}

func TestMetaCounterKey(t *testing.T) {
	start, end := TableMetaRange()
	k := EncodeMetaCounterKey("oid")
	// counters never fall into the table entry range
	require.False(t, bytes.Compare(k, start) >= 0 && bytes.Compare(k, end) < 0)
}

func TestUndoKey(t *testing.T) {
	start, end := UndoRange(7)
	for _, k := range [][]byte{EncodeUndoKey(7, 0), EncodeUndoKey(7, 1<<40)} {
		require.True(t, bytes.Compare(k, start) >= 0 && bytes.Compare(k, end) < 0)
	}
	require.False(t, bytes.Compare(EncodeUndoKey(8, 0), end) < 0)
	allStart, allEnd := UndoRange(0)
	require.True(t, bytes.Compare(EncodeUndoKey(8, 0), allStart) >= 0 && bytes.Compare(EncodeUndoKey(8, 0), allEnd) < 0)
	require.Negative(t, bytes.Compare(EncodeUndoKey(7, 1), EncodeUndoKey(7, 2)))
}
