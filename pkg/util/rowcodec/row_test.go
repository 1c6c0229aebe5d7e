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

package rowcodec

import (
	"strings"
	"testing"

	"github.com/relstore/idxbuild/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRow(t *testing.T) {
	row := types.MakeDatums(int64(42), "hello", nil, []byte{0, 1, 2}, int64(-7))
	b, err := Encode(nil, row, nil)
	require.NoError(t, err)
	got, exts, err := Decode(b)
	require.NoError(t, err)
	require.Empty(t, exts)
	require.Len(t, got, len(row))
	for i := range row {
		require.Equal(t, 0, row[i].Compare(&got[i]), "col %d", i)
		require.Equal(t, row[i].Kind(), got[i].Kind(), "col %d", i)
	}
}

func TestExternalColumns(t *testing.T) {
	big := strings.Repeat("x", 5000)
	row := types.MakeDatums(int64(1), big, nil)
	b, err := Encode(nil, row, []bool{false, true, true})
	require.NoError(t, err)
	require.Less(t, len(b), 32)

	got, exts, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, []External{{Col: 1, Kind: types.KindString, Length: 5000}}, exts)
	require.Equal(t, types.KindString, got[1].Kind())
	require.True(t, got[2].IsNull())
}

func TestDecodeCorrupted(t *testing.T) {
	_, _, err := Decode(nil)
	require.Error(t, err)
	_, _, err = Decode([]byte{CodecVer, 2, IntFlag})
	require.Error(t, err)
	_, _, err = Decode([]byte{CodecVer, 1, 99})
	require.Error(t, err)
}
