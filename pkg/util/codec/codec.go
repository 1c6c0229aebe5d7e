// Copyright 2015 PingCAP, Inc.
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

package codec

import (
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/types"
)

// First byte in the encoded value which specifies the encoding type.
const (
	NilFlag          byte = 0
	bytesFlag        byte = 1
	compactBytesFlag byte = 2
	intFlag          byte = 3
	maxFlag          byte = 250
)

// EncodeKey appends the encoded values to byte slice b, returns the appended
// slice. It guarantees the encoded value is in ascending order for comparison.
// String and bytes datums share the same encoding, so a decoded key column
// always comes back as a bytes datum.
func EncodeKey(b []byte, v ...types.Datum) ([]byte, error) {
	for i := range v {
		switch v[i].Kind() {
		case types.KindNull:
			b = append(b, NilFlag)
		case types.KindInt64:
			b = append(b, intFlag)
			b = EncodeInt(b, v[i].GetInt64())
		case types.KindString, types.KindBytes:
			b = append(b, bytesFlag)
			b = EncodeBytes(b, v[i].GetBytes())
		default:
			return b, errors.Errorf("unsupport encode type %d", v[i].Kind())
		}
	}
	return b, nil
}

// EstimateKeySize returns the upper bound of EncodeKey's output for v.
func EstimateKeySize(v ...types.Datum) int {
	size := 0
	for i := range v {
		size++
		switch v[i].Kind() {
		case types.KindInt64:
			size += 8
		case types.KindString, types.KindBytes:
			size += EncodedBytesLength(len(v[i].GetBytes()))
		}
	}
	return size
}

// DecodeOne decodes on datum from a byte slice generated with EncodeKey.
func DecodeOne(b []byte) (remain []byte, d types.Datum, err error) {
	if len(b) < 1 {
		return nil, d, errors.New("invalid encoded key")
	}
	flag := b[0]
	b = b[1:]
	switch flag {
	case NilFlag:
	case intFlag:
		var v int64
		b, v, err = DecodeInt(b)
		d = types.NewIntDatum(v)
	case bytesFlag:
		var v []byte
		b, v, err = DecodeBytes(b, nil)
		d = types.NewBytesDatum(v)
	case compactBytesFlag:
		var v []byte
		b, v, err = DecodeCompactBytes(b)
		d = types.NewBytesDatum(v)
	default:
		return b, d, errors.Errorf("invalid encoded key flag %v", flag)
	}
	if err != nil {
		return b, d, errors.Trace(err)
	}
	return b, d, nil
}

// Decode decodes values from a byte slice generated with EncodeKey.
// size is the size of decoded datum slice.
func Decode(b []byte, size int) ([]types.Datum, error) {
	if len(b) < 1 {
		return nil, errors.New("invalid encoded key")
	}

	var (
		err    error
		values = make([]types.Datum, 0, size)
	)

	for len(b) > 0 {
		var d types.Datum
		b, d, err = DecodeOne(b)
		if err != nil {
			return nil, errors.Trace(err)
		}

		values = append(values, d)
	}

	return values, nil
}

// PrefixNext returns the next prefix key.
//
// Assume there are keys like:
//
//	rowkey1
//	rowkey1_column1
//	rowkey1_column2
//	rowKey2
//
// If we seek 'rowkey1' PrefixNext, we will get 'rowkey2' instead of 'rowkey1_column1'.
func PrefixNext(k []byte) []byte {
	buf := make([]byte, len(k))
	copy(buf, k)
	var i int
	for i = len(k) - 1; i >= 0; i-- {
		buf[i]++
		if buf[i] != 0 {
			break
		}
	}
	if i == -1 {
		copy(buf, k)
		buf = append(buf, 0)
	}
	return buf
}
