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
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/codec"
)

// External describes a column whose value lives in the large-value side store.
type External struct {
	Col    int
	Kind   byte
	Length int
}

// Encode appends the row value to buf. Columns with ext[i] set are written
// as an external reference that only records the value length; ext may be nil.
func Encode(buf []byte, row []types.Datum, ext []bool) ([]byte, error) {
	buf = append(buf, CodecVer)
	buf = codec.EncodeUvarint(buf, uint64(len(row)))
	for i := range row {
		d := &row[i]
		external := ext != nil && ext[i] && !d.IsNull()
		switch d.Kind() {
		case types.KindNull:
			buf = append(buf, NilFlag)
		case types.KindInt64:
			buf = append(buf, IntFlag)
			buf = codec.EncodeVarint(buf, d.GetInt64())
		case types.KindString, types.KindBytes:
			if external {
				buf = append(buf, externalFlag(d.Kind()))
				buf = codec.EncodeUvarint(buf, uint64(len(d.GetBytes())))
				continue
			}
			buf = append(buf, inlineFlag(d.Kind()))
			buf = codec.EncodeCompactBytes(buf, d.GetBytes())
		default:
			return nil, errors.Errorf("unsupported datum kind %d", d.Kind())
		}
	}
	return buf, nil
}

// Decode decodes a row value produced by Encode. External columns are
// returned as empty datums of the right kind and listed in the second result.
func Decode(b []byte) ([]types.Datum, []External, error) {
	if len(b) == 0 || b[0] != CodecVer {
		return nil, nil, errInvalidCodecVer
	}
	b, n, err := codec.DecodeUvarint(b[1:])
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	row := make([]types.Datum, n)
	var exts []External
	for i := range row {
		if len(b) == 0 {
			return nil, nil, errors.New("insufficient bytes to decode row")
		}
		flag := b[0]
		b = b[1:]
		switch flag {
		case NilFlag:
		case IntFlag:
			var v int64
			b, v, err = codec.DecodeVarint(b)
			row[i] = types.NewIntDatum(v)
		case StringFlag, BytesFlag:
			var v []byte
			b, v, err = codec.DecodeCompactBytes(b)
			row[i].SetBytesKind(flagKind(flag), v)
		case ExternalStringFlag, ExternalBytesFlag:
			var l uint64
			b, l, err = codec.DecodeUvarint(b)
			row[i].SetBytesKind(flagKind(flag), nil)
			exts = append(exts, External{Col: i, Kind: flagKind(flag), Length: int(l)})
		default:
			return nil, nil, errors.Errorf("invalid column flag %d", flag)
		}
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
	}
	return row, exts, nil
}

func inlineFlag(kind byte) byte {
	if kind == types.KindString {
		return StringFlag
	}
	return BytesFlag
}

func externalFlag(kind byte) byte {
	if kind == types.KindString {
		return ExternalStringFlag
	}
	return ExternalBytesFlag
}

func flagKind(flag byte) byte {
	switch flag {
	case StringFlag, ExternalStringFlag:
		return types.KindString
	default:
		return types.KindBytes
	}
}
