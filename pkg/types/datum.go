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

package types

import (
	"bytes"
	"cmp"
	"fmt"
	"strconv"
)

// Kind constants.
const (
	KindNull   byte = 0
	KindInt64  byte = 1
	KindString byte = 2
	KindBytes  byte = 3
)

// Datum is a data box holds different kind of data.
// It has better performance and is easier to use than `interface{}`.
type Datum struct {
	k byte
	i int64
	b []byte
}

// NewIntDatum creates a new Datum from an int64 value.
func NewIntDatum(i int64) Datum {
	return Datum{k: KindInt64, i: i}
}

// NewStringDatum creates a new Datum from a string.
func NewStringDatum(s string) Datum {
	return Datum{k: KindString, b: []byte(s)}
}

// NewBytesDatum creates a new Datum from a byte slice.
func NewBytesDatum(b []byte) Datum {
	return Datum{k: KindBytes, b: b}
}

// NewDatum creates a new Datum from an interface{}.
func NewDatum(in any) Datum {
	switch x := in.(type) {
	case nil:
		return Datum{}
	case int:
		return NewIntDatum(int64(x))
	case int64:
		return NewIntDatum(x)
	case string:
		return NewStringDatum(x)
	case []byte:
		return NewBytesDatum(x)
	default:
		panic(fmt.Sprintf("unsupported datum type %T", in))
	}
}

// MakeDatums creates datum slice from interfaces.
func MakeDatums(args ...any) []Datum {
	datums := make([]Datum, 0, len(args))
	for _, v := range args {
		datums = append(datums, NewDatum(v))
	}
	return datums
}

// Kind gets the kind of the datum.
func (d *Datum) Kind() byte { return d.k }

// IsNull checks if datum is null.
func (d *Datum) IsNull() bool { return d.k == KindNull }

// GetInt64 gets int64 value.
func (d *Datum) GetInt64() int64 { return d.i }

// GetString gets string value.
func (d *Datum) GetString() string { return string(d.b) }

// GetBytes gets bytes value.
func (d *Datum) GetBytes() []byte { return d.b }

// SetNull sets datum to nil.
func (d *Datum) SetNull() {
	d.k = KindNull
	d.b = nil
}

// SetBytesKind keeps the kind of an externally stored value and replaces
// its payload.
func (d *Datum) SetBytesKind(kind byte, b []byte) {
	d.k = kind
	d.b = b
}

// Compare compares datum to another datum. Null sorts first, then ints,
// then strings and bytes by their raw value.
func (d *Datum) Compare(ad *Datum) int {
	if d.k != ad.k {
		if d.k == KindNull || ad.k == KindNull || d.k == KindInt64 || ad.k == KindInt64 {
			return cmp.Compare(d.k, ad.k)
		}
	}
	switch d.k {
	case KindNull:
		return 0
	case KindInt64:
		return cmp.Compare(d.i, ad.i)
	default:
		return bytes.Compare(d.b, ad.b)
	}
}

// Clone create a deep copy of the Datum.
func (d *Datum) Clone() *Datum {
	ret := new(Datum)
	d.Copy(ret)
	return ret
}

// Copy deep copies a Datum into destination.
func (d *Datum) Copy(dst *Datum) {
	*dst = *d
	if d.b != nil {
		dst.b = append([]byte(nil), d.b...)
	}
}

// String returns a human-readable description of Datum. It is intended only for debugging.
func (d Datum) String() string {
	switch d.k {
	case KindNull:
		return "NULL"
	case KindInt64:
		return strconv.FormatInt(d.i, 10)
	case KindString:
		return strconv.Quote(string(d.b))
	default:
		return fmt.Sprintf("%x", d.b)
	}
}

// EncodedSize estimates the in-row size of the datum.
func (d *Datum) EncodedSize() int {
	switch d.k {
	case KindNull:
		return 0
	case KindInt64:
		return 8
	default:
		return len(d.b)
	}
}
