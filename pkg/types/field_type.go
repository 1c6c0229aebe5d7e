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

// FieldType records the storage type of a column.
type FieldType struct {
	Tp      byte `json:"tp"`
	NotNull bool `json:"not_null"`
}

// NewFieldType returns a FieldType of the given datum kind.
func NewFieldType(tp byte) *FieldType {
	return &FieldType{Tp: tp}
}

// SetNotNull marks the column NOT NULL and returns the receiver.
func (ft *FieldType) SetNotNull() *FieldType {
	ft.NotNull = true
	return ft
}

// Accepts reports whether d may be stored in a column of this type.
func (ft *FieldType) Accepts(d Datum) bool {
	if d.IsNull() {
		return !ft.NotNull
	}
	return d.Kind() == ft.Tp
}

// IsVarLen reports whether values of the type may be stored out of line.
func (ft *FieldType) IsVarLen() bool {
	return ft.Tp == KindString || ft.Tp == KindBytes
}
