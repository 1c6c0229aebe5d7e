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

package model

import (
	"encoding/json"
	"strings"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/types"
)

// FieldInfo provides meta data describing a table column.
type FieldInfo struct {
	Name      string          `json:"name"`
	Offset    int             `json:"offset"`
	FieldType types.FieldType `json:"type"`
}

// TableInfo provides meta data describing a table and its ordered index set.
// A primary index, when present, is always Indices[0].
type TableInfo struct {
	OIDs    RelOIDs      `json:"oids"`
	Name    string       `json:"name"`
	Fields  []*FieldInfo `json:"fields"`
	Indices []*IndexInfo `json:"indices"`

	HasPrimary bool `json:"has_primary"`
	// PrimaryInitNFields is the field count the primary tree was created
	// with. Without a primary key it includes the locator column.
	PrimaryInitNFields int `json:"primary_init_nfields"`

	PrimaryCompress int `json:"primary_compress"`
	DefaultCompress int `json:"default_compress"`
	ToastCompress   int `json:"toast_compress"`

	ToastFileNode uint64 `json:"toast_file_node"`
	RowCount      int64  `json:"row_count"`
}

// Clone clones TableInfo.
func (t *TableInfo) Clone() *TableInfo {
	nt := *t
	nt.Fields = make([]*FieldInfo, len(t.Fields))
	for i, f := range t.Fields {
		nf := *f
		nt.Fields[i] = &nf
	}
	nt.Indices = make([]*IndexInfo, len(t.Indices))
	for i, idx := range t.Indices {
		nt.Indices[i] = idx.Clone()
	}
	return &nt
}

// Serialize encodes the table info into its wire form.
func (t *TableInfo) Serialize() ([]byte, error) {
	b, err := json.Marshal(t)
	return b, errors.Trace(err)
}

// DeserializeTableInfo decodes a table info from its wire form.
func DeserializeTableInfo(b []byte) (*TableInfo, error) {
	t := &TableInfo{}
	if err := json.Unmarshal(b, t); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// PrimaryFileNode returns the file holding the table's rows.
func (t *TableInfo) PrimaryFileNode() uint64 {
	if t.HasPrimary {
		return t.Indices[0].OIDs.RelNode
	}
	return t.OIDs.RelNode
}

// Primary returns the primary index or nil.
func (t *TableInfo) Primary() *IndexInfo {
	if t.HasPrimary {
		return t.Indices[0]
	}
	return nil
}

// FindField returns the offset of the field called name.
func (t *TableInfo) FindField(name string) (int, bool) {
	for _, f := range t.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Offset, true
		}
	}
	return -1, false
}

// FindIndexByName returns the position of the index called name.
func (t *TableInfo) FindIndexByName(name string) (int, bool) {
	for i, idx := range t.Indices {
		if strings.EqualFold(idx.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// FileNodes returns every physical file of the table: the table file, the
// toast file and one file per index.
func (t *TableInfo) FileNodes() []uint64 {
	nodes := []uint64{t.OIDs.RelNode}
	if t.ToastFileNode != 0 {
		nodes = append(nodes, t.ToastFileNode)
	}
	for _, idx := range t.Indices {
		nodes = append(nodes, idx.OIDs.RelNode)
	}
	return nodes
}

// BackRefColumns returns the columns a secondary index carries to reach its
// row. Without a primary key the locator is used instead and nil is returned.
func (t *TableInfo) BackRefColumns() []int {
	if !t.HasPrimary {
		return nil
	}
	return t.Indices[0].KeyColumns()
}
