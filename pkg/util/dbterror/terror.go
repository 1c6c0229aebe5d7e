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

package dbterror

import (
	"fmt"
	"strconv"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/errno"
)

// ErrClass represents a class of errors.
type ErrClass int

// Error classes.
const (
	ClassDDL ErrClass = iota + 1
	ClassStorage
	ClassSort
	ClassCatalog
	ClassConfig
)

// String implements fmt.Stringer interface.
func (ec ErrClass) String() string {
	switch ec {
	case ClassDDL:
		return "ddl"
	case ClassStorage:
		return "storage"
	case ClassSort:
		return "sort"
	case ClassCatalog:
		return "catalog"
	case ClassConfig:
		return "config"
	}
	return strconv.Itoa(int(ec))
}

// NewStd creates a normalized error whose message comes from errno.ErrMessages.
func (ec ErrClass) NewStd(code int) *errors.Error {
	msg, ok := errno.ErrMessages[code]
	if !ok {
		msg = "unknown error"
	}
	return errors.Normalize(msg,
		errors.RFCCodeText(fmt.Sprintf("%s:%d", ec, code)),
		errors.MySQLErrorCode(code),
	)
}

// Kind groups errors by how a caller is expected to react to them.
type Kind int

// Error kinds.
const (
	KindInternal Kind = iota
	// KindConfiguration is raised before any work starts.
	KindConfiguration
	// KindResourceExhaustion is recovered locally by degrading to serial.
	KindResourceExhaustion
	// KindData aborts the build and names the offending index.
	KindData
	// KindNotFound is raised for missing tables or indexes.
	KindNotFound
	// KindIO is fatal for reads and aborts the build for writes.
	KindIO
)

// String implements fmt.Stringer interface.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindResourceExhaustion:
		return "resource-exhaustion"
	case KindData:
		return "data"
	case KindNotFound:
		return "not-found"
	case KindIO:
		return "io"
	}
	return "internal"
}

var kindTable = []struct {
	err  *errors.Error
	kind Kind
}{
	{ErrUnsupportedIndex, KindConfiguration},
	{ErrTooManyKeyColumns, KindConfiguration},
	{ErrPrimaryExists, KindConfiguration},
	{ErrNullablePrimaryColumn, KindConfiguration},
	{ErrFieldNotFound, KindConfiguration},
	{ErrInvalidConfig, KindConfiguration},
	{ErrRegionExhausted, KindResourceExhaustion},
	{ErrPoolOverload, KindResourceExhaustion},
	{ErrTupleTooLarge, KindData},
	{ErrDuplicateKey, KindData},
	{ErrDescriptorTooBig, KindData},
	{ErrCorruptedData, KindData},
	{ErrTableNotExists, KindNotFound},
	{ErrIndexNotExists, KindNotFound},
	{ErrStorageIO, KindIO},
}

// KindOf classifies err. Errors outside the taxonomy are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, e := range kindTable {
		if e.err.Equal(err) {
			return e.kind
		}
	}
	return KindInternal
}
