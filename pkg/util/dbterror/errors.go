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
	"github.com/relstore/idxbuild/pkg/errno"
)

// error definitions.
var (
	ErrUnsupportedIndex      = ClassDDL.NewStd(errno.ErrUnsupportedIndex)
	ErrTooManyKeyColumns     = ClassDDL.NewStd(errno.ErrTooManyKeyColumns)
	ErrPrimaryExists         = ClassDDL.NewStd(errno.ErrPrimaryExists)
	ErrNullablePrimaryColumn = ClassDDL.NewStd(errno.ErrNullablePrimaryColumn)
	ErrFieldNotFound         = ClassDDL.NewStd(errno.ErrFieldNotFound)
	ErrInvalidConfig         = ClassConfig.NewStd(errno.ErrInvalidConfig)

	ErrRegionExhausted = ClassDDL.NewStd(errno.ErrRegionExhausted)
	ErrPoolOverload    = ClassDDL.NewStd(errno.ErrPoolOverload)

	ErrTupleTooLarge    = ClassDDL.NewStd(errno.ErrTupleTooLarge)
	ErrDuplicateKey     = ClassDDL.NewStd(errno.ErrDuplicateKey)
	ErrDescriptorTooBig = ClassDDL.NewStd(errno.ErrDescriptorTooBig)
	ErrCorruptedData    = ClassStorage.NewStd(errno.ErrCorruptedData)

	ErrTableNotExists = ClassCatalog.NewStd(errno.ErrTableNotExists)
	ErrIndexNotExists = ClassCatalog.NewStd(errno.ErrIndexNotExists)

	ErrStorageIO       = ClassStorage.NewStd(errno.ErrStorageIO)
	ErrSortState       = ClassSort.NewStd(errno.ErrSortState)
	ErrParticipantLost = ClassSort.NewStd(errno.ErrParticipantLost)
	ErrEngineClosed    = ClassDDL.NewStd(errno.ErrEngineClosed)
)
