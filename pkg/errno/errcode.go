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

package errno

// Index definition errors.
const (
	ErrUnsupportedIndex      = 8001
	ErrTooManyKeyColumns     = 8002
	ErrPrimaryExists         = 8003
	ErrNullablePrimaryColumn = 8004
	ErrFieldNotFound         = 8005
	ErrInvalidConfig         = 8006
)

// Resource errors. Callers recover from these locally.
const (
	ErrRegionExhausted = 8101
	ErrPoolOverload    = 8102
)

// Data errors.
const (
	ErrTupleTooLarge    = 8201
	ErrDuplicateKey     = 8202
	ErrDescriptorTooBig = 8203
	ErrCorruptedData    = 8204
)

// Lookup errors.
const (
	ErrTableNotExists = 8301
	ErrIndexNotExists = 8302
)

// Storage errors.
const (
	ErrStorageIO       = 8401
	ErrSortState       = 8402
	ErrParticipantLost = 8403
	ErrEngineClosed    = 8404
)
