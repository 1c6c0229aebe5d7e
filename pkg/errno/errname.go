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

// ErrMessages is the error messages of every code.
var ErrMessages = map[int]string{
	ErrUnsupportedIndex:      "unsupported index definition: %s",
	ErrTooManyKeyColumns:     "cannot use more than %d columns in an index",
	ErrPrimaryExists:         "table \"%s\" already has a primary key",
	ErrNullablePrimaryColumn: "primary key column \"%s\" must be NOT NULL",
	ErrFieldNotFound:         "column \"%s\" does not exist in table \"%s\"",
	ErrInvalidConfig:         "invalid config: %s",

	ErrRegionExhausted: "shared region exhausted: requested %d bytes, %d available",
	ErrPoolOverload:    "worker pool overloaded",

	ErrTupleTooLarge:    "index row size %d exceeds maximum %d for index \"%s\"",
	ErrDuplicateKey:     "could not create unique index \"%s\": duplicate key",
	ErrDescriptorTooBig: "serialized table descriptor of %d bytes exceeds shared capacity %d",
	ErrCorruptedData:    "corrupted data: %s",

	ErrTableNotExists: "table %s does not exist",
	ErrIndexNotExists: "index \"%s\" does not exist",

	ErrStorageIO:       "storage I/O failure: %s",
	ErrSortState:       "sorter is in state %s, cannot %s",
	ErrParticipantLost: "expected %d participant sort runs, got %d",
	ErrEngineClosed:    "index build engine is closed",
}
