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
)

// CodecVer is the constant number that represent the row format.
const CodecVer = 128

var errInvalidCodecVer = errors.New("invalid codec version")

// First byte in the encoded column which specifies the encoding type.
const (
	NilFlag            byte = 0
	BytesFlag          byte = 1
	StringFlag         byte = 2
	IntFlag            byte = 3
	ExternalBytesFlag  byte = 11
	ExternalStringFlag byte = 12
)
