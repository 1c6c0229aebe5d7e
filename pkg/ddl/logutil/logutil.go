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

package logutil

import (
	"context"

	"github.com/relstore/idxbuild/pkg/util/logutil"
	"go.uber.org/zap"
)

// DDLLogger with category "ddl" is used to log DDL related messages. Do not
// use it to log the message that is not related to DDL.
func DDLLogger() *zap.Logger {
	return logutil.BgLogger().With(zap.String(logutil.LogFieldCategory, "ddl"))
}

// DDLIngestLogger with category "ddl-ingest" is used to log messages of the
// bulk load path: scanning, sorting and writing index files.
func DDLIngestLogger() *zap.Logger {
	return logutil.BgLogger().With(zap.String(logutil.LogFieldCategory, "ddl-ingest"))
}

// RecoveryLogger with category "recovery" is used by the replay worker pool.
func RecoveryLogger() *zap.Logger {
	return logutil.BgLogger().With(zap.String(logutil.LogFieldCategory, "recovery"))
}

// BuildLogger returns the logger of the build buildID. It extends the
// logger carried by ctx, falling back to the ingest logger.
func BuildLogger(ctx context.Context, buildID string) *zap.Logger {
	if _, ok := ctx.Value(logutil.CtxLogKey).(*zap.Logger); !ok {
		ctx = context.WithValue(ctx, logutil.CtxLogKey, DDLIngestLogger())
	}
	return logutil.Logger(logutil.WithBuildID(ctx, buildID))
}
