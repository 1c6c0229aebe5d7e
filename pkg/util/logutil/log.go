// Copyright 2017 PingCAP, Inc.
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

// Package logutil sets up the process logger and carries per-build loggers
// through contexts.
package logutil

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DefaultLogMaxSize is the size in MB at which a log file is rotated.
	DefaultLogMaxSize = 300
	// DefaultLogFormat is the format used when the config names none.
	DefaultLogFormat = "text"
)

// Field names shared by every logger of the engine.
const (
	LogFieldCategory = "category"
	LogFieldBuildID  = "build_id"
)

var logFormats = []string{"text", "json", "console"}

// FileLogConfig is the [log.file] section.
type FileLogConfig struct {
	log.FileLogConfig
}

// NewFileLogConfig returns a file section that rotates at maxSize MB.
func NewFileLogConfig(maxSize uint) FileLogConfig {
	return FileLogConfig{FileLogConfig: log.FileLogConfig{MaxSize: int(maxSize)}}
}

// LogConfig is the logger setup InitLogger applies.
type LogConfig struct {
	log.Config
}

// NewLogConfig builds a LogConfig from the [log] section values.
func NewLogConfig(level, format string, fileCfg FileLogConfig, disableTimestamp bool) *LogConfig {
	return &LogConfig{Config: log.Config{
		Level:            level,
		Format:           format,
		DisableTimestamp: disableTimestamp,
		File:             fileCfg.FileLogConfig,
	}}
}

// InitLogger replaces the global logger with one built from cfg and logs
// the applied config at debug level.
func InitLogger(cfg *LogConfig, opts ...zap.Option) error {
	if cfg.Format != "" && !slices.Contains(logFormats, cfg.Format) {
		return errors.Errorf("unknown log format %q, expect one of %v", cfg.Format, logFormats)
	}
	opts = append(opts, zap.AddStacktrace(zapcore.FatalLevel))
	gl, props, err := log.InitLogger(&cfg.Config, opts...)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(gl, props)
	if data, err := json.Marshal(&cfg.Config); err == nil {
		gl.Debug("logger initialized", zap.ByteString("config", data))
	}
	return nil
}

type ctxLogKeyType struct{}

// CtxLogKey is the context key of the logger attached by WithFields.
var CtxLogKey = ctxLogKeyType{}

// BgLogger returns the global logger. It is replaced by InitLogger, so do
// not cache it in package variables.
func BgLogger() *zap.Logger {
	return log.L()
}

// Logger returns the logger attached to ctx, or the global one.
func Logger(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(CtxLogKey).(*zap.Logger); ok {
		return l
	}
	return log.L()
}

// WithFields returns a context whose logger adds fields to the logger of ctx.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	l := Logger(ctx)
	if len(fields) > 0 {
		l = l.With(fields...)
	}
	return context.WithValue(ctx, CtxLogKey, l)
}

// WithBuildID returns a context whose logger tags lines with buildID.
func WithBuildID(ctx context.Context, buildID string) context.Context {
	return WithFields(ctx, zap.String(LogFieldBuildID, buildID))
}
