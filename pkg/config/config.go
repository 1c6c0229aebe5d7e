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

package config

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/relstore/idxbuild/pkg/util/logutil"
	"go.uber.org/zap/zapcore"
)

// Config contains configuration options.
type Config struct {
	// Path is the directory of the storage engine. It has no default.
	Path string `toml:"path" json:"path"`

	Log      Log      `toml:"log" json:"log"`
	Build    Build    `toml:"build" json:"build"`
	Recovery Recovery `toml:"recovery" json:"recovery"`
	Status   Status   `toml:"status" json:"status"`
}

// Log is the log section of config.
type Log struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format. one of json, text, or console.
	Format string `toml:"format" json:"format"`
	// Disable automatic timestamps in output.
	DisableTimestamp bool `toml:"disable-timestamp" json:"disable-timestamp"`
	// File log config.
	File logutil.FileLogConfig `toml:"file" json:"file"`
}

// Build is the index build section of config.
type Build struct {
	// ParallelWorkers is the number of workers requested for a parallel build.
	// Zero forces serial builds.
	ParallelWorkers int `toml:"parallel-workers" json:"parallel-workers"`
	// LeaderParticipates lets the leader scan and sort like a worker.
	LeaderParticipates bool `toml:"leader-participates" json:"leader-participates"`
	// MaintenanceWorkMem is split evenly among the participant sorts.
	MaintenanceWorkMem ByteSize `toml:"maintenance-work-mem" json:"maintenance-work-mem"`
	// MaxTupleSize bounds an encoded index tuple.
	MaxTupleSize ByteSize `toml:"max-tuple-size" json:"max-tuple-size"`
	// SharedMemoryLimit bounds all shared regions allocated for parallel builds.
	SharedMemoryLimit ByteSize `toml:"shared-memory-limit" json:"shared-memory-limit"`
	// MaxWorkerProcesses is the capacity of the worker pool shared by every build.
	MaxWorkerProcesses int `toml:"max-worker-processes" json:"max-worker-processes"`
	// ToastThreshold is the value length above which a column moves to the
	// large-value side store.
	ToastThreshold ByteSize `toml:"toast-threshold" json:"toast-threshold"`
	// ToastChunkSize is the size of one side store chunk.
	ToastChunkSize ByteSize `toml:"toast-chunk-size" json:"toast-chunk-size"`
	// TempDir holds sort spill files. Empty means the system temp dir.
	TempDir string `toml:"temp-dir" json:"temp-dir"`
}

// Recovery is the recovery section of config.
type Recovery struct {
	// PoolSize is the number of long-lived replay workers.
	PoolSize int `toml:"pool-size" json:"pool-size"`
	// SingleProcess disables replay workers, builds during replay are serial.
	SingleProcess bool `toml:"single-process" json:"single-process"`
}

// Status is the status section of config.
type Status struct {
	MetricsAddr string `toml:"metrics-addr" json:"metrics-addr"`
}

// ByteSize is a size in bytes, written in config as "64MiB", "2KiB" or "512".
type ByteSize uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	if v < 0 {
		return errors.Errorf("negative size %q", text)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(b), 10)), nil
}

// String implements fmt.Stringer.
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

var defaultConf = Config{
	Log: Log{
		Level:  "info",
		Format: logutil.DefaultLogFormat,
		File:   logutil.NewFileLogConfig(logutil.DefaultLogMaxSize),
	},
	Build: Build{
		ParallelWorkers:    3,
		LeaderParticipates: true,
		MaintenanceWorkMem: 64 * units.MiB,
		MaxTupleSize:       2704,
		SharedMemoryLimit:  64 * units.MiB,
		MaxWorkerProcesses: 8,
		ToastThreshold:     2000,
		ToastChunkSize:     1024,
	},
	Recovery: Recovery{
		PoolSize: 3,
	},
}

var globalConf atomic.Pointer[Config]

func init() {
	conf := defaultConf
	globalConf.Store(&conf)
}

// NewConfig creates a new config instance with default value.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// GetGlobalConfig returns the global configuration for this process.
// It should store configuration from command line and configuration file.
// Other parts of the system can read the global configuration use this function.
func GetGlobalConfig() *Config {
	return globalConf.Load()
}

// StoreGlobalConfig stores a new config to the globalConf. It mostly uses in the test to avoid some data races.
func StoreGlobalConfig(config *Config) {
	globalConf.Store(config)
}

// UpdateGlobal updates the global config, and provide a restore function that can be used to restore to the original.
func UpdateGlobal(f func(conf *Config)) {
	g := GetGlobalConfig()
	newConf := *g
	f(&newConf)
	StoreGlobalConfig(&newConf)
}

// Load loads config options from a toml file.
func (c *Config) Load(confFile string) error {
	metaData, err := toml.DecodeFile(confFile, c)
	if err != nil {
		return errors.Trace(err)
	}
	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		return dbterror.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("unknown keys %v", undecoded))
	}
	return nil
}

// Valid checks if this config is valid.
func (c *Config) Valid() error {
	b := &c.Build
	switch {
	case b.ParallelWorkers < 0:
		return dbterror.ErrInvalidConfig.GenWithStackByArgs("build.parallel-workers must not be negative")
	case b.MaxWorkerProcesses < 0:
		return dbterror.ErrInvalidConfig.GenWithStackByArgs("build.max-worker-processes must not be negative")
	case b.MaintenanceWorkMem < 64*units.KiB:
		return dbterror.ErrInvalidConfig.GenWithStackByArgs("build.maintenance-work-mem must be at least 64KiB")
	case b.MaxTupleSize == 0:
		return dbterror.ErrInvalidConfig.GenWithStackByArgs("build.max-tuple-size must be positive")
	case b.ToastChunkSize == 0 || b.ToastChunkSize > b.ToastThreshold:
		return dbterror.ErrInvalidConfig.GenWithStackByArgs("build.toast-chunk-size must be in (0, toast-threshold]")
	case c.Recovery.PoolSize < 0:
		return dbterror.ErrInvalidConfig.GenWithStackByArgs("recovery.pool-size must not be negative")
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return dbterror.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("log.level %q", c.Log.Level))
	}
	return nil
}

// ToLogConfig converts *Log to *logutil.LogConfig.
func (l *Log) ToLogConfig() *logutil.LogConfig {
	return logutil.NewLogConfig(l.Level, l.Format, l.File, l.DisableTimestamp)
}
