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

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relstore/idxbuild/pkg/config"
	"github.com/relstore/idxbuild/pkg/ddl"
	"github.com/relstore/idxbuild/pkg/metrics"
	"github.com/relstore/idxbuild/pkg/util/logutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	// FlagConfig is the name of config flag.
	FlagConfig = "config"
	// FlagPath is the name of path flag.
	FlagPath = "path"
	// FlagLogLevel is the name of log-level flag.
	FlagLogLevel = "log-level"
	// FlagLogFile is the name of log-file flag.
	FlagLogFile = "log-file"
	// FlagStatusAddr is the name of status-addr flag.
	FlagStatusAddr = "status-addr"
	// FlagWorkers is the name of workers flag.
	FlagWorkers = "workers"
)

// AddFlags adds the flags shared by every command.
func AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP(FlagConfig, "C", "", "config file path")
	cmd.PersistentFlags().String(FlagPath, "", "storage directory, overrides the config file")
	cmd.PersistentFlags().StringP(FlagLogLevel, "L", "", "log level, overrides the config file")
	cmd.PersistentFlags().String(FlagLogFile, "", "log file path, overrides the config file")
	cmd.PersistentFlags().String(FlagStatusAddr, "",
		"listening address of the metrics endpoint, empty to disable")
	cmd.PersistentFlags().Int(FlagWorkers, -1, "parallel workers requested per build, overrides the config file")
}

// loadConfig builds the config of a command: defaults, then the config
// file, then the flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	flags := cmd.Flags()
	if path, _ := flags.GetString(FlagConfig); path != "" {
		if err := cfg.Load(path); err != nil {
			return nil, err
		}
	}
	if flags.Changed(FlagPath) {
		cfg.Path, _ = flags.GetString(FlagPath)
	}
	if flags.Changed(FlagLogLevel) {
		cfg.Log.Level, _ = flags.GetString(FlagLogLevel)
	}
	if flags.Changed(FlagLogFile) {
		cfg.Log.File.Filename, _ = flags.GetString(FlagLogFile)
	}
	if flags.Changed(FlagStatusAddr) {
		cfg.Status.MetricsAddr, _ = flags.GetString(FlagStatusAddr)
	}
	if flags.Changed(FlagWorkers) {
		cfg.Build.ParallelWorkers, _ = flags.GetInt(FlagWorkers)
	}
	if cfg.Path == "" {
		return nil, errors.New("storage path is not set, use --path or the config file")
	}
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runWithEngine loads the config, sets up logging and metrics and calls fn
// with an engine opened on the configured path.
func runWithEngine(cmd *cobra.Command, fn func(ctx context.Context, e *ddl.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logutil.InitLogger(cfg.Log.ToLogConfig()); err != nil {
		return errors.Trace(err)
	}
	config.StoreGlobalConfig(cfg)

	ctx := cmd.Context()
	if cfg.Status.MetricsAddr != "" {
		stop, err := startStatusServer(cfg.Status.MetricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	e, err := ddl.Open(cfg)
	if err != nil {
		return err
	}
	start := time.Now()
	err = fn(ctx, e)
	if closeErr := e.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	logutil.BgLogger().Info("command finished",
		zap.String("command", cmd.Name()), zap.Duration("take time", time.Since(start)), zap.Error(err))
	return err
}

func startStatusServer(addr string) (stop func(), err error) {
	reg := prometheus.NewRegistry()
	if err := metrics.RegisterMetrics(reg); err != nil {
		return nil, errors.Trace(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logutil.BgLogger().Warn("status server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logutil.BgLogger().Info("status server started", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logutil.BgLogger().Warn("shutdown status server failed", zap.Error(err))
		}
	}, nil
}
