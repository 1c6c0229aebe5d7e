// Copyright 2018 PingCAP, Inc.
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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Build kinds and fallback reasons used as label values.
const (
	LblBuildSecondary = "build_secondary"
	LblRebuild        = "rebuild"
	LblDrop           = "drop"

	LblRegionExhausted = "region_exhausted"
	LblNoWorkers       = "no_workers"
	LblSerialOnly      = "serial_only"

	LblModeFresh  = "fresh"
	LblModeReplay = "replay"
)

// index build metrics.
var (
	BuildDurationHistogram   *prometheus.HistogramVec
	BuildCounter             *prometheus.CounterVec
	ParticipantsLaunched     *prometheus.CounterVec
	SerialFallbackCounter    *prometheus.CounterVec
	TuplesInserted           *prometheus.CounterVec
	CatalogTransitionCounter *prometheus.CounterVec
)

// InitBuildMetrics initializes index build metrics.
func InitBuildMetrics() {
	BuildDurationHistogram = NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "idxbuild",
			Subsystem: "ddl",
			Name:      "build_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of index builds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 24), // 1ms ~ 2.3h
		}, []string{LblType, LblResult})

	BuildCounter = NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idxbuild",
			Subsystem: "ddl",
			Name:      "build_total",
			Help:      "Counter of index builds.",
		}, []string{LblType, LblResult})

	ParticipantsLaunched = NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idxbuild",
			Subsystem: "ddl",
			Name:      "participants_launched_total",
			Help:      "Counter of parallel build participants launched.",
		}, []string{LblMode})

	SerialFallbackCounter = NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idxbuild",
			Subsystem: "ddl",
			Name:      "serial_fallback_total",
			Help:      "Counter of builds that ran serially.",
		}, []string{LblReason})

	TuplesInserted = NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idxbuild",
			Subsystem: "ddl",
			Name:      "tuples_inserted_total",
			Help:      "Counter of tuples bulk loaded into index files.",
		}, []string{LblType})

	CatalogTransitionCounter = NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idxbuild",
			Subsystem: "ddl",
			Name:      "catalog_transition_total",
			Help:      "Counter of catalog transitions.",
		}, []string{LblType})
}
