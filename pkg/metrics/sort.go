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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// external sort metrics.
var (
	SortSpillCounter       prometheus.Counter
	SortSpillBytes         prometheus.Counter
	SortMergeRunsHistogram prometheus.Histogram
)

// InitSortMetrics initializes external sort metrics.
func InitSortMetrics() {
	SortSpillCounter = NewCounter(
		prometheus.CounterOpts{
			Namespace: "idxbuild",
			Subsystem: "sort",
			Name:      "spill_total",
			Help:      "Counter of sorted runs spilled to disk.",
		})

	SortSpillBytes = NewCounter(
		prometheus.CounterOpts{
			Namespace: "idxbuild",
			Subsystem: "sort",
			Name:      "spill_bytes_total",
			Help:      "Counter of uncompressed bytes spilled to disk.",
		})

	SortMergeRunsHistogram = NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "idxbuild",
			Subsystem: "sort",
			Name:      "merge_runs",
			Help:      "Bucketed histogram of the number of runs merged by one sort.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})
}
