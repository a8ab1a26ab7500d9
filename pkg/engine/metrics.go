/*
Copyright 2024 The Tideflow Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const labelEngine = "engine"

// recordsReadCount is used to indicate the number of records read
var recordsReadCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "tideflow_engine",
	Name:      "read_total",
	Help:      "Total number of records read",
}, []string{labelEngine})

// lateDiscardCount is used to indicate the number of records dropped because
// their window had already closed
var lateDiscardCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "tideflow_engine",
	Name:      "late_discard_total",
	Help:      "Total number of late records discarded after window close",
}, []string{labelEngine})

// windowsClosedCount is used to indicate the number of windows finalized
var windowsClosedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "tideflow_engine",
	Name:      "windows_closed_total",
	Help:      "Total number of windows finalized and emitted",
}, []string{labelEngine})

// commitRetryCount is used to indicate the number of COMMITTING retries
var commitRetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "tideflow_engine",
	Name:      "commit_retry_total",
	Help:      "Total number of commit retries",
}, []string{labelEngine})

// cycleAbortCount is used to indicate the number of aborted cycles
var cycleAbortCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "tideflow_engine",
	Name:      "cycle_abort_total",
	Help:      "Total number of cycles aborted and rolled back",
}, []string{labelEngine})

// activeWindowsGauge tracks the number of open aggregate buckets
var activeWindowsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "tideflow_engine",
	Name:      "active_buckets",
	Help:      "Number of open (window, key) aggregate buckets",
}, []string{labelEngine})

// committedEpochGauge tracks the last committed checkpoint epoch
var committedEpochGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "tideflow_engine",
	Name:      "committed_epoch",
	Help:      "Last committed checkpoint epoch",
}, []string{labelEngine})
