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

// Package record defines the unit of data flowing through the engine. A Record
// is produced by a source adapter with a per-partition monotonic offset and an
// event time extracted at decode time; it is immutable once ingested.
package record

import (
	"fmt"
	"time"
)

// Record is a single decoded input element.
type Record struct {
	// SourcePartition identifies the partition of the source the record was
	// read from. Offsets are monotonic only within a partition.
	SourcePartition int32 `json:"sourcePartition"`
	// Offset is the position of the record within its partition.
	Offset int64 `json:"offset"`
	// EventTime is the time the event occurred, not the time it was read.
	EventTime time.Time `json:"eventTime"`
	// Key is the grouping key used for aggregation.
	Key string `json:"key"`
	// Value is the opaque payload. Aggregators may interpret it.
	Value []byte `json:"value"`
}

// ID returns a string that uniquely identifies the record within its source.
// It is used for logging and for exactly-once bookkeeping.
func (r *Record) ID() string {
	return fmt.Sprintf("%d-%d", r.SourcePartition, r.Offset)
}
