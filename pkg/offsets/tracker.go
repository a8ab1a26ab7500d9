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

// Package offsets records, per source partition, the highest offset the engine
// has consumed. The committed snapshot is part of every checkpoint; on
// recovery the engine resumes fetching after the restored offsets.
package offsets

import (
	"errors"
	"fmt"
)

// NoOffset marks a partition from which nothing has been consumed yet.
// Fetching resumes after this value, i.e. from offset 0.
const NoOffset = int64(-1)

// ErrOrderViolation indicates a source handed back offsets out of order. The
// engine's pull model is single threaded, so this can only mean a collaborator
// contract breach and is fatal.
var ErrOrderViolation = errors.New("offset order violation")

// Tracker keeps the highest consumed offset per partition.
type Tracker struct {
	highest map[int32]int64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{highest: make(map[int32]int64)}
}

// Advance records offset as consumed for the partition. Offsets must be
// strictly increasing per partition.
func (t *Tracker) Advance(partition int32, offset int64) error {
	if last, ok := t.highest[partition]; ok && offset <= last {
		return fmt.Errorf("%w: partition %d advanced to %d after %d", ErrOrderViolation, partition, offset, last)
	}
	t.highest[partition] = offset
	return nil
}

// Committed returns a copy of the highest consumed offset per partition.
func (t *Tracker) Committed() map[int32]int64 {
	snapshot := make(map[int32]int64, len(t.highest))
	for p, o := range t.highest {
		snapshot[p] = o
	}
	return snapshot
}

// Last returns the highest consumed offset for the partition, or NoOffset.
func (t *Tracker) Last(partition int32) int64 {
	if o, ok := t.highest[partition]; ok {
		return o
	}
	return NoOffset
}

// Restore replaces the tracker state with the given snapshot.
func (t *Tracker) Restore(snapshot map[int32]int64) {
	t.highest = make(map[int32]int64, len(snapshot))
	for p, o := range snapshot {
		t.highest[p] = o
	}
}
