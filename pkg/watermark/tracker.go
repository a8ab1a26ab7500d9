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

// Package watermark tracks event-time progress. The watermark is a lower bound
// on the event time below which no further data is expected; it governs when a
// window may be finalized. The tracker is mutated only by the engine inside a
// processing cycle, so it needs no internal locking.
package watermark

import (
	"time"
)

// InitialWatermark is the watermark value before any event has been observed.
var InitialWatermark = time.UnixMilli(-1)

// Tracker maintains the maximum event time seen per source partition and
// derives the current watermark as min(maxEventTime) - allowedLateness across
// all partitions that have observed data. The derived watermark is monotonic
// non-decreasing regardless of input order.
type Tracker struct {
	allowedLateness time.Duration
	// maxEventTimes records the largest event time observed per partition.
	maxEventTimes map[int32]time.Time
	// current is the high-water mark of every watermark ever derived, so a
	// partition joining late can never move the watermark backwards.
	current time.Time
}

// NewTracker returns a Tracker with the given allowed lateness.
func NewTracker(allowedLateness time.Duration) *Tracker {
	return &Tracker{
		allowedLateness: allowedLateness,
		maxEventTimes:   make(map[int32]time.Time),
		current:         InitialWatermark,
	}
}

// Observe records the event time of a record read from the given partition.
// Out-of-order and late events are fine; only the per-partition maximum is
// kept.
func (t *Tracker) Observe(partition int32, eventTime time.Time) {
	if max, ok := t.maxEventTimes[partition]; !ok || eventTime.After(max) {
		t.maxEventTimes[partition] = eventTime
	}
}

// Current returns the watermark. It takes the minimum of the per-partition
// maxima so a slow partition holds the watermark back, which is the
// conservative choice for correctness.
func (t *Tracker) Current() time.Time {
	if len(t.maxEventTimes) == 0 {
		return t.current
	}
	var min time.Time
	first := true
	for _, max := range t.maxEventTimes {
		if first || max.Before(min) {
			min = max
			first = false
		}
	}
	if wm := min.Add(-t.allowedLateness); wm.After(t.current) {
		t.current = wm
	}
	return t.current
}

// AllowedLateness returns the configured lateness bound.
func (t *Tracker) AllowedLateness() time.Duration {
	return t.allowedLateness
}

// Snapshot returns the persistent form of the tracker for checkpointing.
func (t *Tracker) Snapshot() Snapshot {
	maxTimes := make(map[int32]int64, len(t.maxEventTimes))
	for p, max := range t.maxEventTimes {
		maxTimes[p] = max.UnixMilli()
	}
	return Snapshot{
		MaxEventTimes: maxTimes,
		Watermark:     t.Current().UnixMilli(),
	}
}

// Restore replaces the tracker state with the given snapshot.
func (t *Tracker) Restore(s Snapshot) {
	t.maxEventTimes = make(map[int32]time.Time, len(s.MaxEventTimes))
	for p, millis := range s.MaxEventTimes {
		t.maxEventTimes[p] = time.UnixMilli(millis)
	}
	t.current = time.UnixMilli(s.Watermark)
}

// Snapshot is the serializable state of a Tracker.
type Snapshot struct {
	// MaxEventTimes is the per-partition maximum event time in unix millis.
	MaxEventTimes map[int32]int64 `json:"maxEventTimes"`
	// Watermark is the derived watermark in unix millis.
	Watermark int64 `json:"watermark"`
}
