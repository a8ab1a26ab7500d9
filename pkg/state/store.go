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

// Package state holds the per-window aggregate accumulators. The store is
// mutated only by the engine inside a processing cycle, one cycle at a time,
// so it carries no locking of its own. Snapshot and Restore exist so the
// engine can roll the store back to the last checkpoint after an aborted
// cycle and restore it on recovery.
package state

import (
	"sort"
	"time"

	"github.com/tideflow-io/tideflow/pkg/record"
	"github.com/tideflow-io/tideflow/pkg/window"
)

// Result is a finalized aggregate for one closed window bucket.
type Result struct {
	Key   window.Key `json:"key"`
	Value int64      `json:"value"`
}

// Store maps (window, grouping key) to an accumulator.
type Store struct {
	aggregator      Aggregator
	allowedLateness time.Duration
	buckets         map[window.Key]int64
}

// NewStore returns an empty Store using the given aggregator.
func NewStore(aggregator Aggregator, allowedLateness time.Duration) *Store {
	return &Store{
		aggregator:      aggregator,
		allowedLateness: allowedLateness,
		buckets:         make(map[window.Key]int64),
	}
}

// Update folds the record into the bucket identified by key, creating the
// bucket from the aggregator's identity on first contribution.
func (s *Store) Update(key window.Key, r *record.Record) {
	acc, ok := s.buckets[key]
	if !ok {
		acc = s.aggregator.Identity()
	}
	s.buckets[key] = s.aggregator.Combine(acc, r)
}

// EvictExpired removes and returns every bucket whose window can no longer
// receive data, i.e. window.End + allowedLateness <= watermark. Results are
// ordered by window start time, then grouping key, so that a retried commit
// hands the sink an identical batch.
func (s *Store) EvictExpired(watermark time.Time) []Result {
	var results []Result
	for key, acc := range s.buckets {
		if !key.Window.End.Add(s.allowedLateness).After(watermark) {
			results = append(results, Result{Key: key, Value: acc})
			delete(s.buckets, key)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		wi, wj := results[i].Key.Window, results[j].Key.Window
		if !wi.Start.Equal(wj.Start) {
			return wi.Start.Before(wj.Start)
		}
		return results[i].Key.GroupKey < results[j].Key.GroupKey
	})
	return results
}

// Get returns the accumulator for the key and whether the bucket exists.
func (s *Store) Get(key window.Key) (int64, bool) {
	acc, ok := s.buckets[key]
	return acc, ok
}

// Len returns the number of open buckets.
func (s *Store) Len() int {
	return len(s.buckets)
}

// Snapshot returns the serializable form of the store.
func (s *Store) Snapshot() Snapshot {
	entries := make([]Entry, 0, len(s.buckets))
	for key, acc := range s.buckets {
		entries = append(entries, Entry{
			WindowStart: key.Window.Start.UnixMilli(),
			WindowEnd:   key.Window.End.UnixMilli(),
			GroupKey:    key.GroupKey,
			Value:       acc,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].WindowStart != entries[j].WindowStart {
			return entries[i].WindowStart < entries[j].WindowStart
		}
		return entries[i].GroupKey < entries[j].GroupKey
	})
	return Snapshot{Aggregator: s.aggregator.Name(), Entries: entries}
}

// Restore replaces all buckets with the given snapshot.
func (s *Store) Restore(snap Snapshot) {
	s.buckets = make(map[window.Key]int64, len(snap.Entries))
	for _, e := range snap.Entries {
		key := window.Key{
			Window: window.Window{
				Start: time.UnixMilli(e.WindowStart),
				End:   time.UnixMilli(e.WindowEnd),
			},
			GroupKey: e.GroupKey,
		}
		s.buckets[key] = e.Value
	}
}

// Entry is one bucket in a Snapshot. Window bounds are unix millis.
type Entry struct {
	WindowStart int64  `json:"windowStart"`
	WindowEnd   int64  `json:"windowEnd"`
	GroupKey    string `json:"groupKey"`
	Value       int64  `json:"value"`
}

// Snapshot is the serializable state of a Store.
type Snapshot struct {
	Aggregator string  `json:"aggregator"`
	Entries    []Entry `json:"entries"`
}
