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

// Package memory implements an in-memory source, used in tests and for local
// experimentation. Records are appended by the test and served by offset, so
// fetches replay exactly.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tideflow-io/tideflow/pkg/offsets"
	"github.com/tideflow-io/tideflow/pkg/record"
	"github.com/tideflow-io/tideflow/pkg/sources"
)

// MemorySource serves records appended to it, partitioned, offset-addressed.
type MemorySource struct {
	name string
	mu   sync.Mutex
	// partitions maps partition id to its append-only record log. The slice
	// index is the offset.
	partitions map[int32][]*record.Record
	// failFetches makes the next n Fetch calls return a transient error.
	failFetches int
}

var _ sources.Sourcer = (*MemorySource)(nil)

// NewMemorySource returns an empty MemorySource with the given partitions.
func NewMemorySource(name string, partitions ...int32) *MemorySource {
	if len(partitions) == 0 {
		partitions = []int32{0}
	}
	logs := make(map[int32][]*record.Record, len(partitions))
	for _, p := range partitions {
		logs[p] = nil
	}
	return &MemorySource{name: name, partitions: logs}
}

// Append adds a record to the partition's log and returns its offset.
func (m *MemorySource) Append(partition int32, eventTime time.Time, key string, value []byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	offset := int64(len(m.partitions[partition]))
	m.partitions[partition] = append(m.partitions[partition], &record.Record{
		SourcePartition: partition,
		Offset:          offset,
		EventTime:       eventTime,
		Key:             key,
		Value:           value,
	})
	return offset
}

// FailNextFetches makes the next n Fetch calls fail with a transient error.
func (m *MemorySource) FailNextFetches(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFetches = n
}

func (m *MemorySource) GetName() string {
	return m.name
}

func (m *MemorySource) Partitions() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := make([]int32, 0, len(m.partitions))
	for p := range m.partitions {
		ps = append(ps, p)
	}
	return ps
}

func (m *MemorySource) Fetch(_ context.Context, partition int32, afterOffset int64, maxRecords int64) ([]*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFetches > 0 {
		m.failFetches--
		return nil, fmt.Errorf("%w: injected fetch failure", sources.ErrTransient)
	}
	log, ok := m.partitions[partition]
	if !ok {
		return nil, fmt.Errorf("%w: unknown partition %d", sources.ErrTransient, partition)
	}
	start := afterOffset + 1
	if start >= int64(len(log)) {
		return nil, nil
	}
	end := start + maxRecords
	if end > int64(len(log)) {
		end = int64(len(log))
	}
	out := make([]*record.Record, end-start)
	copy(out, log[start:end])
	return out, nil
}

func (m *MemorySource) LatestOffset(_ context.Context, partition int32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.partitions[partition]
	if !ok {
		return 0, fmt.Errorf("%w: unknown partition %d", sources.ErrTransient, partition)
	}
	if len(log) == 0 {
		return offsets.NoOffset, nil
	}
	return int64(len(log) - 1), nil
}

func (m *MemorySource) Close() error {
	return nil
}
