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

// Package memory implements an in-memory sink for tests. Results are stored
// per epoch with overwrite semantics, so redelivery of an epoch leaves the
// stored outcome unchanged.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tideflow-io/tideflow/pkg/sinks"
	"github.com/tideflow-io/tideflow/pkg/state"
)

// MemorySink stores finalized results keyed by epoch.
type MemorySink struct {
	name string
	mu   sync.Mutex
	// epochs maps epoch to the results delivered for it.
	epochs map[int64][]state.Result
	// writes counts Write calls per epoch, for asserting redelivery behavior.
	writes map[int64]int
	// failWrites makes the next n Write calls fail transiently.
	failWrites int
	// rejectAll makes every Write fail permanently.
	rejectAll bool
}

var _ sinks.Sinker = (*MemorySink)(nil)

// NewMemorySink returns an empty MemorySink.
func NewMemorySink(name string) *MemorySink {
	return &MemorySink{
		name:   name,
		epochs: make(map[int64][]state.Result),
		writes: make(map[int64]int),
	}
}

func (m *MemorySink) GetName() string {
	return m.name
}

func (m *MemorySink) Write(_ context.Context, epoch int64, results []state.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectAll {
		return fmt.Errorf("%w: injected rejection", sinks.ErrRejected)
	}
	if m.failWrites > 0 {
		m.failWrites--
		return fmt.Errorf("%w: injected write failure", sinks.ErrUnavailable)
	}
	m.writes[epoch]++
	// overwrite, not append: redelivery of an epoch replaces it verbatim
	m.epochs[epoch] = append([]state.Result(nil), results...)
	return nil
}

func (m *MemorySink) Close() error {
	return nil
}

// Results returns the stored results for an epoch.
func (m *MemorySink) Results(epoch int64) []state.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]state.Result(nil), m.epochs[epoch]...)
}

// AllResults returns every stored result across epochs, ordered by epoch.
func (m *MemorySink) AllResults() []state.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	var epochs []int64
	for e := range m.epochs {
		epochs = append(epochs, e)
	}
	for i := 0; i < len(epochs); i++ {
		for j := i + 1; j < len(epochs); j++ {
			if epochs[j] < epochs[i] {
				epochs[i], epochs[j] = epochs[j], epochs[i]
			}
		}
	}
	var out []state.Result
	for _, e := range epochs {
		out = append(out, m.epochs[e]...)
	}
	return out
}

// Writes returns how many times the epoch was delivered.
func (m *MemorySink) Writes(epoch int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[epoch]
}

// FailNextWrites makes the next n Write calls fail with ErrUnavailable.
func (m *MemorySink) FailNextWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// RejectAll makes every Write fail with ErrRejected.
func (m *MemorySink) RejectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectAll = true
}
