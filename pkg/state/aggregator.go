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

package state

import (
	"math"
	"strconv"
	"strings"

	"github.com/tideflow-io/tideflow/pkg/record"
)

// Aggregator folds records into an int64 accumulator. Combine must be
// associative and commutative so that the order in which records of a batch
// are applied does not change the final value.
type Aggregator interface {
	// Name identifies the aggregator in logs and checkpoints.
	Name() string
	// Identity returns the accumulator value of an empty bucket.
	Identity() int64
	// Combine folds one record into the accumulator.
	Combine(acc int64, r *record.Record) int64
}

// Count counts records per bucket.
type Count struct{}

func (Count) Name() string    { return "count" }
func (Count) Identity() int64 { return 0 }
func (Count) Combine(acc int64, _ *record.Record) int64 {
	return acc + 1
}

// numericValue parses the record payload as a base-10 integer. A payload that
// does not parse contributes nothing to the aggregate.
func numericValue(r *record.Record) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(r.Value)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Sum sums the numeric payloads per bucket.
type Sum struct{}

func (Sum) Name() string    { return "sum" }
func (Sum) Identity() int64 { return 0 }
func (Sum) Combine(acc int64, r *record.Record) int64 {
	v, ok := numericValue(r)
	if !ok {
		return acc
	}
	return acc + v
}

// Min keeps the smallest numeric payload per bucket.
type Min struct{}

func (Min) Name() string    { return "min" }
func (Min) Identity() int64 { return math.MaxInt64 }
func (Min) Combine(acc int64, r *record.Record) int64 {
	if v, ok := numericValue(r); ok && v < acc {
		return v
	}
	return acc
}

// Max keeps the largest numeric payload per bucket.
type Max struct{}

func (Max) Name() string    { return "max" }
func (Max) Identity() int64 { return math.MinInt64 }
func (Max) Combine(acc int64, r *record.Record) int64 {
	if v, ok := numericValue(r); ok && v > acc {
		return v
	}
	return acc
}

// New returns the builtin aggregator with the given name.
func New(name string) (Aggregator, bool) {
	switch name {
	case "count":
		return Count{}, true
	case "sum":
		return Sum{}, true
	case "min":
		return Min{}, true
	case "max":
		return Max{}, true
	default:
		return nil, false
	}
}
