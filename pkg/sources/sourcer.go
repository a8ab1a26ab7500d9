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

// Package sources defines the contract a source adapter has to fulfil to feed
// the engine. The engine owns the offsets: a source never tracks consumption
// itself, it only serves replayable offset ranges.
package sources

import (
	"context"
	"errors"
	"io"

	"github.com/tideflow-io/tideflow/pkg/record"
)

// ErrTransient marks a source failure worth retrying. The engine aborts the
// in-progress cycle and re-fetches from the last committed offsets.
var ErrTransient = errors.New("transient source error")

// Sourcer serves records by (partition, offset). Fetch must be replayable:
// the same offset range yields the same records on repeated calls, which is
// what makes crash recovery from a checkpoint exact.
type Sourcer interface {
	// GetName returns the source name.
	GetName() string
	// Partitions returns the partitions this source serves.
	Partitions() []int32
	// Fetch returns up to maxRecords records with offset > afterOffset from
	// the partition, ordered by offset. An empty result means the partition
	// is caught up.
	Fetch(ctx context.Context, partition int32, afterOffset int64, maxRecords int64) ([]*record.Record, error)
	// LatestOffset returns the highest offset available on the partition, or
	// offsets.NoOffset when the partition is empty.
	LatestOffset(ctx context.Context, partition int32) (int64, error)
	io.Closer
}
