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

// Package checkpoint persists the engine's recovery point: committed offsets,
// watermark state, and the aggregate state snapshot, all written atomically
// under a monotonically increasing epoch. A checkpoint at epoch N reflects
// exactly the effects of cycles 1..N.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/goccy/go-json"

	"github.com/tideflow-io/tideflow/pkg/state"
	"github.com/tideflow-io/tideflow/pkg/watermark"
)

var (
	// ErrCorrupt indicates the checkpoint blob failed integrity validation.
	// The engine refuses to start rather than silently resetting.
	ErrCorrupt = errors.New("checkpoint corrupt")
	// ErrNotFound indicates no checkpoint has been committed yet.
	ErrNotFound = errors.New("checkpoint not found")
)

// Checkpoint is one durable recovery point.
type Checkpoint struct {
	// Epoch increments by one with every committed cycle, starting at 1.
	Epoch int64 `json:"epoch"`
	// Offsets is the highest consumed offset per source partition.
	Offsets map[int32]int64 `json:"offsets"`
	// Watermark is the watermark tracker snapshot.
	Watermark watermark.Snapshot `json:"watermark"`
	// State is the aggregate state snapshot.
	State state.Snapshot `json:"state"`
}

// Store is the durable medium checkpoints are committed to. PutAtomic must be
// all-or-nothing: a reader never observes a partially written checkpoint.
type Store interface {
	// PutAtomic durably replaces the latest checkpoint.
	PutAtomic(ctx context.Context, epoch int64, blob []byte) error
	// GetLatest returns the most recently committed checkpoint blob, or
	// ErrNotFound if none has been committed.
	GetLatest(ctx context.Context) (int64, []byte, error)
	// Close releases any resources held by the store.
	Close() error
}

// envelope wraps the encoded checkpoint with a checksum for integrity
// validation on load.
type envelope struct {
	Checksum uint32          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Encode serializes the checkpoint with an integrity checksum.
func Encode(cp *Checkpoint) ([]byte, error) {
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return json.Marshal(envelope{
		Checksum: crc32.Checksum(payload, castagnoli),
		Payload:  payload,
	})
}

// Decode validates and deserializes a checkpoint blob. A malformed blob or a
// checksum mismatch returns ErrCorrupt.
func Decode(blob []byte) (*Checkpoint, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if got := crc32.Checksum(env.Payload, castagnoli); got != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch, stored %d computed %d", ErrCorrupt, env.Checksum, got)
	}
	var cp Checkpoint
	if err := json.Unmarshal(env.Payload, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &cp, nil
}
