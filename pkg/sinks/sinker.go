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

// Package sinks defines the contract for delivering finalized window results.
// The engine may retry a commit, so Write must tolerate redelivery of the
// same (epoch, results) pair: sinks key their storage on the epoch and
// overwrite rather than append, making replays invisible to the consumer.
package sinks

import (
	"context"
	"errors"
	"io"

	"github.com/tideflow-io/tideflow/pkg/state"
)

var (
	// ErrUnavailable marks a transient delivery failure; the engine retries
	// the commit with the same epoch and the same results.
	ErrUnavailable = errors.New("sink unavailable")
	// ErrRejected marks a permanent delivery failure; the engine stops and
	// surfaces the error to the operator.
	ErrRejected = errors.New("sink rejected results")
)

// Sinker delivers finalized results idempotently, keyed by checkpoint epoch.
type Sinker interface {
	// GetName returns the sink name.
	GetName() string
	// Write delivers the finalized results of one epoch. It must be safe to
	// call more than once with the same epoch and results.
	Write(ctx context.Context, epoch int64, results []state.Result) error
	io.Closer
}
