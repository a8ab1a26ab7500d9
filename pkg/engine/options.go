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

package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxRecordsPerBatch bounds how many records one cycle pulls from
	// each partition.
	DefaultMaxRecordsPerBatch = int64(500)
	// DefaultMaxCommitRetries bounds how often COMMITTING is retried before
	// the engine gives up.
	DefaultMaxCommitRetries = 3
	// DefaultMaxFetchRetries bounds transient fetch retries within a cycle.
	DefaultMaxFetchRetries = 3
	// DefaultRetryBackoff is the initial backoff between retries; it doubles
	// per attempt.
	DefaultRetryBackoff = 100 * time.Millisecond
)

// Options configure the engine.
type Options struct {
	// triggerInterval is the wall-clock period between cycles. Zero means
	// manual triggering only.
	triggerInterval time.Duration
	// maxRecordsPerBatch bounds the per-partition pull of one cycle.
	maxRecordsPerBatch int64
	// maxCommitRetries bounds COMMITTING retries before FAILED.
	maxCommitRetries int
	// maxFetchRetries bounds transient fetch retries before the cycle is
	// aborted and rolled back.
	maxFetchRetries int
	// retryBackoff is the initial backoff between retries.
	retryBackoff time.Duration
	logger       *zap.SugaredLogger
}

type Option func(*Options) error

func DefaultOptions() *Options {
	return &Options{
		triggerInterval:    0,
		maxRecordsPerBatch: DefaultMaxRecordsPerBatch,
		maxCommitRetries:   DefaultMaxCommitRetries,
		maxFetchRetries:    DefaultMaxFetchRetries,
		retryBackoff:       DefaultRetryBackoff,
	}
}

// WithTriggerInterval makes the engine fire a cycle every d. Zero keeps the
// engine in manual mode, cycles run only via TriggerNow.
func WithTriggerInterval(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return fmt.Errorf("trigger interval must not be negative, got %v", d)
		}
		o.triggerInterval = d
		return nil
	}
}

// WithMaxRecordsPerBatch bounds the per-partition pull of one cycle.
func WithMaxRecordsPerBatch(n int64) Option {
	return func(o *Options) error {
		if n <= 0 {
			return fmt.Errorf("max records per batch must be positive, got %d", n)
		}
		o.maxRecordsPerBatch = n
		return nil
	}
}

// WithMaxCommitRetries bounds COMMITTING retries.
func WithMaxCommitRetries(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return fmt.Errorf("max commit retries must not be negative, got %d", n)
		}
		o.maxCommitRetries = n
		return nil
	}
}

// WithMaxFetchRetries bounds transient fetch retries within a cycle.
func WithMaxFetchRetries(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return fmt.Errorf("max fetch retries must not be negative, got %d", n)
		}
		o.maxFetchRetries = n
		return nil
	}
}

// WithRetryBackoff sets the initial retry backoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Options) error {
		o.retryBackoff = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *Options) error {
		o.logger = log
		return nil
	}
}
