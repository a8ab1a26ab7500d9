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

// Package logger implements a sink that prints finalized results to the log.
// Logging the same epoch twice is harmless, which makes it trivially
// redelivery-safe. Mainly useful for debugging and local runs.
package logger

import (
	"context"

	"go.uber.org/zap"

	"github.com/tideflow-io/tideflow/pkg/shared/logging"
	"github.com/tideflow-io/tideflow/pkg/sinks"
	"github.com/tideflow-io/tideflow/pkg/state"
)

// LogSink logs every finalized result.
type LogSink struct {
	name   string
	logger *zap.SugaredLogger
}

var _ sinks.Sinker = (*LogSink)(nil)

type Option func(*LogSink) error

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *LogSink) error {
		l.logger = log
		return nil
	}
}

// NewLogSink returns a LogSink.
func NewLogSink(name string, opts ...Option) (*LogSink, error) {
	l := &LogSink{name: name}
	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, err
		}
	}
	if l.logger == nil {
		l.logger = logging.NewLogger()
	}
	l.logger = l.logger.Named("logsink")
	return l, nil
}

func (l *LogSink) GetName() string {
	return l.name
}

func (l *LogSink) Write(_ context.Context, epoch int64, results []state.Result) error {
	for _, r := range results {
		l.logger.Infow("Window finalized",
			zap.Int64("epoch", epoch),
			zap.String("window", r.Key.Window.String()),
			zap.String("key", r.Key.GroupKey),
			zap.Int64("value", r.Value),
		)
	}
	return nil
}

func (l *LogSink) Close() error {
	return nil
}
