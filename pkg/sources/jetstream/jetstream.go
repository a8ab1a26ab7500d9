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

// Package jetstream implements a NATS JetStream source. Records are addressed
// by stream sequence, read with direct GetMsg calls rather than a consumer,
// so the engine's committed offsets fully determine what is replayed. The
// stream must use limits-based retention; interest or work-queue retention
// deletes messages on ack and breaks replay.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tideflow-io/tideflow/pkg/offsets"
	"github.com/tideflow-io/tideflow/pkg/record"
	"github.com/tideflow-io/tideflow/pkg/shared/logging"
	"github.com/tideflow-io/tideflow/pkg/sources"
)

const (
	// EventTimeHeader carries the record's event time in RFC3339Nano. When
	// absent, the broker receive time is used.
	EventTimeHeader = "Tideflow-Event-Time"
	// KeyHeader carries the record's grouping key. When absent, the message
	// subject is used.
	KeyHeader = "Tideflow-Key"
)

// JetStreamSource reads one stream as a single partition (partition 0);
// JetStream sequences are stream-global.
type JetStreamSource struct {
	name   string
	stream string
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.SugaredLogger
}

var _ sources.Sourcer = (*JetStreamSource)(nil)

type Option func(*JetStreamSource) error

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(j *JetStreamSource) error {
		j.logger = log
		return nil
	}
}

// NewJetStreamSource connects to the NATS server and validates the stream.
func NewJetStreamSource(name string, url string, stream string, opts ...Option) (*JetStreamSource, error) {
	j := &JetStreamSource{name: name, stream: stream}
	for _, o := range opts {
		if err := o(j); err != nil {
			return nil, err
		}
	}
	if j.logger == nil {
		j.logger = logging.NewLogger()
	}

	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats server %q, %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get jetstream context, %w", err)
	}
	if _, err = js.StreamInfo(stream); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to look up stream %q, %w", stream, err)
	}

	j.conn = conn
	j.js = js
	return j, nil
}

func (j *JetStreamSource) GetName() string {
	return j.name
}

func (j *JetStreamSource) Partitions() []int32 {
	return []int32{0}
}

// Fetch reads up to maxRecords messages with sequence > afterOffset.
func (j *JetStreamSource) Fetch(ctx context.Context, partition int32, afterOffset int64, maxRecords int64) ([]*record.Record, error) {
	if partition != 0 {
		return nil, fmt.Errorf("%w: jetstream source has a single partition, got %d", sources.ErrTransient, partition)
	}
	info, err := j.js.StreamInfo(j.stream)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get stream info, %v", sources.ErrTransient, err)
	}
	lastSeq := int64(info.State.LastSeq)

	var out []*record.Record
	for seq := afterOffset + 1; seq <= lastSeq && int64(len(out)) < maxRecords; seq++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := j.js.GetMsg(j.stream, uint64(seq))
		if errors.Is(err, nats.ErrMsgNotFound) {
			// sequence aged out or was deleted, offsets are monotonic but
			// not necessarily dense
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get message at seq %d, %v", sources.ErrTransient, seq, err)
		}
		out = append(out, j.toRecord(msg))
	}
	return out, nil
}

func (j *JetStreamSource) toRecord(msg *nats.RawStreamMsg) *record.Record {
	eventTime := msg.Time
	if raw := msg.Header.Get(EventTimeHeader); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			eventTime = parsed
		} else {
			j.logger.Warnw("Malformed event time header, falling back to receive time", zap.String("header", raw), zap.Uint64("seq", msg.Sequence))
		}
	}
	key := msg.Subject
	if k := msg.Header.Get(KeyHeader); k != "" {
		key = k
	}
	return &record.Record{
		SourcePartition: 0,
		Offset:          int64(msg.Sequence),
		EventTime:       eventTime,
		Key:             key,
		Value:           msg.Data,
	}
}

// LatestOffset returns the stream's last sequence.
func (j *JetStreamSource) LatestOffset(_ context.Context, partition int32) (int64, error) {
	if partition != 0 {
		return 0, fmt.Errorf("%w: jetstream source has a single partition, got %d", sources.ErrTransient, partition)
	}
	info, err := j.js.StreamInfo(j.stream)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get stream info, %v", sources.ErrTransient, err)
	}
	if info.State.LastSeq == 0 {
		return offsets.NoOffset, nil
	}
	return int64(info.State.LastSeq), nil
}

func (j *JetStreamSource) Close() error {
	j.conn.Close()
	return nil
}
