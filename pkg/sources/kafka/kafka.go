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

// Package kafka implements a Kafka source. Unlike a consumer-group reader,
// this source is offset-addressed: the engine tells it exactly where to read
// from, so the same range replays identically after a crash. Consumer groups
// are deliberately not used, the committed offsets live in the engine's
// checkpoint, not in Kafka.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tideflow-io/tideflow/pkg/offsets"
	"github.com/tideflow-io/tideflow/pkg/record"
	"github.com/tideflow-io/tideflow/pkg/shared/logging"
	"github.com/tideflow-io/tideflow/pkg/sources"
)

// KafkaSource reads a topic's partitions by explicit offset.
type KafkaSource struct {
	name       string
	topic      string
	brokers    []string
	client     sarama.Client
	consumer   sarama.Consumer
	partitions []int32
	// fetchTimeout bounds how long a single Fetch waits for the broker.
	fetchTimeout time.Duration
	logger       *zap.SugaredLogger
}

var _ sources.Sourcer = (*KafkaSource)(nil)

type Option func(*KafkaSource) error

// WithFetchTimeout sets the per-fetch broker wait bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(k *KafkaSource) error {
		k.fetchTimeout = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(k *KafkaSource) error {
		k.logger = log
		return nil
	}
}

// NewKafkaSource connects to the brokers and discovers the topic partitions.
func NewKafkaSource(name string, brokers []string, topic string, opts ...Option) (*KafkaSource, error) {
	k := &KafkaSource{
		name:         name,
		topic:        topic,
		brokers:      brokers,
		fetchTimeout: time.Second,
	}
	for _, o := range opts {
		if err := o(k); err != nil {
			return nil, err
		}
	}
	if k.logger == nil {
		k.logger = logging.NewLogger()
	}

	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client, %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka consumer, %w", err)
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to list partitions of topic %q, %w", topic, err)
	}

	k.client = client
	k.consumer = consumer
	k.partitions = partitions
	return k, nil
}

func (k *KafkaSource) GetName() string {
	return k.name
}

func (k *KafkaSource) Partitions() []int32 {
	return k.partitions
}

// Fetch reads up to maxRecords messages with offset > afterOffset.
func (k *KafkaSource) Fetch(ctx context.Context, partition int32, afterOffset int64, maxRecords int64) ([]*record.Record, error) {
	newest, err := k.client.GetOffset(k.topic, partition, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get newest offset, %v", sources.ErrTransient, err)
	}
	start := afterOffset + 1
	if start >= newest {
		// caught up
		return nil, nil
	}

	pc, err := k.consumer.ConsumePartition(k.topic, partition, start)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to consume partition %d from %d, %v", sources.ErrTransient, partition, start, err)
	}
	defer func() {
		pc.AsyncClose()
		// drain so AsyncClose can complete
		for range pc.Messages() {
		}
		for range pc.Errors() {
		}
	}()

	var out []*record.Record
	timeout := time.NewTimer(k.fetchTimeout)
	defer timeout.Stop()
	for int64(len(out)) < maxRecords {
		select {
		case msg := <-pc.Messages():
			out = append(out, &record.Record{
				SourcePartition: partition,
				Offset:          msg.Offset,
				EventTime:       msg.Timestamp,
				Key:             string(msg.Key),
				Value:           msg.Value,
			})
			if msg.Offset+1 >= newest {
				return out, nil
			}
		case consumeErr := <-pc.Errors():
			return nil, fmt.Errorf("%w: consume error on partition %d, %v", sources.ErrTransient, partition, consumeErr)
		case <-timeout.C:
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// LatestOffset returns the offset of the last produced message.
func (k *KafkaSource) LatestOffset(_ context.Context, partition int32) (int64, error) {
	newest, err := k.client.GetOffset(k.topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get newest offset, %v", sources.ErrTransient, err)
	}
	if newest == 0 {
		return offsets.NoOffset, nil
	}
	return newest - 1, nil
}

func (k *KafkaSource) Close() error {
	return multierr.Append(k.consumer.Close(), k.client.Close())
}
