// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package source feeds Kafka records into the sink queue and commits their
// offsets once the control loop acknowledges them.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/novatechflow/lakehouse-sink/internal/checkpoint"
	"github.com/novatechflow/lakehouse-sink/internal/config"
	"github.com/novatechflow/lakehouse-sink/internal/metrics"
	"github.com/novatechflow/lakehouse-sink/internal/queue"
	"github.com/novatechflow/lakehouse-sink/internal/record"
)

// Client is the subset of *kgo.Client the source uses.
type Client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// Source polls Kafka and enqueues one envelope per record.
type Source struct {
	client    Client
	queue     *queue.Queue
	store     checkpoint.Store
	useStore  bool
	converter *converter
	acks      *ackTracker
	logger    *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New connects to the brokers in cfg.Kafka. With the etcd offsets backend the
// configured partitions are assigned directly and resume after the stored
// offsets; otherwise the consumer group tracks progress.
func New(ctx context.Context, cfg config.Config, q *queue.Queue, store checkpoint.Store, logger *slog.Logger) (*Source, error) {
	src, err := newSource(nil, cfg, q, store, logger)
	if err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.DisableAutoCommit(),
	}
	if src.useStore {
		offsets := make(map[int32]kgo.Offset, len(cfg.Kafka.Partitions))
		for _, p := range cfg.Kafka.Partitions {
			state, err := store.LoadOffset(ctx, cfg.Kafka.Topic, p)
			if err != nil {
				return nil, fmt.Errorf("load offset %s/%d: %w", cfg.Kafka.Topic, p, err)
			}
			offsets[p] = resumeOffset(state)
		}
		opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{cfg.Kafka.Topic: offsets}))
	} else {
		opts = append(opts,
			kgo.ConsumerGroup(cfg.Kafka.Group),
			kgo.ConsumeTopics(cfg.Kafka.Topic),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
			kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, _ map[string][]int32) {
				src.commitAcked(ctx)
			}),
		)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	var assigned []int32
	if src.useStore {
		assigned = cfg.Kafka.Partitions
	}
	if err := checkTopic(ctx, client, cfg.Kafka.Topic, assigned); err != nil {
		client.Close()
		return nil, err
	}
	src.client = client
	return src, nil
}

func newSource(client Client, cfg config.Config, q *queue.Queue, store checkpoint.Store, logger *slog.Logger) (*Source, error) {
	conv, err := newConverter(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client:    client,
		queue:     q,
		store:     store,
		useStore:  cfg.Offsets.Backend == "etcd",
		converter: conv,
		acks:      newAckTracker(),
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

func resumeOffset(state checkpoint.OffsetState) kgo.Offset {
	if state.Offset < 0 {
		return kgo.NewOffset().AtStart()
	}
	return kgo.NewOffset().At(state.Offset + 1)
}

// Run polls until ctx is cancelled or the queue is closed. Acknowledged
// offsets are committed in the background while it runs.
func (s *Source) Run(ctx context.Context) error {
	s.wg.Add(1)
	go s.commitLoop(ctx)

	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Warn("fetch error", "topic", topic, "partition", partition, "err", err)
		})

		var putErr error
		fetches.EachRecord(func(rec *kgo.Record) {
			if putErr != nil {
				return
			}
			putErr = s.enqueue(ctx, rec)
		})
		if putErr != nil {
			if errors.Is(putErr, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return putErr
		}
	}
}

func (s *Source) enqueue(ctx context.Context, rec *kgo.Record) error {
	descriptor, kind, payload, err := s.converter.convert(rec)
	if err != nil {
		s.logger.Warn("skipping record", "record", recordID(rec), "err", err)
		metrics.RecordsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	seq := s.acks.track(rec)
	env := record.New(descriptor, kind, payload, func() { s.acks.ack(seq) })
	env.ID = recordID(rec)
	return s.queue.Put(ctx, env)
}

func (s *Source) commitLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.acks.notify:
			s.commitAcked(ctx)
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// commitAcked commits the highest acknowledged offset of every partition.
func (s *Source) commitAcked(ctx context.Context) {
	recs := s.acks.drain()
	if len(recs) == 0 {
		return
	}
	if err := s.commit(ctx, recs); err != nil {
		s.logger.Warn("offset commit failed; will retry", "err", err, "partitions", len(recs))
		s.acks.requeue(recs)
		return
	}
	s.acks.confirm(recs)
	for _, rec := range recs {
		metrics.LastOffset.WithLabelValues(rec.Topic, strconv.Itoa(int(rec.Partition))).Set(float64(rec.Offset))
	}
}

func (s *Source) commit(ctx context.Context, recs []*kgo.Record) error {
	if !s.useStore {
		return s.client.CommitRecords(ctx, recs...)
	}
	for _, rec := range recs {
		state := checkpoint.OffsetState{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Timestamp: rec.Timestamp.UnixMilli(),
		}
		if err := s.store.CommitOffset(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the commit loop, commits any remaining acknowledged offsets and
// closes the client. It must be called after Run has returned.
func (s *Source) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	s.commitAcked(ctx)
	if n := s.acks.outstanding(); n > 0 {
		s.logger.Info("records left unacknowledged", "count", n)
	}
	if s.client != nil {
		s.client.Close()
	}
	return s.store.Close()
}
