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

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/novatechflow/lakehouse-sink/internal/config"
)

const defaultKeyPrefix = "lakehouse-sink"

var errNoPartitions = errors.New("no partition checkpoints")

// kv is the subset of clientv3.KV the store uses.
type kv interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
}

// etcdStore keeps one key per partition under <prefix>/<topic>/partitions/
// and a <prefix>/<topic>/low_watermark summary for external readers.
type etcdStore struct {
	client kv
	closer func() error
	prefix string
	clock  clockwork.Clock
}

// partitionCheckpoint is the stored value of one partition key.
type partitionCheckpoint struct {
	Offset        int64 `json:"offset"`
	RecordTimeMs  int64 `json:"record_time_ms"`
	CommittedAtMs int64 `json:"committed_at_ms"`
}

// topicWatermark is the lowest committed offset across a topic's partitions.
type topicWatermark struct {
	Offset       int64 `json:"offset"`
	RecordTimeMs int64 `json:"record_time_ms"`
	Partitions   int   `json:"partitions"`
	UpdatedAtMs  int64 `json:"updated_at_ms"`
}

func NewEtcdStore(cfg config.Config) (Store, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return nil, errors.New("etcd.endpoints is required for the etcd offsets backend")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return newEtcdStore(client, client.Close, cfg.Offsets.KeyPrefix, clockwork.NewRealClock()), nil
}

func newEtcdStore(client kv, closer func() error, prefix string, clock clockwork.Clock) *etcdStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &etcdStore{client: client, closer: closer, prefix: prefix, clock: clock}
}

func (s *etcdStore) LoadOffset(ctx context.Context, topic string, partition int32) (OffsetState, error) {
	key := s.partitionKey(topic, partition)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return OffsetState{}, fmt.Errorf("get %s: %w", key, err)
	}
	state := OffsetState{Topic: topic, Partition: partition, Offset: -1}
	if len(resp.Kvs) == 0 {
		return state, nil
	}
	var cp partitionCheckpoint
	if err := json.Unmarshal(resp.Kvs[0].Value, &cp); err != nil {
		return OffsetState{}, fmt.Errorf("decode %s: %w", key, err)
	}
	state.Offset = cp.Offset
	state.Timestamp = cp.RecordTimeMs
	return state, nil
}

// CommitOffset writes the partition checkpoint, then recomputes the topic
// low watermark from every partition key.
func (s *etcdStore) CommitOffset(ctx context.Context, state OffsetState) error {
	now := s.clock.Now().UnixMilli()
	data, err := json.Marshal(partitionCheckpoint{
		Offset:        state.Offset,
		RecordTimeMs:  state.Timestamp,
		CommittedAtMs: now,
	})
	if err != nil {
		return err
	}
	key := s.partitionKey(state.Topic, state.Partition)
	if _, err := s.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	resp, err := s.client.Get(ctx, s.partitionsPrefix(state.Topic), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("list partitions of %s: %w", state.Topic, err)
	}
	wm, err := lowWatermark(resp.Kvs)
	if errors.Is(err, errNoPartitions) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("watermark %s: %w", state.Topic, err)
	}
	wm.UpdatedAtMs = now
	data, err = json.Marshal(wm)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, s.watermarkKey(state.Topic), string(data))
	return err
}

func (s *etcdStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *etcdStore) partitionsPrefix(topic string) string {
	return s.prefix + "/" + topic + "/partitions/"
}

func (s *etcdStore) partitionKey(topic string, partition int32) string {
	return fmt.Sprintf("%s%d", s.partitionsPrefix(topic), partition)
}

func (s *etcdStore) watermarkKey(topic string) string {
	return s.prefix + "/" + topic + "/low_watermark"
}

func lowWatermark(kvs []*mvccpb.KeyValue) (topicWatermark, error) {
	if len(kvs) == 0 {
		return topicWatermark{}, errNoPartitions
	}
	var wm topicWatermark
	for i, entry := range kvs {
		var cp partitionCheckpoint
		if err := json.Unmarshal(entry.Value, &cp); err != nil {
			return topicWatermark{}, fmt.Errorf("decode %s: %w", entry.Key, err)
		}
		if i == 0 || cp.Offset < wm.Offset {
			wm.Offset = cp.Offset
			wm.RecordTimeMs = cp.RecordTimeMs
		}
	}
	wm.Partitions = len(kvs)
	return wm, nil
}
