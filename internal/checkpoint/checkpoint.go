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

// Package checkpoint persists acknowledged source offsets outside the broker.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/novatechflow/lakehouse-sink/internal/config"
)

// OffsetState is the last offset acknowledged for one partition. Offset is -1
// when nothing has been stored yet.
type OffsetState struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp int64
}

// Store loads and commits partition offsets.
type Store interface {
	LoadOffset(ctx context.Context, topic string, partition int32) (OffsetState, error)
	CommitOffset(ctx context.Context, state OffsetState) error
	Close() error
}

// NewStore returns the store for cfg.Offsets.Backend. The kafka backend keeps
// offsets in the consumer group and needs no external store.
func NewStore(cfg config.Config) (Store, error) {
	switch cfg.Offsets.Backend {
	case "etcd":
		return NewEtcdStore(cfg)
	case "kafka", "":
		return noopStore{}, nil
	default:
		return nil, fmt.Errorf("unsupported offsets backend %q", cfg.Offsets.Backend)
	}
}

type noopStore struct{}

func (noopStore) LoadOffset(ctx context.Context, topic string, partition int32) (OffsetState, error) {
	return OffsetState{Topic: topic, Partition: partition, Offset: -1}, nil
}

func (noopStore) CommitOffset(ctx context.Context, state OffsetState) error { return nil }

func (noopStore) Close() error { return nil }
