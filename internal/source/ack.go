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

package source

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type partitionKey struct {
	topic     string
	partition int32
}

type delivered struct {
	seq uint64
	rec *kgo.Record
}

// ackTracker turns record acknowledgements into committable offsets. Acks are
// cumulative: acknowledging sequence n covers every record delivered before it.
type ackTracker struct {
	mu      sync.Mutex
	next    uint64
	acked   uint64
	pending []delivered
	notify  chan struct{}

	// retry holds offsets drained for a commit that failed; committed is the
	// highest confirmed offset per partition.
	retry     []*kgo.Record
	committed map[partitionKey]int64
}

func newAckTracker() *ackTracker {
	return &ackTracker{notify: make(chan struct{}, 1), committed: make(map[partitionKey]int64)}
}

// track registers rec as delivered and returns its sequence number.
func (t *ackTracker) track(rec *kgo.Record) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.pending = append(t.pending, delivered{seq: t.next, rec: rec})
	return t.next
}

func (t *ackTracker) ack(seq uint64) {
	t.mu.Lock()
	if seq <= t.acked {
		t.mu.Unlock()
		return
	}
	t.acked = seq
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// drain removes every acknowledged delivery and returns the highest record
// per partition among them and any requeued offsets.
func (t *ackTracker) drain() []*kgo.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for n < len(t.pending) && t.pending[n].seq <= t.acked {
		n++
	}
	if n == 0 && len(t.retry) == 0 {
		return nil
	}

	latest := make(map[partitionKey]*kgo.Record)
	order := make([]partitionKey, 0)
	keep := func(rec *kgo.Record) {
		key := partitionKey{topic: rec.Topic, partition: rec.Partition}
		prev, ok := latest[key]
		if !ok {
			order = append(order, key)
		}
		if !ok || rec.Offset > prev.Offset {
			latest[key] = rec
		}
	}
	for _, rec := range t.retry {
		if off, ok := t.committed[partitionKey{topic: rec.Topic, partition: rec.Partition}]; ok && off >= rec.Offset {
			continue
		}
		keep(rec)
	}
	t.retry = nil
	for _, d := range t.pending[:n] {
		keep(d.rec)
	}
	t.pending = append(t.pending[:0], t.pending[n:]...)
	if len(order) == 0 {
		return nil
	}

	out := make([]*kgo.Record, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out
}

// requeue returns drained offsets whose commit failed. They are retried by
// the next drain, which runs on the next ack, rebalance or close.
func (t *ackTracker) requeue(recs []*kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retry = append(t.retry, recs...)
}

// confirm records recs as committed.
func (t *ackTracker) confirm(recs []*kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range recs {
		key := partitionKey{topic: rec.Topic, partition: rec.Partition}
		if off, ok := t.committed[key]; !ok || rec.Offset > off {
			t.committed[key] = rec.Offset
		}
	}
}

// outstanding is the number of delivered records not yet covered by an ack.
func (t *ackTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
