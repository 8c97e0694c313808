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

package queue

import (
	"context"
	"errors"
	"time"

	"github.com/novatechflow/lakehouse-sink/internal/record"
)

// ErrClosed is returned by Put once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO shared between producers and the single sink loop.
type Queue struct {
	items chan record.Record
	done  chan struct{}
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items: make(chan record.Record, capacity),
		done:  make(chan struct{}),
	}
}

// Put blocks until there is room for rec, the context ends, or the queue closes.
func (q *Queue) Put(ctx context.Context, rec record.Record) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.items <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// Poll waits up to timeout for the next record. ok is false when nothing arrived.
func (q *Queue) Poll(timeout time.Duration) (rec record.Record, ok bool) {
	select {
	case rec = <-q.items:
		return rec, true
	default:
	}
	if timeout <= 0 {
		return nil, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rec = <-q.items:
		return rec, true
	case <-timer.C:
		return nil, false
	}
}

// Len reports the number of queued records.
func (q *Queue) Len() int {
	return len(q.items)
}

// Close rejects further puts. Records already queued can still be polled.
func (q *Queue) Close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}
