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

package sink

import (
	"context"
	"time"
)

// backoff is a linear retry schedule capped at max.
type backoff struct {
	attempts int
	step     time.Duration
	max      time.Duration
}

var (
	createBackoff = backoff{attempts: 3, step: 300 * time.Millisecond, max: time.Second}
	commitBackoff = backoff{attempts: 3, step: 200 * time.Millisecond, max: time.Second}
	reloadBackoff = backoff{attempts: 5, step: 200 * time.Millisecond, max: 2 * time.Second}
)

func (b backoff) delay(attempt int) time.Duration {
	d := b.step * time.Duration(attempt+1)
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

// retry calls op until it succeeds, fails with an error retryable rejects, or
// the attempts run out. The last error is returned.
func retry[T any](ctx context.Context, b backoff, retryable func(error) bool, op func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < b.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, err := op(attempt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == b.attempts-1 {
			break
		}
		timer := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func always(error) bool { return true }
