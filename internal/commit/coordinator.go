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

// Package commit owns the active table writer and enforces the commit
// failure ceiling.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hamba/avro/v2"
	"github.com/jonboulle/clockwork"
	"github.com/novatechflow/lakehouse-sink/internal/metrics"
	"github.com/novatechflow/lakehouse-sink/internal/record"
	"github.com/novatechflow/lakehouse-sink/internal/sink"
)

var (
	// ErrCommitFailed is returned once consecutive failed commits exceed the
	// configured ceiling.
	ErrCommitFailed = errors.New("commit failed too many times")
	// ErrWriterCreate wraps failures opening a table writer.
	ErrWriterCreate = errors.New("create writer")
	// ErrSchemaRetry means the schema switch was deferred because pending
	// rows could not be committed yet.
	ErrSchemaRetry = errors.New("schema change deferred")
)

// Coordinator hands out the active writer, replaces it on schema changes and
// counts consecutive commit failures.
type Coordinator struct {
	factory   sink.Factory
	maxFailed int
	clock     clockwork.Clock
	logger    *slog.Logger
	writer    sink.Writer
	failures  int
	created   int
}

func NewCoordinator(factory sink.Factory, maxFailed int, clock clockwork.Clock, logger *slog.Logger) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{factory: factory, maxFailed: maxFailed, clock: clock, logger: logger}
}

// Writer returns the active writer, opening one for s if none exists.
func (c *Coordinator) Writer(ctx context.Context, s avro.Schema) (sink.Writer, error) {
	if c.writer != nil {
		return c.writer, nil
	}
	w, err := c.factory(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriterCreate, err)
	}
	c.writer = w
	c.created++
	metrics.WriterCreationsTotal.Inc()
	c.logger.Info("writer opened", "writers_created", c.created)
	return w, nil
}

// Write hands row to the active writer. Errors are not retryable.
func (c *Coordinator) Write(ctx context.Context, s avro.Schema, row record.Row) error {
	w, err := c.Writer(ctx, s)
	if err != nil {
		return err
	}
	if err := w.Write(ctx, row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	return nil
}

// Commit flushes the active writer. It reports whether the flush succeeded
// and returns ErrCommitFailed once the failure count exceeds the ceiling.
// Without a writer there is nothing to commit and the call succeeds.
func (c *Coordinator) Commit(ctx context.Context) (bool, error) {
	if c.writer == nil {
		return true, nil
	}
	start := c.clock.Now()
	ok, err := c.writer.Flush(ctx)
	metrics.CommitLatency.Observe(c.clock.Since(start).Seconds())
	if err != nil {
		metrics.CommitsTotal.WithLabelValues("failure").Inc()
		return false, fmt.Errorf("flush: %w", err)
	}
	if ok {
		c.failures = 0
		metrics.CommitsTotal.WithLabelValues("success").Inc()
		return true, nil
	}

	return false, c.failed()
}

// failed counts one failed commit and returns ErrCommitFailed once the count
// exceeds the ceiling.
func (c *Coordinator) failed() error {
	c.failures++
	metrics.CommitsTotal.WithLabelValues("failure").Inc()
	c.logger.Warn("commit failed", "failures", c.failures, "max_failures", c.maxFailed)
	if c.failures > c.maxFailed {
		return fmt.Errorf("%w: %d consecutive failures", ErrCommitFailed, c.failures)
	}
	return nil
}

// UpdateSchema offers s to the active writer. When the writer asks to be
// replaced, its pending rows are already committed; the old writer is closed
// and a new one is opened for s. The result reports whether that happened.
//
// A failed commit of the pending rows counts against the failure ceiling and
// is returned wrapping ErrSchemaRetry while below it; the writer is kept and
// the call can be repeated.
func (c *Coordinator) UpdateSchema(ctx context.Context, s avro.Schema) (bool, error) {
	if c.writer == nil {
		return false, nil
	}
	replace, err := c.writer.UpdateSchema(ctx, s)
	if errors.Is(err, sink.ErrFlushFailed) {
		if ceilingErr := c.failed(); ceilingErr != nil {
			return false, ceilingErr
		}
		return false, fmt.Errorf("%w: %v", ErrSchemaRetry, err)
	}
	if err != nil {
		return false, fmt.Errorf("update schema: %w", err)
	}
	if !replace {
		return false, nil
	}

	if err := c.writer.Close(ctx); err != nil {
		c.logger.Warn("close replaced writer", "err", err)
	}
	c.writer = nil
	c.failures = 0
	if _, err := c.Writer(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

// Failures is the number of consecutive failed commits.
func (c *Coordinator) Failures() int { return c.failures }

// WritersCreated counts writers opened over the coordinator's lifetime.
func (c *Coordinator) WritersCreated() int { return c.created }

// HasWriter reports whether a writer is currently open.
func (c *Coordinator) HasWriter() bool { return c.writer != nil }

// Close releases the active writer, if any.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.writer == nil {
		return nil
	}
	err := c.writer.Close(ctx)
	c.writer = nil
	return err
}
