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

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/novatechflow/lakehouse-sink/internal/batch"
	"github.com/novatechflow/lakehouse-sink/internal/commit"
	"github.com/novatechflow/lakehouse-sink/internal/config"
	"github.com/novatechflow/lakehouse-sink/internal/decoder"
	"github.com/novatechflow/lakehouse-sink/internal/metrics"
	"github.com/novatechflow/lakehouse-sink/internal/record"
	"github.com/novatechflow/lakehouse-sink/internal/schema"
	"github.com/novatechflow/lakehouse-sink/internal/sink"
)

// ErrClosed is returned by Run once the processor has been closed.
var ErrClosed = errors.New("processor closed")

// Queue is the input the control loop drains.
type Queue interface {
	Poll(timeout time.Duration) (record.Record, bool)
}

// Deps are the collaborators of a Processor. Validator may be nil.
type Deps struct {
	Queue     Queue
	Factory   sink.Factory
	Validator schema.Validator
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Processor is the single-worker control loop: it polls records, tracks the
// active schema, decodes rows, writes them and commits batches.
type Processor struct {
	queue       Queue
	validator   schema.Validator
	logger      *slog.Logger
	pollTimeout time.Duration

	tracker *schema.Tracker
	decoder *decoder.Decoder
	coord   *commit.Coordinator
	window  *batch.Window

	// mu is held for a whole iteration; Close takes it to wait for one in flight.
	mu          sync.Mutex
	last        record.Record
	uncommitted bool

	// held is a record whose schema change was deferred by a failed flush.
	held          record.Record
	schemaPending bool

	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

func New(cfg config.CommitConfig, deps Deps) (*Processor, error) {
	if deps.Queue == nil {
		return nil, errors.New("processor requires a queue")
	}
	if deps.Factory == nil {
		return nil, errors.New("processor requires a writer factory")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	pollTimeout := time.Duration(cfg.PollTimeoutMs) * time.Millisecond
	if pollTimeout <= 0 {
		pollTimeout = 100 * time.Millisecond
	}
	policy := batch.Policy{
		MaxInterval: time.Duration(cfg.MaxCommitIntervalSeconds) * time.Second,
		MaxRecords:  cfg.MaxRecordsPerCommit,
	}

	p := &Processor{
		queue:       deps.Queue,
		validator:   deps.Validator,
		logger:      deps.Logger,
		pollTimeout: pollTimeout,
		tracker:     schema.NewTracker(cfg.OverrideFieldName),
		decoder:     decoder.New(cfg.OverrideFieldName, deps.Logger),
		coord:       commit.NewCoordinator(deps.Factory, cfg.MaxCommitFailedTimes, deps.Clock, deps.Logger),
		window:      batch.NewWindow(policy, deps.Clock),
	}
	p.running.Store(true)
	return p, nil
}

// Run drives the loop until Close, context cancellation or a fatal error.
// Only a fatal error is returned. A loop that has stopped cannot be restarted.
func (p *Processor) Run(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.running.Load() {
		if err := p.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	metrics.Running.Set(1)
	defer metrics.Running.Set(0)
	p.logger.Info("control loop started", "poll_timeout", p.pollTimeout)

	for {
		if p.closed.Load() || ctx.Err() != nil {
			p.running.Store(false)
			p.logger.Info("control loop stopped")
			return nil
		}
		if err := p.step(ctx); err != nil {
			p.fail(err)
			return err
		}
	}
}

// step runs one iteration: a bounded poll followed by processing or an
// idle commit evaluation.
func (p *Processor) step(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() || !p.running.Load() {
		return nil
	}

	if p.held != nil {
		return p.retryHeld(ctx)
	}

	rec, ok := p.queue.Poll(p.pollTimeout)
	if !ok {
		if p.window.Pending() > 0 {
			return p.commitIfDue(ctx)
		}
		return nil
	}
	return p.process(ctx, rec)
}

func (p *Processor) process(ctx context.Context, rec record.Record) error {
	changed, err := p.tracker.Observe(rec.SchemaDescriptor())
	if err != nil {
		p.logger.Warn("skipping record: unusable schema", "record", rec, "error", err)
		metrics.RecordsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if changed {
		metrics.SchemaChangesTotal.Inc()
		p.logger.Info("schema changed", "record", rec, "wrapped", p.tracker.Wrapped())
	}
	if changed || p.schemaPending {
		replaced, err := p.coord.UpdateSchema(ctx, p.tracker.Schema())
		if errors.Is(err, commit.ErrSchemaRetry) {
			p.logger.Warn("schema change deferred; holding record", "record", rec, "error", err)
			p.schemaPending = true
			p.held = rec
			return nil
		}
		if err != nil {
			return err
		}
		p.schemaPending = false
		if replaced {
			p.reset()
		}
	}

	keep, err := p.validate(ctx, rec)
	if err != nil {
		return err
	}
	if !keep {
		metrics.RecordsTotal.WithLabelValues("invalid").Inc()
		return nil
	}

	row, ok := p.decoder.Decode(rec, p.tracker.Schema(), p.tracker.Projection())
	if !ok {
		metrics.RecordsTotal.WithLabelValues("dropped").Inc()
		return nil
	}
	if err := p.coord.Write(ctx, p.tracker.Schema(), row); err != nil {
		return err
	}
	p.last = rec
	p.uncommitted = true
	p.window.Add()
	metrics.RecordsTotal.WithLabelValues("written").Inc()
	metrics.PendingRecords.Set(float64(p.window.Pending()))

	return p.commitIfDue(ctx)
}

// retryHeld waits one poll interval and reprocesses the held record, which
// retries the deferred schema change. Records behind it stay queued.
func (p *Processor) retryHeld(ctx context.Context) error {
	timer := time.NewTimer(p.pollTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}
	rec := p.held
	p.held = nil
	return p.process(ctx, rec)
}

// validate checks JSON payloads against the registry schema for the active
// record name. Lenient mode drops failing records; strict mode stops the loop.
func (p *Processor) validate(ctx context.Context, rec record.Record) (bool, error) {
	if p.validator == nil || rec.Kind() != record.KindJSON {
		return true, nil
	}
	var payload []byte
	switch v := rec.Payload().(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return true, nil
	}
	subject := p.subject()
	err := p.validator.Validate(ctx, subject, payload)
	if err == nil {
		return true, nil
	}
	if p.validator.Mode() == schema.ModeStrict {
		return false, fmt.Errorf("validate %s against %s: %w", rec, subject, err)
	}
	if errors.Is(err, schema.ErrSchemaNotFound) {
		p.logger.Debug("no validation schema registered", "subject", subject)
		return true, nil
	}
	p.logger.Warn("dropping record: validation failed", "record", rec, "subject", subject, "error", err)
	return false, nil
}

func (p *Processor) subject() string {
	if named, ok := p.tracker.Schema().(interface{ FullName() string }); ok {
		return named.FullName()
	}
	return p.tracker.FieldName()
}

// commitIfDue flushes when the batch policy says so. A failed flush below the
// failure ceiling keeps the batch and is retried on the next evaluation.
func (p *Processor) commitIfDue(ctx context.Context) error {
	if !p.window.Due() {
		return nil
	}
	ok, err := p.coord.Commit(ctx)
	if err != nil {
		return err
	}
	if ok {
		p.logger.Debug("batch committed", "records", p.window.Pending())
		p.reset()
	}
	return nil
}

// reset starts a new batch and acknowledges the last accepted record, which
// covers every record before it.
func (p *Processor) reset() {
	if p.last != nil {
		p.last.Ack()
	}
	p.uncommitted = false
	p.window.Reset()
	metrics.PendingRecords.Set(0)
}

func (p *Processor) fail(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
	p.running.Store(false)
	p.logger.Error("control loop halted", "error", err, "pending", p.window.Pending())
}

// Close stops the loop after the in-flight iteration, commits outstanding rows
// once when the loop is healthy and releases the writer. The last accepted
// record is acknowledged only when nothing uncommitted remains. Close is
// idempotent.
func (p *Processor) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.mu.Lock()
		defer p.mu.Unlock()

		ctx := context.Background()
		var result *multierror.Error
		healthy := p.Err() == nil
		p.running.Store(false)
		if healthy && p.uncommitted {
			ok, err := p.coord.Commit(ctx)
			switch {
			case err != nil:
				result = multierror.Append(result, fmt.Errorf("final commit: %w", err))
			case ok:
				p.uncommitted = false
			default:
				p.logger.Warn("final commit failed; leaving records unacknowledged", "pending", p.window.Pending())
			}
		}
		if err := p.coord.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("close writer: %w", err))
		}
		if p.last != nil && !p.uncommitted {
			p.last.Ack()
		}
		metrics.PendingRecords.Set(0)
		p.closeErr = result.ErrorOrNil()
	})
	return p.closeErr
}

// Running reports whether the loop is still accepting records.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Err returns the fatal error that halted the loop, if any.
func (p *Processor) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Pending is the number of rows written since the last successful commit.
func (p *Processor) Pending() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window.Pending()
}
