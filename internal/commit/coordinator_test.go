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

package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/hamba/avro/v2"
	"github.com/jonboulle/clockwork"
	"github.com/novatechflow/lakehouse-sink/internal/record"
	"github.com/novatechflow/lakehouse-sink/internal/sink"
)

type testWriter struct {
	id        int
	rows      []record.Row
	flushes   int
	flushOK   []bool
	flushErr  error
	replace   bool
	updateErr error
	closed    bool
}

func (w *testWriter) UpdateSchema(ctx context.Context, s avro.Schema) (bool, error) {
	return w.replace, w.updateErr
}

func (w *testWriter) Write(ctx context.Context, row record.Row) error {
	w.rows = append(w.rows, row)
	return nil
}

func (w *testWriter) Flush(ctx context.Context) (bool, error) {
	w.flushes++
	if w.flushErr != nil {
		return false, w.flushErr
	}
	if len(w.flushOK) == 0 {
		return true, nil
	}
	ok := w.flushOK[0]
	w.flushOK = w.flushOK[1:]
	return ok, nil
}

func (w *testWriter) Close(ctx context.Context) error {
	w.closed = true
	return nil
}

type testFactory struct {
	writers []*testWriter
	err     error
	next    func(*testWriter)
}

func (f *testFactory) open(ctx context.Context, s avro.Schema) (sink.Writer, error) {
	if f.err != nil {
		return nil, f.err
	}
	w := &testWriter{id: len(f.writers) + 1}
	if f.next != nil {
		f.next(w)
	}
	f.writers = append(f.writers, w)
	return w, nil
}

func newTestCoordinator(f *testFactory, maxFailed int) *Coordinator {
	return NewCoordinator(f.open, maxFailed, clockwork.NewFakeClock(), slog.New(slog.DiscardHandler))
}

var rowSchema = avro.MustParse(`{"type":"record","name":"Row","fields":[{"name":"value","type":"long"}]}`)

func TestWriterIsCreatedOnce(t *testing.T) {
	f := &testFactory{}
	c := newTestCoordinator(f, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Write(ctx, rowSchema, record.Row{"value": int64(i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if len(f.writers) != 1 || c.WritersCreated() != 1 {
		t.Fatalf("expected a single writer, got %d", len(f.writers))
	}
	if len(f.writers[0].rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(f.writers[0].rows))
	}
}

func TestWriterCreateFailureIsWrapped(t *testing.T) {
	f := &testFactory{err: errors.New("catalog unavailable")}
	c := newTestCoordinator(f, 3)

	_, err := c.Writer(context.Background(), rowSchema)
	if !errors.Is(err, ErrWriterCreate) {
		t.Fatalf("expected ErrWriterCreate, got %v", err)
	}
}

func TestCommitWithoutWriterSucceeds(t *testing.T) {
	c := newTestCoordinator(&testFactory{}, 3)
	ok, err := c.Commit(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected trivial success, got %v %v", ok, err)
	}
}

func TestCommitFailureCeiling(t *testing.T) {
	f := &testFactory{next: func(w *testWriter) {
		w.flushOK = []bool{false, false, false, false}
	}}
	c := newTestCoordinator(f, 3)
	ctx := context.Background()
	if _, err := c.Writer(ctx, rowSchema); err != nil {
		t.Fatalf("writer: %v", err)
	}

	for i := 1; i <= 3; i++ {
		ok, err := c.Commit(ctx)
		if err != nil || ok {
			t.Fatalf("attempt %d: expected non-fatal failure, got %v %v", i, ok, err)
		}
		if c.Failures() != i {
			t.Fatalf("expected %d failures, got %d", i, c.Failures())
		}
	}
	_, err := c.Commit(ctx)
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed on fourth failure, got %v", err)
	}
}

func TestCommitSuccessResetsFailures(t *testing.T) {
	f := &testFactory{next: func(w *testWriter) {
		w.flushOK = []bool{false, false, true, false}
	}}
	c := newTestCoordinator(f, 2)
	ctx := context.Background()
	if _, err := c.Writer(ctx, rowSchema); err != nil {
		t.Fatalf("writer: %v", err)
	}

	c.Commit(ctx)
	c.Commit(ctx)
	ok, err := c.Commit(ctx)
	if err != nil || !ok {
		t.Fatalf("expected success, got %v %v", ok, err)
	}
	if c.Failures() != 0 {
		t.Fatalf("expected failures reset, got %d", c.Failures())
	}
	if ok, err := c.Commit(ctx); err != nil || ok {
		t.Fatalf("expected non-fatal failure after reset, got %v %v", ok, err)
	}
}

func TestCommitFlushErrorIsFatal(t *testing.T) {
	f := &testFactory{next: func(w *testWriter) { w.flushErr = errors.New("corrupt buffer") }}
	c := newTestCoordinator(f, 5)
	ctx := context.Background()
	if _, err := c.Writer(ctx, rowSchema); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, err := c.Commit(ctx); err == nil {
		t.Fatalf("expected flush error")
	}
}

func TestUpdateSchemaReplacesWriter(t *testing.T) {
	f := &testFactory{}
	c := newTestCoordinator(f, 3)
	ctx := context.Background()

	replaced, err := c.UpdateSchema(ctx, rowSchema)
	if err != nil || replaced {
		t.Fatalf("expected no-op without writer, got %v %v", replaced, err)
	}

	if _, err := c.Writer(ctx, rowSchema); err != nil {
		t.Fatalf("writer: %v", err)
	}
	replaced, err = c.UpdateSchema(ctx, rowSchema)
	if err != nil || replaced {
		t.Fatalf("expected writer to be kept, got %v %v", replaced, err)
	}

	f.writers[0].replace = true
	replaced, err = c.UpdateSchema(ctx, rowSchema)
	if err != nil || !replaced {
		t.Fatalf("expected replacement, got %v %v", replaced, err)
	}
	if !f.writers[0].closed {
		t.Fatalf("expected old writer to be closed")
	}
	if len(f.writers) != 2 || c.WritersCreated() != 2 {
		t.Fatalf("expected a second writer, got %d", len(f.writers))
	}
	w, _ := c.Writer(ctx, rowSchema)
	if w.(*testWriter).id != 2 {
		t.Fatalf("expected active writer 2, got %d", w.(*testWriter).id)
	}
}

func TestUpdateSchemaErrorIsFatal(t *testing.T) {
	f := &testFactory{next: func(w *testWriter) { w.updateErr = errors.New("flush before swap failed") }}
	c := newTestCoordinator(f, 3)
	ctx := context.Background()
	if _, err := c.Writer(ctx, rowSchema); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, err := c.UpdateSchema(ctx, rowSchema); err == nil {
		t.Fatalf("expected error")
	}
}

func TestUpdateSchemaFlushFailureCountsTowardsCeiling(t *testing.T) {
	flushErr := fmt.Errorf("%w: 2 pending rows", sink.ErrFlushFailed)
	f := &testFactory{next: func(w *testWriter) { w.updateErr = flushErr }}
	c := newTestCoordinator(f, 2)
	ctx := context.Background()
	if _, err := c.Writer(ctx, rowSchema); err != nil {
		t.Fatalf("writer: %v", err)
	}

	for i := 1; i <= 2; i++ {
		replaced, err := c.UpdateSchema(ctx, rowSchema)
		if replaced || !errors.Is(err, ErrSchemaRetry) {
			t.Fatalf("attempt %d: expected ErrSchemaRetry, got %v %v", i, replaced, err)
		}
		if c.Failures() != i || !c.HasWriter() {
			t.Fatalf("attempt %d: expected %d failures and writer kept, got %d", i, i, c.Failures())
		}
	}
	if _, err := c.UpdateSchema(ctx, rowSchema); !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed past the ceiling, got %v", err)
	}
}

func TestUpdateSchemaRetrySucceedsAfterFlushFailure(t *testing.T) {
	f := &testFactory{next: func(w *testWriter) {
		if w.id == 1 {
			w.updateErr = fmt.Errorf("%w: 1 pending row", sink.ErrFlushFailed)
		}
	}}
	c := newTestCoordinator(f, 3)
	ctx := context.Background()
	if _, err := c.Writer(ctx, rowSchema); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, err := c.UpdateSchema(ctx, rowSchema); !errors.Is(err, ErrSchemaRetry) {
		t.Fatalf("expected ErrSchemaRetry, got %v", err)
	}

	first := f.writers[0]
	first.updateErr = nil
	first.replace = true
	replaced, err := c.UpdateSchema(ctx, rowSchema)
	if err != nil || !replaced {
		t.Fatalf("expected replacement on retry, got %v %v", replaced, err)
	}
	if c.Failures() != 0 || len(f.writers) != 2 || !first.closed {
		t.Fatalf("unexpected state: failures=%d writers=%d closed=%v", c.Failures(), len(f.writers), first.closed)
	}
}

func TestCloseReleasesWriter(t *testing.T) {
	f := &testFactory{}
	c := newTestCoordinator(f, 3)
	ctx := context.Background()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close without writer: %v", err)
	}
	if _, err := c.Writer(ctx, rowSchema); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !f.writers[0].closed || c.HasWriter() {
		t.Fatalf("expected writer closed and released")
	}
}
