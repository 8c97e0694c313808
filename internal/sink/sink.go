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

// Package sink holds the table writers the commit coordinator drives.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hamba/avro/v2"
	"github.com/jonboulle/clockwork"
	"github.com/novatechflow/lakehouse-sink/internal/config"
	"github.com/novatechflow/lakehouse-sink/internal/record"
)

var (
	// ErrRowRejected marks a row the writer cannot represent in its table layout.
	ErrRowRejected = errors.New("row rejected")
	// ErrFlushFailed is returned by UpdateSchema when rows pending under the
	// previous layout could not be committed. The writer is unchanged and the
	// call may be retried.
	ErrFlushFailed = errors.New("flush before schema change failed")
)

// Writer buffers rows for one schema and makes them durable on Flush.
type Writer interface {
	// UpdateSchema reports whether the writer must be replaced to accept rows
	// of s. Before returning true every pending row has been committed under
	// the previous layout; when that commit fails it returns ErrFlushFailed.
	UpdateSchema(ctx context.Context, s avro.Schema) (bool, error)
	// Write buffers a row. An error means the writer is unusable.
	Write(ctx context.Context, row record.Row) error
	// Flush commits buffered rows. It returns false when the commit did not
	// happen; buffered rows are retained for the next attempt.
	Flush(ctx context.Context) (bool, error)
	// Close releases the writer. Rows not yet flushed are discarded.
	Close(ctx context.Context) error
}

// Factory opens a writer for the given record schema.
type Factory func(ctx context.Context, s avro.Schema) (Writer, error)

// NewFactory returns the writer factory selected by cfg.Writer.Type.
func NewFactory(ctx context.Context, cfg config.Config, logger *slog.Logger) (Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Writer.Type {
	case "iceberg":
		cat, err := NewCatalog(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("iceberg catalog: %w", err)
		}
		f := newIcebergFactory(cat, cfg, logger.With("writer", "iceberg"))
		return f.open, nil
	case "parquet":
		store, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		f := newParquetFactory(store, cfg.Writer, clockwork.NewRealClock(), logger.With("writer", "parquet"))
		return f.open, nil
	default:
		return nil, fmt.Errorf("unsupported writer type %q", cfg.Writer.Type)
	}
}
