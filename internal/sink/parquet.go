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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"
	"github.com/hamba/avro/v2"
	"github.com/jonboulle/clockwork"
	"github.com/novatechflow/lakehouse-sink/internal/config"
	"github.com/novatechflow/lakehouse-sink/internal/record"
)

const (
	dataDir    = "data"
	commitsDir = "_commits"
)

// commitManifest is written once per successful flush. A data file without a
// manifest is not part of the table.
type commitManifest struct {
	Version     int64     `json:"version"`
	DataFiles   []string  `json:"data_files"`
	Rows        int       `json:"rows"`
	Schema      string    `json:"schema"`
	CommittedAt time.Time `json:"committed_at"`
}

// parquetFactory shares the commit version sequence across the writers it
// opens, so a schema change continues the same log.
type parquetFactory struct {
	store       ObjectStore
	prefix      string
	compression compress.Compression
	clock       clockwork.Clock
	logger      *slog.Logger

	mu      sync.Mutex
	loaded  bool
	version int64
}

func newParquetFactory(store ObjectStore, cfg config.WriterConfig, clock clockwork.Clock, logger *slog.Logger) *parquetFactory {
	return &parquetFactory{
		store:       store,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		compression: compressionCodec(cfg.Compression),
		clock:       clock,
		logger:      logger,
	}
}

func compressionCodec(s string) compress.Compression {
	switch strings.ToLower(s) {
	case "snappy", "":
		return compress.Codecs.Snappy
	case "gzip":
		return compress.Codecs.Gzip
	case "uncompressed", "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Zstd
	}
}

func (f *parquetFactory) open(ctx context.Context, s avro.Schema) (Writer, error) {
	cols, err := columnsFor(s)
	if err != nil {
		return nil, err
	}
	if err := f.loadVersion(ctx); err != nil {
		return nil, err
	}
	return &parquetWriter{
		factory: f,
		schema:  s,
		columns: cols,
		arrow:   arrowSchemaFor(cols),
	}, nil
}

// loadVersion resumes the commit sequence from the manifests already stored.
func (f *parquetFactory) loadVersion(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return nil
	}
	keys, err := f.store.List(ctx, f.key(commitsDir)+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		name := strings.TrimSuffix(path.Base(key), ".json")
		version, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		if version > f.version {
			f.version = version
		}
	}
	f.loaded = true
	f.logger.Info("parquet commit log loaded", "prefix", f.prefix, "version", f.version)
	return nil
}

func (f *parquetFactory) key(elem ...string) string {
	if f.prefix == "" {
		return path.Join(elem...)
	}
	return path.Join(append([]string{f.prefix}, elem...)...)
}

func (f *parquetFactory) nextVersion() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version + 1
}

func (f *parquetFactory) committed(version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if version > f.version {
		f.version = version
	}
}

type parquetWriter struct {
	factory *parquetFactory
	schema  avro.Schema
	columns []column
	arrow   *arrow.Schema
	rows    [][]any
}

func (w *parquetWriter) UpdateSchema(ctx context.Context, s avro.Schema) (bool, error) {
	cols, err := columnsFor(s)
	if err != nil {
		return false, err
	}
	if sameColumns(cols, w.columns) {
		w.schema = s
		return false, nil
	}
	ok, err := w.Flush(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %d pending rows", ErrFlushFailed, len(w.rows))
	}
	return true, nil
}

func (w *parquetWriter) Write(ctx context.Context, row record.Row) error {
	values, err := normalizeRow(w.columns, row)
	if err != nil {
		return err
	}
	w.rows = append(w.rows, values)
	return nil
}

func (w *parquetWriter) Flush(ctx context.Context) (bool, error) {
	if len(w.rows) == 0 {
		return true, nil
	}
	f := w.factory
	rec, err := buildRecord(w.arrow, w.columns, w.rows)
	if err != nil {
		return false, err
	}
	defer rec.Release()
	body, err := encodeParquet(w.arrow, rec, f.compression)
	if err != nil {
		return false, err
	}

	version := f.nextVersion()
	dataKey := f.key(dataDir, fmt.Sprintf("%020d-%s.parquet", version, uuid.NewString()))
	if err := f.store.Put(ctx, dataKey, body); err != nil {
		f.logger.Warn("parquet upload failed", "key", dataKey, "code", errorCode(err), "err", err)
		return false, nil
	}

	manifest, err := json.Marshal(commitManifest{
		Version:     version,
		DataFiles:   []string{dataKey},
		Rows:        len(w.rows),
		Schema:      w.schema.String(),
		CommittedAt: f.clock.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	manifestKey := f.key(commitsDir, fmt.Sprintf("%020d.json", version))
	if err := f.store.Put(ctx, manifestKey, manifest); err != nil {
		f.logger.Warn("parquet manifest upload failed", "key", manifestKey, "code", errorCode(err), "err", err)
		return false, nil
	}

	f.committed(version)
	f.logger.Debug("parquet commit", "version", version, "rows", len(w.rows), "bytes", len(body))
	w.rows = nil
	return true, nil
}

func (w *parquetWriter) Close(ctx context.Context) error {
	if len(w.rows) > 0 {
		w.factory.logger.Warn("discarding unflushed rows", "prefix", w.factory.prefix, "rows", len(w.rows))
	}
	w.rows = nil
	return nil
}

func encodeParquet(schema *arrow.Schema, rec arrow.RecordBatch, codec compress.Compression) ([]byte, error) {
	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(codec))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	pw, err := pqarrow.NewFileWriter(schema, &buf, props, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("init parquet writer: %w", err)
	}
	if err := pw.Write(rec); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("parquet write: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
