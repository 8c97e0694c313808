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
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	iceberg "github.com/apache/iceberg-go"
	"github.com/apache/iceberg-go/catalog"
	restcatalog "github.com/apache/iceberg-go/catalog/rest"
	iceio "github.com/apache/iceberg-go/io"
	"github.com/apache/iceberg-go/table"
	"github.com/hamba/avro/v2"
	"github.com/novatechflow/lakehouse-sink/internal/config"
	"github.com/novatechflow/lakehouse-sink/internal/record"
)

const defaultTableSchemaID = 1

var errNoDataFiles = errors.New("iceberg commit produced no data files")

// NewCatalog loads the Iceberg catalog described by cfg.
func NewCatalog(ctx context.Context, cfg config.Config) (catalog.Catalog, error) {
	props := iceberg.Properties{
		"type": cfg.Iceberg.Catalog.Type,
		"uri":  cfg.Iceberg.Catalog.URI,
	}
	if cfg.Iceberg.Warehouse != "" {
		props["warehouse"] = strings.TrimRight(cfg.Iceberg.Warehouse, "/")
	}
	if cfg.Iceberg.Catalog.Token != "" {
		props["token"] = cfg.Iceberg.Catalog.Token
	}
	if cfg.Iceberg.Catalog.Username != "" || cfg.Iceberg.Catalog.Password != "" {
		credential := cfg.Iceberg.Catalog.Username
		if cfg.Iceberg.Catalog.Password != "" {
			credential = credential + ":" + cfg.Iceberg.Catalog.Password
		}
		props["credential"] = credential
	}
	if cfg.S3.Region != "" {
		props[iceio.S3Region] = cfg.S3.Region
	}
	if cfg.S3.Endpoint != "" {
		props[iceio.S3EndpointURL] = cfg.S3.Endpoint
	}
	if cfg.S3.AccessKeyID != "" {
		props[iceio.S3AccessKeyID] = cfg.S3.AccessKeyID
		props[iceio.S3SecretAccessKey] = cfg.S3.SecretAccessKey
	}
	if cfg.S3.PathStyle {
		props[iceio.S3ForceVirtualAddressing] = "false"
	} else if cfg.S3.Endpoint != "" {
		props[iceio.S3ForceVirtualAddressing] = "true"
	}
	return catalog.Load(ctx, cfg.Iceberg.Catalog.Type, props)
}

type icebergFactory struct {
	catalog    catalog.Catalog
	ident      table.Identifier
	warehouse  string
	autoCreate bool
	allowWiden bool
	logger     *slog.Logger
}

func newIcebergFactory(cat catalog.Catalog, cfg config.Config, logger *slog.Logger) *icebergFactory {
	return &icebergFactory{
		catalog:    cat,
		ident:      catalog.ToIdentifier(cfg.Writer.Table),
		warehouse:  strings.TrimRight(cfg.Iceberg.Warehouse, "/"),
		autoCreate: cfg.Writer.CreateTableIfAbsent,
		allowWiden: cfg.Writer.AllowTypeWidening,
		logger:     logger,
	}
}

// open loads (or creates) the target table, evolves its schema to cover s and
// returns a writer appending rows of s.
func (f *icebergFactory) open(ctx context.Context, s avro.Schema) (Writer, error) {
	cols, err := columnsFor(s)
	if err != nil {
		return nil, err
	}
	tbl, err := f.loadTable(ctx, cols)
	if err != nil {
		return nil, err
	}
	if updated, err := f.ensureTablePaths(ctx, tbl); err != nil {
		return nil, err
	} else if updated != nil {
		tbl = updated
	}
	tbl, err = f.ensureSchema(ctx, tbl, cols)
	if err != nil {
		return nil, err
	}
	arrowSchema, err := table.SchemaToArrowSchema(tbl.Schema(), nil, true, false)
	if err != nil {
		return nil, err
	}
	f.logger.Info("iceberg writer opened", "table", f.tableName(), "schema_id", tbl.Schema().ID, "columns", len(cols))
	return &icebergWriter{
		factory: f,
		logger:  f.logger,
		tbl:     tbl,
		columns: cols,
		arrow:   arrowSchema,
	}, nil
}

func (f *icebergFactory) loadTable(ctx context.Context, cols []column) (*table.Table, error) {
	tbl, err := f.catalog.LoadTable(ctx, f.ident)
	if err == nil {
		return tbl, nil
	}
	if !errors.Is(err, catalog.ErrNoSuchTable) || !f.autoCreate {
		return nil, fmt.Errorf("load table %v: %w", f.ident, err)
	}
	f.logger.Info("creating iceberg table", "table", f.tableName())
	return f.createTableWithRetry(ctx, cols)
}

func (f *icebergFactory) location() string {
	if f.warehouse == "" {
		return ""
	}
	return f.warehouse + "/" + strings.Join(f.ident, "/")
}

func (f *icebergFactory) createTable(ctx context.Context, cols []column) (*table.Table, error) {
	if len(f.ident) > 1 {
		namespace := f.ident[:len(f.ident)-1]
		if _, isRest := f.catalog.(*restcatalog.Catalog); isRest {
			if err := f.catalog.CreateNamespace(ctx, namespace, iceberg.Properties{}); err != nil && !errors.Is(err, catalog.ErrNamespaceAlreadyExists) {
				return nil, err
			}
		} else {
			exists, err := f.catalog.CheckNamespaceExists(ctx, namespace)
			if err != nil {
				return nil, err
			}
			if !exists {
				if err := f.catalog.CreateNamespace(ctx, namespace, iceberg.Properties{}); err != nil {
					return nil, err
				}
			}
		}
	}

	location := f.location()
	props := iceberg.Properties{
		"write.format.default": "parquet",
	}
	if location != "" {
		props[table.WriteDataPathKey] = location + "/data"
		props[table.WriteMetadataPathKey] = location + "/metadata"
	}
	opts := []catalog.CreateTableOpt{
		catalog.WithProperties(props),
	}
	if location != "" {
		opts = append(opts, catalog.WithLocation(location))
	}
	return f.catalog.CreateTable(ctx, f.ident, buildDesiredSchema(cols, nil), opts...)
}

// createTableWithRetry falls back to loading the table when another writer
// created it first.
func (f *icebergFactory) createTableWithRetry(ctx context.Context, cols []column) (*table.Table, error) {
	tbl, err := retry(ctx, createBackoff, always, func(attempt int) (*table.Table, error) {
		tbl, err := f.createTable(ctx, cols)
		if err == nil {
			return tbl, nil
		}
		if isCreateConflict(err) {
			f.logger.Info("iceberg create conflicted, loading table", "table", f.tableName())
			if loaded, loadErr := f.reload(ctx); loadErr == nil {
				return loaded, nil
			}
		}
		f.logger.Warn("iceberg create table failed", "table", f.tableName(), "attempt", attempt+1, "err", err)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("create table %v: %w", f.ident, err)
	}
	return tbl, nil
}

func (f *icebergFactory) reload(ctx context.Context) (*table.Table, error) {
	return retry(ctx, reloadBackoff, always, func(int) (*table.Table, error) {
		return f.catalog.LoadTable(ctx, f.ident)
	})
}

func (f *icebergFactory) tableName() string {
	return strings.Join(f.ident, ".")
}

// ensureTablePaths backfills the data and metadata path properties on tables
// created without them.
func (f *icebergFactory) ensureTablePaths(ctx context.Context, tbl *table.Table) (*table.Table, error) {
	if len(f.missingPathProps(tbl)) == 0 {
		return nil, nil
	}
	return retry(ctx, commitBackoff, isCommitConflict, func(int) (*table.Table, error) {
		props := f.missingPathProps(tbl)
		if len(props) == 0 {
			return tbl, nil
		}
		_, _, err := f.catalog.CommitTable(ctx, f.ident, nil, []table.Update{table.NewSetPropertiesUpdate(props)})
		if err == nil {
			return f.reload(ctx)
		}
		if reloaded, loadErr := f.reload(ctx); loadErr == nil {
			tbl = reloaded
		}
		return nil, err
	})
}

func (f *icebergFactory) missingPathProps(tbl *table.Table) iceberg.Properties {
	location := tbl.Location()
	if location == "" {
		location = f.location()
	}
	if location == "" {
		return nil
	}
	current := tbl.Properties()
	props := iceberg.Properties{}
	if current[table.WriteDataPathKey] == "" {
		props[table.WriteDataPathKey] = location + "/data"
	}
	if current[table.WriteMetadataPathKey] == "" {
		props[table.WriteMetadataPathKey] = location + "/metadata"
	}
	return props
}

// ensureSchema commits a new table schema when cols add columns or widen
// existing ones.
func (f *icebergFactory) ensureSchema(ctx context.Context, tbl *table.Table, cols []column) (*table.Table, error) {
	out, err := retry(ctx, commitBackoff, isCommitConflict, func(int) (*table.Table, error) {
		current := tbl.Schema()
		desired := buildDesiredSchema(cols, current)
		needsUpdate, err := schemaNeedsUpdate(current, desired, f.allowWiden)
		if err != nil || !needsUpdate {
			return tbl, err
		}
		_, _, err = f.catalog.CommitTable(ctx, f.ident,
			[]table.Requirement{table.AssertCurrentSchemaID(current.ID)},
			[]table.Update{table.NewAddSchemaUpdate(desired), table.NewSetCurrentSchemaUpdate(-1)},
		)
		if err == nil {
			f.logger.Info("iceberg schema evolved", "table", f.tableName(), "from_schema_id", current.ID)
			return f.reload(ctx)
		}
		if reloaded, loadErr := f.reload(ctx); loadErr == nil {
			tbl = reloaded
		}
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("evolve schema for %v: %w", f.ident, err)
	}
	return out, nil
}

// buildDesiredSchema keeps field IDs of existing columns, appends new columns
// with fresh IDs and retains table columns the record no longer carries. An
// existing column wider than the incoming one keeps its type.
func buildDesiredSchema(cols []column, existing *iceberg.Schema) *iceberg.Schema {
	fieldIDs := map[string]int{}
	maxID := 0
	if existing != nil {
		for _, id := range existing.FieldIDs() {
			if id > maxID {
				maxID = id
			}
		}
		for _, field := range existing.Fields() {
			fieldIDs[field.Name] = field.ID
		}
	}

	fields := make([]iceberg.NestedField, 0, len(cols))
	seen := make(map[string]bool, len(cols))
	for _, col := range cols {
		fieldType := col.kind.icebergType()
		id, ok := fieldIDs[col.name]
		if ok {
			if current, found := existing.FindFieldByName(col.name); found && isWidening(fieldType, current.Type) {
				fieldType = current.Type
			}
		} else {
			maxID++
			id = maxID
		}
		fields = append(fields, iceberg.NestedField{ID: id, Name: col.name, Type: fieldType})
		seen[col.name] = true
	}
	if existing != nil {
		for _, field := range existing.Fields() {
			if !seen[field.Name] {
				fields = append(fields, field)
			}
		}
	}

	schemaID := defaultTableSchemaID
	if existing != nil {
		schemaID = existing.ID + 1
	}
	return iceberg.NewSchema(schemaID, fields...)
}

func schemaNeedsUpdate(current *iceberg.Schema, desired *iceberg.Schema, allowWiden bool) (bool, error) {
	for _, field := range desired.Fields() {
		existing, ok := current.FindFieldByName(field.Name)
		if !ok {
			return true, nil
		}
		if existing.Type.Equals(field.Type) {
			continue
		}
		if allowWiden && isWidening(existing.Type, field.Type) {
			return true, nil
		}
		return false, fmt.Errorf("incompatible type change for %q: %s -> %s", field.Name, existing.Type, field.Type)
	}
	return false, nil
}

func isWidening(from iceberg.Type, to iceberg.Type) bool {
	switch from.(type) {
	case iceberg.Int32Type:
		_, ok := to.(iceberg.Int64Type)
		return ok
	case iceberg.Float32Type:
		_, ok := to.(iceberg.Float64Type)
		return ok
	default:
		return false
	}
}

type icebergWriter struct {
	factory *icebergFactory
	logger  *slog.Logger

	tbl     *table.Table
	columns []column
	arrow   *arrow.Schema
	rows    [][]any
}

func (w *icebergWriter) UpdateSchema(ctx context.Context, s avro.Schema) (bool, error) {
	cols, err := columnsFor(s)
	if err != nil {
		return false, err
	}
	if sameColumns(cols, w.columns) {
		return false, nil
	}
	ok, err := w.Flush(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %d pending rows on %v", ErrFlushFailed, len(w.rows), w.factory.ident)
	}
	return true, nil
}

func (w *icebergWriter) Write(ctx context.Context, row record.Row) error {
	values, err := normalizeRow(w.columns, row)
	if err != nil {
		return err
	}
	w.rows = append(w.rows, values)
	return nil
}

func (w *icebergWriter) Flush(ctx context.Context) (bool, error) {
	if len(w.rows) == 0 {
		return true, nil
	}
	rec, err := buildRecord(w.arrow, w.columns, w.rows)
	if err != nil {
		return false, err
	}
	defer rec.Release()

	updated, err := retry(ctx, commitBackoff, always, func(attempt int) (*table.Table, error) {
		rdr, err := array.NewRecordReader(w.arrow, []arrow.RecordBatch{rec})
		if err != nil {
			return nil, err
		}
		defer rdr.Release()
		updated, err := w.tbl.Append(ctx, rdr, iceberg.Properties{
			"lakehouse.commit.attempt": strconv.Itoa(attempt + 1),
			"lakehouse.commit.rows":    strconv.Itoa(len(w.rows)),
		})
		if err == nil && !hasSnapshotDataFiles(updated) {
			err = errNoDataFiles
		}
		if err != nil && isCommitConflict(err) {
			if reloaded, loadErr := w.factory.reload(ctx); loadErr == nil {
				w.tbl = reloaded
			}
		}
		return updated, err
	})
	if err != nil {
		w.logger.Warn("iceberg append failed", "table", w.factory.tableName(), "rows", len(w.rows), "err", err)
		return false, nil
	}
	w.tbl = updated
	w.rows = nil
	return true, nil
}

func (w *icebergWriter) Close(ctx context.Context) error {
	if len(w.rows) > 0 {
		w.logger.Warn("discarding unflushed rows", "table", w.factory.tableName(), "rows", len(w.rows))
	}
	w.rows = nil
	return nil
}

func isCreateConflict(err error) bool {
	if errors.Is(err, catalog.ErrTableAlreadyExists) {
		return true
	}
	return isCommitConflict(err)
}

func isCommitConflict(err error) bool {
	if errors.Is(err, restcatalog.ErrCommitFailed) {
		return true
	}
	return strings.Contains(err.Error(), "branch main was created concurrently")
}

func hasSnapshotDataFiles(tbl *table.Table) bool {
	if tbl == nil {
		return false
	}
	snap := tbl.CurrentSnapshot()
	if snap == nil {
		return false
	}
	if snap.Summary == nil || len(snap.Summary.Properties) == 0 {
		return true
	}
	if count, ok := summaryCount(snap.Summary.Properties, "added-data-files"); ok {
		return count > 0
	}
	if count, ok := summaryCount(snap.Summary.Properties, "total-data-files"); ok {
		return count > 0
	}
	return true
}

func summaryCount(props iceberg.Properties, key string) (int, bool) {
	raw := props[key]
	if raw == "" {
		return 0, false
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return count, true
}
