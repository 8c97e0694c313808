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
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	iceberg "github.com/apache/iceberg-go"
	"github.com/hamba/avro/v2"
	"github.com/novatechflow/lakehouse-sink/internal/record"
)

type columnKind int

const (
	kindBool columnKind = iota
	kindInt
	kindLong
	kindFloat
	kindDouble
	kindString
	kindBinary
	kindDate
	kindTimestampMillis
	kindTimestampMicros
	// kindJSON holds nested values and multi-branch unions as JSON text.
	kindJSON
)

func (k columnKind) String() string {
	switch k {
	case kindBool:
		return "boolean"
	case kindInt:
		return "int"
	case kindLong:
		return "long"
	case kindFloat:
		return "float"
	case kindDouble:
		return "double"
	case kindString:
		return "string"
	case kindBinary:
		return "binary"
	case kindDate:
		return "date"
	case kindTimestampMillis, kindTimestampMicros:
		return "timestamp"
	case kindJSON:
		return "json"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type column struct {
	name string
	kind columnKind
}

// columnsFor flattens the top-level fields of a record schema into columns.
func columnsFor(s avro.Schema) ([]column, error) {
	if s == nil {
		return nil, fmt.Errorf("writer schema is nil")
	}
	rec, ok := s.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("writer schema must be a record, got %s", s.Type())
	}
	cols := make([]column, 0, len(rec.Fields()))
	for _, f := range rec.Fields() {
		cols = append(cols, column{name: f.Name(), kind: kindFor(f.Type())})
	}
	return cols, nil
}

func kindFor(s avro.Schema) columnKind {
	switch typed := s.(type) {
	case *avro.RefSchema:
		return kindFor(typed.Schema())
	case *avro.UnionSchema:
		if inner := nonNullBranch(typed); inner != nil {
			return kindFor(inner)
		}
		return kindJSON
	case avro.LogicalTypeSchema:
		if logical := typed.Logical(); logical != nil {
			switch logical.Type() {
			case avro.Date:
				return kindDate
			case avro.TimestampMillis:
				return kindTimestampMillis
			case avro.TimestampMicros:
				return kindTimestampMicros
			}
		}
	}

	switch s.Type() {
	case avro.Boolean:
		return kindBool
	case avro.Int:
		return kindInt
	case avro.Long:
		return kindLong
	case avro.Float:
		return kindFloat
	case avro.Double:
		return kindDouble
	case avro.String, avro.Enum:
		return kindString
	case avro.Bytes, avro.Fixed:
		return kindBinary
	default:
		return kindJSON
	}
}

func nonNullBranch(u *avro.UnionSchema) avro.Schema {
	types := u.Types()
	if len(types) != 2 {
		return nil
	}
	switch {
	case types[0].Type() == avro.Null:
		return types[1]
	case types[1].Type() == avro.Null:
		return types[0]
	default:
		return nil
	}
}

func sameColumns(a, b []column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (k columnKind) icebergType() iceberg.Type {
	switch k {
	case kindBool:
		return iceberg.PrimitiveTypes.Bool
	case kindInt:
		return iceberg.PrimitiveTypes.Int32
	case kindLong:
		return iceberg.PrimitiveTypes.Int64
	case kindFloat:
		return iceberg.PrimitiveTypes.Float32
	case kindDouble:
		return iceberg.PrimitiveTypes.Float64
	case kindBinary:
		return iceberg.PrimitiveTypes.Binary
	case kindDate:
		return iceberg.PrimitiveTypes.Date
	case kindTimestampMillis, kindTimestampMicros:
		return iceberg.PrimitiveTypes.Timestamp
	default:
		return iceberg.PrimitiveTypes.String
	}
}

func (k columnKind) arrowType() arrow.DataType {
	switch k {
	case kindBool:
		return arrow.FixedWidthTypes.Boolean
	case kindInt:
		return arrow.PrimitiveTypes.Int32
	case kindLong:
		return arrow.PrimitiveTypes.Int64
	case kindFloat:
		return arrow.PrimitiveTypes.Float32
	case kindDouble:
		return arrow.PrimitiveTypes.Float64
	case kindBinary:
		return arrow.BinaryTypes.Binary
	case kindDate:
		return arrow.FixedWidthTypes.Date32
	case kindTimestampMillis, kindTimestampMicros:
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	default:
		return arrow.BinaryTypes.String
	}
}

func arrowSchemaFor(cols []column) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(cols))
	for _, col := range cols {
		fields = append(fields, arrow.Field{Name: col.name, Type: col.kind.arrowType(), Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

// normalizeRow converts a decoded row into one canonical value per column.
func normalizeRow(cols []column, row record.Row) ([]any, error) {
	out := make([]any, len(cols))
	for i, col := range cols {
		v, err := normalize(col.kind, row[col.name])
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrRowRejected, col.name, err)
		}
		out[i] = v
	}
	return out, nil
}

func normalize(kind columnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kindInt:
		if n, ok := asInt64(v); ok {
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, fmt.Errorf("value %d overflows int", n)
			}
			return int32(n), nil
		}
	case kindLong:
		if n, ok := asInt64(v); ok {
			return n, nil
		}
		if t, ok := v.(time.Time); ok {
			return t.UnixMilli(), nil
		}
	case kindFloat:
		if f, ok := asFloat64(v); ok {
			return float32(f), nil
		}
	case kindDouble:
		if f, ok := asFloat64(v); ok {
			return f, nil
		}
	case kindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case fmt.Stringer:
			return s.String(), nil
		}
	case kindBinary:
		if b, ok := asBytes(v); ok {
			return b, nil
		}
	case kindDate:
		if t, ok := v.(time.Time); ok {
			return epochDays(t), nil
		}
		if n, ok := asInt64(v); ok {
			return int32(n), nil
		}
	case kindTimestampMillis:
		if t, ok := v.(time.Time); ok {
			return t.UnixMicro(), nil
		}
		if n, ok := asInt64(v); ok {
			return n * 1000, nil
		}
	case kindTimestampMicros:
		if t, ok := v.(time.Time); ok {
			return t.UnixMicro(), nil
		}
		if n, ok := asInt64(v); ok {
			return n, nil
		}
	case kindJSON:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(encoded), nil
	}
	return nil, fmt.Errorf("cannot store %T in %s column", v, kind)
}

func epochDays(t time.Time) int32 {
	secs := t.Unix()
	days := secs / 86400
	if secs%86400 < 0 {
		days--
	}
	return int32(days)
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		if n, ok := asInt64(value); ok {
			return float64(n), true
		}
		return 0, false
	}
}

// asBytes also accepts fixed-size byte arrays as produced for Avro fixed.
func asBytes(value any) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Array || rv.Type().Elem().Kind() != reflect.Uint8 {
		return nil, false
	}
	out := make([]byte, rv.Len())
	for i := range out {
		out[i] = byte(rv.Index(i).Uint())
	}
	return out, true
}

// buildRecord lays normalized rows out along schema, matching columns by
// name. Schema fields without a column are filled with nulls.
func buildRecord(schema *arrow.Schema, cols []column, rows [][]any) (arrow.RecordBatch, error) {
	index := make(map[string]int, len(cols))
	for i, col := range cols {
		index[col.name] = i
	}

	builder := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer builder.Release()

	for f, field := range schema.Fields() {
		fb := builder.Field(f)
		ci, ok := index[field.Name]
		for _, row := range rows {
			if !ok || row[ci] == nil {
				fb.AppendNull()
				continue
			}
			if err := appendValue(fb, row[ci]); err != nil {
				return nil, fmt.Errorf("column %q: %w", field.Name, err)
			}
		}
	}
	return builder.NewRecord(), nil
}

func appendValue(b array.Builder, v any) error {
	switch fb := b.(type) {
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return unexpected(v, "boolean")
		}
		fb.Append(x)
	case *array.Int32Builder:
		n, ok := asInt64(v)
		if !ok {
			return unexpected(v, "int32")
		}
		fb.Append(int32(n))
	case *array.Int64Builder:
		n, ok := asInt64(v)
		if !ok {
			return unexpected(v, "int64")
		}
		fb.Append(n)
	case *array.Float32Builder:
		f, ok := asFloat64(v)
		if !ok {
			return unexpected(v, "float32")
		}
		fb.Append(float32(f))
	case *array.Float64Builder:
		f, ok := asFloat64(v)
		if !ok {
			return unexpected(v, "float64")
		}
		fb.Append(f)
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return unexpected(v, "string")
		}
		fb.Append(s)
	case *array.BinaryBuilder:
		bs, ok := asBytes(v)
		if !ok {
			return unexpected(v, "binary")
		}
		fb.Append(bs)
	case *array.Date32Builder:
		n, ok := asInt64(v)
		if !ok {
			return unexpected(v, "date32")
		}
		fb.Append(arrow.Date32(n))
	case *array.TimestampBuilder:
		n, ok := asInt64(v)
		if !ok {
			return unexpected(v, "timestamp")
		}
		fb.Append(arrow.Timestamp(n))
	default:
		return fmt.Errorf("unsupported arrow builder %T", b)
	}
	return nil
}

func unexpected(v any, want string) error {
	return fmt.Errorf("%w: %T for %s", ErrRowRejected, v, want)
}
