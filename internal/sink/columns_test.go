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
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/hamba/avro/v2"
	"github.com/novatechflow/lakehouse-sink/internal/record"
)

const eventSchema = `{"type":"record","name":"Event","fields":[
	{"name":"id","type":"long"},
	{"name":"count","type":"int"},
	{"name":"name","type":["null","string"],"default":null},
	{"name":"kind","type":{"type":"enum","name":"Kind","symbols":["A","B"]}},
	{"name":"digest","type":{"type":"fixed","name":"Digest","size":4}},
	{"name":"day","type":{"type":"int","logicalType":"date"}},
	{"name":"at","type":{"type":"long","logicalType":"timestamp-millis"}},
	{"name":"tags","type":{"type":"array","items":"string"}},
	{"name":"choice","type":["int","string"]}
]}`

func mustParse(t *testing.T, text string) avro.Schema {
	t.Helper()
	s, err := avro.Parse(text)
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return s
}

func TestColumnsForMapsAvroTypes(t *testing.T) {
	cols, err := columnsFor(mustParse(t, eventSchema))
	if err != nil {
		t.Fatalf("columnsFor: %v", err)
	}
	want := []column{
		{name: "id", kind: kindLong},
		{name: "count", kind: kindInt},
		{name: "name", kind: kindString},
		{name: "kind", kind: kindString},
		{name: "digest", kind: kindBinary},
		{name: "day", kind: kindDate},
		{name: "at", kind: kindTimestampMillis},
		{name: "tags", kind: kindJSON},
		{name: "choice", kind: kindJSON},
	}
	if !sameColumns(cols, want) {
		t.Fatalf("unexpected columns: %+v", cols)
	}
}

func TestColumnsForRejectsNonRecord(t *testing.T) {
	if _, err := columnsFor(mustParse(t, `"string"`)); err == nil {
		t.Fatalf("expected error for primitive schema")
	}
}

func TestNormalizeRow(t *testing.T) {
	cols, err := columnsFor(mustParse(t, eventSchema))
	if err != nil {
		t.Fatalf("columnsFor: %v", err)
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	values, err := normalizeRow(cols, record.Row{
		"id":     int64(7),
		"count":  3,
		"name":   nil,
		"kind":   "B",
		"digest": [4]byte{1, 2, 3, 4},
		"day":    at,
		"at":     at,
		"tags":   []any{"x", "y"},
		"choice": 5,
	})
	if err != nil {
		t.Fatalf("normalizeRow: %v", err)
	}
	if values[0] != int64(7) || values[1] != int32(3) || values[2] != nil || values[3] != "B" {
		t.Fatalf("unexpected scalar values: %#v", values[:4])
	}
	if got := values[4].([]byte); string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("unexpected fixed bytes: %v", got)
	}
	if values[5] != int32(19783) {
		t.Fatalf("unexpected date: %v", values[5])
	}
	if values[6] != at.UnixMicro() {
		t.Fatalf("unexpected timestamp: %v", values[6])
	}
	if values[7] != `["x","y"]` || values[8] != "5" {
		t.Fatalf("unexpected json columns: %v %v", values[7], values[8])
	}
}

func TestNormalizeRowRejectsWrongType(t *testing.T) {
	cols := []column{{name: "id", kind: kindLong}}
	_, err := normalizeRow(cols, record.Row{"id": "seven"})
	if !errors.Is(err, ErrRowRejected) {
		t.Fatalf("expected ErrRowRejected, got %v", err)
	}
}

func TestNormalizeIntOverflow(t *testing.T) {
	if _, err := normalize(kindInt, int64(1)<<40); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestEpochDaysBeforeEpoch(t *testing.T) {
	day := time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC)
	if got := epochDays(day); got != -1 {
		t.Fatalf("expected -1, got %d", got)
	}
}

func TestBuildRecordFillsMissingColumnsWithNull(t *testing.T) {
	cols := []column{{name: "id", kind: kindLong}}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "legacy", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	rec, err := buildRecord(schema, cols, [][]any{{int64(1)}, {int64(2)}})
	if err != nil {
		t.Fatalf("buildRecord: %v", err)
	}
	defer rec.Release()

	if rec.NumRows() != 2 {
		t.Fatalf("expected 2 rows, got %d", rec.NumRows())
	}
	ids := rec.Column(0).(*array.Int64)
	if ids.Value(1) != 2 {
		t.Fatalf("unexpected id: %d", ids.Value(1))
	}
	if rec.Column(1).NullN() != 2 {
		t.Fatalf("expected legacy column to be null")
	}
}

func TestBuildRecordWidensIntoLongColumn(t *testing.T) {
	cols := []column{{name: "count", kind: kindInt}}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "count", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)

	rec, err := buildRecord(schema, cols, [][]any{{int32(9)}})
	if err != nil {
		t.Fatalf("buildRecord: %v", err)
	}
	defer rec.Release()
	if got := rec.Column(0).(*array.Int64).Value(0); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
}
