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

package decoder

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/hamba/avro/v2"

	"github.com/novatechflow/lakehouse-sink/internal/record"
	"github.com/novatechflow/lakehouse-sink/internal/schema"
)

const orderSchema = `{"type":"record","name":"Order","fields":[
  {"name":"id","type":"long"},
  {"name":"qty","type":"int"},
  {"name":"note","type":["null","string"],"default":null},
  {"name":"status","type":{"type":"enum","name":"Status","symbols":["NEW","DONE"]}},
  {"name":"attrs","type":{"type":"map","values":"string"}}
]}`

func newTestDecoder(t *testing.T, fieldName string) (*Decoder, *schema.Tracker) {
	t.Helper()
	tracker := schema.NewTracker(fieldName)
	return New(fieldName, slog.New(slog.NewTextHandler(io.Discard, nil))), tracker
}

func observe(t *testing.T, tracker *schema.Tracker, descriptor string) {
	t.Helper()
	if _, err := tracker.Observe(descriptor); err != nil {
		t.Fatalf("observe: %v", err)
	}
}

func TestDecodeAvroRowPassesThrough(t *testing.T) {
	dec, tracker := newTestDecoder(t, "")
	observe(t, tracker, orderSchema)

	in := record.Row{"id": int64(1)}
	row, ok := dec.Decode(record.New(orderSchema, record.KindAvro, in, nil), tracker.Schema(), tracker.Projection())
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	in["id"] = int64(2)
	if row["id"] != int64(2) {
		t.Fatalf("expected the same row instance to pass through")
	}
}

func TestDecodeAvroBytes(t *testing.T) {
	dec, tracker := newTestDecoder(t, "")
	observe(t, tracker, orderSchema)

	payload, err := avro.Marshal(tracker.Schema(), map[string]any{
		"id":     int64(7),
		"qty":    3,
		"note":   nil,
		"status": "NEW",
		"attrs":  map[string]any{"a": "b"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	row, ok := dec.Decode(record.New(orderSchema, record.KindAvro, payload, nil), tracker.Schema(), tracker.Projection())
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if row["id"] != int64(7) {
		t.Fatalf("unexpected id: %v", row["id"])
	}
}

func TestDecodeJSON(t *testing.T) {
	dec, tracker := newTestDecoder(t, "")
	observe(t, tracker, orderSchema)

	text := `{"id": 42, "qty": 2, "note": "gift", "status": "DONE", "attrs": {"k": "v"}, "extra": true}`
	row, ok := dec.Decode(record.New(orderSchema, record.KindJSON, text, nil), tracker.Schema(), tracker.Projection())
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if row["id"] != int64(42) {
		t.Fatalf("unexpected id: %#v", row["id"])
	}
	if row["qty"] != 2 {
		t.Fatalf("unexpected qty: %#v", row["qty"])
	}
	if row["note"] != "gift" {
		t.Fatalf("unexpected note: %#v", row["note"])
	}
	attrs := row["attrs"].(map[string]any)
	if attrs["k"] != "v" {
		t.Fatalf("unexpected attrs: %#v", attrs)
	}
	if _, ok := row["extra"]; ok {
		t.Fatalf("unknown fields must be ignored")
	}
}

func TestDecodeJSONNullableFieldMayBeAbsent(t *testing.T) {
	dec, tracker := newTestDecoder(t, "")
	observe(t, tracker, orderSchema)

	text := []byte(`{"id": 1, "qty": 1, "note": null, "status": "NEW", "attrs": {}}`)
	row, ok := dec.Decode(record.New(orderSchema, record.KindJSON, text, nil), tracker.Schema(), tracker.Projection())
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if v, present := row["note"]; !present || v != nil {
		t.Fatalf("expected nil note, got %#v", v)
	}
}

func TestDecodeJSONMismatchDropsOnlyThatRecord(t *testing.T) {
	dec, tracker := newTestDecoder(t, "")
	observe(t, tracker, orderSchema)

	bad := []string{
		`{"qty": 1, "status": "NEW", "attrs": {}}`,
		`{"id": "x", "qty": 1, "status": "NEW", "attrs": {}}`,
		`{"id": 1, "qty": 1, "status": "LOST", "attrs": {}}`,
		`{"id": 1, "qty": 1.5, "status": "NEW", "attrs": {}}`,
		`not json`,
	}
	for _, text := range bad {
		if _, ok := dec.Decode(record.New(orderSchema, record.KindJSON, text, nil), tracker.Schema(), tracker.Projection()); ok {
			t.Fatalf("expected decode failure for %s", text)
		}
	}

	good := `{"id": 9, "qty": 1, "status": "NEW", "attrs": {}}`
	row, ok := dec.Decode(record.New(orderSchema, record.KindJSON, good, nil), tracker.Schema(), tracker.Projection())
	if !ok {
		t.Fatalf("well-formed record after failures must decode")
	}
	if row["id"] != int64(9) {
		t.Fatalf("unexpected id: %#v", row["id"])
	}
}

func TestDecodeJSONUnionBranches(t *testing.T) {
	dec, tracker := newTestDecoder(t, "")
	descriptor := `{"type":"record","name":"U","fields":[{"name":"v","type":["null","string","long"]}]}`
	observe(t, tracker, descriptor)

	for text, want := range map[string]any{
		`{"v": {"long": 5}}`:     int64(5),
		`{"v": "five"}`:          "five",
		`{"v": {"string": "x"}}`: "x",
	} {
		row, ok := dec.Decode(record.New(descriptor, record.KindJSON, text, nil), tracker.Schema(), tracker.Projection())
		if !ok {
			t.Fatalf("expected decode to succeed for %s", text)
		}
		if row["v"] != want {
			t.Fatalf("%s: expected %#v, got %#v", text, want, row["v"])
		}
	}
}

func TestDecodeJSONBytes(t *testing.T) {
	dec, tracker := newTestDecoder(t, "")
	descriptor := `{"type":"record","name":"B","fields":[{"name":"raw","type":"bytes"}]}`
	observe(t, tracker, descriptor)

	row, ok := dec.Decode(record.New(descriptor, record.KindJSON, `{"raw": "ÿab"}`, nil), tracker.Schema(), tracker.Projection())
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if !bytes.Equal(row["raw"].([]byte), []byte{0xff, 'a', 'b'}) {
		t.Fatalf("unexpected bytes: %v", row["raw"])
	}
}

func TestDecodePrimitiveWrapsValue(t *testing.T) {
	dec, tracker := newTestDecoder(t, "message")
	observe(t, tracker, `"string"`)

	row, ok := dec.Decode(record.New(`"string"`, record.KindPrimitive, "hello", nil), tracker.Schema(), tracker.Projection())
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if len(row) != 1 || row["message"] != "hello" {
		t.Fatalf("unexpected row: %#v", row)
	}
}

func TestDecodePrimitiveNumericWidening(t *testing.T) {
	dec, tracker := newTestDecoder(t, "")
	observe(t, tracker, `"long"`)

	row, ok := dec.Decode(record.New(`"long"`, record.KindPrimitive, int32(12), nil), tracker.Schema(), tracker.Projection())
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if row["value"] != int64(12) {
		t.Fatalf("unexpected value: %#v", row["value"])
	}
}

func TestDecodePrimitiveUnsupportedValue(t *testing.T) {
	dec, tracker := newTestDecoder(t, "")
	observe(t, tracker, `"boolean"`)

	if _, ok := dec.Decode(record.New(`"boolean"`, record.KindPrimitive, struct{}{}, nil), tracker.Schema(), tracker.Projection()); ok {
		t.Fatalf("expected unsupported value to be dropped")
	}
	row, ok := dec.Decode(record.New(`"boolean"`, record.KindPrimitive, true, nil), tracker.Schema(), tracker.Projection())
	if !ok || row["value"] != true {
		t.Fatalf("expected later boolean to decode, got %#v", row)
	}
}

func TestDecodeJSONIntOutOfRangeIsDropped(t *testing.T) {
	const counterSchema = `{"type":"record","name":"Counter","fields":[{"name":"n","type":"int"}]}`
	dec, tracker := newTestDecoder(t, "")
	observe(t, tracker, counterSchema)

	for _, text := range []string{`{"n": 3000000000}`, `{"n": -2147483649}`} {
		if _, ok := dec.Decode(record.New(counterSchema, record.KindJSON, text, nil), tracker.Schema(), tracker.Projection()); ok {
			t.Fatalf("expected %s to be dropped", text)
		}
	}
	row, ok := dec.Decode(record.New(counterSchema, record.KindJSON, `{"n": 2147483647}`, nil), tracker.Schema(), tracker.Projection())
	if !ok || row["n"] != 2147483647 {
		t.Fatalf("expected max int32 to decode, got %#v ok=%v", row, ok)
	}
}

func TestDecodePrimitiveIntOutOfRangeIsDropped(t *testing.T) {
	dec, tracker := newTestDecoder(t, "value")
	observe(t, tracker, `"int"`)

	if _, ok := dec.Decode(record.New(`"int"`, record.KindPrimitive, 3000000000, nil), tracker.Schema(), tracker.Projection()); ok {
		t.Fatalf("expected overflowing int to be dropped")
	}
	if _, ok := dec.Decode(record.New(`"int"`, record.KindPrimitive, int64(-3000000000), nil), tracker.Schema(), tracker.Projection()); ok {
		t.Fatalf("expected overflowing int64 to be dropped")
	}
	row, ok := dec.Decode(record.New(`"int"`, record.KindPrimitive, int64(7), nil), tracker.Schema(), tracker.Projection())
	if !ok || row["value"] != 7 {
		t.Fatalf("expected in-range int64 to decode as int, got %#v ok=%v", row, ok)
	}
}
