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

// Package decoder turns envelope records into canonical rows.
package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hamba/avro/v2"

	"github.com/novatechflow/lakehouse-sink/internal/record"
)

var (
	// ErrUnsupportedValue marks a primitive payload whose Go type does not fit the schema.
	ErrUnsupportedValue = errors.New("unsupported value")
	// ErrMismatch marks a JSON payload that does not match the projection.
	ErrMismatch = errors.New("payload does not match schema")
)

// Decoder converts records to rows. Failures are logged and reported as ok=false.
type Decoder struct {
	fieldName string
	logger    *slog.Logger
}

func New(fieldName string, logger *slog.Logger) *Decoder {
	if fieldName == "" {
		fieldName = "value"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{fieldName: fieldName, logger: logger}
}

// Decode converts rec using the active writer schema and its null-stripped
// projection. It never panics; any failure drops the record.
func (d *Decoder) Decode(rec record.Record, writerSchema, projection avro.Schema) (row record.Row, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("dropping record: decoder panic", "record", rec, "kind", rec.Kind(), "panic", r)
			row, ok = nil, false
		}
	}()

	row, err := d.decode(rec, writerSchema, projection)
	if err != nil {
		d.logger.Warn("dropping record: decode failed", "record", rec, "kind", rec.Kind(), "error", err)
		return nil, false
	}
	return row, true
}

func (d *Decoder) decode(rec record.Record, writerSchema, projection avro.Schema) (record.Row, error) {
	switch rec.Kind() {
	case record.KindAvro:
		return decodeAvro(rec.Payload(), writerSchema)
	case record.KindJSON:
		text, err := jsonText(rec.Payload())
		if err != nil {
			return nil, err
		}
		return decodeJSON(text, projection)
	default:
		return d.wrapPrimitive(rec.Payload(), projection)
	}
}

// decodeAvro passes decoded rows through untouched and only unmarshals raw bytes.
func decodeAvro(payload any, writerSchema avro.Schema) (record.Row, error) {
	switch v := payload.(type) {
	case record.Row:
		return v, nil
	case map[string]any:
		return record.Row(v), nil
	case []byte:
		if writerSchema == nil {
			return nil, errors.New("no active schema for binary payload")
		}
		var out map[string]any
		if err := avro.Unmarshal(writerSchema, v, &out); err != nil {
			return nil, fmt.Errorf("avro decode: %w", err)
		}
		return record.Row(out), nil
	default:
		return nil, fmt.Errorf("%w: avro payload of type %T", ErrUnsupportedValue, payload)
	}
}

func jsonText(payload any) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: json payload of type %T", ErrUnsupportedValue, payload)
	}
}
