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
	"fmt"
	"math"
	"time"

	"github.com/hamba/avro/v2"

	"github.com/novatechflow/lakehouse-sink/internal/record"
	"github.com/novatechflow/lakehouse-sink/internal/schema"
)

// wrapPrimitive places a native value into a single-field row.
func (d *Decoder) wrapPrimitive(payload any, projection avro.Schema) (record.Row, error) {
	rec, ok := projection.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("%w: no record projection for primitive payload", ErrUnsupportedValue)
	}
	var field *avro.Field
	for _, f := range rec.Fields() {
		if f.Name() == d.fieldName {
			field = f
			break
		}
	}
	if field == nil || len(rec.Fields()) != 1 {
		return nil, fmt.Errorf("%w: projection %s is not a %q wrapper", ErrUnsupportedValue, rec.FullName(), d.fieldName)
	}
	if payload == nil {
		if schema.IsNullable(field) || field.Type().Type() == avro.Null {
			return record.Row{d.fieldName: nil}, nil
		}
		return nil, fmt.Errorf("%w: nil for non-nullable %s", ErrUnsupportedValue, field.Type().Type())
	}

	value, err := coerce(field.Type(), payload)
	if err != nil {
		return nil, err
	}
	return record.Row{d.fieldName: value}, nil
}

func coerce(s avro.Schema, payload any) (any, error) {
	switch s.Type() {
	case avro.String, avro.Enum:
		if v, ok := payload.(string); ok {
			return v, nil
		}
	case avro.Bytes, avro.Fixed:
		if v, ok := payload.([]byte); ok {
			return v, nil
		}
	case avro.Boolean:
		if v, ok := payload.(bool); ok {
			return v, nil
		}
	case avro.Int:
		switch v := payload.(type) {
		case int:
			return int32Range(int64(v), s)
		case int64:
			return int32Range(v, s)
		case uint32:
			return int32Range(int64(v), s)
		case int8:
			return int(v), nil
		case int16:
			return int(v), nil
		case int32:
			return int(v), nil
		case uint8:
			return int(v), nil
		case uint16:
			return int(v), nil
		}
	case avro.Long:
		switch v := payload.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case int8:
			return int64(v), nil
		case int16:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case uint8:
			return int64(v), nil
		case uint16:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case time.Time:
			return v.UnixMilli(), nil
		}
	case avro.Float:
		switch v := payload.(type) {
		case float32:
			return v, nil
		case float64:
			return float32(v), nil
		}
	case avro.Double:
		switch v := payload.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		}
	case avro.Map, avro.Record:
		switch v := payload.(type) {
		case map[string]any:
			return v, nil
		case record.Row:
			return map[string]any(v), nil
		}
	case avro.Array:
		if v, ok := payload.([]any); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %T for %s field", ErrUnsupportedValue, payload, s.Type())
}

// int32Range rejects values an Avro int cannot hold.
func int32Range(v int64, s avro.Schema) (any, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d overflows %s field", ErrUnsupportedValue, v, s.Type())
	}
	return int(v), nil
}
