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
	"slices"

	"github.com/hamba/avro/v2"
	"github.com/valyala/fastjson"

	"github.com/novatechflow/lakehouse-sink/internal/record"
	"github.com/novatechflow/lakehouse-sink/internal/schema"
)

// decodeJSON reads text against a null-stripped record projection.
func decodeJSON(text string, projection avro.Schema) (record.Row, error) {
	if projection == nil {
		return nil, fmt.Errorf("%w: no active projection", ErrMismatch)
	}
	if projection.Type() != avro.Record {
		return nil, fmt.Errorf("%w: projection is %s, not a record", ErrMismatch, projection.Type())
	}

	var p fastjson.Parser
	doc, err := p.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	value, err := jsonValue(projection, doc, "$")
	if err != nil {
		return nil, err
	}
	return record.Row(value.(map[string]any)), nil
}

func jsonValue(s avro.Schema, v *fastjson.Value, path string) (any, error) {
	switch s.Type() {
	case avro.Ref:
		return jsonValue(s.(*avro.RefSchema).Schema(), v, path)
	case avro.Null:
		if v.Type() != fastjson.TypeNull {
			return nil, mismatch(path, "null", v)
		}
		return nil, nil
	case avro.Boolean:
		b, err := v.Bool()
		if err != nil {
			return nil, mismatch(path, "boolean", v)
		}
		return b, nil
	case avro.Int:
		n, err := v.Int64()
		if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
			return nil, mismatch(path, "int", v)
		}
		return int(n), nil
	case avro.Long:
		n, err := v.Int64()
		if err != nil {
			return nil, mismatch(path, "long", v)
		}
		return n, nil
	case avro.Float:
		f, err := v.Float64()
		if err != nil {
			return nil, mismatch(path, "float", v)
		}
		return float32(f), nil
	case avro.Double:
		f, err := v.Float64()
		if err != nil {
			return nil, mismatch(path, "double", v)
		}
		return f, nil
	case avro.String:
		str, err := v.StringBytes()
		if err != nil {
			return nil, mismatch(path, "string", v)
		}
		return string(str), nil
	case avro.Bytes:
		return jsonBytes(v, path, -1)
	case avro.Fixed:
		return jsonBytes(v, path, s.(*avro.FixedSchema).Size())
	case avro.Enum:
		str, err := v.StringBytes()
		if err != nil {
			return nil, mismatch(path, "enum", v)
		}
		symbol := string(str)
		if !slices.Contains(s.(*avro.EnumSchema).Symbols(), symbol) {
			return nil, fmt.Errorf("%w: %s: unknown enum symbol %q", ErrMismatch, path, symbol)
		}
		return symbol, nil
	case avro.Array:
		items, err := v.Array()
		if err != nil {
			return nil, mismatch(path, "array", v)
		}
		itemSchema := s.(*avro.ArraySchema).Items()
		out := make([]any, 0, len(items))
		for i, item := range items {
			decoded, err := jsonValue(itemSchema, item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, decoded)
		}
		return out, nil
	case avro.Map:
		obj, err := v.Object()
		if err != nil {
			return nil, mismatch(path, "map", v)
		}
		valueSchema := s.(*avro.MapSchema).Values()
		out := make(map[string]any, obj.Len())
		var visitErr error
		obj.Visit(func(key []byte, item *fastjson.Value) {
			if visitErr != nil {
				return
			}
			k := string(key)
			decoded, err := jsonValue(valueSchema, item, path+"."+k)
			if err != nil {
				visitErr = err
				return
			}
			out[k] = decoded
		})
		if visitErr != nil {
			return nil, visitErr
		}
		return out, nil
	case avro.Record:
		return jsonRecord(s.(*avro.RecordSchema), v, path)
	case avro.Union:
		return jsonUnion(s.(*avro.UnionSchema), v, path)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported schema type %s", ErrMismatch, path, s.Type())
	}
}

func jsonRecord(s *avro.RecordSchema, v *fastjson.Value, path string) (any, error) {
	obj, err := v.Object()
	if err != nil {
		return nil, mismatch(path, "record "+s.FullName(), v)
	}
	out := make(map[string]any, len(s.Fields()))
	for _, field := range s.Fields() {
		fieldPath := path + "." + field.Name()
		fv := obj.Get(field.Name())
		if fv == nil || (fv.Type() == fastjson.TypeNull && field.Type().Type() != avro.Null) {
			switch {
			case schema.IsNullable(field):
				out[field.Name()] = nil
			case field.HasDefault():
				out[field.Name()] = field.Default()
			case fv == nil:
				return nil, fmt.Errorf("%w: %s: missing required field", ErrMismatch, fieldPath)
			default:
				return nil, fmt.Errorf("%w: %s: null for non-nullable field", ErrMismatch, fieldPath)
			}
			continue
		}
		decoded, err := jsonValue(field.Type(), fv, fieldPath)
		if err != nil {
			return nil, err
		}
		out[field.Name()] = decoded
	}
	return out, nil
}

// jsonUnion accepts the Avro JSON form {"branch": value} as well as a bare
// value matching the first compatible branch.
func jsonUnion(s *avro.UnionSchema, v *fastjson.Value, path string) (any, error) {
	if v.Type() == fastjson.TypeNull {
		for _, branch := range s.Types() {
			if branch.Type() == avro.Null {
				return nil, nil
			}
		}
		return nil, mismatch(path, "union", v)
	}
	if obj, err := v.Object(); err == nil && obj.Len() == 1 {
		var (
			key   string
			inner *fastjson.Value
		)
		obj.Visit(func(k []byte, item *fastjson.Value) {
			key = string(k)
			inner = item
		})
		for _, branch := range s.Types() {
			if branchName(branch) == key {
				return jsonValue(branch, inner, path+"."+key)
			}
		}
	}
	for _, branch := range s.Types() {
		if decoded, err := jsonValue(branch, v, path); err == nil {
			return decoded, nil
		}
	}
	return nil, mismatch(path, "union", v)
}

func branchName(s avro.Schema) string {
	if named, ok := s.(avro.NamedSchema); ok {
		return named.FullName()
	}
	return string(s.Type())
}

// jsonBytes decodes Avro's JSON byte encoding: one code point per byte.
func jsonBytes(v *fastjson.Value, path string, size int) ([]byte, error) {
	str, err := v.StringBytes()
	if err != nil {
		return nil, mismatch(path, "bytes", v)
	}
	runes := []rune(string(str))
	out := make([]byte, 0, len(runes))
	for _, r := range runes {
		if r > 0xff {
			return nil, fmt.Errorf("%w: %s: byte string contains code point %U", ErrMismatch, path, r)
		}
		out = append(out, byte(r))
	}
	if size >= 0 && len(out) != size {
		return nil, fmt.Errorf("%w: %s: fixed size %d, got %d bytes", ErrMismatch, path, size, len(out))
	}
	return out, nil
}

func mismatch(path, want string, v *fastjson.Value) error {
	return fmt.Errorf("%w: %s: expected %s, got %s", ErrMismatch, path, want, v.Type())
}
