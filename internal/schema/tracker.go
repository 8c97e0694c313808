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

// Package schema tracks the active input schema of the sink loop.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hamba/avro/v2"
)

var (
	// ErrEmptySchema marks a record without a usable schema descriptor.
	ErrEmptySchema = errors.New("empty schema descriptor")
	// ErrSchemaParse marks a descriptor that is not a valid Avro schema.
	ErrSchemaParse = errors.New("schema parse failed")
)

// NullableProp is set on projection fields whose source type was a nullable union.
const NullableProp = "lakehouse.nullable"

const wrapperRecordName = "PrimitiveRow"

// Tracker remembers the active schema and its null-stripped projection.
//
// Non-record schemas (primitive payloads) are wrapped into a single-field
// record named after the configured field so writers always see a record.
type Tracker struct {
	fieldName  string
	descriptor string
	schema     avro.Schema
	projection avro.Schema
	wrapped    bool
}

func NewTracker(fieldName string) *Tracker {
	if fieldName == "" {
		fieldName = "value"
	}
	return &Tracker{fieldName: fieldName}
}

// Observe compares descriptor to the active one by exact text. On a change it
// parses and installs the new schema and reports true. A parse failure leaves
// the active schema untouched.
func (t *Tracker) Observe(descriptor string) (bool, error) {
	if strings.TrimSpace(descriptor) == "" {
		return false, ErrEmptySchema
	}
	if t.schema != nil && descriptor == t.descriptor {
		return false, nil
	}

	parsed, err := avro.ParseWithCache(descriptor, "", &avro.SchemaCache{})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSchemaParse, err)
	}
	wrapped := false
	if parsed.Type() != avro.Record {
		parsed, err = wrap(parsed, t.fieldName)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrSchemaParse, err)
		}
		wrapped = true
	}
	projection, err := StripNulls(parsed)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSchemaParse, err)
	}

	t.descriptor = descriptor
	t.schema = parsed
	t.projection = projection
	t.wrapped = wrapped
	return true, nil
}

// Schema returns the active record schema, nil before the first Observe.
func (t *Tracker) Schema() avro.Schema { return t.schema }

// Projection returns the null-stripped variant of Schema.
func (t *Tracker) Projection() avro.Schema { return t.projection }

func (t *Tracker) Descriptor() string { return t.descriptor }

// Wrapped reports whether the active descriptor was a non-record schema.
func (t *Tracker) Wrapped() bool { return t.wrapped }

// FieldName is the single field used to wrap primitive payloads.
func (t *Tracker) FieldName() string { return t.fieldName }

func wrap(inner avro.Schema, fieldName string) (avro.Schema, error) {
	field, err := avro.NewField(fieldName, inner)
	if err != nil {
		return nil, err
	}
	return avro.NewRecordSchema(wrapperRecordName, "", []*avro.Field{field})
}

// StripNulls collapses nullable unions to their non-null branches. Fields that
// lost a null branch carry NullableProp so decoders can still accept nulls.
func StripNulls(s avro.Schema) (avro.Schema, error) {
	stripped, _, err := stripNulls(s)
	return stripped, err
}

func stripNulls(s avro.Schema) (avro.Schema, bool, error) {
	switch v := s.(type) {
	case *avro.UnionSchema:
		branches := make([]avro.Schema, 0, len(v.Types()))
		nullable := false
		for _, branch := range v.Types() {
			if branch.Type() == avro.Null {
				nullable = true
				continue
			}
			stripped, _, err := stripNulls(branch)
			if err != nil {
				return nil, false, err
			}
			branches = append(branches, stripped)
		}
		switch len(branches) {
		case 0:
			return avro.NewPrimitiveSchema(avro.Null, nil), true, nil
		case 1:
			return branches[0], nullable, nil
		}
		union, err := avro.NewUnionSchema(branches)
		if err != nil {
			return nil, false, err
		}
		return union, nullable, nil
	case *avro.RecordSchema:
		fields := make([]*avro.Field, 0, len(v.Fields()))
		for _, f := range v.Fields() {
			ft, nullable, err := stripNulls(f.Type())
			if err != nil {
				return nil, false, err
			}
			field, err := strippedField(f, ft, nullable)
			if err != nil {
				return nil, false, err
			}
			fields = append(fields, field)
		}
		rec, err := avro.NewRecordSchema(v.Name(), v.Namespace(), fields, avro.WithDoc(v.Doc()))
		if err != nil {
			return nil, false, err
		}
		return rec, false, nil
	case *avro.ArraySchema:
		items, _, err := stripNulls(v.Items())
		if err != nil {
			return nil, false, err
		}
		return avro.NewArraySchema(items), false, nil
	case *avro.MapSchema:
		values, _, err := stripNulls(v.Values())
		if err != nil {
			return nil, false, err
		}
		return avro.NewMapSchema(values), false, nil
	default:
		return s, false, nil
	}
}

func strippedField(f *avro.Field, typ avro.Schema, nullable bool) (*avro.Field, error) {
	opts := []avro.SchemaOption{}
	if f.Doc() != "" {
		opts = append(opts, avro.WithDoc(f.Doc()))
	}
	if nullable {
		opts = append(opts, avro.WithProps(map[string]any{NullableProp: true}))
		return avro.NewField(f.Name(), typ, opts...)
	}
	if f.HasDefault() {
		field, err := avro.NewField(f.Name(), typ, append(opts, avro.WithDefault(f.Default()))...)
		if err == nil {
			return field, nil
		}
	}
	return avro.NewField(f.Name(), typ, opts...)
}

// IsNullable reports whether a projection field was nullable before stripping.
func IsNullable(f *avro.Field) bool {
	v, ok := f.Prop(NullableProp).(bool)
	return ok && v
}
