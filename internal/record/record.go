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

// Package record defines the envelope records consumed by the sink loop.
package record

import (
	"fmt"
	"strings"
	"sync"
)

// Kind tags how a record's native payload is encoded.
type Kind int

const (
	// KindAvro payloads are self-describing binary rows.
	KindAvro Kind = iota
	// KindJSON payloads carry the JSON text of a row.
	KindJSON
	// KindPrimitive payloads are scalar or map values wrapped into a single-field row.
	KindPrimitive
)

func (k Kind) String() string {
	switch k {
	case KindAvro:
		return "avro"
	case KindJSON:
		return "json"
	case KindPrimitive:
		return "primitive"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a textual encoding name to a Kind.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "avro", "binary":
		return KindAvro, nil
	case "json":
		return KindJSON, nil
	case "primitive", "string", "bytes", "int", "long", "float", "double", "boolean":
		return KindPrimitive, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", value)
	}
}

// Record is one unit pulled from the input queue.
type Record interface {
	SchemaDescriptor() string
	Kind() Kind
	Payload() any
	// Ack acknowledges the record. Calling it more than once has no further effect.
	Ack()
}

// Envelope is the standard immutable Record implementation.
type Envelope struct {
	schema  string
	kind    Kind
	payload any
	ack     func()
	once    sync.Once
	// ID identifies the record in logs, e.g. "topic/partition@offset".
	ID string
}

// New builds an Envelope. ack may be nil.
func New(schema string, kind Kind, payload any, ack func()) *Envelope {
	return &Envelope{schema: schema, kind: kind, payload: payload, ack: ack}
}

func (e *Envelope) SchemaDescriptor() string { return e.schema }

func (e *Envelope) Kind() Kind { return e.kind }

func (e *Envelope) Payload() any { return e.payload }

func (e *Envelope) Ack() {
	e.once.Do(func() {
		if e.ack != nil {
			e.ack()
		}
	})
}

func (e *Envelope) String() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s record", e.kind)
}

// Row is the canonical decoded form of a record, keyed by field name.
type Row map[string]any
