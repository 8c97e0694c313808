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

package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hamba/avro/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/novatechflow/lakehouse-sink/internal/config"
	"github.com/novatechflow/lakehouse-sink/internal/record"
)

// converter maps Kafka records onto sink envelopes using the schema and
// encoding headers, falling back to the configured defaults.
type converter struct {
	schemaHeader    string
	encodingHeader  string
	defaultSchema   string
	defaultEncoding record.Kind
	cache           *avro.SchemaCache
}

func newConverter(cfg config.KafkaConfig) (*converter, error) {
	kind, err := record.ParseKind(cfg.DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("kafka.default_encoding: %w", err)
	}
	return &converter{
		schemaHeader:    cfg.SchemaHeader,
		encodingHeader:  cfg.EncodingHeader,
		defaultSchema:   cfg.DefaultSchema,
		defaultEncoding: kind,
		cache:           &avro.SchemaCache{},
	}, nil
}

// convert returns the descriptor, kind and native payload for rec.
func (c *converter) convert(rec *kgo.Record) (string, record.Kind, any, error) {
	descriptor := c.defaultSchema
	kind := c.defaultEncoding
	for _, h := range rec.Headers {
		switch h.Key {
		case c.schemaHeader:
			descriptor = string(h.Value)
		case c.encodingHeader:
			parsed, err := record.ParseKind(string(h.Value))
			if err != nil {
				return "", 0, nil, err
			}
			kind = parsed
		}
	}
	if rec.Value == nil {
		return "", 0, nil, fmt.Errorf("tombstone record")
	}

	switch kind {
	case record.KindPrimitive:
		payload, err := c.primitive(descriptor, rec.Value)
		if err != nil {
			return "", 0, nil, err
		}
		return descriptor, kind, payload, nil
	default:
		return descriptor, kind, rec.Value, nil
	}
}

// primitive parses the text form of a scalar value for the descriptor's type.
func (c *converter) primitive(descriptor string, value []byte) (any, error) {
	s, err := avro.ParseWithCache(descriptor, "", c.cache)
	if err != nil {
		return nil, fmt.Errorf("primitive descriptor: %w", err)
	}
	text := strings.TrimSpace(string(value))
	switch s.Type() {
	case avro.String:
		return string(value), nil
	case avro.Bytes:
		return value, nil
	case avro.Int:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return nil, err
		}
		return int(n), nil
	case avro.Long:
		return strconv.ParseInt(text, 10, 64)
	case avro.Float:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case avro.Double:
		return strconv.ParseFloat(text, 64)
	case avro.Boolean:
		return strconv.ParseBool(text)
	default:
		return nil, fmt.Errorf("descriptor type %s is not a primitive", s.Type())
	}
}

func recordID(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d@%d", rec.Topic, rec.Partition, rec.Offset)
}
