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

package schema

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/novatechflow/lakehouse-sink/internal/config"
)

const orderJSONSchema = `{
  "type": "object",
  "properties": {"id": {"type": "integer"}, "status": {"type": "string"}},
  "required": ["id"]
}`

func TestNewValidatorOff(t *testing.T) {
	v, err := NewValidator(config.ValidationConfig{Mode: "off"})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil validator when mode is off")
	}
}

func TestNewValidatorRequiresBaseURL(t *testing.T) {
	if _, err := NewValidator(config.ValidationConfig{Mode: "strict"}); err == nil {
		t.Fatalf("expected error without registry base url")
	}
}

func TestValidatorChecksPayloadAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/orders.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(orderJSONSchema))
	}))
	defer srv.Close()

	v, err := NewValidator(config.ValidationConfig{
		Mode:     "lenient",
		Registry: config.RegistryConfig{BaseURL: srv.URL + "/", CacheSeconds: 60},
	})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	clock := clockwork.NewFakeClock()
	v.(*registryValidator).clock = clock

	ctx := context.Background()
	if err := v.Validate(ctx, "orders", []byte(`{"id": 1, "status": "new"}`)); err != nil {
		t.Fatalf("expected valid payload: %v", err)
	}
	if err := v.Validate(ctx, "orders", []byte(`{"status": "new"}`)); err == nil {
		t.Fatalf("expected missing id to fail validation")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected cached schema, registry hit %d times", got)
	}

	clock.Advance(2 * time.Minute)
	if err := v.Validate(ctx, "orders", []byte(`{"id": 2}`)); err != nil {
		t.Fatalf("validate after expiry: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected refetch after ttl, registry hit %d times", got)
	}

	if err := v.Validate(ctx, "missing", []byte(`{}`)); !errors.Is(err, ErrSchemaNotFound) {
		t.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}
}
