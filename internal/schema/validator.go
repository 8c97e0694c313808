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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/novatechflow/lakehouse-sink/internal/config"
)

// Mode determines how validation failures are handled.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeLenient Mode = "lenient"
	ModeStrict  Mode = "strict"
)

// ErrSchemaNotFound is returned when the registry has no schema for a subject.
var ErrSchemaNotFound = errors.New("schema not found")

// Validator checks JSON payloads against a per-subject JSON Schema.
type Validator interface {
	Mode() Mode
	Validate(ctx context.Context, subject string, payload []byte) error
}

// NewValidator returns nil when validation is off.
func NewValidator(cfg config.ValidationConfig) (Validator, error) {
	mode := Mode(strings.ToLower(cfg.Mode))
	switch mode {
	case ModeOff, "":
		return nil, nil
	case ModeLenient, ModeStrict:
	default:
		return nil, fmt.Errorf("unsupported validation.mode %q", cfg.Mode)
	}
	if cfg.Registry.BaseURL == "" {
		return nil, fmt.Errorf("validation.registry.base_url is required")
	}

	timeout := time.Duration(cfg.Registry.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	cacheTTL := time.Duration(cfg.Registry.CacheSeconds) * time.Second
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}
	return &registryValidator{
		mode:     mode,
		baseURL:  strings.TrimRight(cfg.Registry.BaseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		clock:    clockwork.NewRealClock(),
		cacheTTL: cacheTTL,
		compiled: map[string]compiledSchema{},
	}, nil
}

type compiledSchema struct {
	schema  *jsonschema.Schema
	expires time.Time
}

type registryValidator struct {
	mode     Mode
	baseURL  string
	client   *http.Client
	clock    clockwork.Clock
	cacheTTL time.Duration

	mu       sync.Mutex
	compiled map[string]compiledSchema
}

func (r *registryValidator) Mode() Mode {
	return r.mode
}

func (r *registryValidator) Validate(ctx context.Context, subject string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	compiled, err := r.lookup(ctx, subject)
	if err != nil {
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("invalid json payload: %w", err)
	}
	return compiled.Validate(doc)
}

func (r *registryValidator) lookup(ctx context.Context, subject string) (*jsonschema.Schema, error) {
	now := r.clock.Now()
	r.mu.Lock()
	entry, ok := r.compiled[subject]
	r.mu.Unlock()
	if ok && entry.expires.After(now) {
		return entry.schema, nil
	}

	body, err := r.fetch(ctx, subject)
	if err != nil {
		return nil, err
	}
	compiled, err := compileSchema(body)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", subject, err)
	}

	r.mu.Lock()
	r.compiled[subject] = compiledSchema{schema: compiled, expires: now.Add(r.cacheTTL)}
	r.mu.Unlock()
	return compiled, nil
}

func (r *registryValidator) fetch(ctx context.Context, subject string) ([]byte, error) {
	url := r.baseURL + "/" + path.Clean(subject) + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, subject)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("schema registry status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func compileSchema(body []byte) (*jsonschema.Schema, error) {
	const resource = "subject.json"
	compiler := jsonschema.NewCompiler()
	compiler.LoadURL = func(url string) (io.ReadCloser, error) {
		if url != resource {
			return nil, fmt.Errorf("unsupported schema url %q", url)
		}
		return io.NopCloser(strings.NewReader(string(body))), nil
	}
	if err := compiler.AddResource(resource, strings.NewReader(string(body))); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}
