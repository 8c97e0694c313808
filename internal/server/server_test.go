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

package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type stubHealth struct {
	running bool
	err     error
}

func (s stubHealth) Running() bool { return s.running }
func (s stubHealth) Err() error    { return s.err }

func TestHealthzReportsRunning(t *testing.T) {
	srv := newIPv4Server(t, NewMux(stubHealth{running: true}, prometheus.NewRegistry()))
	defer srv.Close()

	status, body := get(t, srv.URL+"/healthz")
	if status != http.StatusOK || !strings.Contains(body, "state=running") {
		t.Fatalf("unexpected healthz response: %d %s", status, body)
	}
}

func TestHealthzReportsStoppedLoop(t *testing.T) {
	health := stubHealth{err: errors.New("commit failed too many times")}
	srv := newIPv4Server(t, NewMux(health, prometheus.NewRegistry()))
	defer srv.Close()

	status, body := get(t, srv.URL+"/healthz")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if !strings.Contains(body, "commit failed too many times") {
		t.Fatalf("expected fatal error in body: %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "lakehouse_sink_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	srv := newIPv4Server(t, NewMux(stubHealth{running: true}, reg))
	defer srv.Close()

	status, body := get(t, srv.URL+"/metrics")
	if status != http.StatusOK || !strings.Contains(body, "lakehouse_sink_test_total 3") {
		t.Fatalf("unexpected metrics response: %d %s", status, body)
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func newIPv4Server(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping HTTP test: %v", err)
		}
		t.Fatalf("listen: %v", err)
	}
	server := httptest.NewUnstartedServer(handler)
	server.Listener = ln
	server.Start()
	return server
}
