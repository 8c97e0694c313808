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

package batch

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestShouldCommitBoundaries(t *testing.T) {
	policy := Policy{MaxInterval: 5 * time.Second, MaxRecords: 3}
	last := time.Unix(1000, 0)

	cases := []struct {
		name    string
		elapsed time.Duration
		records int64
		want    bool
	}{
		{"both below", 5*time.Second - time.Millisecond, 2, false},
		{"interval reached", 5 * time.Second, 2, true},
		{"records reached", 5*time.Second - time.Millisecond, 3, true},
		{"both reached", 5 * time.Second, 3, true},
		{"interval exceeded", 6 * time.Second, 0, true},
		{"records exceeded", 0, 4, true},
	}
	for _, tc := range cases {
		if got := policy.ShouldCommit(last.Add(tc.elapsed), tc.records, last); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestWindowCountsAndResets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := NewWindow(Policy{MaxInterval: time.Minute, MaxRecords: 100}, clock)

	for i := 0; i < 7; i++ {
		w.Add()
	}
	if w.Pending() != 7 {
		t.Fatalf("expected 7 pending, got %d", w.Pending())
	}
	if w.Due() {
		t.Fatalf("window should not be due yet")
	}

	clock.Advance(time.Minute)
	if !w.Due() {
		t.Fatalf("window should be due after the interval")
	}

	w.Reset()
	if w.Pending() != 0 {
		t.Fatalf("expected reset count, got %d", w.Pending())
	}
	if !w.LastCommit().Equal(clock.Now()) {
		t.Fatalf("expected last commit to move to now")
	}
	if w.Due() {
		t.Fatalf("fresh window should not be due")
	}
}
