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

// Package batch decides when accumulated rows are due for a commit.
package batch

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy holds the commit thresholds. Either one alone makes a commit due.
type Policy struct {
	MaxInterval time.Duration
	MaxRecords  int64
}

// ShouldCommit reports whether the interval since lastCommit or the pending
// record count has reached its threshold.
func (p Policy) ShouldCommit(now time.Time, recordsSinceCommit int64, lastCommit time.Time) bool {
	return now.Sub(lastCommit) >= p.MaxInterval || recordsSinceCommit >= p.MaxRecords
}

// Window is the batch state since the last successful commit.
type Window struct {
	policy  Policy
	clock   clockwork.Clock
	records int64
	last    time.Time
}

func NewWindow(policy Policy, clock clockwork.Clock) *Window {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{policy: policy, clock: clock, last: clock.Now()}
}

// Add counts one row written since the last commit.
func (w *Window) Add() {
	w.records++
}

// Pending is the number of rows written since the last commit.
func (w *Window) Pending() int64 {
	return w.records
}

// LastCommit is the time of the last reset.
func (w *Window) LastCommit() time.Time {
	return w.last
}

// Due evaluates the policy against the current clock.
func (w *Window) Due() bool {
	return w.policy.ShouldCommit(w.clock.Now(), w.records, w.last)
}

// Reset starts a new window after a successful commit or writer replacement.
func (w *Window) Reset() {
	w.records = 0
	w.last = w.clock.Now()
}
