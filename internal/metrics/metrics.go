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

package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "lakehouse_sink"

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Total records handled by result (written, dropped, invalid, skipped).",
		},
		[]string{"result"},
	)
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Total commit attempts by result.",
		},
		[]string{"result"},
	)
	CommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time spent flushing a batch to the table.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	WriterCreationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_creations_total",
			Help:      "Total table writers opened.",
		},
	)
	SchemaChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_changes_total",
			Help:      "Total schema descriptor changes observed.",
		},
	)
	PendingRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Rows written since the last successful commit.",
		},
	)
	Running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while the control loop is running.",
		},
	)
	LastOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_offset",
			Help:      "Last acknowledged offset per topic/partition.",
		},
		[]string{"topic", "partition"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		CommitsTotal,
		CommitLatency,
		WriterCreationsTotal,
		SchemaChangesTotal,
		PendingRecords,
		Running,
		LastOffset,
	)
}
