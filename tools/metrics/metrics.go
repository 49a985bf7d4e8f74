/* Package metrics counts what the batch stages did, for export as a Prometheus textfile.
 *
 * Copyright 2020 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 *     Unless required by applicable law or agreed to in writing, software
 *     distributed under the License is distributed on an "AS IS" BASIS,
 *     WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *     See the License for the specific language governing permissions and
 *     limitations under the License.
 */
package metrics

import (
	"time"

	"github.com/google-research/walkerssl/tools/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters of one pipeline invocation. A nil *Metrics ignores all records.
type Metrics struct {
	Registry *prometheus.Registry

	files    *prometheus.CounterVec
	restarts *prometheus.CounterVec
	clips    *prometheus.CounterVec
	pruned   prometheus.Counter
	duration *prometheus.HistogramVec
}

// New returns metrics registered in a fresh registry, with the run id as a constant label.
func New(runID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"run_id": runID}, reg))
	return &Metrics{
		Registry: reg,
		files: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walkerssl_stage_files_total",
				Help: "Files handled by a stage, by outcome (processed/skipped/lost).",
			},
			[]string{"stage", "outcome"},
		),
		restarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walkerssl_stage_worker_restarts_total",
				Help: "Workers replaced after dying on a file.",
			},
			[]string{"stage"},
		),
		clips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walkerssl_conditioner_clips_total",
				Help: "Clips judged by the accept/drop gate, by verdict (accepted/dropped_energy/dropped_ratio).",
			},
			[]string{"stage", "verdict"},
		),
		pruned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "walkerssl_integrity_pruned_groups_total",
				Help: "Incomplete channel groups removed.",
			},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walkerssl_stage_duration_seconds",
				Help:    "Wall time of a stage.",
				Buckets: []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
			},
			[]string{"stage"},
		),
	}
}

// RecordReport adds the outcome of an executor run.
func (m *Metrics) RecordReport(stage string, report *workerpool.Report) {
	if m == nil || report == nil {
		return
	}
	m.files.WithLabelValues(stage, "processed").Add(float64(report.Processed))
	m.files.WithLabelValues(stage, "skipped").Add(float64(len(report.Skipped)))
	m.files.WithLabelValues(stage, "lost").Add(float64(len(report.Lost)))
	m.restarts.WithLabelValues(stage).Add(float64(report.Restarts))
}

// RecordVerdict counts one gate verdict.
func (m *Metrics) RecordVerdict(stage, verdict string) {
	if m == nil {
		return
	}
	m.clips.WithLabelValues(stage, verdict).Inc()
}

// RecordPruned counts removed channel groups.
func (m *Metrics) RecordPruned(n int) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(n))
}

// Time returns a function that records the time since Time was called as the duration of stage.
func (m *Metrics) Time(stage string) func() {
	start := time.Now()
	return func() {
		if m == nil {
			return
		}
		m.duration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// WriteTextfile writes all metrics in the text exposition format, for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
