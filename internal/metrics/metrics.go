/*
 * Copyright © 2026 StockIt, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on
 * an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the License for the
 * specific language governing permissions and limitations under the License.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package metrics exposes the process's Prometheus gauges/counters/
// histograms and the /metrics HTTP handler. Call sites elsewhere
// (dbgateway, queue, orchestrator, reconciler) observe into these
// directly rather than taking a dependency on this package's internals.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DBRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowcore_db_retries_total",
			Help: "Total number of retried database operations by error class",
		},
		[]string{"class"},
	)

	DBReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workflowcore_db_reconnects_total",
			Help: "Total number of gateway reconnects after consecutive-error threshold",
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflowcore_stage_duration_seconds",
			Help:    "Time spent executing one stage handler",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowcore_stage_failures_total",
			Help: "Total number of terminal stage failures by stage",
		},
		[]string{"stage"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workflowcore_queue_depth",
			Help: "Waiting job count by queue, sampled on admin status reads",
		},
		[]string{"queue"},
	)

	ReconcilerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workflowcore_reconciler_tick_duration_seconds",
			Help:    "Time spent on one reconciler sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcilerAutoFixedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workflowcore_reconciler_autofixed_total",
			Help: "Total number of purchase orders auto-completed by the reconciler",
		},
	)

	ReconcilerRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workflowcore_reconciler_requeued_total",
			Help: "Total number of stalled workflows re-queued by the reconciler",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DBRetries, DBReconnects,
		StageDuration, StageFailuresTotal,
		QueueDepth,
		ReconcilerTickDuration, ReconcilerAutoFixedTotal, ReconcilerRequeuedTotal,
	)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler { return promhttp.Handler() }

// Timer times a single operation; call ObserveDuration with the target
// histogram once the operation completes.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
