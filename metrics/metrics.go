// Copyright (c) 2025 - The Event Relay authors.
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

// Package metrics exposes Prometheus collectors fed by publisher results,
// dispatcher outcomes, progress anomalies and pruning runs.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/looplab/eventrelay/dispatcher"
	"github.com/looplab/eventrelay/progress"
	"github.com/looplab/eventrelay/publisher"
)

const namespace = "eventrelay"

// Metrics holds the collectors of one process.
type Metrics struct {
	gatherer prometheus.Gatherer

	published       *prometheus.CounterVec
	publishDuration prometheus.Histogram
	outcomes        *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	attempts        prometheus.Histogram
	anomalies       *prometheus.CounterVec
	pruned          prometheus.Counter
}

// NewMetrics creates the collectors and registers them with a registry.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		return nil, fmt.Errorf("missing registry")
	}

	m := &Metrics{
		gatherer: reg,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "events_total",
			Help:      "Number of published events by kind and status.",
		}, []string{"kind", "status"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "send_duration_seconds",
			Help:      "Time until the broker accepted an event.",
			Buckets:   prometheus.DefBuckets,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "deliveries_total",
			Help:      "Number of settled deliveries by kind and result.",
		}, []string{"kind", "result"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "delivery_duration_seconds",
			Help:      "Time from receive to settle of a delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "delivery_attempts",
			Help:      "Delivery attempt of settled deliveries.",
			Buckets:   []float64{1, 2, 3, 4, 5, 10},
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "out_of_order_events_total",
			Help:      "Number of events received in a state where they do not apply.",
		}, []string{"kind", "state"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "pruned_records_total",
			Help:      "Number of delivery records removed by pruning.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.published, m.publishDuration, m.outcomes, m.handleDuration, m.attempts, m.anomalies, m.pruned,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("could not register collector: %w", err)
		}
	}

	return m, nil
}

// ObservePublish records a publisher result.
func (m *Metrics) ObservePublish(r publisher.Result) {
	kind, status := "unknown", "ok"
	if r.Envelope != nil {
		kind = r.Envelope.Kind.String()
	}

	if r.Err != nil {
		status = "error"
	}

	m.published.WithLabelValues(kind, status).Inc()
	m.publishDuration.Observe(r.Duration.Seconds())
}

// ObserveOutcome records a dispatcher outcome.
func (m *Metrics) ObserveOutcome(o dispatcher.Outcome) {
	kind := "unknown"
	if o.Envelope != nil {
		kind = o.Envelope.Kind.String()
	}

	m.outcomes.WithLabelValues(kind, o.Result.String()).Inc()
	m.handleDuration.WithLabelValues(o.Result.String()).Observe(o.Duration.Seconds())

	if o.Delivery != nil {
		m.attempts.Observe(float64(o.Delivery.Attempt))
	}
}

// ObserveAnomaly records an out of order event. It can be used as a
// progress anomaly hook.
func (m *Metrics) ObserveAnomaly(ctx context.Context, err *progress.OutOfOrderEventError) {
	m.anomalies.WithLabelValues(err.Envelope.Kind.String(), err.State.String()).Inc()
}

// ObservePruned records the number of records removed by a pruning run.
func (m *Metrics) ObservePruned(n int64) {
	m.pruned.Add(float64(n))
}

// Handler returns the HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
