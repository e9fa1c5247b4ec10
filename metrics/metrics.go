// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package metrics exposes Prometheus counters for the submission pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes
const (
	OutcomeAccepted        = "accepted"
	OutcomeRejected        = "rejected"
	OutcomeAlreadyReported = "already_reported"
	OutcomeUnavailable     = "unavailable"
)

type Metrics struct {
	registry *prometheus.Registry

	submissions    *prometheus.CounterVec
	fanoutFailures *prometheus.CounterVec
	resyncs        prometheus.Counter
	relayApplied   prometheus.Counter
	tablesCounted  prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrutinio",
			Name:      "submissions_total",
			Help:      "Tally submissions by outcome.",
		}, []string{"outcome"}),
		fanoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrutinio",
			Name:      "fanout_failures_total",
			Help:      "Failed post-create steps by step.",
		}, []string{"step"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrutinio",
			Name:      "resyncs_total",
			Help:      "Completed aggregate resyncs.",
		}),
		relayApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrutinio",
			Name:      "relay_applied_total",
			Help:      "Pending deltas applied by the relay.",
		}),
		tablesCounted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escrutinio",
			Name:      "tables_counted",
			Help:      "Tables in the running aggregate.",
		}),
	}

	m.registry.MustRegister(
		m.submissions,
		m.fanoutFailures,
		m.resyncs,
		m.relayApplied,
		m.tablesCounted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FanoutFailure(step string) {
	if m == nil {
		return
	}
	m.fanoutFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) Resync() {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

func (m *Metrics) RelayApplied(n int) {
	if m == nil {
		return
	}
	m.relayApplied.Add(float64(n))
}

func (m *Metrics) TablesCounted(n int) {
	if m == nil {
		return
	}
	m.tablesCounted.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
