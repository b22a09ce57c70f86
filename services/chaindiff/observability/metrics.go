// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for diff resolution.
//
// # Description
//
// Metrics cover the three stages of a resolution:
//   - Chain cache lookups by outcome (hit, miss, error, decode_error)
//   - Diff computations by result (ok, invalid)
//   - Background persists by outcome (stored, too_large, unauthorized, failed)
//
// plus a resolve latency histogram labelled by where the diff came from.
//
// # Thread Safety
//
// All methods are safe for concurrent use and safe on a nil *Metrics, so
// components built without metrics need no guards.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "chaindiff"
	cacheSubsystem   = "cache"
	diffSubsystem    = "diff"
)

// Lookup outcomes.
const (
	LookupHit         = "hit"
	LookupMiss        = "miss"
	LookupError       = "error"
	LookupDecodeError = "decode_error"
)

// Persist outcomes.
const (
	PersistStored       = "stored"
	PersistTooLarge     = "too_large"
	PersistUnauthorized = "unauthorized"
	PersistFailed       = "failed"
	PersistDropped      = "dropped"
)

// Metrics holds the ChainDiff collectors.
type Metrics struct {
	// LookupsTotal counts chain cache lookups. Labels: outcome
	LookupsTotal *prometheus.CounterVec

	// ComputationsTotal counts diff computations. Labels: result
	ComputationsTotal *prometheus.CounterVec

	// PersistsTotal counts background persist attempts. Labels: outcome
	PersistsTotal *prometheus.CounterVec

	// PayloadBytes observes the encoded size of persisted diffs.
	PayloadBytes prometheus.Histogram

	// ResolveDurationSeconds observes end-to-end resolve latency.
	// Labels: source (chain, computed, error)
	ResolveDurationSeconds *prometheus.HistogramVec

	// PendingPersists is the number of persists scheduled but not finished.
	PendingPersists prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Tests pass prometheus.NewRegistry();
//     the service passes prometheus.DefaultRegisterer.
//
// # Outputs
//
//   - *Metrics: The collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: cacheSubsystem,
			Name:      "lookups_total",
			Help:      "Chain cache lookups by outcome.",
		}, []string{"outcome"}),
		ComputationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: diffSubsystem,
			Name:      "computations_total",
			Help:      "Diff computations by result.",
		}, []string{"result"}),
		PersistsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: cacheSubsystem,
			Name:      "persists_total",
			Help:      "Background diff persists by outcome.",
		}, []string{"outcome"}),
		PayloadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: cacheSubsystem,
			Name:      "payload_bytes",
			Help:      "Encoded size of diffs submitted for persistence.",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 8),
		}),
		ResolveDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: diffSubsystem,
			Name:      "resolve_duration_seconds",
			Help:      "Time to resolve a diff, by source.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		PendingPersists: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: cacheSubsystem,
			Name:      "pending_persists",
			Help:      "Persists scheduled and not yet finished.",
		}),
	}
}

// RecordLookup counts one cache lookup.
func (m *Metrics) RecordLookup(outcome string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordComputation counts one diff computation.
func (m *Metrics) RecordComputation(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "invalid"
	}
	m.ComputationsTotal.WithLabelValues(result).Inc()
}

// RecordPersist counts one persist attempt. Size is ignored when zero.
func (m *Metrics) RecordPersist(outcome string, size int) {
	if m == nil {
		return
	}
	m.PersistsTotal.WithLabelValues(outcome).Inc()
	if size > 0 {
		m.PayloadBytes.Observe(float64(size))
	}
}

// ObserveResolve records the latency of one resolve call.
func (m *Metrics) ObserveResolve(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResolveDurationSeconds.WithLabelValues(source).Observe(d.Seconds())
}

// PersistStarted increments the pending persist gauge.
func (m *Metrics) PersistStarted() {
	if m == nil {
		return
	}
	m.PendingPersists.Inc()
}

// PersistFinished decrements the pending persist gauge.
func (m *Metrics) PersistFinished() {
	if m == nil {
		return
	}
	m.PendingPersists.Dec()
}
