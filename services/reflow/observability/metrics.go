// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the reflow engine.
//
// # Description
//
// Metrics cover the session lifecycle, rerun outcomes and latency, patch
// op volume, wire traffic and the data cache:
//   - Session gauges and close counters (by reason)
//   - Rerun counters (delivered, stale, fault) and duration histogram
//   - Patch ops emitted (by op kind)
//   - Frames/bytes sent and events received (by message)
//   - Data cache lookups (hit, miss)
//
// # Integration
//
// Metrics are exposed on /metrics by the transport router.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "reflow"

const (
	sessionSubsystem = "session"
	rerunSubsystem   = "rerun"
	wireSubsystem    = "wire"
	cacheSubsystem   = "cache"
)

// RerunOutcome labels the fate of one rerun.
type RerunOutcome string

const (
	OutcomeDelivered RerunOutcome = "delivered"
	OutcomeStale     RerunOutcome = "stale"
	OutcomeFault     RerunOutcome = "fault"
)

// Metrics holds all Prometheus collectors of the engine.
//
// # Fields
//
//   - SessionsActive: Gauge of live sessions
//   - SessionsClosed: Counter of closed sessions by reason
//   - Reruns: Counter of reruns by outcome
//   - RerunDuration: Histogram of script execution time
//   - EventsCoalesced: Counter of pending events overwritten before a rerun
//   - PatchOps: Counter of emitted ops by kind
//   - Diagnostics: Counter of surfaced diagnostics by code
//   - FramesSent, BytesSent: Outbound wire traffic
//   - MessagesReceived: Inbound messages by tag
//   - CacheLookups: Data cache lookups by result
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsClosed  *prometheus.CounterVec
	Reruns          *prometheus.CounterVec
	RerunDuration   prometheus.Histogram
	EventsCoalesced prometheus.Counter
	PatchOps        *prometheus.CounterVec
	Diagnostics     *prometheus.CounterVec

	BytesSent        prometheus.Counter
	FramesSent       prometheus.Counter
	MessagesReceived *prometheus.CounterVec

	CacheLookups *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
//
// # Description
//
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests so that parallel tests do not collide.
//
// # Limitations
//
//   - Panics if the collectors are already registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "active",
			Help:      "Number of live sessions",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: sessionSubsystem,
			Name:      "closed_total",
			Help:      "Sessions closed by reason",
		}, []string{"reason"}),
		Reruns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: rerunSubsystem,
			Name:      "total",
			Help:      "Script reruns by outcome",
		}, []string{"outcome"}),
		RerunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: rerunSubsystem,
			Name:      "duration_seconds",
			Help:      "Script execution time per rerun",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		EventsCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: rerunSubsystem,
			Name:      "events_coalesced_total",
			Help:      "Pending widget events superseded by a newer value before a rerun",
		}),
		PatchOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: rerunSubsystem,
			Name:      "patch_ops_total",
			Help:      "Patch operations delivered by kind",
		}, []string{"op"}),
		Diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: rerunSubsystem,
			Name:      "diagnostics_total",
			Help:      "Faults and diagnostics surfaced by code",
		}, []string{"code"}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: wireSubsystem,
			Name:      "bytes_sent_total",
			Help:      "Encoded bytes handed to connections",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: wireSubsystem,
			Name:      "sends_total",
			Help:      "Writes handed to connections",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: wireSubsystem,
			Name:      "messages_received_total",
			Help:      "Decoded inbound messages by tag",
		}, []string{"tag"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: cacheSubsystem,
			Name:      "lookups_total",
			Help:      "Data cache lookups by result",
		}, []string{"result"}),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionClosed decrements the gauge and counts the close reason.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// RecordRerun counts one rerun and observes its duration.
func (m *Metrics) RecordRerun(outcome RerunOutcome, d time.Duration) {
	if m == nil {
		return
	}
	m.Reruns.WithLabelValues(string(outcome)).Inc()
	m.RerunDuration.Observe(d.Seconds())
}

// RecordCoalesced counts superseded pending events.
func (m *Metrics) RecordCoalesced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsCoalesced.Add(float64(n))
}

// RecordOps counts delivered ops by kind label.
func (m *Metrics) RecordOps(counts map[string]int) {
	if m == nil {
		return
	}
	for kind, n := range counts {
		m.PatchOps.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordDiagnostic counts one surfaced fault or diagnostic.
func (m *Metrics) RecordDiagnostic(code string) {
	if m == nil {
		return
	}
	m.Diagnostics.WithLabelValues(code).Inc()
}

// RecordSend counts one write of n bytes.
func (m *Metrics) RecordSend(n int) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(n))
}

// RecordReceived counts one decoded inbound message.
func (m *Metrics) RecordReceived(tag string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(tag).Inc()
}

// RecordCacheLookup counts a data cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
