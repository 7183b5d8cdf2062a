// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics contains functionality for emitting Prometheus metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Admission decision results.
const (
	AdmissionResultAllowed   = "allowed"
	AdmissionResultRejected  = "rejected"
	AdmissionResultLockedOut = "locked_out"
)

// Metrics records gateway activity.
type Metrics interface {
	IncAdmission(tenant, result string)
	IncSyncTick(tenant, provider, outcome string)
	ObserveAdapterOperation(provider, operation, outcome string, d time.Duration)
	IncAlert(tenant, provider, kind string)
}

type metrics struct {
	admissions *prometheus.CounterVec
	syncTicks  *prometheus.CounterVec
	adapterOps *prometheus.HistogramVec
	alerts     *prometheus.CounterVec
}

// New creates gateway metrics backed by the supplied Prometheus registerer.
// Metrics are registered the first time this function is called with a given
// registerer. Subsequent calls reuse the existing collectors.
func New(reg prometheus.Registerer) Metrics {
	m := &metrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scimgate",
			Name:      "admission_decisions_total",
			Help:      "Number of rate limit admission decisions, labelled by result.",
		}, []string{"tenant", "result"}),
		syncTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scimgate",
			Name:      "sync_ticks_total",
			Help:      "Number of poll/sync ticks, labelled by outcome.",
		}, []string{"tenant", "provider", "outcome"}),
		adapterOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scimgate",
			Name:      "adapter_operation_seconds",
			Help:      "Latency of adapter operations, labelled by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation", "outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scimgate",
			Name:      "alerts_emitted_total",
			Help:      "Number of operations alerts emitted after dedup.",
		}, []string{"tenant", "provider", "kind"}),
	}

	registerCounterVec(reg, &m.admissions)
	registerCounterVec(reg, &m.syncTicks)
	registerHistogramVec(reg, &m.adapterOps)
	registerCounterVec(reg, &m.alerts)

	return m
}

func registerCounterVec(reg prometheus.Registerer, cv **prometheus.CounterVec) {
	if reg == nil {
		return
	}
	if err := reg.Register(*cv); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			*cv = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

func registerHistogramVec(reg prometheus.Registerer, hv **prometheus.HistogramVec) {
	if reg == nil {
		return
	}
	if err := reg.Register(*hv); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			*hv = already.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
}

func (m *metrics) IncAdmission(tenant, result string) {
	m.admissions.WithLabelValues(tenant, result).Inc()
}

func (m *metrics) IncSyncTick(tenant, provider, outcome string) {
	m.syncTicks.WithLabelValues(tenant, provider, outcome).Inc()
}

func (m *metrics) ObserveAdapterOperation(provider, operation, outcome string, d time.Duration) {
	m.adapterOps.WithLabelValues(provider, operation, outcome).Observe(d.Seconds())
}

func (m *metrics) IncAlert(tenant, provider, kind string) {
	m.alerts.WithLabelValues(tenant, provider, kind).Inc()
}

// NopMetrics records nothing.
type NopMetrics struct{}

// IncAdmission does nothing.
func (NopMetrics) IncAdmission(_, _ string) {}

// IncSyncTick does nothing.
func (NopMetrics) IncSyncTick(_, _, _ string) {}

// ObserveAdapterOperation does nothing.
func (NopMetrics) ObserveAdapterOperation(_, _, _ string, _ time.Duration) {}

// IncAlert does nothing.
func (NopMetrics) IncAlert(_, _, _ string) {}
