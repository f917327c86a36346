package analytics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcourtman/voicegate/pkg/entitlement"
)

// Metrics manages Prometheus instrumentation for entitlement events.
type Metrics struct {
	resolvedTotal       *prometheus.CounterVec
	paywallTotal        *prometheus.CounterVec
	quotaExhaustedTotal *prometheus.CounterVec
	unknownProductTotal *prometheus.CounterVec
	eventsTotal         *prometheus.CounterVec
	droppedTotal        *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
	metricsFactory  = defaultMetricsFactory
)

// GetMetrics returns the process-wide metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = metricsFactory()
	})
	return metricsInstance
}

func defaultMetricsFactory() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics registers the collectors on registerer, reusing any already
// registered under the same names.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		resolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "voicegate",
				Subsystem: "entitlement",
				Name:      "resolutions_total",
				Help:      "Total status resolutions by status, remote outcome and source",
			},
			[]string{"status", "remote", "source"},
		),
		paywallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "voicegate",
				Subsystem: "paywall",
				Name:      "shown_total",
				Help:      "Total paywall impressions by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		quotaExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "voicegate",
				Subsystem: "quota",
				Name:      "exhausted_total",
				Help:      "Total quota checks that found no sessions left, by status",
			},
			[]string{"status"},
		),
		unknownProductTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "voicegate",
				Subsystem: "entitlement",
				Name:      "unknown_product_total",
				Help:      "Active product identifiers that matched no catalog pattern",
			},
			[]string{"product_id"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "voicegate",
				Subsystem: "analytics",
				Name:      "events_total",
				Help:      "Total analytics events by type",
			},
			[]string{"type"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "voicegate",
				Subsystem: "analytics",
				Name:      "events_dropped_total",
				Help:      "Analytics events dropped before delivery, by reason",
			},
			[]string{"reason"},
		),
	}

	m.resolvedTotal = registerCounterVec(registerer, m.resolvedTotal)
	m.paywallTotal = registerCounterVec(registerer, m.paywallTotal)
	m.quotaExhaustedTotal = registerCounterVec(registerer, m.quotaExhaustedTotal)
	m.unknownProductTotal = registerCounterVec(registerer, m.unknownProductTotal)
	m.eventsTotal = registerCounterVec(registerer, m.eventsTotal)
	m.droppedTotal = registerCounterVec(registerer, m.droppedTotal)

	return m
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return counter
}

func defaultLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// Emit implements entitlement.Sink.
func (m *Metrics) Emit(e entitlement.Event) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(defaultLabel(string(e.Type))).Inc()

	switch e.Type {
	case entitlement.EventStatusResolved:
		m.resolvedTotal.WithLabelValues(defaultLabel(string(e.Status)), defaultLabel(string(e.Remote)), defaultLabel(string(e.Source))).Inc()
	case entitlement.EventPaywallShown:
		m.paywallTotal.WithLabelValues(defaultLabel(string(e.Trigger)), defaultLabel(string(e.Status))).Inc()
	case entitlement.EventQuotaExhausted:
		m.quotaExhaustedTotal.WithLabelValues(defaultLabel(string(e.Status))).Inc()
	case entitlement.EventUnknownProduct:
		m.unknownProductTotal.WithLabelValues(defaultLabel(e.ProductID)).Inc()
	}
}

// RecordDropped counts an event that never reached its sinks.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil || m.droppedTotal == nil {
		return
	}
	m.droppedTotal.WithLabelValues(defaultLabel(reason)).Inc()
}
