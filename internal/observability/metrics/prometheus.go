// Package metrics provides Prometheus metrics for the enrollment engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsGenerated     *prometheus.CounterVec
	DateFallbacks       prometheus.Counter
	PersistenceFailures *prometheus.CounterVec
	FieldWrites         *prometheus.CounterVec
	RuleContextBuilds   prometheus.Counter
	RuleContextFailures prometheus.Counter
	RelayPublished      *prometheus.CounterVec
	RelayFailed         *prometheus.CounterVec
	RelayPending        prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	HTTPDuration        *prometheus.HistogramVec
}

// New creates all metrics and registers them on reg. A nil reg registers on
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		EventsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_events_generated_total",
			Help: "Visit events created for enrollments",
		}, []string{"status"}),
		DateFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enrollment_anchor_date_fallbacks_total",
			Help: "Scheduled events anchored on the current date because the stored anchor was unparsable",
		}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_persistence_failures_total",
			Help: "Failed record store writes",
		}, []string{"operation"}),
		FieldWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_field_writes_total",
			Help: "Single-field enrollment updates",
		}, []string{"field"}),
		RuleContextBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rule_context_builds_total",
			Help: "Rule evaluation contexts built",
		}),
		RuleContextFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rule_context_failures_total",
			Help: "Rule evaluation context builds that failed",
		}),
		RelayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_relay_published_total",
			Help: "Pending records published by the sync relay",
		}, []string{"table"}),
		RelayFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_relay_failed_total",
			Help: "Pending records the sync relay failed to publish",
		}, []string{"table"}),
		RelayPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_relay_pending_records",
			Help: "Records waiting for synchronization in the last poll",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.EventsGenerated,
		m.DateFallbacks,
		m.PersistenceFailures,
		m.FieldWrites,
		m.RuleContextBuilds,
		m.RuleContextFailures,
		m.RelayPublished,
		m.RelayFailed,
		m.RelayPending,
		m.CircuitBreakerState,
		m.HTTPDuration,
	)

	return m
}

// EventGenerated counts a stored visit event
func (m *Metrics) EventGenerated(status string) {
	if m == nil {
		return
	}
	m.EventsGenerated.WithLabelValues(status).Inc()
}

// DateFallback counts an anchor date replaced by the current date
func (m *Metrics) DateFallback() {
	if m == nil {
		return
	}
	m.DateFallbacks.Inc()
}

// PersistenceFailed counts a failed store write
func (m *Metrics) PersistenceFailed(operation string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(operation).Inc()
}

// FieldWritten counts a single-field enrollment update
func (m *Metrics) FieldWritten(field string) {
	if m == nil {
		return
	}
	m.FieldWrites.WithLabelValues(field).Inc()
}

// RuleContextBuilt counts a rule context build attempt and its outcome
func (m *Metrics) RuleContextBuilt(err error) {
	if m == nil {
		return
	}
	m.RuleContextBuilds.Inc()
	if err != nil {
		m.RuleContextFailures.Inc()
	}
}

// Relayed counts a relay publication outcome for a table
func (m *Metrics) Relayed(table string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RelayFailed.WithLabelValues(table).Inc()
		return
	}
	m.RelayPublished.WithLabelValues(table).Inc()
}

// SetPending records the size of the last pending batch
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.RelayPending.Set(float64(n))
}

// SetBreakerState records a circuit breaker state (0=closed, 1=open, 2=half-open)
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// ObserveRequest records the latency of one HTTP request
func (m *Metrics) ObserveRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler for a specific registry
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
