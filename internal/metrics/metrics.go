package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upstream call outcomes
const (
	OutcomeSuccess        = "success"
	OutcomeTransportError = "transport_error"
	OutcomeForbidden      = "forbidden"
	OutcomeDomainError    = "domain_error"
	OutcomeCanceled       = "canceled"
)

// Conversion cycle outcomes
const (
	ConversionApplied    = "applied"
	ConversionSuperseded = "superseded"
	ConversionFailed     = "failed"
	ConversionCleared    = "cleared"
)

// Metrics groups every collector of the service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Rate service calls
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	ForbiddenTotal          prometheus.Counter

	// Sync cycles
	ConversionsTotal *prometheus.CounterVec
	InFlightRequests *prometheus.GaugeVec

	// Sessions
	ActiveSessions prometheus.Gauge
}

// New registers all collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UpstreamRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchanger_upstream_requests_total",
				Help: "Calls to the rate service by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		UpstreamRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchanger_upstream_request_duration_seconds",
				Help:    "Latency of calls to the rate service",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ForbiddenTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "exchanger_upstream_forbidden_total",
				Help: "Calls to the rate service answered with 403",
			},
		),
		ConversionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchanger_conversions_total",
				Help: "Sync cycles by source side and outcome",
			},
			[]string{"side", "outcome"},
		),
		InFlightRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exchanger_sync_in_flight",
				Help: "Rate requests currently pending per side",
			},
			[]string{"side"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exchanger_sessions_active",
				Help: "Converter sessions currently open",
			},
		),
	}
}

// ObserveUpstream records one finished upstream call
func (m *Metrics) ObserveUpstream(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(method, outcome).Inc()
	m.UpstreamRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	if outcome == OutcomeForbidden {
		m.ForbiddenTotal.Inc()
	}
}

// ObserveConversion records how a sync cycle ended
func (m *Metrics) ObserveConversion(side, outcome string) {
	if m == nil {
		return
	}
	m.ConversionsTotal.WithLabelValues(side, outcome).Inc()
}

// RequestStarted and RequestFinished track pending rate requests per side
func (m *Metrics) RequestStarted(side string) {
	if m == nil {
		return
	}
	m.InFlightRequests.WithLabelValues(side).Inc()
}

func (m *Metrics) RequestFinished(side string) {
	if m == nil {
		return
	}
	m.InFlightRequests.WithLabelValues(side).Dec()
}

// SetActiveSessions publishes the current session count
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
