// Package metrics exposes prometheus collectors for provider calls, token
// refreshes and circuit breakers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhle/mailgateway/internal/model"
)

const namespace = "mailgateway"

// breakerStates maps breaker state names to gauge values.
var breakerStates = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// Metrics holds the collectors on a private registry. It implements the
// gateway call recorder and the session refresh observer.
type Metrics struct {
	registry *prometheus.Registry

	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	refresh  *prometheus.CounterVec
	breakers *prometheus.GaugeVec
}

// New registers the collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Adapter calls by provider, operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_seconds",
			Help:      "Adapter call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		refresh: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "OAuth token refreshes by provider and outcome.",
		}, []string{"provider", "outcome"}),
		breakers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		}, []string{"provider"}),
	}
}

// ObserveCall records one adapter call.
func (m *Metrics) ObserveCall(p model.ProviderType, op, outcome string, elapsed time.Duration) {
	m.calls.WithLabelValues(string(p), op, outcome).Inc()
	m.latency.WithLabelValues(string(p), op).Observe(elapsed.Seconds())
}

// ObserveBreaker records a breaker state change.
func (m *Metrics) ObserveBreaker(p model.ProviderType, state string) {
	v, ok := breakerStates[state]
	if !ok {
		return
	}
	m.breakers.WithLabelValues(string(p)).Set(v)
}

// ObserveRefresh records one token refresh attempt.
func (m *Metrics) ObserveRefresh(p model.ProviderType, outcome string) {
	m.refresh.WithLabelValues(string(p), outcome).Inc()
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
