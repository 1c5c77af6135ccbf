// Package metrics provides Prometheus metrics for authentication attempts and
// provider calls.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels used across metrics.
const (
	LabelProvider = "provider"
	LabelOutcome  = "outcome"
	LabelEndpoint = "endpoint"
	LabelStatus   = "status"
	LabelFrom     = "from"
	LabelTo       = "to"
)

// OutcomeSuccess is the outcome label of a completed attempt; failures use
// their error code.
const OutcomeSuccess = "success"

// Metrics contains all Prometheus metrics for the authentication service.
type Metrics struct {
	registry *prometheus.Registry

	attemptsTotal    *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	attemptsInFlight prometheus.Gauge
	transitionsTotal *prometheus.CounterVec

	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec

	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec

	replaysRejected prometheus.Counter
	eventsDropped   prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Namespace string `mapstructure:"namespace"`
	Subsystem string `mapstructure:"subsystem"`
	// Runtime adds the Go and process collectors.
	Runtime bool `mapstructure:"runtime"`
}

// New creates a new Metrics instance with its own registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "authentiq"
	}

	registry := prometheus.NewRegistry()
	if cfg.Runtime {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{registry: registry}
	factory := promauto.With(registry)

	m.attemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts by outcome.",
		},
		[]string{LabelProvider, LabelOutcome},
	)

	m.attemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_attempt_duration_seconds",
			Help:      "Authentication attempt latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelProvider, LabelOutcome},
	)

	m.attemptsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_attempts_in_flight",
			Help:      "Current number of authentication attempts in progress.",
		},
	)

	m.transitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_state_transitions_total",
			Help:      "Total number of attempt state transitions.",
		},
		[]string{LabelFrom, LabelTo},
	)

	m.providerRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "provider_requests_total",
			Help:      "Total number of requests to provider endpoints.",
		},
		[]string{LabelEndpoint, LabelStatus},
	)

	m.providerRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "provider_request_duration_seconds",
			Help:      "Provider request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelEndpoint},
	)

	m.circuitBreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
		[]string{LabelEndpoint},
	)

	m.circuitBreakerTrips = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips.",
		},
		[]string{LabelEndpoint},
	)

	m.replaysRejected = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "code_replays_rejected_total",
			Help:      "Total number of authorization codes rejected as already used.",
		},
	)

	m.eventsDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "events_dropped_total",
			Help:      "Total number of authentication events that could not be published.",
		},
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- Attempt Metrics ---

// RecordAttempt records a finished authentication attempt.
func (m *Metrics) RecordAttempt(provider, outcome string, duration time.Duration) {
	m.attemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.attemptDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

// AttemptsInFlight increments/decrements the in-flight attempt gauge.
func (m *Metrics) AttemptsInFlight(delta float64) {
	m.attemptsInFlight.Add(delta)
}

// RecordTransition records an attempt state transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordReplayRejected counts an authorization code refused as reused.
func (m *Metrics) RecordReplayRejected() {
	m.replaysRejected.Inc()
}

// RecordEventDropped counts an event that failed to publish.
func (m *Metrics) RecordEventDropped() {
	m.eventsDropped.Inc()
}

// --- Provider Metrics ---

// RecordProviderRequest records a call to a provider endpoint. A zero status
// means no response was received.
func (m *Metrics) RecordProviderRequest(endpoint string, status int, duration time.Duration) {
	statusStr := "error"
	if status > 0 {
		statusStr = strconv.Itoa(status)
	}
	m.providerRequestsTotal.WithLabelValues(endpoint, statusStr).Inc()
	m.providerRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// --- Circuit Breaker Metrics ---

// SetCircuitBreakerState sets the circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(endpoint string, state int) {
	m.circuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip.
func (m *Metrics) RecordCircuitBreakerTrip(endpoint string) {
	m.circuitBreakerTrips.WithLabelValues(endpoint).Inc()
}
