package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opstracker"

// Rate lookup tiers, in lookup order.
const (
	TierIdentity = "identity"
	TierCache    = "cache"
	TierStore    = "store"
	TierProvider = "provider"
	TierMiss     = "miss"
)

// Metrics is safe to use through a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	RateLookups         *prometheus.CounterVec
	RateProviderLatency prometheus.Histogram
	CircuitBreakerState *prometheus.GaugeVec

	Allocations      *prometheus.CounterVec
	ShortageUnits    prometheus.Counter
	RestockedUnits   prometheus.Counter
	ConsistencyFault *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)
	m.RateLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_lookups_total",
			Help:      "Currency rate lookups by the tier that answered",
		},
		[]string{"tier"},
	)
	m.RateProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_provider_duration_seconds",
			Help:      "External rate provider call duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5},
		},
	)
	m.CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
	m.Allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sale_allocations_total",
			Help:      "Allocation rows written, by kind",
		},
		[]string{"kind"},
	)
	m.ShortageUnits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shortage_units_total",
			Help:      "Units sold without backing inventory",
		},
	)
	m.RestockedUnits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restocked_units_total",
			Help:      "Units credited back onto batches by returns",
		},
	)
	m.ConsistencyFault = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_faults_total",
			Help:      "Operations aborted by a bookkeeping consistency fault",
		},
		[]string{"operation"},
	)

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLookups,
		m.RateProviderLatency,
		m.CircuitBreakerState,
		m.Allocations,
		m.ShortageUnits,
		m.RestockedUnits,
		m.ConsistencyFault,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordRateLookup(tier string) {
	if m == nil {
		return
	}
	m.RateLookups.WithLabelValues(tier).Inc()
}

func (m *Metrics) ObserveRateProvider(duration time.Duration) {
	if m == nil {
		return
	}
	m.RateProviderLatency.Observe(duration.Seconds())
}

func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) RecordAllocation(shortage bool) {
	if m == nil {
		return
	}
	if shortage {
		m.Allocations.WithLabelValues("shortage").Inc()
		return
	}
	m.Allocations.WithLabelValues("batch").Inc()
}

func (m *Metrics) RecordShortage(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.ShortageUnits.Add(float64(units))
}

func (m *Metrics) RecordRestock(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.RestockedUnits.Add(float64(units))
}

func (m *Metrics) RecordConsistencyFault(operation string) {
	if m == nil {
		return
	}
	m.ConsistencyFault.WithLabelValues(operation).Inc()
}
