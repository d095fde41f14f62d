// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for edgegate.
package observability

import (
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgegate"

// Breaker state gauge values.
const (
	BreakerGaugeClosed   = 0
	BreakerGaugeOpen     = 1
	BreakerGaugeHalfOpen = 2
)

// Metrics is the process metrics sink. Hot-path counters are kept as atomics
// so tests and the admin API can read them without scraping; every counter is
// mirrored into Prometheus.
type Metrics struct {
	requests        atomic.Int64
	rateLimited     atomic.Int64
	strictLimited   atomic.Int64
	breakerRejected atomic.Int64
	noHealthy       atomic.Int64
	upstreamErrors  atomic.Int64
	storeErrors     atomic.Int64
	storeFallback   atomic.Int64
	fallbackServed  atomic.Int64
	panics          atomic.Int64
	eventsDropped   atomic.Int64

	reg prometheus.Registerer

	promRequests           *prometheus.CounterVec
	promRequestDuration    *prometheus.HistogramVec
	promStageDuration      *prometheus.HistogramVec
	promRateLimited        *prometheus.CounterVec
	promBreakerState       *prometheus.GaugeVec
	promBreakerTransitions *prometheus.CounterVec
	promBreakerRejected    *prometheus.CounterVec
	promUpstreamErrors     *prometheus.CounterVec
	promNoHealthy          *prometheus.CounterVec
	promInstanceHealthy    *prometheus.GaugeVec
	promHealthTransitions  *prometheus.CounterVec
	promStoreErrors        prometheus.Counter
	promStoreFallback      prometheus.Counter
	promStorePrimaryState  prometheus.Gauge
	promFallbackServed     *prometheus.CounterVec
	promVersionRequests    *prometheus.CounterVec
	promPanics             prometheus.Counter
	promEventsDropped      prometheus.Counter

	customMu sync.Mutex
	counters map[string]*labeledVec[*prometheus.CounterVec]
	timers   map[string]*labeledVec[*prometheus.HistogramVec]

	perfMu   sync.Mutex
	perf     map[string]*servicePerf
	stages   map[string]int64
	versions map[string]int64
}

type servicePerf struct {
	requests int64
	errors   int64
	totalMs  float64
	maxMs    float64
}

// labeledVec pins the label keys used at first registration.
type labeledVec[V any] struct {
	vec  V
	keys []string
}

// NewMetrics creates and registers the gateway metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		reg:      reg,
		counters: make(map[string]*labeledVec[*prometheus.CounterVec]),
		timers:   make(map[string]*labeledVec[*prometheus.HistogramVec]),
		perf:     make(map[string]*servicePerf),
		stages:   make(map[string]int64),
		versions: make(map[string]int64),

		promRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by service and status code.",
		}, []string{"service", "code"}),
		promRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),
		promStageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"stage"}),
		promRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"tier", "limiter"}),
		promBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per service (0 closed, 1 open, 2 half-open).",
		}, []string{"service"}),
		promBreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Breaker state transitions per service and target state.",
		}, []string{"service", "to"}),
		promBreakerRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejected_total",
			Help:      "Requests short-circuited by an open breaker.",
		}, []string{"service"}),
		promUpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream attempts by error code.",
		}, []string{"service", "code"}),
		promNoHealthy: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_healthy_instances_total",
			Help:      "Requests that found no healthy instance.",
		}, []string{"service"}),
		promInstanceHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_healthy",
			Help:      "1 when the instance passes health checks.",
		}, []string{"service", "instance"}),
		promHealthTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_health_transitions_total",
			Help:      "Instance health flips.",
		}, []string{"service", "instance", "to"}),
		promStoreErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Errors returned by the primary store.",
		}),
		promStoreFallback: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallback_total",
			Help:      "Store operations served by the in-memory fallback.",
		}),
		promStorePrimaryState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_primary_breaker_state",
			Help:      "Primary store breaker (0 closed, 1 open, 2 half-open).",
		}),
		promFallbackServed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_served_total",
			Help:      "Fallback responses served while a breaker was open.",
		}, []string{"service"}),
		promVersionRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_version_requests_total",
			Help:      "Requests by resolved API version.",
		}, []string{"version"}),
		promPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Handler panics turned into 500 responses.",
		}),
		promEventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "State-change events dropped because the buffer was full.",
		}),
	}

	return m
}

// ObserveRequest records a finished request for a service. A status of 500
// or more counts as an error in the performance summary.
func (m *Metrics) ObserveRequest(service, method string, status int, d time.Duration) {
	m.requests.Add(1)
	m.promRequests.WithLabelValues(service, statusLabel(status)).Inc()
	m.promRequestDuration.WithLabelValues(service, method).Observe(d.Seconds())

	ms := float64(d) / float64(time.Millisecond)

	m.perfMu.Lock()
	p, ok := m.perf[service]
	if !ok {
		p = &servicePerf{}
		m.perf[service] = p
	}
	p.requests++
	if status >= 500 {
		p.errors++
	}
	p.totalMs += ms
	p.maxMs = max(p.maxMs, ms)
	m.perfMu.Unlock()
}

// ObserveStage records the latency of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.promStageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.perfMu.Lock()
	m.stages[stage]++
	m.perfMu.Unlock()
}

// IncRateLimited counts a rejection by the named limiter ("tier" or "strict").
func (m *Metrics) IncRateLimited(tier, limiter string) {
	if limiter == "strict" {
		m.strictLimited.Add(1)
	} else {
		m.rateLimited.Add(1)
	}
	m.promRateLimited.WithLabelValues(tier, limiter).Inc()
}

// SetBreakerState publishes the current breaker state gauge.
func (m *Metrics) SetBreakerState(service string, gauge int) {
	m.promBreakerState.WithLabelValues(service).Set(float64(gauge))
}

// IncBreakerTransition counts a transition into state to.
func (m *Metrics) IncBreakerTransition(service, to string) {
	m.promBreakerTransitions.WithLabelValues(service, to).Inc()
}

// IncBreakerRejected counts a request refused by an open breaker.
func (m *Metrics) IncBreakerRejected(service string) {
	m.breakerRejected.Add(1)
	m.promBreakerRejected.WithLabelValues(service).Inc()
}

// IncUpstreamError counts a failed upstream attempt.
func (m *Metrics) IncUpstreamError(service, code string) {
	m.upstreamErrors.Add(1)
	m.promUpstreamErrors.WithLabelValues(service, code).Inc()
}

// IncNoHealthy counts a request that found nothing selectable.
func (m *Metrics) IncNoHealthy(service string) {
	m.noHealthy.Add(1)
	m.promNoHealthy.WithLabelValues(service).Inc()
}

// SetInstanceHealth publishes the health gauge of one instance.
func (m *Metrics) SetInstanceHealth(service, instance string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.promInstanceHealthy.WithLabelValues(service, instance).Set(v)
}

// IncHealthTransition counts an instance health flip.
func (m *Metrics) IncHealthTransition(service, instance, to string) {
	m.promHealthTransitions.WithLabelValues(service, instance, to).Inc()
}

// DeleteInstance drops the per-instance series of a removed instance.
func (m *Metrics) DeleteInstance(service, instance string) {
	m.promInstanceHealthy.DeleteLabelValues(service, instance)
}

// IncStoreErrors counts an error from the primary store.
func (m *Metrics) IncStoreErrors() {
	m.storeErrors.Add(1)
	m.promStoreErrors.Inc()
}

// IncStoreFallback counts an operation served by the memory fallback.
func (m *Metrics) IncStoreFallback() {
	m.storeFallback.Add(1)
	m.promStoreFallback.Inc()
}

// SetStorePrimaryState publishes the primary store breaker state.
func (m *Metrics) SetStorePrimaryState(gauge int) {
	m.promStorePrimaryState.Set(float64(gauge))
}

// IncFallbackServed counts a fallback response.
func (m *Metrics) IncFallbackServed(service string) {
	m.fallbackServed.Add(1)
	m.promFallbackServed.WithLabelValues(service).Inc()
}

// IncVersion counts a request resolved to version.
func (m *Metrics) IncVersion(version string) {
	m.promVersionRequests.WithLabelValues(version).Inc()
	m.perfMu.Lock()
	m.versions[version]++
	m.perfMu.Unlock()
}

// IncPanics counts a recovered handler panic.
func (m *Metrics) IncPanics() {
	m.panics.Add(1)
	m.promPanics.Inc()
}

// IncEventsDropped counts an event lost to a full buffer.
func (m *Metrics) IncEventsDropped() {
	m.eventsDropped.Add(1)
	m.promEventsDropped.Inc()
}

// IncrementCounter increments an ad-hoc counter. The label keys seen on the
// first call for a name become that counter's label set; later calls fill
// missing keys with "" and drop unknown ones.
func (m *Metrics) IncrementCounter(name string, labels map[string]string) {
	m.customMu.Lock()
	lv, ok := m.counters[name]
	if !ok {
		keys := sortedKeys(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      sanitizeName(name) + "_total",
			Help:      "Ad-hoc counter " + name + ".",
		}, keys)
		lv = &labeledVec[*prometheus.CounterVec]{vec: registerOrExisting(m.reg, vec), keys: keys}
		m.counters[name] = lv
	}
	m.customMu.Unlock()

	lv.vec.WithLabelValues(labelValues(lv.keys, labels)...).Inc()
}

// RecordTimer records a duration in milliseconds into an ad-hoc histogram
// exported in seconds. Label handling matches IncrementCounter.
func (m *Metrics) RecordTimer(name string, ms float64, labels map[string]string) {
	m.customMu.Lock()
	lv, ok := m.timers[name]
	if !ok {
		keys := sortedKeys(labels)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      sanitizeName(name) + "_seconds",
			Help:      "Ad-hoc timer " + name + ".",
			Buckets:   prometheus.DefBuckets,
		}, keys)
		lv = &labeledVec[*prometheus.HistogramVec]{vec: registerOrExisting(m.reg, vec), keys: keys}
		m.timers[name] = lv
	}
	m.customMu.Unlock()

	lv.vec.WithLabelValues(labelValues(lv.keys, labels)...).Observe(ms / 1000)
}

// registerOrExisting registers c, reusing an identical collector that is
// already registered. A conflicting registration leaves c unexported.
func registerOrExisting[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func sortedKeys(labels map[string]string) []string {
	keys := slices.Sorted(maps.Keys(labels))
	for i, k := range keys {
		keys[i] = sanitizeName(k)
	}
	return keys
}

func labelValues(keys []string, labels map[string]string) []string {
	if len(keys) == 0 {
		return nil
	}
	clean := make(map[string]string, len(labels))
	for k, v := range labels {
		clean[sanitizeName(k)] = v
	}
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = clean[k]
	}
	return vals
}

// sanitizeName maps any character outside [a-zA-Z0-9_] to '_'.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

// ServicePerformance is the per-service latency and error summary.
type ServicePerformance struct {
	Service   string  `json:"service"`
	Requests  int64   `json:"requests"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	AvgMs     float64 `json:"avg_response_time_ms"`
	MaxMs     float64 `json:"max_response_time_ms"`
}

// Performance returns the per-service summary sorted by service name.
func (m *Metrics) Performance() []ServicePerformance {
	m.perfMu.Lock()
	defer m.perfMu.Unlock()

	out := make([]ServicePerformance, 0, len(m.perf))
	for name, p := range m.perf {
		sp := ServicePerformance{Service: name, Requests: p.requests, Errors: p.errors, MaxMs: p.maxMs}
		if p.requests > 0 {
			sp.AvgMs = p.totalMs / float64(p.requests)
			sp.ErrorRate = float64(p.errors) / float64(p.requests)
		}
		out = append(out, sp)
	}
	slices.SortFunc(out, func(a, b ServicePerformance) int { return strings.Compare(a.Service, b.Service) })
	return out
}

// StageCounts returns how many times each pipeline stage ran.
func (m *Metrics) StageCounts() map[string]int64 {
	m.perfMu.Lock()
	defer m.perfMu.Unlock()
	return maps.Clone(m.stages)
}

// VersionCounts returns in-process request counts per API version.
func (m *Metrics) VersionCounts() map[string]int64 {
	m.perfMu.Lock()
	defer m.perfMu.Unlock()
	return maps.Clone(m.versions)
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Requests        int64 `json:"requests"`
	RateLimited     int64 `json:"rate_limited"`
	StrictLimited   int64 `json:"strict_limited"`
	BreakerRejected int64 `json:"breaker_rejected"`
	NoHealthy       int64 `json:"no_healthy_instances"`
	UpstreamErrors  int64 `json:"upstream_errors"`
	StoreErrors     int64 `json:"store_errors"`
	StoreFallback   int64 `json:"store_fallback"`
	FallbackServed  int64 `json:"fallback_served"`
	Panics          int64 `json:"panics"`
	EventsDropped   int64 `json:"events_dropped"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:        m.requests.Load(),
		RateLimited:     m.rateLimited.Load(),
		StrictLimited:   m.strictLimited.Load(),
		BreakerRejected: m.breakerRejected.Load(),
		NoHealthy:       m.noHealthy.Load(),
		UpstreamErrors:  m.upstreamErrors.Load(),
		StoreErrors:     m.storeErrors.Load(),
		StoreFallback:   m.storeFallback.Load(),
		FallbackServed:  m.fallbackServed.Load(),
		Panics:          m.panics.Load(),
		EventsDropped:   m.eventsDropped.Load(),
	}
}
