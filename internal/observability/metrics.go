package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the engine.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	checksTotal       *prometheus.CounterVec
	failClosedTotal   prometheus.Counter
	cacheEvents       *prometheus.CounterVec
	tokenSyncFailures prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatehouse_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_authz_checks_total",
		Help: "Authorization checks by kind and decision.",
	}, []string{"check", "decision"})
	failClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatehouse_authz_fail_closed_total",
		Help: "Resolution failures converted into denials.",
	})
	cacheEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_authz_cache_events_total",
		Help: "Resolution cache hits and misses per view.",
	}, []string{"view", "event"})
	syncFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatehouse_token_sync_failures_total",
		Help: "Credential synchronization attempts that failed.",
	})
	registry.MustRegister(requests, duration, checks, failClosed, cacheEvents, syncFailures)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		checksTotal:       checks,
		failClosedTotal:   failClosed,
		cacheEvents:       cacheEvents,
		tokenSyncFailures: syncFailures,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveCheck counts a gate decision.
func (m *Metrics) ObserveCheck(check string, allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.checksTotal.WithLabelValues(check, decision).Inc()
}

// ObserveFailClosed counts a resolution failure converted into a denial.
func (m *Metrics) ObserveFailClosed() {
	if m == nil {
		return
	}
	m.failClosedTotal.Inc()
}

// ObserveCache counts a cache hit or miss for the given view.
func (m *Metrics) ObserveCache(view string, hit bool) {
	if m == nil {
		return
	}
	event := "miss"
	if hit {
		event = "hit"
	}
	m.cacheEvents.WithLabelValues(view, event).Inc()
}

// ObserveTokenSyncFailure counts a contained synchronization failure.
func (m *Metrics) ObserveTokenSyncFailure() {
	if m == nil {
		return
	}
	m.tokenSyncFailures.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
