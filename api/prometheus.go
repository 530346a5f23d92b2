package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/tollgate/identity"
)

const metricsNamespace = "tollgate"

// Metrics holds the gateway's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	auditEvents     *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	roleLookups     *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors with registry. A nil registry
// gets a fresh one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled, by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		auditEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audit_events_total",
			Help:      "Security audit events recorded, by event.",
		}, []string{"event"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "identity",
			Name:      "token_refreshes_total",
			Help:      "Transparent access token refreshes, by outcome.",
		}, []string{"outcome"}),
		roleLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "roles",
			Name:      "lookups_total",
			Help:      "Role cache lookups, by result.",
		}, []string{"result"}),
	}
}

// ObserveRefresh is an identity.WithRefreshObserver callback.
func (m *Metrics) ObserveRefresh(o identity.RefreshOutcome) {
	m.refreshes.WithLabelValues(string(o)).Inc()
}

// ObserveRoleLookup is a principal.WithLookupObserver callback.
func (m *Metrics) ObserveRoleLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.roleLookups.WithLabelValues(result).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency labelled by the matched
// chi route pattern, so ids in paths do not explode label cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
