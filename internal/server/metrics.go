package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsPrefix namespaces every collector the service exports.
const MetricsPrefix = "vaultpay_"

type metricsRegistry struct {
	registry      *prometheus.Registry
	httpRequests  *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	reconcileRuns *prometheus.CounterVec
}

// newMetricsRegistry registers the HTTP collectors on r, which may already
// carry the disbursement collectors.
func newMetricsRegistry(r *prometheus.Registry) *metricsRegistry {
	if r == nil {
		r = prometheus.NewRegistry()
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MetricsPrefix + "http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "status"})

	limited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MetricsPrefix + "rate_limited_total",
		Help: "Payment requests refused by the per-client rate limit",
	}, []string{"route"})

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MetricsPrefix + "reconcile_runs_total",
		Help: "Reconciliation passes triggered over HTTP",
	}, []string{"result"})

	r.MustRegister(requests, limited, runs)

	return &metricsRegistry{
		registry:      r,
		httpRequests:  requests,
		rateLimited:   limited,
		reconcileRuns: runs,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRateLimited(route string) {
	m.rateLimited.WithLabelValues(route).Inc()
}

func (m *metricsRegistry) incReconcile(result string) {
	m.reconcileRuns.WithLabelValues(result).Inc()
}

// instrument counts every response by its matched route pattern.
func (m *metricsRegistry) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
