package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sitereport/internal/geocode"
)

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	exports  *prometheus.CounterVec
}

// NewMetrics registers the HTTP, export and geocode-cache collectors.
// cache may be nil.
func NewMetrics(cache *geocode.Cache[geocode.Result]) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sitereport_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code",
		}, []string{"method", "route", "code"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitereport_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 15, 30, 60},
		}, []string{"method", "route"}),
		exports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sitereport_exports_total",
			Help: "Report and summary exports by format and outcome",
		}, []string{"kind", "format", "outcome"}),
	}

	if cache != nil {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "sitereport_geocode_cache_hits_total",
			Help: "Geocode lookups answered from cache",
		}, func() float64 { return float64(cache.Hits()) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "sitereport_geocode_cache_misses_total",
			Help: "Geocode lookups that went to a provider",
		}, func() float64 { return float64(cache.Misses()) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sitereport_geocode_cache_entries",
			Help: "Entries currently held in the geocode cache",
		}, func() float64 { return float64(cache.Len()) })
	}
	return m
}

// Registry is what /metrics serves.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveExport counts one export attempt.
func (m *Metrics) ObserveExport(kind, format string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.exports.WithLabelValues(kind, format, outcome).Inc()
}

// Middleware records request counts and latency keyed by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
