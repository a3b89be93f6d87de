// Package metrics exposes Prometheus collectors for drip processing and the
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Pass metrics
	PassesTotal     prometheus.Counter
	PassDuration    prometheus.Histogram
	PassDue         prometheus.Gauge
	LastPassSuccess prometheus.Gauge
	Outcomes        *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	Completions     prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PassesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "drip_passes_total",
			Help: "Total number of processing passes run",
		}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "drip_pass_duration_seconds",
			Help:    "Processing pass latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		PassDue: f.NewGauge(prometheus.GaugeOpts{
			Name: "drip_pass_enrollments",
			Help: "Number of enrollments processed by the most recent pass",
		}),
		LastPassSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "drip_last_pass_timestamp_seconds",
			Help: "Unix time the most recent pass finished",
		}),
		Outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_enrollment_outcomes_total",
				Help: "Enrollment outcomes across all passes",
			},
			[]string{"outcome"}, // sent, failed, duplicate, skipped, completed
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_failures_total",
				Help: "Failed enrollments by error kind",
			},
			[]string{"kind"},
		),
		Completions: f.NewCounter(prometheus.CounterOpts{
			Name: "drip_enrollments_completed_total",
			Help: "Enrollments that reached the end of their sequence",
		}),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// ObservePass records one processing pass.
func (m *Metrics) ObservePass(r *sequence.Result, elapsed time.Duration) {
	m.PassesTotal.Inc()
	m.PassDuration.Observe(elapsed.Seconds())
	m.PassDue.Set(float64(r.Processed))
	m.LastPassSuccess.Set(float64(r.RanAt.Unix()))

	for _, d := range r.Details {
		m.Outcomes.WithLabelValues(string(d.Outcome)).Inc()
		if d.Outcome == sequence.OutcomeFailed && d.Kind != "" {
			m.Failures.WithLabelValues(string(d.Kind)).Inc()
		}
		if d.Completed {
			m.Completions.Inc()
		}
	}
}

// Middleware records request counts and latency. Paths are labelled by the
// chi route pattern so ids do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
