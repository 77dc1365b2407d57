package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	TokenValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zkauth_token_validations_total",
			Help: "JWT validation outcomes.",
		},
		[]string{"outcome"},
	)

	ProofRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zkauth_proof_requests_total",
			Help: "Proof proxy outcomes (ok, invalid, rate_limited, timeout, upstream_error).",
		},
		[]string{"outcome"},
	)

	ProofDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zkauth_proof_upstream_seconds",
		Help:    "Latency of calls to the external proof generator.",
		Buckets: prometheus.DefBuckets,
	})

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zkauth_rate_limit_rejections_total",
			Help: "Requests rejected by the sliding-window limiter.",
		},
		[]string{"dimension"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		TokenValidations, ProofRequests, ProofDuration, RateLimitRejections,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter records the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
