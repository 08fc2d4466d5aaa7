package obs

import (
	"net/http"
	"strconv"
	"strings"
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

// Registration workflow metrics.
var (
	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_registrations_total",
			Help: "Registration attempts by outcome.",
		},
		[]string{"outcome"},
	)

	confirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_confirmations_total",
			Help: "Email confirmation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "account_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	emailDispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verification_email_failures_total",
		Help: "Verification emails that could not be handed to the SMTP relay.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		registrationsTotal, confirmationsTotal, loginsTotal,
		emailDispatchFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountRegistration records a registration attempt outcome ("ok", "duplicate", "error").
func CountRegistration(outcome string) {
	registrationsTotal.WithLabelValues(outcome).Inc()
}

// CountConfirmation records a confirmation attempt outcome ("ok", "invalid", "error").
func CountConfirmation(outcome string) {
	confirmationsTotal.WithLabelValues(outcome).Inc()
}

// CountLogin records a login attempt outcome ("ok", "rejected", "error").
func CountLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

// CountEmailFailure records a failed verification email dispatch.
func CountEmailFailure() {
	emailDispatchFailures.Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath strips query strings so metric labels stay bounded. All routes
// in this service are static, so no path segments need collapsing.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	return path
}

// statusWriter captures the response code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
