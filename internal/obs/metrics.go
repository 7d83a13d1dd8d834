package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Ledger metrics
var (
	assetsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laurel_assets_issued_total",
			Help: "Assets issued, by variant and authorization path.",
		},
		[]string{"variant", "path"},
	)

	operationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laurel_operation_failures_total",
			Help: "Rejected ledger operations, by operation and reason.",
		},
		[]string{"op", "reason"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "laurel_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			assetsIssued, operationFailures, ready,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AssetsIssued records n newly issued assets.
func AssetsIssued(variant, path string, n int) {
	assetsIssued.WithLabelValues(variant, path).Add(float64(n))
}

// OperationFailed records a rejected operation.
func OperationFailed(op, reason string) {
	operationFailures.WithLabelValues(op, reason).Inc()
}

// SetReady mirrors the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures in-flight requests, totals and latency.
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

// CanonicalPath collapses identifiers in known routes so label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "assets":
		switch {
		case len(parts) == 3 && (parts[2] == "permit" || parts[2] == "batch"):
			return path
		case len(parts) == 3:
			return "/v1/assets/:id"
		case len(parts) == 4 && isAssetAction(parts[3]):
			return "/v1/assets/:id/" + parts[3]
		}
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "categories":
		return "/v1/categories/:tag/" + parts[3]
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "roles":
		return "/v1/roles/:role/" + parts[3]
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "roles":
		return "/v1/roles/:role"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "permits" && parts[2] == "nonce":
		return "/v1/permits/nonce/:address"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "owners":
		return "/v1/owners/:address"
	}
	return path
}

func isAssetAction(s string) bool {
	switch s {
	case "transfer", "lock", "revoke":
		return true
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
