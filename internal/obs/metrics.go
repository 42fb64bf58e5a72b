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

var (
	initOnce sync.Once

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

	ingestItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_items_total",
			Help: "Ingested readings by outcome (ok, error).",
		},
		[]string{"outcome"},
	)

	ingestReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_replays_total",
		Help: "Ingest calls resolved to an existing reading through the idempotency key.",
	})

	rateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_rejections_total",
		Help: "Requests rejected by admission control.",
	})

	tokenRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_rejections_total",
			Help: "Bearer tokens rejected during validation, by reason.",
		},
		[]string{"reason"},
	)

	revocationsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revocations_swept_total",
		Help: "Expired revocation entries discarded by the sweeper.",
	})
)

// Init registers the gateway collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			ingestItems, ingestReplays, rateLimitRejections, tokenRejections, revocationsSwept,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest counts one ingested item.
func ObserveIngest(outcome string, replayed bool) {
	ingestItems.WithLabelValues(outcome).Inc()
	if replayed {
		ingestReplays.Inc()
	}
}

// ObserveRateLimited counts one admission rejection.
func ObserveRateLimited() { rateLimitRejections.Inc() }

// ObserveTokenRejected counts one rejected bearer token.
func ObserveTokenRejected(reason string) { tokenRejections.WithLabelValues(reason).Inc() }

// ObserveSwept counts revocation entries discarded by one sweep.
func ObserveSwept(n int) {
	if n > 0 {
		revocationsSwept.Add(float64(n))
	}
}

// Instrument records RPS, latency and in-flight requests. route maps a request to a
// low-cardinality label; nil falls back to CanonicalPath.
func Instrument(next http.Handler, route func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := ""
		if route != nil {
			path = route(r)
		}
		if path == "" {
			path = CanonicalPath(r.URL.Path)
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// CanonicalPath strips the query and collapses unknown paths so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	for _, known := range knownPaths {
		if p == known {
			return p
		}
	}
	return "other"
}

var knownPaths = []string{
	"/", "/healthz", "/readyz", "/metrics",
	"/auth/login", "/auth/refresh", "/auth/logout", "/auth/me",
	"/ingest/state", "/ingest/bulk",
	"/data", "/data/last", "/data/stream",
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
