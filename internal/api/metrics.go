package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clinicqueue_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	queueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicqueue_operations_total",
		Help: "Queue operations by kind and outcome.",
	}, []string{"op", "result"})
)

func recordOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	queueOps.WithLabelValues(op, result).Inc()
}

// MetricsMiddleware observes request latency under the chi route pattern so
// parameterized paths do not explode the label space.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}
