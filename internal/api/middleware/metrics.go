package middleware

import (
	"net/http"
	"sync/atomic"
)

// MetricsCollector keeps the running totals behind the /metrics payload.
// The counters live inside the collector so the middleware chain and the
// handler that reports them share one instance.
type MetricsCollector struct {
	requests atomic.Int64
	errors   atomic.Int64
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// Requests returns the total number of requests observed.
func (mc *MetricsCollector) Requests() int64 { return mc.requests.Load() }

// Errors returns how many requests finished with a 4xx or 5xx status.
func (mc *MetricsCollector) Errors() int64 { return mc.errors.Load() }

// Middleware counts each completed request, using the same status-capturing
// writer the logging middleware wraps responses with.
func (mc *MetricsCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		mc.requests.Add(1)
		if rw.statusCode >= http.StatusBadRequest {
			mc.errors.Add(1)
		}
	})
}
