package middleware

import (
	"net/http"
	"time"

	"github.com/kenneth/sealdrop/internal/metrics"
)

// MetricsMiddleware records request counts, durations and sizes per route.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newStatusRecorder(w)
			next.ServeHTTP(rw, r)

			path := routeTemplate(r)
			if path == "" {
				path = "unmatched"
			}
			m.RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start), rw.bytesWritten)
		})
	}
}
