package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kenneth/document-vault/internal/metrics"
)

// MetricsMiddleware records request counts, latency and size by route template.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			rw := wrapResponseWriter(w)
			next.ServeHTTP(rw, r)

			bytes := rw.bytesWritten
			if r.Method == http.MethodPost {
				if n, err := strconv.ParseInt(r.Header.Get("Content-Length"), 10, 64); err == nil {
					bytes = n
				}
			}
			m.RecordHTTPRequest(r.Method, RouteTemplate(r), rw.statusCode, time.Since(start), bytes)
		})
	}
}
