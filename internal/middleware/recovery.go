package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware turns a handler panic into a 500 and logs the stack.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrapResponseWriter(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.WithFields(logrus.Fields{
					"request_id": RequestIDFromContext(r.Context()),
					"method":     r.Method,
					"route":      RouteTemplate(r),
					"panic":      rec,
					"stack":      string(debug.Stack()),
				}).Error("Recovered from handler panic")

				if rw.wroteHeader {
					return
				}
				writeJSONError(rw, http.StatusInternalServerError, "InternalError", "internal server error", true)
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// writeJSONError writes the same error shape the API handlers use.
func writeJSONError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":      code,
		"message":   message,
		"retryable": retryable,
	})
}
