package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware wraps handlers with OpenTelemetry tracing. With redactSensitive set,
// document paths and owner ids are kept out of span attributes.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("document-vault")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := RouteTemplate(r)
			target := r.URL.Path
			if redactSensitive {
				target = route
			}

			ctx, span := tracer.Start(r.Context(), getSpanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(route),
					semconv.HTTPTarget(target),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			vars := mux.Vars(r)
			if category := documentCategory(vars["path"]); category != "" {
				span.SetAttributes(attribute.String("document.category", category))
			}
			if !redactSensitive {
				if p := vars["path"]; p != "" {
					span.SetAttributes(attribute.String("document.path", p))
				}
				if owner := vars["userId"]; owner != "" {
					span.SetAttributes(attribute.String("document.owner", owner))
				}
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			defer func() {
				if rw.statusCode == 0 {
					rw.statusCode = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
				if rw.statusCode >= 500 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// documentCategory returns the first segment of a document path.
func documentCategory(path string) string {
	if i := strings.IndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return ""
}

var spanNames = map[string]string{
	http.MethodPost + " /upload/document":               "document.upload",
	http.MethodGet + " /upload/view/{path:.*}":          "document.view",
	http.MethodHead + " /upload/view/{path:.*}":         "document.stat",
	http.MethodGet + " /documents":                      "document.list",
	http.MethodDelete + " /documents/{path:.*}":         "document.delete",
	http.MethodGet + " /admin/users/{userId}/documents": "document.admin_list",
	http.MethodPost + " /admin/upload/return":           "document.admin_return",
}

// getSpanName names spans after the document operation a route serves.
func getSpanName(method, route string) string {
	if name, ok := spanNames[method+" "+route]; ok {
		return name
	}
	return "HTTP " + method
}

// getRemoteAddr extracts the real remote address, handling X-Forwarded-For and X-Real-IP.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx > 0 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones.
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	safeHeaders := []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
		"cache-control",
	}
	sensitiveHeaders := []string{
		"authorization",
		"cookie",
	}

	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}

// tracingResponseWriter captures the status code for the span.
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
