package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/metrics"
)

func TestMetricsMiddleware_LabelsByRouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	router := mux.NewRouter()
	router.Use(MetricsMiddleware(m))
	router.HandleFunc("/upload/view/{path:.*}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("body"))
	}).Methods(http.MethodGet)

	for _, owner := range []string{"user123", "user456"} {
		req := httptest.NewRequest(http.MethodGet, "/upload/view/medical/"+owner+"/x.pdf", nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	expected := `
# HELP http_requests_total Total number of HTTP requests
# TYPE http_requests_total counter
http_requests_total{method="GET",path="/upload/view/{path:.*}",status="OK"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "http_requests_total"))

	body := httptest.NewRecorder()
	m.Handler().ServeHTTP(body, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.NotContains(t, body.Body.String(), "user123")
	assert.Contains(t, body.Body.String(), "active_connections 0")
}
