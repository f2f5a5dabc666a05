package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "document_vault"

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	s3OperationsTotal   *prometheus.CounterVec
	s3OperationDuration *prometheus.HistogramVec
	s3OperationErrors   *prometheus.CounterVec
	kmsOperationsTotal  *prometheus.CounterVec
	kmsOperationLatency *prometheus.HistogramVec
	kmsOperationErrors  *prometheus.CounterVec
	encryptionOps       *prometheus.CounterVec
	encryptionDuration  *prometheus.HistogramVec
	encryptionErrors    *prometheus.CounterVec
	encryptionBytes     *prometheus.CounterVec
	documentOperations  *prometheus.CounterVec
	documentBytes       *prometheus.HistogramVec
	catalogPartial      *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge
}

// NewMetrics creates a metrics instance on a fresh registry that also carries
// the Go runtime, process and build info collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector(namespace),
	)
	return NewMetricsWithRegistry(reg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		s3OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operations_total",
				Help: "Total number of S3 operations",
			},
			[]string{"operation", "bucket"},
		),
		s3OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s3_operation_duration_seconds",
				Help:    "S3 operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "bucket"},
		),
		s3OperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operation_errors_total",
				Help: "Total number of S3 operation errors",
			},
			[]string{"operation", "bucket", "error_type"},
		),
		kmsOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_operations_total",
				Help: "Total number of KMS wrap/unwrap operations",
			},
			[]string{"operation", "provider"},
		),
		kmsOperationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kms_operation_duration_seconds",
				Help:    "KMS operation duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation", "provider"},
		),
		kmsOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_operation_errors_total",
				Help: "Total number of KMS operation errors",
			},
			[]string{"operation", "provider", "error_type"},
		),
		encryptionOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation", "algorithm"},
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation", "algorithm"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		documentOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "document_operations_total",
				Help: "Total number of document operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		documentBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "document_size_bytes",
				Help:    "Plaintext size of ingested documents",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
			[]string{"category"},
		),
		catalogPartial: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_category_failures_total",
				Help: "Total number of category listings that failed during catalog fan-out",
			},
			[]string{"category"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordS3Operation records an S3 operation metric.
func (m *Metrics) RecordS3Operation(operation, bucket string, duration time.Duration) {
	m.s3OperationsTotal.WithLabelValues(operation, bucket).Inc()
	m.s3OperationDuration.WithLabelValues(operation, bucket).Observe(duration.Seconds())
}

// RecordS3Error records an S3 operation error.
func (m *Metrics) RecordS3Error(operation, bucket, errorType string) {
	m.s3OperationErrors.WithLabelValues(operation, bucket, errorType).Inc()
}

// RecordKMSOperation records a KMS wrap or unwrap call.
func (m *Metrics) RecordKMSOperation(operation, provider string, duration time.Duration) {
	m.kmsOperationsTotal.WithLabelValues(operation, provider).Inc()
	m.kmsOperationLatency.WithLabelValues(operation, provider).Observe(duration.Seconds())
}

// RecordKMSError records a failed KMS call.
func (m *Metrics) RecordKMSError(operation, provider, errorType string) {
	m.kmsOperationErrors.WithLabelValues(operation, provider, errorType).Inc()
}

// RecordEncryptionOperation records an encryption operation metric.
func (m *Metrics) RecordEncryptionOperation(operation, algorithm string, duration time.Duration, bytes int64) {
	m.encryptionOps.WithLabelValues(operation, algorithm).Inc()
	m.encryptionDuration.WithLabelValues(operation, algorithm).Observe(duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordDocumentOperation records the outcome of an ingest, retrieve, stat, list or delete.
func (m *Metrics) RecordDocumentOperation(operation, outcome string) {
	m.documentOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordDocumentSize records the plaintext size of an ingested document.
func (m *Metrics) RecordDocumentSize(category string, size int64) {
	m.documentBytes.WithLabelValues(category).Observe(float64(size))
}

// RecordCatalogFailure records a category whose listing failed.
func (m *Metrics) RecordCatalogFailure(category string) {
	m.catalogPartial.WithLabelValues(category).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector periodically updates system metrics until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
