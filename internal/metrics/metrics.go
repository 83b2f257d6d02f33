package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	s3OperationsTotal   *prometheus.CounterVec
	s3OperationDuration *prometheus.HistogramVec
	s3OperationErrors   *prometheus.CounterVec
	cryptoOperations    *prometheus.CounterVec
	cryptoDuration      *prometheus.HistogramVec
	cryptoErrors        *prometheus.CounterVec
	cryptoBytes         *prometheus.CounterVec
	workersBusy         prometheus.Gauge
	partUploads         *prometheus.CounterVec
	partUploadDuration  prometheus.Histogram
	uploadsInFlight     prometheus.Gauge
	transfersTotal      *prometheus.CounterVec
	transferBytes       *prometheus.CounterVec
	multipartAborts     *prometheus.CounterVec
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge

	handler http.Handler
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	m := NewMetricsWithRegistry(defaultRegistry)
	m.handler = promhttp.Handler()
	return m
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// Passing a *prometheus.Registry makes the Handler serve that registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
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
		cryptoOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_crypto_operations_total",
				Help: "Total number of chunk encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		cryptoDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunk_crypto_duration_seconds",
				Help:    "Chunk encryption/decryption duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		cryptoErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_crypto_errors_total",
				Help: "Total number of chunk encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		cryptoBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_crypto_bytes_total",
				Help: "Total plaintext bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		workersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_pool_busy_workers",
				Help: "Number of worker pool workers currently running a task",
			},
		),
		partUploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "part_uploads_total",
				Help: "Total number of multipart part uploads",
			},
			[]string{"result"}, // "success" or "error"
		),
		partUploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "part_upload_duration_seconds",
				Help:    "Duration of a single part PUT in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		uploadsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "part_uploads_in_flight",
				Help: "Number of part PUT requests currently in flight",
			},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_total",
				Help: "Total number of file transfers",
			},
			[]string{"direction", "mode", "result"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_bytes_total",
				Help: "Total plaintext bytes transferred",
			},
			[]string{"direction"},
		),
		multipartAborts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipart_aborts_total",
				Help: "Total number of multipart sessions aborted after a failure",
			},
			[]string{"result"},
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

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	} else {
		m.handler = promhttp.Handler()
	}
	return m
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

// RecordCryptoOperation records a chunk encryption or decryption.
func (m *Metrics) RecordCryptoOperation(operation string, duration time.Duration, bytes int64) {
	m.cryptoOperations.WithLabelValues(operation).Inc()
	m.cryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.cryptoBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordCryptoError records a chunk encryption or decryption error.
func (m *Metrics) RecordCryptoError(operation, errorType string) {
	m.cryptoErrors.WithLabelValues(operation, errorType).Inc()
}

// SetWorkersBusy sets the number of busy pool workers.
func (m *Metrics) SetWorkersBusy(n int) {
	m.workersBusy.Set(float64(n))
}

// PartUploadStarted marks a part PUT as in flight.
func (m *Metrics) PartUploadStarted() {
	m.uploadsInFlight.Inc()
}

// PartUploadFinished records the outcome of a part PUT.
func (m *Metrics) PartUploadFinished(duration time.Duration, err error) {
	m.uploadsInFlight.Dec()
	result := "success"
	if err != nil {
		result = "error"
	}
	m.partUploads.WithLabelValues(result).Inc()
	m.partUploadDuration.Observe(duration.Seconds())
}

// RecordTransfer records a finished upload or download.
func (m *Metrics) RecordTransfer(direction, mode string, bytes int64, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.transfersTotal.WithLabelValues(direction, mode, result).Inc()
	if err == nil {
		m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordMultipartAbort records a best-effort abort of a multipart session.
func (m *Metrics) RecordMultipartAbort(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.multipartAborts.WithLabelValues(result).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics until stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}
