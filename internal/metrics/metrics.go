package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Config holds metrics configuration.
type Config struct {
	// EnableDriveLabel controls whether drive-client metrics carry the
	// remote drive ID as a label. Disabled by default since drive IDs are
	// unbounded and would blow up cardinality over the life of a gateway.
	EnableDriveLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	config Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	driveOperationsTotal   *prometheus.CounterVec
	driveOperationDuration *prometheus.HistogramVec
	driveOperationErrors   *prometheus.CounterVec

	cryptoOperations *prometheus.CounterVec
	cryptoDuration   *prometheus.HistogramVec
	cryptoErrors     *prometheus.CounterVec
	cryptoBytes      *prometheus.CounterVec

	limiterWaitSeconds *prometheus.HistogramVec

	drivesCreatedTotal prometheus.Counter
	filesUploadedTotal prometheus.Counter
	filesDeletedTotal  prometheus.Counter

	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge

	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableDriveLabel: false})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableDriveLabel: false})
}

// newMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
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
		driveOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drive_operations_total",
				Help: "Total number of remote drive operations",
			},
			[]string{"operation", "drive"},
		),
		driveOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drive_operation_duration_seconds",
				Help:    "Remote drive operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "drive"},
		),
		driveOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drive_operation_errors_total",
				Help: "Total number of remote drive operation errors",
			},
			[]string{"operation", "drive", "error_type"},
		),
		cryptoOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_crypto_operations_total",
				Help: "Total number of chunked encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		cryptoDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunk_crypto_duration_seconds",
				Help:    "Chunked encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		cryptoErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_crypto_errors_total",
				Help: "Total number of chunked encryption/decryption errors",
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
		limiterWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "limiter_wait_seconds",
				Help:    "Time spent waiting for a rate/bandwidth limiter token",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"limiter"}, // "request" or "bandwidth"
		),
		drivesCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "drives_created_total",
				Help: "Total number of remote drives created by the allocator",
			},
		),
		filesUploadedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "files_uploaded_total",
				Help: "Total number of files successfully uploaded",
			},
		),
		filesDeletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "files_deleted_total",
				Help: "Total number of files deleted",
			},
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
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}

		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}

	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths to stable labels.
// "" and "/" become "/"; every other path ("/{key}" regardless of the key
// value, but also "/health", "/metrics" and multi-segment paths) becomes "/*".
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/*"
	}
	return "/*"
}

// driveLabel returns the drive ID label, or "*" when per-drive cardinality is disabled.
func (m *Metrics) driveLabel(driveID string) string {
	if !m.config.EnableDriveLabel {
		return "*"
	}
	return driveID
}

// RecordDriveOperation records a remote drive client operation.
func (m *Metrics) RecordDriveOperation(ctx context.Context, operation, driveID string, duration time.Duration) {
	label := m.driveLabel(driveID)

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.driveOperationsTotal.WithLabelValues(operation, label).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.driveOperationsTotal.WithLabelValues(operation, label).Inc()
		}
		if observer, ok := m.driveOperationDuration.WithLabelValues(operation, label).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.driveOperationDuration.WithLabelValues(operation, label).Observe(duration.Seconds())
		}
	} else {
		m.driveOperationsTotal.WithLabelValues(operation, label).Inc()
		m.driveOperationDuration.WithLabelValues(operation, label).Observe(duration.Seconds())
	}
}

// RecordDriveError records a remote drive client operation error.
func (m *Metrics) RecordDriveError(ctx context.Context, operation, driveID, errorType string) {
	label := m.driveLabel(driveID)

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.driveOperationErrors.WithLabelValues(operation, label, errorType).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.driveOperationErrors.WithLabelValues(operation, label, errorType).Inc()
		}
	} else {
		m.driveOperationErrors.WithLabelValues(operation, label, errorType).Inc()
	}
}

// RecordCryptoOperation records a chunked encrypt/decrypt operation.
func (m *Metrics) RecordCryptoOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.cryptoOperations.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.cryptoOperations.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.cryptoDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.cryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.cryptoOperations.WithLabelValues(operation).Inc()
		m.cryptoDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}

	m.cryptoBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordCryptoError records a chunked encrypt/decrypt error (almost always "decrypt": tag mismatch).
func (m *Metrics) RecordCryptoError(ctx context.Context, operation, errorType string) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.cryptoErrors.WithLabelValues(operation, errorType).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.cryptoErrors.WithLabelValues(operation, errorType).Inc()
		}
	} else {
		m.cryptoErrors.WithLabelValues(operation, errorType).Inc()
	}
}

// RecordLimiterWait records time spent awaiting a limiter token.
func (m *Metrics) RecordLimiterWait(limiter string, duration time.Duration) {
	m.limiterWaitSeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// RecordDriveCreated increments the drive-creation counter.
func (m *Metrics) RecordDriveCreated() {
	m.drivesCreatedTotal.Inc()
}

// RecordFileUploaded increments the file-upload counter.
func (m *Metrics) RecordFileUploaded() {
	m.filesUploadedTotal.Inc()
}

// RecordFileDeleted increments the file-delete counter.
func (m *Metrics) RecordFileDeleted() {
	m.filesDeletedTotal.Inc()
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

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts trace ID from context and returns prometheus Labels for exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
