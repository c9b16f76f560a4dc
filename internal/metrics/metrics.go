package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
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
	EnableManifestLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	config                      Config
	adminRequestsTotal          *prometheus.CounterVec
	adminRequestDuration        *prometheus.HistogramVec
	storeOperationsTotal        *prometheus.CounterVec
	storeOperationDuration      *prometheus.HistogramVec
	storeOperationErrors        *prometheus.CounterVec
	dedupHitsTotal              *prometheus.CounterVec
	encryptionOperations        *prometheus.CounterVec
	encryptionDuration          *prometheus.HistogramVec
	encryptionErrors            *prometheus.CounterVec
	encryptionBytes             *prometheus.CounterVec
	rotatedReads                *prometheus.CounterVec
	bufferPoolHits              *prometheus.CounterVec
	bufferPoolMisses            *prometheus.CounterVec
	activeSessions              prometheus.Gauge
	goroutines                  prometheus.Gauge
	memoryAllocBytes            prometheus.Gauge
	memorySysBytes              prometheus.Gauge
	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableManifestLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableManifestLabel: true})
}

// newMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		adminRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admin_http_requests_total",
				Help: "Total number of requests served by the local admin HTTP surface",
			},
			[]string{"method", "path", "status"},
		),
		adminRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admin_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		storeOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of EXISTS/READ/WRITE operations issued to the chunk store",
			},
			[]string{"operation", "manifest"},
		),
		storeOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Chunk store operation round-trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "manifest"},
		),
		storeOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operation_errors_total",
				Help: "Total number of chunk store operation errors",
			},
			[]string{"operation", "manifest", "error_type"},
		),
		dedupHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_hits_total",
				Help: "Total number of EXISTS checks answered without a network round-trip (cache hit) or with the chunk already present (server hit)",
			},
			[]string{"source"}, // "cache" or "server"
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of chunk encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Chunk encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of chunk encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total plaintext bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		rotatedReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crypto_secret_rotated_reads_total",
				Help: "Total number of decryption operations using a rotated (non-active) crypto_secret version",
			},
			[]string{"key_version", "active_version"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_hits_total",
				Help: "Total number of transaction pool scratch-buffer reuses",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_misses_total",
				Help: "Total number of transaction pool scratch-buffer allocations",
			},
			[]string{"size_class"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_sessions",
				Help: "Number of active session client connections",
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

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration enabled metric (for testing).
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// GetRotatedReadsMetric returns the rotated reads metric (for testing).
func (m *Metrics) GetRotatedReadsMetric() *prometheus.CounterVec {
	return m.rotatedReads
}

// RecordAdminRequest records a request served by the local admin HTTP surface.
func (m *Metrics) RecordAdminRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.adminRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.adminRequestsTotal.With(labels).Inc()
		}

		if observer, ok := m.adminRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.adminRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.adminRequestsTotal.With(labels).Inc()
		m.adminRequestDuration.With(labels).Observe(duration.Seconds())
	}
}

// sanitizePathLabel reduces high-cardinality paths to stable labels.
// Examples:
// "/metrics" => "/metrics"
// "/debug/pprof/heap" => "/debug/*"
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

// RecordStoreOperation records an EXISTS/READ/WRITE round-trip against the
// chunk store (native session or s3backend).
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation, manifest string, duration time.Duration) {
	manifestLabel := manifest
	if !m.config.EnableManifestLabel {
		manifestLabel = "*"
	}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.storeOperationsTotal.WithLabelValues(operation, manifestLabel).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.storeOperationsTotal.WithLabelValues(operation, manifestLabel).Inc()
		}

		if observer, ok := m.storeOperationDuration.WithLabelValues(operation, manifestLabel).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.storeOperationDuration.WithLabelValues(operation, manifestLabel).Observe(duration.Seconds())
		}
	} else {
		m.storeOperationsTotal.WithLabelValues(operation, manifestLabel).Inc()
		m.storeOperationDuration.WithLabelValues(operation, manifestLabel).Observe(duration.Seconds())
	}
}

// RecordStoreError records a chunk store operation error.
func (m *Metrics) RecordStoreError(ctx context.Context, operation, manifest, errorType string) {
	manifestLabel := manifest
	if !m.config.EnableManifestLabel {
		manifestLabel = "*"
	}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.storeOperationErrors.WithLabelValues(operation, manifestLabel, errorType).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.storeOperationErrors.WithLabelValues(operation, manifestLabel, errorType).Inc()
		}
	} else {
		m.storeOperationErrors.WithLabelValues(operation, manifestLabel, errorType).Inc()
	}
}

// RecordDedupHit records an EXISTS check that avoided a network round-trip
// (source="cache") or found the chunk already present server-side
// (source="server").
func (m *Metrics) RecordDedupHit(source string) {
	m.dedupHitsTotal.WithLabelValues(source).Inc()
}

// RecordEncryptionOperation records a chunk encryption/decryption operation.
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.encryptionOperations.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.encryptionOperations.WithLabelValues(operation).Inc()
		}

		if observer, ok := m.encryptionDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.encryptionOperations.WithLabelValues(operation).Inc()
		m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}

	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records a chunk encryption/decryption error.
func (m *Metrics) RecordEncryptionError(ctx context.Context, operation, errorType string) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.encryptionErrors.WithLabelValues(operation, errorType).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
		}
	} else {
		m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
	}
}

// RecordRotatedRead records a decryption operation using a rotated
// (non-active) crypto_secret version.
func (m *Metrics) RecordRotatedRead(ctx context.Context, keyVersion, activeVersion int) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).Inc()
		}
	} else {
		m.rotatedReads.WithLabelValues(
			strconv.Itoa(keyVersion),
			strconv.Itoa(activeVersion),
		).Inc()
	}
}

// RecordBufferPoolHit records a transaction pool scratch-buffer reuse.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a transaction pool scratch-buffer allocation.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveSessions increments the active session connections counter.
func (m *Metrics) IncrementActiveSessions() {
	m.activeSessions.Inc()
}

// DecrementActiveSessions decrements the active session connections counter.
func (m *Metrics) DecrementActiveSessions() {
	m.activeSessions.Dec()
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
