// Package metrics defines custom Prometheus metrics for chunkvault.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkvault_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkvault_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkvault_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkvault_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Engine operation metrics.
var (
	// OperationsTotal counts RPC operations by name and result code.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkvault_operations_total",
			Help: "Engine operations by method and result",
		},
		[]string{"operation", "code"},
	)

	// OperationDuration observes engine call latency, including the wait
	// for the engine lock.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkvault_operation_duration_seconds",
			Help:    "Engine operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// ObjectsTotal tracks the number of location entries, refreshed on
	// get_state and at startup.
	ObjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkvault_objects_total",
			Help: "Total objects, including in-progress uploads",
		},
	)

	// PayloadBytesWritten counts payload bytes accepted by put_opts and put_part.
	PayloadBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkvault_payload_bytes_written_total",
			Help: "Total payload bytes written",
		},
	)

	// PayloadBytesRead counts payload bytes returned by the read operations.
	PayloadBytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkvault_payload_bytes_read_total",
			Help: "Total payload bytes read",
		},
	)

	// BytesReceivedTotal counts total bytes received in request bodies.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkvault_bytes_received_total",
			Help: "Total bytes received (request bodies)",
		},
	)

	// BytesSentTotal counts total bytes sent in response bodies.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkvault_bytes_sent_total",
			Help: "Total bytes sent (response bodies)",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// It is called from main only when metrics are enabled, and is safe to call
// multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			OperationsTotal,
			OperationDuration,
			ObjectsTotal,
			PayloadBytesWritten,
			PayloadBytesRead,
			BytesReceivedTotal,
			BytesSentTotal,
		)
		// Make the counter visible before the first operation.
		OperationsTotal.WithLabelValues("get_state", "ok")
	})
}

// NormalizePath maps request paths to low-cardinality label values. RPC
// paths keep their method name, which comes from a fixed set.
func NormalizePath(path string) string {
	switch path {
	case "/health":
		return "/health"
	case "/docs", "/docs/":
		return "/docs"
	case "/metrics":
		return "/metrics"
	case "/openapi", "/openapi.json", "/openapi.yaml":
		return "/openapi"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/openapi") {
		return "/openapi"
	}

	if method, ok := strings.CutPrefix(path, "/v1/"); ok && method != "" && !strings.Contains(method, "/") {
		if len(method) > 64 {
			return "/v1/{method}"
		}
		return path
	}
	return "/{other}"
}
