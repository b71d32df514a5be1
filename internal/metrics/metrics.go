// Package metrics defines custom Prometheus metrics for Stowage.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for upload and body size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stowage_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stowage_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Provider and upload metrics.
var (
	// ProviderOperationsTotal counts adapter calls by provider kind,
	// operation and status (ok or error).
	ProviderOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_provider_operations_total",
			Help: "Storage provider operations by type",
		},
		[]string{"provider", "operation", "status"},
	)

	// UploadTasksTotal counts settled upload tasks by final status.
	UploadTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_upload_tasks_total",
			Help: "Settled upload tasks by status",
		},
		[]string{"status"},
	)

	// UploadBytesTotal counts bytes successfully uploaded.
	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stowage_upload_bytes_total",
			Help: "Total bytes uploaded",
		},
	)

	// UploadSize observes the size of each uploaded artifact.
	UploadSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stowage_upload_size_bytes",
			Help:    "Uploaded artifact size in bytes",
			Buckets: sizeBuckets,
		},
	)

	// UploadPlansRunning is the number of file plans holding a limiter slot.
	UploadPlansRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stowage_upload_plans_running",
			Help: "File upload plans currently running",
		},
	)

	// DownloadsTotal counts downloads to local files by status.
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_downloads_total",
			Help: "Downloads to local files by status",
		},
		[]string{"status"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			ProviderOperationsTotal,
			UploadTasksTotal,
			UploadBytesTotal,
			UploadSize,
			UploadPlansRunning,
			DownloadsTotal,
		)
		// Initialize the upload counters so they appear in /metrics output
		// before the first run.
		UploadTasksTotal.WithLabelValues("completed")
		UploadTasksTotal.WithLabelValues("error")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. Provider ids, bucket names
// and history ids are replaced by placeholders.
func NormalizePath(path string) string {
	switch path {
	case "/", "":
		return "/"
	case "/health", "/metrics", "/openapi.json":
		return path
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(segments); i++ {
		switch segments[i-1] {
		case "providers":
			segments[i] = "{id}"
		case "buckets":
			segments[i] = "{bucket}"
		case "history":
			if segments[i] != "stats" {
				segments[i] = "{id}"
			}
		}
	}
	return "/" + strings.Join(segments, "/")
}
