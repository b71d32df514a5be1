package metrics

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/api/providers", "/api/providers"},
		{"/api/providers/abc-123", "/api/providers/{id}"},
		{"/api/providers/abc/test", "/api/providers/{id}/test"},
		{"/api/providers/abc/buckets", "/api/providers/{id}/buckets"},
		{"/api/providers/abc/buckets/photos/objects", "/api/providers/{id}/buckets/{bucket}/objects"},
		{"/api/providers/abc/buckets/photos/objects/delete", "/api/providers/{id}/buckets/{bucket}/objects/delete"},
		{"/api/history", "/api/history"},
		{"/api/history/stats", "/api/history/stats"},
		{"/api/history/42", "/api/history/{id}"},
		{"/api/uploads/tasks", "/api/uploads/tasks"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	// Verify that calling Inc/Set on metrics does not panic.
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("POST", "/api/uploads").Observe(1024)
	ProviderOperationsTotal.WithLabelValues("aws-s3", "list_objects", "ok").Inc()
	UploadTasksTotal.WithLabelValues("completed").Inc()
	UploadBytesTotal.Add(2048)
	UploadSize.Observe(2048)
	UploadPlansRunning.Inc()
	UploadPlansRunning.Dec()
	DownloadsTotal.WithLabelValues("ok").Inc()
}
