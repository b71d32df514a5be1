package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/provider"
	"github.com/stowage/stowage/internal/storage"
)

// DownloadResult reports the outcome of DownloadToFile.
type DownloadResult struct {
	Success  bool   `json:"success"`
	FilePath string `json:"filePath,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	Error    string `json:"error,omitempty"`
}

// DownloadToFile fetches an object through a signed URL and writes it to
// savePath. The body goes to a temporary file in the same directory that
// is renamed into place once complete, so savePath never holds a partial
// download. Every failure is reported in the result.
func (s *Service) DownloadToFile(ctx context.Context, p provider.Descriptor, bucket, key, savePath string) DownloadResult {
	n, err := s.download(ctx, p, bucket, key, savePath)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("error").Inc()
		slog.Warn("Download failed", "provider", provider.Display(p), "bucket", bucket, "key", key, "error", err)
		return DownloadResult{Error: err.Error()}
	}
	metrics.DownloadsTotal.WithLabelValues("completed").Inc()
	return DownloadResult{Success: true, FilePath: savePath, Bytes: n}
}

func (s *Service) download(ctx context.Context, p provider.Descriptor, bucket, key, savePath string) (int64, error) {
	signed, err := s.GetObjectURL(ctx, p, bucket, key, storage.DefaultURLExpiry)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("building download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("failed to fetch file: %s", resp.Status)
	}

	return writeAtomically(savePath, resp.Body)
}

// writeAtomically streams r to a temp file next to dst, syncs it and
// renames it over dst.
func writeAtomically(dst string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing file data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file to %q: %w", dst, err)
	}
	return n, nil
}
