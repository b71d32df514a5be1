package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stowage.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 7420 || cfg.Server.ShutdownTimeout != 30 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Metadata.SQLite.Path != "./data/stowage.db" {
		t.Errorf("sqlite path = %q", cfg.Metadata.SQLite.Path)
	}
	if cfg.Uploads.Concurrency != 5 || cfg.Uploads.URLExpiry != 3600 {
		t.Errorf("uploads = %+v", cfg.Uploads)
	}
	if !cfg.MetricsEnabled() || !cfg.RememberLastTarget() {
		t.Error("metrics and remember_last_target should default to on")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
  token: s3cret
logging:
  level: debug
  format: json
metadata:
  sqlite:
    path: /var/lib/stowage/meta.db
uploads:
  concurrency: 50
  remember_last_target: false
  generate_blurhash: true
observability:
  metrics: false
presets:
  - id: hero
    name: Hero
    max_width: 2400
    max_height: 800
    quality: 80
    format: jpeg
    fit: cover
    aspect_ratio: "3:1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Token != "s3cret" || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Metadata.SQLite.Path != "/var/lib/stowage/meta.db" {
		t.Errorf("sqlite path = %q", cfg.Metadata.SQLite.Path)
	}
	if cfg.Uploads.Concurrency != 20 {
		t.Errorf("concurrency = %d, want clamped to 20", cfg.Uploads.Concurrency)
	}
	if !cfg.Uploads.GenerateBlurHash || cfg.RememberLastTarget() || cfg.MetricsEnabled() {
		t.Errorf("uploads = %+v, metrics = %v", cfg.Uploads, cfg.MetricsEnabled())
	}
	if len(cfg.Presets) != 1 || cfg.Presets[0].MaxWidth != 2400 || cfg.Presets[0].AspectRatio != "3:1" {
		t.Errorf("presets = %+v", cfg.Presets)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"syntax": "server: [",
		"port":   "server:\n  port: 70000\n",
		"preset": "presets:\n  - id: card\n    name: card\n    max_width: 1\n    max_height: 1\n    quality: 1\n    format: png\n    fit: fill\n",
	}
	for name, body := range tests {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadNegativeConcurrency(t *testing.T) {
	cfg, err := Load(writeConfig(t, "uploads:\n  concurrency: -4\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Uploads.Concurrency != 1 {
		t.Errorf("concurrency = %d", cfg.Uploads.Concurrency)
	}
}

func TestLoadUnreadable(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load(dir) = %v", err)
	}
}
