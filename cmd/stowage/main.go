// Package main is the entry point for the Stowage server, a local API for
// managing files across cloud object storage providers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stowage/stowage/internal/config"
	"github.com/stowage/stowage/internal/imaging"
	"github.com/stowage/stowage/internal/logging"
	"github.com/stowage/stowage/internal/metadata"
	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/server"
	"github.com/stowage/stowage/internal/service"
	"github.com/stowage/stowage/internal/upload"
)

func main() {
	configPath := flag.String("config", "stowage.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 7420)")
	host := flag.String("host", "", "override listening host (default: from config or 127.0.0.1)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	concurrency := flag.Int("concurrency", 0, "files processed at once per upload run, 1 to 20 (default: from config or 5)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *concurrency != 0 {
		cfg.Uploads.Concurrency = upload.ClampConcurrency(*concurrency)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.MetricsEnabled() {
		metrics.Register()
	}

	dbPath := cfg.Metadata.SQLite.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create metadata directory: %v\n", err)
		os.Exit(1)
	}
	metaStore, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	catalog, err := imaging.NewCatalog(cfg.Presets...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid presets: %v\n", err)
		os.Exit(1)
	}

	svc := service.New(metaStore)
	orch := upload.New(svc, metaStore, imaging.NewProcessor(catalog), upload.Config{
		Concurrency:        cfg.Uploads.Concurrency,
		RememberLastTarget: cfg.RememberLastTarget(),
	})
	srv := server.New(cfg, svc, orch)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Stowage listening", "addr", addr, "metadata", dbPath, "concurrency", cfg.Uploads.Concurrency)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		// Running uploads are cancelled; in-flight requests get the timeout.
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}
