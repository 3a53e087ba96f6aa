// Package main is the entry point for the chunkvault object engine server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bleepstore/chunkvault/internal/config"
	"github.com/bleepstore/chunkvault/internal/engine"
	"github.com/bleepstore/chunkvault/internal/logging"
	"github.com/bleepstore/chunkvault/internal/metadata"
	"github.com/bleepstore/chunkvault/internal/metrics"
	"github.com/bleepstore/chunkvault/internal/server"
	"github.com/bleepstore/chunkvault/internal/storage"
)

func main() {
	configPath := flag.String("config", "chunkvault.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9010)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
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

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Every startup is recovery: SQLite WAL and the JSONL log replay on
	// open, and the local chunk backend clears orphaned temp files.
	if cfg.Metadata.Engine == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Metadata.SQLite.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create metadata directory: %w", err)
		}
	}
	kv, err := metadata.Open(ctx, &cfg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to initialize metadata store: %w", err)
	}
	defer kv.Close()
	logger.Info("Metadata store initialized", "engine", cfg.Metadata.Engine)

	chunks, err := storage.Open(ctx, &cfg.Storage, kv)
	if err != nil {
		return fmt.Errorf("failed to initialize chunk store: %w", err)
	}
	logger.Info("Chunk store initialized", "backend", cfg.Storage.Backend)

	e, err := engine.New(ctx, kv, chunks, engine.Options{
		Name:         cfg.Server.Name,
		Controllers:  cfg.Auth.Controllers,
		Managers:     cfg.Auth.Managers,
		Auditors:     cfg.Auth.Auditors,
		AuthDisabled: !cfg.Auth.Enabled,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	if !cfg.Auth.Enabled {
		logger.Warn("Authentication disabled, every caller is a controller")
	}

	if cfg.Metrics.Enabled {
		metrics.Register()
	}
	srv, err := server.New(cfg, e, server.WithHealthCheck(kv.Ping), server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Service().RefreshObjectCount(ctx); err != nil {
		logger.Warn("Failed to count objects", "error", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		logger.Info("chunkvault listening", "addr", addr, "name", cfg.Server.Name)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig)

		// Give in-flight requests time to complete.
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
		logger.Info("Server stopped")
		return nil

	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
