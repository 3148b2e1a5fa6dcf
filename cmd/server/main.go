/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config (file, env, flags)
  2. Set up structured logging
  3. Open the store (SQLite, or in-memory with -db=memory)
  4. Build metrics, engine, handler and router
  5. Start the settlement inbox scheduler (if configured)
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML or TOML config file (optional)
  -port    HTTP server port, overrides listen address
  -db      SQLite database path, or "memory"

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the inbox scheduler
  4. Close database connection and log file

EXAMPLES:
  ./server -config=./loyalty.yaml
  ./server -db=memory -port=3000
  LOYALTY_DB=./data/loyalty.db LOYALTY_LOG_LEVEL=debug ./server

SEE ALSO:
  - config/config.go: Configuration fields and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/observability"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loyalty server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML or TOML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config listen)")
	dbPath := flag.String("db", "", `SQLite database path, or "memory"`)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port > 0 {
		cfg.Listen = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}

	logger, logCloser, err := logging.Setup(cfg.Service, cfg.Env, logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}, os.Stdout)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logCloser.Close()

	// Initialize store
	backend, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer closeStore.Close()

	metrics := observability.New("loyalty")
	engine := loyalty.NewEngine(backend, loyalty.Options{
		CodeTTL:    cfg.Codes.TTL.Duration,
		CodeLength: cfg.Codes.Length,
		MaxSpend:   decimal.NewFromFloat(cfg.Ledger.MaxSpend),
		Logger:     logger,
		Metrics:    metrics,
	})

	handler := api.NewHandler(engine, backend, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RateLimit: api.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Metrics: metrics,
	})

	scheduler := api.NewReconciliationScheduler(engine, cfg.Reconciliation.Inbox, logger)
	scheduler.CheckInterval = cfg.Reconciliation.Interval.Duration
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("listen", cfg.Listen),
			slog.String("database", cfg.Database),
			slog.Duration("code_ttl", cfg.Codes.TTL.Duration),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a failed listener
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore returns the configured backend and its closer.
func openStore(cfg config.Config) (api.Backend, io.Closer, error) {
	if cfg.InMemory() {
		return store.NewMemory(), io.NopCloser(nil), nil
	}
	if dir := filepath.Dir(cfg.Database); dir != "." && cfg.Database != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	s, err := sqlite.New(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}
