// Package cli provides the initialization shared by cmd/expenseview and
// cmd/expenseview-worker.
package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"expenseview/internal/config"
	"expenseview/internal/log"
)

// SetupLogger initializes structured logging at the given level and sets
// it as the process default.
func SetupLogger(level string) *log.Logger {
	logger := log.New(log.Config{
		Level:  log.ParseLevel(level),
		Output: os.Stdout,
	})
	slog.SetDefault(logger.Logger)
	return logger
}

// LoadEnvFile loads .env files for local development. With no paths it
// reads ./.env. A missing file is not an error.
func LoadEnvFile(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// Shutdowner is implemented by http.Server.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// GracefulShutdown stops srv within timeout, then runs cleanup. The
// cleanup runs even when the shutdown times out.
func GracefulShutdown(logger *log.Logger, srv Shutdowner, timeout time.Duration, cleanup func()) error {
	logger.Info("Shutting down", "timeout", timeout.String())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		logger.Warn("Shutdown did not complete cleanly", "error", err)
	}
	if cleanup != nil {
		cleanup()
	}
	if err == nil {
		logger.Info("Shutdown complete")
	}
	return err
}
