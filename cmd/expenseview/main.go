package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"expenseview/internal/api"
	"expenseview/internal/backend"
	"expenseview/internal/cache"
	"expenseview/internal/cli"
	"expenseview/internal/config"
	apphttp "expenseview/internal/http"
	"expenseview/internal/log"
	"expenseview/internal/middleware/ratelimit"
	"expenseview/internal/services"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = cli.LoadEnvFile()

	cfg := cli.LoadAndValidateConfig(cli.SetupLogger("info"))
	logger := cli.SetupLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	client, err := api.NewClient(cfg.BackendURL, cfg.BackendTimeout, logger)
	if err != nil {
		return err
	}
	if cfg.BackendEmail != "" {
		if err := client.Login(ctx, cfg.BackendEmail, cfg.BackendPassword); err != nil {
			return err
		}
		logger.Info("Logged in to backend", "backend_url", cfg.BackendURL)
	}

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	factory := backend.NewFactory(logger)

	storeRes, err := factory.CreateSnapshotStore(ctx, bcfg)
	if err != nil {
		return err
	}
	defer storeRes.Cleanup()

	// Change events are optional; without a broker the worker relies on
	// its refresh ticker.
	var publisher services.ChangePublisher
	events, err := factory.CreateEventClient(bcfg)
	if err != nil {
		return err
	}
	if events != nil {
		defer events.Close()
		publisher = events
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided")
	}

	book := services.NewExpenseBook(client, storeRes.Store, logger)
	expenses := services.NewExpenseService(client, book, publisher, logger)

	// Validated at startup.
	trusted, _ := config.ParseTrustedProxies(cfg.TrustedProxies)

	manager := cache.NewManager(logger)
	srv := apphttp.NewServer(":"+cfg.Port, book, expenses, apphttp.Options{
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL,
		RateLimit: ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		TrustedProxies: trusted,
		CacheManager:   manager,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting expenseview server", "port", cfg.Port, "snapshot_backend", cfg.SnapshotBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return cli.GracefulShutdown(logger, srv, 30*time.Second, nil)
	})
	g.Go(func() error {
		return manager.Run(gctx, time.Minute)
	})
	g.Go(func() error {
		return srv.RunMaintenance(gctx)
	})
	g.Go(func() error {
		// Warm the list so the first page view does not wait on the backend.
		st, err := book.EnsureLoaded(gctx)
		if err != nil && gctx.Err() == nil {
			logger.Warn("Initial fetch failed", "error", err, "stale", st.Stale)
		}
		return nil
	})

	return g.Wait()
}
