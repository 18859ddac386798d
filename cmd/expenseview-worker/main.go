package main

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"

	"expenseview/internal/api"
	"expenseview/internal/backend"
	"expenseview/internal/cli"
	"expenseview/internal/config"
	"expenseview/internal/log"
	"expenseview/internal/services"
	"expenseview/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = cli.LoadEnvFile()

	cfg := cli.LoadAndValidateConfig(cli.SetupLogger("info"))
	logger := cli.SetupLogger(cfg.LogLevel).WithComponent(log.ComponentWorker)

	logger.Info("Starting expenseview-worker")
	if err := run(cfg, logger); err != nil {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
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

	writer, err := factory.CreateRollupWriter(ctx, bcfg)
	if err != nil {
		return err
	}

	book := services.NewExpenseBook(client, storeRes.Store, logger)
	exporter := worker.NewExportWorker(book, writer, worker.ExportWorkerConfig{
		RefreshInterval: cfg.RefreshInterval,
		ExportInterval:  cfg.ExportInterval,
	}, logger)

	events, err := factory.CreateEventClient(bcfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return exporter.Run(gctx)
	})
	if events != nil {
		defer events.Close()
		g.Go(func() error {
			return events.ConsumeExpenseChanged(gctx, exporter.HandleChange)
		})
	} else {
		logger.Info("Skipping change event consumption - no AMQP_URL provided")
	}

	err = g.Wait()
	if ctx.Err() != nil {
		// Shutdown was requested; consumers report the cancellation.
		return nil
	}
	return err
}
