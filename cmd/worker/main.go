package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/telemetry"
	"tax-sync-tracker/internal/tracker"
	"tax-sync-tracker/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	be := backend.NewRedis(cfg)
	runner := worker.NewRunner(cfg, be, nil)

	// The real scraping handlers run in a separate service; every sync job
	// name falls back to the simulated handler here.
	for _, name := range []string{
		tracker.JobInitialDocumentSync,
		tracker.JobFullHistorySync,
		tracker.JobFormHistorySync,
		tracker.JobTaxpayerProfileSync,
	} {
		runner.RegisterHandler(name, worker.SimulatedSync)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	slog.Info("worker started",
		"queues", cfg.Queues, "workers", cfg.WorkerCount, "visibility", cfg.VisibilityTimeout)
	if err := runner.Run(ctx); err != nil {
		slog.Info("worker stopped", "reason", err)
	}
}
