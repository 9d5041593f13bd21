package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/chain"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/leader"
	"tax-sync-tracker/internal/reconcile"
	"tax-sync-tracker/internal/store"
	"tax-sync-tracker/internal/submit"
	"tax-sync-tracker/internal/sweep"
	"tax-sync-tracker/internal/telemetry"
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

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		slog.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		slog.Error("run migrations", "error", err)
		os.Exit(1)
	}

	be := backend.NewRedis(cfg)
	chains := chain.New(st, submit.NewService(st, be, nil), cfg, nil)

	// Each control loop gets its own leader lock so horizontally scaled
	// deployments never run the same loop twice.
	client := be.Client()
	rec := reconcile.New(st, be, chains, leader.NewLock(client, "reconcile", cfg.LockTTL), cfg, nil)
	sw := sweep.New(st, be,
		leader.NewLock(client, "age-sweep", cfg.LockTTL),
		leader.NewLock(client, "orphan-sweep", cfg.LockTTL),
		cfg, nil)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	slog.Info("reconciler started",
		"interval", cfg.ReconcileInterval, "grace", cfg.ResultGracePeriod,
		"retention", cfg.CompletedRetention, "orphan_age", cfg.OrphanAge)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return sw.RunAgeSweep(gctx) })
	g.Go(func() error { return sw.RunOrphanSweep(gctx) })
	if err := g.Wait(); err != nil {
		slog.Info("reconciler stopped", "reason", err)
	}
}
