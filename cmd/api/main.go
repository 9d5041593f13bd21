package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"tax-sync-tracker/internal/api"
	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/progress"
	"tax-sync-tracker/internal/ratelimit"
	"tax-sync-tracker/internal/store"
	"tax-sync-tracker/internal/submit"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	submitter := submit.NewService(st, be, nil)
	limiter := ratelimit.NewSubmissionLimiter(be.Client(), cfg.SubmitRateCapacity, cfg.SubmitRateRefill)
	server := api.New(cfg, progress.New(st, cfg, nil), submitter, limiter, nil)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	slog.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
