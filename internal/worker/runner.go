package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/telemetry"
)

// ProgressFn reports completion percentage to the queue backend while a
// handler runs, so pollers see movement before the job finishes.
type ProgressFn func(ctx context.Context, progress int)

// Handler executes one delivered job. A returned error marks the job failed
// with the error text; there are no retries at this level.
type Handler func(ctx context.Context, d backend.Delivery, report ProgressFn) error

// Runner drives a fixed pool of workers over the named queues.
type Runner struct {
	cfg            config.Config
	backend        *backend.Redis
	handlers       map[string]Handler
	defaultHandler Handler
	log            *slog.Logger

	workers      int
	pollInterval time.Duration
}

func NewRunner(cfg config.Config, be *backend.Redis, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	poll := cfg.WorkerPollInterval
	if poll == 0 {
		poll = time.Second
	}
	return &Runner{
		cfg:            cfg,
		backend:        be,
		handlers:       make(map[string]Handler),
		defaultHandler: SimulatedSync,
		log:            log,
		workers:        workers,
		pollInterval:   poll,
	}
}

// RegisterHandler binds a handler to a job name.
func (r *Runner) RegisterHandler(jobName string, h Handler) {
	if jobName == "" || h == nil {
		return
	}
	r.handlers[jobName] = h
}

// Run starts the worker pool and the lease-reclaim tick, until the context
// ends.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.maintain(ctx) })
	for i := 0; i < r.workers; i++ {
		id := i
		g.Go(func() error { return r.loop(ctx, id) })
	}
	return g.Wait()
}

// maintain returns expired leases to their ready queues and keeps the depth
// gauge fresh.
func (r *Runner) maintain(ctx context.Context) error {
	interval := r.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if reclaimed, err := r.backend.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			r.log.Info("worker: reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := r.backend.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (r *Runner) loop(ctx context.Context, id int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d, ok, err := r.backend.Dequeue(ctx)
		if err != nil {
			r.log.Warn("worker: dequeue failed", "worker", id, "error", err)
			if !sleep(ctx, r.pollInterval) {
				return ctx.Err()
			}
			continue
		}
		if !ok {
			if !sleep(ctx, r.pollInterval) {
				return ctx.Err()
			}
			continue
		}
		r.process(ctx, id, d)
	}
}

func (r *Runner) process(ctx context.Context, id int, d backend.Delivery) {
	if err := r.backend.MarkExecuting(ctx, d.JobID); err != nil {
		r.log.Warn("worker: mark executing failed", "job", d.JobID, "error", err)
	}

	// Keep the lease alive while the handler works, so a slow sync is not
	// reclaimed and handed to a second worker.
	hctx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(hctx, d.JobID)

	report := func(ctx context.Context, progress int) {
		_ = r.backend.ReportProgress(ctx, d.JobID, progress)
	}

	start := time.Now()
	err := r.handlerFor(d.Name)(ctx, d, report)
	if err != nil {
		if ferr := r.backend.Fail(ctx, d.JobID, err.Error()); ferr != nil {
			r.log.Error("worker: failure report failed", "job", d.JobID, "error", ferr)
		}
		_ = r.backend.Ack(ctx, d.JobID)
		telemetry.WorkerFailures.Inc()
		r.log.Warn("worker: job failed",
			"worker", id, "job", d.JobID, "job_name", d.Name, "duration", time.Since(start), "error", err)
		return
	}

	if cerr := r.backend.Complete(ctx, d.JobID); cerr != nil {
		r.log.Error("worker: completion report failed", "job", d.JobID, "error", cerr)
	}
	_ = r.backend.Ack(ctx, d.JobID)
	telemetry.WorkerSuccess.Inc()
	r.log.Info("worker: job done",
		"worker", id, "job", d.JobID, "job_name", d.Name, "queue", d.Queue, "duration", time.Since(start))
}

func (r *Runner) heartbeat(ctx context.Context, jobID string) {
	vis := r.cfg.VisibilityTimeout
	if vis <= 0 {
		vis = 5 * time.Minute
	}
	ticker := time.NewTicker(vis / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.backend.ExtendLease(ctx, jobID, vis)
		}
	}
}

func (r *Runner) handlerFor(name string) Handler {
	if h, ok := r.handlers[name]; ok {
		return h
	}
	return r.defaultHandler
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
