package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/chain"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/leader"
	"tax-sync-tracker/internal/telemetry"
	"tax-sync-tracker/internal/tracker"
)

// Stats summarizes one reconciliation cycle.
type Stats struct {
	Examined  int
	Updated   int
	Succeeded int
	Failed    int
	Chains    int
	Errors    int
}

// Reconciler drives tracker rows toward the queue backend's view of their
// jobs. Workers own the happy path; this loop exists for everything that
// reports late, dies silently, or finishes while nobody is watching.
type Reconciler struct {
	store   tracker.Store
	backend backend.Backend
	chains  *chain.Controller
	lock    *leader.Lock
	log     *slog.Logger

	interval      time.Duration
	parallelism   int
	lookupTimeout time.Duration
	resultGrace   time.Duration
	maxRunningAge time.Duration
}

// New builds a reconciler. lock may be nil when single-instance deployment is
// guaranteed by other means.
func New(st tracker.Store, be backend.Backend, chains *chain.Controller, lock *leader.Lock, cfg config.Config, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.ReconcileInterval
	if interval == 0 {
		interval = 2 * time.Minute
	}
	parallelism := cfg.ReconcileParallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout == 0 {
		lookupTimeout = 10 * time.Second
	}
	resultGrace := cfg.ResultGracePeriod
	if resultGrace == 0 {
		resultGrace = 15 * time.Minute
	}
	maxRunningAge := cfg.MaxRunningAge
	if maxRunningAge == 0 {
		maxRunningAge = 12 * time.Hour
	}
	return &Reconciler{
		store:         st,
		backend:       be,
		chains:        chains,
		lock:          lock,
		log:           log,
		interval:      interval,
		parallelism:   parallelism,
		lookupTimeout: lookupTimeout,
		resultGrace:   resultGrace,
		maxRunningAge: maxRunningAge,
	}
}

// Run reconciles on the configured interval until the context ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	if r.lock != nil {
		ok, err := r.lock.Acquire(ctx)
		if err != nil {
			r.log.Error("reconcile: leader lock unavailable", "error", err)
			return
		}
		if !ok {
			// Another instance is reconciling.
			return
		}
		defer func() { _ = r.lock.Release(ctx) }()
	}

	stats, err := r.ReconcileOnce(ctx)
	if err != nil {
		r.log.Error("reconcile: cycle failed", "error", err)
		return
	}
	if stats.Updated > 0 || stats.Errors > 0 {
		r.log.Info("reconcile: cycle done",
			"examined", stats.Examined, "updated", stats.Updated,
			"succeeded", stats.Succeeded, "failed", stats.Failed,
			"chains", stats.Chains, "errors", stats.Errors)
	}
}

// ReconcileOnce reconciles every unfinished tracker against the backend once.
// Individual job failures are counted and logged, never fatal to the batch.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	// Finish chain fires a previous run claimed but never resolved. The
	// submission idempotency key makes re-firing safe.
	claimed, err := r.store.ListChainClaimed(ctx)
	if err != nil {
		return stats, fmt.Errorf("list claimed chains: %w", err)
	}
	for _, t := range claimed {
		stats.Chains++
		if err := r.chains.Fire(ctx, t); err != nil {
			stats.Errors++
			r.log.Warn("reconcile: chain recovery failed", "job", t.JobID, "error", err)
		}
	}

	unfinished, err := r.store.ListUnfinished(ctx)
	if err != nil {
		return stats, fmt.Errorf("list unfinished: %w", err)
	}
	stats.Examined = len(unfinished)
	telemetry.ReconcileRuns.Inc()
	telemetry.ActiveTrackersGauge.Set(float64(len(unfinished)))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, t := range unfinished {
		t := t
		g.Go(func() error {
			res := r.reconcileTracker(gctx, t)
			mu.Lock()
			stats.Updated += res.updated
			stats.Succeeded += res.succeeded
			stats.Failed += res.failed
			stats.Chains += res.chains
			stats.Errors += res.errors
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return stats, nil
}

type jobResult struct {
	updated   int
	succeeded int
	failed    int
	chains    int
	errors    int
}

func (r *Reconciler) reconcileTracker(ctx context.Context, t tracker.Tracker) jobResult {
	var res jobResult

	lctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	state, lookupErr := r.backend.State(lctx, t.JobID)
	cancel()

	update, ok := r.planUpdate(t, state, lookupErr, time.Now().UTC())
	if lookupErr != nil {
		res.errors++
		telemetry.ReconcileErrors.Inc()
		r.log.Warn("reconcile: state lookup failed", "job", t.JobID, "error", lookupErr)
	}
	if !ok {
		return res
	}

	updated, change, err := r.store.ApplyStatusUpdate(ctx, t.JobID, update)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			// Swept away mid-cycle; nothing left to reconcile.
			return res
		}
		res.errors++
		telemetry.ReconcileErrors.Inc()
		r.log.Warn("reconcile: status update failed", "job", t.JobID, "error", err)
		return res
	}
	if !change.Updated {
		return res
	}

	res.updated++
	telemetry.ReconcileTransitions.Inc()
	switch updated.Status {
	case tracker.StatusSuccess:
		res.succeeded++
	case tracker.StatusFailed:
		res.failed++
		r.log.Info("reconcile: job failed",
			"job", t.JobID, "job_name", t.JobName, "company", t.CompanyID, "error", updated.ErrorMessage)
	}

	if change.ChainClaimed {
		res.chains++
		if err := r.chains.Fire(ctx, updated); err != nil {
			res.errors++
			r.log.Warn("reconcile: chain fire failed", "job", t.JobID, "error", err)
		}
	}
	return res
}

// planUpdate maps one backend observation onto a status update. The bool is
// false when this cycle should leave the tracker untouched.
func (r *Reconciler) planUpdate(t tracker.Tracker, state backend.TaskState, lookupErr error, now time.Time) (tracker.StatusUpdate, bool) {
	// A job unfinished far beyond any sane runtime is failed no matter what
	// the backend claims. This is the system's only cancellation mechanism.
	if now.Sub(t.CreatedAt) > r.maxRunningAge {
		return tracker.StatusUpdate{
			Status:       tracker.StatusFailed,
			Progress:     -1,
			ErrorMessage: fmt.Sprintf("sync exceeded the maximum runtime of %s", r.maxRunningAge),
		}, true
	}

	if lookupErr != nil {
		// Transient backend trouble; retry next cycle.
		return tracker.StatusUpdate{}, false
	}

	switch state.Status {
	case backend.TaskExecuting:
		return tracker.StatusUpdate{Status: tracker.StatusRunning, Progress: state.Progress}, true
	case backend.TaskSucceeded:
		return tracker.StatusUpdate{Status: tracker.StatusSuccess, Progress: state.Progress}, true
	case backend.TaskFailed:
		return tracker.StatusUpdate{
			Status:       tracker.StatusFailed,
			Progress:     -1,
			ErrorMessage: state.Error,
		}, true
	case backend.TaskNotFound:
		if now.Sub(t.CreatedAt) > r.resultGrace {
			return tracker.StatusUpdate{
				Status:       tracker.StatusFailed,
				Progress:     -1,
				ErrorMessage: "task result unavailable: the queue backend no longer knows this job",
			}, true
		}
		return tracker.StatusUpdate{}, false
	default:
		// Not started yet; nothing to record.
		return tracker.StatusUpdate{}, false
	}
}
