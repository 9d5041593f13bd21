package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/leader"
	"tax-sync-tracker/internal/telemetry"
	"tax-sync-tracker/internal/tracker"
)

// Sweeper evicts tracker rows that no longer carry information: finished
// trackers past the retention window, and ancient unfinished trackers whose
// job the queue backend has no memory of.
type Sweeper struct {
	store   tracker.Store
	backend backend.Backend

	ageLock    *leader.Lock
	orphanLock *leader.Lock
	log        *slog.Logger

	retention      time.Duration
	ageInterval    time.Duration
	orphanAge      time.Duration
	orphanInterval time.Duration
	lookupTimeout  time.Duration
}

// New builds a sweeper. Locks may be nil for single-instance deployments.
func New(st tracker.Store, be backend.Backend, ageLock, orphanLock *leader.Lock, cfg config.Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	retention := cfg.CompletedRetention
	if retention == 0 {
		retention = time.Hour
	}
	ageInterval := cfg.AgeSweepInterval
	if ageInterval == 0 {
		ageInterval = time.Hour
	}
	orphanAge := cfg.OrphanAge
	if orphanAge == 0 {
		orphanAge = 24 * time.Hour
	}
	orphanInterval := cfg.OrphanSweepInterval
	if orphanInterval == 0 {
		orphanInterval = 24 * time.Hour
	}
	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout == 0 {
		lookupTimeout = 10 * time.Second
	}
	return &Sweeper{
		store:          st,
		backend:        be,
		ageLock:        ageLock,
		orphanLock:     orphanLock,
		log:            log,
		retention:      retention,
		ageInterval:    ageInterval,
		orphanAge:      orphanAge,
		orphanInterval: orphanInterval,
		lookupTimeout:  lookupTimeout,
	}
}

// RunAgeSweep evicts finished trackers on the configured interval until the
// context ends.
func (s *Sweeper) RunAgeSweep(ctx context.Context) error {
	return s.run(ctx, s.ageInterval, s.ageLock, func(ctx context.Context) {
		if _, err := s.SweepAgedOnce(ctx); err != nil {
			s.log.Error("sweep: age pass failed", "error", err)
		}
	})
}

// RunOrphanSweep removes abandoned trackers on the configured interval until
// the context ends.
func (s *Sweeper) RunOrphanSweep(ctx context.Context) error {
	return s.run(ctx, s.orphanInterval, s.orphanLock, func(ctx context.Context) {
		if _, err := s.SweepOrphansOnce(ctx); err != nil {
			s.log.Error("sweep: orphan pass failed", "error", err)
		}
	})
}

func (s *Sweeper) run(ctx context.Context, interval time.Duration, lock *leader.Lock, pass func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.locked(ctx, lock, pass)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) locked(ctx context.Context, lock *leader.Lock, pass func(context.Context)) {
	if lock != nil {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			s.log.Error("sweep: leader lock unavailable", "error", err)
			return
		}
		if !ok {
			return
		}
		defer func() { _ = lock.Release(ctx) }()
	}
	pass(ctx)
}

// SweepAgedOnce deletes every terminal tracker whose completion is older than
// the retention window and reports how many went.
func (s *Sweeper) SweepAgedOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	n, err := s.store.DeleteCompletedBefore(ctx, 0, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete completed: %w", err)
	}
	if n > 0 {
		telemetry.AgeSweptTrackers.Add(float64(n))
		s.log.Info("sweep: evicted finished trackers", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// SweepOrphansOnce removes unfinished trackers old enough to be suspect whose
// job the backend does not know. A tracker survives whenever the backend still
// reports anything for it, or cannot be asked.
func (s *Sweeper) SweepOrphansOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.orphanAge)
	candidates, err := s.store.ListUnfinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list unfinished: %w", err)
	}

	removed := 0
	for _, t := range candidates {
		lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
		state, err := s.backend.State(lctx, t.JobID)
		cancel()
		if err != nil {
			// Backend trouble is no reason to drop a row.
			s.log.Warn("sweep: orphan check failed", "job", t.JobID, "error", err)
			continue
		}
		if state.Status != backend.TaskNotFound {
			continue
		}
		if err := s.store.Delete(ctx, t.JobID); err != nil {
			if !errors.Is(err, tracker.ErrNotFound) {
				s.log.Warn("sweep: orphan delete failed", "job", t.JobID, "error", err)
			}
			continue
		}
		removed++
		telemetry.OrphanSweptTrackers.Inc()
		s.log.Info("sweep: removed orphaned tracker",
			"job", t.JobID, "job_name", t.JobName, "company", t.CompanyID)
	}
	return removed, nil
}
