package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/store"
	"tax-sync-tracker/internal/submit"
	"tax-sync-tracker/internal/tracker"
)

func newFixture(t *testing.T) (*Sweeper, *store.Memory, *submit.Service) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		RedisAddr:          mr.Addr(),
		Queues:             []string{"sii", "documents", "forms", "default"},
		CompletedRetention: time.Hour,
		OrphanAge:          24 * time.Hour,
		LookupTimeout:      time.Second,
	}
	be := backend.NewRedis(cfg)
	st := store.NewMemory()
	st.AddCompany(73, "Acme Spa")
	return New(st, be, nil, nil, cfg, nil), st, submit.NewService(st, be, nil)
}

func finished(jobID string, completed time.Time) tracker.Tracker {
	c := completed
	return tracker.Tracker{
		JobID:       jobID,
		CompanyID:   73,
		JobName:     tracker.JobInitialDocumentSync,
		Status:      tracker.StatusSuccess,
		Progress:    100,
		CompletedAt: &c,
		CreatedAt:   completed.Add(-10 * time.Minute),
	}
}

func TestAgeSweepEvictsOnlyStaleFinishedTrackers(t *testing.T) {
	ctx := context.Background()
	sw, st, _ := newFixture(t)

	now := time.Now().UTC()
	st.Put(finished("done-old", now.Add(-2*time.Hour)))
	st.Put(finished("done-fresh", now.Add(-time.Minute)))
	st.Put(tracker.Tracker{
		JobID: "still-running", CompanyID: 73, JobName: tracker.JobFullHistorySync,
		Status: tracker.StatusRunning, CreatedAt: now.Add(-3 * time.Hour),
	})

	n, err := sw.SweepAgedOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("evicted %d trackers, want 1", n)
	}

	if _, err := st.Get(ctx, "done-old"); !errors.Is(err, tracker.ErrNotFound) {
		t.Fatalf("stale tracker survived: %v", err)
	}
	if _, err := st.Get(ctx, "done-fresh"); err != nil {
		t.Fatalf("fresh tracker evicted: %v", err)
	}
	if _, err := st.Get(ctx, "still-running"); err != nil {
		t.Fatalf("running tracker evicted: %v", err)
	}
}

func TestOrphanSweepRemovesOnlyJobsUnknownToBackend(t *testing.T) {
	ctx := context.Background()
	sw, st, svc := newFixture(t)

	known, err := svc.TrackAndSubmit(ctx, submit.Request{CompanyID: 73, JobName: tracker.JobInitialDocumentSync})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Both old enough to be suspect; only the ghost is unknown to the backend.
	now := time.Now().UTC()
	aged := known
	aged.CreatedAt = now.Add(-25 * time.Hour)
	st.Put(aged)
	st.Put(tracker.Tracker{
		JobID: "ghost-1", CompanyID: 73, JobName: tracker.JobFormHistorySync,
		Status: tracker.StatusPending, CreatedAt: now.Add(-25 * time.Hour),
	})
	st.Put(tracker.Tracker{
		JobID: "young-1", CompanyID: 73, JobName: tracker.JobFormHistorySync,
		Status: tracker.StatusPending, CreatedAt: now,
	})

	removed, err := sw.SweepOrphansOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d trackers, want 1", removed)
	}

	if _, err := st.Get(ctx, "ghost-1"); !errors.Is(err, tracker.ErrNotFound) {
		t.Fatalf("ghost survived: %v", err)
	}
	if _, err := st.Get(ctx, known.JobID); err != nil {
		t.Fatalf("tracker with a live backend job was dropped: %v", err)
	}
	if _, err := st.Get(ctx, "young-1"); err != nil {
		t.Fatalf("young tracker was considered: %v", err)
	}
}

type downBackend struct{}

func (downBackend) Submit(context.Context, backend.Task) (string, error) {
	return "", backend.ErrUnavailable
}

func (downBackend) State(context.Context, string) (backend.TaskState, error) {
	return backend.TaskState{}, backend.ErrUnavailable
}

func TestOrphanSweepKeepsRowsWhenBackendUnreachable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.Put(tracker.Tracker{
		JobID: "maybe-orphan", CompanyID: 73, JobName: tracker.JobFormHistorySync,
		Status: tracker.StatusPending, CreatedAt: time.Now().UTC().Add(-25 * time.Hour),
	})

	sw := New(st, downBackend{}, nil, nil, config.Config{}, nil)
	removed, err := sw.SweepOrphansOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed %d trackers, want none while the backend is unreachable", removed)
	}
	if _, err := st.Get(ctx, "maybe-orphan"); err != nil {
		t.Fatalf("candidate dropped on backend error: %v", err)
	}
}
