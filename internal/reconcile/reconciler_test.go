package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/chain"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/store"
	"tax-sync-tracker/internal/submit"
	"tax-sync-tracker/internal/tracker"
)

func testConfig(addr string) config.Config {
	return config.Config{
		RedisAddr:            addr,
		Queues:               []string{"sii", "documents", "forms", "default"},
		ReconcileParallelism: 4,
		LookupTimeout:        time.Second,
		ResultGracePeriod:    10 * time.Minute,
		MaxRunningAge:        12 * time.Hour,
		ChainSubmitAttempts:  2,
		ChainBackoffInitial:  time.Millisecond,
		ChainBackoffMax:      2 * time.Millisecond,
	}
}

func newFixture(t *testing.T) (*Reconciler, *store.Memory, *backend.Redis, *submit.Service) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := testConfig(mr.Addr())
	be := backend.NewRedis(cfg)
	st := store.NewMemory()
	st.AddCompany(73, "Acme Spa")
	svc := submit.NewService(st, be, nil)
	rec := New(st, be, chain.New(st, svc, cfg, nil), nil, cfg, nil)
	return rec, st, be, svc
}

func TestReconcileFollowsBackendLifecycle(t *testing.T) {
	ctx := context.Background()
	rec, st, be, svc := newFixture(t)

	tr, err := svc.TrackAndSubmit(ctx, submit.Request{CompanyID: 73, JobName: tracker.JobInitialDocumentSync})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Nothing reported yet: the tracker stays pending.
	stats, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if stats.Examined != 1 || stats.Updated != 0 {
		t.Fatalf("stats = %+v, want an examined but untouched tracker", stats)
	}

	if err := be.MarkExecuting(ctx, tr.JobID); err != nil {
		t.Fatalf("mark executing: %v", err)
	}
	if err := be.ReportProgress(ctx, tr.JobID, 40); err != nil {
		t.Fatalf("report progress: %v", err)
	}
	if _, err := rec.ReconcileOnce(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, err := st.Get(ctx, tr.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != tracker.StatusRunning || got.Progress != 40 {
		t.Fatalf("tracker = %s/%d, want running/40", got.Status, got.Progress)
	}
	if got.StartedAt == nil {
		t.Fatalf("started_at not recorded")
	}

	if err := be.ReportProgress(ctx, tr.JobID, 70); err != nil {
		t.Fatalf("report progress: %v", err)
	}
	if _, err := rec.ReconcileOnce(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got, _ = st.Get(ctx, tr.JobID); got.Progress != 70 {
		t.Fatalf("progress = %d, want 70", got.Progress)
	}

	if err := be.Complete(ctx, tr.JobID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stats, err = rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("stats = %+v, want one success", stats)
	}
	got, _ = st.Get(ctx, tr.JobID)
	if got.Status != tracker.StatusSuccess || got.Progress != 100 || got.CompletedAt == nil {
		t.Fatalf("tracker = %+v, want a finished success", got)
	}
}

func TestReconcileFiresChainExactlyOnce(t *testing.T) {
	ctx := context.Background()
	rec, st, be, svc := newFixture(t)

	origin, err := svc.TrackAndSubmit(ctx, submit.Request{
		CompanyID:    73,
		JobName:      tracker.JobInitialDocumentSync,
		Metadata:     map[string]any{"from": "2024-01-01", "to": "2024-03-31"},
		ChainJobName: tracker.JobFullHistorySync,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := be.MarkExecuting(ctx, origin.JobID); err != nil {
		t.Fatalf("mark executing: %v", err)
	}
	if err := be.Complete(ctx, origin.JobID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The success is observed on every cycle; the chain must fire on one.
	for i := 0; i < 3; i++ {
		if _, err := rec.ReconcileOnce(ctx); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
	}

	got, err := st.Get(ctx, origin.JobID)
	if err != nil {
		t.Fatalf("get origin: %v", err)
	}
	if got.ChainState != tracker.ChainFired {
		t.Fatalf("chain_state = %s, want fired", got.ChainState)
	}

	active, err := st.ListActive(ctx, 73)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("chained %d jobs, want exactly 1", len(active))
	}
	child := active[0]
	if child.JobName != tracker.JobFullHistorySync || child.Status != tracker.StatusPending {
		t.Fatalf("child = %+v", child)
	}
	if child.Metadata["chained_from"] != origin.JobID {
		t.Fatalf("child metadata = %+v", child.Metadata)
	}
}

func TestReconcileMissingResultHonorsGracePeriod(t *testing.T) {
	ctx := context.Background()
	rec, st, _, _ := newFixture(t)

	// Neither job was ever handed to the backend, so lookups say not_found.
	now := time.Now().UTC()
	st.Put(tracker.Tracker{
		JobID: "ghost-fresh", CompanyID: 73, JobName: tracker.JobTaxpayerProfileSync,
		Status: tracker.StatusPending, CreatedAt: now,
	})
	st.Put(tracker.Tracker{
		JobID: "ghost-stale", CompanyID: 73, JobName: tracker.JobTaxpayerProfileSync,
		Status: tracker.StatusPending, CreatedAt: now.Add(-20 * time.Minute),
	})

	stats, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("failed = %d, want only the stale ghost", stats.Failed)
	}

	fresh, _ := st.Get(ctx, "ghost-fresh")
	if fresh.Status != tracker.StatusPending {
		t.Fatalf("fresh ghost = %s, want pending until the grace period runs out", fresh.Status)
	}
	stale, _ := st.Get(ctx, "ghost-stale")
	if stale.Status != tracker.StatusFailed {
		t.Fatalf("stale ghost = %s, want failed", stale.Status)
	}
	if !strings.Contains(stale.ErrorMessage, "task result unavailable") {
		t.Fatalf("error = %q", stale.ErrorMessage)
	}
}

func TestReconcileForceFailsOverdueJob(t *testing.T) {
	ctx := context.Background()
	rec, st, be, svc := newFixture(t)

	tr, err := svc.TrackAndSubmit(ctx, submit.Request{CompanyID: 73, JobName: tracker.JobFullHistorySync})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := be.MarkExecuting(ctx, tr.JobID); err != nil {
		t.Fatalf("mark executing: %v", err)
	}

	// Backdate the tracker past the runtime ceiling.
	aged := tr
	aged.Status = tracker.StatusRunning
	aged.CreatedAt = time.Now().UTC().Add(-13 * time.Hour)
	st.Put(aged)

	if _, err := rec.ReconcileOnce(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := st.Get(ctx, tr.JobID)
	if got.Status != tracker.StatusFailed {
		t.Fatalf("status = %s, want failed even though the backend reports executing", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "maximum runtime") {
		t.Fatalf("error = %q", got.ErrorMessage)
	}
}

type flakyBackend struct {
	backend.Backend
	failID string
}

func (f *flakyBackend) State(ctx context.Context, jobID string) (backend.TaskState, error) {
	if jobID == f.failID {
		return backend.TaskState{}, backend.ErrUnavailable
	}
	return f.Backend.State(ctx, jobID)
}

func TestReconcileIsolatesLookupFailures(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := testConfig(mr.Addr())
	be := backend.NewRedis(cfg)
	st := store.NewMemory()
	st.AddCompany(73, "Acme Spa")
	svc := submit.NewService(st, be, nil)

	healthy, err := svc.TrackAndSubmit(ctx, submit.Request{CompanyID: 73, JobName: tracker.JobInitialDocumentSync})
	if err != nil {
		t.Fatalf("submit healthy: %v", err)
	}
	sick, err := svc.TrackAndSubmit(ctx, submit.Request{CompanyID: 73, JobName: tracker.JobFormHistorySync})
	if err != nil {
		t.Fatalf("submit sick: %v", err)
	}
	if err := be.MarkExecuting(ctx, healthy.JobID); err != nil {
		t.Fatalf("mark executing: %v", err)
	}
	if err := be.ReportProgress(ctx, healthy.JobID, 30); err != nil {
		t.Fatalf("report progress: %v", err)
	}

	rec := New(st, &flakyBackend{Backend: be, failID: sick.JobID}, chain.New(st, svc, cfg, nil), nil, cfg, nil)

	stats, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("one bad lookup must not abort the batch: %v", err)
	}
	if stats.Errors != 1 || stats.Updated != 1 {
		t.Fatalf("stats = %+v, want one error and one update", stats)
	}

	got, _ := st.Get(ctx, healthy.JobID)
	if got.Status != tracker.StatusRunning || got.Progress != 30 {
		t.Fatalf("healthy tracker = %s/%d, want running/30", got.Status, got.Progress)
	}
	untouched, _ := st.Get(ctx, sick.JobID)
	if untouched.Status != tracker.StatusPending {
		t.Fatalf("unreachable job moved to %s, want untouched", untouched.Status)
	}
}

func TestReconcileResumesClaimedChain(t *testing.T) {
	ctx := context.Background()
	rec, st, _, _ := newFixture(t)

	// A previous run claimed the chain and crashed before submitting.
	now := time.Now().UTC()
	st.Put(tracker.Tracker{
		JobID:        "origin-crashed",
		CompanyID:    73,
		JobName:      tracker.JobInitialDocumentSync,
		Status:       tracker.StatusSuccess,
		Progress:     100,
		CompletedAt:  &now,
		ChainTrigger: true,
		ChainJobName: tracker.JobFullHistorySync,
		ChainState:   tracker.ChainClaimed,
		CreatedAt:    now.Add(-time.Hour),
	})

	stats, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if stats.Chains != 1 {
		t.Fatalf("stats = %+v, want one recovered chain", stats)
	}

	got, _ := st.Get(ctx, "origin-crashed")
	if got.ChainState != tracker.ChainFired {
		t.Fatalf("chain_state = %s, want fired", got.ChainState)
	}
	active, _ := st.ListActive(ctx, 73)
	if len(active) != 1 || active[0].JobName != tracker.JobFullHistorySync {
		t.Fatalf("dependent job not resubmitted: %+v", active)
	}
}
