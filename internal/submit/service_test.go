package submit

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/store"
	"tax-sync-tracker/internal/tracker"
)

func newFixture(t *testing.T) (*Service, *store.Memory, *backend.Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	be := backend.NewRedis(config.Config{RedisAddr: mr.Addr(), Queues: []string{"sii", "documents", "forms", "default"}})
	st := store.NewMemory()
	st.AddCompany(73, "Acme Spa")
	return NewService(st, be, nil), st, be
}

func TestTrackAndSubmitCreatesPendingTracker(t *testing.T) {
	ctx := context.Background()
	svc, _, be := newFixture(t)

	got, err := svc.TrackAndSubmit(ctx, Request{
		CompanyID:    73,
		JobName:      tracker.JobInitialDocumentSync,
		Metadata:     map[string]any{"from": "2024-01-01", "to": "2024-03-31"},
		ChainJobName: tracker.JobFullHistorySync,
	})
	if err != nil {
		t.Fatalf("track and submit: %v", err)
	}
	if got.Status != tracker.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Queue != "documents" {
		t.Fatalf("queue = %q, want routed default", got.Queue)
	}
	if got.DisplayName != "Syncing recent documents" {
		t.Fatalf("display name = %q", got.DisplayName)
	}
	if !got.ChainTrigger || got.ChainState != tracker.ChainPending {
		t.Fatalf("chain not declared: %+v", got)
	}

	st, err := be.State(ctx, got.JobID)
	if err != nil {
		t.Fatalf("backend state: %v", err)
	}
	if st.Status != backend.TaskNotStarted {
		t.Fatalf("backend state = %s, want not_started", st.Status)
	}
}

func TestTrackAndSubmitUnknownCompany(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFixture(t)

	_, err := svc.TrackAndSubmit(ctx, Request{CompanyID: 999, JobName: tracker.JobInitialDocumentSync})
	if !errors.Is(err, tracker.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTrackAndSubmitIdempotencyKeyReusesTracker(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newFixture(t)

	req := Request{CompanyID: 73, JobName: tracker.JobFullHistorySync, IdempotencyKey: "chain:origin-1"}
	first, err := svc.TrackAndSubmit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.TrackAndSubmit(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("idempotent submit tracked %s then %s", first.JobID, second.JobID)
	}

	active, err := st.ListActive(ctx, 73)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("tracked %d jobs, want 1", len(active))
	}
}

type createFailStore struct {
	*store.Memory
}

func (c *createFailStore) Create(context.Context, tracker.CreateParams) (tracker.Tracker, error) {
	return tracker.Tracker{}, errors.New("trackers table unavailable")
}

func TestTrackAndSubmitSurfacesUntrackedJob(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	be := backend.NewRedis(config.Config{RedisAddr: mr.Addr(), Queues: []string{"documents"}})
	mem := store.NewMemory()
	mem.AddCompany(73, "Acme Spa")
	svc := NewService(&createFailStore{Memory: mem}, be, nil)

	_, err = svc.TrackAndSubmit(ctx, Request{CompanyID: 73, JobName: tracker.JobInitialDocumentSync})
	if err == nil {
		t.Fatalf("expected error when tracker creation fails")
	}

	// The job was still handed to the backend; it runs untracked.
	depth, err := be.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want the untracked job enqueued", depth)
	}
}
