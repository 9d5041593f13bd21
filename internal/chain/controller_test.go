package chain

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/store"
	"tax-sync-tracker/internal/submit"
	"tax-sync-tracker/internal/tracker"
)

func fastChainConfig(addr string) config.Config {
	return config.Config{
		RedisAddr:           addr,
		Queues:              []string{"sii", "documents", "forms", "default"},
		ChainSubmitAttempts: 2,
		ChainBackoffInitial: time.Millisecond,
		ChainBackoffMax:     2 * time.Millisecond,
	}
}

func claimedOrigin(st *store.Memory) tracker.Tracker {
	now := time.Now().UTC()
	origin := tracker.Tracker{
		JobID:        "origin-1",
		CompanyID:    73,
		JobName:      tracker.JobInitialDocumentSync,
		Status:       tracker.StatusSuccess,
		Progress:     100,
		CompletedAt:  &now,
		Metadata:     map[string]any{"from": "2024-01-01", "to": "2024-03-31"},
		ChainTrigger: true,
		ChainJobName: tracker.JobFullHistorySync,
		ChainState:   tracker.ChainClaimed,
		CreatedAt:    now.Add(-time.Hour),
	}
	st.Put(origin)
	return origin
}

func TestFireSubmitsAndTracksDependentJob(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := fastChainConfig(mr.Addr())
	be := backend.NewRedis(cfg)
	st := store.NewMemory()
	st.AddCompany(73, "Acme Spa")
	origin := claimedOrigin(st)

	ctrl := New(st, submit.NewService(st, be, nil), cfg, nil)
	if err := ctrl.Fire(ctx, origin); err != nil {
		t.Fatalf("fire: %v", err)
	}

	got, err := st.Get(ctx, origin.JobID)
	if err != nil {
		t.Fatalf("get origin: %v", err)
	}
	if got.ChainState != tracker.ChainFired {
		t.Fatalf("chain_state = %s, want fired", got.ChainState)
	}
	childID, _ := got.Metadata["chained_job_id"].(string)
	if childID == "" {
		t.Fatalf("origin missing chained_job_id: %+v", got.Metadata)
	}

	child, err := st.Get(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Status != tracker.StatusPending || child.JobName != tracker.JobFullHistorySync {
		t.Fatalf("child = %+v", child)
	}
	if child.Metadata["from"] != "2024-01-01" || child.Metadata["chained_from"] != origin.JobID {
		t.Fatalf("child metadata not inherited: %+v", child.Metadata)
	}
	if child.ChainTrigger {
		t.Fatalf("child must not chain again")
	}

	state, err := be.State(ctx, childID)
	if err != nil || state.Status != backend.TaskNotStarted {
		t.Fatalf("child backend state = %+v err=%v", state, err)
	}
}

func TestFireIsIdempotentAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := fastChainConfig(mr.Addr())
	be := backend.NewRedis(cfg)
	st := store.NewMemory()
	st.AddCompany(73, "Acme Spa")
	origin := claimedOrigin(st)

	ctrl := New(st, submit.NewService(st, be, nil), cfg, nil)
	if err := ctrl.Fire(ctx, origin); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	// A crashed reconciler would re-read the claim and fire again.
	if err := ctrl.Fire(ctx, origin); err != nil {
		t.Fatalf("second fire: %v", err)
	}

	active, err := st.ListActive(ctx, 73)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("chained %d jobs, want exactly 1", len(active))
	}
	if depth, _ := be.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("queue depth = %d, want a single chained message", depth)
	}
}

func TestFireRecordsFailureAfterRetries(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}

	cfg := fastChainConfig(mr.Addr())
	be := backend.NewRedis(cfg)
	st := store.NewMemory()
	st.AddCompany(73, "Acme Spa")
	origin := claimedOrigin(st)

	// Take the backend down so every submission attempt fails.
	mr.Close()

	ctrl := New(st, submit.NewService(st, be, nil), cfg, nil)
	if err := ctrl.Fire(ctx, origin); err != nil {
		t.Fatalf("fire should resolve the chain, got %v", err)
	}

	got, err := st.Get(ctx, origin.JobID)
	if err != nil {
		t.Fatalf("get origin: %v", err)
	}
	if got.ChainState != tracker.ChainFailed {
		t.Fatalf("chain_state = %s, want failed", got.ChainState)
	}
	reason, _ := got.Metadata["chain_error"].(string)
	if !strings.Contains(reason, "2 attempts") {
		t.Fatalf("chain_error = %q", reason)
	}
}
