package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tax-sync-tracker/internal/tracker"
)

// Memory is an in-process Store used by tests and local development. It runs
// the same Transition state machine as Postgres, with a single mutex standing
// in for the row lock.
type Memory struct {
	mu        sync.Mutex
	trackers  map[string]tracker.Tracker
	companies map[int64]string
}

func NewMemory() *Memory {
	return &Memory{
		trackers:  make(map[string]tracker.Tracker),
		companies: make(map[int64]string),
	}
}

// AddCompany registers a company for CompanyName lookups.
func (m *Memory) AddCompany(id int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companies[id] = name
}

// Put upserts a raw tracker row, bypassing the state machine. Tests use it to
// seed aged or hand-crafted rows.
func (m *Memory) Put(t tracker.Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers[t.JobID] = clone(t)
}

func (m *Memory) Create(_ context.Context, p tracker.CreateParams) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trackers[p.JobID]; ok {
		return tracker.Tracker{}, fmt.Errorf("job %s: %w", p.JobID, tracker.ErrDuplicateJob)
	}
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	chainState := tracker.ChainNone
	if p.ChainTrigger {
		chainState = tracker.ChainPending
	}
	now := time.Now().UTC()
	t := tracker.Tracker{
		JobID:        p.JobID,
		CompanyID:    p.CompanyID,
		JobName:      p.JobName,
		DisplayName:  p.DisplayName,
		Queue:        p.Queue,
		Status:       tracker.StatusPending,
		Metadata:     meta,
		ChainTrigger: p.ChainTrigger,
		ChainJobName: p.ChainJobName,
		ChainState:   chainState,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.trackers[t.JobID] = clone(t)
	return t, nil
}

func (m *Memory) Get(_ context.Context, jobID string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[jobID]
	if !ok {
		return tracker.Tracker{}, fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
	}
	return clone(t), nil
}

func (m *Memory) ListActive(_ context.Context, companyID int64) ([]tracker.Tracker, error) {
	return m.collect(func(t tracker.Tracker) bool {
		return t.CompanyID == companyID && !t.Status.Terminal()
	}, byCreatedDesc), nil
}

func (m *Memory) ListRecentCompleted(_ context.Context, companyID int64, limit int) ([]tracker.Tracker, error) {
	out := m.collect(func(t tracker.Tracker) bool {
		return t.CompanyID == companyID && t.Status.Terminal()
	}, byCompletedDesc)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountCompleted(_ context.Context, companyID int64) (int, error) {
	return len(m.collect(func(t tracker.Tracker) bool {
		return t.CompanyID == companyID && t.Status.Terminal()
	}, byCompletedDesc)), nil
}

func (m *Memory) ListUnfinished(_ context.Context) ([]tracker.Tracker, error) {
	return m.collect(func(t tracker.Tracker) bool {
		return !t.Status.Terminal()
	}, byCreatedAsc), nil
}

func (m *Memory) ListUnfinishedBefore(_ context.Context, cutoff time.Time) ([]tracker.Tracker, error) {
	return m.collect(func(t tracker.Tracker) bool {
		return !t.Status.Terminal() && t.CreatedAt.Before(cutoff)
	}, byCreatedAsc), nil
}

func (m *Memory) ListChainClaimed(_ context.Context) ([]tracker.Tracker, error) {
	return m.collect(func(t tracker.Tracker) bool {
		return t.ChainState == tracker.ChainClaimed
	}, byCreatedAsc), nil
}

func (m *Memory) ApplyStatusUpdate(_ context.Context, jobID string, u tracker.StatusUpdate) (tracker.Tracker, tracker.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.trackers[jobID]
	if !ok {
		return tracker.Tracker{}, tracker.Change{}, fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
	}
	next, change := tracker.Transition(current, u, time.Now().UTC())
	if change.Updated {
		m.trackers[jobID] = clone(next)
	}
	return clone(next), change, nil
}

func (m *Memory) MarkChainFired(_ context.Context, jobID, chainedJobID string) error {
	return m.resolveChain(jobID, tracker.ChainFired, "chained_job_id", chainedJobID)
}

func (m *Memory) MarkChainFailed(_ context.Context, jobID, reason string) error {
	return m.resolveChain(jobID, tracker.ChainFailed, "chain_error", reason)
}

func (m *Memory) resolveChain(jobID string, state tracker.ChainState, metaKey, metaVal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[jobID]
	if !ok || t.ChainState != tracker.ChainClaimed {
		return nil
	}
	t = clone(t)
	t.ChainState = state
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata[metaKey] = metaVal
	t.UpdatedAt = time.Now().UTC()
	m.trackers[jobID] = t
	return nil
}

func (m *Memory) DeleteCompletedBefore(_ context.Context, companyID int64, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.trackers {
		if companyID != 0 && t.CompanyID != companyID {
			continue
		}
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.trackers, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trackers[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
	}
	delete(m.trackers, jobID)
	return nil
}

func (m *Memory) CompanyName(_ context.Context, companyID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.companies[companyID]
	if !ok {
		return "", fmt.Errorf("company %d: %w", companyID, tracker.ErrNotFound)
	}
	return name, nil
}

func (m *Memory) collect(keep func(tracker.Tracker) bool, less func(a, b tracker.Tracker) bool) []tracker.Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tracker.Tracker, 0)
	for _, t := range m.trackers {
		if keep(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byCreatedDesc(a, b tracker.Tracker) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.JobID > b.JobID
}

func byCreatedAsc(a, b tracker.Tracker) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.JobID < b.JobID
}

func byCompletedDesc(a, b tracker.Tracker) bool {
	at, bt := a.CreatedAt, b.CreatedAt
	if a.CompletedAt != nil {
		at = *a.CompletedAt
	}
	if b.CompletedAt != nil {
		bt = *b.CompletedAt
	}
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.JobID > b.JobID
}

func clone(t tracker.Tracker) tracker.Tracker {
	if t.Metadata != nil {
		meta := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
		t.Metadata = meta
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		t.CompletedAt = &v
	}
	return t
}
