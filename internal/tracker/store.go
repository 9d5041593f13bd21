package tracker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound marks lookups for trackers or companies that do not exist.
	ErrNotFound = errors.New("tracker not found")
	// ErrDuplicateJob marks an attempt to track an already-tracked job id.
	ErrDuplicateJob = errors.New("job already tracked")
)

// CreateParams collects inputs required to insert a tracker row.
type CreateParams struct {
	JobID        string
	CompanyID    int64
	JobName      string
	DisplayName  string
	Queue        string
	Metadata     map[string]any
	ChainTrigger bool
	ChainJobName string
}

// Store persists trackers. Postgres backs production; the in-memory
// implementation backs tests. Both run every status update through
// Transition under per-row serialization, so the lifecycle invariants hold
// no matter how many reconciler cycles or API calls race on one job.
type Store interface {
	// Create inserts a pending tracker. ErrDuplicateJob if the job id is taken.
	Create(ctx context.Context, p CreateParams) (Tracker, error)
	Get(ctx context.Context, jobID string) (Tracker, error)
	// ListActive returns non-terminal trackers for a company, newest first.
	ListActive(ctx context.Context, companyID int64) ([]Tracker, error)
	// ListRecentCompleted returns terminal trackers, most recently completed first.
	ListRecentCompleted(ctx context.Context, companyID int64, limit int) ([]Tracker, error)
	CountCompleted(ctx context.Context, companyID int64) (int, error)
	// ListUnfinished returns every non-terminal tracker, oldest first.
	ListUnfinished(ctx context.Context) ([]Tracker, error)
	ListUnfinishedBefore(ctx context.Context, cutoff time.Time) ([]Tracker, error)
	// ListChainClaimed returns trackers whose chain was claimed but never
	// resolved, so a restarted reconciler can finish firing them.
	ListChainClaimed(ctx context.Context) ([]Tracker, error)
	ApplyStatusUpdate(ctx context.Context, jobID string, u StatusUpdate) (Tracker, Change, error)
	MarkChainFired(ctx context.Context, jobID, chainedJobID string) error
	MarkChainFailed(ctx context.Context, jobID, reason string) error
	// DeleteCompletedBefore removes terminal trackers completed before the
	// cutoff. companyID 0 sweeps all companies.
	DeleteCompletedBefore(ctx context.Context, companyID int64, cutoff time.Time) (int64, error)
	Delete(ctx context.Context, jobID string) error
	// CompanyName resolves the display name of a company, ErrNotFound when
	// the company does not exist. Companies are owned elsewhere; this store
	// only ever reads them.
	CompanyName(ctx context.Context, companyID int64) (string, error)
}
