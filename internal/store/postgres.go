package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"tax-sync-tracker/internal/tracker"
)

// Postgres persists trackers through pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const trackerColumns = `job_id, company_id, job_name, display_name, queue, status, progress,
	started_at, completed_at, error_message, metadata, chain_trigger, chain_job_name, chain_state,
	created_at, updated_at`

// Create inserts a pending tracker row for a freshly submitted job.
func (s *Postgres) Create(ctx context.Context, p tracker.CreateParams) (tracker.Tracker, error) {
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return tracker.Tracker{}, fmt.Errorf("marshal metadata: %w", err)
	}

	chainState := tracker.ChainNone
	if p.ChainTrigger {
		chainState = tracker.ChainPending
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_trackers (job_id, company_id, job_name, display_name, queue, status, progress,
			error_message, metadata, chain_trigger, chain_job_name, chain_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, '', $7, $8, $9, $10, $11, $11)
		ON CONFLICT (job_id) DO NOTHING
	`, p.JobID, p.CompanyID, p.JobName, p.DisplayName, p.Queue, tracker.StatusPending,
		metaJSON, p.ChainTrigger, p.ChainJobName, chainState, now)
	if err != nil {
		return tracker.Tracker{}, fmt.Errorf("insert tracker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tracker.Tracker{}, fmt.Errorf("job %s: %w", p.JobID, tracker.ErrDuplicateJob)
	}

	return tracker.Tracker{
		JobID:        p.JobID,
		CompanyID:    p.CompanyID,
		JobName:      p.JobName,
		DisplayName:  p.DisplayName,
		Queue:        p.Queue,
		Status:       tracker.StatusPending,
		Metadata:     p.Metadata,
		ChainTrigger: p.ChainTrigger,
		ChainJobName: p.ChainJobName,
		ChainState:   chainState,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Get fetches a tracker by job id.
func (s *Postgres) Get(ctx context.Context, jobID string) (tracker.Tracker, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+trackerColumns+` FROM sync_trackers WHERE job_id = $1`, jobID)
	t, err := scanTracker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Tracker{}, fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.Tracker{}, fmt.Errorf("get tracker: %w", err)
	}
	return t, nil
}

// ListActive returns non-terminal trackers for a company, newest first.
func (s *Postgres) ListActive(ctx context.Context, companyID int64) ([]tracker.Tracker, error) {
	return s.list(ctx, `
		SELECT `+trackerColumns+` FROM sync_trackers
		WHERE company_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at DESC
	`, companyID)
}

// ListRecentCompleted returns terminal trackers, most recently completed first.
func (s *Postgres) ListRecentCompleted(ctx context.Context, companyID int64, limit int) ([]tracker.Tracker, error) {
	return s.list(ctx, `
		SELECT `+trackerColumns+` FROM sync_trackers
		WHERE company_id = $1 AND status IN ('success', 'failed')
		ORDER BY completed_at DESC
		LIMIT $2
	`, companyID, limit)
}

func (s *Postgres) CountCompleted(ctx context.Context, companyID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_trackers
		WHERE company_id = $1 AND status IN ('success', 'failed')
	`, companyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed: %w", err)
	}
	return n, nil
}

// ListUnfinished returns every non-terminal tracker across companies, oldest first.
func (s *Postgres) ListUnfinished(ctx context.Context) ([]tracker.Tracker, error) {
	return s.list(ctx, `
		SELECT `+trackerColumns+` FROM sync_trackers
		WHERE status IN ('pending', 'running')
		ORDER BY created_at ASC
	`)
}

func (s *Postgres) ListUnfinishedBefore(ctx context.Context, cutoff time.Time) ([]tracker.Tracker, error) {
	return s.list(ctx, `
		SELECT `+trackerColumns+` FROM sync_trackers
		WHERE status IN ('pending', 'running') AND created_at < $1
		ORDER BY created_at ASC
	`, cutoff)
}

func (s *Postgres) ListChainClaimed(ctx context.Context) ([]tracker.Tracker, error) {
	return s.list(ctx, `
		SELECT `+trackerColumns+` FROM sync_trackers
		WHERE chain_state = 'claimed'
		ORDER BY updated_at ASC
	`)
}

// ApplyStatusUpdate runs one observation through the lifecycle state machine
// under a row lock, so concurrent reconcilers serialize per job.
func (s *Postgres) ApplyStatusUpdate(ctx context.Context, jobID string, u tracker.StatusUpdate) (tracker.Tracker, tracker.Change, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return tracker.Tracker{}, tracker.Change{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `SELECT `+trackerColumns+` FROM sync_trackers WHERE job_id = $1 FOR UPDATE`, jobID)
	current, err := scanTracker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Tracker{}, tracker.Change{}, fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.Tracker{}, tracker.Change{}, fmt.Errorf("lock tracker: %w", err)
	}

	next, change := tracker.Transition(current, u, time.Now().UTC())
	if !change.Updated {
		return current, change, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE sync_trackers
		SET status = $2, progress = $3, started_at = $4, completed_at = $5,
			error_message = $6, chain_state = $7, updated_at = $8
		WHERE job_id = $1
	`, jobID, next.Status, next.Progress, next.StartedAt, next.CompletedAt,
		next.ErrorMessage, next.ChainState, next.UpdatedAt)
	if err != nil {
		return tracker.Tracker{}, tracker.Change{}, fmt.Errorf("update tracker: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return tracker.Tracker{}, tracker.Change{}, fmt.Errorf("commit: %w", err)
	}
	return next, change, nil
}

// MarkChainFired resolves a claimed chain after the dependent job was submitted.
func (s *Postgres) MarkChainFired(ctx context.Context, jobID, chainedJobID string) error {
	return s.resolveChain(ctx, jobID, tracker.ChainFired, map[string]any{"chained_job_id": chainedJobID})
}

// MarkChainFailed resolves a claimed chain after submission retries ran out.
func (s *Postgres) MarkChainFailed(ctx context.Context, jobID, reason string) error {
	return s.resolveChain(ctx, jobID, tracker.ChainFailed, map[string]any{"chain_error": reason})
}

func (s *Postgres) resolveChain(ctx context.Context, jobID string, state tracker.ChainState, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal chain metadata: %w", err)
	}
	// Guarded on 'claimed' so a duplicate resolution is a no-op.
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_trackers
		SET chain_state = $2, metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb, updated_at = NOW()
		WHERE job_id = $1 AND chain_state = 'claimed'
	`, jobID, state, patchJSON)
	if err != nil {
		return fmt.Errorf("resolve chain: %w", err)
	}
	return nil
}

// DeleteCompletedBefore removes terminal trackers completed before the cutoff.
// companyID 0 sweeps every company.
func (s *Postgres) DeleteCompletedBefore(ctx context.Context, companyID int64, cutoff time.Time) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if companyID != 0 {
		tag, err = s.pool.Exec(ctx, `
			DELETE FROM sync_trackers
			WHERE company_id = $1 AND status IN ('success', 'failed') AND completed_at < $2
		`, companyID, cutoff)
	} else {
		tag, err = s.pool.Exec(ctx, `
			DELETE FROM sync_trackers
			WHERE status IN ('success', 'failed') AND completed_at < $1
		`, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("delete completed trackers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Delete evicts a single tracker row.
func (s *Postgres) Delete(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_trackers WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete tracker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
	}
	return nil
}

// CompanyName resolves a company's display name. The companies table belongs
// to the main application; this store only reads it.
func (s *Postgres) CompanyName(ctx context.Context, companyID int64) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(NULLIF(display_name, ''), business_name) FROM companies WHERE id = $1
	`, companyID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("company %d: %w", companyID, tracker.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query company: %w", err)
	}
	return name, nil
}

func (s *Postgres) list(ctx context.Context, query string, args ...any) ([]tracker.Tracker, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trackers: %w", err)
	}
	defer rows.Close()

	out := make([]tracker.Tracker, 0)
	for rows.Next() {
		t, err := scanTracker(rows)
		if err != nil {
			// One unreadable row must not hide the rest.
			slog.Warn("store: skipping unreadable tracker row", "error", err)
			continue
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trackers: %w", err)
	}
	return out, nil
}

func scanTracker(row pgx.Row) (tracker.Tracker, error) {
	var (
		t        tracker.Tracker
		started  pgtype.Timestamptz
		finished pgtype.Timestamptz
		metaJSON []byte
	)
	err := row.Scan(&t.JobID, &t.CompanyID, &t.JobName, &t.DisplayName, &t.Queue, &t.Status, &t.Progress,
		&started, &finished, &t.ErrorMessage, &metaJSON, &t.ChainTrigger, &t.ChainJobName, &t.ChainState,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return tracker.Tracker{}, err
	}
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(finished)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
			// Corrupt metadata downgrades to an empty bag rather than
			// hiding the tracker.
			slog.Warn("store: dropping unreadable tracker metadata", "job", t.JobID, "error", err)
			t.Metadata = map[string]any{}
		}
	}
	return t, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if ts.Valid {
		t := ts.Time
		return &t
	}
	return nil
}
