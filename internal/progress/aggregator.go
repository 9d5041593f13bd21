package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/tracker"
)

// ActiveTask is one unfinished job as the polling UI sees it.
type ActiveTask struct {
	JobID           string         `json:"job_id"`
	JobName         string         `json:"job_name"`
	DisplayName     string         `json:"display_name"`
	Status          tracker.Status `json:"status"`
	Progress        int            `json:"progress"`
	StartedAt       *time.Time     `json:"started_at"`
	DurationSeconds int64          `json:"duration_seconds"`
}

// CompletedTask is one finished job in the recent-completed feed. The error
// message of a failed job is passed through verbatim.
type CompletedTask struct {
	JobID        string         `json:"job_id"`
	JobName      string         `json:"job_name"`
	DisplayName  string         `json:"display_name"`
	Status       tracker.Status `json:"status"`
	Progress     int            `json:"progress"`
	CompletedAt  *time.Time     `json:"completed_at"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Summary carries the counts a client needs to tell "nothing ever tracked"
// apart from "everything finished".
type Summary struct {
	TotalTasks      int             `json:"total_tasks"`
	ActiveCount     int             `json:"active_count"`
	CompletedCount  int             `json:"completed_count"`
	RecentCompleted []CompletedTask `json:"recent_completed"`
}

// Snapshot is a point-in-time view of one company's sync activity.
type Snapshot struct {
	CompanyID    int64        `json:"company_id"`
	CompanyName  string       `json:"company_name"`
	ActiveTasks  []ActiveTask `json:"active_tasks"`
	AllCompleted bool         `json:"all_completed"`
	Summary      Summary      `json:"summary"`
	CheckedAt    time.Time    `json:"checked_at"`
}

// Aggregator builds snapshots from the store. Pure read path; it never talks
// to the queue backend, so a slow broker cannot stall the poller.
type Aggregator struct {
	store       tracker.Store
	log         *slog.Logger
	recentLimit int
}

func New(st tracker.Store, cfg config.Config, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	recentLimit := cfg.RecentCompletedLimit
	if recentLimit <= 0 {
		recentLimit = 10
	}
	return &Aggregator{store: st, log: log, recentLimit: recentLimit}
}

// Snapshot assembles the sync view for one company. ErrNotFound when the
// company does not exist.
func (a *Aggregator) Snapshot(ctx context.Context, companyID int64) (Snapshot, error) {
	name, err := a.store.CompanyName(ctx, companyID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve company %d: %w", companyID, err)
	}
	active, err := a.store.ListActive(ctx, companyID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list active: %w", err)
	}
	recent, err := a.store.ListRecentCompleted(ctx, companyID, a.recentLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list recent completed: %w", err)
	}
	completed, err := a.store.CountCompleted(ctx, companyID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count completed: %w", err)
	}

	now := time.Now().UTC()
	snap := Snapshot{
		CompanyID:    companyID,
		CompanyName:  name,
		ActiveTasks:  make([]ActiveTask, 0, len(active)),
		AllCompleted: len(active) == 0,
		Summary: Summary{
			TotalTasks:      len(active) + completed,
			ActiveCount:     len(active),
			CompletedCount:  completed,
			RecentCompleted: make([]CompletedTask, 0, len(recent)),
		},
		CheckedAt: now,
	}

	for _, t := range active {
		var duration int64
		if t.StartedAt != nil {
			duration = int64(now.Sub(*t.StartedAt).Seconds())
			if duration < 0 {
				duration = 0
			}
		}
		snap.ActiveTasks = append(snap.ActiveTasks, ActiveTask{
			JobID:           t.JobID,
			JobName:         t.JobName,
			DisplayName:     t.DisplayName,
			Status:          t.Status,
			Progress:        t.Progress,
			StartedAt:       t.StartedAt,
			DurationSeconds: duration,
		})
	}
	for _, t := range recent {
		snap.Summary.RecentCompleted = append(snap.Summary.RecentCompleted, CompletedTask{
			JobID:        t.JobID,
			JobName:      t.JobName,
			DisplayName:  t.DisplayName,
			Status:       t.Status,
			Progress:     t.Progress,
			CompletedAt:  t.CompletedAt,
			ErrorMessage: t.ErrorMessage,
		})
	}
	return snap, nil
}

// History returns the most recent terminal trackers for a company, newest
// completion first. The limit is capped by configuration.
func (a *Aggregator) History(ctx context.Context, companyID int64, limit int) ([]CompletedTask, error) {
	if _, err := a.store.CompanyName(ctx, companyID); err != nil {
		return nil, fmt.Errorf("resolve company %d: %w", companyID, err)
	}
	if limit <= 0 || limit > a.recentLimit*10 {
		limit = a.recentLimit
	}
	recent, err := a.store.ListRecentCompleted(ctx, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent completed: %w", err)
	}
	out := make([]CompletedTask, 0, len(recent))
	for _, t := range recent {
		out = append(out, CompletedTask{
			JobID:        t.JobID,
			JobName:      t.JobName,
			DisplayName:  t.DisplayName,
			Status:       t.Status,
			Progress:     t.Progress,
			CompletedAt:  t.CompletedAt,
			ErrorMessage: t.ErrorMessage,
		})
	}
	return out, nil
}
