package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tax-sync-tracker/internal/backend"
	"tax-sync-tracker/internal/telemetry"
	"tax-sync-tracker/internal/tracker"
)

// Request describes a sync job to submit and track.
type Request struct {
	CompanyID   int64
	JobName     string
	DisplayName string
	Queue       string
	Metadata    map[string]any
	// ChainJobName, when non-empty, declares a dependent job submitted once
	// this one succeeds.
	ChainJobName string
	// IdempotencyKey dedupes backend submission. Chain fires use
	// chain:<origin job id> so restarts can never submit twice.
	IdempotencyKey string
}

// Service is the submission façade: it hands a job to the queue backend and
// records the tracker that the reconciler and progress API live off.
type Service struct {
	store   tracker.Store
	backend backend.Backend
	log     *slog.Logger
}

func NewService(st tracker.Store, be backend.Backend, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, backend: be, log: log}
}

// TrackAndSubmit validates the company, submits the job, then creates its
// tracker in pending. Submission and tracking are not atomic: when tracker
// creation fails the job still runs untracked, which is logged loudly and
// surfaced as an error.
func (s *Service) TrackAndSubmit(ctx context.Context, req Request) (tracker.Tracker, error) {
	if req.JobName == "" {
		return tracker.Tracker{}, errors.New("job name is required")
	}
	if _, err := s.store.CompanyName(ctx, req.CompanyID); err != nil {
		return tracker.Tracker{}, fmt.Errorf("resolve company: %w", err)
	}
	if req.DisplayName == "" {
		req.DisplayName = tracker.DisplayNameFor(req.JobName)
	}
	if req.Queue == "" {
		req.Queue = tracker.QueueFor(req.JobName)
	}

	jobID, err := s.backend.Submit(ctx, backend.Task{
		Name:           req.JobName,
		Queue:          req.Queue,
		CompanyID:      req.CompanyID,
		Payload:        req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return tracker.Tracker{}, fmt.Errorf("submit %s: %w", req.JobName, err)
	}

	t, err := s.store.Create(ctx, tracker.CreateParams{
		JobID:        jobID,
		CompanyID:    req.CompanyID,
		JobName:      req.JobName,
		DisplayName:  req.DisplayName,
		Queue:        req.Queue,
		Metadata:     req.Metadata,
		ChainTrigger: req.ChainJobName != "",
		ChainJobName: req.ChainJobName,
	})
	if err != nil {
		if errors.Is(err, tracker.ErrDuplicateJob) {
			// The idempotency key matched an earlier submission; the job is
			// already tracked.
			return s.store.Get(ctx, jobID)
		}
		s.log.Error("submit: job submitted but tracker creation failed, job will run untracked",
			"job", jobID, "job_name", req.JobName, "company", req.CompanyID, "error", err)
		return tracker.Tracker{}, fmt.Errorf("track job %s: %w", jobID, err)
	}

	telemetry.SubmissionsTotal.Inc()
	s.log.Info("submit: tracked job submitted",
		"job", jobID, "job_name", req.JobName, "queue", t.Queue, "company", req.CompanyID)
	return t, nil
}
