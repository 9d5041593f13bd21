package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"tax-sync-tracker/internal/config"
	"tax-sync-tracker/internal/submit"
	"tax-sync-tracker/internal/telemetry"
	"tax-sync-tracker/internal/tracker"
)

// Controller fires the declared dependent job for trackers whose success
// transition claimed the chain. The claim is persisted on the tracker row and
// the backend submission carries a chain:<origin> idempotency key, so a job
// chains at most once across duplicate observations and process restarts.
type Controller struct {
	store          tracker.Store
	submitter      *submit.Service
	attempts       int
	backoffInitial time.Duration
	backoffMax     time.Duration
	log            *slog.Logger
}

func New(st tracker.Store, submitter *submit.Service, cfg config.Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	attempts := cfg.ChainSubmitAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoffInitial := cfg.ChainBackoffInitial
	if backoffInitial == 0 {
		backoffInitial = 2 * time.Second
	}
	backoffMax := cfg.ChainBackoffMax
	if backoffMax == 0 {
		backoffMax = 30 * time.Second
	}
	return &Controller{
		store:          st,
		submitter:      submitter,
		attempts:       attempts,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		log:            log,
	}
}

// Fire submits the dependent job for a claimed chain. Submission failures are
// retried with capped backoff; once retries run out the chain is resolved as
// failed on the origin tracker instead of being dropped silently. A context
// cancellation leaves the claim in place for the next recovery pass.
func (c *Controller) Fire(ctx context.Context, origin tracker.Tracker) error {
	if origin.ChainJobName == "" {
		// A claim with nothing to submit can never resolve itself.
		return c.store.MarkChainFailed(ctx, origin.JobID, "chain claimed without a declared job")
	}

	req := submit.Request{
		CompanyID:      origin.CompanyID,
		JobName:        origin.ChainJobName,
		Metadata:       inheritedMetadata(origin),
		IdempotencyKey: "chain:" + origin.JobID,
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		child, err := c.submitter.TrackAndSubmit(ctx, req)
		if err == nil {
			if err := c.store.MarkChainFired(ctx, origin.JobID, child.JobID); err != nil {
				return fmt.Errorf("record chain fire: %w", err)
			}
			telemetry.ChainsFired.Inc()
			c.log.Info("chain: dependent job submitted",
				"origin", origin.JobID, "job", child.JobID, "job_name", child.JobName, "company", origin.CompanyID)
			return nil
		}
		lastErr = err
		if attempt < c.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffWithJitter(c.backoffInitial, c.backoffMax, attempt)):
			}
		}
	}

	reason := fmt.Sprintf("chain submission failed after %d attempts: %v", c.attempts, lastErr)
	if err := c.store.MarkChainFailed(ctx, origin.JobID, reason); err != nil {
		return fmt.Errorf("record chain failure: %w", err)
	}
	telemetry.ChainsFailed.Inc()
	c.log.Error("chain: dependent job submission abandoned",
		"origin", origin.JobID, "job_name", origin.ChainJobName, "error", lastErr)
	return nil
}

// inheritedMetadata forwards the origin's metadata to the dependent job,
// minus chain bookkeeping, and records where the job came from.
func inheritedMetadata(origin tracker.Tracker) map[string]any {
	meta := make(map[string]any, len(origin.Metadata)+1)
	for k, v := range origin.Metadata {
		if k == "chained_job_id" || k == "chain_error" {
			continue
		}
		meta[k] = v
	}
	meta["chained_from"] = origin.JobID
	return meta
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if wait > max {
		wait = max
	}
	if half := int64(wait / 2); half > 0 {
		return wait/2 + time.Duration(rand.Int63n(half))
	}
	return wait
}
