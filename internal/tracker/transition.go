package tracker

import "time"

// StatusUpdate is one observation of a job's state, either reported by the
// queue backend or forced by a control loop.
type StatusUpdate struct {
	Status       Status
	Progress     int // -1 when the observation carries no progress
	ErrorMessage string
}

// Change describes what a status update did to a tracker row.
type Change struct {
	Updated      bool
	Started      bool
	Completed    bool
	ChainClaimed bool
	Previous     Status
}

// Transition applies an observed update to a tracker and returns the new row.
// Terminal rows never change, progress never decreases and is forced to 100
// on success, and completed_at is written exactly once by the first terminal
// transition. That same transition claims the chain fire when one is pending,
// so only a single observer ever sees ChainClaimed for a given job.
func Transition(t Tracker, u StatusUpdate, now time.Time) (Tracker, Change) {
	ch := Change{Previous: t.Status}
	if t.Status.Terminal() {
		return t, ch
	}

	switch u.Status {
	case StatusPending:
		// Backends can report not-started for a while after submission;
		// never walk a tracker backwards.
		return t, ch

	case StatusRunning:
		if t.Status == StatusPending {
			t.Status = StatusRunning
			started := now
			t.StartedAt = &started
			ch.Started = true
			ch.Updated = true
		}
		if p := clampProgress(u.Progress); p > t.Progress {
			t.Progress = p
			ch.Updated = true
		}

	case StatusSuccess:
		completed := now
		t.Status = StatusSuccess
		t.Progress = 100
		t.CompletedAt = &completed
		t.ErrorMessage = ""
		ch.Completed = true
		ch.Updated = true
		if t.ChainTrigger && t.ChainState == ChainPending {
			t.ChainState = ChainClaimed
			ch.ChainClaimed = true
		}

	case StatusFailed:
		completed := now
		t.Status = StatusFailed
		t.CompletedAt = &completed
		t.ErrorMessage = u.ErrorMessage
		if t.ErrorMessage == "" {
			t.ErrorMessage = "job failed without error detail"
		}
		if p := clampProgress(u.Progress); p > t.Progress {
			t.Progress = p
		}
		ch.Completed = true
		ch.Updated = true
	}

	if ch.Updated {
		t.UpdatedAt = now
	}
	return t, ch
}

func clampProgress(p int) int {
	if p < 0 {
		return -1
	}
	if p > 100 {
		return 100
	}
	return p
}
