package backend

import (
	"context"
	"errors"
)

// ErrUnavailable wraps transport failures talking to the queue backend.
// Callers treat it as transient and retry on their own schedule.
var ErrUnavailable = errors.New("queue backend unavailable")

// TaskStatus is the backend's view of a submitted job.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "not_started"
	TaskExecuting  TaskStatus = "executing"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	// TaskNotFound means the backend holds no record of the job, either
	// because it never existed or because its result expired.
	TaskNotFound TaskStatus = "not_found"
)

// TaskState is one observation of a submitted job.
type TaskState struct {
	Status   TaskStatus
	Progress int // -1 when the job has not reported any
	Error    string
}

// Task describes a job to submit to a named queue.
type Task struct {
	Name      string
	Queue     string
	CompanyID int64
	Payload   map[string]any
	// IdempotencyKey makes resubmission safe: the first submission wins and
	// later ones get the same job id back.
	IdempotencyKey string
}

// Delivery is a leased message handed to a worker.
type Delivery struct {
	JobID     string
	Name      string
	Queue     string
	CompanyID int64
	Payload   map[string]any
}

// Backend is the queue system jobs are submitted to and reconciled against.
// The worker side of the contract lives on the concrete Redis type.
type Backend interface {
	Submit(ctx context.Context, t Task) (jobID string, err error)
	State(ctx context.Context, jobID string) (TaskState, error)
}
