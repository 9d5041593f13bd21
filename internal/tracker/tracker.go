package tracker

import (
	"time"
)

// Status enumerates tracker lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ChainState tracks the lifecycle of an on-success dependent submission.
type ChainState string

const (
	ChainNone    ChainState = "none"
	ChainPending ChainState = "pending"
	ChainClaimed ChainState = "claimed"
	ChainFired   ChainState = "fired"
	ChainFailed  ChainState = "failed"
)

// Tracker represents one tracked background sync job.
type Tracker struct {
	JobID        string         `json:"job_id"`
	CompanyID    int64          `json:"company_id"`
	JobName      string         `json:"job_name"`
	DisplayName  string         `json:"display_name"`
	Queue        string         `json:"queue"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ChainTrigger bool           `json:"chain_trigger"`
	ChainJobName string         `json:"chain_job_name,omitempty"`
	ChainState   ChainState     `json:"chain_state"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Known sync job types and their queue routing.
const (
	JobInitialDocumentSync = "initial_document_sync"
	JobFullHistorySync     = "full_history_document_sync"
	JobFormHistorySync     = "form_history_sync"
	JobTaxpayerProfileSync = "taxpayer_profile_sync"
)

var displayNames = map[string]string{
	JobInitialDocumentSync: "Syncing recent documents",
	JobFullHistorySync:     "Syncing full document history",
	JobFormHistorySync:     "Syncing historical tax forms",
	JobTaxpayerProfileSync: "Updating taxpayer profile",
}

var defaultQueues = map[string]string{
	JobInitialDocumentSync: "documents",
	JobFullHistorySync:     "documents",
	JobFormHistorySync:     "forms",
	JobTaxpayerProfileSync: "sii",
}

// DisplayNameFor returns the human label for a job type.
func DisplayNameFor(jobName string) string {
	if name, ok := displayNames[jobName]; ok {
		return name
	}
	return "Background sync"
}

// QueueFor returns the queue a job type is routed to.
func QueueFor(jobName string) string {
	if q, ok := defaultQueues[jobName]; ok {
		return q
	}
	return "default"
}
