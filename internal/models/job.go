package models

import (
	"time"
)

// JobState enumerates lifecycle states persisted for a processing job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobClaimed   JobState = "claimed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further automatic transition can leave the state.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one unit of queued extraction work tied to a document.
type Job struct {
	ID          string     `json:"id"`
	DocumentID  int64      `json:"document_id"`
	State       JobState   `json:"state"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	AvailableAt time.Time  `json:"available_at"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// LeaseToken is set by a claim and must be presented to resolve the job.
	LeaseToken string `json:"-"`
	ClaimedBy  string `json:"claimed_by,omitempty"`
}

// QueueStats counts jobs per state.
type QueueStats map[JobState]int64
