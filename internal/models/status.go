package models

import "time"

// ClientState is the job state exposed to polling clients.
type ClientState string

const (
	ClientPending    ClientState = "PENDING"
	ClientProcessing ClientState = "PROCESSING"
	ClientCompleted  ClientState = "COMPLETED"
	ClientFailed     ClientState = "FAILED"
)

// Terminal reports whether a polling client should stop polling.
func (s ClientState) Terminal() bool {
	return s == ClientCompleted || s == ClientFailed
}

// StatusView is the response of the status polling contract.
type StatusView struct {
	DocumentID  int64       `json:"document_id"`
	JobID       string      `json:"job_id"`
	State       ClientState `json:"state"`
	Error       *string     `json:"error"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// ViewOf projects a job row onto the client contract. A job waiting for a
// retry is reported as PROCESSING and errors are only surfaced once FAILED.
func ViewOf(job Job) StatusView {
	v := StatusView{
		DocumentID:  job.DocumentID,
		JobID:       job.ID,
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	switch job.State {
	case JobPending:
		v.State = ClientPending
		if job.Attempts > 0 {
			v.State = ClientProcessing
		}
	case JobClaimed:
		v.State = ClientProcessing
	case JobCompleted:
		v.State = ClientCompleted
	case JobFailed:
		v.State = ClientFailed
		v.Error = job.LastError
	}
	return v
}
