package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestViewOf(t *testing.T) {
	msg := "extraction service returned 503"
	done := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		job   Job
		state ClientState
		err   *string
	}{
		{"fresh pending", Job{State: JobPending}, ClientPending, nil},
		{"retry waiting hides error", Job{State: JobPending, Attempts: 1, LastError: &msg}, ClientProcessing, nil},
		{"claimed", Job{State: JobClaimed, Attempts: 1}, ClientProcessing, nil},
		{"completed", Job{State: JobCompleted, Attempts: 2, LastError: &msg, CompletedAt: &done}, ClientCompleted, nil},
		{"failed", Job{State: JobFailed, Attempts: 3, LastError: &msg, CompletedAt: &done}, ClientFailed, &msg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ViewOf(tt.job)
			require.Equal(t, tt.state, v.State)
			require.Equal(t, tt.err, v.Error)
			require.Equal(t, tt.state.Terminal(), tt.job.State.Terminal())
		})
	}
}
