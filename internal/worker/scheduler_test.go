package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docqueue/internal/models"
	"docqueue/internal/worker"
)

func newScheduler(q worker.Queue, r worker.Runner, cfg worker.SchedulerConfig) *worker.Scheduler {
	cfg.WorkerID = "test-worker"
	cfg.Logger = quietLogger()
	return worker.NewScheduler(q, r, cfg)
}

func runInBackground(t *testing.T, s *worker.Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestSchedulerDrainsQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	const docs = 6
	for i := 0; i < docs; i++ {
		h.seed(t, "doc"+string(rune('a'+i))+".pdf")
	}

	s := newScheduler(h.st, h.executor(h.st, 3), worker.SchedulerConfig{
		Concurrency:     3,
		PollInterval:    5 * time.Millisecond,
		ReclaimInterval: time.Hour,
		StaleAfter:      time.Hour,
	})
	stop := runInBackground(t, s)

	require.Eventually(t, func() bool {
		stats, err := h.st.QueueStats(ctx)
		return err == nil && stats[models.JobCompleted] == docs
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	require.Equal(t, docs, h.ext.Calls(), "every job executed exactly once")
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := newScheduler(h.st, h.executor(h.st, 3), worker.SchedulerConfig{})

	claimed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, claimed)

	_, jobID := h.seed(t, "a.pdf")
	claimed, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	job, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.State)
	require.Equal(t, "test-worker", job.ClaimedBy)
}

func TestCrashedClaimIsRecovered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, jobID := h.seed(t, "a.pdf")
	s := newScheduler(h.st, h.executor(h.st, 3), worker.SchedulerConfig{StaleAfter: 15 * time.Minute})

	// a worker claims and dies without resolving
	h.claim(t)

	h.clock.Advance(15 * time.Minute)
	reclaimed, err := s.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Empty(t, reclaimed)

	h.clock.Advance(time.Millisecond)
	reclaimed, err = s.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, jobID, reclaimed[0].ID)

	claimed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	job, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.State)
	require.Equal(t, 2, job.Attempts)
}

// stubQueue fails the first claimErrors claims and otherwise reports an empty queue.
type stubQueue struct {
	claimErrors int64
	claims      atomic.Int64
	reclaims    atomic.Int64
	threshold   atomic.Int64
}

func (q *stubQueue) ClaimNext(ctx context.Context, _ string) (models.Job, bool, error) {
	if n := q.claims.Add(1); n <= q.claimErrors {
		return models.Job{}, false, errors.New("connection refused")
	}
	return models.Job{}, false, nil
}

func (q *stubQueue) ReclaimStale(_ context.Context, threshold time.Duration) ([]models.Job, error) {
	q.reclaims.Add(1)
	q.threshold.Store(int64(threshold))
	return nil, nil
}

func (q *stubQueue) QueueStats(context.Context) (models.QueueStats, error) {
	return models.QueueStats{}, nil
}

type panicRunner struct{}

func (panicRunner) Execute(context.Context, models.Job) (worker.Outcome, error) {
	panic("no job should be executed")
}

func TestSchedulerSurvivesClaimErrors(t *testing.T) {
	q := &stubQueue{claimErrors: 3}
	s := newScheduler(q, panicRunner{}, worker.SchedulerConfig{
		PollInterval:        time.Millisecond,
		ReclaimInterval:     time.Hour,
		ErrorBackoffInitial: time.Millisecond,
		ErrorBackoffMax:     2 * time.Millisecond,
	})
	stop := runInBackground(t, s)

	require.Eventually(t, func() bool { return q.claims.Load() > 6 }, 5*time.Second, 5*time.Millisecond)
	stop()
}

func TestSchedulerReclaimsPeriodically(t *testing.T) {
	q := &stubQueue{}
	s := newScheduler(q, panicRunner{}, worker.SchedulerConfig{
		PollInterval:    time.Hour,
		ReclaimInterval: 5 * time.Millisecond,
		StaleAfter:      42 * time.Second,
	})
	stop := runInBackground(t, s)

	require.Eventually(t, func() bool { return q.reclaims.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	stop()
	require.Equal(t, int64(42*time.Second), q.threshold.Load())
}
