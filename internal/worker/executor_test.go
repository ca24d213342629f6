package worker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docqueue/internal/blob"
	"docqueue/internal/models"
	"docqueue/internal/store"
	"docqueue/internal/store/storetest"
	"docqueue/internal/worker"
)

var t0 = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExtractor returns errs[i] on call i and the configured result once errs is exhausted.
type fakeExtractor struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	always error
	result models.ExtractionResult
}

func (f *fakeExtractor) Extract(_ context.Context, _ models.Document, _ []byte) (models.ExtractionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.always != nil {
		return models.ExtractionResult{}, fmt.Errorf("%w (call %d)", f.always, f.calls)
	}
	if f.calls <= len(f.errs) {
		if err := f.errs[f.calls-1]; err != nil {
			return models.ExtractionResult{}, err
		}
	}
	return f.result, nil
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	st    *store.SQLite
	clock *storetest.Clock
	blobs *blob.Local
	ext   *fakeExtractor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := storetest.NewClock(t0)
	value := "12.50"
	return &harness{
		st:    storetest.NewSQLite(t, clock),
		clock: clock,
		blobs: blob.NewLocal(t.TempDir()),
		ext: &fakeExtractor{result: models.ExtractionResult{
			Text:      "INVOICE 12.50",
			PageCount: 1,
			Fields:    []models.ExtractedField{{Key: "total", Value: &value}},
		}},
	}
}

func (h *harness) executor(st worker.JobStore, maxAttempts int) *worker.Executor {
	return worker.NewExecutor(st, h.blobs, h.ext, worker.ExecutorConfig{
		MaxAttempts:    maxAttempts,
		BackoffInitial: time.Second,
		BackoffMax:     4 * time.Second,
		Now:            h.clock.Now,
		Logger:         quietLogger(),
	})
}

// seed uploads a blob and registers a document pointing at it.
func (h *harness) seed(t *testing.T, name string) (int64, string) {
	t.Helper()
	ctx := context.Background()
	key := "uploads/" + name
	require.NoError(t, h.blobs.Put(ctx, key, []byte("%PDF-1.7 "+name), "application/pdf"))
	doc, job, err := h.st.CreateDocument(ctx, store.CreateDocumentParams{
		UserID: "u1", Filename: name, ContentType: "application/pdf", BlobKey: key,
	})
	require.NoError(t, err)
	return doc.ID, job.ID
}

func (h *harness) claim(t *testing.T) models.Job {
	t.Helper()
	job, ok, err := h.st.ClaimNext(context.Background(), "test-worker")
	require.NoError(t, err)
	require.True(t, ok, "expected a claimable job")
	return job
}

func TestExecuteHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	docID, jobID := h.seed(t, "invoice.pdf")
	exec := h.executor(h.st, 3)

	job := h.claim(t)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, 1, job.Attempts)

	outcome, err := exec.Execute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeCompleted, outcome)

	got, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, got.State)
	require.Equal(t, t0, *got.CompletedAt)
	require.Nil(t, got.LastError)

	doc, err := h.st.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, models.DocumentProcessed, doc.Status)
	require.Equal(t, "INVOICE 12.50", *doc.ExtractedText)

	fields, err := h.st.ListFields(ctx, docID)
	require.NoError(t, err)
	require.Len(t, fields, 1)

	require.Equal(t, models.ClientCompleted, models.ViewOf(got).State)
}

func TestExecuteTransientFailuresThenSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ext.errs = []error{errors.New("connection reset"), errors.New("429 too many requests")}
	_, jobID := h.seed(t, "a.pdf")
	exec := h.executor(h.st, 3)

	outcome, err := exec.Execute(ctx, h.claim(t))
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeRetry, outcome)

	got, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, got.State)
	require.Equal(t, 1, got.Attempts)
	require.Contains(t, *got.LastError, "connection reset")
	require.Nil(t, got.ClaimedAt)
	require.True(t, got.AvailableAt.After(t0))
	require.False(t, got.AvailableAt.After(t0.Add(time.Second)))

	view := models.ViewOf(got)
	require.Equal(t, models.ClientProcessing, view.State)
	require.Nil(t, view.Error)

	h.clock.Advance(4 * time.Second)
	outcome, err = exec.Execute(ctx, h.claim(t))
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeRetry, outcome)

	h.clock.Advance(4 * time.Second)
	job := h.claim(t)
	require.Equal(t, 3, job.Attempts)
	outcome, err = exec.Execute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeCompleted, outcome)

	got, err = h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, got.State)
	require.Equal(t, 3, got.Attempts)
	require.Equal(t, 3, h.ext.Calls())
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ext.always = errors.New("unsupported layout")
	docID, jobID := h.seed(t, "a.pdf")
	exec := h.executor(h.st, 3)

	want := []worker.Outcome{worker.OutcomeRetry, worker.OutcomeRetry, worker.OutcomeFailed}
	for i, expected := range want {
		outcome, err := exec.Execute(ctx, h.claim(t))
		require.NoError(t, err)
		require.Equal(t, expected, outcome, "attempt %d", i+1)
		h.clock.Advance(4 * time.Second)
	}

	got, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.State)
	require.Equal(t, 3, got.Attempts)
	require.Contains(t, *got.LastError, "(call 3)")
	require.NotNil(t, got.CompletedAt)

	view := models.ViewOf(got)
	require.Equal(t, models.ClientFailed, view.State)
	require.Equal(t, got.LastError, view.Error)

	doc, err := h.st.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, models.DocumentFailed, doc.Status)

	_, ok, err := h.st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.False(t, ok, "failed jobs are not retried automatically")
}

// flakyStore fails the first completeFailures CompleteJob calls and optionally
// every requeue or document read.
type flakyStore struct {
	*store.SQLite
	mu               sync.Mutex
	completeFailures int
	requeueErr       error
	documentErr      error
}

func (f *flakyStore) GetDocument(ctx context.Context, id int64) (models.Document, error) {
	if f.documentErr != nil {
		return models.Document{}, f.documentErr
	}
	return f.SQLite.GetDocument(ctx, id)
}

func (f *flakyStore) CompleteJob(ctx context.Context, job models.Job, result models.ExtractionResult) error {
	f.mu.Lock()
	fail := f.completeFailures > 0
	if fail {
		f.completeFailures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("insert field: disk I/O error")
	}
	return f.SQLite.CompleteJob(ctx, job, result)
}

func (f *flakyStore) RetryJob(ctx context.Context, job models.Job, lastError string, availableAt time.Time) error {
	if f.requeueErr != nil {
		return f.requeueErr
	}
	return f.SQLite.RetryJob(ctx, job, lastError, availableAt)
}

func TestExecutePersistenceFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	docID, jobID := h.seed(t, "a.pdf")
	exec := h.executor(&flakyStore{SQLite: h.st, completeFailures: 1}, 3)

	outcome, err := exec.Execute(ctx, h.claim(t))
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeRetry, outcome)

	got, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, got.State)
	require.Contains(t, *got.LastError, "persist result")

	fields, err := h.st.ListFields(ctx, docID)
	require.NoError(t, err)
	require.Empty(t, fields)

	h.clock.Advance(4 * time.Second)
	outcome, err = exec.Execute(ctx, h.claim(t))
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeCompleted, outcome)
}

func TestExecuteReturnsErrorWhenNoTransitionCanBeRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, jobID := h.seed(t, "a.pdf")
	h.ext.always = errors.New("timeout")
	exec := h.executor(&flakyStore{SQLite: h.st, requeueErr: errors.New("database is locked")}, 3)

	_, err := exec.Execute(ctx, h.claim(t))
	require.ErrorContains(t, err, "database is locked")

	got, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobClaimed, got.State, "left for reclamation")
}

func TestExecuteMissingBlobCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, job, err := h.st.CreateDocument(ctx, store.CreateDocumentParams{UserID: "u1", Filename: "gone.pdf", BlobKey: "uploads/gone.pdf"})
	require.NoError(t, err)
	exec := h.executor(h.st, 1)

	outcome, err := exec.Execute(ctx, h.claim(t))
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeFailed, outcome)

	got, err := h.st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Contains(t, *got.LastError, "blob not found")
	require.Zero(t, h.ext.Calls())
}

func TestExecuteAfterReclaimDropsResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, jobID := h.seed(t, "a.pdf")
	exec := h.executor(h.st, 3)

	zombie := h.claim(t)
	h.clock.Advance(time.Hour)
	reclaimed, err := h.st.ReclaimStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	outcome, err := exec.Execute(ctx, zombie)
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeLeaseLost, outcome)

	got, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, got.State)

	h.ext.always = errors.New("boom")
	outcome, err = exec.Execute(ctx, zombie)
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeLeaseLost, outcome, "failure path is fenced too")

	logs, err := h.st.ListAudit(ctx, zombie.DocumentID)
	require.NoError(t, err)
	var dropped int
	for _, l := range logs {
		if l.Event == store.EventResultDropped {
			dropped++
		}
	}
	require.Equal(t, 2, dropped)
}

func TestExecuteStoreOutageDoesNotConsumeAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, jobID := h.seed(t, "a.pdf")
	flaky := &flakyStore{SQLite: h.st, documentErr: errors.New("dial tcp 127.0.0.1:5432: connection refused")}
	exec := h.executor(flaky, 1)

	_, err := exec.Execute(ctx, h.claim(t))
	require.ErrorContains(t, err, "connection refused")
	require.Zero(t, h.ext.Calls())

	got, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobClaimed, got.State, "left for reclamation")
	require.Equal(t, 1, got.Attempts)
	require.Nil(t, got.LastError)
}

func TestRunOnceSurfacesStoreOutage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, jobID := h.seed(t, "a.pdf")
	flaky := &flakyStore{SQLite: h.st, documentErr: errors.New("connection refused")}
	s := newScheduler(h.st, h.executor(flaky, 3), worker.SchedulerConfig{})

	claimed, err := s.RunOnce(ctx)
	require.True(t, claimed)
	require.ErrorContains(t, err, "connection refused")

	got, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobClaimed, got.State)
}

func TestExecuteFailsJobsReclaimedPastLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	docID, jobID := h.seed(t, "a.pdf")
	exec := h.executor(h.st, 2)

	// two workers die holding the claim
	for i := 0; i < 2; i++ {
		h.claim(t)
		h.clock.Advance(time.Hour)
		reclaimed, err := h.st.ReclaimStale(ctx, 15*time.Minute)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
	}

	job := h.claim(t)
	require.Equal(t, 3, job.Attempts)
	outcome, err := exec.Execute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeFailed, outcome)
	require.Zero(t, h.ext.Calls())

	got, err := h.st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.State)
	require.Contains(t, *got.LastError, "abandoned after 3 claims")

	doc, err := h.st.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, models.DocumentFailed, doc.Status)
}
