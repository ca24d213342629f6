package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docqueue/internal/models"
	"docqueue/internal/store"
	"docqueue/internal/telemetry"
)

// JobStore is the part of the store the executor resolves jobs against.
type JobStore interface {
	GetDocument(ctx context.Context, id int64) (models.Document, error)
	CompleteJob(ctx context.Context, job models.Job, result models.ExtractionResult) error
	RetryJob(ctx context.Context, job models.Job, lastError string, availableAt time.Time) error
	FailJob(ctx context.Context, job models.Job, lastError string) error
	AppendAudit(ctx context.Context, documentID int64, event, detail string) error
}

// BlobReader fetches uploaded document bytes.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Extractor turns document bytes into structured data.
type Extractor interface {
	Extract(ctx context.Context, doc models.Document, body []byte) (models.ExtractionResult, error)
}

// Outcome is the resolution Execute applied to a job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	// OutcomeLeaseLost means the job was reclaimed while it ran and the result was dropped.
	OutcomeLeaseLost Outcome = "lease_lost"
)

// ExecutorConfig tunes retries.
type ExecutorConfig struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Now defaults to time.Now. It should match the store's clock.
	Now    func() time.Time
	Logger *slog.Logger
}

// Executor runs extraction for claimed jobs and resolves them.
type Executor struct {
	store       JobStore
	blobs       BlobReader
	extractor   Extractor
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewExecutor(st JobStore, blobs BlobReader, extractor Extractor, cfg ExecutorConfig) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		store:       st,
		blobs:       blobs,
		extractor:   extractor,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffInitial,
		backoffMax:  cfg.BackoffMax,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// Execute processes a job returned by the caller's own claim. Extraction and
// persistence failures become state transitions. An error is returned when the
// document cannot be loaded from the store or no transition can be recorded;
// the job then stays claimed until it is reclaimed.
func (e *Executor) Execute(ctx context.Context, job models.Job) (Outcome, error) {
	log := e.logger.With("job_id", job.ID, "document_id", job.DocumentID, "attempt", job.Attempts)

	// Only reclaimed jobs get claimed past the limit: their worker never
	// resolved them.
	if job.Attempts > e.maxAttempts {
		msg := fmt.Sprintf("abandoned after %d claims without a result", job.Attempts)
		return e.fail(ctx, log, job, msg)
	}

	doc, err := e.store.GetDocument(ctx, job.DocumentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load document for job %s: %w", job.ID, err)
	}
	var result models.ExtractionResult
	if err != nil {
		err = fmt.Errorf("load document: %w", err)
	} else {
		result, err = e.extract(ctx, doc)
	}
	if err == nil {
		err = e.store.CompleteJob(ctx, job, result)
		switch {
		case err == nil:
			telemetry.JobsCompleted.Inc()
			log.Info("job completed", "pages", result.PageCount, "fields", len(result.Fields))
			return OutcomeCompleted, nil
		case errors.Is(err, store.ErrLeaseLost):
			return e.leaseLost(ctx, log, job, err)
		}
		err = fmt.Errorf("persist result: %w", err)
	}
	return e.resolveFailure(ctx, log, job, err)
}

func (e *Executor) extract(ctx context.Context, doc models.Document) (models.ExtractionResult, error) {
	body, err := e.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return models.ExtractionResult{}, fmt.Errorf("load blob: %w", err)
	}
	start := time.Now()
	result, err := e.extractor.Extract(ctx, doc, body)
	telemetry.ExtractionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return models.ExtractionResult{}, fmt.Errorf("extract: %w", err)
	}
	return result, nil
}

func (e *Executor) resolveFailure(ctx context.Context, log *slog.Logger, job models.Job, cause error) (Outcome, error) {
	msg := cause.Error()
	if job.Attempts >= e.maxAttempts {
		return e.fail(ctx, log, job, msg)
	}

	next := e.now().Add(backoffWithJitter(e.backoffBase, e.backoffMax, job.Attempts))
	if err := e.store.RetryJob(ctx, job, msg, next); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return e.leaseLost(ctx, log, job, err)
		}
		return "", fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	telemetry.JobsRetried.Inc()
	log.Warn("job attempt failed, retry scheduled", "next_run", next, "err", msg)
	return OutcomeRetry, nil
}

func (e *Executor) fail(ctx context.Context, log *slog.Logger, job models.Job, msg string) (Outcome, error) {
	if err := e.store.FailJob(ctx, job, msg); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return e.leaseLost(ctx, log, job, err)
		}
		return "", fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}
	telemetry.JobsFailed.Inc()
	log.Error("job failed", "max_attempts", e.maxAttempts, "err", msg)
	return OutcomeFailed, nil
}

func (e *Executor) leaseLost(ctx context.Context, log *slog.Logger, job models.Job, err error) (Outcome, error) {
	telemetry.LeasesLost.Inc()
	log.Warn("claim no longer held, dropping result", "err", err)
	detail := fmt.Sprintf("job %s attempt %d", job.ID, job.Attempts)
	if err := e.store.AppendAudit(ctx, job.DocumentID, store.EventResultDropped, detail); err != nil {
		log.Warn("audit append failed", "err", err)
	}
	return OutcomeLeaseLost, nil
}
