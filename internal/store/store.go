// Package store persists documents and their processing jobs, and implements
// the claim protocol workers use to take ownership of queued jobs.
//
// Two backends are provided. Postgres relies on FOR UPDATE SKIP LOCKED so that
// concurrent claims never wait on each other. SQLite serializes writers and
// relies on the lease token alone. Both fence every resolution on the lease
// token written at claim time.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docqueue/internal/models"
)

var (
	// ErrNotFound is returned when a document or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrActiveJobExists is returned when a document already has a pending or claimed job.
	ErrActiveJobExists = errors.New("document already has an active job")
	// ErrLeaseLost is returned when a job is resolved by a caller that no longer holds its claim.
	ErrLeaseLost = errors.New("job lease lost")
)

// Store is the persistence surface shared by the API and the workers.
type Store interface {
	RunMigrations(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()

	CreateDocument(ctx context.Context, p CreateDocumentParams) (models.Document, models.Job, error)
	GetDocument(ctx context.Context, id int64) (models.Document, error)
	ListFields(ctx context.Context, documentID int64) ([]models.ExtractedField, error)

	Enqueue(ctx context.Context, documentID int64) (models.Job, error)
	Resubmit(ctx context.Context, documentID int64) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	LatestJob(ctx context.Context, documentID int64) (models.Job, error)
	ListJobs(ctx context.Context, documentID int64) ([]models.Job, error)
	QueueStats(ctx context.Context) (models.QueueStats, error)

	ClaimNext(ctx context.Context, workerID string) (models.Job, bool, error)
	ReclaimStale(ctx context.Context, threshold time.Duration) ([]models.Job, error)
	CompleteJob(ctx context.Context, job models.Job, result models.ExtractionResult) error
	RetryJob(ctx context.Context, job models.Job, lastError string, availableAt time.Time) error
	FailJob(ctx context.Context, job models.Job, lastError string) error

	AppendAudit(ctx context.Context, documentID int64, event, detail string) error
	ListAudit(ctx context.Context, documentID int64) ([]models.DocumentLog, error)
}

// CreateDocumentParams collects inputs required to register an uploaded document.
type CreateDocumentParams struct {
	UserID      string
	Filename    string
	ContentType string
	BlobKey     string
}

// Option customizes a backend.
type Option func(*options)

type options struct {
	now      func() time.Time
	maxConns int
}

// WithClock overrides the time source used for every persisted timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMaxConns bounds the connection pool.
func WithMaxConns(n int) Option {
	return func(o *options) { o.maxConns = n }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Open connects to the backend named by driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn, opts...)
	case "sqlite":
		return NewSQLite(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// audit events
const (
	EventUpload         = "upload"
	EventEnqueued       = "enqueued"
	EventResubmitted    = "resubmitted"
	EventClaimed        = "claimed"
	EventRetryScheduled = "retry_scheduled"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventReclaimed      = "reclaimed"
	EventResultDropped  = "result_dropped"
)

func completedDetail(r models.ExtractionResult) string {
	return fmt.Sprintf("%d pages, %d fields, %d tables extracted", r.PageCount, len(r.Fields), len(r.Tables))
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
