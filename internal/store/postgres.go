package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"docqueue/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	o := buildOptions(opts)
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = int32(o.maxConns)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "docqueue"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, now: o.now}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "migrations/postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

const pgDocumentColumns = `id, user_id, filename, content_type, blob_key, status, page_count, extracted_text, raw_json, error_message, created_at, updated_at`

const pgJobColumns = `id, document_id, state, attempts, last_error, lease_token, claimed_by, available_at, created_at, claimed_at, completed_at, updated_at`

// CreateDocument inserts the document row and its first job in one transaction.
func (s *Postgres) CreateDocument(ctx context.Context, p CreateDocumentParams) (models.Document, models.Job, error) {
	if p.ContentType == "" {
		p.ContentType = "application/octet-stream"
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Document{}, models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := s.now().UTC()
	doc, err := scanPgDocument(tx.QueryRow(ctx, `
		INSERT INTO documents (user_id, filename, content_type, blob_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+pgDocumentColumns,
		p.UserID, p.Filename, p.ContentType, p.BlobKey, models.DocumentUploaded, now))
	if err != nil {
		return models.Document{}, models.Job{}, fmt.Errorf("insert document: %w", err)
	}
	if err := pgAudit(ctx, tx, doc.ID, EventUpload, fmt.Sprintf("file %s received", doc.Filename), now); err != nil {
		return models.Document{}, models.Job{}, err
	}
	job, err := s.insertJob(ctx, tx, doc.ID, now, EventEnqueued)
	if err != nil {
		return models.Document{}, models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Document{}, models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return doc, job, nil
}

// GetDocument fetches a document by id.
func (s *Postgres) GetDocument(ctx context.Context, id int64) (models.Document, error) {
	doc, err := scanPgDocument(s.pool.QueryRow(ctx, `SELECT `+pgDocumentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// ListFields returns the extracted fields currently stored for a document.
func (s *Postgres) ListFields(ctx context.Context, documentID int64) ([]models.ExtractedField, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT field_key, field_value, confidence, page_number
		FROM document_fields WHERE document_id = $1 ORDER BY id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()

	var out []models.ExtractedField
	for rows.Next() {
		var f models.ExtractedField
		var value pgtype.Text
		var confidence pgtype.Float8
		var page pgtype.Int4
		if err := rows.Scan(&f.Key, &value, &confidence, &page); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		f.Value = textPtr(value)
		if confidence.Valid {
			f.Confidence = &confidence.Float64
		}
		f.PageNumber = int4Ptr(page)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Enqueue inserts a pending job for the document.
func (s *Postgres) Enqueue(ctx context.Context, documentID int64) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.insertJob(ctx, tx, documentID, s.now().UTC(), EventEnqueued)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// Resubmit resets the document's extracted data and appends a new job row.
func (s *Postgres) Resubmit(ctx context.Context, documentID int64) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	job, err := s.insertJob(ctx, tx, documentID, now, EventResubmitted)
	if err != nil {
		return models.Job{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE documents
		SET status = $2, extracted_text = NULL, raw_json = NULL, page_count = NULL, error_message = NULL, updated_at = $3
		WHERE id = $1
	`, documentID, models.DocumentUploaded, now); err != nil {
		return models.Job{}, fmt.Errorf("reset document: %w", err)
	}
	if err := pgClearExtraction(ctx, tx, documentID); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *Postgres) insertJob(ctx context.Context, tx pgx.Tx, documentID int64, now time.Time, event string) (models.Job, error) {
	job, err := scanPgJob(tx.QueryRow(ctx, `
		INSERT INTO document_jobs (id, document_id, state, attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4, $4)
		RETURNING `+pgJobColumns,
		uuid.New().String(), documentID, models.JobPending, now))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return models.Job{}, fmt.Errorf("document %d: %w", documentID, ErrActiveJobExists)
			case pgerrcode.ForeignKeyViolation:
				return models.Job{}, fmt.Errorf("document %d: %w", documentID, ErrNotFound)
			}
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := pgAudit(ctx, tx, documentID, event, "job "+job.ID, now); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM document_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// LatestJob returns the most recently created job of a document.
func (s *Postgres) LatestJob(ctx context.Context, documentID int64) (models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		SELECT `+pgJobColumns+` FROM document_jobs
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("jobs of document %d: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns every job row of a document, newest first.
func (s *Postgres) ListJobs(ctx context.Context, documentID int64) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgJobColumns+` FROM document_jobs
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return collectPgJobs(rows)
}

// QueueStats counts jobs per state.
func (s *Postgres) QueueStats(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM document_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	stats := models.QueueStats{}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		stats[models.JobState(state)] = n
	}
	return stats, rows.Err()
}

// ClaimNext locks the oldest eligible pending job, skipping rows another
// transaction holds, and marks it claimed under a fresh lease token.
func (s *Postgres) ClaimNext(ctx context.Context, workerID string) (models.Job, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	job, err := scanPgJob(tx.QueryRow(ctx, `
		WITH next_job AS (
			SELECT id AS next_id
			FROM document_jobs
			WHERE state = 'pending' AND available_at <= $1
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE document_jobs
		SET state = 'claimed',
			claimed_at = $1,
			attempts = attempts + 1,
			lease_token = $2,
			claimed_by = $3,
			updated_at = $1
		FROM next_job
		WHERE document_jobs.id = next_job.next_id
		RETURNING `+pgJobColumns,
		now, uuid.New().String(), emptyToNil(workerID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE documents SET status = $2, updated_at = $3 WHERE id = $1
	`, job.DocumentID, models.DocumentProcessing, now); err != nil {
		return models.Job{}, false, fmt.Errorf("mark document processing: %w", err)
	}
	if err := pgAudit(ctx, tx, job.DocumentID, EventClaimed, fmt.Sprintf("job %s attempt %d", job.ID, job.Attempts), now); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, true, nil
}

// ReclaimStale returns jobs claimed longer than threshold ago to pending.
// Attempts are untouched; they were counted when the job was claimed.
func (s *Postgres) ReclaimStale(ctx context.Context, threshold time.Duration) ([]models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	rows, err := tx.Query(ctx, `
		UPDATE document_jobs
		SET state = 'pending',
			claimed_at = NULL,
			lease_token = NULL,
			claimed_by = NULL,
			available_at = $1,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM document_jobs
			WHERE state = 'claimed' AND claimed_at < $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgJobColumns,
		now, now.Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("reclaim jobs: %w", err)
	}
	jobs, err := collectPgJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if err := pgAudit(ctx, tx, job.DocumentID, EventReclaimed, fmt.Sprintf("job %s claim exceeded %s", job.ID, threshold), now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return jobs, nil
}

// CompleteJob stores the extraction result, replacing anything a previous
// attempt left behind, and resolves the job in the same transaction.
func (s *Postgres) CompleteJob(ctx context.Context, job models.Job, result models.ExtractionResult) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE document_jobs
		SET state = 'completed', completed_at = $3, claimed_at = NULL, lease_token = NULL, updated_at = $3
		WHERE id = $1 AND state = 'claimed' AND lease_token = $2
	`, job.ID, job.LeaseToken, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", job.ID, ErrLeaseLost)
	}

	if err := pgClearExtraction(ctx, tx, job.DocumentID); err != nil {
		return err
	}
	if len(result.Fields) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"document_fields"},
			[]string{"document_id", "field_key", "field_value", "confidence", "page_number"},
			pgx.CopyFromSlice(len(result.Fields), func(i int) ([]any, error) {
				f := result.Fields[i]
				return []any{job.DocumentID, f.Key, f.Value, f.Confidence, f.PageNumber}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy fields: %w", err)
		}
	}
	if len(result.Tables) > 0 {
		batch := &pgx.Batch{}
		for _, t := range result.Tables {
			headers, rows, err := encodeTable(t)
			if err != nil {
				return err
			}
			batch.Queue(`
				INSERT INTO document_tables (document_id, table_index, page_number, header_cells, row_cells)
				VALUES ($1, $2, $3, $4, $5)
			`, job.DocumentID, t.Index, t.PageNumber, headers, rows)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert tables: %w", err)
		}
	}

	var raw []byte
	if len(result.Raw) > 0 {
		raw = []byte(result.Raw)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE documents
		SET status = $2, extracted_text = $3, page_count = $4, raw_json = $5, error_message = NULL, updated_at = $6
		WHERE id = $1
	`, job.DocumentID, models.DocumentProcessed, result.Text, result.PageCount, raw, now); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if err := pgAudit(ctx, tx, job.DocumentID, EventCompleted, completedDetail(result), now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RetryJob returns a claimed job to pending; it becomes claimable at availableAt.
func (s *Postgres) RetryJob(ctx context.Context, job models.Job, lastError string, availableAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE document_jobs
		SET state = 'pending', last_error = $3, available_at = $4,
			claimed_at = NULL, lease_token = NULL, claimed_by = NULL, updated_at = $5
		WHERE id = $1 AND state = 'claimed' AND lease_token = $2
	`, job.ID, job.LeaseToken, lastError, availableAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue job %s: %w", job.ID, ErrLeaseLost)
	}
	detail := fmt.Sprintf("job %s attempt %d next_run=%s", job.ID, job.Attempts, availableAt.UTC().Format(time.RFC3339))
	if err := pgAudit(ctx, tx, job.DocumentID, EventRetryScheduled, detail, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FailJob resolves a claimed job as permanently failed and flags the document.
func (s *Postgres) FailJob(ctx context.Context, job models.Job, lastError string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE document_jobs
		SET state = 'failed', last_error = $3, completed_at = $4, claimed_at = NULL, lease_token = NULL, updated_at = $4
		WHERE id = $1 AND state = 'claimed' AND lease_token = $2
	`, job.ID, job.LeaseToken, lastError, now)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: %w", job.ID, ErrLeaseLost)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE documents SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1
	`, job.DocumentID, models.DocumentFailed, lastError, now); err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	if err := pgAudit(ctx, tx, job.DocumentID, EventFailed, lastError, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, documentID int64, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_logs (document_id, event, detail, created_at)
		VALUES ($1, $2, $3, $4)
	`, documentID, event, detail, s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns a document's audit trail, oldest first.
func (s *Postgres) ListAudit(ctx context.Context, documentID int64) ([]models.DocumentLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, event, detail, created_at FROM document_logs
		WHERE document_id = $1 ORDER BY created_at, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.DocumentLog
	for rows.Next() {
		var l models.DocumentLog
		if err := rows.Scan(&l.DocumentID, &l.Event, &l.Detail, &l.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func pgAudit(ctx context.Context, tx pgx.Tx, documentID int64, event, detail string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO document_logs (document_id, event, detail, created_at)
		VALUES ($1, $2, $3, $4)
	`, documentID, event, detail, now)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func pgClearExtraction(ctx context.Context, tx pgx.Tx, documentID int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM document_fields WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear fields: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM document_tables WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear tables: %w", err)
	}
	return nil
}

func scanPgDocument(row pgx.Row) (models.Document, error) {
	var doc models.Document
	var status string
	var pages pgtype.Int4
	var text, errMsg pgtype.Text
	var raw []byte
	if err := row.Scan(&doc.ID, &doc.UserID, &doc.Filename, &doc.ContentType, &doc.BlobKey, &status,
		&pages, &text, &raw, &errMsg, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return models.Document{}, err
	}
	doc.Status = models.DocumentStatus(status)
	doc.PageCount = int4Ptr(pages)
	doc.ExtractedText = textPtr(text)
	doc.ErrorMessage = textPtr(errMsg)
	if len(raw) > 0 {
		doc.RawJSON = json.RawMessage(raw)
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var state string
	var lastErr, lease, claimedBy pgtype.Text
	var claimedAt, completedAt pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.DocumentID, &state, &job.Attempts, &lastErr, &lease, &claimedBy,
		&job.AvailableAt, &job.CreatedAt, &claimedAt, &completedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.State = models.JobState(state)
	job.LastError = textPtr(lastErr)
	job.LeaseToken = lease.String
	job.ClaimedBy = claimedBy.String
	job.ClaimedAt = timePtr(claimedAt)
	job.CompletedAt = timePtr(completedAt)
	job.AvailableAt = job.AvailableAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func collectPgJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func int4Ptr(v pgtype.Int4) *int {
	if v.Valid {
		n := int(v.Int32)
		return &n
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		u := t.Time.UTC()
		return &u
	}
	return nil
}

func encodeTable(t models.ExtractedTable) ([]byte, []byte, error) {
	headers := t.Headers
	if headers == nil {
		headers = []string{}
	}
	rows := t.Rows
	if rows == nil {
		rows = [][]string{}
	}
	h, err := json.Marshal(headers)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal table headers: %w", err)
	}
	r, err := json.Marshal(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal table rows: %w", err)
	}
	return h, r, nil
}
