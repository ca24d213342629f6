package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"docqueue/internal/models"
)

// SQLite is a single-writer backend. It has no SKIP LOCKED, so claims are
// serialized by the database write lock and resolutions are fenced by the
// lease token alone.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted and keeps the whole database on a single connection.
func NewSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	return &SQLite{db: db, now: o.now}, nil
}

func sqliteDSN(path string) string {
	params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "migrations/sqlite", func(ctx context.Context, sql string) error {
		_, err := s.db.ExecContext(ctx, sql)
		return err
	})
}

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const liteDocumentColumns = pgDocumentColumns

const liteJobColumns = pgJobColumns

func (s *SQLite) CreateDocument(ctx context.Context, p CreateDocumentParams) (models.Document, models.Job, error) {
	if p.ContentType == "" {
		p.ContentType = "application/octet-stream"
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Document{}, models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	doc, err := scanLiteDocument(tx.QueryRowContext(ctx, `
		INSERT INTO documents (user_id, filename, content_type, blob_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING `+liteDocumentColumns,
		p.UserID, p.Filename, p.ContentType, p.BlobKey, models.DocumentUploaded, now.UnixNano(), now.UnixNano()))
	if err != nil {
		return models.Document{}, models.Job{}, fmt.Errorf("insert document: %w", err)
	}
	if err := liteAudit(ctx, tx, doc.ID, EventUpload, fmt.Sprintf("file %s received", doc.Filename), now); err != nil {
		return models.Document{}, models.Job{}, err
	}
	job, err := liteInsertJob(ctx, tx, doc.ID, now, EventEnqueued)
	if err != nil {
		return models.Document{}, models.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Document{}, models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return doc, job, nil
}

func (s *SQLite) GetDocument(ctx context.Context, id int64) (models.Document, error) {
	doc, err := scanLiteDocument(s.db.QueryRowContext(ctx, `SELECT `+liteDocumentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (s *SQLite) ListFields(ctx context.Context, documentID int64) ([]models.ExtractedField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field_key, field_value, confidence, page_number
		FROM document_fields WHERE document_id = ? ORDER BY id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()

	var out []models.ExtractedField
	for rows.Next() {
		var f models.ExtractedField
		var value sql.NullString
		var confidence sql.NullFloat64
		var page sql.NullInt64
		if err := rows.Scan(&f.Key, &value, &confidence, &page); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		if value.Valid {
			f.Value = &value.String
		}
		if confidence.Valid {
			f.Confidence = &confidence.Float64
		}
		f.PageNumber = nullIntPtr(page)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLite) Enqueue(ctx context.Context, documentID int64) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := liteInsertJob(ctx, tx, documentID, s.now().UTC(), EventEnqueued)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *SQLite) Resubmit(ctx context.Context, documentID int64) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	job, err := liteInsertJob(ctx, tx, documentID, now, EventResubmitted)
	if err != nil {
		return models.Job{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, extracted_text = NULL, raw_json = NULL, page_count = NULL, error_message = NULL, updated_at = ?
		WHERE id = ?
	`, models.DocumentUploaded, now.UnixNano(), documentID); err != nil {
		return models.Job{}, fmt.Errorf("reset document: %w", err)
	}
	if err := liteClearExtraction(ctx, tx, documentID); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func liteInsertJob(ctx context.Context, q sqliteQuerier, documentID int64, now time.Time, event string) (models.Job, error) {
	job, err := scanLiteJob(q.QueryRowContext(ctx, `
		INSERT INTO document_jobs (id, document_id, state, attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
		RETURNING `+liteJobColumns,
		uuid.New().String(), documentID, models.JobPending, now.UnixNano(), now.UnixNano(), now.UnixNano()))
	if err != nil {
		switch sqliteCode(err) {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return models.Job{}, fmt.Errorf("document %d: %w", documentID, ErrActiveJobExists)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return models.Job{}, fmt.Errorf("document %d: %w", documentID, ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := liteAudit(ctx, q, documentID, event, "job "+job.ID, now); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanLiteJob(s.db.QueryRowContext(ctx, `SELECT `+liteJobColumns+` FROM document_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) LatestJob(ctx context.Context, documentID int64) (models.Job, error) {
	job, err := scanLiteJob(s.db.QueryRowContext(ctx, `
		SELECT `+liteJobColumns+` FROM document_jobs
		WHERE document_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("jobs of document %d: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, documentID int64) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+liteJobColumns+` FROM document_jobs
		WHERE document_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return collectLiteJobs(rows)
}

func (s *SQLite) QueueStats(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM document_jobs GROUP BY state`)
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

// ClaimNext selects and claims the oldest eligible pending job in a single
// statement; the immediate transaction holds the write lock for its duration.
func (s *SQLite) ClaimNext(ctx context.Context, workerID string) (models.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	job, err := scanLiteJob(tx.QueryRowContext(ctx, `
		UPDATE document_jobs
		SET state = 'claimed',
			claimed_at = ?1,
			attempts = attempts + 1,
			lease_token = ?2,
			claimed_by = ?3,
			updated_at = ?1
		WHERE id = (
			SELECT id FROM document_jobs
			WHERE state = 'pending' AND available_at <= ?1
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+liteJobColumns,
		now.UnixNano(), uuid.New().String(), emptyToNil(workerID)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET status = ?, updated_at = ? WHERE id = ?
	`, models.DocumentProcessing, now.UnixNano(), job.DocumentID); err != nil {
		return models.Job{}, false, fmt.Errorf("mark document processing: %w", err)
	}
	if err := liteAudit(ctx, tx, job.DocumentID, EventClaimed, fmt.Sprintf("job %s attempt %d", job.ID, job.Attempts), now); err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, true, nil
}

func (s *SQLite) ReclaimStale(ctx context.Context, threshold time.Duration) ([]models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	rows, err := tx.QueryContext(ctx, `
		UPDATE document_jobs
		SET state = 'pending',
			claimed_at = NULL,
			lease_token = NULL,
			claimed_by = NULL,
			available_at = ?1,
			updated_at = ?1
		WHERE state = 'claimed' AND claimed_at < ?2
		RETURNING `+liteJobColumns,
		now.UnixNano(), now.Add(-threshold).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("reclaim jobs: %w", err)
	}
	jobs, err := collectLiteJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if err := liteAudit(ctx, tx, job.DocumentID, EventReclaimed, fmt.Sprintf("job %s claim exceeded %s", job.ID, threshold), now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return jobs, nil
}

func (s *SQLite) CompleteJob(ctx context.Context, job models.Job, result models.ExtractionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE document_jobs
		SET state = 'completed', completed_at = ?1, claimed_at = NULL, lease_token = NULL, updated_at = ?1
		WHERE id = ?2 AND state = 'claimed' AND lease_token = ?3
	`, now.UnixNano(), job.ID, job.LeaseToken)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("complete job: %w", err)
	} else if n == 0 {
		return fmt.Errorf("complete job %s: %w", job.ID, ErrLeaseLost)
	}

	if err := liteClearExtraction(ctx, tx, job.DocumentID); err != nil {
		return err
	}
	for _, f := range result.Fields {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_fields (document_id, field_key, field_value, confidence, page_number)
			VALUES (?, ?, ?, ?, ?)
		`, job.DocumentID, f.Key, f.Value, f.Confidence, f.PageNumber); err != nil {
			return fmt.Errorf("insert field: %w", err)
		}
	}
	for _, t := range result.Tables {
		headers, rows, err := encodeTable(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_tables (document_id, table_index, page_number, header_cells, row_cells)
			VALUES (?, ?, ?, ?, ?)
		`, job.DocumentID, t.Index, t.PageNumber, string(headers), string(rows)); err != nil {
			return fmt.Errorf("insert table: %w", err)
		}
	}

	var raw *string
	if len(result.Raw) > 0 {
		r := string(result.Raw)
		raw = &r
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, extracted_text = ?, page_count = ?, raw_json = ?, error_message = NULL, updated_at = ?
		WHERE id = ?
	`, models.DocumentProcessed, result.Text, result.PageCount, raw, now.UnixNano(), job.DocumentID); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if err := liteAudit(ctx, tx, job.DocumentID, EventCompleted, completedDetail(result), now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) RetryJob(ctx context.Context, job models.Job, lastError string, availableAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE document_jobs
		SET state = 'pending', last_error = ?, available_at = ?,
			claimed_at = NULL, lease_token = NULL, claimed_by = NULL, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND lease_token = ?
	`, lastError, availableAt.UnixNano(), now.UnixNano(), job.ID, job.LeaseToken)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	} else if n == 0 {
		return fmt.Errorf("requeue job %s: %w", job.ID, ErrLeaseLost)
	}
	detail := fmt.Sprintf("job %s attempt %d next_run=%s", job.ID, job.Attempts, availableAt.UTC().Format(time.RFC3339))
	if err := liteAudit(ctx, tx, job.DocumentID, EventRetryScheduled, detail, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) FailJob(ctx context.Context, job models.Job, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE document_jobs
		SET state = 'failed', last_error = ?1, completed_at = ?2, claimed_at = NULL, lease_token = NULL, updated_at = ?2
		WHERE id = ?3 AND state = 'claimed' AND lease_token = ?4
	`, lastError, now.UnixNano(), job.ID, job.LeaseToken)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("fail job: %w", err)
	} else if n == 0 {
		return fmt.Errorf("fail job %s: %w", job.ID, ErrLeaseLost)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, models.DocumentFailed, lastError, now.UnixNano(), job.DocumentID); err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	if err := liteAudit(ctx, tx, job.DocumentID, EventFailed, lastError, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) AppendAudit(ctx context.Context, documentID int64, event, detail string) error {
	return liteAudit(ctx, s.db, documentID, event, detail, s.now().UTC())
}

func (s *SQLite) ListAudit(ctx context.Context, documentID int64) ([]models.DocumentLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, event, detail, created_at FROM document_logs
		WHERE document_id = ? ORDER BY created_at, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.DocumentLog
	for rows.Next() {
		var l models.DocumentLog
		var recorded int64
		if err := rows.Scan(&l.DocumentID, &l.Event, &l.Detail, &recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		l.Recorded = fromNanos(recorded)
		out = append(out, l)
	}
	return out, rows.Err()
}

func liteAudit(ctx context.Context, q sqliteQuerier, documentID int64, event, detail string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO document_logs (document_id, event, detail, created_at)
		VALUES (?, ?, ?, ?)
	`, documentID, event, detail, now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func liteClearExtraction(ctx context.Context, q sqliteQuerier, documentID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM document_fields WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clear fields: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM document_tables WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clear tables: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiteDocument(row rowScanner) (models.Document, error) {
	var doc models.Document
	var status string
	var pages sql.NullInt64
	var text, raw, errMsg sql.NullString
	var created, updated int64
	if err := row.Scan(&doc.ID, &doc.UserID, &doc.Filename, &doc.ContentType, &doc.BlobKey, &status,
		&pages, &text, &raw, &errMsg, &created, &updated); err != nil {
		return models.Document{}, err
	}
	doc.Status = models.DocumentStatus(status)
	doc.PageCount = nullIntPtr(pages)
	if text.Valid {
		doc.ExtractedText = &text.String
	}
	if raw.Valid && raw.String != "" {
		doc.RawJSON = json.RawMessage(raw.String)
	}
	if errMsg.Valid {
		doc.ErrorMessage = &errMsg.String
	}
	doc.CreatedAt = fromNanos(created)
	doc.UpdatedAt = fromNanos(updated)
	return doc, nil
}

func scanLiteJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var state string
	var lastErr, lease, claimedBy sql.NullString
	var available, created, updated int64
	var claimedAt, completedAt sql.NullInt64
	if err := row.Scan(&job.ID, &job.DocumentID, &state, &job.Attempts, &lastErr, &lease, &claimedBy,
		&available, &created, &claimedAt, &completedAt, &updated); err != nil {
		return models.Job{}, err
	}
	job.State = models.JobState(state)
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	job.LeaseToken = lease.String
	job.ClaimedBy = claimedBy.String
	job.AvailableAt = fromNanos(available)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	job.ClaimedAt = nullTimePtr(claimedAt)
	job.CompletedAt = nullTimePtr(completedAt)
	return job, nil
}

func collectLiteJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanLiteJob(rows)
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

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
