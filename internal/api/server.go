package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"docqueue/internal/blob"
	"docqueue/internal/config"
	"docqueue/internal/models"
	"docqueue/internal/ratelimit"
	"docqueue/internal/status"
	"docqueue/internal/store"
	"docqueue/internal/telemetry"
)

// Limiter admits or rejects a request from caller.
type Limiter interface {
	Allow(ctx context.Context, caller string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for uploads, enqueueing and status polling.
type Server struct {
	cfg     config.Config
	store   store.Store
	blobs   blob.Store
	status  *status.Projector
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, st store.Store, blobs blob.Store, projector *status.Projector, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		status:  projector,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/admin/queue", s.handleQueueStats)

	r.Route("/documents", func(r chi.Router) {
		r.Use(requireUser)
		r.With(s.rateLimit).Post("/", s.handleUpload)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)
			r.Get("/status", s.handleStatus)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/logs", s.handleListLogs)
			r.With(s.rateLimit).Post("/jobs", s.handleEnqueue)
			r.With(s.rateLimit).Post("/reprocess", s.handleReprocess)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadResponse struct {
	Document models.Document   `json:"document"`
	Job      models.Job        `json:"job"`
	Status   models.StatusView `json:"status"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if !blob.Supported(header.Filename) {
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return
	}
	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}

	name := blob.SafeFilename(header.Filename)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = blob.ContentType(name)
	}
	key := blob.NewKey(s.now(), name)
	if err := s.blobs.Put(r.Context(), key, body, contentType); err != nil {
		s.internalError(w, "store blob", err)
		return
	}

	userID := userFromRequest(r)
	doc, job, err := s.store.CreateDocument(r.Context(), store.CreateDocumentParams{
		UserID:      userID,
		Filename:    name,
		ContentType: contentType,
		BlobKey:     key,
	})
	if err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(r.Context()), key); derr != nil {
			s.logger.Warn("orphaned blob", "key", key, "err", derr)
		}
		s.internalError(w, "create document", err)
		return
	}
	telemetry.DocumentsUploaded.Inc()
	telemetry.JobsEnqueued.Inc()
	s.logger.Info("document uploaded", "document_id", doc.ID, "job_id", job.ID, "user_id", userID, "bytes", len(body))

	writeJSON(w, http.StatusAccepted, uploadResponse{Document: doc, Job: job, Status: models.ViewOf(job)})
}

type documentResponse struct {
	Document models.Document         `json:"document"`
	Fields   []models.ExtractedField `json:"fields"`
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	fields, err := s.store.ListFields(r.Context(), doc.ID)
	if err != nil {
		s.internalError(w, "list fields", err)
		return
	}
	if fields == nil {
		fields = []models.ExtractedField{}
	}
	writeJSON(w, http.StatusOK, documentResponse{Document: doc, Fields: fields})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.store.Enqueue)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.store.Resubmit)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, insert func(context.Context, int64) (models.Job, error)) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	job, err := insert(r.Context(), doc.ID)
	switch {
	case errors.Is(err, store.ErrActiveJobExists):
		writeError(w, http.StatusConflict, "document already has an active job")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found")
		return
	case err != nil:
		s.internalError(w, "enqueue job", err)
		return
	}
	s.status.Invalidate(r.Context(), doc.ID)
	telemetry.JobsEnqueued.Inc()
	s.logger.Info("job enqueued", "document_id", doc.ID, "job_id", job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	view, err := s.status.Get(r.Context(), userFromRequest(r), id)
	if errors.Is(err, status.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.internalError(w, "get status", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), doc.ID)
	if err != nil {
		s.internalError(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	logs, err := s.store.ListAudit(r.Context(), doc.ID)
	if err != nil {
		s.internalError(w, "list audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		s.internalError(w, "queue stats", err)
		return
	}
	telemetry.SetQueueDepth(stats)
	writeJSON(w, http.StatusOK, stats)
}

// ownedDocument loads the {id} document and writes 404 unless the caller owns it.
func (s *Server) ownedDocument(w http.ResponseWriter, r *http.Request) (models.Document, bool) {
	id, ok := documentID(w, r)
	if !ok {
		return models.Document{}, false
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && doc.UserID != userFromRequest(r)) {
		writeError(w, http.StatusNotFound, "document not found")
		return models.Document{}, false
	}
	if err != nil {
		s.internalError(w, "get document", err)
		return models.Document{}, false
	}
	return doc, true
}

func documentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return 0, false
	}
	return id, true
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), userFromRequest(r))
		if err != nil {
			s.internalError(w, "rate limit", err)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			if d.RetryAfter > 0 {
				secs := int64(math.Ceil(d.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			}
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

const userHeader = "X-User-ID"

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userHeader) == "" {
			writeError(w, http.StatusUnauthorized, userHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get(userHeader)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
