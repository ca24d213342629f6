// Package status answers the polling contract: the current job state of a
// document as a client sees it.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"docqueue/internal/models"
	"docqueue/internal/store"
)

// ErrNotFound is returned for unknown documents and documents owned by another user.
var ErrNotFound = errors.New("document not found")

// Reader is the read-only part of the store the projector needs.
type Reader interface {
	GetDocument(ctx context.Context, id int64) (models.Document, error)
	LatestJob(ctx context.Context, documentID int64) (models.Job, error)
}

// Projector reads the latest job of a document. Terminal views never change
// until the document is resubmitted, so they are cached in Redis when a
// client is configured.
type Projector struct {
	reader Reader
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewProjector builds a projector. cache may be nil.
func NewProjector(reader Reader, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{reader: reader, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(documentID int64) string {
	return "docqueue:status:" + strconv.FormatInt(documentID, 10)
}

// generationKey counts invalidations of a document. A view is only written
// back if the generation read before loading it is still current.
func generationKey(documentID int64) string {
	return "docqueue:status:gen:" + strconv.FormatInt(documentID, 10)
}

// generationTTL outlives any in-flight Get by a wide margin.
const generationTTL = 24 * time.Hour

type cachedView struct {
	UserID string            `json:"user_id"`
	View   models.StatusView `json:"view"`
}

// Get returns the status view for documentID if userID owns it.
func (p *Projector) Get(ctx context.Context, userID string, documentID int64) (models.StatusView, error) {
	if v, ok := p.cached(ctx, documentID); ok {
		if v.UserID != userID {
			return models.StatusView{}, ErrNotFound
		}
		return v.View, nil
	}
	gen, genOK := p.generation(ctx, documentID)

	doc, err := p.reader.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return models.StatusView{}, ErrNotFound
	}
	if err != nil {
		return models.StatusView{}, fmt.Errorf("load document: %w", err)
	}
	if doc.UserID != userID {
		return models.StatusView{}, ErrNotFound
	}
	job, err := p.reader.LatestJob(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return models.StatusView{}, ErrNotFound
	}
	if err != nil {
		return models.StatusView{}, fmt.Errorf("load job: %w", err)
	}

	view := models.ViewOf(job)
	if view.State.Terminal() && genOK {
		p.store(ctx, gen, cachedView{UserID: doc.UserID, View: view})
	}
	return view, nil
}

// Invalidate drops the cached view of documentID and bumps its generation so
// that a Get which loaded the previous job cannot write it back. Callers must
// invalidate after enqueueing a new job for the document.
func (p *Projector) Invalidate(ctx context.Context, documentID int64) {
	if p.cache == nil {
		return
	}
	_, err := p.cache.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(documentID))
		pipe.Expire(ctx, generationKey(documentID), generationTTL)
		pipe.Del(ctx, cacheKey(documentID))
		return nil
	})
	if err != nil {
		p.logger.Warn("status cache invalidate failed", "document_id", documentID, "err", err)
	}
}

func (p *Projector) generation(ctx context.Context, documentID int64) (int64, bool) {
	if p.cache == nil {
		return 0, false
	}
	gen, err := p.cache.Get(ctx, generationKey(documentID)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, true
	case err != nil:
		p.logger.Warn("status cache generation read failed", "document_id", documentID, "err", err)
		return 0, false
	}
	return gen, true
}

func (p *Projector) cached(ctx context.Context, documentID int64) (cachedView, bool) {
	if p.cache == nil {
		return cachedView{}, false
	}
	raw, err := p.cache.Get(ctx, cacheKey(documentID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Warn("status cache read failed", "document_id", documentID, "err", err)
		}
		return cachedView{}, false
	}
	var v cachedView
	if err := json.Unmarshal(raw, &v); err != nil {
		return cachedView{}, false
	}
	return v, true
}

// store writes v unless the document was invalidated after gen was read.
func (p *Projector) store(ctx context.Context, gen int64, v cachedView) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	id := v.View.DocumentID
	err = p.cache.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, generationKey(id)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleView
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cacheKey(id), raw, p.ttl)
			return nil
		})
		return err
	}, generationKey(id))
	switch {
	case err == nil:
	case errors.Is(err, errStaleView), errors.Is(err, redis.TxFailedErr):
		p.logger.Debug("status cache write skipped, document invalidated", "document_id", id)
	default:
		p.logger.Warn("status cache write failed", "document_id", id, "err", err)
	}
}

var errStaleView = errors.New("view superseded")
