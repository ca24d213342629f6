// Package storetest provides an in-memory store and a controllable clock for tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"docqueue/internal/store"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewSQLite opens a migrated in-memory SQLite store closed at test cleanup.
func NewSQLite(tb testing.TB, clock *Clock) *store.SQLite {
	tb.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, ":memory:", store.WithClock(clock.Now))
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	tb.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		tb.Fatalf("migrations: %v", err)
	}
	return st
}

// SeedDocument registers a document for user and returns it with its first job.
func SeedDocument(tb testing.TB, st store.Store, user, filename string) (int64, string) {
	tb.Helper()
	doc, job, err := st.CreateDocument(context.Background(), store.CreateDocumentParams{
		UserID:      user,
		Filename:    filename,
		ContentType: "application/pdf",
		BlobKey:     "blobs/" + filename,
	})
	if err != nil {
		tb.Fatalf("create document: %v", err)
	}
	return doc.ID, job.ID
}
