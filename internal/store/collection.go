package store

import (
	"context"
	"sync"

	"github.com/j6k4m8/jque/internal/models"
	"github.com/j6k4m8/jque/internal/query"
)

// Collection is an ordered, concurrency-safe set of documents. Every
// mutation bumps the revision; readers use the revision to build cache keys
// that go stale the moment the data changes.
type Collection struct {
	mu   sync.RWMutex
	name string
	docs []models.Document
	rev  uint64
}

// newCollection creates an empty collection. Collections are created through
// a Store so names stay unique.
func newCollection(name string) *Collection {
	return &Collection{name: name, rev: 1}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Len returns the number of documents.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Revision returns the current revision. Starts at 1 and increments on every
// Insert or Replace.
func (c *Collection) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rev
}

// Insert appends documents and returns the new total count.
func (c *Collection) Insert(docs ...models.Document) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, docs...)
	c.rev++
	return len(c.docs)
}

// Replace swaps the entire document set. Used when loading seed datasets.
func (c *Collection) Replace(docs []models.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = docs
	c.rev++
}

// At returns the document at index i, or false when out of range.
func (c *Collection) At(i int) (models.Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.docs) {
		return nil, false
	}
	return c.docs[i], true
}

// Snapshot returns the document slice and revision under one lock so the
// pair is consistent. The slice header is copied; documents are shared, and
// callers must treat them as read-only.
func (c *Collection) Snapshot() ([]models.Document, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	docs := make([]models.Document, len(c.docs))
	copy(docs, c.docs)
	return docs, c.rev
}

// Query runs a compiled matcher against a snapshot of the collection.
func (c *Collection) Query(ctx context.Context, m *query.Matcher, opts query.Options) ([]models.Document, query.Stats, uint64, error) {
	docs, rev := c.Snapshot()
	out, stats, err := query.Run(ctx, docs, m, opts)
	return out, stats, rev, err
}

// Info summarizes the collection for listings.
func (c *Collection) Info() models.CollectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.CollectionInfo{
		Name:      c.name,
		Documents: len(c.docs),
		Revision:  c.rev,
	}
}
