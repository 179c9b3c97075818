// Package storage provides the pluggable backend contract tiers store items
// through, plus the concrete backends: an in-process map store, a SQLite
// relational store, a Redis key/value store, and an in-memory vector store.
package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/engramlabs/engram/internal/memory"
)

// Query is the filter set backends accept. Zero values mean "no filter";
// numeric bounds are pointers so zero is expressible.
type Query struct {
	Status         memory.Status
	MinImportance  *float64
	MinAccessCount *int
	Tags           map[string]any // exact-match on tag values
	ContentLike    string         // case-insensitive substring
	Embedding      []float32      // similarity ranking where supported

	SortBy    string // importance, access_count, created_at, updated_at, last_accessed
	Ascending bool
	Limit     int // 0 = unlimited
	Offset    int
}

// Float and Int build optional query bounds.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }

// Backend is the storage contract every tier owns exactly one instance of.
// Read returns (nil, nil) when the item does not exist; Create returns false
// instead of erroring when the ID is already present. Implementations must be
// safe for concurrent use.
type Backend interface {
	Create(ctx context.Context, item *memory.Item) (bool, error)
	Read(ctx context.Context, id string) (*memory.Item, error)
	Update(ctx context.Context, item *memory.Item) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, q Query) ([]*memory.Item, error)
	Count(ctx context.Context, q Query) (int, error)
	BatchCreate(ctx context.Context, items []*memory.Item) ([]string, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (map[string]any, error)
	Close() error
}

// matches applies every filter in q to a single item. Shared by the backends
// that filter in Go; the SQLite backend pushes what it can into SQL and uses
// this for the remainder.
func matches(it *memory.Item, q Query) bool {
	if q.Status != "" && it.Metadata.Status != q.Status {
		return false
	}
	if q.MinImportance != nil && it.Metadata.Importance <= *q.MinImportance {
		return false
	}
	if q.MinAccessCount != nil && it.Metadata.AccessCount <= *q.MinAccessCount {
		return false
	}
	if q.ContentLike != "" && !strings.Contains(strings.ToLower(it.Content), strings.ToLower(q.ContentLike)) {
		return false
	}
	for k, want := range q.Tags {
		got, ok := it.Metadata.Tags[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// sortItems orders items by q.SortBy. The default order is by ID, which for
// ULID keys is creation order.
func sortItems(items []*memory.Item, q Query) {
	less := func(a, b *memory.Item) bool { return a.ID < b.ID }
	switch q.SortBy {
	case "importance":
		less = func(a, b *memory.Item) bool { return a.Metadata.Importance < b.Metadata.Importance }
	case "access_count":
		less = func(a, b *memory.Item) bool { return a.Metadata.AccessCount < b.Metadata.AccessCount }
	case "created_at":
		less = func(a, b *memory.Item) bool { return a.Metadata.CreatedAt.Before(b.Metadata.CreatedAt) }
	case "updated_at":
		less = func(a, b *memory.Item) bool { return a.Metadata.UpdatedAt.Before(b.Metadata.UpdatedAt) }
	case "last_accessed":
		less = func(a, b *memory.Item) bool { return a.Metadata.LastAccessed.Before(b.Metadata.LastAccessed) }
	}
	sort.SliceStable(items, func(i, j int) bool {
		if q.Ascending {
			return less(items[i], items[j])
		}
		return less(items[j], items[i])
	})
}

// window applies offset/limit to an already-sorted slice.
func window(items []*memory.Item, q Query) []*memory.Item {
	if q.Offset > 0 {
		if q.Offset >= len(items) {
			return nil
		}
		items = items[q.Offset:]
	}
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items
}
