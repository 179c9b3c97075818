package storage

import (
	"context"
	"sync"

	"github.com/engramlabs/engram/internal/memory"
)

// MemStore is a map-backed Backend. It is the default for tests and for STM
// when no Redis is configured.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*memory.Item
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*memory.Item)}
}

func (s *MemStore) Create(_ context.Context, item *memory.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return false, nil
	}
	s.items[item.ID] = item.Clone()
	return true, nil
}

func (s *MemStore) Read(_ context.Context, id string) (*memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	return it.Clone(), nil
}

func (s *MemStore) Update(_ context.Context, item *memory.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return false, nil
	}
	s.items[item.ID] = item.Clone()
	return true, nil
}

func (s *MemStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}

func (s *MemStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok, nil
}

func (s *MemStore) Query(_ context.Context, q Query) ([]*memory.Item, error) {
	s.mu.RLock()
	var hits []*memory.Item
	for _, it := range s.items {
		if matches(it, q) {
			hits = append(hits, it.Clone())
		}
	}
	s.mu.RUnlock()

	sortItems(hits, q)
	return window(hits, q), nil
}

func (s *MemStore) Count(_ context.Context, q Query) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if matches(it, q) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) BatchCreate(ctx context.Context, items []*memory.Item) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		created, err := s.Create(ctx, it)
		if err != nil {
			return ids, err
		}
		if created {
			ids = append(ids, it.ID)
		}
	}
	return ids, nil
}

func (s *MemStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*memory.Item)
	return nil
}

func (s *MemStore) Stats(_ context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"backend": "memory",
		"items":   len(s.items),
	}, nil
}

func (s *MemStore) Close() error { return nil }
