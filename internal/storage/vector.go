package storage

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/engramlabs/engram/internal/memory"
)

// VectorStore is an in-memory Backend that ranks query results by cosine
// similarity when the query carries an embedding. Items without embeddings
// are still stored and served through the plain filter path.
type VectorStore struct {
	mu    sync.RWMutex
	items map[string]*memory.Item
}

// NewVectorStore creates an empty vector store.
func NewVectorStore() *VectorStore {
	return &VectorStore{items: make(map[string]*memory.Item)}
}

func (s *VectorStore) Create(_ context.Context, item *memory.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return false, nil
	}
	s.items[item.ID] = item.Clone()
	return true, nil
}

func (s *VectorStore) Read(_ context.Context, id string) (*memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	return it.Clone(), nil
}

func (s *VectorStore) Update(_ context.Context, item *memory.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return false, nil
	}
	s.items[item.ID] = item.Clone()
	return true, nil
}

func (s *VectorStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}

func (s *VectorStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok, nil
}

func (s *VectorStore) Query(_ context.Context, q Query) ([]*memory.Item, error) {
	s.mu.RLock()
	var hits []*memory.Item
	for _, it := range s.items {
		if matches(it, q) {
			hits = append(hits, it.Clone())
		}
	}
	s.mu.RUnlock()

	if len(q.Embedding) > 0 {
		// Similarity ranking overrides SortBy.
		type scored struct {
			item *memory.Item
			sim  float64
		}
		ranked := make([]scored, 0, len(hits))
		for _, it := range hits {
			if len(it.Embedding) == 0 {
				continue
			}
			ranked = append(ranked, scored{it, CosineSimilarity(q.Embedding, it.Embedding)})
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })
		hits = hits[:0]
		for _, r := range ranked {
			hits = append(hits, r.item)
		}
		return window(hits, q), nil
	}

	sortItems(hits, q)
	return window(hits, q), nil
}

func (s *VectorStore) Count(_ context.Context, q Query) (int, error) {
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

func (s *VectorStore) BatchCreate(ctx context.Context, items []*memory.Item) ([]string, error) {
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

func (s *VectorStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*memory.Item)
	return nil
}

func (s *VectorStore) Stats(_ context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	embedded := 0
	for _, it := range s.items {
		if len(it.Embedding) > 0 {
			embedded++
		}
	}
	return map[string]any{
		"backend":  "vector",
		"items":    len(s.items),
		"embedded": embedded,
	}, nil
}

func (s *VectorStore) Close() error { return nil }

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
