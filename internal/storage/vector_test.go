package storage

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/memory"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, math.Sqrt2/2, CosineSimilarity([]float32{1, 0}, []float32{1, 1}), 1e-6)

	// Degenerate inputs score zero rather than erroring.
	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestVectorStoreSimilarityRanking(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore()

	exact := testItem(t, "exact match", 0.5, 0)
	exact.Embedding = []float32{1, 0, 0}
	near := testItem(t, "near match", 0.5, 0)
	near.Embedding = []float32{0.9, 0.4, 0}
	far := testItem(t, "far match", 0.5, 0)
	far.Embedding = []float32{0, 0, 1}
	plain := testItem(t, "no embedding", 0.5, 0)

	for _, it := range []*memory.Item{exact, near, far, plain} {
		created, err := store.Create(ctx, it)
		require.NoError(t, err)
		require.True(t, created)
	}

	hits, err := store.Query(ctx, Query{Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)

	// Items without embeddings are excluded from similarity ranking.
	require.Len(t, hits, 3)
	assert.Equal(t, exact.ID, hits[0].ID)
	assert.Equal(t, near.ID, hits[1].ID)
	assert.Equal(t, far.ID, hits[2].ID)

	// Limit applies after ranking.
	hits, err = store.Query(ctx, Query{Embedding: []float32{1, 0, 0}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, exact.ID, hits[0].ID)
}
