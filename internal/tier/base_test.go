package tier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
)

func newTestSTM(t *testing.T) *STM {
	t.Helper()
	s := NewSTM(storage.NewMemStore(), DefaultSTMConfig(), nil)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestLifecycleGuard(t *testing.T) {
	ctx := context.Background()
	s := NewSTM(storage.NewMemStore(), DefaultSTMConfig(), nil)

	_, err := s.Store(ctx, "too early", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrTierNotInitialized))

	require.NoError(t, s.Initialize(ctx))
	_, err = s.Store(ctx, "now fine", nil)
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx)) // idempotent

	_, err = s.Store(ctx, "too late", nil)
	require.Error(t, err)

	// A shut-down tier stays shut down.
	require.Error(t, s.Initialize(ctx))
}

func TestStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	id, err := s.Store(ctx, "the content", &memory.Metadata{
		Importance: 0.8,
		Tags:       map[string]any{"topic": "tests"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	item, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "the content", item.Content)
	assert.Equal(t, 0.8, item.Metadata.Importance)
	assert.Equal(t, "tests", item.Metadata.Tags["topic"])
	assert.Equal(t, memory.TierSTM, item.Metadata.Tier)

	_, err = s.Retrieve(ctx, "missing")
	require.Error(t, err)
	assert.True(t, memory.IsNotFound(err))
}

func TestStoreItemRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	item := memory.NewItem("original", memory.TierSTM)
	_, err := s.StoreItem(ctx, item)
	require.NoError(t, err)

	dup := memory.NewItem("impostor", memory.TierSTM)
	dup.ID = item.ID
	_, err = s.StoreItem(ctx, dup)
	require.Error(t, err)
}

func TestAccessBumpsAndPersists(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	id, err := s.Store(ctx, "accessed", nil)
	require.NoError(t, err)

	got, err := s.Access(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Metadata.AccessCount)
	assert.False(t, got.Metadata.LastAccessed.IsZero())

	got, err = s.Access(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Metadata.AccessCount)

	// Plain Retrieve does not bump.
	got, err = s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Metadata.AccessCount)

	require.NoError(t, s.MarkAccessed(ctx, id))
	got, err = s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Metadata.AccessCount)
}

func TestUpdateMergesPartial(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	id, err := s.Store(ctx, "before", &memory.Metadata{
		Importance: 0.5,
		Tags:       map[string]any{"keep": "me", "replace": "old"},
	})
	require.NoError(t, err)

	content := "after"
	importance := 3.0 // clamped
	archived := memory.StatusArchived
	require.NoError(t, s.Update(ctx, id, ItemUpdate{
		Content:    &content,
		Importance: &importance,
		Status:     &archived,
		Tags:       map[string]any{"replace": "new", "added": true},
	}))

	item, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "after", item.Content)
	assert.Equal(t, 1.0, item.Metadata.Importance)
	assert.Equal(t, memory.StatusArchived, item.Metadata.Status)
	assert.Equal(t, "me", item.Metadata.Tags["keep"])
	assert.Equal(t, "new", item.Metadata.Tags["replace"])
	assert.Equal(t, true, item.Metadata.Tags["added"])

	require.Error(t, s.Update(ctx, "missing", ItemUpdate{Content: &content}))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	id, err := s.Store(ctx, "doomed", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))

	ok, err := s.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Delete(ctx, id)
	require.Error(t, err)
	assert.True(t, memory.IsNotFound(err))
}

func TestBatchStoreSkipsExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	existing := memory.NewItem("already here", memory.TierSTM)
	_, err := s.StoreItem(ctx, existing)
	require.NoError(t, err)

	fresh := memory.NewItem("fresh", memory.TierSTM)
	stored, err := s.BatchStore(ctx, []*memory.Item{existing, fresh})
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, stored)

	n, err := s.Count(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	for i, content := range []string{"apple pie", "apple cider", "banana bread"} {
		_, err := s.Store(ctx, content, &memory.Metadata{Importance: float64(i+1) / 10})
		require.NoError(t, err)
	}

	res, err := s.Search(ctx, SearchRequest{Query: "apple"})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, 2, res.Total)

	res, err = s.Search(ctx, SearchRequest{Query: "apple", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
	assert.Equal(t, 2, res.Total) // total ignores the window
}

func TestStrengthBounds(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	id, err := s.Store(ctx, "scored", &memory.Metadata{Importance: 0.9})
	require.NoError(t, err)

	strength, err := s.Strength(ctx, id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, strength, 0.0)
	assert.LessOrEqual(t, strength, 1.0)

	// Fresh, important items score high in STM.
	assert.Greater(t, strength, 0.8)
}

func TestAdjustStrengthPersists(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	id, err := s.Store(ctx, "adjusted", &memory.Metadata{Importance: 0.5})
	require.NoError(t, err)

	_, err = s.AdjustStrength(ctx, id, -0.3)
	require.NoError(t, err)

	item, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, item.Metadata.Importance, 1e-9)

	// Deltas clamp at the importance bounds.
	_, err = s.AdjustStrength(ctx, id, -5)
	require.NoError(t, err)
	item, err = s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, item.Metadata.Importance)
}

func TestPreStoreHookAborts(t *testing.T) {
	ctx := context.Background()
	s := NewSTM(storage.NewMemStore(), DefaultSTMConfig(), nil)
	s.SetHooks(Hooks{
		PreStore: func(_ context.Context, item *memory.Item) error {
			if item.Content == "forbidden" {
				return errors.New("rejected by hook")
			}
			return nil
		},
	})
	require.NoError(t, s.Initialize(ctx))

	_, err := s.Store(ctx, "forbidden", nil)
	require.Error(t, err)

	n, err := s.Count(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Store(ctx, "allowed", nil)
	require.NoError(t, err)
}

func TestPostStoreHookFailureDoesNotFailStore(t *testing.T) {
	ctx := context.Background()
	s := NewSTM(storage.NewMemStore(), DefaultSTMConfig(), nil)
	s.SetHooks(Hooks{
		PostStore: func(_ context.Context, _ *memory.Item) error {
			return errors.New("post hook exploded")
		},
	})
	require.NoError(t, s.Initialize(ctx))

	id, err := s.Store(ctx, "survives", nil)
	require.NoError(t, err)

	ok, err := s.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestSTM(t)

	id, err := s.Store(ctx, "counted", nil)
	require.NoError(t, err)
	_, err = s.Retrieve(ctx, id)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stm", stats["tier"])
	ops, ok := stats["ops"].(map[string]int64)
	require.True(t, ok)
	assert.Equal(t, int64(1), ops["stores"])
	assert.Equal(t, int64(1), ops["retrieves"])
}
