package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewItem(t *testing.T) {
	item := NewItem("remember the milk", TierSTM)

	require.NotEmpty(t, item.ID)
	assert.Equal(t, "remember the milk", item.Content)
	assert.Equal(t, TierSTM, item.Metadata.Tier)
	assert.Equal(t, StatusActive, item.Metadata.Status)
	assert.NotNil(t, item.Metadata.Tags)
	assert.False(t, item.Metadata.CreatedAt.IsZero())

	// ULIDs sort by creation time.
	later := NewItem("second", TierSTM)
	assert.Less(t, item.ID, later.ID)
}

func TestNormalize(t *testing.T) {
	item := &Item{Content: "bare"}
	item.Metadata.Importance = 1.7

	item.Normalize(TierMTM)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, TierMTM, item.Metadata.Tier)
	assert.Equal(t, StatusActive, item.Metadata.Status)
	assert.Equal(t, 1.0, item.Metadata.Importance)
	assert.NotNil(t, item.Metadata.Tags)
}

func TestNormalizeKeepsExisting(t *testing.T) {
	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	item := &Item{
		ID:      "fixed-id",
		Content: "kept",
		Metadata: Metadata{
			CreatedAt: created,
			Status:    StatusArchived,
		},
	}

	item.Normalize(TierLTM)

	assert.Equal(t, "fixed-id", item.ID)
	assert.Equal(t, created, item.Metadata.CreatedAt)
	assert.Equal(t, StatusArchived, item.Metadata.Status)
}

func TestCloneIsDeep(t *testing.T) {
	item := NewItem("original", TierSTM)
	item.Metadata.Tags["topic"] = "groceries"
	item.Embedding = []float32{0.1, 0.2}

	cp := item.Clone()
	cp.Metadata.Tags["topic"] = "mutated"
	cp.Embedding[0] = 9

	assert.Equal(t, "groceries", item.Metadata.Tags["topic"])
	assert.Equal(t, float32(0.1), item.Embedding[0])
}

func TestTouch(t *testing.T) {
	item := NewItem("touched", TierSTM)
	require.Zero(t, item.Metadata.AccessCount)

	item.Touch()
	item.Touch()

	assert.Equal(t, 2, item.Metadata.AccessCount)
	assert.False(t, item.Metadata.LastAccessed.IsZero())
}

func TestTierNext(t *testing.T) {
	next, ok := TierSTM.Next()
	require.True(t, ok)
	assert.Equal(t, TierMTM, next)

	next, ok = TierMTM.Next()
	require.True(t, ok)
	assert.Equal(t, TierLTM, next)

	_, ok = TierLTM.Next()
	assert.False(t, ok)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 0.5, Clamp01(0.5))
	assert.Equal(t, 1.0, Clamp01(2))
}

func TestIsNotFound(t *testing.T) {
	err := &TierOperationError{
		Op:   "retrieve",
		Tier: TierSTM,
		Err:  &ItemNotFoundError{ID: "x", Tier: TierSTM},
	}
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(ErrCycleInProgress))
}
