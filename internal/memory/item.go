// Package memory defines the item model shared by every tier and backend:
// the memory item itself, its metadata envelope, the tier and status enums,
// and the typed errors tiers surface to callers.
package memory

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Tier identifies one of the three retention levels.
type Tier string

const (
	TierSTM Tier = "stm"
	TierMTM Tier = "mtm"
	TierLTM Tier = "ltm"
)

// Tiers lists all tiers in promotion order.
var Tiers = []Tier{TierSTM, TierMTM, TierLTM}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierSTM || t == TierMTM || t == TierLTM
}

// Next returns the promotion target for this tier.
// LTM is terminal: ok is false.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierSTM:
		return TierMTM, true
	case TierMTM:
		return TierLTM, true
	default:
		return "", false
	}
}

// Status is the lifecycle state of a stored item.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Metadata is the per-item envelope tracked alongside content.
type Metadata struct {
	Tags         map[string]any `json:"tags,omitempty"`
	Importance   float64        `json:"importance"`
	AccessCount  int            `json:"access_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastAccessed time.Time      `json:"last_accessed,omitempty"`
	Tier         Tier           `json:"tier"`
	Status       Status         `json:"status"`
}

// Item is the unit of storage flowing through the tiers.
type Item struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// NewItem builds an item with a fresh ULID, normalized metadata, and
// creation timestamps. ULIDs sort by creation time, which keeps backend
// listings stable without an extra sort key.
func NewItem(content string, tier Tier) *Item {
	now := time.Now().UTC()
	return &Item{
		ID:      ulid.Make().String(),
		Content: content,
		Metadata: Metadata{
			Tags:      map[string]any{},
			CreatedAt: now,
			UpdatedAt: now,
			Tier:      tier,
			Status:    StatusActive,
		},
	}
}

// Normalize fills in the pieces a caller-supplied item may be missing and
// clamps importance into [0,1]. Safe to call on any item before storing.
func (it *Item) Normalize(tier Tier) {
	now := time.Now().UTC()
	if it.ID == "" {
		it.ID = ulid.Make().String()
	}
	if it.Metadata.Tags == nil {
		it.Metadata.Tags = map[string]any{}
	}
	if it.Metadata.CreatedAt.IsZero() {
		it.Metadata.CreatedAt = now
	}
	if it.Metadata.UpdatedAt.IsZero() {
		it.Metadata.UpdatedAt = now
	}
	if it.Metadata.Status == "" {
		it.Metadata.Status = StatusActive
	}
	it.Metadata.Tier = tier
	it.Metadata.Importance = Clamp01(it.Metadata.Importance)
}

// Clone returns a deep copy of the item. Backends hand out clones so callers
// can mutate results without corrupting stored state.
func (it *Item) Clone() *Item {
	cp := *it
	if it.Metadata.Tags != nil {
		cp.Metadata.Tags = make(map[string]any, len(it.Metadata.Tags))
		for k, v := range it.Metadata.Tags {
			cp.Metadata.Tags[k] = v
		}
	}
	if it.Embedding != nil {
		cp.Embedding = make([]float32, len(it.Embedding))
		copy(cp.Embedding, it.Embedding)
	}
	return &cp
}

// Touch records a retrieval: bumps the access count, stamps last-accessed.
func (it *Item) Touch() {
	it.Metadata.AccessCount++
	it.Metadata.LastAccessed = time.Now().UTC()
}

// Clamp01 clamps v to the [0,1] range used by importance and strength scores.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
