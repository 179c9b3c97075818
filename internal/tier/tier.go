// Package tier implements the three retention tiers over the storage
// backend contract: a shared base with lifecycle hooks and operation
// counters, plus the STM, MTM, and LTM policies layered on top.
package tier

import (
	"context"

	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
)

// Tier is the capability set the manager and the maintenance orchestrator
// consume. All three concrete tiers satisfy it through the embedded Base.
type Tier interface {
	Name() memory.Tier
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	Store(ctx context.Context, content string, meta *memory.Metadata) (string, error)
	StoreItem(ctx context.Context, item *memory.Item) (string, error)
	BatchStore(ctx context.Context, items []*memory.Item) ([]string, error)
	Retrieve(ctx context.Context, id string) (*memory.Item, error)
	Update(ctx context.Context, id string, upd ItemUpdate) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
	Access(ctx context.Context, id string) (*memory.Item, error)
	MarkAccessed(ctx context.Context, id string) error
	Strength(ctx context.Context, id string) (float64, error)
	AdjustStrength(ctx context.Context, id string, delta float64) (float64, error)
	Cleanup(ctx context.Context) (int, error)
	Count(ctx context.Context, q storage.Query) (int, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (map[string]any, error)
}

// Policy is what a concrete tier must implement on top of the base.
type Policy interface {
	// CalculateStrength scores an item in [0,1].
	CalculateStrength(item *memory.Item) float64
	// UpdateStrength applies a delta to the item's stored importance and
	// returns the resulting strength. The base persists the item afterwards.
	UpdateStrength(item *memory.Item, delta float64) float64
	// ImportantMemories returns the tier's strongest items.
	ImportantMemories(ctx context.Context, limit int) ([]*memory.Item, error)
	// PerformCleanup is the tier-specific sweep behind Cleanup.
	PerformCleanup(ctx context.Context) (int, error)
}

// Optional policy capabilities, checked by type assertion at the call sites.
type (
	// SearchFilterer merges tier-specific filters into a search query.
	SearchFilterer interface {
		MergeSearchFilters(q *storage.Query)
	}
	// SearchPostProcessor reorders or rescores raw backend results.
	SearchPostProcessor interface {
		PostProcessSearch(req SearchRequest, items []*memory.Item) []*memory.Item
	}
	// Maintainer runs tier-specific upkeep at the start of a maintenance cycle.
	Maintainer interface {
		RunMaintenance(ctx context.Context) error
	}
	// Promoter exposes the tier's own promotion policy (MTM).
	Promoter interface {
		GetPromotionCandidates(ctx context.Context, limit int) ([]*memory.Item, error)
	}
	// Decayer applies the tier's decay pass (MTM, LTM).
	Decayer interface {
		Decay(ctx context.Context) (int, error)
	}
)

// ItemUpdate is a partial update; nil fields are left untouched.
type ItemUpdate struct {
	Content    *string
	Importance *float64
	Status     *memory.Status
	Embedding  []float32
	Tags       map[string]any // merged key-by-key into existing tags
}

// SearchRequest carries a tier search. Filters are merged with the tier's own
// before the backend query runs.
type SearchRequest struct {
	Query     string
	Filters   storage.Query
	Embedding []float32
	Limit     int
	Offset    int
}

// SearchResult is the tier search output.
type SearchResult struct {
	Items []*memory.Item `json:"items"`
	Total int            `json:"total"`
	Query SearchRequest  `json:"-"`
}

// Hooks are the optional lifecycle callbacks invoked around base operations.
// Nil funcs are skipped; pre-hooks abort the operation by returning an error.
type Hooks struct {
	PreStore   func(ctx context.Context, item *memory.Item) error
	PostStore  func(ctx context.Context, item *memory.Item) error
	OnRetrieve func(ctx context.Context, item *memory.Item)
	PreUpdate  func(ctx context.Context, item *memory.Item) error
	PostUpdate func(ctx context.Context, item *memory.Item) error
	PreDelete  func(ctx context.Context, id string) error
	PostDelete func(ctx context.Context, id string) error
	OnAccess   func(ctx context.Context, item *memory.Item)
	PreClear   func(ctx context.Context) error
	PostClear  func(ctx context.Context) error
}
