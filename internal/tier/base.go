package tier

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
)

// Lifecycle states. Every public operation except Initialize fails fast
// unless the tier is ready.
const (
	stateNew int32 = iota
	stateReady
	stateClosed
)

// counters tracks per-operation totals for observability. Separate from
// persisted data; reset on process restart.
type counters struct {
	stores    atomic.Int64
	retrieves atomic.Int64
	updates   atomic.Int64
	deletes   atomic.Int64
	searches  atomic.Int64
}

// Base implements the uniform CRUD/search/strength operations over one
// storage backend. Concrete tiers embed it and supply a Policy plus Hooks.
// The tier exclusively owns its backend handle and closes it on Shutdown.
type Base struct {
	tier    memory.Tier
	backend storage.Backend
	policy  Policy
	hooks   Hooks
	log     *logrus.Entry

	state atomic.Int32
	stats counters
}

// NewBase wires a base tier. The policy is set by the concrete tier's
// constructor before any operation runs.
func NewBase(t memory.Tier, backend storage.Backend, log *logrus.Logger) *Base {
	if log == nil {
		log = logrus.New()
	}
	return &Base{
		tier:    t,
		backend: backend,
		log:     log.WithField("tier", string(t)),
	}
}

// SetPolicy installs the tier-specific policy. Called once during construction.
func (b *Base) SetPolicy(p Policy) { b.policy = p }

// SetHooks installs the lifecycle hooks. Called once during construction.
func (b *Base) SetHooks(h Hooks) { b.hooks = h }

// Name returns the tier identifier.
func (b *Base) Name() memory.Tier { return b.tier }

// Backend exposes the owned backend to the concrete tier implementations.
func (b *Base) Backend() storage.Backend { return b.backend }

// Initialize moves the tier into the ready state. A tier that was shut down
// stays shut down.
func (b *Base) Initialize(ctx context.Context) error {
	if b.state.Load() == stateClosed {
		return &memory.TierInitializationError{Tier: b.tier, Err: memory.ErrTierNotInitialized}
	}
	if b.backend == nil {
		return &memory.TierInitializationError{Tier: b.tier, Err: memory.OpError(b.tier, "initialize", "no backend configured")}
	}
	// Probe the backend so a dead connection fails at startup, not mid-cycle.
	if _, err := b.backend.Count(ctx, storage.Query{}); err != nil {
		return &memory.TierInitializationError{Tier: b.tier, Err: err}
	}
	b.state.Store(stateReady)
	b.log.Debug("tier initialized")
	return nil
}

// Shutdown closes the tier and its backend. Idempotent.
func (b *Base) Shutdown(_ context.Context) error {
	if b.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	b.log.Debug("tier shut down")
	return b.backend.Close()
}

func (b *Base) ready() error {
	if b.state.Load() != stateReady {
		return &memory.TierOperationError{Op: "check-state", Tier: b.tier, Err: memory.ErrTierNotInitialized}
	}
	return nil
}

// Store synthesizes an item from content and optional metadata and persists
// it. Returns the generated ID.
func (b *Base) Store(ctx context.Context, content string, meta *memory.Metadata) (string, error) {
	item := memory.NewItem(content, b.tier)
	if meta != nil {
		if meta.Tags != nil {
			item.Metadata.Tags = meta.Tags
		}
		item.Metadata.Importance = memory.Clamp01(meta.Importance)
		if meta.Status != "" {
			item.Metadata.Status = meta.Status
		}
	}
	return b.StoreItem(ctx, item)
}

// StoreItem persists a fully-formed item as-is (after normalization).
func (b *Base) StoreItem(ctx context.Context, item *memory.Item) (string, error) {
	if err := b.ready(); err != nil {
		return "", err
	}
	item.Normalize(b.tier)

	if err := b.runPreItem(ctx, b.hooks.PreStore, item); err != nil {
		return "", &memory.TierOperationError{Op: "store", Tier: b.tier, Err: err}
	}
	created, err := b.backend.Create(ctx, item)
	if err != nil {
		return "", &memory.TierOperationError{Op: "store", Tier: b.tier, Err: err}
	}
	if !created {
		return "", memory.OpError(b.tier, "store", "item %s already exists", item.ID)
	}
	b.stats.stores.Add(1)
	if b.hooks.PostStore != nil {
		if err := b.hooks.PostStore(ctx, item); err != nil {
			b.log.WithError(err).WithField("id", item.ID).Warn("post-store hook failed")
		}
	}
	return item.ID, nil
}

// BatchStore stores items in order, skipping IDs that already exist.
// Returns the IDs actually stored.
func (b *Base) BatchStore(ctx context.Context, items []*memory.Item) ([]string, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	stored := make([]string, 0, len(items))
	for _, item := range items {
		item.Normalize(b.tier)
		exists, err := b.backend.Exists(ctx, item.ID)
		if err != nil {
			return stored, &memory.TierOperationError{Op: "batch-store", Tier: b.tier, Err: err}
		}
		if exists {
			continue
		}
		id, err := b.StoreItem(ctx, item)
		if err != nil {
			return stored, err
		}
		stored = append(stored, id)
	}
	return stored, nil
}

// Retrieve reads an item by ID.
func (b *Base) Retrieve(ctx context.Context, id string) (*memory.Item, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	item, err := b.backend.Read(ctx, id)
	if err != nil {
		return nil, &memory.TierOperationError{Op: "retrieve", Tier: b.tier, Err: err}
	}
	if item == nil {
		return nil, &memory.ItemNotFoundError{ID: id, Tier: b.tier}
	}
	b.stats.retrieves.Add(1)
	if b.hooks.OnRetrieve != nil {
		b.hooks.OnRetrieve(ctx, item)
	}
	return item, nil
}

// Update merges a partial update into an existing item and refreshes
// updated_at.
func (b *Base) Update(ctx context.Context, id string, upd ItemUpdate) error {
	if err := b.ready(); err != nil {
		return err
	}
	item, err := b.backend.Read(ctx, id)
	if err != nil {
		return &memory.TierOperationError{Op: "update", Tier: b.tier, Err: err}
	}
	if item == nil {
		return &memory.ItemNotFoundError{ID: id, Tier: b.tier}
	}

	if upd.Content != nil {
		item.Content = *upd.Content
	}
	if upd.Importance != nil {
		item.Metadata.Importance = memory.Clamp01(*upd.Importance)
	}
	if upd.Status != nil {
		item.Metadata.Status = *upd.Status
	}
	if upd.Embedding != nil {
		item.Embedding = upd.Embedding
	}
	for k, v := range upd.Tags {
		if item.Metadata.Tags == nil {
			item.Metadata.Tags = map[string]any{}
		}
		item.Metadata.Tags[k] = v
	}
	item.Metadata.UpdatedAt = time.Now().UTC()

	if err := b.runPreItem(ctx, b.hooks.PreUpdate, item); err != nil {
		return &memory.TierOperationError{Op: "update", Tier: b.tier, Err: err}
	}
	ok, err := b.backend.Update(ctx, item)
	if err != nil {
		return &memory.TierOperationError{Op: "update", Tier: b.tier, Err: err}
	}
	if !ok {
		return &memory.ItemNotFoundError{ID: id, Tier: b.tier}
	}
	b.stats.updates.Add(1)
	if b.hooks.PostUpdate != nil {
		if err := b.hooks.PostUpdate(ctx, item); err != nil {
			b.log.WithError(err).WithField("id", id).Warn("post-update hook failed")
		}
	}
	return nil
}

// Delete removes an item. The pre-delete hook runs before the backend delete
// so tier indexes (LTM graph, categories) can purge references first.
func (b *Base) Delete(ctx context.Context, id string) error {
	if err := b.ready(); err != nil {
		return err
	}
	if b.hooks.PreDelete != nil {
		if err := b.hooks.PreDelete(ctx, id); err != nil {
			return &memory.TierOperationError{Op: "delete", Tier: b.tier, Err: err}
		}
	}
	ok, err := b.backend.Delete(ctx, id)
	if err != nil {
		return &memory.TierOperationError{Op: "delete", Tier: b.tier, Err: err}
	}
	if !ok {
		return &memory.ItemNotFoundError{ID: id, Tier: b.tier}
	}
	b.stats.deletes.Add(1)
	if b.hooks.PostDelete != nil {
		if err := b.hooks.PostDelete(ctx, id); err != nil {
			b.log.WithError(err).WithField("id", id).Warn("post-delete hook failed")
		}
	}
	return nil
}

// Exists reports whether an item is present.
func (b *Base) Exists(ctx context.Context, id string) (bool, error) {
	if err := b.ready(); err != nil {
		return false, err
	}
	ok, err := b.backend.Exists(ctx, id)
	if err != nil {
		return false, &memory.TierOperationError{Op: "exists", Tier: b.tier, Err: err}
	}
	return ok, nil
}

// Search merges tier filters into the request, delegates to the backend, and
// runs tier post-processing over the results.
func (b *Base) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	q := req.Filters
	q.ContentLike = req.Query
	q.Embedding = req.Embedding
	q.Limit = req.Limit
	q.Offset = req.Offset
	if f, ok := b.policy.(SearchFilterer); ok {
		f.MergeSearchFilters(&q)
	}

	items, err := b.backend.Query(ctx, q)
	if err != nil {
		return nil, &memory.TierOperationError{Op: "search", Tier: b.tier, Err: err}
	}
	if pp, ok := b.policy.(SearchPostProcessor); ok {
		items = pp.PostProcessSearch(req, items)
	}

	countQ := q
	countQ.Limit, countQ.Offset = 0, 0
	total, err := b.backend.Count(ctx, countQ)
	if err != nil {
		return nil, &memory.TierOperationError{Op: "search", Tier: b.tier, Err: err}
	}
	b.stats.searches.Add(1)
	return &SearchResult{Items: items, Total: total, Query: req}, nil
}

// Access retrieves an item and records the access in one step. The returned
// item reflects the bumped access count.
func (b *Base) Access(ctx context.Context, id string) (*memory.Item, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	item, err := b.backend.Read(ctx, id)
	if err != nil {
		return nil, &memory.TierOperationError{Op: "access", Tier: b.tier, Err: err}
	}
	if item == nil {
		return nil, &memory.ItemNotFoundError{ID: id, Tier: b.tier}
	}
	item.Touch()
	if b.hooks.OnAccess != nil {
		b.hooks.OnAccess(ctx, item)
	}
	if _, err := b.backend.Update(ctx, item); err != nil {
		return nil, &memory.TierOperationError{Op: "access", Tier: b.tier, Err: err}
	}
	b.stats.retrieves.Add(1)
	if b.hooks.OnRetrieve != nil {
		b.hooks.OnRetrieve(ctx, item)
	}
	return item, nil
}

// MarkAccessed bumps the access counter, stamps last-accessed, fires the
// on-access hook, and persists.
func (b *Base) MarkAccessed(ctx context.Context, id string) error {
	if err := b.ready(); err != nil {
		return err
	}
	item, err := b.backend.Read(ctx, id)
	if err != nil {
		return &memory.TierOperationError{Op: "mark-accessed", Tier: b.tier, Err: err}
	}
	if item == nil {
		return &memory.ItemNotFoundError{ID: id, Tier: b.tier}
	}
	item.Touch()
	if b.hooks.OnAccess != nil {
		b.hooks.OnAccess(ctx, item)
	}
	if _, err := b.backend.Update(ctx, item); err != nil {
		return &memory.TierOperationError{Op: "mark-accessed", Tier: b.tier, Err: err}
	}
	return nil
}

// Strength returns the tier-specific strength score for an item.
func (b *Base) Strength(ctx context.Context, id string) (float64, error) {
	item, err := b.Retrieve(ctx, id)
	if err != nil {
		return 0, err
	}
	return memory.Clamp01(b.policy.CalculateStrength(item)), nil
}

// AdjustStrength applies a delta through the tier policy and persists the
// mutated item. Returns the resulting strength.
func (b *Base) AdjustStrength(ctx context.Context, id string, delta float64) (float64, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	item, err := b.backend.Read(ctx, id)
	if err != nil {
		return 0, &memory.TierOperationError{Op: "adjust-strength", Tier: b.tier, Err: err}
	}
	if item == nil {
		return 0, &memory.ItemNotFoundError{ID: id, Tier: b.tier}
	}
	strength := memory.Clamp01(b.policy.UpdateStrength(item, delta))
	item.Metadata.UpdatedAt = time.Now().UTC()
	if _, err := b.backend.Update(ctx, item); err != nil {
		return 0, &memory.TierOperationError{Op: "adjust-strength", Tier: b.tier, Err: err}
	}
	return strength, nil
}

// Cleanup runs the tier-specific sweep and returns the number of items
// affected.
func (b *Base) Cleanup(ctx context.Context) (int, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	return b.policy.PerformCleanup(ctx)
}

// Count counts items matching the filters.
func (b *Base) Count(ctx context.Context, q storage.Query) (int, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	n, err := b.backend.Count(ctx, q)
	if err != nil {
		return 0, &memory.TierOperationError{Op: "count", Tier: b.tier, Err: err}
	}
	return n, nil
}

// Clear removes every item in the tier.
func (b *Base) Clear(ctx context.Context) error {
	if err := b.ready(); err != nil {
		return err
	}
	if b.hooks.PreClear != nil {
		if err := b.hooks.PreClear(ctx); err != nil {
			return &memory.TierOperationError{Op: "clear", Tier: b.tier, Err: err}
		}
	}
	if err := b.backend.Clear(ctx); err != nil {
		return &memory.TierOperationError{Op: "clear", Tier: b.tier, Err: err}
	}
	if b.hooks.PostClear != nil {
		if err := b.hooks.PostClear(ctx); err != nil {
			b.log.WithError(err).Warn("post-clear hook failed")
		}
	}
	return nil
}

// Stats merges backend stats with the tier's operation counters.
func (b *Base) Stats(ctx context.Context) (map[string]any, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	out, err := b.backend.Stats(ctx)
	if err != nil {
		return nil, &memory.TierOperationError{Op: "stats", Tier: b.tier, Err: err}
	}
	out["tier"] = string(b.tier)
	out["ops"] = map[string]int64{
		"stores":    b.stats.stores.Load(),
		"retrieves": b.stats.retrieves.Load(),
		"updates":   b.stats.updates.Load(),
		"deletes":   b.stats.deletes.Load(),
		"searches":  b.stats.searches.Load(),
	}
	return out, nil
}

func (b *Base) runPreItem(ctx context.Context, hook func(context.Context, *memory.Item) error, item *memory.Item) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, item)
}
