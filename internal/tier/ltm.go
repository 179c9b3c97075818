package tier

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
)

// StrengthWeights are the LTM strength components. Any non-negative weights
// keep the score monotonic in importance, recency, and connectivity; the
// defaults favor explicit importance.
type StrengthWeights struct {
	Importance   float64
	Recency      float64
	Connectivity float64
}

// LTMConfig tunes the long-term tier.
type LTMConfig struct {
	Weights StrengthWeights

	// RelationshipTypes maps each permitted relationship type to its
	// minimum strength; edges are clamped up to the floor on add.
	RelationshipTypes map[string]float64

	ArchiveFloor    float64       // sweep archives items scoring below this
	RecencyHalfLife time.Duration // half-life for the recency component
	MaxConnectivity int           // edges at which connectivity saturates
	Decay           DecayConfig
}

// DefaultRelationshipTypes returns the built-in relationship registry with
// per-type minimum strength floors.
func DefaultRelationshipTypes() map[string]float64 {
	return map[string]float64{
		"semantic":      0.3,
		"causal":        0.4,
		"temporal":      0.2,
		"spatial":       0.2,
		"associative":   0.1,
		"hierarchical":  0.5,
		"contradictory": 0.6,
	}
}

// DefaultLTMConfig returns the long-term tier defaults.
func DefaultLTMConfig() LTMConfig {
	return LTMConfig{
		Weights:           StrengthWeights{Importance: 0.5, Recency: 0.3, Connectivity: 0.2},
		RelationshipTypes: DefaultRelationshipTypes(),
		ArchiveFloor:      0.05,
		RecencyHalfLife:   90 * 24 * time.Hour,
		MaxConnectivity:   10,
		Decay: DecayConfig{
			Rate:         0.02,
			Floor:        0.05,
			RecentWindow: 7 * 24 * time.Hour,
		},
	}
}

// RelatedMemory pairs a neighbor item with the edge that links it.
type RelatedMemory struct {
	Item         *memory.Item  `json:"item"`
	Relationship *Relationship `json:"relationship"`
}

// LTM is the long-term tier: the base contract plus a relationship graph,
// a category index, and a periodic strength sweep.
type LTM struct {
	*Base
	cfg        LTMConfig
	graph      *relationshipGraph
	categories *categoryIndex
}

// NewLTM builds the long-term tier over its own backend, wiring the graph
// and category hooks into the base lifecycle.
func NewLTM(backend storage.Backend, cfg LTMConfig, log *logrus.Logger) *LTM {
	if cfg.RelationshipTypes == nil {
		cfg.RelationshipTypes = DefaultRelationshipTypes()
	}
	if cfg.MaxConnectivity <= 0 {
		cfg.MaxConnectivity = 10
	}
	l := &LTM{
		Base:       NewBase(memory.TierLTM, backend, log),
		cfg:        cfg,
		graph:      newRelationshipGraph(),
		categories: newCategoryIndex(),
	}
	l.SetPolicy(l)
	l.SetHooks(Hooks{
		// Register stored items in the graph so they can be referenced
		// with zero edges, and pick up caller-declared categories.
		PostStore: func(_ context.Context, item *memory.Item) error {
			l.graph.register(item.ID)
			for _, category := range tagCategories(item) {
				l.categories.add(item.ID, category)
			}
			return nil
		},
		// Purge references before the backend delete so nothing dangles.
		PreDelete: func(_ context.Context, id string) error {
			if removed := l.graph.purge(id); removed > 0 {
				l.log.WithFields(logrus.Fields{"id": id, "edges": removed}).Debug("purged relationships")
			}
			l.categories.purge(id)
			return nil
		},
		PostClear: func(_ context.Context) error {
			l.graph = newRelationshipGraph()
			l.categories = newCategoryIndex()
			return nil
		},
	})
	return l
}

// tagCategories reads category declarations out of an item's tags.
// Accepts a single string or a string list under the "categories" tag.
func tagCategories(item *memory.Item) []string {
	raw, ok := item.Metadata.Tags["categories"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		var cats []string
		for _, c := range v {
			if s, ok := c.(string); ok {
				cats = append(cats, s)
			}
		}
		return cats
	}
	return nil
}

// AddRelationship links source to target. Both memories must exist and the
// type must be registered; strength is clamped up to the type's floor.
// Bidirectional adds the reverse edge with the same attributes.
func (l *LTM) AddRelationship(ctx context.Context, source, target, relType string, strength float64, bidirectional bool, meta map[string]any) error {
	if err := l.ready(); err != nil {
		return err
	}
	floor, ok := l.cfg.RelationshipTypes[relType]
	if !ok {
		return memory.OpError(l.Name(), "add-relationship", "unknown relationship type %q", relType)
	}
	for _, id := range []string{source, target} {
		exists, err := l.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return &memory.ItemNotFoundError{ID: id, Tier: l.Name()}
		}
	}

	strength = memory.Clamp01(strength)
	if strength < floor {
		strength = floor
	}
	now := time.Now().UTC()
	l.graph.addEdge(&Relationship{
		SourceID: source, TargetID: target, Type: relType,
		Strength: strength, Metadata: meta, CreatedAt: now,
	})
	if bidirectional {
		// The reverse edge gets its own metadata map so mutating one
		// direction cannot leak into the other.
		var revMeta map[string]any
		if meta != nil {
			revMeta = make(map[string]any, len(meta))
			for k, v := range meta {
				revMeta[k] = v
			}
		}
		l.graph.addEdge(&Relationship{
			SourceID: target, TargetID: source, Type: relType,
			Strength: strength, Metadata: revMeta, CreatedAt: now,
		})
	}
	return nil
}

// RemoveRelationship removes the edge source→target, and the reverse edge
// when bidirectional.
func (l *LTM) RemoveRelationship(ctx context.Context, source, target string, bidirectional bool) error {
	if err := l.ready(); err != nil {
		return err
	}
	removed := l.graph.removeEdge(source, target)
	if bidirectional {
		if l.graph.removeEdge(target, source) {
			removed = true
		}
	}
	if !removed {
		return memory.OpError(l.Name(), "remove-relationship", "no relationship between %s and %s", source, target)
	}
	return nil
}

// RelatedMemories returns the neighbors of id, filtered by type and strength
// floor, strongest first, capped at limit. Edges pointing at items that no
// longer resolve are skipped.
func (l *LTM) RelatedMemories(ctx context.Context, id, relType string, minStrength float64, limit int) ([]RelatedMemory, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	var out []RelatedMemory
	for _, rel := range l.graph.edgesFrom(id) {
		if relType != "" && rel.Type != relType {
			continue
		}
		if rel.Strength < minStrength {
			continue
		}
		item, err := l.Backend().Read(ctx, rel.TargetID)
		if err != nil {
			return nil, &memory.TierOperationError{Op: "related-memories", Tier: l.Name(), Err: err}
		}
		if item == nil {
			continue
		}
		out = append(out, RelatedMemory{Item: item, Relationship: rel})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AddToCategory adds the memory to a category, creating the category on
// first use.
func (l *LTM) AddToCategory(ctx context.Context, id, category string) error {
	if err := l.requireItem(ctx, id); err != nil {
		return err
	}
	l.categories.add(id, category)
	return nil
}

// RemoveFromCategory drops one membership.
func (l *LTM) RemoveFromCategory(_ context.Context, id, category string) error {
	if err := l.ready(); err != nil {
		return err
	}
	if !l.categories.remove(id, category) {
		return memory.OpError(l.Name(), "remove-from-category", "%s is not in category %q", id, category)
	}
	return nil
}

// SetCategories replaces the memory's memberships.
func (l *LTM) SetCategories(ctx context.Context, id string, categories []string) error {
	if err := l.requireItem(ctx, id); err != nil {
		return err
	}
	l.categories.setAll(id, categories)
	return nil
}

// Categories lists the memory's categories, sorted.
func (l *LTM) Categories(_ context.Context, id string) []string {
	return l.categories.categoriesOf(id)
}

// AllCategories returns every category with its member count.
func (l *LTM) AllCategories(_ context.Context) map[string]int {
	return l.categories.all()
}

// MemoriesByCategory returns up to limit members of a category, ordered by
// importance when byImportance is set and by ID otherwise.
func (l *LTM) MemoriesByCategory(ctx context.Context, category string, limit int, byImportance bool) ([]*memory.Item, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	var items []*memory.Item
	for _, id := range l.categories.members(category) {
		item, err := l.Backend().Read(ctx, id)
		if err != nil {
			return nil, &memory.TierOperationError{Op: "memories-by-category", Tier: l.Name(), Err: err}
		}
		if item == nil {
			continue
		}
		items = append(items, item)
	}
	if byImportance {
		sortByScore(items, func(it *memory.Item) float64 { return -it.Metadata.Importance })
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (l *LTM) requireItem(ctx context.Context, id string) error {
	exists, err := l.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return &memory.ItemNotFoundError{ID: id, Tier: l.Name()}
	}
	return nil
}

// CalculateStrength combines explicit importance, access recency/frequency,
// and relationship connectivity. Every component is clamped to [0,1] before
// weighting, so the score is monotonic in each input.
func (l *LTM) CalculateStrength(item *memory.Item) float64 {
	now := time.Now().UTC()
	rec := 0.7*recencyScore(item, l.cfg.RecencyHalfLife, now) +
		0.3*frequencyScore(item.Metadata.AccessCount, 20)

	count, sum := l.graph.degree(item.ID)
	// Each edge contributes a base half-credit plus its strength, so more
	// edges and stronger edges both raise the score.
	conn := memory.Clamp01((0.5*float64(count) + 0.5*sum) / float64(l.cfg.MaxConnectivity))

	w := l.cfg.Weights
	total := w.Importance + w.Recency + w.Connectivity
	if total <= 0 {
		return memory.Clamp01(item.Metadata.Importance)
	}
	score := w.Importance*item.Metadata.Importance + w.Recency*memory.Clamp01(rec) + w.Connectivity*conn
	return memory.Clamp01(score / total)
}

// UpdateStrength shifts stored importance by delta and rescores.
func (l *LTM) UpdateStrength(item *memory.Item, delta float64) float64 {
	item.Metadata.Importance = memory.Clamp01(item.Metadata.Importance + delta)
	return l.CalculateStrength(item)
}

// ImportantMemories returns the strongest active items by full LTM strength,
// not just stored importance.
func (l *LTM) ImportantMemories(ctx context.Context, limit int) ([]*memory.Item, error) {
	items, err := l.Backend().Query(ctx, storage.Query{Status: memory.StatusActive})
	if err != nil {
		return nil, &memory.TierOperationError{Op: "important-memories", Tier: l.Name(), Err: err}
	}
	sortByScore(items, func(it *memory.Item) float64 { return -l.CalculateStrength(it) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Decay runs the long-term decay pass.
func (l *LTM) Decay(ctx context.Context) (int, error) {
	return decayPass(ctx, l.Base, l.cfg.Decay)
}

// RunMaintenance compacts the graph: edges whose endpoints no longer resolve
// in the backend are dropped.
func (l *LTM) RunMaintenance(ctx context.Context) error {
	if err := l.ready(); err != nil {
		return err
	}
	dropped := 0
	for _, rel := range l.graph.allEdges() {
		ok, err := l.Backend().Exists(ctx, rel.SourceID)
		if err != nil {
			return &memory.TierOperationError{Op: "maintenance", Tier: l.Name(), Err: err}
		}
		if ok {
			ok, err = l.Backend().Exists(ctx, rel.TargetID)
			if err != nil {
				return &memory.TierOperationError{Op: "maintenance", Tier: l.Name(), Err: err}
			}
		}
		if !ok {
			l.graph.removeEdge(rel.SourceID, rel.TargetID)
			dropped++
		}
	}
	if dropped > 0 {
		l.log.WithField("edges", dropped).Info("graph compaction dropped dangling edges")
	}
	return nil
}

// PerformCleanup is the maintenance sweep: re-evaluates strength for every
// active item and archives those below the floor. A single item's failure is
// recorded and the sweep continues; the count is best-effort.
func (l *LTM) PerformCleanup(ctx context.Context) (int, error) {
	items, err := l.Backend().Query(ctx, storage.Query{Status: memory.StatusActive})
	if err != nil {
		return 0, &memory.TierOperationError{Op: "cleanup", Tier: l.Name(), Err: err}
	}

	touched := 0
	for _, item := range items {
		if l.CalculateStrength(item) >= l.cfg.ArchiveFloor {
			continue
		}
		item.Metadata.Status = memory.StatusArchived
		item.Metadata.UpdatedAt = time.Now().UTC()
		if _, err := l.Backend().Update(ctx, item); err != nil {
			l.log.WithError(err).WithField("id", item.ID).Warn("archive failed")
			continue
		}
		touched++
	}
	if touched > 0 {
		l.log.WithField("archived", touched).Debug("ltm sweep")
	}
	return touched, nil
}
