package tier

import (
	"context"
	"sort"
	"time"

	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
)

// Snapshot is a point-in-time export of the long-term tier: items plus the
// relationship graph and category memberships, in deterministic order.
type Snapshot struct {
	ExportedAt    time.Time           `json:"exported_at"`
	Items         []*memory.Item      `json:"items"`
	Relationships []*Relationship     `json:"relationships"`
	Categories    map[string][]string `json:"categories"`
}

// RestoreCounts summarizes what a restore actually applied.
type RestoreCounts struct {
	Items         int `json:"items"`
	Relationships int `json:"relationships"`
	Categories    int `json:"categories"`
	Skipped       int `json:"skipped"`
}

// ExportSnapshot exports items with the given statuses (default: active and
// archived) in ID order, reading in batches of batchSize. A limit of 0
// exports everything.
func (l *LTM) ExportSnapshot(ctx context.Context, statuses []memory.Status, limit, batchSize int) (*Snapshot, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		statuses = []memory.Status{memory.StatusActive, memory.StatusArchived}
	}
	if batchSize <= 0 {
		batchSize = 200
	}

	var items []*memory.Item
	for _, status := range statuses {
		offset := 0
		for {
			batch, err := l.Backend().Query(ctx, storage.Query{
				Status:    status,
				Ascending: true,
				Limit:     batchSize,
				Offset:    offset,
			})
			if err != nil {
				return nil, &memory.TierOperationError{Op: "export-snapshot", Tier: l.Name(), Err: err}
			}
			items = append(items, batch...)
			if len(batch) < batchSize {
				break
			}
			offset += batchSize
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	// Only export graph state for exported items.
	exported := make(map[string]bool, len(items))
	for _, item := range items {
		exported[item.ID] = true
	}
	var rels []*Relationship
	for _, rel := range l.graph.allEdges() {
		if exported[rel.SourceID] && exported[rel.TargetID] {
			rels = append(rels, rel)
		}
	}
	categories := make(map[string][]string)
	for category := range l.categories.all() {
		var ids []string
		for _, id := range l.categories.members(category) {
			if exported[id] {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			categories[category] = ids
		}
	}

	return &Snapshot{
		ExportedAt:    time.Now().UTC(),
		Items:         items,
		Relationships: rels,
		Categories:    categories,
	}, nil
}

// RestoreSnapshot loads a snapshot into the tier. With overwrite false the
// restore is idempotent: IDs that already exist are skipped. Items are
// applied in snapshot order, then relationships, then categories.
func (l *LTM) RestoreSnapshot(ctx context.Context, snap *Snapshot, overwrite bool) (RestoreCounts, error) {
	var counts RestoreCounts
	if err := l.ready(); err != nil {
		return counts, err
	}
	if snap == nil {
		return counts, memory.OpError(l.Name(), "restore-snapshot", "nil snapshot")
	}

	for _, item := range snap.Items {
		exists, err := l.Backend().Exists(ctx, item.ID)
		if err != nil {
			return counts, &memory.TierOperationError{Op: "restore-snapshot", Tier: l.Name(), Err: err}
		}
		switch {
		case exists && !overwrite:
			counts.Skipped++
			continue
		case exists:
			if _, err := l.Backend().Update(ctx, item.Clone()); err != nil {
				return counts, &memory.TierOperationError{Op: "restore-snapshot", Tier: l.Name(), Err: err}
			}
		default:
			if _, err := l.Backend().Create(ctx, item.Clone()); err != nil {
				return counts, &memory.TierOperationError{Op: "restore-snapshot", Tier: l.Name(), Err: err}
			}
		}
		l.graph.register(item.ID)
		counts.Items++
	}

	for _, rel := range snap.Relationships {
		cp := *rel
		l.graph.addEdge(&cp)
		counts.Relationships++
	}

	categories := make([]string, 0, len(snap.Categories))
	for category := range snap.Categories {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		for _, id := range snap.Categories[category] {
			l.categories.add(id, category)
			counts.Categories++
		}
	}
	return counts, nil
}
