package tier

import (
	"sort"
	"sync"
	"time"
)

// Relationship is a directed edge between two long-term memories. A
// bidirectional relationship is stored as two directed edges kept in sync.
type Relationship struct {
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Type      string         `json:"type"`
	Strength  float64        `json:"strength"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// relationshipGraph is the in-memory edge store behind the LTM tier. One
// edge per (source, target) pair; re-adding overwrites.
type relationshipGraph struct {
	mu    sync.RWMutex
	out   map[string]map[string]*Relationship // source -> target -> edge
	in    map[string]map[string]bool          // target -> sources, for purge
	nodes map[string]bool
}

func newRelationshipGraph() *relationshipGraph {
	return &relationshipGraph{
		out:   make(map[string]map[string]*Relationship),
		in:    make(map[string]map[string]bool),
		nodes: make(map[string]bool),
	}
}

// register makes an ID referenceable even with zero edges.
func (g *relationshipGraph) register(id string) {
	g.mu.Lock()
	g.nodes[id] = true
	g.mu.Unlock()
}

func (g *relationshipGraph) addEdge(rel *Relationship) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[rel.SourceID] = true
	g.nodes[rel.TargetID] = true
	if g.out[rel.SourceID] == nil {
		g.out[rel.SourceID] = make(map[string]*Relationship)
	}
	g.out[rel.SourceID][rel.TargetID] = rel
	if g.in[rel.TargetID] == nil {
		g.in[rel.TargetID] = make(map[string]bool)
	}
	g.in[rel.TargetID][rel.SourceID] = true
}

func (g *relationshipGraph) removeEdge(source, target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeEdgeLocked(source, target)
}

func (g *relationshipGraph) removeEdgeLocked(source, target string) bool {
	edges, ok := g.out[source]
	if !ok {
		return false
	}
	if _, ok := edges[target]; !ok {
		return false
	}
	delete(edges, target)
	if len(edges) == 0 {
		delete(g.out, source)
	}
	if sources, ok := g.in[target]; ok {
		delete(sources, source)
		if len(sources) == 0 {
			delete(g.in, target)
		}
	}
	return true
}

// edgesFrom returns the outgoing edges of id, strongest first.
func (g *relationshipGraph) edgesFrom(id string) []*Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := make([]*Relationship, 0, len(g.out[id]))
	for _, rel := range g.out[id] {
		edges = append(edges, rel)
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Strength != edges[j].Strength {
			return edges[i].Strength > edges[j].Strength
		}
		return edges[i].TargetID < edges[j].TargetID
	})
	return edges
}

// degree returns the outgoing edge count and summed strength for id.
func (g *relationshipGraph) degree(id string) (int, float64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var sum float64
	for _, rel := range g.out[id] {
		sum += rel.Strength
	}
	return len(g.out[id]), sum
}

// purge removes the node and every edge that references it, in either
// direction. Returns the number of edges removed.
func (g *relationshipGraph) purge(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for target := range g.out[id] {
		if g.removeEdgeLocked(id, target) {
			removed++
		}
	}
	for source := range g.in[id] {
		if g.removeEdgeLocked(source, id) {
			removed++
		}
	}
	delete(g.nodes, id)
	return removed
}

// allEdges returns every edge in deterministic (source, target) order.
func (g *relationshipGraph) allEdges() []*Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sources := make([]string, 0, len(g.out))
	for s := range g.out {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	var edges []*Relationship
	for _, s := range sources {
		targets := make([]string, 0, len(g.out[s]))
		for t := range g.out[s] {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			edges = append(edges, g.out[s][t])
		}
	}
	return edges
}

// categoryIndex is the lazy many-to-many category partition over LTM items.
type categoryIndex struct {
	mu         sync.RWMutex
	byCategory map[string]map[string]bool // category -> ids
	byItem     map[string]map[string]bool // id -> categories
}

func newCategoryIndex() *categoryIndex {
	return &categoryIndex{
		byCategory: make(map[string]map[string]bool),
		byItem:     make(map[string]map[string]bool),
	}
}

func (c *categoryIndex) add(id, category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(id, category)
}

func (c *categoryIndex) addLocked(id, category string) {
	if c.byCategory[category] == nil {
		c.byCategory[category] = make(map[string]bool)
	}
	c.byCategory[category][id] = true
	if c.byItem[id] == nil {
		c.byItem[id] = make(map[string]bool)
	}
	c.byItem[id][category] = true
}

func (c *categoryIndex) remove(id, category string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.byCategory[category][id] {
		return false
	}
	delete(c.byCategory[category], id)
	if len(c.byCategory[category]) == 0 {
		delete(c.byCategory, category)
	}
	delete(c.byItem[id], category)
	if len(c.byItem[id]) == 0 {
		delete(c.byItem, id)
	}
	return true
}

// setAll replaces the item's memberships with exactly the given categories.
func (c *categoryIndex) setAll(id string, categories []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for category := range c.byItem[id] {
		delete(c.byCategory[category], id)
		if len(c.byCategory[category]) == 0 {
			delete(c.byCategory, category)
		}
	}
	delete(c.byItem, id)
	for _, category := range categories {
		c.addLocked(id, category)
	}
}

func (c *categoryIndex) categoriesOf(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cats := make([]string, 0, len(c.byItem[id]))
	for category := range c.byItem[id] {
		cats = append(cats, category)
	}
	sort.Strings(cats)
	return cats
}

func (c *categoryIndex) members(category string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byCategory[category]))
	for id := range c.byCategory[category] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *categoryIndex) all() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.byCategory))
	for category, ids := range c.byCategory {
		out[category] = len(ids)
	}
	return out
}

func (c *categoryIndex) purge(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for category := range c.byItem[id] {
		delete(c.byCategory[category], id)
		if len(c.byCategory[category]) == 0 {
			delete(c.byCategory, category)
		}
	}
	delete(c.byItem, id)
}
