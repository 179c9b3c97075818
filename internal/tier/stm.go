package tier

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
)

// STMConfig tunes the short-term tier.
type STMConfig struct {
	MaxItems int           // cleanup evicts the weakest items beyond this
	MaxAge   time.Duration // cleanup evicts items older than this outright
	HalfLife time.Duration // recency half-life for strength scoring
}

// DefaultSTMConfig returns the short-term tier defaults.
func DefaultSTMConfig() STMConfig {
	return STMConfig{
		MaxItems: 1000,
		MaxAge:   24 * time.Hour,
		HalfLife: 6 * time.Hour,
	}
}

// STM is the short-term tier: cheap storage, aggressive eviction, strength
// dominated by recency.
type STM struct {
	*Base
	cfg STMConfig
}

// NewSTM builds the short-term tier over its own backend.
func NewSTM(backend storage.Backend, cfg STMConfig, log *logrus.Logger) *STM {
	s := &STM{Base: NewBase(memory.TierSTM, backend, log), cfg: cfg}
	s.SetPolicy(s)
	return s
}

// CalculateStrength weights recency over importance: short-term items live
// and die by how recently they were touched.
func (s *STM) CalculateStrength(item *memory.Item) float64 {
	rec := recencyScore(item, s.cfg.HalfLife, time.Now().UTC())
	return memory.Clamp01(0.4*item.Metadata.Importance + 0.6*rec)
}

// UpdateStrength shifts stored importance by delta and rescores.
func (s *STM) UpdateStrength(item *memory.Item, delta float64) float64 {
	item.Metadata.Importance = memory.Clamp01(item.Metadata.Importance + delta)
	return s.CalculateStrength(item)
}

// ImportantMemories returns the highest-importance active items.
func (s *STM) ImportantMemories(ctx context.Context, limit int) ([]*memory.Item, error) {
	items, err := s.Backend().Query(ctx, storage.Query{
		Status: memory.StatusActive,
		SortBy: "importance",
		Limit:  limit,
	})
	if err != nil {
		return nil, &memory.TierOperationError{Op: "important-memories", Tier: s.Name(), Err: err}
	}
	return items, nil
}

// PerformCleanup evicts expired items, then the weakest items beyond the
// capacity cap. Per-item delete failures are logged and skipped.
func (s *STM) PerformCleanup(ctx context.Context) (int, error) {
	items, err := s.Backend().Query(ctx, storage.Query{})
	if err != nil {
		return 0, &memory.TierOperationError{Op: "cleanup", Tier: s.Name(), Err: err}
	}

	now := time.Now().UTC()
	removed := 0
	var survivors []*memory.Item
	for _, item := range items {
		if s.cfg.MaxAge > 0 && now.Sub(item.Metadata.CreatedAt) > s.cfg.MaxAge {
			if _, err := s.Backend().Delete(ctx, item.ID); err != nil {
				s.log.WithError(err).WithField("id", item.ID).Warn("evict expired failed")
				continue
			}
			removed++
			continue
		}
		survivors = append(survivors, item)
	}

	if s.cfg.MaxItems > 0 && len(survivors) > s.cfg.MaxItems {
		// Weakest first.
		byStrength := make([]*memory.Item, len(survivors))
		copy(byStrength, survivors)
		sortByScore(byStrength, s.CalculateStrength)
		for _, item := range byStrength[:len(survivors)-s.cfg.MaxItems] {
			if _, err := s.Backend().Delete(ctx, item.ID); err != nil {
				s.log.WithError(err).WithField("id", item.ID).Warn("evict overflow failed")
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		s.log.WithField("removed", removed).Debug("stm cleanup")
	}
	return removed, nil
}
