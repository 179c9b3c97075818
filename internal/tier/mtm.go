package tier

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
)

// MTMConfig tunes the mid-term tier.
type MTMConfig struct {
	// Promotion policy: items must clear both bounds (exclusive) to be
	// offered to the orchestrator as LTM candidates.
	PromotionMinImportance float64
	PromotionMinAccess     int

	ArchiveFloor float64       // cleanup archives items scoring below this
	HalfLife     time.Duration // recency half-life for strength scoring
	Decay        DecayConfig
}

// DefaultMTMConfig returns the mid-term tier defaults.
func DefaultMTMConfig() MTMConfig {
	return MTMConfig{
		PromotionMinImportance: 0.6,
		PromotionMinAccess:     3,
		ArchiveFloor:           0.1,
		HalfLife:               7 * 24 * time.Hour,
		Decay: DecayConfig{
			Rate:         0.1,
			Floor:        0.05,
			RecentWindow: 24 * time.Hour,
		},
	}
}

// MTM is the mid-term tier: it balances importance against usage and owns
// its own promotion policy toward LTM.
type MTM struct {
	*Base
	cfg MTMConfig
}

// NewMTM builds the mid-term tier over its own backend.
func NewMTM(backend storage.Backend, cfg MTMConfig, log *logrus.Logger) *MTM {
	m := &MTM{Base: NewBase(memory.TierMTM, backend, log), cfg: cfg}
	m.SetPolicy(m)
	return m
}

// CalculateStrength blends importance, access frequency, and recency.
func (m *MTM) CalculateStrength(item *memory.Item) float64 {
	rec := recencyScore(item, m.cfg.HalfLife, time.Now().UTC())
	freq := frequencyScore(item.Metadata.AccessCount, 20)
	return memory.Clamp01(0.5*item.Metadata.Importance + 0.3*freq + 0.2*rec)
}

// UpdateStrength shifts stored importance by delta and rescores.
func (m *MTM) UpdateStrength(item *memory.Item, delta float64) float64 {
	item.Metadata.Importance = memory.Clamp01(item.Metadata.Importance + delta)
	return m.CalculateStrength(item)
}

// ImportantMemories returns the highest-importance active items.
func (m *MTM) ImportantMemories(ctx context.Context, limit int) ([]*memory.Item, error) {
	items, err := m.Backend().Query(ctx, storage.Query{
		Status: memory.StatusActive,
		SortBy: "importance",
		Limit:  limit,
	})
	if err != nil {
		return nil, &memory.TierOperationError{Op: "important-memories", Tier: m.Name(), Err: err}
	}
	return items, nil
}

// GetPromotionCandidates implements the tier-internal promotion policy: the
// most important well-used active items, capped at limit.
func (m *MTM) GetPromotionCandidates(ctx context.Context, limit int) ([]*memory.Item, error) {
	items, err := m.Backend().Query(ctx, storage.Query{
		Status:         memory.StatusActive,
		MinImportance:  storage.Float(m.cfg.PromotionMinImportance),
		MinAccessCount: storage.Int(m.cfg.PromotionMinAccess),
		SortBy:         "importance",
		Limit:          limit,
	})
	if err != nil {
		return nil, &memory.TierOperationError{Op: "promotion-candidates", Tier: m.Name(), Err: err}
	}
	return items, nil
}

// Decay runs the mid-term decay pass.
func (m *MTM) Decay(ctx context.Context) (int, error) {
	return decayPass(ctx, m.Base, m.cfg.Decay)
}

// PerformCleanup archives active items whose strength has fallen below the
// floor. Per-item failures are logged and skipped.
func (m *MTM) PerformCleanup(ctx context.Context) (int, error) {
	items, err := m.Backend().Query(ctx, storage.Query{Status: memory.StatusActive})
	if err != nil {
		return 0, &memory.TierOperationError{Op: "cleanup", Tier: m.Name(), Err: err}
	}

	archived := 0
	for _, item := range items {
		if m.CalculateStrength(item) >= m.cfg.ArchiveFloor {
			continue
		}
		item.Metadata.Status = memory.StatusArchived
		item.Metadata.UpdatedAt = time.Now().UTC()
		if _, err := m.Backend().Update(ctx, item); err != nil {
			m.log.WithError(err).WithField("id", item.ID).Warn("archive failed")
			continue
		}
		archived++
	}
	if archived > 0 {
		m.log.WithField("archived", archived).Debug("mtm cleanup")
	}
	return archived, nil
}
