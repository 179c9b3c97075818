package tier

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
)

// DecayConfig controls the per-cycle decay pass for a tier.
//
// Decay is multiplicative and decrease-only: each pass removes Rate of the
// remaining importance from items not accessed within RecentWindow, never
// dropping below Floor. Repeated passes converge to Floor.
type DecayConfig struct {
	Rate         float64       // fraction removed per pass, (0,1)
	Floor        float64       // importance never decays below this
	RecentWindow time.Duration // items accessed within this window are exempt
}

// decayPass applies cfg to every active item in the base's backend.
// Per-item update failures are logged and skipped so one bad item never
// aborts the pass. Returns the number of items actually reduced.
func decayPass(ctx context.Context, b *Base, cfg DecayConfig) (int, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	items, err := b.backend.Query(ctx, storage.Query{Status: memory.StatusActive})
	if err != nil {
		return 0, &memory.TierOperationError{Op: "decay", Tier: b.tier, Err: err}
	}

	now := time.Now().UTC()
	updated := 0
	for _, item := range items {
		ref := item.Metadata.LastAccessed
		if ref.IsZero() {
			ref = item.Metadata.CreatedAt
		}
		if now.Sub(ref) < cfg.RecentWindow {
			continue
		}

		next := item.Metadata.Importance * (1 - cfg.Rate)
		if next < cfg.Floor {
			next = cfg.Floor
		}
		next = memory.Clamp01(next)
		if next >= item.Metadata.Importance {
			continue // decay only ever reduces
		}

		item.Metadata.Importance = next
		item.Metadata.UpdatedAt = now
		if _, err := b.backend.Update(ctx, item); err != nil {
			b.log.WithError(err).WithField("id", item.ID).Warn("decay update failed")
			continue
		}
		updated++
	}
	return updated, nil
}

// recencyScore maps elapsed-since-access to (0,1] with an exponential
// half-life, so never-accessed old items score near zero and fresh items
// score near one.
func recencyScore(item *memory.Item, halfLife time.Duration, now time.Time) float64 {
	ref := item.Metadata.LastAccessed
	if ref.IsZero() {
		ref = item.Metadata.CreatedAt
	}
	elapsed := now.Sub(ref)
	if elapsed <= 0 {
		return 1
	}
	if halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
}

// sortByScore orders items ascending by the given score function.
func sortByScore(items []*memory.Item, score func(*memory.Item) float64) {
	sort.SliceStable(items, func(i, j int) bool { return score(items[i]) < score(items[j]) })
}

// frequencyScore maps an access count to [0,1], saturating at cap accesses.
func frequencyScore(count, cap int) float64 {
	if cap <= 0 {
		cap = 10
	}
	if count > cap {
		count = cap
	}
	return float64(count) / float64(cap)
}
