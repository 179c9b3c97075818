package maintenance

import (
	"time"
)

// BreakerConfig bounds when consolidation is allowed to run. The breaker is
// stateless: every cycle recomputes its decision from telemetry, so there is
// no open/closed state to get stuck in.
type BreakerConfig struct {
	// FailureThreshold opens the breaker once this many cycles have failed
	// in a row. Zero disables the failure check.
	FailureThreshold int
	// Cooldown is how long after the last failed cycle the breaker stays
	// open. After the cooldown a single probe cycle is allowed through.
	Cooldown time.Duration
	// BacklogThreshold opens the breaker when the short-term tier holds at
	// least this many items, shedding promotion load until writes calm
	// down. Zero disables the backlog check.
	BacklogThreshold int
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         10 * time.Minute,
		BacklogThreshold: 0,
	}
}

// BreakerDecision is the recorded outcome of one breaker evaluation. When
// Skip is true consolidation must not touch any candidate.
type BreakerDecision struct {
	Skip            bool           `json:"skip"`
	Reason          string         `json:"reason,omitempty"`
	OpenedAt        time.Time      `json:"opened_at,omitempty"`
	CooldownExpires time.Time      `json:"cooldown_expires,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

// evaluateBreaker recomputes the breaker from the current telemetry and
// backlog. The failure check wins over the backlog check so the reason in
// the report names the more severe condition.
func evaluateBreaker(cfg BreakerConfig, snap TelemetrySnapshot, backlog int, now time.Time) BreakerDecision {
	if cfg.FailureThreshold > 0 && snap.ConsecutiveFailures >= cfg.FailureThreshold {
		// Anchor the cooldown to the last failure. Skipped cycles update
		// LastCycleAt but must not push the expiry out, or a breaker probed
		// more often than the cooldown would never admit the probe.
		openedAt := snap.LastFailureAt
		expires := openedAt.Add(cfg.Cooldown)
		if cfg.Cooldown <= 0 || now.Before(expires) {
			return BreakerDecision{
				Skip:            true,
				Reason:          "consecutive cycle failures",
				OpenedAt:        openedAt,
				CooldownExpires: expires,
				Details: map[string]any{
					"consecutive_failures": snap.ConsecutiveFailures,
					"failure_threshold":    cfg.FailureThreshold,
				},
			}
		}
		// Cooldown elapsed: let one probe cycle through. A success resets
		// the streak, a failure re-opens immediately.
	}

	if cfg.BacklogThreshold > 0 && backlog >= cfg.BacklogThreshold {
		return BreakerDecision{
			Skip:     true,
			Reason:   "short-term backlog",
			OpenedAt: now,
			Details: map[string]any{
				"backlog":           backlog,
				"backlog_threshold": cfg.BacklogThreshold,
			},
		}
	}

	return BreakerDecision{}
}
