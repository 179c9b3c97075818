// Package maintenance drives the periodic upkeep of the memory system: one
// orchestrated cycle of tier maintenance, cleanup, decay, and consolidation,
// guarded by a circuit breaker, scheduled with failure-aware backoff, and
// reported through rolling telemetry.
package maintenance

import "time"

// Status is the overall outcome of a maintenance cycle.
type Status string

const (
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusCircuitOpen Status = "circuit_open"
)

// ConsolidationReport summarizes the promotion step of one cycle.
type ConsolidationReport struct {
	STMToMTM    int            `json:"stm_to_mtm"`
	MTMToLTM    int            `json:"mtm_to_ltm"`
	Total       int            `json:"total"`
	CircuitOpen bool           `json:"circuit_open,omitempty"`
	SkipDetails map[string]any `json:"skip_details,omitempty"`
}

// Report is the per-cycle output. Created fresh per cycle and immutable once
// returned; step failures are data in Errors, not raised errors.
type Report struct {
	CycleID     string    `json:"cycle_id"`
	TriggeredBy string    `json:"triggered_by"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    string    `json:"duration"`

	Tiers         map[string]string   `json:"tiers"`   // tier -> maintenance outcome
	Cleanup       map[string]int      `json:"cleanup"` // tier -> items removed/archived
	Decay         map[string]int      `json:"decay"`   // tier -> items decayed
	Consolidation ConsolidationReport `json:"consolidation"`
	Quality       map[string]any      `json:"quality,omitempty"`
	Drift         map[string]any      `json:"drift,omitempty"`

	Errors []string `json:"errors,omitempty"`
	Status Status   `json:"status"`
}

func newReport(cycleID, triggeredBy string) *Report {
	return &Report{
		CycleID:     cycleID,
		TriggeredBy: triggeredBy,
		StartedAt:   time.Now().UTC(),
		Tiers:       make(map[string]string),
		Cleanup:     make(map[string]int),
		Decay:       make(map[string]int),
		Status:      StatusOK,
	}
}

// finish stamps completion and settles the final status: step errors win
// over everything except a breaker skip with no other failures.
func (r *Report) finish(circuitOpen bool) {
	r.CompletedAt = time.Now().UTC()
	r.Duration = r.CompletedAt.Sub(r.StartedAt).String()
	switch {
	case len(r.Errors) > 0:
		r.Status = StatusError
	case circuitOpen:
		r.Status = StatusCircuitOpen
	default:
		r.Status = StatusOK
	}
}

func (r *Report) addError(step string, err error) {
	r.Errors = append(r.Errors, step+": "+err.Error())
}
