package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/internal/events"
	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/tier"
)

// Consolidator moves one memory between tiers. Implemented by the manager;
// the orchestrator only decides what to move and records the outcome.
type Consolidator interface {
	ConsolidateMemory(ctx context.Context, id string, source, target memory.Tier) error
}

// CapacityAdapter lets deployment-specific logic shrink or grow the
// consolidation workload. Consulted only when the circuit breaker allows
// the cycle to consolidate at all.
type CapacityAdapter interface {
	AdjustBatchSize(transition string, base int) int
	AdjustThreshold(base float64) float64
}

// QualityAnalyzer and DriftDetector are the optional analysis hooks of
// cycle step six. Their results land in the report verbatim.
type (
	QualityAnalyzer interface {
		AnalyzeQuality(ctx context.Context) (map[string]any, error)
	}
	DriftDetector interface {
		DetectDrift(ctx context.Context) (map[string]any, error)
	}
)

// Config tunes the orchestrator.
type Config struct {
	// Interval is the base delay between scheduled cycles; MinInterval is
	// the floor the failure backoff can shrink it to.
	Interval    time.Duration
	MinInterval time.Duration

	// STMBatchSize and MTMBatchSize cap how many memories one cycle may
	// promote out of each tier.
	STMBatchSize int
	MTMBatchSize int

	// CandidateImportance and CandidateAccess select STM promotion
	// candidates (both bounds are exclusive). PromotionThreshold is the
	// minimum priority score a candidate must reach.
	CandidateImportance float64
	CandidateAccess     int
	PromotionThreshold  float64

	Breaker BreakerConfig
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            time.Hour,
		MinInterval:         5 * time.Minute,
		STMBatchSize:        50,
		MTMBatchSize:        50,
		CandidateImportance: 0.7,
		CandidateAccess:     5,
		PromotionThreshold:  0.6,
		Breaker:             DefaultBreakerConfig(),
	}
}

// Orchestrator runs maintenance cycles over the three tiers. At most one
// cycle runs at a time; a second trigger is rejected, not queued.
type Orchestrator struct {
	cfg       Config
	tiers     map[memory.Tier]tier.Tier
	consol    Consolidator
	publisher *events.Publisher
	telemetry *Telemetry
	sink      TelemetrySink
	capacity  CapacityAdapter
	quality   QualityAnalyzer
	drift     DriftDetector
	log       *logrus.Entry

	mu sync.Mutex // held for the duration of a cycle
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

func WithTelemetrySink(s TelemetrySink) Option { return func(o *Orchestrator) { o.sink = s } }

func WithCapacityAdapter(a CapacityAdapter) Option {
	return func(o *Orchestrator) { o.capacity = a }
}

func WithQualityAnalyzer(q QualityAnalyzer) Option {
	return func(o *Orchestrator) { o.quality = q }
}

func WithDriftDetector(d DriftDetector) Option { return func(o *Orchestrator) { o.drift = d } }

// NewOrchestrator wires the orchestrator over the three tiers.
func NewOrchestrator(cfg Config, stm, mtm, ltm tier.Tier, consol Consolidator, publisher *events.Publisher, log *logrus.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.STMBatchSize <= 0 {
		cfg.STMBatchSize = def.STMBatchSize
	}
	if cfg.MTMBatchSize <= 0 {
		cfg.MTMBatchSize = def.MTMBatchSize
	}
	if cfg.CandidateImportance <= 0 {
		cfg.CandidateImportance = def.CandidateImportance
	}
	if cfg.CandidateAccess <= 0 {
		cfg.CandidateAccess = def.CandidateAccess
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = def.PromotionThreshold
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = def.Breaker
	}
	if log == nil {
		log = logrus.New()
	}
	o := &Orchestrator{
		cfg: cfg,
		tiers: map[memory.Tier]tier.Tier{
			memory.TierSTM: stm,
			memory.TierMTM: mtm,
			memory.TierLTM: ltm,
		},
		consol:    consol,
		publisher: publisher,
		telemetry: NewTelemetry(),
		log:       log.WithField("component", "maintenance"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Telemetry exposes the rolling cycle record.
func (o *Orchestrator) Telemetry() TelemetrySnapshot { return o.telemetry.Snapshot() }

// NextDelay is the failure-aware wait before the next scheduled cycle.
func (o *Orchestrator) NextDelay() time.Duration {
	return nextDelay(o.cfg.Interval, o.cfg.MinInterval, o.telemetry.Snapshot().ConsecutiveFailures)
}

// ForceFailures seeds the failure streak, forcing the breaker open.
func (o *Orchestrator) ForceFailures(n int) { o.telemetry.forceFailures(n) }

var tierOrder = []memory.Tier{memory.TierSTM, memory.TierMTM, memory.TierLTM}

// RunCycle executes one full maintenance cycle. Step failures are collected
// into the report and never abort the cycle; the only error return is
// memory.ErrCycleInProgress when another cycle holds the lock.
func (o *Orchestrator) RunCycle(ctx context.Context, triggeredBy string) (*Report, error) {
	if !o.mu.TryLock() {
		return nil, memory.ErrCycleInProgress
	}
	defer o.mu.Unlock()

	rep := newReport(uuid.New().String(), triggeredBy)
	log := o.log.WithField("cycle_id", rep.CycleID)
	log.WithField("triggered_by", triggeredBy).Info("maintenance cycle started")

	o.emit(ctx, log, events.TypeCycleStarted, events.PriorityNormal, map[string]any{
		"cycle_id":     rep.CycleID,
		"triggered_by": triggeredBy,
	})

	// Per-tier maintenance hooks.
	for _, name := range tierOrder {
		t := o.tiers[name]
		m, ok := t.(tier.Maintainer)
		if !ok {
			continue
		}
		if err := m.RunMaintenance(ctx); err != nil {
			rep.Tiers[string(name)] = "error: " + err.Error()
			rep.addError("maintenance/"+string(name), err)
			continue
		}
		rep.Tiers[string(name)] = "ok"
	}

	// Cleanup.
	for _, name := range tierOrder {
		n, err := o.tiers[name].Cleanup(ctx)
		rep.Cleanup[string(name)] = n
		if err != nil {
			rep.addError("cleanup/"+string(name), err)
		}
	}

	// Decay. The short-term tier expires instead of decaying, so only the
	// middle and long-term tiers participate.
	for _, name := range []memory.Tier{memory.TierMTM, memory.TierLTM} {
		d, ok := o.tiers[name].(tier.Decayer)
		if !ok {
			continue
		}
		n, err := d.Decay(ctx)
		rep.Decay[string(name)] = n
		if err != nil {
			rep.addError("decay/"+string(name), err)
		}
	}

	circuitOpen := o.consolidate(ctx, log, rep)

	// Quality and drift analysis.
	if o.quality != nil {
		q, err := o.quality.AnalyzeQuality(ctx)
		if err != nil {
			rep.addError("quality", err)
		} else {
			rep.Quality = q
		}
	}
	if o.drift != nil {
		d, err := o.drift.DetectDrift(ctx)
		if err != nil {
			rep.addError("drift", err)
		} else {
			rep.Drift = d
			if detected, _ := d["drift_detected"].(bool); detected {
				o.emit(ctx, log, events.TypeEmbeddingDrift, events.PriorityHigh, map[string]any{
					"cycle_id": rep.CycleID,
					"drift":    d,
				})
			}
		}
	}

	rep.finish(circuitOpen)

	if o.sink != nil {
		if err := o.sink.Record(ctx, rep, o.telemetry.Snapshot()); err != nil {
			rep.addError("telemetry-sink", err)
			rep.finish(circuitOpen)
		}
	}

	o.telemetry.RecordCycle(rep)

	o.emit(ctx, log, events.TypeCycleCompleted, events.PriorityNormal, map[string]any{
		"cycle_id":     rep.CycleID,
		"status":       string(rep.Status),
		"consolidated": rep.Consolidation.Total,
		"errors":       len(rep.Errors),
	})
	log.WithFields(logrus.Fields{
		"status":       string(rep.Status),
		"consolidated": rep.Consolidation.Total,
		"errors":       len(rep.Errors),
		"duration":     rep.Duration,
	}).Info("maintenance cycle completed")

	return rep, nil
}

// consolidate runs the promotion step of the cycle. Returns true when the
// breaker skipped it; in that case no candidate was read or moved.
func (o *Orchestrator) consolidate(ctx context.Context, log *logrus.Entry, rep *Report) bool {
	backlog, err := o.tiers[memory.TierSTM].Count(ctx, storage.Query{Status: memory.StatusActive})
	if err != nil {
		rep.addError("consolidation/backlog", err)
		backlog = 0
	}

	decision := evaluateBreaker(o.cfg.Breaker, o.telemetry.Snapshot(), backlog, time.Now().UTC())
	if decision.Skip {
		rep.Consolidation.CircuitOpen = true
		rep.Consolidation.SkipDetails = map[string]any{
			"reason":           decision.Reason,
			"opened_at":        decision.OpenedAt,
			"cooldown_expires": decision.CooldownExpires,
		}
		for k, v := range decision.Details {
			rep.Consolidation.SkipDetails[k] = v
		}
		log.WithField("reason", decision.Reason).Warn("consolidation skipped, circuit open")
		return true
	}

	stmBatch := o.cfg.STMBatchSize
	mtmBatch := o.cfg.MTMBatchSize
	threshold := o.cfg.PromotionThreshold
	if o.capacity != nil {
		stmBatch = o.capacity.AdjustBatchSize("stm_to_mtm", stmBatch)
		mtmBatch = o.capacity.AdjustBatchSize("mtm_to_ltm", mtmBatch)
		threshold = o.capacity.AdjustThreshold(threshold)
	}

	// MTM candidates are selected before the STM promotion runs so a memory
	// climbs at most one tier per cycle.
	mtmCandidates := o.mtmCandidates(ctx, rep, mtmBatch)

	rep.Consolidation.STMToMTM = o.promoteSTM(ctx, log, rep, stmBatch, threshold)
	moved := 0
	for _, id := range mtmCandidates {
		if err := o.moveOne(ctx, log, rep, id, memory.TierMTM, memory.TierLTM); err == nil {
			moved++
		}
	}
	rep.Consolidation.MTMToLTM = moved
	rep.Consolidation.Total = rep.Consolidation.STMToMTM + rep.Consolidation.MTMToLTM
	return false
}

// promoteSTM scores short-term candidates and moves the highest-priority
// ones to the middle tier. Both candidate bounds are exclusive.
func (o *Orchestrator) promoteSTM(ctx context.Context, log *logrus.Entry, rep *Report, batch int, threshold float64) int {
	res, err := o.tiers[memory.TierSTM].Search(ctx, tier.SearchRequest{
		Filters: storage.Query{
			Status:         memory.StatusActive,
			MinImportance:  storage.Float(o.cfg.CandidateImportance),
			MinAccessCount: storage.Int(o.cfg.CandidateAccess),
		},
	})
	if err != nil {
		rep.addError("consolidation/stm-candidates", err)
		return 0
	}

	type scored struct {
		item     *memory.Item
		priority float64
	}
	candidates := make([]scored, 0, len(res.Items))
	for _, item := range res.Items {
		p := PromotionPriority(item)
		if p >= threshold {
			candidates = append(candidates, scored{item, p})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].item.ID < candidates[j].item.ID
	})
	if len(candidates) > batch {
		candidates = candidates[:batch]
	}

	moved := 0
	for _, c := range candidates {
		if err := o.moveOne(ctx, log, rep, c.item.ID, memory.TierSTM, memory.TierMTM); err == nil {
			moved++
		}
	}
	return moved
}

// mtmCandidates defers candidate selection to the middle tier's own policy.
func (o *Orchestrator) mtmCandidates(ctx context.Context, rep *Report, batch int) []string {
	p, ok := o.tiers[memory.TierMTM].(tier.Promoter)
	if !ok {
		return nil
	}
	candidates, err := p.GetPromotionCandidates(ctx, batch)
	if err != nil {
		rep.addError("consolidation/mtm-candidates", err)
		return nil
	}
	ids := make([]string, 0, len(candidates))
	for _, item := range candidates {
		ids = append(ids, item.ID)
	}
	return ids
}

func (o *Orchestrator) moveOne(ctx context.Context, log *logrus.Entry, rep *Report, id string, source, target memory.Tier) error {
	err := o.consol.ConsolidateMemory(ctx, id, source, target)
	outcome := "promoted"
	if err != nil {
		outcome = "failed"
		rep.addError(fmt.Sprintf("consolidation/%s->%s/%s", source, target, id), err)
		log.WithError(err).WithField("memory_id", id).Warn("consolidation failed")
	}
	o.emit(ctx, log, events.TypeConsolidationOutcome, events.PriorityLow, map[string]any{
		"cycle_id":  rep.CycleID,
		"memory_id": id,
		"source":    string(source),
		"target":    string(target),
		"outcome":   outcome,
	})
	return err
}

// emit publishes best-effort: delivery failures are logged, never surfaced.
func (o *Orchestrator) emit(ctx context.Context, log *logrus.Entry, evType string, priority events.Priority, metadata map[string]any) {
	if o.publisher == nil {
		return
	}
	if _, _, err := o.publisher.Publish(ctx, evType, priority, metadata); err != nil {
		log.WithError(err).WithField("type", evType).Warn("event delivery failed")
	}
}

// PromotionPriority scores a short-term candidate: importance weighted by
// how often it has been accessed, with the access contribution saturating
// at ten accesses.
func PromotionPriority(item *memory.Item) float64 {
	access := item.Metadata.AccessCount
	if access > 10 {
		access = 10
	}
	return item.Metadata.Importance * (0.5 + 0.5*float64(access)/10.0)
}
