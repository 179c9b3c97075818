package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/events"
	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/tier"
)

// movingConsolidator moves items between tiers the way the manager does,
// minus the tag stamping the orchestrator does not care about.
type movingConsolidator struct {
	tiers map[memory.Tier]tier.Tier
	fail  error
	moved []string
	mu    sync.Mutex
}

func (m *movingConsolidator) ConsolidateMemory(ctx context.Context, id string, source, target memory.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	item, err := m.tiers[source].Retrieve(ctx, id)
	if err != nil {
		return err
	}
	moved := item.Clone()
	moved.Normalize(target)
	if _, err := m.tiers[target].StoreItem(ctx, moved); err != nil {
		return err
	}
	if err := m.tiers[source].Delete(ctx, id); err != nil {
		return err
	}
	m.moved = append(m.moved, id)
	return nil
}

type fixture struct {
	orch   *Orchestrator
	stm    *tier.STM
	mtm    *tier.MTM
	ltm    *tier.LTM
	consol *movingConsolidator
	sink   *eventCapture
}

type eventCapture struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *eventCapture) Deliver(_ context.Context, ev *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *eventCapture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	stm := tier.NewSTM(storage.NewMemStore(), tier.DefaultSTMConfig(), nil)
	mtm := tier.NewMTM(storage.NewMemStore(), tier.DefaultMTMConfig(), nil)
	ltm := tier.NewLTM(storage.NewMemStore(), tier.DefaultLTMConfig(), nil)
	for _, tr := range []tier.Tier{stm, mtm, ltm} {
		require.NoError(t, tr.Initialize(ctx))
	}

	consol := &movingConsolidator{tiers: map[memory.Tier]tier.Tier{
		memory.TierSTM: stm, memory.TierMTM: mtm, memory.TierLTM: ltm,
	}}
	sink := &eventCapture{}
	pub := events.NewPublisher(sink, events.Config{}, nil)

	return &fixture{
		orch:   NewOrchestrator(cfg, stm, mtm, ltm, consol, pub, nil, opts...),
		stm:    stm,
		mtm:    mtm,
		ltm:    ltm,
		consol: consol,
		sink:   sink,
	}
}

func seedTierItem(t *testing.T, tr tier.Tier, importance float64, access int) string {
	t.Helper()
	item := memory.NewItem("seeded", tr.Name())
	item.Metadata.Importance = importance
	item.Metadata.AccessCount = access
	id, err := tr.StoreItem(context.Background(), item)
	require.NoError(t, err)
	return id
}

func TestPromotionPriority(t *testing.T) {
	score := func(importance float64, access int) float64 {
		item := memory.NewItem("x", memory.TierSTM)
		item.Metadata.Importance = importance
		item.Metadata.AccessCount = access
		return PromotionPriority(item)
	}

	assert.InDelta(t, 0.40, score(0.8, 0), 1e-9)
	assert.InDelta(t, 0.60, score(0.8, 5), 1e-9)
	assert.InDelta(t, 0.80, score(0.8, 10), 1e-9)
	assert.InDelta(t, 0.80, score(0.8, 50), 1e-9, "access contribution saturates at ten")
	assert.InDelta(t, 1.00, score(1.0, 10), 1e-9)
}

func TestRunCyclePromotesQualifyingCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	promoted := seedTierItem(t, f.stm, 0.8, 6)
	seedTierItem(t, f.stm, 0.8, 5)  // access at the bound: excluded
	seedTierItem(t, f.stm, 0.7, 10) // importance at the bound: excluded
	seedTierItem(t, f.stm, 0.9, 0)  // never accessed: excluded

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, rep.Status)
	assert.Equal(t, 1, rep.Consolidation.STMToMTM)
	assert.Equal(t, 1, rep.Consolidation.Total)

	ok, err := f.mtm.Exists(ctx, promoted)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.stm.Exists(ctx, promoted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunCyclePromotesMTMCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	id := seedTierItem(t, f.mtm, 0.7, 4)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Consolidation.MTMToLTM)

	ok, err := f.ltm.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunCycleThresholdFiltersByPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	// Importance 0.71, access 6: clears the candidate bounds but priority
	// 0.71*(0.5+0.3)=0.568 sits below the 0.6 promotion threshold.
	seedTierItem(t, f.stm, 0.71, 6)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	assert.Zero(t, rep.Consolidation.STMToMTM)
}

func TestRunCycleCircuitOpenHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	candidate := seedTierItem(t, f.stm, 0.9, 9)
	f.orch.ForceFailures(3)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitOpen, rep.Status)
	assert.True(t, rep.Consolidation.CircuitOpen)
	assert.Zero(t, rep.Consolidation.Total)
	assert.Empty(t, f.consol.moved)

	ok, err := f.stm.Exists(ctx, candidate)
	require.NoError(t, err)
	assert.True(t, ok, "candidate must be untouched when the breaker is open")
}

func TestRunCycleBacklogOpensBreaker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Breaker: BreakerConfig{BacklogThreshold: 2}})

	seedTierItem(t, f.stm, 0.9, 9)
	seedTierItem(t, f.stm, 0.9, 9)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitOpen, rep.Status)
	assert.Equal(t, "short-term backlog", rep.Consolidation.SkipDetails["reason"])
}

type fixedCapacity struct {
	batch     int
	threshold float64
}

func (f fixedCapacity) AdjustBatchSize(string, int) int { return f.batch }
func (f fixedCapacity) AdjustThreshold(float64) float64 { return f.threshold }

func TestRunCycleCapacityAdapterCapsBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, WithCapacityAdapter(fixedCapacity{batch: 1, threshold: 0.6}))

	best := seedTierItem(t, f.stm, 0.95, 10)
	seedTierItem(t, f.stm, 0.8, 10)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Consolidation.STMToMTM)
	assert.Equal(t, []string{best}, f.consol.moved, "highest priority moves first")
}

func TestRunCycleBreakerWinsOverCapacityAdapter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, WithCapacityAdapter(fixedCapacity{batch: 100, threshold: 0}))

	seedTierItem(t, f.stm, 0.9, 9)
	f.orch.ForceFailures(3)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitOpen, rep.Status)
	assert.Empty(t, f.consol.moved)
}

func TestRunCycleAdmitsProbeAfterCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: 50 * time.Millisecond},
	})
	f.consol.fail = errors.New("target down")

	candidate := seedTierItem(t, f.stm, 0.9, 9)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, StatusError, rep.Status)

	// Cycles triggered inside the cooldown are skipped, and the skips must
	// not push the cooldown expiry out.
	rep, err = f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, StatusCircuitOpen, rep.Status)

	time.Sleep(60 * time.Millisecond)
	f.consol.fail = nil

	rep, err = f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, rep.Status, "probe cycle admitted after the cooldown")
	assert.Equal(t, []string{candidate}, f.consol.moved)
	assert.Zero(t, f.orch.Telemetry().ConsecutiveFailures, "probe success closes the breaker")
}

func TestRunCycleConsolidationFailureIsCollected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.consol.fail = errors.New("target write refused")

	seedTierItem(t, f.stm, 0.9, 9)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err, "step failures never abort the cycle")
	assert.Equal(t, StatusError, rep.Status)
	assert.NotEmpty(t, rep.Errors)
	assert.Zero(t, rep.Consolidation.STMToMTM)

	snap := f.orch.Telemetry()
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.Less(t, f.orch.NextDelay(), DefaultConfig().Interval, "failures shrink the next delay")
}

func TestRunCycleRejectsConcurrentCycles(t *testing.T) {
	f := newFixture(t, Config{})

	f.orch.mu.Lock()
	_, err := f.orch.RunCycle(context.Background(), "test")
	f.orch.mu.Unlock()

	require.ErrorIs(t, err, memory.ErrCycleInProgress)
}

func TestRunCycleEmitsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	seedTierItem(t, f.stm, 0.9, 9)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	require.NotEmpty(t, rep.CycleID)

	types := f.sink.types()
	assert.Contains(t, types, events.TypeCycleStarted)
	assert.Contains(t, types, events.TypeCycleCompleted)
	assert.Contains(t, types, events.TypeConsolidationOutcome)
}

func TestRunCycleRunsMaintenanceCleanupAndDecay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)

	assert.Equal(t, "ok", rep.Tiers["ltm"])
	assert.Contains(t, rep.Cleanup, "stm")
	assert.Contains(t, rep.Cleanup, "mtm")
	assert.Contains(t, rep.Cleanup, "ltm")
	assert.Contains(t, rep.Decay, "mtm")
	assert.Contains(t, rep.Decay, "ltm")
	assert.NotContains(t, rep.Decay, "stm", "the short-term tier expires instead of decaying")
}

type staticAnalyzer struct{ out map[string]any }

func (s staticAnalyzer) AnalyzeQuality(context.Context) (map[string]any, error) { return s.out, nil }
func (s staticAnalyzer) DetectDrift(context.Context) (map[string]any, error)    { return s.out, nil }

func TestRunCycleQualityAndDriftHooks(t *testing.T) {
	ctx := context.Background()
	out := map[string]any{"drift_detected": true, "magnitude": 0.4}
	f := newFixture(t, Config{},
		WithQualityAnalyzer(staticAnalyzer{out: map[string]any{"score": 0.9}}),
		WithDriftDetector(staticAnalyzer{out: out}),
	)

	rep, err := f.orch.RunCycle(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 0.9, rep.Quality["score"])
	assert.Equal(t, true, rep.Drift["drift_detected"])
	assert.Contains(t, f.sink.types(), events.TypeEmbeddingDrift)
}

func TestTelemetryRecordsOutcomes(t *testing.T) {
	tel := NewTelemetry()

	ok := newReport("c1", "test")
	ok.finish(false)
	tel.RecordCycle(ok)

	failed := newReport("c2", "test")
	failed.addError("step", errors.New("boom"))
	failed.finish(false)
	tel.RecordCycle(failed)
	tel.RecordCycle(failed)

	snap := tel.Snapshot()
	assert.Equal(t, 3, snap.CyclesRun)
	assert.Equal(t, 1, snap.CyclesSucceeded)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, 2, snap.TotalFailures)
	assert.Equal(t, StatusError, snap.LastStatus)

	// Success resets the streak.
	tel.RecordCycle(ok)
	assert.Zero(t, tel.Snapshot().ConsecutiveFailures)
}

func TestTelemetrySkippedCycleKeepsFailureAnchor(t *testing.T) {
	tel := NewTelemetry()

	failed := newReport("c1", "test")
	failed.addError("step", errors.New("boom"))
	failed.finish(false)
	tel.RecordCycle(failed)
	anchor := tel.Snapshot().LastFailureAt
	require.False(t, anchor.IsZero())

	skipped := newReport("c2", "test")
	skipped.Consolidation.CircuitOpen = true
	skipped.finish(true)
	tel.RecordCycle(skipped)

	snap := tel.Snapshot()
	assert.Equal(t, anchor, snap.LastFailureAt, "a skipped cycle is not a new failure")
	assert.Equal(t, skipped.CompletedAt, snap.LastCycleAt)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestSchedulerRunsAndStops(t *testing.T) {
	f := newFixture(t, Config{Interval: 20 * time.Millisecond, MinInterval: 10 * time.Millisecond})

	sched := NewScheduler(f.orch, nil)
	sched.Start(context.Background())

	require.Eventually(t, func() bool {
		return f.orch.Telemetry().CyclesRun >= 2
	}, 2*time.Second, 10*time.Millisecond)

	sched.Stop()
	ran := f.orch.Telemetry().CyclesRun

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, ran, f.orch.Telemetry().CyclesRun, "no cycles after stop")
}
