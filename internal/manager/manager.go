// Package manager is the façade over the tiered memory system: it owns the
// three tiers and their backends, routes operations to the right tier, moves
// memories between tiers, and runs the maintenance loop.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/events"
	"github.com/engramlabs/engram/internal/maintenance"
	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/tier"
)

// Manager wires backends, tiers, events, and maintenance together. All
// public entry points (HTTP server, CLI) go through it.
type Manager struct {
	cfg *config.Config
	log *logrus.Logger

	stm *tier.STM
	mtm *tier.MTM
	ltm *tier.LTM

	publisher *events.Publisher
	orch      *maintenance.Orchestrator
	sched     *maintenance.Scheduler
	registry  *prometheus.Registry

	initialized atomic.Bool
}

// New builds the manager from configuration. Backends are connected here;
// tiers are not usable until Initialize.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.New()
	}

	stmBackend, err := buildBackend(ctx, cfg.STM)
	if err != nil {
		return nil, fmt.Errorf("build stm backend: %w", err)
	}
	mtmBackend, err := buildBackend(ctx, cfg.MTM)
	if err != nil {
		return nil, fmt.Errorf("build mtm backend: %w", err)
	}
	ltmBackend, err := buildBackend(ctx, cfg.LTM)
	if err != nil {
		return nil, fmt.Errorf("build ltm backend: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		log:      log,
		stm:      tier.NewSTM(stmBackend, stmConfig(cfg.Tuning.STM), log),
		mtm:      tier.NewMTM(mtmBackend, mtmConfig(cfg.Tuning.MTM), log),
		ltm:      tier.NewLTM(ltmBackend, ltmConfig(cfg.Tuning.LTM), log),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.publisher = events.NewPublisher(events.LogSink(log), events.Config{
		DedupTTL:   cfg.Events.DedupTTL,
		MaxEntries: cfg.Events.MaxEntries,
	}, log)

	m.orch = maintenance.NewOrchestrator(maintenance.Config{
		Interval:            cfg.Maintenance.Interval,
		MinInterval:         cfg.Maintenance.MinInterval,
		STMBatchSize:        cfg.Maintenance.STMBatchSize,
		MTMBatchSize:        cfg.Maintenance.MTMBatchSize,
		CandidateImportance: cfg.Maintenance.CandidateImportance,
		CandidateAccess:     cfg.Maintenance.CandidateAccess,
		PromotionThreshold:  cfg.Maintenance.PromotionThreshold,
		Breaker: maintenance.BreakerConfig{
			FailureThreshold: cfg.Maintenance.FailureThreshold,
			Cooldown:         cfg.Maintenance.Cooldown,
			BacklogThreshold: cfg.Maintenance.BacklogThreshold,
		},
	}, m.stm, m.mtm, m.ltm, m, m.publisher, log,
		maintenance.WithTelemetrySink(maintenance.NewPrometheusSink(m.registry)),
	)
	m.sched = maintenance.NewScheduler(m.orch, log)
	return m, nil
}

// stmConfig, mtmConfig, and ltmConfig layer configured tuning over the tier
// defaults; unset keys keep the defaults.
func stmConfig(t config.STMTuning) tier.STMConfig {
	c := tier.DefaultSTMConfig()
	if t.MaxItems > 0 {
		c.MaxItems = t.MaxItems
	}
	if t.MaxAge > 0 {
		c.MaxAge = t.MaxAge
	}
	return c
}

func mtmConfig(t config.MTMTuning) tier.MTMConfig {
	c := tier.DefaultMTMConfig()
	if t.DecayRate > 0 {
		c.Decay.Rate = t.DecayRate
	}
	if t.DecayFloor > 0 {
		c.Decay.Floor = t.DecayFloor
	}
	return c
}

func ltmConfig(t config.LTMTuning) tier.LTMConfig {
	c := tier.DefaultLTMConfig()
	if t.DecayRate > 0 {
		c.Decay.Rate = t.DecayRate
	}
	if t.DecayFloor > 0 {
		c.Decay.Floor = t.DecayFloor
	}
	if t.ImportanceWeight+t.RecencyWeight+t.ConnectivityWeight > 0 {
		c.Weights = tier.StrengthWeights{
			Importance:   t.ImportanceWeight,
			Recency:      t.RecencyWeight,
			Connectivity: t.ConnectivityWeight,
		}
	}
	if len(t.RelationshipTypes) > 0 {
		c.RelationshipTypes = t.RelationshipTypes
	}
	return c
}

func buildBackend(ctx context.Context, cfg config.BackendConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemStore(), nil
	case "vector":
		return storage.NewVectorStore(), nil
	case "sqlite":
		if cfg.Path == ":memory:" {
			return storage.OpenSQLiteMemory()
		}
		return storage.OpenSQLite(cfg.Path)
	case "redis":
		return storage.NewRedisStore(ctx, storage.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
			TTL:       cfg.RedisTTL,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Initialize brings up all three tiers and, when enabled, starts the
// maintenance scheduler. Any tier failure aborts startup.
func (m *Manager) Initialize(ctx context.Context) error {
	for _, t := range m.allTiers() {
		if err := t.Initialize(ctx); err != nil {
			return &memory.TierInitializationError{Tier: t.Name(), Err: err}
		}
	}
	m.initialized.Store(true)
	if m.cfg.Maintenance.Enabled {
		m.sched.Start(ctx)
	}
	m.log.Info("memory manager initialized")
	return nil
}

// Shutdown stops the scheduler, waits for any in-flight cycle, and shuts
// the tiers down. Tier shutdown failures are collected, not short-circuited.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.initialized.Swap(false) {
		return nil
	}
	if m.cfg.Maintenance.Enabled {
		m.sched.Stop()
	}
	var firstErr error
	for _, t := range m.allTiers() {
		if err := t.Shutdown(ctx); err != nil {
			m.log.WithError(err).WithField("tier", string(t.Name())).Error("tier shutdown failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.log.Info("memory manager shut down")
	return firstErr
}

func (m *Manager) allTiers() []tier.Tier {
	return []tier.Tier{m.stm, m.mtm, m.ltm}
}

func (m *Manager) tierByName(name memory.Tier) (tier.Tier, error) {
	switch name {
	case memory.TierSTM:
		return m.stm, nil
	case memory.TierMTM:
		return m.mtm, nil
	case memory.TierLTM:
		return m.ltm, nil
	default:
		return nil, fmt.Errorf("unknown tier %q", name)
	}
}

// LTM exposes the long-term tier for relationship, category, and snapshot
// operations that only exist there.
func (m *Manager) LTM() *tier.LTM { return m.ltm }

// Registry is the metrics registry the HTTP server exposes.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// AddMemory stores new content. An empty tier name defaults to short-term,
// where every memory starts unless the caller knows better.
func (m *Manager) AddMemory(ctx context.Context, content string, tierName memory.Tier, importance float64, tags map[string]any) (*memory.Item, error) {
	if tierName == "" {
		tierName = memory.TierSTM
	}
	t, err := m.tierByName(tierName)
	if err != nil {
		return nil, err
	}
	item := memory.NewItem(content, tierName)
	item.Metadata.Importance = memory.Clamp01(importance)
	for k, v := range tags {
		item.Metadata.Tags[k] = v
	}
	if _, err := t.StoreItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// RetrieveMemory fetches a memory and records the access. With an empty
// tier name the tiers are searched in promotion order.
func (m *Manager) RetrieveMemory(ctx context.Context, id string, tierName memory.Tier) (*memory.Item, error) {
	if tierName != "" {
		t, err := m.tierByName(tierName)
		if err != nil {
			return nil, err
		}
		return t.Access(ctx, id)
	}
	for _, t := range m.allTiers() {
		ok, err := t.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return t.Access(ctx, id)
		}
	}
	return nil, &memory.ItemNotFoundError{ID: id}
}

// UpdateMemory applies a partial update in the given tier (defaulting to a
// cross-tier lookup).
func (m *Manager) UpdateMemory(ctx context.Context, id string, tierName memory.Tier, upd tier.ItemUpdate) error {
	t, err := m.locate(ctx, id, tierName)
	if err != nil {
		return err
	}
	return t.Update(ctx, id, upd)
}

// DeleteMemory removes a memory from the given tier (or wherever it lives).
func (m *Manager) DeleteMemory(ctx context.Context, id string, tierName memory.Tier) error {
	t, err := m.locate(ctx, id, tierName)
	if err != nil {
		return err
	}
	return t.Delete(ctx, id)
}

// DecayMemory weakens one memory by amount and returns its new strength.
func (m *Manager) DecayMemory(ctx context.Context, id string, tierName memory.Tier, amount float64) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("decay amount must be non-negative")
	}
	t, err := m.locate(ctx, id, tierName)
	if err != nil {
		return 0, err
	}
	return t.AdjustStrength(ctx, id, -amount)
}

func (m *Manager) locate(ctx context.Context, id string, tierName memory.Tier) (tier.Tier, error) {
	if tierName != "" {
		return m.tierByName(tierName)
	}
	for _, t := range m.allTiers() {
		ok, err := t.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, &memory.ItemNotFoundError{ID: id}
}

// ConsolidateMemory moves one memory from source to the next tier up. The
// target write happens first; only then is the source copy deleted, so a
// crash can duplicate a memory but never lose one. A failed source delete
// is reported as a ConsolidationStateError.
func (m *Manager) ConsolidateMemory(ctx context.Context, id string, source, target memory.Tier) error {
	next, ok := source.Next()
	if !ok || next != target {
		return fmt.Errorf("invalid consolidation %s -> %s", source, target)
	}
	src, err := m.tierByName(source)
	if err != nil {
		return err
	}
	dst, err := m.tierByName(target)
	if err != nil {
		return err
	}

	item, err := src.Retrieve(ctx, id)
	if err != nil {
		return err
	}

	moved := item.Clone()
	// Normalize first: items round-tripped through a JSON-backed store come
	// back with a nil tags map.
	moved.Normalize(target)
	moved.Metadata.Tags["consolidated"] = true
	moved.Metadata.Tags["consolidation_timestamp"] = time.Now().UTC().Format(time.RFC3339)

	// The ID survives the move unless the target already holds it.
	exists, err := dst.Exists(ctx, moved.ID)
	if err != nil {
		return err
	}
	if exists {
		moved.ID = ulid.Make().String()
	}
	if _, err := dst.StoreItem(ctx, moved); err != nil {
		return fmt.Errorf("consolidate %s: store in %s: %w", id, target, err)
	}

	if err := src.Delete(ctx, id); err != nil {
		return &memory.ConsolidationStateError{ID: id, Source: source, Target: target, Err: err}
	}
	return nil
}

// SearchMemories searches the requested tiers (default: all) and merges the
// results, strongest importance first.
func (m *Manager) SearchMemories(ctx context.Context, req tier.SearchRequest, tiers []memory.Tier) ([]*memory.Item, int, error) {
	if len(tiers) == 0 {
		tiers = memory.Tiers
	}
	var merged []*memory.Item
	total := 0
	for _, name := range tiers {
		t, err := m.tierByName(name)
		if err != nil {
			return nil, 0, err
		}
		res, err := t.Search(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		merged = append(merged, res.Items...)
		total += res.Total
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Metadata.Importance != merged[j].Metadata.Importance {
			return merged[i].Metadata.Importance > merged[j].Metadata.Importance
		}
		return merged[i].ID < merged[j].ID
	})
	if req.Limit > 0 && len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}
	return merged, total, nil
}

// RunMaintenance triggers a cycle immediately. Returns
// memory.ErrCycleInProgress if one is already running.
func (m *Manager) RunMaintenance(ctx context.Context, triggeredBy string) (*maintenance.Report, error) {
	if triggeredBy == "" {
		triggeredBy = "manual"
	}
	return m.orch.RunCycle(ctx, triggeredBy)
}

// MaintenanceStatus reports the rolling maintenance telemetry.
func (m *Manager) MaintenanceStatus() maintenance.TelemetrySnapshot {
	return m.orch.Telemetry()
}

// Stats aggregates per-tier stats, event publisher counters, and
// maintenance telemetry.
func (m *Manager) Stats(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"events":      m.publisher.Stats(),
		"maintenance": m.orch.Telemetry(),
	}
	tiers := map[string]any{}
	for _, t := range m.allTiers() {
		s, err := t.Stats(ctx)
		if err != nil {
			return nil, err
		}
		tiers[string(t.Name())] = s
	}
	out["tiers"] = tiers
	return out, nil
}
