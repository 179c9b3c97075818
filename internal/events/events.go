// Package events publishes structured, deduplicated events describing
// memory-system activity. Event IDs are deterministic fingerprints of the
// event content, so duplicate emission across retries is detectable both
// here (a local TTL window) and by downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Priority orders events for downstream consumers.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event types emitted by the memory system.
const (
	TypeCycleStarted         = "maintenance-cycle-started"
	TypeCycleCompleted       = "maintenance-cycle-completed"
	TypeConsolidationOutcome = "consolidation-outcome"
	TypeEmbeddingDrift       = "embedding-drift-detected"
)

// Event is the published unit. ID is the content fingerprint.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Priority  Priority       `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// Sink receives events that survive deduplication.
type Sink interface {
	Deliver(ctx context.Context, ev *Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev *Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev *Event) error { return f(ctx, ev) }

// Config bounds the local dedupe window.
type Config struct {
	DedupTTL   time.Duration
	MaxEntries int
}

// DefaultConfig returns the publisher defaults.
func DefaultConfig() Config {
	return Config{DedupTTL: 5 * time.Minute, MaxEntries: 4096}
}

// Publisher fingerprints events, suppresses duplicates within a TTL window,
// and forwards survivors to the sink. Publication is fire-and-forget for
// callers: delivery failures are returned for logging but must never fail
// the operation the event describes.
type Publisher struct {
	sink       Sink
	window     *gocache.Cache
	maxEntries int
	log        *logrus.Entry

	published  atomic.Int64
	suppressed atomic.Int64
}

// NewPublisher builds a publisher over the given sink. A nil sink drops
// events after fingerprinting, which still exercises the dedupe window.
func NewPublisher(sink Sink, cfg Config, log *logrus.Logger) *Publisher {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if log == nil {
		log = logrus.New()
	}
	return &Publisher{
		sink:       sink,
		window:     gocache.New(cfg.DedupTTL, cfg.DedupTTL),
		maxEntries: cfg.MaxEntries,
		log:        log.WithField("component", "events"),
	}
}

// Publish emits one event. Returns the fingerprint ID and whether the event
// was actually delivered (false means it was suppressed as a duplicate).
func (p *Publisher) Publish(ctx context.Context, evType string, priority Priority, metadata map[string]any) (string, bool, error) {
	id := Fingerprint(evType, priority, metadata)

	if _, dup := p.window.Get(id); dup {
		p.suppressed.Add(1)
		return id, false, nil
	}
	p.remember(id)

	ev := &Event{
		ID:        id,
		Type:      evType,
		Priority:  priority,
		Metadata:  metadata,
		EmittedAt: time.Now().UTC(),
	}
	p.published.Add(1)
	if p.sink == nil {
		return id, true, nil
	}
	if err := p.sink.Deliver(ctx, ev); err != nil {
		return id, true, fmt.Errorf("deliver event %s: %w", id, err)
	}
	return id, true, nil
}

// remember records a fingerprint, keeping the window under its entry cap.
// go-cache has no eviction policy, so at the cap we drop expired entries
// first and flush as a last resort; losing dedupe state only risks a
// duplicate delivery, which consumers can filter by ID.
func (p *Publisher) remember(id string) {
	if p.window.ItemCount() >= p.maxEntries {
		p.window.DeleteExpired()
		if p.window.ItemCount() >= p.maxEntries {
			p.log.Warn("dedupe window full, flushing")
			p.window.Flush()
		}
	}
	p.window.Set(id, true, gocache.DefaultExpiration)
}

// Stats reports publish/suppress totals and the live window size.
func (p *Publisher) Stats() map[string]any {
	return map[string]any{
		"published":  p.published.Load(),
		"suppressed": p.suppressed.Load(),
		"window":     p.window.ItemCount(),
	}
}

// Fingerprint derives the deterministic event ID from the event content.
// Metadata is canonicalized through JSON (map keys marshal sorted), so the
// same logical event always produces the same ID.
func Fingerprint(evType string, priority Priority, metadata map[string]any) string {
	payload, err := json.Marshal(metadata)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", metadata))
	}
	h := xxhash.New()
	h.WriteString(evType)
	h.WriteString("|")
	h.WriteString(string(priority))
	h.WriteString("|")
	h.Write(payload)
	return fmt.Sprintf("%016x", h.Sum64())
}

// LogSink writes events to the logger, the default sink when no external
// consumer is wired.
func LogSink(log *logrus.Logger) Sink {
	entry := log.WithField("component", "events")
	return SinkFunc(func(_ context.Context, ev *Event) error {
		entry.WithFields(logrus.Fields{
			"event_id": ev.ID,
			"type":     ev.Type,
			"priority": string(ev.Priority),
		}).Info("event published")
		return nil
	})
}
