package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry is the rolling health record the circuit breaker and backoff
// calculation read from. One instance per orchestrator, updated at the end
// of every cycle.
type Telemetry struct {
	mu sync.Mutex

	cyclesRun           int
	cyclesSucceeded     int
	consecutiveFailures int
	totalFailures       int
	lastCycleAt         time.Time
	lastFailureAt       time.Time
	lastDuration        time.Duration
	lastStatus          Status
	lastError           string
}

// TelemetrySnapshot is an immutable copy of the telemetry state.
type TelemetrySnapshot struct {
	CyclesRun           int           `json:"cycles_run"`
	CyclesSucceeded     int           `json:"cycles_succeeded"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalFailures       int           `json:"total_failures"`
	LastCycleAt         time.Time     `json:"last_cycle_at"`
	LastFailureAt       time.Time     `json:"last_failure_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastStatus          Status        `json:"last_status"`
	LastError           string        `json:"last_error,omitempty"`
}

func NewTelemetry() *Telemetry { return &Telemetry{} }

// RecordCycle folds one finished cycle into the rolling record. A cycle
// counts as a failure only when it ended in StatusError; a breaker skip is
// neither success nor failure and leaves the failure streak untouched.
func (t *Telemetry) RecordCycle(rep *Report) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cyclesRun++
	t.lastCycleAt = rep.CompletedAt
	t.lastDuration = rep.CompletedAt.Sub(rep.StartedAt)
	t.lastStatus = rep.Status
	switch rep.Status {
	case StatusError:
		t.totalFailures++
		t.consecutiveFailures++
		t.lastFailureAt = rep.CompletedAt
		if len(rep.Errors) > 0 {
			t.lastError = rep.Errors[0]
		}
	case StatusOK:
		t.cyclesSucceeded++
		t.consecutiveFailures = 0
		t.lastError = ""
	}
}

func (t *Telemetry) Snapshot() TelemetrySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TelemetrySnapshot{
		CyclesRun:           t.cyclesRun,
		CyclesSucceeded:     t.cyclesSucceeded,
		ConsecutiveFailures: t.consecutiveFailures,
		TotalFailures:       t.totalFailures,
		LastCycleAt:         t.lastCycleAt,
		LastFailureAt:       t.lastFailureAt,
		LastDuration:        t.lastDuration,
		LastStatus:          t.lastStatus,
		LastError:           t.lastError,
	}
}

// forceFailures seeds the failure streak, used by tests and by operators
// forcing the breaker open.
func (t *Telemetry) forceFailures(n int) {
	t.mu.Lock()
	now := time.Now().UTC()
	t.consecutiveFailures = n
	t.lastCycleAt = now
	t.lastFailureAt = now
	t.mu.Unlock()
}

// TelemetrySink receives the finished report of every cycle. Sink failures
// are recorded in the report's errors, never raised.
type TelemetrySink interface {
	Record(ctx context.Context, rep *Report, snap TelemetrySnapshot) error
}

// TelemetrySinkFunc adapts a function to TelemetrySink.
type TelemetrySinkFunc func(ctx context.Context, rep *Report, snap TelemetrySnapshot) error

func (f TelemetrySinkFunc) Record(ctx context.Context, rep *Report, snap TelemetrySnapshot) error {
	return f(ctx, rep, snap)
}

// PrometheusSink exports cycle outcomes as Prometheus metrics.
type PrometheusSink struct {
	cycles        *prometheus.CounterVec
	consolidated  *prometheus.CounterVec
	cleanup       *prometheus.CounterVec
	duration      prometheus.Histogram
	failureStreak prometheus.Gauge
}

// NewPrometheusSink registers the maintenance metrics with reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "maintenance",
			Name:      "cycles_total",
			Help:      "Maintenance cycles by final status.",
		}, []string{"status"}),
		consolidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "maintenance",
			Name:      "consolidated_total",
			Help:      "Memories promoted between tiers.",
		}, []string{"transition"}),
		cleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "maintenance",
			Name:      "cleanup_total",
			Help:      "Items removed or archived by tier cleanup.",
		}, []string{"tier"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "engram",
			Subsystem: "maintenance",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a full maintenance cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		failureStreak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engram",
			Subsystem: "maintenance",
			Name:      "consecutive_failures",
			Help:      "Current run of failed cycles.",
		}),
	}
	reg.MustRegister(s.cycles, s.consolidated, s.cleanup, s.duration, s.failureStreak)
	return s
}

func (s *PrometheusSink) Record(_ context.Context, rep *Report, snap TelemetrySnapshot) error {
	s.cycles.WithLabelValues(string(rep.Status)).Inc()
	s.consolidated.WithLabelValues("stm_to_mtm").Add(float64(rep.Consolidation.STMToMTM))
	s.consolidated.WithLabelValues("mtm_to_ltm").Add(float64(rep.Consolidation.MTMToLTM))
	for tierName, n := range rep.Cleanup {
		s.cleanup.WithLabelValues(tierName).Add(float64(n))
	}
	s.duration.Observe(time.Since(rep.StartedAt).Seconds())
	s.failureStreak.Set(float64(snap.ConsecutiveFailures))
	return nil
}
