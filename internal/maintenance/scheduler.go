package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramlabs/engram/internal/memory"
)

// Scheduler runs maintenance cycles on a timer. The delay between cycles is
// recomputed after every run, so failure streaks shorten the wait instead of
// lengthening it.
type Scheduler struct {
	orch *Orchestrator
	log  *logrus.Entry

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewScheduler builds a scheduler over the orchestrator. Start must be
// called to begin ticking.
func NewScheduler(orch *Orchestrator, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		orch: orch,
		log:  log.WithField("component", "scheduler"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the timer loop. Safe to call once; later calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
		s.log.WithField("interval", s.orch.NextDelay().String()).Info("maintenance scheduler started")
	})
}

// Stop signals the loop to exit and waits for it. An in-flight cycle is
// allowed to finish; no new cycle starts after Stop returns.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.orch.NextDelay())
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		rep, err := s.orch.RunCycle(ctx, "scheduler")
		switch {
		case errors.Is(err, memory.ErrCycleInProgress):
			// A manual trigger beat us to the lock; try again next tick.
			s.log.Debug("cycle already running, skipping tick")
		case err != nil:
			s.log.WithError(err).Error("scheduled cycle failed to run")
		default:
			s.log.WithFields(logrus.Fields{
				"cycle_id": rep.CycleID,
				"status":   string(rep.Status),
			}).Debug("scheduled cycle finished")
		}

		timer.Reset(s.orch.NextDelay())
	}
}
