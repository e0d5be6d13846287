// Package scheduler runs the fixed-cadence ticks that discover eligible
// work and insert PENDING jobs, grounded on tarsy's pkg/cleanup/service.go
// single-ticker loop, generalized to N named ticks.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/pkg/config"
	"github.com/overmind-core/orchestrator/pkg/lock"
	"github.com/overmind-core/orchestrator/pkg/reconciler"
)

// Tick names. Stable strings: also used as lock names and as the tick's
// log/metric label.
const (
	TickAgentDiscovery    = "agent_discovery"
	TickAutoEvaluation    = "auto_evaluation"
	TickPromptImprovement = "prompt_improvement"
	TickModelBacktesting  = "model_backtesting"
	TickPeriodicReviews   = "periodic_reviews"
)

// safetyTimeout bounds how long a tick's lock is held before a crashed
// holder is presumed dead and the key is allowed to expire.
const safetyTimeout = 24 * time.Hour

// Scheduler owns one time.Ticker per named tick plus a reference to the
// reconciler it nudges after inserting PENDING work.
type Scheduler struct {
	db          *ent.Client
	locks       *lock.Service
	reconciler  *reconciler.Reconciler
	sched       *config.SchedulerConfig
	concurrency *config.ConcurrencyConfig
	thresholds  *config.ThresholdConfig

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler. The reconciler is nudged after each job insert and
// is also run directly on its own ticker by runReconcilerLoop.
func New(db *ent.Client, locks *lock.Service, rec *reconciler.Reconciler, sched *config.SchedulerConfig, concurrency *config.ConcurrencyConfig, thresholds *config.ThresholdConfig) *Scheduler {
	return &Scheduler{db: db, locks: locks, reconciler: rec, sched: sched, concurrency: concurrency, thresholds: thresholds}
}

// Start launches one goroutine per tick plus the job_reconciler ticker loop
// (runReconcilerLoop). Job cleanup is not scheduled here; pkg/cleanup runs
// its own timer.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	ticks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{TickAgentDiscovery, s.sched.AgentDiscoveryInterval, s.runAgentDiscovery},
		{TickAutoEvaluation, s.sched.AutoEvaluationInterval, s.runAutoEvaluation},
		{TickPromptImprovement, s.sched.PromptImprovementInterval, s.runPromptImprovement},
		{TickModelBacktesting, s.sched.ModelBacktestingInterval, s.runModelBacktesting},
		{TickPeriodicReviews, s.sched.PeriodicReviewsInterval, s.runPeriodicReviews},
	}

	for _, tick := range ticks {
		s.wg.Add(1)
		go s.runTickLoop(ctx, tick.name, tick.interval, tick.fn)
	}

	s.wg.Add(1)
	go s.runReconcilerLoop(ctx)

	go func() {
		s.wg.Wait()
		close(s.done)
	}()

	slog.Info("scheduler started", "ticks", len(ticks))
}

// Stop signals every tick loop to exit and waits for them to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("scheduler stopped")
}

func (s *Scheduler) runTickLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, name, fn)
		}
	}
}

// runOnce wraps the tick body in the named single-flight lock so a slow
// tick never overlaps its successor; a skipped tick is logged, not an error.
func (s *Scheduler) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	err := s.locks.WithLock(ctx, name, safetyTimeout, fn)
	if err == lock.ErrSkipped {
		slog.Debug("scheduler tick skipped, previous run still in flight", "tick", name)
		return
	}
	if err != nil {
		slog.Error("scheduler tick failed", "tick", name, "error", err)
	}
}

// runReconcilerLoop ticks the reconciler on its own cadence, independent of
// the nudge channel Reconciler.Nudge() also feeds.
func (s *Scheduler) runReconcilerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sched.JobReconcilerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reconciler.Run(ctx); err != nil {
				slog.Error("reconciler tick failed", "error", err)
			}
		}
	}
}
