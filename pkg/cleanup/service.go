// Package cleanup implements spec.md §4.11's daily job-retention sweep,
// adapted from tarsy's own pkg/cleanup/service.go: same Start/Stop/ticker
// loop shape, re-scoped from tarsy's session+event soft-delete targets to
// this spec's terminal, system-triggered Job rows.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
)

// defaultRetentionWindow is spec.md §4.11's fixed age threshold: terminal
// system-triggered jobs younger than this are kept regardless of the
// midnight sweep having already run once today.
const defaultRetentionWindow = 24 * time.Hour

// Service runs the daily 00:00 UTC sweep that deletes terminal,
// system-triggered Job rows past the retention window. All operations are
// idempotent and safe to run from multiple processes.
type Service struct {
	db              *ent.Client
	retentionWindow time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds a Service bound to a single DB client, using spec.md
// §4.11's fixed 24h retention window.
func NewService(db *ent.Client) *Service {
	return &Service{db: db, retentionWindow: defaultRetentionWindow}
}

// Start launches the background sweep loop, firing once immediately at
// process start (mirroring tarsy's own "run once, then tick" shape) and
// thereafter at the next UTC midnight and every 24h after that.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started", "retention_window", s.retentionWindow)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	timer := time.NewTimer(untilNextMidnightUTC(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			s.sweep(ctx)
			timer.Reset(untilNextMidnightUTC(now))
		}
	}
}

// sweep implements spec.md §4.11: delete jobs in
// {completed, failed, cancelled} older than 24h AND triggered_by_user_id IS
// NULL. User-triggered jobs are never auto-deleted.
func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retentionWindow)
	n, err := s.db.Job.Delete().
		Where(
			job.StatusIn(job.StatusCompleted, job.StatusFailed, job.StatusCancelled),
			job.CreatedAtLT(cutoff),
			job.TriggeredByUserIDIsNil(),
		).
		Exec(ctx)
	if err != nil {
		slog.Error("cleanup: job sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("cleanup: deleted terminal system-triggered jobs", "count", n)
	}
}

// untilNextMidnightUTC returns the duration from now until the next UTC
// midnight strictly after now.
func untilNextMidnightUTC(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}
