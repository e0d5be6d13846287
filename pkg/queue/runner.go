// Package queue hosts the in-process worker loop that stands in for a
// Celery worker process: it polls pkg/queue/broker for dispatched tasks and
// runs the registered Handler for each task name.
package queue

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/overmind-core/orchestrator/pkg/queue/broker"
)

// Handler executes one task's body and returns the value to record as the
// task's SUCCESS payload, or an error to record as FAILURE.
type Handler func(ctx context.Context, task broker.Task) (map[string]any, error)

// Runner owns one goroutine per registered task name, each polling its own
// broker list, mirroring pkg/queue/worker.go's per-worker poll loop
// generalized from "one session type" to "one task name".
type Runner struct {
	b            *broker.RedisBroker
	handlers     map[string]Handler
	pollInterval time.Duration
	pollJitter   time.Duration

	mu      sync.Mutex
	healthy map[string]time.Time

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewRunner builds a Runner over the given broker with the supplied
// task-name -> Handler dispatch table.
func NewRunner(b *broker.RedisBroker, handlers map[string]Handler) *Runner {
	return &Runner{
		b:            b,
		handlers:     handlers,
		pollInterval: 2 * time.Second,
		pollJitter:   500 * time.Millisecond,
		healthy:      make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// Start launches one poll loop per registered task name. It returns
// immediately; call Stop to shut down gracefully.
func (r *Runner) Start(ctx context.Context) {
	for name, handler := range r.handlers {
		r.wg.Add(1)
		go r.pollAndProcess(ctx, name, handler)
	}
}

// Stop signals every poll loop to exit and waits for in-flight handlers to
// finish, up to the given timeout.
func (r *Runner) Stop(timeout time.Duration) {
	close(r.stopCh)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("queue: runner stop timed out, handlers may still be running")
	}
}

func (r *Runner) pollAndProcess(ctx context.Context, name string, handler Handler) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		jitter := time.Duration(rand.Int63n(int64(r.pollJitter)))
		task, err := r.b.Receive(ctx, name, r.pollInterval+jitter)
		if err != nil {
			slog.Error("queue: receive failed", "task_name", name, "error", err)
			continue
		}
		if task == nil {
			r.touchHealth(name)
			continue
		}

		r.process(ctx, *task, handler)
		r.touchHealth(name)
	}
}

func (r *Runner) process(ctx context.Context, task broker.Task, handler Handler) {
	if err := r.b.MarkStarted(ctx, task.ID); err != nil {
		slog.Error("queue: mark started failed", "task_id", task.ID, "error", err)
	}

	value, err := handler(ctx, task)
	if err != nil {
		slog.Error("queue: handler failed", "task_name", task.Name, "task_id", task.ID, "error", err)
		if markErr := r.b.MarkFailure(ctx, task.ID, err.Error()); markErr != nil {
			slog.Error("queue: mark failure failed", "task_id", task.ID, "error", markErr)
		}
		return
	}
	if err := r.b.MarkSuccess(ctx, task.ID, value); err != nil {
		slog.Error("queue: mark success failed", "task_id", task.ID, "error", err)
	}
}

func (r *Runner) touchHealth(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy[name] = time.Now()
}

// Health reports the last time each task-name loop completed a poll cycle,
// mirroring pkg/queue/pool.go's Health() aggregation.
func (r *Runner) Health() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.healthy))
	for k, v := range r.healthy {
		out[k] = v
	}
	return out
}

// RegisteredTaskNames returns the task names this Runner polls, useful for
// startup logging.
func (r *Runner) RegisteredTaskNames() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
