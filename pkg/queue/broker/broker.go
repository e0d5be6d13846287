// Package broker implements the work-queue abstraction spec.md §6 calls the
// "work queue": a task-name-keyed dispatch list plus a result backend
// exposing Celery's AsyncResult(id).state() contract, backed by Redis.
// Grounded on itsneelabh-gomind's orchestration/redis_task_queue.go for the
// LPush/BRPop list idiom, extended with a result hash since a Celery broker
// bundles both concerns behind one client.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// State is one of the Celery AsyncResult states spec.md §6 enumerates.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRevoked State = "REVOKED"
	StateRetry   State = "RETRY"
)

// Result is the terminal payload recorded for a task, mirroring what
// sync_running_job_statuses reads off a Celery AsyncResult: either a
// success payload or an error string.
type Result struct {
	State State          `json:"state"`
	Value map[string]any `json:"value,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Broker is the interface workers, the reconciler, and the scheduler depend
// on; RedisBroker is the only production implementation.
type Broker interface {
	// SendTask enqueues params under the given task name and returns a
	// broker-assigned task id the caller stores as the job's dispatch
	// handle.
	SendTask(ctx context.Context, name string, params map[string]any) (taskID string, err error)
	// AsyncResult reports the current state of a previously sent task.
	AsyncResult(ctx context.Context, taskID string) (State, Result, error)
	// MarkStarted, MarkSuccess, MarkFailure, and MarkRevoked are called by
	// the Runner (or, in tests, directly) to transition a task's recorded
	// state.
	MarkStarted(ctx context.Context, taskID string) error
	MarkSuccess(ctx context.Context, taskID string, value map[string]any) error
	MarkFailure(ctx context.Context, taskID string, errMsg string) error
	MarkRevoked(ctx context.Context, taskID string) error
}

const resultTTL = 24 * time.Hour

// RedisBroker is the Redis-backed Broker: one LPush/BRPop list per task
// name for dispatch, one `<namespace>:queue:result:<id>` key per task for
// state.
type RedisBroker struct {
	client    *redis.Client
	namespace string
}

// New wraps an existing Redis client under the given key namespace.
func New(client *redis.Client, namespace string) *RedisBroker {
	return &RedisBroker{client: client, namespace: namespace}
}

func (b *RedisBroker) listKey(name string) string {
	return fmt.Sprintf("%s:queue:list:%s", b.namespace, name)
}

func (b *RedisBroker) resultKey(taskID string) string {
	return fmt.Sprintf("%s:queue:result:%s", b.namespace, taskID)
}

type envelope struct {
	TaskID string         `json:"task_id"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// SendTask serializes {name, params} onto the task-name list and records
// an initial PENDING result entry before returning the new task id.
func (b *RedisBroker) SendTask(ctx context.Context, name string, params map[string]any) (string, error) {
	taskID := uuid.NewString()
	payload, err := json.Marshal(envelope{TaskID: taskID, Name: name, Params: params})
	if err != nil {
		return "", fmt.Errorf("broker: marshal task %q: %w", name, err)
	}
	if err := b.setResult(ctx, taskID, Result{State: StatePending}); err != nil {
		return "", err
	}
	if err := b.client.LPush(ctx, b.listKey(name), payload).Err(); err != nil {
		return "", fmt.Errorf("broker: send task %q: %w", name, err)
	}
	return taskID, nil
}

// Receive blocks (up to timeout) for the next task on name's list, used by
// Runner's poll loop. A timeout returns (nil, nil), matching BRPop's
// nil-on-timeout behaviour.
func (b *RedisBroker) Receive(ctx context.Context, name string, timeout time.Duration) (*Task, error) {
	res, err := b.client.BRPop(ctx, timeout, b.listKey(name)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: receive %q: %w", name, err)
	}
	// res[0] is the key name, res[1] is the payload.
	var env envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("broker: decode task %q: %w", name, err)
	}
	return &Task{ID: env.TaskID, Name: env.Name, Params: env.Params}, nil
}

// Task is one dequeued unit of work.
type Task struct {
	ID     string
	Name   string
	Params map[string]any
}

func (b *RedisBroker) setResult(ctx context.Context, taskID string, r Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("broker: marshal result: %w", err)
	}
	if err := b.client.Set(ctx, b.resultKey(taskID), payload, resultTTL).Err(); err != nil {
		return fmt.Errorf("broker: set result: %w", err)
	}
	return nil
}

// AsyncResult reads the recorded state for taskID. A missing key (expired
// or never dispatched) is reported as PENDING, matching Celery's behaviour
// for unknown task ids so callers never see a lookup error for that case.
func (b *RedisBroker) AsyncResult(ctx context.Context, taskID string) (State, Result, error) {
	raw, err := b.client.Get(ctx, b.resultKey(taskID)).Result()
	if err == redis.Nil {
		return StatePending, Result{State: StatePending}, nil
	}
	if err != nil {
		return "", Result{}, fmt.Errorf("broker: async result %q: %w", taskID, err)
	}
	var r Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return "", Result{}, fmt.Errorf("broker: decode result %q: %w", taskID, err)
	}
	return r.State, r, nil
}

func (b *RedisBroker) MarkStarted(ctx context.Context, taskID string) error {
	return b.setResult(ctx, taskID, Result{State: StateStarted})
}

func (b *RedisBroker) MarkSuccess(ctx context.Context, taskID string, value map[string]any) error {
	return b.setResult(ctx, taskID, Result{State: StateSuccess, Value: value})
}

func (b *RedisBroker) MarkFailure(ctx context.Context, taskID string, errMsg string) error {
	return b.setResult(ctx, taskID, Result{State: StateFailure, Error: errMsg})
}

func (b *RedisBroker) MarkRevoked(ctx context.Context, taskID string) error {
	return b.setResult(ctx, taskID, Result{State: StateRevoked})
}
