// Package workers implements spec.md §4.5's shared worker contract and the
// four type-specific handler bodies (§4.6-§4.10), grounded on tarsy's
// pkg/queue/worker.go pollAndProcess lifecycle skeleton generalized from
// "claim one session" to "load one job, transition it, execute its body".
// Each exported handler here is registered with pkg/queue.Runner under the
// task names pkg/queue.TaskNameForJobType maps to; the Runner itself wraps
// every call with the broker STARTED/SUCCESS/FAILURE transitions, so these
// handlers only own the Job row's own status.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/pkg/llmgateway"
	"github.com/overmind-core/orchestrator/pkg/queue/broker"
)

// outcome is what a handler body reports back to the shared lifecycle
// wrapper: the terminal status plus the result payload to persist.
type outcome struct {
	Status job.Status
	Result *ent.JobResult
}

// completed/partiallyCompleted/failed/cancelledOutcome are small outcome
// constructors mirroring spec.md §4.5's partial-completion rule.
func completed(result *ent.JobResult) outcome {
	return outcome{Status: job.StatusCompleted, Result: result}
}

func partiallyCompleted(result *ent.JobResult) outcome {
	return outcome{Status: job.StatusPartiallyCompleted, Result: result}
}

func failed(reason string) outcome {
	return outcome{Status: job.StatusFailed, Result: &ent.JobResult{Error: reason}}
}

func cancelledOutcome(reason string) outcome {
	return outcome{Status: job.StatusCancelled, Result: &ent.JobResult{Error: reason}}
}

// classifyCounts implements spec.md §4.5's partial-completion rule:
// success_count == 0 -> failed; 0 < success < total -> partially_completed;
// success == total -> completed.
func classifyCounts(successCount, total int, result *ent.JobResult) outcome {
	switch {
	case total == 0 || successCount == 0:
		return failed("no items succeeded")
	case successCount < total:
		return partiallyCompleted(result)
	default:
		return completed(result)
	}
}

// body is the type-specific algorithm a handler runs once the job row has
// been flipped to running. It receives the loaded Job row and must not
// itself mutate the job's status; runLifecycle does that uniformly. A body
// may return a (nil, nil) outcome to signal "I already set my own terminal
// status"; none of this package's handlers currently does (prompt_tuning's
// identical-candidate short circuit returns a cancelled outcome instead).
type body func(ctx context.Context, db *ent.Client, j *ent.Job) (*outcome, error)

// runLifecycle implements spec.md §4.5's shared contract steps 2-6: load,
// transition to running (unless already running or cancelled), execute the
// body under a panic-safe wrapper, classify, and persist the terminal
// status. It returns the map queue.Handler hands back to the Runner as the
// task's SUCCESS payload; a non-nil error makes the Runner record FAILURE
// on the broker task even though the Job row already carries its own
// independent status.
func runLifecycle(ctx context.Context, db *ent.Client, task broker.Task, fn body) (map[string]any, error) {
	jobID, _ := task.Params["job_id"].(string)
	if jobID == "" {
		return nil, fmt.Errorf("workers: task %s missing job_id param", task.ID)
	}

	j, err := db.Job.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("workers: load job %s: %w", jobID, err)
	}

	if j.Status == job.StatusCancelled {
		return map[string]any{"job_id": jobID, "skipped": true}, nil
	}
	if j.Status != job.StatusRunning {
		j, err = db.Job.UpdateOne(j).SetStatus(job.StatusRunning).SetTaskID(task.ID).Save(ctx)
		if err != nil {
			return nil, fmt.Errorf("workers: flip job %s to running: %w", jobID, err)
		}
	}

	out, bodyErr := runBodySafely(ctx, db, j, fn)
	if out == nil {
		if bodyErr != nil {
			o := failed(bodyErr.Error())
			out = &o
		} else {
			// The body already persisted its own terminal status.
			return map[string]any{"job_id": jobID}, nil
		}
	}

	update := db.Job.UpdateOne(j).SetStatus(out.Status)
	if out.Result != nil {
		update = update.SetResult(out.Result)
	}
	if err := update.Exec(ctx); err != nil {
		slog.Error("workers: persist terminal status failed", "job_id", jobID, "error", err)
	}

	if bodyErr != nil {
		return nil, bodyErr
	}
	return map[string]any{"job_id": jobID, "status": string(out.Status)}, nil
}

// runBodySafely is the "finally" block from spec.md §4.5 step 5: it converts
// a panic into the safety-net failure outcome instead of crashing the Runner
// goroutine, and otherwise returns the body's own outcome and error as they
// are (the outcome may be nil).
func runBodySafely(ctx context.Context, db *ent.Client, j *ent.Job, fn body) (out *outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o := failed("cancelled or interrupted")
			out = &o
			err = fmt.Errorf("workers: panic in job %s body: %v", j.ID, r)
		}
	}()
	return fn(ctx, db, j)
}

// judgeResponse is the structured shape every judge call asks the LLM
// gateway to return, per spec.md §4.7 step 2.
type judgeResponse struct {
	Correctness float64 `json:"correctness"`
}

// callJudge submits one correctness-judging LLM call and clamps the result
// to [0,1], per spec.md §4.5's retry rule (handled inside the Gateway) and
// §4.7 step 3. Shared by judge_scoring's live spans and prompt_tuning's
// replay spans so both score with the same judge contract.
func callJudge(ctx context.Context, gw llmgateway.Gateway, systemPrompt string, criteria []string, input, output any) (float64, error) {
	req := llmgateway.Request{
		SystemPrompt: systemPrompt,
		Messages: []llmgateway.Message{{
			Role: "user",
			Content: fmt.Sprintf(
				"Criteria:\n%s\n\nInput:\n%v\n\nOutput:\n%v",
				strings.Join(criteria, "\n"), input, output,
			),
		}},
		ResponseSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"correctness": map[string]any{"type": "number"}},
			"required":   []string{"correctness"},
		},
	}
	resp, err := gw.Call(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("judge call failed: %w", err)
	}
	var parsed judgeResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return 0, fmt.Errorf("parse judge response: %w", err)
	}
	return clamp01(parsed.Correctness), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// boundedFanOut runs fn for each item with at most `limit` concurrent
// invocations, grounded on tarsy's pkg/agent/orchestrator/tool_executor.go
// goroutine-management style: a buffered channel of permits plus a
// WaitGroup rather than an unbounded goroutine-per-item loop.
func boundedFanOut[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) []error {
	if limit < 1 {
		limit = 1
	}
	permits := make(chan struct{}, limit)
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))

	for i, item := range items {
		i, item := i, item
		permits <- struct{}{}
		go func() {
			defer func() {
				<-permits
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic: %v", r)
				}
				wg.Done()
			}()
			errs[i] = fn(ctx, item)
		}()
	}
	wg.Wait()
	return errs
}
