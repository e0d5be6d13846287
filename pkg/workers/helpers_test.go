package workers_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/pkg/llmgateway"
	"github.com/overmind-core/orchestrator/pkg/models"
	"github.com/overmind-core/orchestrator/pkg/queue/broker"
)

func createProject(t *testing.T, db *ent.Client, id string) *ent.Project {
	t.Helper()
	p, err := db.Project.Create().SetID(id).SetName(id).Save(context.Background())
	require.NoError(t, err)
	return p
}

func createPrompt(t *testing.T, db *ent.Client, projectID, slug string, version int) *ent.Prompt {
	t.Helper()
	id := models.ComposePromptID(projectID, version, slug)
	p, err := db.Prompt.Create().
		SetID(id).
		SetProjectID(projectID).
		SetSlug(slug).
		SetVersion(version).
		SetContent("you are a helpful assistant, {var_0}").
		SetContentHash("hash-" + id).
		SetEvaluationCriteria(&ent.EvaluationCriteria{Correctness: []string{"answers the question accurately"}}).
		Save(context.Background())
	require.NoError(t, err)
	return p
}

func createSpan(t *testing.T, db *ent.Client, projectID string, promptID *string, input []map[string]any) *ent.Span {
	t.Helper()
	create := db.Span.Create().
		SetID(uuid.NewString()).
		SetTraceID(uuid.NewString()).
		SetProjectID(projectID).
		SetStartTimeUnixNano(time.Now().UnixNano()).
		SetEndTimeUnixNano(time.Now().UnixNano())
	if promptID != nil {
		create = create.SetPromptID(*promptID)
	}
	if input != nil {
		create = create.SetInput(input)
	}
	s, err := create.Save(context.Background())
	require.NoError(t, err)
	return s
}

func createScoredSpan(t *testing.T, db *ent.Client, projectID string, promptID *string, correctness float64) *ent.Span {
	t.Helper()
	create := db.Span.Create().
		SetID(uuid.NewString()).
		SetTraceID(uuid.NewString()).
		SetProjectID(projectID).
		SetStartTimeUnixNano(time.Now().UnixNano()).
		SetEndTimeUnixNano(time.Now().UnixNano()).
		SetInput([]map[string]any{{"role": "user", "content": "hi"}}).
		SetOutput(map[string]any{"content": "hello"}).
		SetFeedbackScore(&ent.FeedbackScore{Correctness: &correctness})
	if promptID != nil {
		create = create.SetPromptID(*promptID)
	}
	s, err := create.Save(context.Background())
	require.NoError(t, err)
	return s
}

func createJob(t *testing.T, db *ent.Client, projectID string, jobType job.JobType, promptSlug *string, status job.Status) *ent.Job {
	t.Helper()
	create := db.Job.Create().
		SetID(uuid.NewString()).
		SetJobType(jobType).
		SetProjectID(projectID).
		SetStatus(status)
	if promptSlug != nil {
		create = create.SetPromptSlug(*promptSlug)
	}
	j, err := create.Save(context.Background())
	require.NoError(t, err)
	return j
}

// fakeGateway is a deterministic llmgateway.Gateway stub: it returns a fixed
// correctness score for judge-shaped requests (those carrying a
// ResponseSchema) and a fixed text reply otherwise, counting calls so tests
// can assert on call volume without a real LLM sidecar.
type fakeGateway struct {
	score    float64
	text     string
	calls    int64
	callFunc func(ctx context.Context, req llmgateway.Request) (llmgateway.Response, error)
}

func (g *fakeGateway) Call(ctx context.Context, req llmgateway.Request) (llmgateway.Response, error) {
	atomic.AddInt64(&g.calls, 1)
	if g.callFunc != nil {
		return g.callFunc(ctx, req)
	}
	if req.ResponseSchema != nil {
		return llmgateway.Response{Content: fmt.Sprintf(`{"correctness": %v}`, g.score)}, nil
	}
	return llmgateway.Response{Content: g.text}, nil
}

func (g *fakeGateway) callCount() int64 { return atomic.LoadInt64(&g.calls) }

// fakeBroker records every SendTask call; no real queue backs it.
type fakeBroker struct {
	sent []string
}

func (b *fakeBroker) SendTask(ctx context.Context, name string, params map[string]any) (string, error) {
	b.sent = append(b.sent, name)
	return uuid.NewString(), nil
}

func (b *fakeBroker) AsyncResult(ctx context.Context, taskID string) (broker.State, broker.Result, error) {
	return broker.StateSuccess, broker.Result{State: broker.StateSuccess}, nil
}

func (b *fakeBroker) MarkStarted(ctx context.Context, taskID string) error { return nil }

func (b *fakeBroker) MarkSuccess(ctx context.Context, taskID string, value map[string]any) error {
	return nil
}

func (b *fakeBroker) MarkFailure(ctx context.Context, taskID string, reason string) error {
	return nil
}

func (b *fakeBroker) MarkRevoked(ctx context.Context, taskID string) error { return nil }
