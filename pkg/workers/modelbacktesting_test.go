package workers_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/backtestrun"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/pkg/llmgateway"
	"github.com/overmind-core/orchestrator/pkg/queue/broker"
	"github.com/overmind-core/orchestrator/pkg/workers"
	"github.com/overmind-core/orchestrator/test/testutil"
)

func createBaselineSpan(t *testing.T, db *ent.Client, projectID string, promptID *string, model string, correctness float64) *ent.Span {
	t.Helper()
	create := db.Span.Create().
		SetID(uuid.NewString()).
		SetTraceID(uuid.NewString()).
		SetProjectID(projectID).
		SetStartTimeUnixNano(time.Now().UnixNano()).
		SetEndTimeUnixNano(time.Now().UnixNano()).
		SetInput([]map[string]any{{"role": "user", "content": "hi"}}).
		SetOutput(map[string]any{"content": "hello"}).
		SetFeedbackScore(&ent.FeedbackScore{Correctness: &correctness}).
		SetMetadataAttributes(&ent.MetadataAttributes{Model: model})
	if promptID != nil {
		create = create.SetPromptID(*promptID)
	}
	s, err := create.Save(context.Background())
	require.NoError(t, err)
	return s
}

func TestModelBacktestingHandler_RecommendsSwitchWhenCandidateScoresHigher(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	p := createPrompt(t, db, proj.ID, "greeter", 1)

	for i := 0; i < 5; i++ {
		createBaselineSpan(t, db, proj.ID, &p.ID, "gpt-4o", 0.5)
	}

	slug := "greeter"
	j, err := db.Job.Create().
		SetID(uuid.NewString()).
		SetJobType(job.JobTypeModelBacktesting).
		SetProjectID(proj.ID).
		SetStatus(job.StatusPending).
		SetPromptSlug(slug).
		SetResult(&ent.JobResult{Parameters: map[string]any{
			"candidate_models": []any{"claude-sonnet-4-6"},
		}}).
		Save(ctx)
	require.NoError(t, err)

	gw := &fakeGateway{callFunc: func(ctx context.Context, req llmgateway.Request) (llmgateway.Response, error) {
		if req.ResponseSchema != nil {
			return llmgateway.Response{Content: `{"correctness": 0.95}`}, nil
		}
		return llmgateway.Response{Content: "a much better answer"}, nil
	}}
	h := &workers.ModelBacktestingHandler{DB: db, Gateway: gw}

	_, err = h.Handle(ctx, broker.Task{ID: "t1", Name: "model_backtesting", Params: map[string]any{"job_id": j.ID}})
	require.NoError(t, err)

	updated, err := db.Job.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Contains(t, []job.Status{job.StatusCompleted, job.StatusPartiallyCompleted}, updated.Status)
	require.NotNil(t, updated.Result)
	require.Equal(t, "switch_recommended", updated.Result.Output["verdict"])

	runs, err := db.BacktestRun.Query().Where(backtestrun.ProjectIDEQ(proj.ID)).All(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, backtestrun.StatusCompleted, runs[0].Status)

	suggestions, err := db.Suggestion.Query().All(ctx)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
}

func TestModelBacktestingHandler_NoEligibleSpansFailsRun(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	createPrompt(t, db, proj.ID, "greeter", 1)

	slug := "greeter"
	j := createJob(t, db, proj.ID, job.JobTypeModelBacktesting, &slug, job.StatusPending)

	gw := &fakeGateway{score: 0.5}
	h := &workers.ModelBacktestingHandler{DB: db, Gateway: gw}

	_, err := h.Handle(ctx, broker.Task{ID: "t1", Name: "model_backtesting", Params: map[string]any{"job_id": j.ID}})
	require.NoError(t, err)

	updated, err := db.Job.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, updated.Status)

	runs, err := db.BacktestRun.Query().Where(backtestrun.ProjectIDEQ(proj.ID)).All(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, backtestrun.StatusFailed, runs[0].Status)
}
