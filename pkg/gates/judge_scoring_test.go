package gates_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overmind-core/orchestrator/pkg/config"
	"github.com/overmind-core/orchestrator/pkg/gates"
	"github.com/overmind-core/orchestrator/test/testutil"
)

func TestJudgeScoring_RequiresPromptSlug(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")

	cfg := config.DefaultThresholdConfig()
	_, err := gates.JudgeScoring(ctx, db, gates.Scope{ProjectID: proj.ID}, cfg)
	require.Error(t, err)
}

func TestJudgeScoring_NoCriteria(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	p, err := db.Prompt.Create().
		SetID("proj-1_1_greeter").
		SetProjectID(proj.ID).
		SetSlug("greeter").
		SetVersion(1).
		SetContent("hi").
		SetContentHash("h1").
		Save(ctx)
	require.NoError(t, err)
	_ = p

	cfg := config.DefaultThresholdConfig()
	res, err := gates.JudgeScoring(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg)
	require.NoError(t, err)
	require.False(t, res.Eligible)
	require.Contains(t, res.Reason, "evaluation_criteria")
}

func TestJudgeScoring_Eligible(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	prompt := createPrompt(t, db, proj.ID, "greeter", 1)

	cfg := config.DefaultThresholdConfig()
	for i := 0; i < cfg.MinScoredSpansForScoring; i++ {
		createSpan(t, db, proj.ID, &prompt.ID, usableInput())
	}

	res, err := gates.JudgeScoring(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg)
	require.NoError(t, err)
	require.True(t, res.Eligible)
}

func TestJudgeScoring_InsufficientUnscoredSpans(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	prompt := createPrompt(t, db, proj.ID, "greeter", 1)

	cfg := config.DefaultThresholdConfig()
	for i := 0; i < cfg.MinScoredSpansForScoring-1; i++ {
		createSpan(t, db, proj.ID, &prompt.ID, usableInput())
	}

	res, err := gates.JudgeScoring(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg)
	require.NoError(t, err)
	require.False(t, res.Eligible)
}

func TestJudgeScoring_AlreadyScoredSpansDontCount(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	prompt := createPrompt(t, db, proj.ID, "greeter", 1)

	cfg := config.DefaultThresholdConfig()
	for i := 0; i < cfg.MinScoredSpansForScoring; i++ {
		createScoredSpan(t, db, proj.ID, &prompt.ID, 0.9)
	}

	res, err := gates.JudgeScoring(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg)
	require.NoError(t, err)
	require.False(t, res.Eligible)
}
