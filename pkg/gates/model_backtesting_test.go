package gates_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/pkg/clock"
	"github.com/overmind-core/orchestrator/pkg/config"
	"github.com/overmind-core/orchestrator/pkg/gates"
	"github.com/overmind-core/orchestrator/test/testutil"
)

func TestModelBacktesting_Eligible(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	prompt := createPrompt(t, db, proj.ID, "greeter", 1)

	cfg := config.DefaultThresholdConfig()
	clk := clock.Fixed{At: time.Now()}
	for i := 0; i < 50; i++ {
		createScoredSpan(t, db, proj.ID, &prompt.ID, 0.8)
	}

	res, err := gates.ModelBacktesting(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg, clk)
	require.NoError(t, err)
	require.True(t, res.Eligible)
}

func TestModelBacktesting_BelowMinScored(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	prompt := createPrompt(t, db, proj.ID, "greeter", 1)

	cfg := config.DefaultThresholdConfig()
	clk := clock.Fixed{At: time.Now()}
	for i := 0; i < cfg.MinScoredSpansForScoring-1; i++ {
		createScoredSpan(t, db, proj.ID, &prompt.ID, 0.8)
	}

	res, err := gates.ModelBacktesting(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg, clk)
	require.NoError(t, err)
	require.False(t, res.Eligible)
}

// TestModelBacktesting_ReRunGuardReadsLastCompletedJobParameters is a
// regression test: the re-run guard must read scored_count_at_creation back
// from this prompt's last completed model_backtesting Job, not
// Prompt.ImprovementMetadata (which model_backtesting never writes).
func TestModelBacktesting_ReRunGuardReadsLastCompletedJobParameters(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	prompt := createPrompt(t, db, proj.ID, "greeter", 1)

	cfg := config.DefaultThresholdConfig()
	clk := clock.Fixed{At: time.Now()}

	// A prior completed backtesting run already consumed the first 50
	// scored spans; the next threshold is 100 (ladder.NextImprovement(50)).
	_, err := db.Job.Create().
		SetID(uuid.NewString()).
		SetJobType(job.JobTypeModelBacktesting).
		SetProjectID(proj.ID).
		SetPromptSlug("greeter").
		SetStatus(job.StatusCompleted).
		SetResult(&ent.JobResult{Parameters: map[string]any{"scored_count_at_creation": 50}}).
		Save(ctx)
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		createScoredSpan(t, db, proj.ID, &prompt.ID, 0.8)
	}

	res, err := gates.ModelBacktesting(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg, clk)
	require.NoError(t, err)
	require.False(t, res.Eligible, "60 scored spans has not reached the next threshold of 100")

	for i := 0; i < 40; i++ {
		createScoredSpan(t, db, proj.ID, &prompt.ID, 0.8)
	}

	res, err = gates.ModelBacktesting(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg, clk)
	require.NoError(t, err)
	require.True(t, res.Eligible, "100 scored spans reaches the next threshold")
}

// TestModelBacktesting_IgnoresImprovementMetadata is a regression test for
// the cross-contamination bug: prompt_tuning bumping
// Prompt.ImprovementMetadata.LastImprovementSpanCount must not affect the
// model_backtesting threshold, since the two ladders are tracked
// independently (prompt_tuning's in ImprovementMetadata, model_backtesting's
// in its own Job history).
func TestModelBacktesting_IgnoresImprovementMetadata(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	prompt := createPrompt(t, db, proj.ID, "greeter", 1)

	_, err := db.Prompt.UpdateOne(prompt).
		SetImprovementMetadata(&ent.ImprovementMetadata{LastImprovementSpanCount: 1000}).
		Save(ctx)
	require.NoError(t, err)

	cfg := config.DefaultThresholdConfig()
	clk := clock.Fixed{At: time.Now()}
	for i := 0; i < 50; i++ {
		createScoredSpan(t, db, proj.ID, &prompt.ID, 0.8)
	}

	res, err := gates.ModelBacktesting(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg, clk)
	require.NoError(t, err)
	require.True(t, res.Eligible, "model_backtesting's own ladder (no prior job) still starts at threshold 50")
}
