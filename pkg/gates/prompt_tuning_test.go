package gates_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overmind-core/orchestrator/pkg/clock"
	"github.com/overmind-core/orchestrator/pkg/config"
	"github.com/overmind-core/orchestrator/pkg/gates"
	"github.com/overmind-core/orchestrator/test/testutil"
)

func TestPromptTuning_NoRecentActivity(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	createPrompt(t, db, proj.ID, "greeter", 1)

	cfg := config.DefaultThresholdConfig()
	clk := clock.Fixed{At: time.Now()}
	res, err := gates.PromptTuning(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg, clk)
	require.NoError(t, err)
	require.False(t, res.Eligible)
	require.Contains(t, res.Reason, "activity window")
}

func TestPromptTuning_BelowThreshold(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	prompt := createPrompt(t, db, proj.ID, "greeter", 1)

	cfg := config.DefaultThresholdConfig()
	clk := clock.Fixed{At: time.Now()}
	for i := 0; i < 10; i++ {
		createScoredSpan(t, db, proj.ID, &prompt.ID, 0.8)
	}

	res, err := gates.PromptTuning(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg, clk)
	require.NoError(t, err)
	require.False(t, res.Eligible)
	require.Contains(t, res.Reason, "improvement threshold")
}

func TestPromptTuning_Eligible(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	prompt := createPrompt(t, db, proj.ID, "greeter", 1)

	cfg := config.DefaultThresholdConfig()
	clk := clock.Fixed{At: time.Now()}
	for i := 0; i < 50; i++ {
		createScoredSpan(t, db, proj.ID, &prompt.ID, 0.8)
	}

	res, err := gates.PromptTuning(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg, clk)
	require.NoError(t, err)
	require.True(t, res.Eligible)
}

func TestPromptTuning_LowAdoptionFractionAfterNewVersion(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	proj := createProject(t, db, "proj-1")
	promptV1 := createPrompt(t, db, proj.ID, "greeter", 1)

	// Most scored traffic is still against the old version: adoption of the
	// latest version is below MinAdoptionFraction even though the overall
	// scored count clears the next improvement threshold.
	for i := 0; i < 48; i++ {
		createScoredSpan(t, db, proj.ID, &promptV1.ID, 0.8)
	}
	promptV2 := createPrompt(t, db, proj.ID, "greeter", 2)
	for i := 0; i < 2; i++ {
		createScoredSpan(t, db, proj.ID, &promptV2.ID, 0.8)
	}

	cfg := config.DefaultThresholdConfig()
	clk := clock.Fixed{At: time.Now()}
	res, err := gates.PromptTuning(ctx, db, gates.Scope{ProjectID: proj.ID, PromptSlug: "greeter"}, cfg, clk)
	require.NoError(t, err)
	require.False(t, res.Eligible)
	require.Contains(t, res.Reason, "adoption")
}
