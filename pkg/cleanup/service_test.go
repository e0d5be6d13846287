package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/test/testutil"
)

func TestService_SweepDeletesOldTerminalSystemJobs(t *testing.T) {
	db := testutil.SetupTestDatabase(t)
	ctx := context.Background()

	_, err := db.Project.Create().SetID("proj-1").SetName("proj-1").Save(ctx)
	require.NoError(t, err)

	j, err := db.Job.Create().
		SetID(uuid.NewString()).
		SetJobType(job.JobTypeAgentDiscovery).
		SetProjectID("proj-1").
		SetStatus(job.StatusCompleted).
		Save(ctx)
	require.NoError(t, err)

	// retentionWindow of 0 makes every already-created row "old enough".
	svc := &Service{db: db, retentionWindow: 0 * time.Second}
	svc.sweep(ctx)

	_, err = db.Job.Get(ctx, j.ID)
	require.Error(t, err)
}

func TestService_SweepPreservesUserTriggeredJobs(t *testing.T) {
	db := testutil.SetupTestDatabase(t)
	ctx := context.Background()

	_, err := db.Project.Create().SetID("proj-1").SetName("proj-1").Save(ctx)
	require.NoError(t, err)

	j, err := db.Job.Create().
		SetID(uuid.NewString()).
		SetJobType(job.JobTypeAgentDiscovery).
		SetProjectID("proj-1").
		SetStatus(job.StatusCompleted).
		SetTriggeredByUserID("user-1").
		Save(ctx)
	require.NoError(t, err)

	svc := &Service{db: db, retentionWindow: 0 * time.Second}
	svc.sweep(ctx)

	still, err := db.Job.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, j.ID, still.ID)
}

func TestService_SweepPreservesRecentAndNonTerminalJobs(t *testing.T) {
	db := testutil.SetupTestDatabase(t)
	ctx := context.Background()

	_, err := db.Project.Create().SetID("proj-1").SetName("proj-1").Save(ctx)
	require.NoError(t, err)

	pending, err := db.Job.Create().
		SetID(uuid.NewString()).
		SetJobType(job.JobTypeAgentDiscovery).
		SetProjectID("proj-1").
		SetStatus(job.StatusPending).
		Save(ctx)
	require.NoError(t, err)

	// A large window means nothing created moments ago counts as old.
	svc := &Service{db: db, retentionWindow: 24 * time.Hour}
	svc.sweep(ctx)

	still, err := db.Job.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, pending.ID, still.ID)
}

func TestUntilNextMidnightUTC(t *testing.T) {
	noon := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := untilNextMidnightUTC(noon)
	require.Equal(t, 12*time.Hour, d)

	justBeforeMidnight := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	d = untilNextMidnightUTC(justBeforeMidnight)
	require.Equal(t, time.Minute, d)
}
