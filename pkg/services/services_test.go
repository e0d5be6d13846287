package services_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/ent/prompt"
	"github.com/overmind-core/orchestrator/ent/suggestion"
	"github.com/overmind-core/orchestrator/pkg/config"
	"github.com/overmind-core/orchestrator/pkg/lock"
	"github.com/overmind-core/orchestrator/pkg/models"
	"github.com/overmind-core/orchestrator/pkg/queue/broker"
	"github.com/overmind-core/orchestrator/pkg/reconciler"
	"github.com/overmind-core/orchestrator/pkg/services"
	"github.com/overmind-core/orchestrator/test/testutil"
)

type noopBroker struct{}

func (noopBroker) SendTask(ctx context.Context, name string, params map[string]any) (string, error) {
	return uuid.NewString(), nil
}
func (noopBroker) AsyncResult(ctx context.Context, taskID string) (broker.State, broker.Result, error) {
	return broker.StateSuccess, broker.Result{State: broker.StateSuccess}, nil
}
func (noopBroker) MarkStarted(ctx context.Context, taskID string) error                      { return nil }
func (noopBroker) MarkSuccess(ctx context.Context, taskID string, value map[string]any) error { return nil }
func (noopBroker) MarkFailure(ctx context.Context, taskID string, reason string) error        { return nil }
func (noopBroker) MarkRevoked(ctx context.Context, taskID string) error                       { return nil }

func newJobService(t *testing.T, db *ent.Client) *services.JobService {
	t.Helper()
	locks := lock.New(testutil.SetupTestRedis(t))
	rec := reconciler.New(db, locks, noopBroker{})
	return &services.JobService{DB: db, Reconciler: rec, Concurrency: &config.ConcurrencyConfig{MaxPendingJobsPerPromptAndType: 2}}
}

func TestJobService_CreateUserJobSupersedesPendingSystemJob(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	_, err := db.Project.Create().SetID("proj-1").SetName("proj-1").Save(ctx)
	require.NoError(t, err)

	slug := "greeter"
	sysJob, err := db.Job.Create().
		SetID(uuid.NewString()).
		SetJobType(job.JobTypePromptTuning).
		SetProjectID("proj-1").
		SetPromptSlug(slug).
		SetStatus(job.StatusPending).
		Save(ctx)
	require.NoError(t, err)

	svc := newJobService(t, db)
	userJob, err := svc.CreateUserJob(ctx, job.JobTypePromptTuning, "proj-1", &slug, "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, "user-1", *userJob.TriggeredByUserID)

	updatedSysJob, err := db.Job.Get(ctx, sysJob.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, updatedSysJob.Status)
}

func TestJobService_CreateUserJobCapReached(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	_, err := db.Project.Create().SetID("proj-1").SetName("proj-1").Save(ctx)
	require.NoError(t, err)

	slug := "greeter"
	for i := 0; i < 2; i++ {
		_, err := db.Job.Create().
			SetID(uuid.NewString()).
			SetJobType(job.JobTypePromptTuning).
			SetProjectID("proj-1").
			SetPromptSlug(slug).
			SetStatus(job.StatusRunning).
			SetTriggeredByUserID("user-0").
			Save(ctx)
		require.NoError(t, err)
	}

	svc := newJobService(t, db)
	_, err = svc.CreateUserJob(ctx, job.JobTypePromptTuning, "proj-1", &slug, "user-1", nil)
	require.ErrorIs(t, err, services.ErrCapReached)
}

func TestSuggestionService_AcceptFlipsActiveVersion(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	_, err := db.Project.Create().SetID("proj-1").SetName("proj-1").Save(ctx)
	require.NoError(t, err)

	v1, err := db.Prompt.Create().
		SetID(models.ComposePromptID("proj-1", 1, "greeter")).
		SetProjectID("proj-1").SetSlug("greeter").SetVersion(1).
		SetContent("v1").SetContentHash("h1").SetIsActive(true).
		Save(ctx)
	require.NoError(t, err)
	v2, err := db.Prompt.Create().
		SetID(models.ComposePromptID("proj-1", 2, "greeter")).
		SetProjectID("proj-1").SetSlug("greeter").SetVersion(2).
		SetContent("v2").SetContentHash("h2").SetIsActive(false).
		Save(ctx)
	require.NoError(t, err)

	sg, err := db.Suggestion.Create().
		SetID(uuid.NewString()).
		SetProjectID("proj-1").
		SetPromptSlug("greeter").
		SetNewPromptText("v2").
		SetNewPromptVersion(v2.Version).
		Save(ctx)
	require.NoError(t, err)

	svc := &services.SuggestionService{DB: db}
	require.NoError(t, svc.Accept(ctx, sg.ID))

	updatedV1, err := db.Prompt.Get(ctx, v1.ID)
	require.NoError(t, err)
	require.False(t, updatedV1.IsActive)

	updatedV2, err := db.Prompt.Get(ctx, v2.ID)
	require.NoError(t, err)
	require.True(t, updatedV2.IsActive)

	updatedSg, err := db.Suggestion.Get(ctx, sg.ID)
	require.NoError(t, err)
	require.Equal(t, suggestion.StatusAccepted, updatedSg.Status)
}

func TestPromptService_UpdateEvaluationCriteriaRollsBackLadder(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDatabase(t)
	_, err := db.Project.Create().SetID("proj-1").SetName("proj-1").Save(ctx)
	require.NoError(t, err)

	p, err := db.Prompt.Create().
		SetID(models.ComposePromptID("proj-1", 1, "greeter")).
		SetProjectID("proj-1").SetSlug("greeter").SetVersion(1).
		SetContent("v1").SetContentHash("h1").
		SetImprovementMetadata(&ent.ImprovementMetadata{LastImprovementSpanCount: 100}).
		Save(ctx)
	require.NoError(t, err)
	_ = p

	svc := &services.PromptService{DB: db}
	updated, err := svc.UpdateEvaluationCriteria(ctx, "proj-1", "greeter", []string{"answers correctly"})
	require.NoError(t, err)
	require.Equal(t, 50, updated.ImprovementMetadata.LastImprovementSpanCount)
	require.True(t, updated.ImprovementMetadata.CriteriaInvalidated)

	// A second edit before any tuning run must not roll back twice.
	updatedAgain, err := svc.UpdateEvaluationCriteria(ctx, "proj-1", "greeter", []string{"answers correctly and concisely"})
	require.NoError(t, err)
	require.Equal(t, 50, updatedAgain.ImprovementMetadata.LastImprovementSpanCount)

	versions, err := db.Prompt.Query().Where(prompt.ProjectIDEQ("proj-1"), prompt.SlugEQ("greeter")).All(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
}
