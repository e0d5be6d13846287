package gates_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/pkg/models"
)

func createProject(t *testing.T, db *ent.Client, id string) *ent.Project {
	t.Helper()
	p, err := db.Project.Create().
		SetID(id).
		SetName(id).
		Save(context.Background())
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
		SetContent("you are a helpful assistant").
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

func usableInput() []map[string]any {
	return []map[string]any{
		{"role": "user", "content": "what is the weather today?"},
	}
}
