// Package services implements the user-facing operations spec.md describes
// as endpoint contracts rather than worker or gate bodies: job creation
// with its cap/supersede rules (§4.4), suggestion accept/dismiss (§4.8),
// and the criteria-edit invalidation rule (§4.8/§4.9). Grounded on
// original_source/overmind/api/v1/endpoints/utils/jobs.py, the FastAPI
// layer's own service functions, adapted to ent transactions and the
// in-process Reconciler nudge instead of a separate Celery enqueue.
package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/pkg/config"
	"github.com/overmind-core/orchestrator/pkg/reconciler"
)

// ErrCapReached is returned when a user-triggered job create would exceed
// MAX_PENDING_JOBS_PER_PROMPT_AND_TYPE for the (project, slug, type) scope.
var ErrCapReached = fmt.Errorf("services: max pending/running jobs reached for this prompt and job type")

// JobService implements spec.md §4.4's per-prompt/type cap and
// user-triggered-supersede rules around Job creation.
type JobService struct {
	DB          *ent.Client
	Reconciler  *reconciler.Reconciler
	Concurrency *config.ConcurrencyConfig
}

// CreateUserJob implements the "creating a user-triggered job" path: cap
// enforcement, then superseding any PENDING system-triggered job of the
// same (project, slug, type), then inserting the new PENDING row and
// nudging the reconciler for fast dispatch.
func (s *JobService) CreateUserJob(ctx context.Context, jobType job.JobType, projectID string, promptSlug *string, userID string, parameters map[string]any) (*ent.Job, error) {
	if userID == "" {
		return nil, fmt.Errorf("services: CreateUserJob requires a user id")
	}

	count, err := s.countLiveJobs(ctx, jobType, projectID, promptSlug)
	if err != nil {
		return nil, err
	}
	if count >= s.Concurrency.MaxPendingJobsPerPromptAndType {
		return nil, ErrCapReached
	}

	if err := s.supersedePendingSystemJobs(ctx, jobType, projectID, promptSlug); err != nil {
		return nil, err
	}

	create := s.DB.Job.Create().
		SetID(uuid.NewString()).
		SetJobType(jobType).
		SetProjectID(projectID).
		SetStatus(job.StatusPending).
		SetTriggeredByUserID(userID)
	if promptSlug != nil {
		create = create.SetPromptSlug(*promptSlug)
	}
	if len(parameters) > 0 {
		create = create.SetResult(&ent.JobResult{Parameters: parameters})
	}

	j, err := create.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: create user job: %w", err)
	}

	s.Reconciler.Nudge()
	return j, nil
}

// CancelJob transitions a PENDING or RUNNING job to cancelled. A RUNNING
// job's broker task is left to finish; its eventual broker-state mapping in
// the reconciler will no-op against an already-terminal row.
func (s *JobService) CancelJob(ctx context.Context, jobID, reason string) error {
	j, err := s.DB.Job.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("services: load job: %w", err)
	}
	if j.Status != job.StatusPending && j.Status != job.StatusRunning {
		return nil
	}
	return s.DB.Job.UpdateOne(j).
		SetStatus(job.StatusCancelled).
		SetResult(&ent.JobResult{Error: reason}).
		Exec(ctx)
}

func (s *JobService) countLiveJobs(ctx context.Context, jobType job.JobType, projectID string, promptSlug *string) (int, error) {
	q := s.DB.Job.Query().
		Where(job.JobTypeEQ(jobType), job.ProjectIDEQ(projectID), job.StatusIn(job.StatusPending, job.StatusRunning))
	q = scopeBySlug(q, promptSlug)
	n, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("services: count live jobs: %w", err)
	}
	return n, nil
}

// supersedePendingSystemJobs implements spec.md §4.4's user-triggered
// supersede rule: a PENDING system-triggered job (triggered_by_user_id ==
// nil) of the same scope is cancelled to make room for the user's job. A
// RUNNING system job is left alone.
func (s *JobService) supersedePendingSystemJobs(ctx context.Context, jobType job.JobType, projectID string, promptSlug *string) error {
	q := s.DB.Job.Query().
		Where(job.JobTypeEQ(jobType), job.ProjectIDEQ(projectID), job.StatusEQ(job.StatusPending), job.TriggeredByUserIDIsNil())
	q = scopeBySlug(q, promptSlug)
	pending, err := q.All(ctx)
	if err != nil {
		return fmt.Errorf("services: query superseded jobs: %w", err)
	}
	for _, sysJob := range pending {
		if err := s.DB.Job.UpdateOne(sysJob).
			SetStatus(job.StatusCancelled).
			SetResult(&ent.JobResult{Error: "superseded by a user-triggered job"}).
			Exec(ctx); err != nil {
			return fmt.Errorf("services: cancel superseded job %s: %w", sysJob.ID, err)
		}
	}
	return nil
}

func scopeBySlug(q *ent.JobQuery, promptSlug *string) *ent.JobQuery {
	if promptSlug != nil {
		return q.Where(job.PromptSlugEQ(*promptSlug))
	}
	return q.Where(job.PromptSlugIsNil())
}
