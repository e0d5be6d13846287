package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/pkg/clock"
	"github.com/overmind-core/orchestrator/pkg/gates"
)

// runAgentDiscovery enumerates every project and inserts a PENDING
// agent_discovery job for each one the gate accepts.
func (s *Scheduler) runAgentDiscovery(ctx context.Context) error {
	projects, err := s.db.Project.Query().All(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list projects: %w", err)
	}
	for _, p := range projects {
		scope := gates.Scope{ProjectID: p.ID}
		res, err := gates.AgentDiscovery(ctx, s.db, scope)
		if s.logGateOutcome(TickAgentDiscovery, scope, res, err); err != nil || !res.Eligible {
			continue
		}
		if err := s.insertJob(ctx, job.JobTypeAgentDiscovery, p.ID, nil, res.Stats); err != nil {
			slog.Error("scheduler: insert agent_discovery job failed", "project_id", p.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) runAutoEvaluation(ctx context.Context) error {
	return s.forEachLatestPrompt(ctx, func(p *ent.Prompt) {
		scope := gates.Scope{ProjectID: p.ProjectID, PromptSlug: p.Slug}
		res, err := gates.JudgeScoring(ctx, s.db, scope, s.thresholds)
		if s.logGateOutcome(TickAutoEvaluation, scope, res, err); err != nil || !res.Eligible {
			return
		}
		if err := s.insertJob(ctx, job.JobTypeJudgeScoring, p.ProjectID, &p.Slug, res.Stats); err != nil {
			slog.Error("scheduler: insert judge_scoring job failed", "project_id", p.ProjectID, "slug", p.Slug, "error", err)
		}
	})
}

func (s *Scheduler) runPromptImprovement(ctx context.Context) error {
	clk := clock.Real{}
	return s.forEachLatestPrompt(ctx, func(p *ent.Prompt) {
		scope := gates.Scope{ProjectID: p.ProjectID, PromptSlug: p.Slug}
		res, err := gates.PromptTuning(ctx, s.db, scope, s.thresholds, clk)
		if s.logGateOutcome(TickPromptImprovement, scope, res, err); err != nil || !res.Eligible {
			return
		}
		if err := s.insertJob(ctx, job.JobTypePromptTuning, p.ProjectID, &p.Slug, res.Stats); err != nil {
			slog.Error("scheduler: insert prompt_tuning job failed", "project_id", p.ProjectID, "slug", p.Slug, "error", err)
		}
	})
}

func (s *Scheduler) runModelBacktesting(ctx context.Context) error {
	clk := clock.Real{}
	return s.forEachLatestPrompt(ctx, func(p *ent.Prompt) {
		scope := gates.Scope{ProjectID: p.ProjectID, PromptSlug: p.Slug}
		res, err := gates.ModelBacktesting(ctx, s.db, scope, s.thresholds, clk)
		if s.logGateOutcome(TickModelBacktesting, scope, res, err); err != nil || !res.Eligible {
			return
		}
		if err := s.insertJob(ctx, job.JobTypeModelBacktesting, p.ProjectID, &p.Slug, res.Stats); err != nil {
			slog.Error("scheduler: insert model_backtesting job failed", "project_id", p.ProjectID, "slug", p.Slug, "error", err)
		}
	})
}

// runPeriodicReviews is the periodic_reviews tick. It creates no Jobs and
// writes nothing: for each latest-version prompt that has an agent
// description whose initial review is not completed, it logs one debug
// line. It does not count spans and does not update
// agent_description.next_review_span_count or any other prompt field.
func (s *Scheduler) runPeriodicReviews(ctx context.Context) error {
	return s.forEachLatestPrompt(ctx, func(p *ent.Prompt) {
		if p.AgentDescription == nil || p.AgentDescription.InitialReviewCompleted {
			return
		}
		// Initial description generation is enqueued by the agent_discovery
		// worker; this tick only logs prompts whose initial review is still
		// pending, at debug level so an operator can see the tick evaluate
		// without creating noise.
		slog.Debug("periodic_reviews: prompt awaiting initial review", "project_id", p.ProjectID, "slug", p.Slug)
	})
}

// forEachLatestPrompt enumerates the latest version of every (project, slug)
// pair, grounded on the scheduler's "latest-version prompts per (project,
// slug)" candidate enumeration rule from spec.md §4.1.
func (s *Scheduler) forEachLatestPrompt(ctx context.Context, fn func(p *ent.Prompt)) error {
	all, err := s.db.Prompt.Query().All(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list prompts: %w", err)
	}
	latest := map[string]*ent.Prompt{}
	for _, p := range all {
		key := p.ProjectID + "/" + p.Slug
		if cur, ok := latest[key]; !ok || p.Version > cur.Version {
			latest[key] = p
		}
	}
	for _, p := range latest {
		fn(p)
	}
	return nil
}

func (s *Scheduler) logGateOutcome(tick string, scope gates.Scope, res gates.Result, err error) bool {
	var already *gates.ErrAlreadyInProgress
	if errors.As(err, &already) {
		slog.Debug("scheduler: gate deduped", "tick", tick, "project_id", scope.ProjectID, "slug", scope.PromptSlug)
		return true
	}
	if err != nil {
		slog.Error("scheduler: gate error", "tick", tick, "project_id", scope.ProjectID, "slug", scope.PromptSlug, "error", err)
		return true
	}
	if !res.Eligible {
		slog.Debug("scheduler: gate ineligible", "tick", tick, "project_id", scope.ProjectID, "slug", scope.PromptSlug, "reason", res.Reason)
	}
	return false
}

// insertJob enforces the MAX_PENDING_JOBS_PER_PROMPT_AND_TYPE cap (spec.md
// §4.4) before inserting, then nudges the reconciler so dispatch doesn't
// wait for the next reconciler tick.
func (s *Scheduler) insertJob(ctx context.Context, jobType job.JobType, projectID string, promptSlug *string, stats map[string]any) error {
	q := s.db.Job.Query().
		Where(job.JobTypeEQ(jobType), job.ProjectIDEQ(projectID), job.StatusIn(job.StatusPending, job.StatusRunning))
	if promptSlug != nil {
		q = q.Where(job.PromptSlugEQ(*promptSlug))
	} else {
		q = q.Where(job.PromptSlugIsNil())
	}
	n, err := q.Count(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: count existing jobs: %w", err)
	}
	if n >= s.concurrency.MaxPendingJobsPerPromptAndType {
		slog.Debug("scheduler: per-prompt/type cap reached, skipping insert", "job_type", jobType, "project_id", projectID)
		return nil
	}

	create := s.db.Job.Create().
		SetID(uuid.NewString()).
		SetJobType(jobType).
		SetProjectID(projectID).
		SetStatus(job.StatusPending).
		SetResult(&ent.JobResult{ValidationStats: stats})
	if promptSlug != nil {
		create = create.SetPromptSlug(*promptSlug)
	}
	j, err := create.Save(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: insert job: %w", err)
	}

	slog.Info("scheduler: inserted pending job", "job_id", j.ID, "job_type", jobType, "project_id", projectID)
	s.reconciler.Nudge()
	return nil
}
