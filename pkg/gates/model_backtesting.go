package gates

import (
	"context"
	"fmt"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/ent/prompt"
	"github.com/overmind-core/orchestrator/ent/span"
	"github.com/overmind-core/orchestrator/pkg/clock"
	"github.com/overmind-core/orchestrator/pkg/config"
	"github.com/overmind-core/orchestrator/pkg/ladder"
)

// ModelBacktesting implements spec.md §4.4's model_backtesting gate,
// grounded on original_source/overmind/tasks/backtesting.py's
// validate_backtesting_eligibility / _check_backtesting_candidates.
func ModelBacktesting(ctx context.Context, db *ent.Client, scope Scope, cfg *config.ThresholdConfig, clk clock.Clock) (Result, error) {
	if scope.PromptSlug == "" {
		return Result{}, fmt.Errorf("gates: %w: model_backtesting requires a prompt slug", errUnsupportedScope)
	}

	p, err := latestPrompt(ctx, db, scope.ProjectID, scope.PromptSlug)
	if err != nil {
		return Result{}, err
	}
	if p == nil {
		return ineligible("no prompt found for this slug", nil)
	}
	if p.EvaluationCriteria == nil || len(p.EvaluationCriteria.Correctness) == 0 {
		return ineligible("prompt has no evaluation_criteria.correctness", nil)
	}

	windowStart := clk.Now().AddDate(0, 0, -cfg.ActivityWindow)
	recentCount, err := db.Span.Query().
		Where(span.ProjectIDEQ(scope.ProjectID), span.PromptIDEQ(p.ID), span.CreatedAtGTE(windowStart)).
		Count(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gates: model_backtesting: count recent spans: %w", err)
	}
	stats := map[string]any{"recent_span_count": recentCount}
	if recentCount < 1 {
		return ineligible("no traffic in the last activity window", stats)
	}

	allForSlug, err := db.Span.Query().
		Where(
			span.ProjectIDEQ(scope.ProjectID),
			span.HasPromptWith(prompt.SlugEQ(scope.PromptSlug)),
		).
		All(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gates: model_backtesting: query spans: %w", err)
	}

	scoredCount := 0
	available := 0
	for _, s := range allForSlug {
		if isSystemGeneratedSpan(s) {
			continue
		}
		available++
		if s.FeedbackScore != nil && s.FeedbackScore.Correctness != nil {
			scoredCount++
		}
	}
	stats["scored_span_count"] = scoredCount
	stats["available_spans"] = available

	if scoredCount < cfg.MinScoredSpansForScoring {
		return ineligible(fmt.Sprintf("scored span count below MIN_SPANS_FOR_BACKTESTING (%d)", cfg.MinScoredSpansForScoring), stats)
	}
	if available < cfg.MinScoredSpansForScoring {
		return ineligible(fmt.Sprintf("available span count below MIN_SPANS_FOR_BACKTESTING (%d)", cfg.MinScoredSpansForScoring), stats)
	}

	lastBacktestCount, err := lastCompletedModelBacktestingScoredCount(ctx, db, scope.ProjectID, scope.PromptSlug)
	if err != nil {
		return Result{}, err
	}
	nextThreshold := ladder.NextImprovement(lastBacktestCount)
	stats["next_threshold"] = nextThreshold
	if scoredCount < nextThreshold {
		return ineligible("scored span count has not reached the next backtest threshold", stats)
	}

	inProgress, err := hasLiveJob(ctx, db, job.JobTypeModelBacktesting, scope.ProjectID, scope.PromptSlug)
	if err != nil {
		return Result{}, err
	}
	if inProgress {
		return alreadyInProgress("a model_backtesting job is already in progress for this prompt")
	}

	return eligible(stats)
}

// lastCompletedModelBacktestingScoredCount implements spec.md §4.10 step 10's
// threshold-ladder re-run guard: it reads scored_count_at_creation back from
// this prompt's most recent *completed* model_backtesting Job, grounded on
// original_source/overmind/tasks/backtesting.py's last_job_q query (Job.result
// ordered by created_at desc, limit 1). Unlike prompt_tuning's ladder, this
// counter lives in the job's own Parameters, not Prompt.ImprovementMetadata,
// since model_backtesting never writes that field.
func lastCompletedModelBacktestingScoredCount(ctx context.Context, db *ent.Client, projectID, promptSlug string) (int, error) {
	last, err := db.Job.Query().
		Where(
			job.JobTypeEQ(job.JobTypeModelBacktesting),
			job.ProjectIDEQ(projectID),
			job.PromptSlugEQ(promptSlug),
			job.StatusEQ(job.StatusCompleted),
		).
		Order(ent.Desc(job.FieldCreatedAt)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("gates: model_backtesting: load last completed job: %w", err)
	}
	if last.Result == nil {
		return 0, nil
	}
	raw, ok := last.Result.Parameters["scored_count_at_creation"]
	if !ok {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, nil
	}
}
