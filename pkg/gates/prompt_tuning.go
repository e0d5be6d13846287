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

// PromptTuning implements spec.md §4.4's prompt_tuning gate, grounded on
// original_source/overmind/tasks/prompt_improvement.py's
// validate_prompt_tuning_eligibility / should_improve_prompt.
func PromptTuning(ctx context.Context, db *ent.Client, scope Scope, cfg *config.ThresholdConfig, clk clock.Clock) (Result, error) {
	if scope.PromptSlug == "" {
		return Result{}, fmt.Errorf("gates: %w: prompt_tuning requires a prompt slug", errUnsupportedScope)
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
		return Result{}, fmt.Errorf("gates: prompt_tuning: count recent spans: %w", err)
	}
	stats := map[string]any{"recent_span_count": recentCount}
	if recentCount < 1 {
		return ineligible("no activity in the last activity window", stats)
	}

	allForSlug, err := db.Span.Query().
		Where(
			span.ProjectIDEQ(scope.ProjectID),
			span.HasPromptWith(prompt.SlugEQ(scope.PromptSlug)),
		).
		All(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gates: prompt_tuning: query scored spans: %w", err)
	}

	scoredCount := 0
	latestScoredCount := 0
	for _, s := range allForSlug {
		if isSystemGeneratedSpan(s) {
			continue
		}
		if s.FeedbackScore == nil || s.FeedbackScore.Correctness == nil {
			continue
		}
		scoredCount++
		if s.PromptID != nil && *s.PromptID == p.ID {
			latestScoredCount++
		}
	}
	stats["scored_span_count"] = scoredCount
	stats["latest_version_scored_count"] = latestScoredCount

	lastImprovementCount := 0
	if p.ImprovementMetadata != nil {
		lastImprovementCount = p.ImprovementMetadata.LastImprovementSpanCount
	}
	nextThreshold := ladder.NextImprovement(lastImprovementCount)
	stats["next_threshold"] = nextThreshold
	if scoredCount == 0 || scoredCount < nextThreshold {
		return ineligible("scored span count has not reached the next improvement threshold", stats)
	}

	if scoredCount > 0 {
		adoption := float64(latestScoredCount) / float64(scoredCount)
		stats["adoption_fraction"] = adoption
		if adoption < cfg.MinAdoptionFraction {
			return ineligible("latest version adoption below minimum fraction", stats)
		}
	}

	if len(allForSlug) < 1 {
		return ineligible("no spans available for comparison analysis", stats)
	}

	inProgress, err := hasLiveJob(ctx, db, job.JobTypePromptTuning, scope.ProjectID, scope.PromptSlug)
	if err != nil {
		return Result{}, err
	}
	if inProgress {
		return alreadyInProgress("a prompt_tuning job is already in progress for this prompt")
	}

	return eligible(stats)
}
