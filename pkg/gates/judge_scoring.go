package gates

import (
	"context"
	"fmt"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/ent/prompt"
	"github.com/overmind-core/orchestrator/ent/span"
	"github.com/overmind-core/orchestrator/pkg/config"
)

// JudgeScoring implements spec.md §4.4's judge_scoring gate, grounded on
// original_source/overmind/tasks/evaluations.py:validate_judge_scoring_eligibility:
// the prompt needs non-empty evaluation_criteria.correctness and at least
// MinScoredSpansForScoring unscored, prompt-linked, non-system spans.
func JudgeScoring(ctx context.Context, db *ent.Client, scope Scope, cfg *config.ThresholdConfig) (Result, error) {
	if scope.PromptSlug == "" {
		return Result{}, fmt.Errorf("gates: %w: judge_scoring requires a prompt slug", errUnsupportedScope)
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

	// ent's JSON columns don't expose a query-layer predicate for
	// "feedback_score.correctness IS NULL", so the unscored count is taken
	// in Go rather than pushed down to SQL.
	allLinked, err := db.Span.Query().
		Where(span.ProjectIDEQ(scope.ProjectID), span.PromptIDEQ(p.ID)).
		All(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gates: judge_scoring: query spans: %w", err)
	}

	eligibleCount := 0
	for _, s := range allLinked {
		if isSystemGeneratedSpan(s) {
			continue
		}
		if s.FeedbackScore != nil && s.FeedbackScore.Correctness != nil {
			continue
		}
		eligibleCount++
	}

	stats := map[string]any{"scored_eligible_unscored_spans": eligibleCount}
	if eligibleCount < cfg.MinScoredSpansForScoring {
		return ineligible(fmt.Sprintf("fewer than %d scored-eligible unscored spans", cfg.MinScoredSpansForScoring), stats)
	}

	inProgress, err := hasLiveJob(ctx, db, job.JobTypeJudgeScoring, scope.ProjectID, scope.PromptSlug)
	if err != nil {
		return Result{}, err
	}
	if inProgress {
		return alreadyInProgress("a judge_scoring job is already in progress for this prompt")
	}

	return eligible(stats)
}

func latestPrompt(ctx context.Context, db *ent.Client, projectID, slug string) (*ent.Prompt, error) {
	p, err := db.Prompt.Query().
		Where(prompt.ProjectIDEQ(projectID), prompt.SlugEQ(slug)).
		Order(ent.Desc(prompt.FieldVersion)).
		First(ctx)
	if ent.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gates: latest prompt: %w", err)
	}
	return p, nil
}

func isSystemGeneratedSpan(s *ent.Span) bool {
	if s.Operation == "prompt_tuning" || (len(s.Operation) >= 9 && s.Operation[:9] == "backtest:") {
		return true
	}
	if s.MetadataAttributes == nil {
		return false
	}
	return s.MetadataAttributes.PromptImprovementTest || s.MetadataAttributes.Backtest
}
