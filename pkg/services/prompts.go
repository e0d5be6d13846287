package services

import (
	"context"
	"fmt"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/prompt"
	"github.com/overmind-core/orchestrator/pkg/ladder"
)

// PromptService implements spec.md §4.8's criteria-change invalidation rule
// and the prompt-edit endpoints it attaches to, grounded on
// original_source/overmind/tasks/prompt_improvement.py's
// calculate_previous_last_count usage from the criteria-update endpoint.
type PromptService struct {
	DB *ent.Client
}

// UpdateEvaluationCriteria edits the latest version's evaluation_criteria
// and applies the rollback-and-invalidate rule.
func (s *PromptService) UpdateEvaluationCriteria(ctx context.Context, projectID, slug string, correctness []string) (*ent.Prompt, error) {
	p, err := latest(ctx, s.DB, projectID, slug)
	if err != nil {
		return nil, err
	}
	update := s.DB.Prompt.UpdateOne(p).
		SetEvaluationCriteria(&ent.EvaluationCriteria{Correctness: correctness})
	applyInvalidation(update, p)
	updated, err := update.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: update evaluation criteria: %w", err)
	}
	return updated, nil
}

// UpdateAgentDescription edits the latest version's agent_description and
// applies the same rollback-and-invalidate rule spec.md §4.8 requires for
// either edit.
func (s *PromptService) UpdateAgentDescription(ctx context.Context, projectID, slug, description string) (*ent.Prompt, error) {
	p, err := latest(ctx, s.DB, projectID, slug)
	if err != nil {
		return nil, err
	}
	desc := &ent.AgentDescription{Description: description}
	if p.AgentDescription != nil {
		desc.LastReviewSpanCount = p.AgentDescription.LastReviewSpanCount
		desc.NextReviewSpanCount = p.AgentDescription.NextReviewSpanCount
		desc.FeedbackHistory = p.AgentDescription.FeedbackHistory
		desc.InitialReviewCompleted = p.AgentDescription.InitialReviewCompleted
	}
	update := s.DB.Prompt.UpdateOne(p).SetAgentDescription(desc)
	applyInvalidation(update, p)
	updated, err := update.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: update agent description: %w", err)
	}
	return updated, nil
}

// applyInvalidation implements spec.md §4.8's rollback: roll
// last_improvement_span_count back one ladder step and set
// criteria_invalidated, idempotent within a single cycle (a prompt already
// flagged invalidated is left at its already-rolled-back count rather than
// rolling back twice).
func applyInvalidation(update *ent.PromptUpdateOne, p *ent.Prompt) {
	meta := &ent.ImprovementMetadata{}
	if p.ImprovementMetadata != nil {
		*meta = *p.ImprovementMetadata
	}
	if !meta.CriteriaInvalidated {
		meta.LastImprovementSpanCount = ladder.PreviousStep(meta.LastImprovementSpanCount)
		meta.CriteriaInvalidated = true
	}
	update.SetImprovementMetadata(meta)
}

func latest(ctx context.Context, db *ent.Client, projectID, slug string) (*ent.Prompt, error) {
	p, err := db.Prompt.Query().
		Where(prompt.ProjectIDEQ(projectID), prompt.SlugEQ(slug)).
		Order(ent.Desc(prompt.FieldVersion)).
		First(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: load latest prompt: %w", err)
	}
	return p, nil
}
