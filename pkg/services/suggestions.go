package services

import (
	"context"
	"fmt"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/prompt"
	"github.com/overmind-core/orchestrator/ent/suggestion"
)

// ErrSuggestionNotPending is returned when accepting or dismissing a
// Suggestion that has already left the pending state.
var ErrSuggestionNotPending = fmt.Errorf("services: suggestion is not pending")

// SuggestionService implements spec.md §4.8's accept-suggestion contract: a
// single transaction flipping `is_active` across every version of
// (project, slug), grounded on spec.md's own description of the contract
// (no single original_source file owns this; the Python original performs
// the same flip inline in its suggestions endpoint).
type SuggestionService struct {
	DB *ent.Client
}

// Accept implements the prompt-swap acceptance path: within one
// transaction, deactivate every version of (project, slug) and activate
// the suggestion's target version, then mark the suggestion accepted. A
// model-swap suggestion (no NewPromptVersion) has nothing to activate; it
// is simply marked accepted, leaving the model choice to the caller's own
// configuration.
func (s *SuggestionService) Accept(ctx context.Context, suggestionID string) error {
	sg, err := s.DB.Suggestion.Get(ctx, suggestionID)
	if err != nil {
		return fmt.Errorf("services: load suggestion: %w", err)
	}
	if sg.Status != suggestion.StatusPending {
		return ErrSuggestionNotPending
	}

	tx, err := s.DB.Tx(ctx)
	if err != nil {
		return fmt.Errorf("services: begin tx: %w", err)
	}

	if sg.NewPromptVersion != nil {
		if err := tx.Prompt.Update().
			Where(prompt.ProjectIDEQ(sg.ProjectID), prompt.SlugEQ(sg.PromptSlug)).
			SetIsActive(false).
			Exec(ctx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("services: deactivate existing versions: %w", err)
		}
		if err := tx.Prompt.Update().
			Where(prompt.ProjectIDEQ(sg.ProjectID), prompt.SlugEQ(sg.PromptSlug), prompt.VersionEQ(*sg.NewPromptVersion)).
			SetIsActive(true).
			Exec(ctx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("services: activate target version: %w", err)
		}
	}

	if err := tx.Suggestion.UpdateOne(sg).SetStatus(suggestion.StatusAccepted).Exec(ctx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("services: mark suggestion accepted: %w", err)
	}

	return tx.Commit()
}

// Dismiss marks a pending suggestion dismissed without touching any Prompt
// row, optionally recording a vote and free-text feedback per spec.md's
// Suggestion.vote/feedback_text fields.
func (s *SuggestionService) Dismiss(ctx context.Context, suggestionID string, vote int, feedbackText string) error {
	sg, err := s.DB.Suggestion.Get(ctx, suggestionID)
	if err != nil {
		return fmt.Errorf("services: load suggestion: %w", err)
	}
	if sg.Status != suggestion.StatusPending {
		return ErrSuggestionNotPending
	}
	update := s.DB.Suggestion.UpdateOne(sg).SetStatus(suggestion.StatusDismissed).SetVote(vote)
	if feedbackText != "" {
		update = update.SetFeedbackText(feedbackText)
	}
	return update.Exec(ctx)
}
