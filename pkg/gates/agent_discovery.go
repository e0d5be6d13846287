package gates

import (
	"context"
	"fmt"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
	"github.com/overmind-core/orchestrator/ent/span"
)

// AgentDiscovery implements spec.md §4.4's agent_discovery gate, grounded
// on original_source/overmind/tasks/agent_discovery.py's eligibility check:
// a project needs at least 10 spans total, at least one unmapped span, and
// at least one of those unmapped spans must carry usable input text.
func AgentDiscovery(ctx context.Context, db *ent.Client, scope Scope) (Result, error) {
	if scope.PromptSlug != "" {
		return Result{}, fmt.Errorf("gates: %w: agent_discovery is project-wide", errUnsupportedScope)
	}

	totalSpans, err := db.Span.Query().
		Where(span.ProjectIDEQ(scope.ProjectID)).
		Count(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gates: agent_discovery: count spans: %w", err)
	}
	stats := map[string]any{"total_spans": totalSpans}
	if totalSpans < 10 {
		return ineligible("project has fewer than 10 spans", stats)
	}

	unmapped, err := db.Span.Query().
		Where(span.ProjectIDEQ(scope.ProjectID), span.PromptIDIsNil()).
		All(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gates: agent_discovery: query unmapped spans: %w", err)
	}
	stats["unmapped_spans"] = len(unmapped)
	if len(unmapped) == 0 {
		return ineligible("project has no unmapped spans", stats)
	}

	hasUsableInput := false
	for _, s := range unmapped {
		if spanHasUsableInput(s.Input) {
			hasUsableInput = true
			break
		}
	}
	if !hasUsableInput {
		return ineligible("no unmapped span has usable input text", stats)
	}

	inProgress, err := hasLiveJob(ctx, db, job.JobTypeAgentDiscovery, scope.ProjectID, "")
	if err != nil {
		return Result{}, err
	}
	if inProgress {
		return alreadyInProgress("an agent_discovery job is already in progress for this project")
	}

	return eligible(stats)
}

// spanHasUsableInput reports whether the span's input carries at least one
// message with non-empty content, after dropping assistant/tool turns the
// same way the worker's prompt-text extraction does.
func spanHasUsableInput(input []map[string]any) bool {
	for _, msg := range input {
		role, _ := msg["role"].(string)
		if role != "user" && role != "system" {
			continue
		}
		if content, ok := msg["content"].(string); ok && content != "" {
			return true
		}
	}
	return false
}
