package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/prompt"
	"github.com/overmind-core/orchestrator/ent/span"
	"github.com/overmind-core/orchestrator/pkg/models"
	"github.com/overmind-core/orchestrator/pkg/queue"
	"github.com/overmind-core/orchestrator/pkg/queue/broker"
	"github.com/overmind-core/orchestrator/pkg/templateextractor"
)

// AgentDiscoveryHandler implements spec.md §4.6, grounded on
// overmind/tasks/agent_discovery.py: cluster unmapped spans into Prompt
// templates and map each span to the template it belongs to.
type AgentDiscoveryHandler struct {
	DB     *ent.Client
	Broker broker.Broker
}

// Handle satisfies pkg/queue.Handler.
func (h *AgentDiscoveryHandler) Handle(ctx context.Context, task broker.Task) (map[string]any, error) {
	return runLifecycle(ctx, h.DB, task, h.run)
}

func (h *AgentDiscoveryHandler) run(ctx context.Context, db *ent.Client, j *ent.Job) (*outcome, error) {
	unmapped, err := db.Span.Query().
		Where(span.ProjectIDEQ(j.ProjectID), span.PromptIDIsNil()).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent_discovery: load unmapped spans: %w", err)
	}

	stats := map[string]any{"unmapped_spans": len(unmapped)}
	if len(unmapped) == 0 {
		o := completed(&ent.JobResult{Output: stats})
		return &o, nil
	}

	texts := make([]string, len(unmapped))
	for i, s := range unmapped {
		texts[i] = canonicalPromptText(s.Input)
	}

	everMapped, err := db.Span.Query().
		Where(span.ProjectIDEQ(j.ProjectID), span.PromptIDNotNil()).
		Exist(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent_discovery: check for mapped spans: %w", err)
	}

	existingPrompts := map[string]templateextractor.Template{}
	if everMapped {
		prompts, err := db.Prompt.Query().Where(prompt.ProjectIDEQ(j.ProjectID)).All(ctx)
		if err != nil {
			return nil, fmt.Errorf("agent_discovery: load existing prompts: %w", err)
		}
		for _, p := range prompts {
			existingPrompts[p.ID] = templateextractor.ParseTemplate(p.Content)
		}
	}

	type spanMatch struct {
		spanIdx int
		vars    map[string]string
	}
	matchedByPrompt := map[string][]spanMatch{}
	var remainderIdx []int
	for i, text := range texts {
		matched := false
		for promptID, tmpl := range existingPrompts {
			if m, ok := templateextractor.MatchAgainst(text, tmpl); ok {
				matchedByPrompt[promptID] = append(matchedByPrompt[promptID], spanMatch{spanIdx: i, vars: m.Variables})
				matched = true
				break
			}
		}
		if !matched {
			remainderIdx = append(remainderIdx, i)
		}
	}
	stats["matched_existing_templates"] = len(texts) - len(remainderIdx)

	remainderTexts := make([]string, len(remainderIdx))
	for i, idx := range remainderIdx {
		remainderTexts[i] = texts[idx]
	}
	extraction := templateextractor.Extract(remainderTexts)
	stats["new_templates_discovered"] = len(extraction.Templates)

	existingSlugs, err := h.projectSlugs(ctx, db, j.ProjectID)
	if err != nil {
		return nil, err
	}

	type newPromptInfo struct {
		prompt  *ent.Prompt
		created bool
	}
	newPromptByTemplate := make([]newPromptInfo, len(extraction.Templates))
	for ti, tmpl := range extraction.Templates {
		content := tmpl.String()
		hash := contentHash(content)

		existing, err := db.Prompt.Query().
			Where(prompt.ProjectIDEQ(j.ProjectID), prompt.ContentHashEQ(hash)).
			First(ctx)
		if err != nil && !ent.IsNotFound(err) {
			return nil, fmt.Errorf("agent_discovery: lookup prompt by hash: %w", err)
		}
		if existing != nil {
			newPromptByTemplate[ti] = newPromptInfo{prompt: existing}
			continue
		}

		slug := randomSlug(existingSlugs)
		existingSlugs[slug] = struct{}{}
		p, err := db.Prompt.Create().
			SetID(models.ComposePromptID(j.ProjectID, 1, slug)).
			SetProjectID(j.ProjectID).
			SetSlug(slug).
			SetVersion(1).
			SetContent(content).
			SetContentHash(hash).
			Save(ctx)
		if err != nil {
			return nil, fmt.Errorf("agent_discovery: create prompt: %w", err)
		}
		newPromptByTemplate[ti] = newPromptInfo{prompt: p, created: true}
	}

	tx, err := db.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent_discovery: begin tx: %w", err)
	}

	spansMapped := 0
	for promptID, matches := range matchedByPrompt {
		for _, m := range matches {
			vars := stripNulVars(m.vars)
			if err := tx.Span.UpdateOneID(unmapped[m.spanIdx].ID).
				SetPromptID(promptID).
				SetInputParams(vars).
				Exec(ctx); err != nil {
				_ = tx.Rollback()
				return nil, fmt.Errorf("agent_discovery: map span to existing prompt: %w", err)
			}
			spansMapped++
		}
	}
	for ti, info := range newPromptByTemplate {
		for pos, idx := range extraction.Assignments {
			if idx != ti {
				continue
			}
			origIdx := remainderIdx[pos]
			vars := stripNulVars(extraction.Matches[pos].Variables)
			if err := tx.Span.UpdateOneID(unmapped[origIdx].ID).
				SetPromptID(info.prompt.ID).
				SetInputParams(vars).
				Exec(ctx); err != nil {
				_ = tx.Rollback()
				return nil, fmt.Errorf("agent_discovery: map span to new prompt: %w", err)
			}
			spansMapped++
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("agent_discovery: commit span mappings: %w", err)
	}
	stats["spans_mapped"] = spansMapped

	newPromptsCreated := 0
	for _, info := range newPromptByTemplate {
		if !info.created {
			continue
		}
		newPromptsCreated++
		h.enqueueFollowUps(ctx, j.ProjectID, info.prompt)
	}
	stats["new_prompts_created"] = newPromptsCreated

	o := completed(&ent.JobResult{Output: stats})
	return &o, nil
}

// enqueueFollowUps fires the two at-least-once downstream tasks spec.md
// §4.6 step 6 requires for every newly created Prompt. Failures are logged,
// not propagated: agent_discovery's own job still completed successfully.
func (h *AgentDiscoveryHandler) enqueueFollowUps(ctx context.Context, projectID string, p *ent.Prompt) {
	params := map[string]any{"project_id": projectID, "prompt_slug": p.Slug, "prompt_id": p.ID}
	if _, err := h.Broker.SendTask(ctx, queue.TaskPromptsGenerateCriteria, params); err != nil {
		slog.Error("agent_discovery: enqueue criteria generation failed", "prompt_id", p.ID, "error", err)
	}
	if _, err := h.Broker.SendTask(ctx, queue.TaskPromptsGenerateDescription, params); err != nil {
		slog.Error("agent_discovery: enqueue initial description failed", "prompt_id", p.ID, "error", err)
	}
}

func (h *AgentDiscoveryHandler) projectSlugs(ctx context.Context, db *ent.Client, projectID string) (map[string]struct{}, error) {
	prompts, err := db.Prompt.Query().Where(prompt.ProjectIDEQ(projectID)).All(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent_discovery: load project slugs: %w", err)
	}
	out := make(map[string]struct{}, len(prompts))
	for _, p := range prompts {
		out[p.Slug] = struct{}{}
	}
	return out, nil
}

// canonicalPromptText keeps only user/system turns, dropping assistant/tool
// turns, joined with newlines, per spec.md §4.6 step 1.
func canonicalPromptText(input []map[string]any) string {
	var lines []string
	for _, msg := range input {
		role, _ := msg["role"].(string)
		if role != "user" && role != "system" {
			continue
		}
		if content, ok := msg["content"].(string); ok && content != "" {
			lines = append(lines, content)
		}
	}
	return strings.Join(lines, "\n")
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func stripNulVars(vars map[string]string) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = models.StripNulRecursive(v)
	}
	return out
}

var slugAdjectives = []string{"swift", "calm", "bright", "quiet", "bold", "keen", "tidy", "brisk", "vivid", "steady"}
var slugNouns = []string{"falcon", "harbor", "cedar", "quartz", "meadow", "comet", "otter", "basin", "ridge", "lantern"}

// randomSlug generates a random adjective-noun-number slug (for example
// "calm-otter-42"), rechecking collision
// against the project's existing slugs until unique, per spec.md §4.6 step
// 3.
func randomSlug(taken map[string]struct{}) string {
	for {
		candidate := fmt.Sprintf("%s-%s-%d",
			slugAdjectives[rand.Intn(len(slugAdjectives))],
			slugNouns[rand.Intn(len(slugNouns))],
			rand.Intn(10000))
		if _, exists := taken[candidate]; !exists {
			return candidate
		}
	}
}
