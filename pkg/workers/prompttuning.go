package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/prompt"
	"github.com/overmind-core/orchestrator/ent/span"
	"github.com/overmind-core/orchestrator/pkg/llmgateway"
	"github.com/overmind-core/orchestrator/pkg/models"
	"github.com/overmind-core/orchestrator/pkg/queue/broker"
	"github.com/overmind-core/orchestrator/pkg/templateextractor"
)

// replaySelectCap bounds the comparison set a prompt_tuning replay runs
// over, per spec.md §4.8 step 4.
const replaySelectCap = 50

// spansPerBand caps how many scored spans feed each score bucket, per
// spec.md §4.8 step 1.
const spansPerBand = 15

// PromptTuningHandler implements spec.md §4.8, grounded on
// overmind/tasks/prompt_improvement.py: bucket scored spans, ask the LLM for
// improvement suggestions and a candidate template, replay it against the
// comparison set, and decide whether to create a new Prompt version.
type PromptTuningHandler struct {
	DB          *ent.Client
	Gateway     llmgateway.Gateway
	Concurrency int
}

// Handle satisfies pkg/queue.Handler.
func (h *PromptTuningHandler) Handle(ctx context.Context, task broker.Task) (map[string]any, error) {
	return runLifecycle(ctx, h.DB, task, h.run)
}

// scoreBand buckets scored spans by a five-way correctness band, per
// spec.md §4.8 step 1.
type scoreBand struct {
	spans []*ent.Span
}

// replayOutcome is one comparison span's replay-and-rescore result.
type replayOutcome struct {
	span       *ent.Span
	newOutput  string
	newScore   float64
	newCost    float64
	newLatency float64
	err        error
}

func (h *PromptTuningHandler) run(ctx context.Context, db *ent.Client, j *ent.Job) (*outcome, error) {
	if j.PromptSlug == nil {
		return nil, fmt.Errorf("prompt_tuning: job has no prompt slug")
	}
	p, err := db.Prompt.Query().
		Where(prompt.ProjectIDEQ(j.ProjectID), prompt.SlugEQ(*j.PromptSlug)).
		Order(ent.Desc(prompt.FieldVersion)).
		First(ctx)
	if err != nil {
		return nil, fmt.Errorf("prompt_tuning: load prompt: %w", err)
	}

	all, err := db.Span.Query().
		Where(span.ProjectIDEQ(j.ProjectID), span.HasPromptWith(prompt.SlugEQ(*j.PromptSlug))).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("prompt_tuning: query spans: %w", err)
	}

	var scored []*ent.Span
	for _, s := range all {
		if models.IsSystemGenerated(s.Operation, toModelsMetadata(s.MetadataAttributes)) {
			continue
		}
		if s.FeedbackScore != nil && s.FeedbackScore.Correctness != nil {
			scored = append(scored, s)
		}
	}
	scoredCount := len(scored)

	bands := bucketByScore(scored)
	poor := append(append([]*ent.Span{}, bands[0].spans...), bands[1].spans...)
	good := bands[4].spans

	if len(poor) == 0 {
		o := failed("no poorly-scoring comparison spans available")
		return &o, nil
	}

	criteria := []string{}
	if p.EvaluationCriteria != nil {
		criteria = p.EvaluationCriteria.Correctness
	}

	suggestions, err := h.generateSuggestions(ctx, p, poor)
	if err != nil {
		return nil, fmt.Errorf("prompt_tuning: generate suggestions: %w", err)
	}

	candidateText, err := h.generateCandidate(ctx, p, suggestions, good, poor)
	if err != nil {
		return nil, fmt.Errorf("prompt_tuning: generate candidate: %w", err)
	}
	candidateHash := contentHash(candidateText)

	if dup, err := db.Prompt.Query().
		Where(prompt.ProjectIDEQ(j.ProjectID), prompt.SlugEQ(*j.PromptSlug), prompt.ContentHashEQ(candidateHash)).
		Exist(ctx); err != nil {
		return nil, fmt.Errorf("prompt_tuning: check candidate dedup: %w", err)
	} else if dup {
		if err := h.advanceLadder(ctx, db, p, scoredCount); err != nil {
			return nil, err
		}
		o := cancelledOutcome("identical to existing version")
		return &o, nil
	}

	comparisonSet := selectComparisonSet(bands, replaySelectCap)

	results := make([]replayOutcome, len(comparisonSet))

	concurrency := h.Concurrency
	if concurrency <= 0 {
		concurrency = defaultJudgeScoringConcurrency
	}
	boundedFanOut(ctx, concurrency, comparisonSet, func(ctx context.Context, s *ent.Span) error {
		idx := indexOf(comparisonSet, s)
		content, stats, err := h.replay(ctx, candidateText, s)
		if err != nil {
			results[idx] = replayOutcome{span: s, err: err}
			return err
		}
		score, err := callJudge(ctx, h.Gateway, "You are a judge scoring whether a response is correct. Respond with JSON {\"correctness\": <0..1>}.", criteria, s.Input, content)
		if err != nil {
			results[idx] = replayOutcome{span: s, err: err}
			return err
		}
		results[idx] = replayOutcome{span: s, newOutput: content, newScore: score, newCost: stats.ResponseCost, newLatency: float64(stats.ResponseMillis)}
		return nil
	})

	var newScores, oldScores, newCosts, oldCosts, newLatencies, oldLatencies []float64
	successCount := 0
	for _, r := range results {
		if r.err != nil {
			continue
		}
		successCount++
		newScores = append(newScores, r.newScore)
		newCosts = append(newCosts, r.newCost)
		newLatencies = append(newLatencies, r.newLatency)
		if r.span.FeedbackScore != nil && r.span.FeedbackScore.Correctness != nil {
			oldScores = append(oldScores, *r.span.FeedbackScore.Correctness)
		}
		oldCosts = append(oldCosts, spanCost(r.span))
		oldLatencies = append(oldLatencies, spanLatencyMs(r.span))
	}

	if err := h.persistReplaySpans(ctx, db, j.ProjectID, p.ID, results); err != nil {
		return nil, err
	}

	deltaScore := mean(newScores) - mean(oldScores)
	deltaCost := mean(newCosts) - mean(oldCosts)
	deltaLatency := mean(newLatencies) - mean(oldLatencies)

	stats := map[string]any{
		"scored_count_at_creation": scoredCount,
		"replay_total":             len(comparisonSet),
		"replay_succeeded":         successCount,
		"delta_score":              deltaScore,
		"delta_cost":               deltaCost,
		"delta_latency_ms":         deltaLatency,
	}

	if deltaScore <= 0 {
		if err := h.advanceLadder(ctx, db, p, scoredCount); err != nil {
			return nil, err
		}
		stats["outcome"] = "no_improvement"
		o := classifyCounts(successCount, len(comparisonSet), &ent.JobResult{Output: stats})
		return &o, nil
	}

	newVersion := p.Version + 1
	newPrompt, err := db.Prompt.Create().
		SetID(models.ComposePromptID(j.ProjectID, newVersion, *j.PromptSlug)).
		SetProjectID(j.ProjectID).
		SetSlug(*j.PromptSlug).
		SetVersion(newVersion).
		SetContent(candidateText).
		SetContentHash(candidateHash).
		SetDisplayName(p.DisplayName).
		SetEvaluationCriteria(p.EvaluationCriteria).
		SetImprovementMetadata(&ent.ImprovementMetadata{
			LastImprovementSpanCount: scoredCount,
			ImprovementHistory:       appendHistory(p.ImprovementMetadata, deltaScore, deltaCost, deltaLatency),
		}).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("prompt_tuning: create new prompt version: %w", err)
	}

	if err := db.Suggestion.Create().
		SetID(uuid.NewString()).
		SetProjectID(j.ProjectID).
		SetPromptSlug(*j.PromptSlug).
		SetNewPromptText(candidateText).
		SetNewPromptVersion(newVersion).
		SetScores(map[string]any{
			"delta_score":      deltaScore,
			"delta_cost":       deltaCost,
			"delta_latency_ms": deltaLatency,
			"new_version":      newVersion,
		}).
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("prompt_tuning: create suggestion: %w", err)
	}

	stats["outcome"] = "improved"
	stats["new_prompt_version"] = newPrompt.Version
	o := classifyCounts(successCount, len(comparisonSet), &ent.JobResult{Output: stats})
	return &o, nil
}

// advanceLadder implements spec.md §4.8 step 3/9: advance the ladder and
// clear any pending criteria-invalidation flag.
func (h *PromptTuningHandler) advanceLadder(ctx context.Context, db *ent.Client, p *ent.Prompt, scoredCount int) error {
	meta := &ent.ImprovementMetadata{LastImprovementSpanCount: scoredCount}
	if p.ImprovementMetadata != nil {
		meta.ImprovementHistory = p.ImprovementMetadata.ImprovementHistory
	}
	return db.Prompt.UpdateOne(p).SetImprovementMetadata(meta).Exec(ctx)
}

func bucketByScore(spans []*ent.Span) [5]scoreBand {
	var bands [5]scoreBand
	for _, s := range spans {
		if s.FeedbackScore == nil || s.FeedbackScore.Correctness == nil {
			continue
		}
		score := *s.FeedbackScore.Correctness
		idx := bandIndex(score)
		if len(bands[idx].spans) < spansPerBand {
			bands[idx].spans = append(bands[idx].spans, s)
		}
	}
	return bands
}

func bandIndex(score float64) int {
	switch {
	case score < 0.2:
		return 0
	case score < 0.4:
		return 1
	case score < 0.6:
		return 2
	case score < 0.8:
		return 3
	default:
		return 4
	}
}

// selectComparisonSet implements spec.md §4.8 step 4: up to 50 spans,
// prioritizing the lower score bands.
func selectComparisonSet(bands [5]scoreBand, limit int) []*ent.Span {
	var out []*ent.Span
	for _, b := range bands {
		for _, s := range b.spans {
			if len(out) >= limit {
				return out
			}
			out = append(out, s)
		}
	}
	return out
}

func (h *PromptTuningHandler) generateSuggestions(ctx context.Context, p *ent.Prompt, poor []*ent.Span) (string, error) {
	usesTools := false
	for _, s := range poor {
		if s.MetadataAttributes != nil && s.MetadataAttributes.ResponseType != "" {
			usesTools = true
			break
		}
	}
	system := "You analyze poorly-scoring LLM spans and suggest concrete improvements to the system prompt."
	if usesTools {
		system += " Some spans involve tool calls; treat the available tools as read-only context when suggesting wording changes."
	}
	resp, err := h.Gateway.Call(ctx, llmgateway.Request{
		SystemPrompt: system,
		Messages: []llmgateway.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Current prompt:\n%s\n\nPoorly-scoring examples:\n%s", p.Content, summarizeSpans(poor)),
		}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (h *PromptTuningHandler) generateCandidate(ctx context.Context, p *ent.Prompt, suggestions string, good, poor []*ent.Span) (string, error) {
	resp, err := h.Gateway.Call(ctx, llmgateway.Request{
		SystemPrompt: "Rewrite the given system prompt template to address the suggestions. Preserve every \"{var_N}\" placeholder exactly; do not introduce new ones. Return only the rewritten template text.",
		Messages: []llmgateway.Message{{
			Role: "user",
			Content: fmt.Sprintf(
				"Current template:\n%s\n\nSuggestions:\n%s\n\nGood examples:\n%s\n\nPoor examples:\n%s",
				p.Content, suggestions, summarizeSpans(good), summarizeSpans(poor),
			),
		}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// replay implements spec.md §4.8 step 5: preserve the original message
// list, substituting only the system message with the candidate template
// rendered against input_params (minus "tools").
func (h *PromptTuningHandler) replay(ctx context.Context, candidateText string, s *ent.Span) (string, llmgateway.Stats, error) {
	vars := map[string]string{}
	for k, v := range s.InputParams {
		if k == "tools" {
			continue
		}
		if str, ok := v.(string); ok {
			vars[k] = str
		}
	}
	tmpl := templateextractor.ParseTemplate(candidateText)
	renderedSystem := tmpl.Render(vars)

	messages := make([]llmgateway.Message, 0, len(s.Input))
	for _, raw := range s.Input {
		role, _ := raw["role"].(string)
		content, _ := raw["content"].(string)
		if role == "system" {
			continue
		}
		messages = append(messages, llmgateway.Message{Role: role, Content: content})
	}

	var tools []llmgateway.ToolDefinition
	if s.MetadataAttributes != nil {
		for _, name := range s.MetadataAttributes.AvailableTools {
			tools = append(tools, llmgateway.ToolDefinition{Name: name})
		}
	}

	model := ""
	if s.MetadataAttributes != nil {
		model = s.MetadataAttributes.Model
	}

	started := time.Now()
	resp, err := h.Gateway.Call(ctx, llmgateway.Request{
		SystemPrompt: renderedSystem,
		Messages:     messages,
		Model:        model,
		Tools:        tools,
	})
	if err != nil {
		return "", llmgateway.Stats{}, err
	}
	if resp.Stats.ResponseMillis == 0 {
		resp.Stats.ResponseMillis = time.Since(started).Milliseconds()
	}
	return resp.Content, resp.Stats, nil
}

func (h *PromptTuningHandler) persistReplaySpans(ctx context.Context, db *ent.Client, projectID, promptID string, results []replayOutcome) error {
	for _, r := range results {
		if r.err != nil {
			continue
		}
		score := r.newScore
		now := time.Now()
		_, err := db.Span.Create().
			SetID(uuid.NewString()).
			SetTraceID(r.span.TraceID).
			SetProjectID(projectID).
			SetPromptID(promptID).
			SetOperation("prompt_tuning").
			SetStartTimeUnixNano(now.UnixNano()).
			SetEndTimeUnixNano(now.Add(time.Duration(r.newLatency) * time.Millisecond).UnixNano()).
			SetInput(r.span.Input).
			SetOutput(map[string]any{"content": r.newOutput}).
			SetFeedbackScore(&ent.FeedbackScore{Correctness: &score}).
			SetMetadataAttributes(&ent.MetadataAttributes{
				PromptImprovementTest: true,
				Cost:                  r.newCost,
			}).
			Save(ctx)
		if err != nil {
			return fmt.Errorf("prompt_tuning: persist replay span: %w", err)
		}
	}
	return nil
}

func summarizeSpans(spans []*ent.Span) string {
	var b []byte
	for _, s := range spans {
		b = append(b, []byte(fmt.Sprintf("- input=%v output=%v\n", s.Input, s.Output))...)
	}
	if len(b) == 0 {
		return "(none)"
	}
	return string(b)
}

func spanCost(s *ent.Span) float64 {
	if s.MetadataAttributes == nil {
		return 0
	}
	return s.MetadataAttributes.Cost
}

func spanLatencyMs(s *ent.Span) float64 {
	return float64(s.EndTimeUnixNano-s.StartTimeUnixNano) / 1e6
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func indexOf(spans []*ent.Span, target *ent.Span) int {
	for i, s := range spans {
		if s.ID == target.ID {
			return i
		}
	}
	return -1
}

func appendHistory(meta *ent.ImprovementMetadata, deltaScore, deltaCost, deltaLatency float64) []map[string]any {
	entry := map[string]any{
		"delta_score":      deltaScore,
		"delta_cost":       deltaCost,
		"delta_latency_ms": deltaLatency,
	}
	if meta == nil {
		return []map[string]any{entry}
	}
	return append(append([]map[string]any{}, meta.ImprovementHistory...), entry)
}

