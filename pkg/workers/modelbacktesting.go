package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/backtestrun"
	"github.com/overmind-core/orchestrator/ent/prompt"
	"github.com/overmind-core/orchestrator/ent/span"
	"github.com/overmind-core/orchestrator/pkg/llmgateway"
	"github.com/overmind-core/orchestrator/pkg/models"
	"github.com/overmind-core/orchestrator/pkg/queue/broker"
	"github.com/overmind-core/orchestrator/pkg/recommender"
)

// maxSpansForBacktesting bounds the sample a model_backtesting run replays
// per candidate model, per spec.md §4.10.
const maxSpansForBacktesting = 50

// defaultModelBacktestingConcurrency is spec.md §4.10's cap on concurrent
// replay calls when no ConcurrencyConfig override is wired.
const defaultModelBacktestingConcurrency = 5

// defaultCandidateModels is the model set a manually- or scheduler-triggered
// backtest runs against when the job carries no explicit override, grounded
// on overmind/tasks/backtesting.py's default candidate list and kept to
// names pkg/recommender's provider map already recognizes.
var defaultCandidateModels = []string{
	"gpt-5-mini", "gpt-5", "gpt-4o",
	"claude-sonnet-4-6", "claude-haiku-4-6", "claude-opus-4-6",
	"gemini-2.5-pro", "gemini-2.5-flash",
}

// ModelBacktestingHandler implements spec.md §4.10, grounded on
// overmind/tasks/backtesting.py: replay a prompt's recent traffic against
// candidate models, score each replay, and recommend a switch.
type ModelBacktestingHandler struct {
	DB          *ent.Client
	Gateway     llmgateway.Gateway
	Concurrency int
}

// Handle satisfies pkg/queue.Handler.
func (h *ModelBacktestingHandler) Handle(ctx context.Context, task broker.Task) (map[string]any, error) {
	return runLifecycle(ctx, h.DB, task, h.run)
}

// backtestReplay is one (span, candidate model) replay-and-score result.
type backtestReplay struct {
	model     string
	score     float64
	latencyMs float64
	cost      float64
	err       error
}

func (h *ModelBacktestingHandler) run(ctx context.Context, db *ent.Client, j *ent.Job) (*outcome, error) {
	if j.PromptSlug == nil {
		return nil, fmt.Errorf("model_backtesting: job has no prompt slug")
	}
	p, err := db.Prompt.Query().
		Where(prompt.ProjectIDEQ(j.ProjectID), prompt.SlugEQ(*j.PromptSlug)).
		Order(ent.Desc(prompt.FieldVersion)).
		First(ctx)
	if err != nil {
		return nil, fmt.Errorf("model_backtesting: load prompt: %w", err)
	}
	criteria := []string{}
	if p.EvaluationCriteria != nil {
		criteria = p.EvaluationCriteria.Correctness
	}

	candidateModels := h.resolveCandidateModels(j)

	run, err := db.BacktestRun.Create().
		SetID(uuid.NewString()).
		SetProjectID(j.ProjectID).
		SetPromptID(p.ID).
		SetModels(candidateModels).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("model_backtesting: create run: %w", err)
	}

	sample, err := h.selectSample(ctx, db, j.ProjectID, *j.PromptSlug)
	if err != nil {
		_ = db.BacktestRun.UpdateOne(run).SetStatus(backtestrun.StatusFailed).SetCompletedAt(time.Now()).Exec(ctx)
		return nil, err
	}
	if len(sample) == 0 {
		_ = db.BacktestRun.UpdateOne(run).SetStatus(backtestrun.StatusFailed).SetCompletedAt(time.Now()).Exec(ctx)
		o := failed("no eligible spans to backtest")
		return &o, nil
	}

	baselineModel, baseline := detectBaseline(sample)

	type pairing struct {
		span  *ent.Span
		model string
	}
	var items []recommender.WorkItem
	pairings := map[string]pairing{}
	for _, s := range sample {
		for _, model := range candidateModels {
			key := s.ID + "|" + model
			items = append(items, recommender.WorkItem{SpanID: s.ID, Model: model})
			pairings[key] = pairing{span: s, model: model}
		}
	}
	ordered := recommender.InterleaveByProvider(items)
	results := make([]backtestReplay, len(ordered))

	concurrency := h.Concurrency
	if concurrency <= 0 {
		concurrency = defaultModelBacktestingConcurrency
	}

	indices := make([]int, len(ordered))
	for i := range ordered {
		indices[i] = i
	}
	boundedFanOut(ctx, concurrency, indices, func(ctx context.Context, idx int) error {
		item := ordered[idx]
		pr := pairings[item.SpanID+"|"+item.Model]

		content, stats, err := h.replayOnModel(ctx, item.Model, pr.span)
		if err != nil {
			results[idx] = backtestReplay{model: item.Model, err: err}
			return err
		}
		score, err := callJudge(ctx, h.Gateway, judgeSystemPrompt(pr.span), criteria, pr.span.Input, content)
		if err != nil {
			results[idx] = backtestReplay{model: item.Model, err: err}
			return err
		}
		results[idx] = backtestReplay{model: item.Model, score: score, latencyMs: float64(stats.ResponseMillis), cost: stats.ResponseCost}

		if err := h.persistBacktestSpan(ctx, db, j.ProjectID, p.ID, run.ID, item.Model, pr.span, score, content, stats); err != nil {
			results[idx].err = err
			return err
		}
		return nil
	})

	perModel := map[string][]backtestReplay{}
	successCount := 0
	for _, r := range results {
		if r.err != nil {
			continue
		}
		successCount++
		perModel[r.model] = append(perModel[r.model], r)
	}

	attemptsPerModel := len(sample)
	metrics := map[string]recommender.Metrics{}
	for _, model := range candidateModels {
		metrics[model] = aggregateBacktestMetrics(perModel[model], attemptsPerModel)
	}

	rec := recommender.Recommend(baseline, metrics)

	stats := map[string]any{
		"scored_count_at_creation": len(sample),
		"baseline_model":           baselineModel,
		"candidate_models":         candidateModels,
		"total_items":              len(ordered),
		"succeeded_items":          successCount,
		"verdict":                  rec.Verdict,
		"top_performer":            rec.TopPerformer,
		"fastest":                  rec.Fastest,
		"cheapest":                 rec.Cheapest,
		"best_overall":             rec.BestOverall,
	}

	if rec.Verdict == recommender.VerdictSwitchRecommended || rec.Verdict == recommender.VerdictConsiderTopPerformer {
		if err := db.Suggestion.Create().
			SetID(uuid.NewString()).
			SetProjectID(j.ProjectID).
			SetPromptSlug(*j.PromptSlug).
			SetScores(map[string]any{
				"recommended_model": rec.RecommendedModel,
				"verdict":           rec.Verdict,
				"summary":           rec.Summary,
			}).
			Exec(ctx); err != nil {
			return nil, fmt.Errorf("model_backtesting: create suggestion: %w", err)
		}
	}

	terminalRunStatus := backtestrun.StatusCompleted
	if successCount == 0 {
		terminalRunStatus = backtestrun.StatusFailed
	}
	if err := db.BacktestRun.UpdateOne(run).SetStatus(terminalRunStatus).SetCompletedAt(time.Now()).Exec(ctx); err != nil {
		return nil, fmt.Errorf("model_backtesting: finalize run: %w", err)
	}

	// scored_count_at_creation is read back by pkg/gates.ModelBacktesting's
	// threshold-ladder guard on this prompt's *next* backtesting run, so it
	// lives under Parameters (spec.md §4.10 step 10), mirroring the
	// original's result["parameters"]["scored_count_at_creation"]. The copy
	// in Output is only part of this run's observability stats; the guard
	// does not read it.
	params := map[string]any{"scored_count_at_creation": len(sample)}

	o := classifyCounts(successCount, len(ordered), &ent.JobResult{Parameters: params, Output: stats})
	return &o, nil
}

// resolveCandidateModels implements spec.md §4.10 step 1: an explicit
// caller-supplied model list, mirroring judge_scoring's span_ids override,
// or the default candidate set.
func (h *ModelBacktestingHandler) resolveCandidateModels(j *ent.Job) []string {
	if j.Result != nil {
		if raw, ok := j.Result.Parameters["candidate_models"].([]any); ok && len(raw) > 0 {
			picked := make([]string, 0, len(raw))
			for _, v := range raw {
				if name, ok := v.(string); ok {
					picked = append(picked, name)
				}
			}
			if len(picked) > 0 {
				return picked
			}
		}
	}
	return defaultCandidateModels
}

// selectSample fetches up to maxSpansForBacktesting non-system,
// input-bearing, scored spans for the prompt, per spec.md §4.10 step 2.
func (h *ModelBacktestingHandler) selectSample(ctx context.Context, db *ent.Client, projectID, slug string) ([]*ent.Span, error) {
	all, err := db.Span.Query().
		Where(span.ProjectIDEQ(projectID), span.HasPromptWith(prompt.SlugEQ(slug))).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("model_backtesting: query spans: %w", err)
	}
	var eligible []*ent.Span
	for _, s := range all {
		if models.IsSystemGenerated(s.Operation, toModelsMetadata(s.MetadataAttributes)) {
			continue
		}
		if len(s.Input) == 0 {
			continue
		}
		if s.FeedbackScore == nil || s.FeedbackScore.Correctness == nil {
			continue
		}
		eligible = append(eligible, s)
	}
	if len(eligible) > maxSpansForBacktesting {
		eligible = eligible[:maxSpansForBacktesting]
	}
	return eligible, nil
}

// detectBaseline finds the mode of metadata.gen_ai.request.model across the
// sample and computes its aggregate baseline metrics, per spec.md §4.10
// step 3.
func detectBaseline(sample []*ent.Span) (string, recommender.Metrics) {
	counts := map[string]int{}
	for _, s := range sample {
		if s.MetadataAttributes == nil || s.MetadataAttributes.Model == "" {
			continue
		}
		counts[s.MetadataAttributes.Model]++
	}
	best := ""
	bestCount := 0
	for model, count := range counts {
		if count > bestCount {
			best = model
			bestCount = count
		}
	}

	var scores, latencies, costs []float64
	for _, s := range sample {
		if s.MetadataAttributes == nil || s.MetadataAttributes.Model != best {
			continue
		}
		if s.FeedbackScore != nil && s.FeedbackScore.Correctness != nil {
			scores = append(scores, *s.FeedbackScore.Correctness)
		}
		latencies = append(latencies, spanLatencyMs(s))
		costs = append(costs, spanCost(s))
	}

	return best, recommender.Metrics{
		AvgScore:     mean(scores),
		AvgLatencyMs: mean(latencies),
		AvgCost:      mean(costs),
		SuccessRate:  1,
	}
}

// replayOnModel implements spec.md §4.10 step 5: replay the span's own
// messages unmodified against a candidate model override. Unlike
// prompt_tuning's replay, the prompt text itself never changes here — only
// the model varies.
func (h *ModelBacktestingHandler) replayOnModel(ctx context.Context, modelName string, s *ent.Span) (string, llmgateway.Stats, error) {
	messages := make([]llmgateway.Message, 0, len(s.Input))
	for _, raw := range s.Input {
		role, _ := raw["role"].(string)
		content, _ := raw["content"].(string)
		messages = append(messages, llmgateway.Message{Role: role, Content: content})
	}

	var tools []llmgateway.ToolDefinition
	if s.MetadataAttributes != nil {
		for _, name := range s.MetadataAttributes.AvailableTools {
			tools = append(tools, llmgateway.ToolDefinition{Name: name})
		}
	}

	started := time.Now()
	resp, err := h.Gateway.Call(ctx, llmgateway.Request{
		Messages: messages,
		Model:    modelName,
		Tools:    tools,
	})
	if err != nil {
		return "", llmgateway.Stats{}, err
	}
	if resp.Stats.ResponseMillis == 0 {
		resp.Stats.ResponseMillis = time.Since(started).Milliseconds()
	}
	return resp.Content, resp.Stats, nil
}

// persistBacktestSpan implements spec.md §4.10 step 6: a synthetic span
// tagged backtest=true, scoped to this run, carrying only the response_type
// / is_agentic signals the original span itself carried (a plain-text
// original never grows tool-call metadata just because a candidate model
// happened to call a tool).
func (h *ModelBacktestingHandler) persistBacktestSpan(ctx context.Context, db *ent.Client, projectID, promptID, runID, modelName string, original *ent.Span, score float64, output string, stats llmgateway.Stats) error {
	responseType := ""
	isAgentic := false
	if original.MetadataAttributes != nil {
		responseType = original.MetadataAttributes.ResponseType
		isAgentic = original.MetadataAttributes.IsAgentic
	}
	now := time.Now()
	scoreCopy := score
	_, err := db.Span.Create().
		SetID(uuid.NewString()).
		SetTraceID(original.TraceID).
		SetProjectID(projectID).
		SetPromptID(promptID).
		SetOperation("backtest:" + modelName).
		SetStartTimeUnixNano(now.UnixNano()).
		SetEndTimeUnixNano(now.Add(time.Duration(stats.ResponseMillis) * time.Millisecond).UnixNano()).
		SetInput(original.Input).
		SetOutput(map[string]any{"content": output}).
		SetFeedbackScore(&ent.FeedbackScore{Correctness: &scoreCopy}).
		SetMetadataAttributes(&ent.MetadataAttributes{
			Backtest:      true,
			BacktestRunID: runID,
			Model:         modelName,
			Cost:          stats.ResponseCost,
			ResponseType:  responseType,
			IsAgentic:     isAgentic,
		}).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("model_backtesting: persist backtest span: %w", err)
	}
	return nil
}

func aggregateBacktestMetrics(results []backtestReplay, attempted int) recommender.Metrics {
	var scores, latencies, costs []float64
	for _, r := range results {
		scores = append(scores, r.score)
		latencies = append(latencies, r.latencyMs)
		costs = append(costs, r.cost)
	}
	successRate := 0.0
	if attempted > 0 {
		successRate = float64(len(results)) / float64(attempted)
	}
	return recommender.Metrics{
		AvgScore:     mean(scores),
		AvgLatencyMs: mean(latencies),
		AvgCost:      mean(costs),
		SuccessRate:  successRate,
	}
}
