package workers

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/prompt"
	"github.com/overmind-core/orchestrator/ent/span"
	"github.com/overmind-core/orchestrator/pkg/llmgateway"
	"github.com/overmind-core/orchestrator/pkg/models"
	"github.com/overmind-core/orchestrator/pkg/queue/broker"
)

// defaultJudgeScoringConcurrency is spec.md §4.5's per-job cap on concurrent
// judge LLM calls when no ConcurrencyConfig override is wired.
const defaultJudgeScoringConcurrency = 10

// batchSampleCap is the maximum number of unscored spans a batch-mode job
// scores in one run, per spec.md §4.7.
const batchSampleCap = 50

// JudgeScoringHandler implements spec.md §4.7, grounded on
// overmind/tasks/evaluations.py: resolve criteria, pick a judge template,
// submit one LLM call per span, clamp and merge the score.
type JudgeScoringHandler struct {
	DB          *ent.Client
	Gateway     llmgateway.Gateway
	Concurrency int
}

// Handle satisfies pkg/queue.Handler.
func (h *JudgeScoringHandler) Handle(ctx context.Context, task broker.Task) (map[string]any, error) {
	return runLifecycle(ctx, h.DB, task, h.run)
}

func (h *JudgeScoringHandler) run(ctx context.Context, db *ent.Client, j *ent.Job) (*outcome, error) {
	spans, err := h.selectSpans(ctx, db, j)
	if err != nil {
		return nil, err
	}

	stats := map[string]any{
		"spans_found":    len(spans),
		"spans_selected": len(spans),
	}
	if len(spans) == 0 {
		o := failed("no eligible spans to score")
		return &o, nil
	}

	concurrency := h.Concurrency
	if concurrency <= 0 {
		concurrency = defaultJudgeScoringConcurrency
	}

	var mu sync.Mutex
	errorsBySpan := map[string]string{}
	successCount := 0

	boundedFanOut(ctx, concurrency, spans, func(ctx context.Context, s *ent.Span) error {
		criteria, err := h.resolveCriteria(ctx, db, s)
		if err != nil {
			mu.Lock()
			errorsBySpan[s.ID] = err.Error()
			mu.Unlock()
			return err
		}
		score, err := h.scoreSpan(ctx, s, criteria)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errorsBySpan[s.ID] = err.Error()
			return err
		}
		if updateErr := h.persistScore(ctx, db, s, score); updateErr != nil {
			errorsBySpan[s.ID] = updateErr.Error()
			return updateErr
		}
		successCount++
		return nil
	})

	stats["spans_evaluated"] = successCount
	if len(errorsBySpan) > 0 {
		stats["span_errors"] = errorsBySpan
	}

	o := classifyCounts(successCount, len(spans), &ent.JobResult{Output: stats})
	return &o, nil
}

// selectSpans implements the two modes spec.md §4.7 describes: an explicit
// span-id list carried in the job's stored parameters, or the scheduler's
// batch mode over (project, prompt_slug).
func (h *JudgeScoringHandler) selectSpans(ctx context.Context, db *ent.Client, j *ent.Job) ([]*ent.Span, error) {
	if j.Result != nil && len(j.Result.Parameters) > 0 {
		if raw, ok := j.Result.Parameters["span_ids"].([]any); ok && len(raw) > 0 {
			ids := make([]string, 0, len(raw))
			for _, v := range raw {
				if id, ok := v.(string); ok {
					ids = append(ids, id)
				}
			}
			return db.Span.Query().Where(span.IDIn(ids...)).All(ctx)
		}
	}

	if j.PromptSlug == nil {
		return nil, fmt.Errorf("judge_scoring: batch mode requires a prompt slug")
	}
	p, err := db.Prompt.Query().
		Where(prompt.ProjectIDEQ(j.ProjectID), prompt.SlugEQ(*j.PromptSlug)).
		Order(ent.Desc(prompt.FieldVersion)).
		First(ctx)
	if err != nil {
		return nil, fmt.Errorf("judge_scoring: load prompt: %w", err)
	}

	candidates, err := db.Span.Query().
		Where(span.ProjectIDEQ(j.ProjectID), span.PromptIDEQ(p.ID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("judge_scoring: query candidate spans: %w", err)
	}

	var eligible []*ent.Span
	for _, s := range candidates {
		if models.IsSystemGenerated(s.Operation, toModelsMetadata(s.MetadataAttributes)) {
			continue
		}
		if s.FeedbackScore != nil && s.FeedbackScore.Correctness != nil {
			continue
		}
		eligible = append(eligible, s)
	}

	if len(eligible) <= batchSampleCap {
		return eligible, nil
	}
	rand.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	return eligible[:batchSampleCap], nil
}

// resolveCriteria implements spec.md §4.7 step 1: use the span's prompt's
// own evaluation_criteria.correctness when present, else fall back to a
// type-specific default ladder keyed off the span's response_type/is_agentic.
func (h *JudgeScoringHandler) resolveCriteria(ctx context.Context, db *ent.Client, s *ent.Span) ([]string, error) {
	if s.PromptID != nil {
		p, err := db.Prompt.Get(ctx, *s.PromptID)
		if err != nil && !ent.IsNotFound(err) {
			return nil, fmt.Errorf("judge_scoring: load span's prompt: %w", err)
		}
		if p != nil && p.EvaluationCriteria != nil && len(p.EvaluationCriteria.Correctness) > 0 {
			return p.EvaluationCriteria.Correctness, nil
		}
	}
	return defaultCriteria(s), nil
}

// defaultCriteria is spec.md §4.7 step 1's fallback ladder.
func defaultCriteria(s *ent.Span) []string {
	responseType := ""
	isAgentic := false
	if s.MetadataAttributes != nil {
		responseType = s.MetadataAttributes.ResponseType
		isAgentic = s.MetadataAttributes.IsAgentic
	}
	switch {
	case responseType == "tool_calls":
		return []string{"the response correctly selects and parameterizes the expected tool call"}
	case responseType == "text" && isAgentic:
		return []string{"the final answer is correct given the tool results observed"}
	case responseType == "" && isAgentic:
		crit := "the agent's action sequence accomplishes the stated goal"
		if !strings.Contains(strings.ToLower(crit), "tool") {
			crit += "; tool usage, when present, is appropriate"
		}
		return []string{crit}
	default:
		return []string{"the response is correct and directly answers the input"}
	}
}

func (h *JudgeScoringHandler) scoreSpan(ctx context.Context, s *ent.Span, criteria []string) (float64, error) {
	return callJudge(ctx, h.Gateway, judgeSystemPrompt(s), criteria, s.Input, s.Output)
}

// judgeSystemPrompt selects the tool-call / tool-answer / agentic / plain
// judge template, per spec.md §4.7 step 2.
func judgeSystemPrompt(s *ent.Span) string {
	responseType := ""
	isAgentic := false
	if s.MetadataAttributes != nil {
		responseType = s.MetadataAttributes.ResponseType
		isAgentic = s.MetadataAttributes.IsAgentic
	}
	switch {
	case responseType == "tool_calls":
		return "You are a judge scoring whether a tool call is correct given the conversation. Respond with JSON {\"correctness\": <0..1>}."
	case responseType == "text" && isAgentic:
		return "You are a judge scoring whether a final answer is correct given observed tool results. Respond with JSON {\"correctness\": <0..1>}."
	case responseType == "" && isAgentic:
		return "You are a judge scoring an agent's end-to-end action sequence against its goal. Respond with JSON {\"correctness\": <0..1>}."
	default:
		return "You are a judge scoring whether a response directly and correctly answers the input. Respond with JSON {\"correctness\": <0..1>}."
	}
}

func (h *JudgeScoringHandler) persistScore(ctx context.Context, db *ent.Client, s *ent.Span, score float64) error {
	fb := s.FeedbackScore
	if fb == nil {
		fb = &ent.FeedbackScore{}
	}
	updated := *fb
	updated.Correctness = &score
	return db.Span.UpdateOneID(s.ID).SetFeedbackScore(&updated).Exec(ctx)
}

// toModelsMetadata adapts ent's generated MetadataAttributes (the concrete
// type ent's JSON codegen requires) to pkg/models' equivalent so
// IsSystemGenerated, defined once in pkg/models, is the single source of
// truth both gates and workers use.
func toModelsMetadata(md *ent.MetadataAttributes) *models.MetadataAttributes {
	if md == nil {
		return nil
	}
	return &models.MetadataAttributes{
		IsAgentic:             md.IsAgentic,
		ResponseType:          md.ResponseType,
		AvailableTools:        md.AvailableTools,
		Cost:                  md.Cost,
		Model:                 md.Model,
		PromptTokens:          md.PromptTokens,
		CompletionTokens:      md.CompletionTokens,
		PromptImprovementTest: md.PromptImprovementTest,
		Backtest:              md.Backtest,
		BacktestRunID:         md.BacktestRunID,
	}
}
