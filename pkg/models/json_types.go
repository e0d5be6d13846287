package models

// JobResult is the semi-structured payload stored in Job.result: the input
// parameters a worker needs, the validation stats captured at creation, and
// the final output stats or error recorded at completion.
type JobResult struct {
	Parameters      map[string]any `json:"parameters,omitempty"`
	ValidationStats map[string]any `json:"validation_stats,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// EvaluationCriteria is a Prompt's correctness rubric.
type EvaluationCriteria struct {
	Correctness []string `json:"correctness,omitempty"`
}

// Empty reports whether the criteria carry no correctness rules, the gate
// condition used by judge_scoring/prompt_tuning/model_backtesting.
func (c *EvaluationCriteria) Empty() bool {
	return c == nil || len(c.Correctness) == 0
}

// AgentDescription is a Prompt's agent-facing description and review state.
type AgentDescription struct {
	Description            string           `json:"description,omitempty"`
	LastReviewSpanCount    int              `json:"last_review_span_count"`
	NextReviewSpanCount    int              `json:"next_review_span_count"`
	FeedbackHistory        []map[string]any `json:"feedback_history,omitempty"`
	InitialReviewCompleted bool             `json:"initial_review_completed,omitempty"`
}

// ImprovementMetadata tracks a Prompt's progress through the improvement
// threshold ladder.
type ImprovementMetadata struct {
	LastImprovementSpanCount int              `json:"last_improvement_span_count"`
	ImprovementHistory       []map[string]any `json:"improvement_history,omitempty"`
	CriteriaInvalidated      bool             `json:"criteria_invalidated,omitempty"`
}

// FeedbackScore carries judge- and user-supplied scoring for a Span.
type FeedbackScore struct {
	Correctness   *float64       `json:"correctness,omitempty"`
	JudgeFeedback map[string]any `json:"judge_feedback,omitempty"`
	AgentFeedback map[string]any `json:"agent_feedback,omitempty"`
}

// MetadataAttributes is a Span's free-form attribute bag, with the
// well-known keys every gate and worker reads promoted to fields.
type MetadataAttributes struct {
	IsAgentic             bool     `json:"is_agentic,omitempty"`
	ResponseType          string   `json:"response_type,omitempty"`
	AvailableTools        []string `json:"available_tools,omitempty"`
	Cost                  float64  `json:"cost,omitempty"`
	Model                 string   `json:"gen_ai.request.model,omitempty"`
	PromptTokens          int      `json:"prompt_tokens,omitempty"`
	CompletionTokens      int      `json:"completion_tokens,omitempty"`
	PromptImprovementTest bool     `json:"prompt_improvement_test,omitempty"`
	Backtest              bool     `json:"backtest,omitempty"`
	BacktestRunID         string   `json:"backtest_run_id,omitempty"`
}

// IsSystemGenerated reports whether a span carrying this metadata (and the
// given operation name) must be excluded from eligibility counts and
// downstream analysis, per spec.md §3's Span invariants.
func IsSystemGenerated(operation string, md *MetadataAttributes) bool {
	if operation == "prompt_tuning" || (len(operation) >= 9 && operation[:9] == "backtest:") {
		return true
	}
	if md == nil {
		return false
	}
	return md.PromptImprovementTest || md.Backtest
}
