package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Span is one observed LLM call, optionally classified against a Prompt.
type Span struct {
	ent.Schema
}

func (Span) Fields() []field.Field {
	return []field.Field{
		field.String("id").
			StorageKey("id").
			MaxLen(36).
			Unique().
			Immutable(),
		field.String("trace_id").
			Immutable(),
		field.String("parent_span_id").
			Optional().
			Nillable(),
		field.String("project_id").
			Immutable(),
		field.String("prompt_id").
			Optional().
			Nillable().
			Comment("set by agent discovery once classified"),
		field.Int64("start_time_unix_nano"),
		field.Int64("end_time_unix_nano"),
		field.String("operation").
			Optional(),
		field.JSON("input", []map[string]any{}).
			Optional(),
		field.JSON("output", map[string]any{}).
			Optional(),
		field.JSON("input_params", map[string]any{}).
			Optional(),
		field.JSON("output_params", map[string]any{}).
			Optional(),
		field.JSON("metadata_attributes", &MetadataAttributes{}).
			Optional(),
		field.JSON("feedback_score", &FeedbackScore{}).
			Optional(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Span) Edges() []edge.Edge {
	return []edge.Edge{
		edge.From("project", Project.Type).
			Ref("spans").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
		edge.From("prompt", Prompt.Type).
			Ref("spans").
			Field("prompt_id").
			Unique(),
	}
}

func (Span) Indexes() []index.Index {
	return []index.Index{
		index.Fields("project_id", "prompt_id"),
		index.Fields("prompt_id", "operation"),
		index.Fields("trace_id"),
	}
}

// MetadataAttributes mirrors pkg/models.MetadataAttributes: a free-form bag
// plus the well-known keys every gate/worker reads.
type MetadataAttributes struct {
	IsAgentic             bool           `json:"is_agentic,omitempty"`
	ResponseType          string         `json:"response_type,omitempty"`
	AvailableTools        []string       `json:"available_tools,omitempty"`
	Cost                  float64        `json:"cost,omitempty"`
	Model                 string         `json:"gen_ai.request.model,omitempty"`
	PromptTokens          int            `json:"prompt_tokens,omitempty"`
	CompletionTokens      int            `json:"completion_tokens,omitempty"`
	PromptImprovementTest bool           `json:"prompt_improvement_test,omitempty"`
	Backtest              bool           `json:"backtest,omitempty"`
	BacktestRunID         string         `json:"backtest_run_id,omitempty"`
	Extra                 map[string]any `json:"-"`
}

// FeedbackScore mirrors pkg/models.FeedbackScore.
type FeedbackScore struct {
	Correctness   *float64       `json:"correctness,omitempty"`
	JudgeFeedback map[string]any `json:"judge_feedback,omitempty"`
	AgentFeedback map[string]any `json:"agent_feedback,omitempty"`
}
