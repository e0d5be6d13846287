package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Prompt is a discovered or improved template, versioned per (project, slug).
type Prompt struct {
	ent.Schema
}

func (Prompt) Fields() []field.Field {
	return []field.Field{
		field.String("id").
			StorageKey("id").
			Unique().
			Immutable().
			Comment(`derived form "{project_id}_{version}_{slug}", see pkg/models.ComposePromptID`),
		field.String("project_id").
			Immutable(),
		field.String("slug").
			Immutable(),
		field.Int("version").
			Min(1).
			Immutable(),
		field.Text("content").
			NotEmpty(),
		field.String("content_hash").
			NotEmpty(),
		field.String("display_name").
			Optional(),
		field.Strings("tags").
			Optional(),
		field.JSON("evaluation_criteria", &EvaluationCriteria{}).
			Optional(),
		field.JSON("agent_description", &AgentDescription{}).
			Optional(),
		field.JSON("improvement_metadata", &ImprovementMetadata{}).
			Optional(),
		field.Bool("is_active").
			Default(false),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (Prompt) Edges() []edge.Edge {
	return []edge.Edge{
		edge.From("project", Project.Type).
			Ref("prompts").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
		edge.To("spans", Span.Type),
	}
}

func (Prompt) Indexes() []index.Index {
	return []index.Index{
		index.Fields("project_id", "slug", "version").Unique(),
		index.Fields("project_id", "slug", "is_active"),
		index.Fields("content_hash"),
	}
}

// EvaluationCriteria mirrors pkg/models.EvaluationCriteria.
type EvaluationCriteria struct {
	Correctness []string `json:"correctness,omitempty"`
}

// AgentDescription mirrors pkg/models.AgentDescription.
type AgentDescription struct {
	Description            string           `json:"description,omitempty"`
	LastReviewSpanCount    int              `json:"last_review_span_count"`
	NextReviewSpanCount    int              `json:"next_review_span_count"`
	FeedbackHistory        []map[string]any `json:"feedback_history,omitempty"`
	InitialReviewCompleted bool             `json:"initial_review_completed,omitempty"`
}

// ImprovementMetadata mirrors pkg/models.ImprovementMetadata.
type ImprovementMetadata struct {
	LastImprovementSpanCount int              `json:"last_improvement_span_count"`
	ImprovementHistory       []map[string]any `json:"improvement_history,omitempty"`
	CriteriaInvalidated      bool             `json:"criteria_invalidated,omitempty"`
}
