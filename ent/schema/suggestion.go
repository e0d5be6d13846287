package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Suggestion is a recommendation surfaced to the user: either a prompt
// version swap or a model swap, depending on which optional fields are set.
type Suggestion struct {
	ent.Schema
}

func (Suggestion) Fields() []field.Field {
	return []field.Field{
		field.String("id").
			StorageKey("id").
			Unique().
			Immutable(),
		field.String("project_id").
			Immutable(),
		field.String("prompt_slug").
			Immutable(),
		field.Enum("status").
			Values("pending", "accepted", "dismissed").
			Default("pending"),
		field.Int("vote").
			Default(0).
			Comment("-1, 0, or +1"),
		field.Text("feedback_text").
			Optional(),
		field.Text("new_prompt_text").
			Optional(),
		field.Int("new_prompt_version").
			Optional().
			Nillable(),
		field.JSON("scores", map[string]any{}).
			Optional().
			Comment("scores-summary, including scores.recommended_model for a model-swap suggestion"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (Suggestion) Edges() []edge.Edge {
	return []edge.Edge{
		edge.From("project", Project.Type).
			Ref("suggestions").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (Suggestion) Indexes() []index.Index {
	return []index.Index{
		index.Fields("project_id", "prompt_slug", "status"),
	}
}
