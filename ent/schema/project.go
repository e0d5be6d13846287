package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
)

// Project is the top-level tenancy boundary that Jobs, Prompts, Spans,
// Suggestions, and BacktestRuns all scope to.
type Project struct {
	ent.Schema
}

func (Project) Fields() []field.Field {
	return []field.Field{
		field.String("id").
			StorageKey("id").
			Unique().
			Immutable().
			Comment("external project identifier"),
		field.String("name").
			NotEmpty(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (Project) Edges() []edge.Edge {
	return []edge.Edge{
		edge.To("jobs", Job.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("prompts", Prompt.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("spans", Span.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("suggestions", Suggestion.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("backtest_runs", BacktestRun.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}
