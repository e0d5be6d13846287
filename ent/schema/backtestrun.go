package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// BacktestRun groups one model-backtesting invocation over a single prompt.
type BacktestRun struct {
	ent.Schema
}

func (BacktestRun) Fields() []field.Field {
	return []field.Field{
		field.String("id").
			StorageKey("id").
			Unique().
			Immutable(),
		field.String("project_id").
			Immutable(),
		field.String("prompt_id").
			Immutable(),
		field.Strings("models").
			Optional(),
		field.Enum("status").
			Values("running", "completed", "failed").
			Default("running"),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (BacktestRun) Edges() []edge.Edge {
	return []edge.Edge{
		edge.From("project", Project.Type).
			Ref("backtest_runs").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (BacktestRun) Indexes() []index.Index {
	return []index.Index{
		index.Fields("prompt_id", "status"),
	}
}
