package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Job is the central unit of orchestration: a unit of system- or
// user-triggered work tracked through pending -> running -> terminal.
type Job struct {
	ent.Schema
}

func (Job) Fields() []field.Field {
	return []field.Field{
		field.String("id").
			StorageKey("id").
			Unique().
			Immutable(),
		field.Enum("job_type").
			Values("agent_discovery", "judge_scoring", "prompt_tuning", "model_backtesting").
			Immutable(),
		field.String("project_id").
			Immutable(),
		field.String("prompt_slug").
			Optional().
			Nillable().
			Comment("null for project-wide job types such as agent_discovery"),
		field.Enum("status").
			Values("pending", "running", "completed", "partially_completed", "failed", "cancelled").
			Default("pending"),
		field.String("task_id").
			Optional().
			Nillable().
			Comment("work-queue dispatch handle, set when the reconciler dispatches this job"),
		field.String("triggered_by_user_id").
			Optional().
			Nillable().
			Comment("null means system-triggered"),
		field.JSON("result", &JobResult{}).
			Optional().
			Comment("parameters / validation_stats / output, see pkg/models.JobResult"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

func (Job) Edges() []edge.Edge {
	return []edge.Edge{
		edge.From("project", Project.Type).
			Ref("jobs").
			Field("project_id").
			Unique().
			Required().
			Immutable(),
	}
}

func (Job) Indexes() []index.Index {
	return []index.Index{
		index.Fields("job_type", "project_id", "prompt_slug", "status"),
		index.Fields("status", "created_at"),
	}
}

// JobResult mirrors pkg/models.JobResult's JSON shape; duplicated here only
// as the concrete type ent needs for JSON column codegen.
type JobResult struct {
	Parameters      map[string]any `json:"parameters,omitempty"`
	ValidationStats map[string]any `json:"validation_stats,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
}
