package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// CreateSupplementalIndexes creates the GIN/partial indexes ent's schema
// DSL does not express directly, the same way tarsy's CreateGINIndexes
// hand-writes full-text indexes alongside the generated migration.
func CreateSupplementalIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	// Partial index speeding up the agent_discovery gate's "at least one
	// unmapped span" check without scanning mapped spans.
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_spans_unmapped
		ON spans (project_id) WHERE prompt_id IS NULL`)
	if err != nil {
		return fmt.Errorf("create unmapped-span index: %w", err)
	}

	// GIN index over feedback_score to accelerate the judge_scoring gate's
	// "correctness missing" scan.
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_spans_feedback_score_gin
		ON spans USING gin(feedback_score)`)
	if err != nil {
		return fmt.Errorf("create feedback_score GIN index: %w", err)
	}

	return nil
}
