// Package gates implements spec.md §4.4's eligibility gates: one pure
// function per job type, called both by the periodic scheduler before
// inserting a system-triggered job and by user-facing endpoints before
// accepting a user-triggered one. Gates never mutate state.
package gates

import (
	"context"
	"errors"
	"fmt"

	"github.com/overmind-core/orchestrator/ent"
	"github.com/overmind-core/orchestrator/ent/job"
)

// Scope identifies what a gate evaluates: a project, and for per-prompt job
// types, a specific prompt slug.
type Scope struct {
	ProjectID  string
	PromptSlug string // empty for project-wide gates (agent_discovery)
}

// Result is a gate's verdict: eligible or not, with a human-readable reason
// and observability stats to stash in the created job's validation_stats.
type Result struct {
	Eligible bool
	Reason   string
	Stats    map[string]any
}

// ErrAlreadyInProgress wraps a gate's ineligibility reason when it is due
// to an existing PENDING/RUNNING job of the same type and scope, so callers
// can count it as "deduped" rather than "skipped for lack of data" per
// spec.md §4.4.
type ErrAlreadyInProgress struct {
	Reason string
}

func (e *ErrAlreadyInProgress) Error() string { return e.Reason }

func alreadyInProgress(reason string) (Result, error) {
	return Result{Eligible: false, Reason: reason}, &ErrAlreadyInProgress{Reason: reason}
}

func ineligible(reason string, stats map[string]any) (Result, error) {
	return Result{Eligible: false, Reason: reason, Stats: stats}, nil
}

func eligible(stats map[string]any) (Result, error) {
	return Result{Eligible: true, Stats: stats}, nil
}

// hasLiveJob reports whether a PENDING/RUNNING job of jobType exists for
// the given scope. Gates treat any such row as blocking regardless of
// broker liveness; only the reconciler re-checks broker liveness, since a
// gate has no broker handle and must stay conservative.
func hasLiveJob(ctx context.Context, db *ent.Client, jobType job.JobType, projectID, promptSlug string) (bool, error) {
	q := db.Job.Query().
		Where(
			job.JobTypeEQ(jobType),
			job.ProjectIDEQ(projectID),
			job.StatusIn(job.StatusPending, job.StatusRunning),
		)
	if promptSlug != "" {
		q = q.Where(job.PromptSlugEQ(promptSlug))
	} else {
		q = q.Where(job.PromptSlugIsNil())
	}
	n, err := q.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("gates: check live job: %w", err)
	}
	return n > 0, nil
}

// errUnsupportedScope is returned by a gate when called with a scope that
// doesn't match its job type (e.g. agent_discovery given a prompt slug).
var errUnsupportedScope = errors.New("gates: scope does not match job type")
