package queue

// Task names the reconciler dispatches by and workers register handlers
// under. Stable strings per spec.md §6 so any external component that
// enqueues by name keeps working.
const (
	TaskAgentDiscoveryDiscoverAgents    = "agent_discovery.discover_agents"
	TaskAgentDiscoveryRunAgentDiscovery = "agent_discovery.run_agent_discovery"

	TaskAutoEvaluationEvaluateUnscoredSpans = "auto_evaluation.evaluate_unscored_spans"
	TaskAutoEvaluationEvaluatePromptSpans   = "auto_evaluation.evaluate_prompt_spans"
	TaskEvaluationsEvaluateSpans            = "evaluations.evaluate_spans"

	TaskPromptImprovementImproveTemplates    = "prompt_improvement.improve_prompt_templates"
	TaskPromptImprovementImproveSinglePrompt = "prompt_improvement.improve_single_prompt"

	TaskBacktestingCheckCandidates = "backtesting.check_backtesting_candidates"
	TaskBacktestingRunBacktesting  = "backtesting.run_model_backtesting"

	TaskJobReconcilerReconcilePending = "job_reconciler.reconcile_pending_jobs"
	TaskJobCleanupCleanupOldJobs      = "job_cleanup.cleanup_old_jobs"

	TaskPeriodicReviewsCheckTriggers      = "periodic_reviews.check_review_triggers"
	TaskPeriodicReviewsMarkReviewComplete = "periodic_reviews.mark_review_completed"

	// TaskPromptsGenerateCriteria and TaskPromptsGenerateDescription are
	// fire-and-forget enqueues agent_discovery makes for every newly created
	// Prompt (spec.md §4.6 step 6); they are not tracked as Job rows. The
	// literal strings are the registered task names of their downstream
	// consumers (criteria_generator, agent_description_generator), not this
	// repo's own naming convention.
	TaskPromptsGenerateCriteria    = "criteria_generator.generate"
	TaskPromptsGenerateDescription = "agent_description_generator.generate_initial_description"
)

// jobTypeTaskName maps a job's type to the task name the reconciler
// dispatches it under.
var jobTypeTaskName = map[string]string{
	"agent_discovery":   TaskAgentDiscoveryRunAgentDiscovery,
	"judge_scoring":     TaskEvaluationsEvaluateSpans,
	"prompt_tuning":     TaskPromptImprovementImproveSinglePrompt,
	"model_backtesting": TaskBacktestingRunBacktesting,
}

// TaskNameForJobType returns the broker task name a job of the given type
// dispatches under, and whether the type is recognized.
func TaskNameForJobType(jobType string) (string, bool) {
	name, ok := jobTypeTaskName[jobType]
	return name, ok
}
