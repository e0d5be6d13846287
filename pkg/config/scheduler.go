package config

import "time"

// SchedulerConfig holds the cadence of each periodic tick, grounded on
// overmind/celery_app.py's beat_schedule. Kept yaml-tagged for parity with
// tarsy's DefaultXConfig() structs even though this repo sources config
// from the environment, not a YAML file.
type SchedulerConfig struct {
	AgentDiscoveryInterval    time.Duration `yaml:"agent_discovery_interval"`
	AutoEvaluationInterval    time.Duration `yaml:"auto_evaluation_interval"`
	PromptImprovementInterval time.Duration `yaml:"prompt_improvement_interval"`
	ModelBacktestingInterval  time.Duration `yaml:"model_backtesting_interval"`
	JobReconcilerInterval     time.Duration `yaml:"job_reconciler_interval"`
	PeriodicReviewsInterval   time.Duration `yaml:"periodic_reviews_interval"`
}

// DefaultSchedulerConfig returns the cadences from spec.md §4.1 / the
// original celery beat_schedule, overridable per-tick via environment
// variables for operators who need to detune a noisy tick.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		AgentDiscoveryInterval:    getenvDuration("SCHEDULER_AGENT_DISCOVERY_INTERVAL", 20*time.Second),
		AutoEvaluationInterval:    getenvDuration("SCHEDULER_AUTO_EVALUATION_INTERVAL", 20*time.Second),
		PromptImprovementInterval: getenvDuration("SCHEDULER_PROMPT_IMPROVEMENT_INTERVAL", 300*time.Second),
		ModelBacktestingInterval:  getenvDuration("SCHEDULER_MODEL_BACKTESTING_INTERVAL", 300*time.Second),
		JobReconcilerInterval:     getenvDuration("SCHEDULER_JOB_RECONCILER_INTERVAL", 30*time.Second),
		PeriodicReviewsInterval:   getenvDuration("SCHEDULER_PERIODIC_REVIEWS_INTERVAL", 20*time.Second),
	}
}
