package config

// ConcurrencyConfig holds the per-job-type fan-out caps and the
// per-prompt/type job cap from spec.md §4.4/§4.5.
type ConcurrencyConfig struct {
	JudgeScoringConcurrency        int `yaml:"judge_scoring_concurrency"`
	ModelBacktestingConcurrency    int `yaml:"model_backtesting_concurrency"`
	BacktestSpanCap                int `yaml:"backtest_span_cap"`
	MinSpansForBacktesting         int `yaml:"min_spans_for_backtesting"`
	MaxPendingJobsPerPromptAndType int `yaml:"max_pending_jobs_per_prompt_and_type"`
}

// DefaultConcurrencyConfig returns the constants named throughout spec.md
// §4.4–§4.10.
func DefaultConcurrencyConfig() *ConcurrencyConfig {
	return &ConcurrencyConfig{
		JudgeScoringConcurrency:        getenvInt("CONCURRENCY_JUDGE_SCORING", 10),
		ModelBacktestingConcurrency:    getenvInt("CONCURRENCY_MODEL_BACKTESTING", 5),
		BacktestSpanCap:                getenvInt("BACKTEST_SPAN_CAP", 50),
		MinSpansForBacktesting:         getenvInt("MIN_SPANS_FOR_BACKTESTING", 10),
		MaxPendingJobsPerPromptAndType: getenvInt("MAX_PENDING_JOBS_PER_PROMPT_AND_TYPE", 2),
	}
}
