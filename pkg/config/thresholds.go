package config

// ThresholdConfig holds the base values that are not themselves part of
// the pure ladder sequence. pkg/gates reads ActivityWindow,
// MinScoredSpansForScoring and MinAdoptionFraction; PerfDisqualifyFraction
// and ToleranceWindowFraction are not read by any package (pkg/recommender
// carries its own constants for those checks).
type ThresholdConfig struct {
	ActivityWindow           int     `yaml:"activity_window_days"`
	MinScoredSpansForScoring int     `yaml:"min_scored_spans_for_scoring"`
	MinAdoptionFraction      float64 `yaml:"min_adoption_fraction"`
	PerfDisqualifyFraction   float64 `yaml:"perf_disqualify_fraction"`
	ToleranceWindowFraction  float64 `yaml:"tolerance_window_fraction"`
}

// DefaultThresholdConfig returns the constants named in spec.md §4.4 and
// §4.10 (10 unscored spans, 25% adoption, 15pp disqualify, 5pp tolerance).
func DefaultThresholdConfig() *ThresholdConfig {
	return &ThresholdConfig{
		ActivityWindow:           getenvInt("THRESHOLD_ACTIVITY_WINDOW_DAYS", 7),
		MinScoredSpansForScoring: getenvInt("THRESHOLD_MIN_SCORED_SPANS", 10),
		MinAdoptionFraction:      0.25,
		PerfDisqualifyFraction:   0.15,
		ToleranceWindowFraction:  0.05,
	}
}
