// Package recommender implements spec.md §5.14's Metric Aggregator &
// Recommender, grounded verbatim on
// original_source/overmind/tasks/backtesting.py's
// _generate_recommendations: 15pp disqualification, a 5pp tolerance window
// for fastest/cheapest, and a 3*Δscore%+Δlatency%+Δcost% weighting for
// best_overall.
package recommender

import "fmt"

// Metrics is one model's aggregated backtest sample: avg_score is a
// fraction in [0,1], avg_latency_ms and avg_cost are per-call averages.
type Metrics struct {
	AvgScore     float64
	AvgLatencyMs float64
	AvgCost      float64
	SuccessRate  float64
}

// disqualifyThreshold: a candidate whose score drops more than 15
// percentage points below baseline is disqualified from every ranking.
const disqualifyThreshold = 0.15

// toleranceWindow: fastest/cheapest candidates must stay within 5
// percentage points of baseline score to qualify.
const toleranceWindow = 0.05

// Verdict strings, stable across implementations (surfaced in Suggestion
// rows and UI copy).
const (
	VerdictSwitchRecommended    = "switch_recommended"
	VerdictConsiderTopPerformer = "consider_top_performer"
	VerdictCurrentIsBest        = "current_is_best"
)

// Recommendation is the structured verdict plus a human-readable summary.
type Recommendation struct {
	Verdict          string
	Summary          string
	TopPerformer     string
	Fastest          string
	Cheapest         string
	BestOverall      string
	RecommendedModel string // TopPerformer for VerdictSwitchRecommended, BestOverall for VerdictConsiderTopPerformer, empty otherwise
}

// Recommend ranks candidates against the baseline and returns a structured
// verdict. Candidate keys are model names.
func Recommend(baseline Metrics, candidates map[string]Metrics) Recommendation {
	qualified := map[string]Metrics{}
	for name, m := range candidates {
		if baseline.AvgScore-m.AvgScore <= disqualifyThreshold {
			qualified[name] = m
		}
	}

	topPerformer := bestByScore(baseline, qualified)
	fastest := bestByLatency(baseline, qualified)
	cheapest := bestByCost(baseline, qualified)
	bestOverall, bestOverallScore := bestByWeightedScore(baseline, qualified)

	rec := Recommendation{TopPerformer: topPerformer, Fastest: fastest, Cheapest: cheapest, BestOverall: bestOverall}

	switch {
	case topPerformer != "":
		rec.Verdict = VerdictSwitchRecommended
		rec.RecommendedModel = topPerformer
		rec.Summary = fmt.Sprintf("%s scores higher than the current model; recommend switching.", topPerformer)
	case bestOverall != "" && bestOverallScore > 0:
		rec.Verdict = VerdictConsiderTopPerformer
		rec.RecommendedModel = bestOverall
		rec.Summary = fmt.Sprintf("%s offers a better cost/latency tradeoff within tolerance; worth considering.", bestOverall)
	default:
		rec.Verdict = VerdictCurrentIsBest
		rec.Summary = "no candidate model outperforms the current model."
	}
	return rec
}

// bestByScore returns the highest-scoring qualified candidate that strictly
// beats the baseline, or "" if none does.
func bestByScore(baseline Metrics, candidates map[string]Metrics) string {
	best := ""
	bestScore := baseline.AvgScore
	for name, m := range candidates {
		if m.AvgScore > bestScore {
			best = name
			bestScore = m.AvgScore
		}
	}
	return best
}

// bestByLatency returns the lowest-latency candidate within the tolerance
// window of baseline score, excluding candidates that are not actually
// faster than baseline.
func bestByLatency(baseline Metrics, candidates map[string]Metrics) string {
	best := ""
	bestLatency := baseline.AvgLatencyMs
	for name, m := range candidates {
		if baseline.AvgScore-m.AvgScore > toleranceWindow {
			continue
		}
		if m.AvgLatencyMs < bestLatency {
			best = name
			bestLatency = m.AvgLatencyMs
		}
	}
	return best
}

// bestByCost mirrors bestByLatency for cost.
func bestByCost(baseline Metrics, candidates map[string]Metrics) string {
	best := ""
	bestCost := baseline.AvgCost
	for name, m := range candidates {
		if baseline.AvgScore-m.AvgScore > toleranceWindow {
			continue
		}
		if m.AvgCost < bestCost {
			best = name
			bestCost = m.AvgCost
		}
	}
	return best
}

// bestByWeightedScore returns the qualified candidate maximizing
// 3*Δscore% + Δlatency% + Δcost%, where each delta is positive when the
// candidate is better than baseline.
func bestByWeightedScore(baseline Metrics, candidates map[string]Metrics) (string, float64) {
	best := ""
	bestScore := 0.0
	first := true
	for name, m := range candidates {
		weighted := weightedDelta(baseline, m)
		if first || weighted > bestScore {
			best = name
			bestScore = weighted
			first = false
		}
	}
	if first {
		return "", 0
	}
	return best, bestScore
}

func weightedDelta(baseline, m Metrics) float64 {
	deltaScorePct := pctDelta(baseline.AvgScore, m.AvgScore)
	deltaLatencyPct := pctDelta(m.AvgLatencyMs, baseline.AvgLatencyMs) // candidate faster => positive
	deltaCostPct := pctDelta(m.AvgCost, baseline.AvgCost)             // candidate cheaper => positive
	return 3*deltaScorePct + deltaLatencyPct + deltaCostPct
}

// pctDelta returns (to-from)/from*100, 0 when from is 0 to avoid division
// by zero on a baseline with no recorded cost/latency.
func pctDelta(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}
