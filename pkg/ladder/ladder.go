// Package ladder implements the pure threshold-ladder functions that gate
// prompt_tuning and model_backtesting eligibility and that the periodic UI
// review badge uses, ported verbatim from
// overmind/tasks/prompt_improvement.py's calculate_next_threshold and
// calculate_previous_last_count.
package ladder

// improvementSteps is the fixed run-up before the ladder switches to a flat
// 1000-unit cadence.
var improvementSteps = []int{50, 100, 200, 500, 1000}

// reviewSteps is the UI review ladder; it starts one step earlier than the
// improvement ladder.
var reviewSteps = []int{10, 50, 100, 200, 500, 1000}

// NextImprovement returns the next prompt_tuning/model_backtesting
// threshold strictly greater than current.
func NextImprovement(current int) int {
	return next(current, improvementSteps)
}

// NextReview returns the next periodic-review threshold strictly greater
// than current.
func NextReview(current int) int {
	return next(current, reviewSteps)
}

func next(current int, steps []int) int {
	for _, t := range steps {
		if t > current {
			return t
		}
	}
	return ((current / 1000) + 1) * 1000
}

// PreviousStep returns the ladder step immediately below last, used to roll
// back a prompt's last_improvement_span_count when evaluation criteria are
// invalidated. It builds the ordered list [0, improvementSteps..., 1000-step
// thresholds <= last] and returns the second-to-last entry <= last, or 0 if
// fewer than two steps qualify.
func PreviousStep(last int) int {
	if last <= 0 {
		return 0
	}
	steps := []int{0}
	steps = append(steps, improvementSteps...)
	for t := 2000; t <= last; t += 1000 {
		steps = append(steps, t)
	}
	applicable := steps[:0:0]
	for _, t := range steps {
		if t <= last {
			applicable = append(applicable, t)
		}
	}
	if len(applicable) < 2 {
		return 0
	}
	return applicable[len(applicable)-2]
}
