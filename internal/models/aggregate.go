package models

import "math"

// Aggregate folds resolved timeframe changes into a score and direction.
//
// Every resolved offset with a change votes with its weight: the weighted mean
// of |change| is scaled by consistency, the share of weight agreeing with the
// dominant sign. Nothing resolved yields a zero neutral score.
func Aggregate(timeframes map[string]TimeframeResult, offsets []TimeframeOffset) (float64, Direction) {
	var magnitude, total, positive, negative float64

	for i, o := range offsets {
		tf, ok := timeframes[o.Key]
		if !ok || !tf.Resolved || tf.Change == nil {
			continue
		}
		w := weightOf(o, i, len(offsets))
		change := *tf.Change
		magnitude += math.Abs(change) * w
		total += w
		switch {
		case change > 0:
			positive += w
		case change < 0:
			negative += w
		}
	}

	if total == 0 {
		return 0, DirectionNeutral
	}

	direction := DirectionNeutral
	switch {
	case positive > negative:
		direction = DirectionPositive
	case negative > positive:
		direction = DirectionNegative
	}

	consistency := math.Max(positive, negative) / total
	return magnitude / total * consistency, direction
}

// weightOf falls back to rank weighting (shortest heaviest) for unweighted offsets.
// offsets are expected in ascending duration.
func weightOf(o TimeframeOffset, idx, n int) float64 {
	if o.Weight > 0 {
		return o.Weight
	}
	return float64(n - idx)
}
