package models

import (
	"sort"
	"time"
)

// Direction classifies the dominant sign of post-event price changes.
type Direction string

const (
	DirectionPositive Direction = "positive"
	DirectionNegative Direction = "negative"
	DirectionNeutral  Direction = "neutral"
)

// TrackingState is the lifecycle of a live-tracked macro event.
type TrackingState string

const (
	StateUpcoming TrackingState = "upcoming"
	StateReleased TrackingState = "released"
	StateTracking TrackingState = "tracking"
	StateComplete TrackingState = "complete"
)

// TimeframeOffset is a fixed forward delta at which a follow-up price is sampled.
// Weight is the aggregation weight; shorter offsets carry more weight.
type TimeframeOffset struct {
	Key      string        `json:"key" mapstructure:"key"`
	Duration time.Duration `json:"duration" mapstructure:"duration"`
	Weight   float64       `json:"weight" mapstructure:"weight"`
}

// DefaultOffsets returns the canonical 1m/10m/30m/1h set.
func DefaultOffsets() []TimeframeOffset {
	return []TimeframeOffset{
		{Key: "1m", Duration: time.Minute, Weight: 4},
		{Key: "10m", Duration: 10 * time.Minute, Weight: 3},
		{Key: "30m", Duration: 30 * time.Minute, Weight: 2},
		{Key: "1h", Duration: time.Hour, Weight: 1},
	}
}

// SortOffsets returns a copy ordered by ascending duration.
func SortOffsets(offsets []TimeframeOffset) []TimeframeOffset {
	sorted := make([]TimeframeOffset, len(offsets))
	copy(sorted, offsets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Duration < sorted[j].Duration
	})
	return sorted
}

// TimeframeResult is the outcome for one (event, offset) pair.
// Price and Change are nil when pending or when the source had no data.
type TimeframeResult struct {
	Price    *float64 `json:"price"`
	Change   *float64 `json:"change"`
	Resolved bool     `json:"resolved"`
}

// ImpactResult aggregates every timeframe for one event and asset.
type ImpactResult struct {
	EventID       string                     `json:"event_id"`
	Asset         string                     `json:"asset"`
	BaselinePrice *float64                   `json:"baseline_price"`
	Timeframes    map[string]TimeframeResult `json:"timeframes"`
	Score         float64                    `json:"score"`
	Direction     Direction                  `json:"direction"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// NewPendingImpact returns a result with every offset pending and a neutral zero score.
func NewPendingImpact(eventID, asset string, offsets []TimeframeOffset) ImpactResult {
	tfs := make(map[string]TimeframeResult, len(offsets))
	for _, o := range offsets {
		tfs[o.Key] = TimeframeResult{}
	}
	return ImpactResult{
		EventID:    eventID,
		Asset:      asset,
		Timeframes: tfs,
		Direction:  DirectionNeutral,
	}
}

// ResolvedCount is the number of resolved timeframes.
func (r *ImpactResult) ResolvedCount() int {
	n := 0
	for _, tf := range r.Timeframes {
		if tf.Resolved {
			n++
		}
	}
	return n
}

// Complete reports whether every offset has resolved.
func (r *ImpactResult) Complete(offsets []TimeframeOffset) bool {
	for _, o := range offsets {
		if !r.Timeframes[o.Key].Resolved {
			return false
		}
	}
	return true
}

// Clone deep-copies the result so callers can mutate it freely.
func (r ImpactResult) Clone() ImpactResult {
	out := r
	out.BaselinePrice = cloneFloat(r.BaselinePrice)
	out.Timeframes = make(map[string]TimeframeResult, len(r.Timeframes))
	for k, tf := range r.Timeframes {
		out.Timeframes[k] = TimeframeResult{
			Price:    cloneFloat(tf.Price),
			Change:   cloneFloat(tf.Change),
			Resolved: tf.Resolved,
		}
	}
	return out
}

// MergeImpact applies the cache overwrite rule: a stored resolved timeframe is
// never replaced and the baseline is only filled when the stored one is nil.
// Score and direction are re-aggregated from the merged timeframes with
// offsets, so they always agree with the values actually kept.
func MergeImpact(stored, incoming ImpactResult, offsets []TimeframeOffset) ImpactResult {
	merged := stored.Clone()
	if merged.Timeframes == nil {
		merged.Timeframes = make(map[string]TimeframeResult)
	}
	if merged.BaselinePrice == nil && incoming.BaselinePrice != nil {
		merged.BaselinePrice = cloneFloat(incoming.BaselinePrice)
	}
	for key, tf := range incoming.Timeframes {
		if prev, ok := merged.Timeframes[key]; ok && prev.Resolved {
			continue
		}
		merged.Timeframes[key] = TimeframeResult{
			Price:    cloneFloat(tf.Price),
			Change:   cloneFloat(tf.Change),
			Resolved: tf.Resolved,
		}
	}
	merged.Score, merged.Direction = Aggregate(merged.Timeframes, SortOffsets(offsets))
	if incoming.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return merged
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
