package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func resolved(change float64) TimeframeResult {
	return TimeframeResult{Price: Float(100 + change), Change: Float(change), Resolved: true}
}

func TestAggregate(t *testing.T) {
	offsets := DefaultOffsets()
	tests := []struct {
		name      string
		tfs       map[string]TimeframeResult
		wantScore float64
		wantDir   Direction
	}{
		{
			name:      "empty",
			tfs:       map[string]TimeframeResult{},
			wantScore: 0,
			wantDir:   DirectionNeutral,
		},
		{
			name: "pending values are ignored",
			tfs: map[string]TimeframeResult{
				"1m": {Price: Float(120), Change: Float(20)},
			},
			wantScore: 0,
			wantDir:   DirectionNeutral,
		},
		{
			name: "resolved without change is ignored",
			tfs: map[string]TimeframeResult{
				"1m": {Resolved: true},
			},
			wantScore: 0,
			wantDir:   DirectionNeutral,
		},
		{
			name:      "all negative",
			tfs:       map[string]TimeframeResult{"1m": resolved(-1), "10m": resolved(-3)},
			wantScore: (1*4 + 3*3) / 7.0,
			wantDir:   DirectionNegative,
		},
		{
			name: "short offset outweighs long one",
			tfs:  map[string]TimeframeResult{"1m": resolved(2), "1h": resolved(-2)},
			// magnitude 2, consistency 4/5
			wantScore: 2 * 0.8,
			wantDir:   DirectionPositive,
		},
		{
			name:      "flat change is neutral",
			tfs:       map[string]TimeframeResult{"1m": resolved(0)},
			wantScore: 0,
			wantDir:   DirectionNeutral,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, dir := Aggregate(tt.tfs, offsets)
			assert.InDelta(t, tt.wantScore, score, 1e-9)
			assert.Equal(t, tt.wantDir, dir)
		})
	}
}

func TestAggregate_WeightedTieIsNeutral(t *testing.T) {
	offsets := []TimeframeOffset{
		{Key: "a", Duration: time.Minute, Weight: 1},
		{Key: "b", Duration: 2 * time.Minute, Weight: 1},
	}
	score, dir := Aggregate(map[string]TimeframeResult{"a": resolved(2), "b": resolved(-2)}, offsets)
	assert.Equal(t, DirectionNeutral, dir)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestAggregate_MonotonicInAgreement(t *testing.T) {
	offsets := DefaultOffsets()
	agree, _ := Aggregate(map[string]TimeframeResult{"1m": resolved(2), "10m": resolved(2)}, offsets)
	disagree, _ := Aggregate(map[string]TimeframeResult{"1m": resolved(2), "10m": resolved(-2)}, offsets)
	bigger, _ := Aggregate(map[string]TimeframeResult{"1m": resolved(4), "10m": resolved(4)}, offsets)
	assert.Greater(t, agree, disagree)
	assert.Greater(t, bigger, agree)
}

func TestAggregate_RankWeightsWhenUnset(t *testing.T) {
	offsets := []TimeframeOffset{
		{Key: "1m", Duration: time.Minute},
		{Key: "1h", Duration: time.Hour},
	}
	_, dir := Aggregate(map[string]TimeframeResult{"1m": resolved(-1), "1h": resolved(1)}, offsets)
	assert.Equal(t, DirectionNegative, dir)
}
