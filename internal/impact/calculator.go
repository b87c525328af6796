// Package impact computes how an asset's price moved after an event across a
// fixed set of forward offsets.
package impact

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/alphaterm/internal/logger"
	"github.com/rewired-gh/alphaterm/internal/models"
	"github.com/rewired-gh/alphaterm/internal/pricesource"
)

// Calculator computes ImpactResults from historical prices. It never retries:
// an unavailable price degrades the affected timeframe, not the whole result.
type Calculator struct {
	src     pricesource.Source
	offsets []models.TimeframeOffset
}

// New builds a calculator over offsets, which are processed in ascending duration.
func New(src pricesource.Source, offsets []models.TimeframeOffset) *Calculator {
	return &Calculator{
		src:     src,
		offsets: models.SortOffsets(offsets),
	}
}

// Offsets returns the configured offsets in ascending duration.
func (c *Calculator) Offsets() []models.TimeframeOffset {
	return c.offsets
}

// Compute runs the full computation for ev at now.
func (c *Calculator) Compute(ctx context.Context, ev models.Event, asset string, now time.Time) (models.ImpactResult, error) {
	return c.Resume(ctx, ev, asset, now, nil)
}

// Resume is Compute that reuses prior's baseline and resolved timeframes
// instead of fetching them again. The only error returned is ctx's, checked
// after every fetch; callers must discard the result in that case.
func (c *Calculator) Resume(ctx context.Context, ev models.Event, asset string, now time.Time, prior *models.ImpactResult) (models.ImpactResult, error) {
	result := models.NewPendingImpact(ev.ID, asset, c.offsets)
	result.UpdatedAt = now

	var baseline float64
	if prior != nil && prior.BaselinePrice != nil {
		baseline = *prior.BaselinePrice
	} else {
		p, err := c.src.HistoricalPrice(ctx, asset, ev.Timestamp)
		if ctx.Err() != nil {
			return models.ImpactResult{}, ctx.Err()
		}
		if err != nil {
			logUnavailable("baseline", ev, asset, err)
			return result, nil
		}
		baseline = p
	}
	result.BaselinePrice = models.Float(baseline)

	for _, o := range c.offsets {
		target := ev.Timestamp.Add(o.Duration)
		if target.After(now) {
			continue
		}
		if prior != nil {
			if tf, ok := prior.Timeframes[o.Key]; ok && tf.Resolved {
				result.Timeframes[o.Key] = tf
				continue
			}
		}

		p, err := c.src.HistoricalPrice(ctx, asset, target)
		if ctx.Err() != nil {
			return models.ImpactResult{}, ctx.Err()
		}
		if err != nil {
			logUnavailable(o.Key, ev, asset, err)
			result.Timeframes[o.Key] = models.TimeframeResult{Resolved: true}
			continue
		}
		result.Timeframes[o.Key] = models.TimeframeResult{
			Price:    models.Float(p),
			Change:   PercentChange(baseline, p),
			Resolved: true,
		}
	}

	result.Score, result.Direction = models.Aggregate(result.Timeframes, c.offsets)
	return result, nil
}

// PercentChange returns (price-baseline)/baseline*100, or nil for a zero baseline.
func PercentChange(baseline, price float64) *float64 {
	if baseline == 0 {
		return nil
	}
	return models.Float((price - baseline) / baseline * 100)
}

func logUnavailable(what string, ev models.Event, asset string, err error) {
	if errors.Is(err, pricesource.ErrUnavailable) {
		logger.Debug("No %s price for %s on %s at %s", what, asset, ev.ID, ev.Timestamp.Format(time.RFC3339))
		return
	}
	logger.Warn("Failed to fetch %s price for %s on %s: %v", what, asset, ev.ID, err)
}
