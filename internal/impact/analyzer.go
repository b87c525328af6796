package impact

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/alphaterm/internal/logger"
	"github.com/rewired-gh/alphaterm/internal/metrics"
	"github.com/rewired-gh/alphaterm/internal/models"
	"github.com/rewired-gh/alphaterm/internal/storage"
)

// Analyzer runs the calculator against the impact cache: it resumes from the
// stored result and writes back what it resolved. A nil store disables caching.
type Analyzer struct {
	calc    *Calculator
	store   storage.ImpactStore
	metrics *metrics.Metrics
}

// NewAnalyzer wires a calculator to an optional store and metrics.
func NewAnalyzer(calc *Calculator, store storage.ImpactStore, m *metrics.Metrics) *Analyzer {
	return &Analyzer{calc: calc, store: store, metrics: m}
}

// Offsets exposes the calculator offsets.
func (a *Analyzer) Offsets() []models.TimeframeOffset {
	return a.calc.Offsets()
}

// Analyze returns the impact of ev on asset at now. Store failures are logged
// and ignored; a cancelled ctx returns its error and writes nothing.
func (a *Analyzer) Analyze(ctx context.Context, ev models.Event, asset string, now time.Time) (models.ImpactResult, error) {
	prior := a.load(ctx, ev.ID, asset)
	if prior != nil && prior.Complete(a.calc.Offsets()) {
		return *prior, nil
	}

	res, err := a.calc.Resume(ctx, ev, asset, now, prior)
	if err != nil {
		if a.metrics != nil {
			a.metrics.ImpactsAbandoned.Inc()
		}
		return models.ImpactResult{}, err
	}
	if a.metrics != nil {
		a.metrics.ImpactsComputed.WithLabelValues(string(res.Direction)).Inc()
	}

	if res.BaselinePrice == nil {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return models.ImpactResult{}, err
	}
	a.Save(ctx, res)
	return res, nil
}

// Save upserts r, logging and swallowing failures.
func (a *Analyzer) Save(ctx context.Context, r models.ImpactResult) {
	if a.store == nil {
		return
	}
	if err := a.store.UpsertImpact(ctx, r); err != nil {
		logger.Warn("Failed to cache impact %s/%s: %v", r.EventID, r.Asset, err)
		a.storeError("upsert")
	}
}

func (a *Analyzer) load(ctx context.Context, eventID, asset string) *models.ImpactResult {
	if a.store == nil {
		return nil
	}
	r, err := a.store.GetImpact(ctx, eventID, asset)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Failed to read cached impact %s/%s: %v", eventID, asset, err)
			a.storeError("get")
		}
		return nil
	}
	return r
}

func (a *Analyzer) storeError(op string) {
	if a.metrics != nil {
		a.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
}
