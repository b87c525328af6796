package tracker

import (
	"context"
	"time"

	"github.com/rewired-gh/alphaterm/internal/impact"
	"github.com/rewired-gh/alphaterm/internal/logger"
	"github.com/rewired-gh/alphaterm/internal/metrics"
	"github.com/rewired-gh/alphaterm/internal/models"
	"github.com/rewired-gh/alphaterm/internal/pricesource"
)

// DefaultInterval is the live poll period.
const DefaultInterval = time.Second

// Runner drives Trackers from a ticker, polling live prices from src and
// persisting through the analyzer's store.
type Runner struct {
	src        pricesource.Source
	analyzer   *impact.Analyzer
	metrics    *metrics.Metrics
	interval   time.Duration
	now        func() time.Time
	onComplete func(models.Event, models.ImpactResult)
}

// Option configures a Runner.
type Option func(*Runner)

func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// OnComplete registers a callback invoked once per finished event.
func OnComplete(fn func(models.Event, models.ImpactResult)) Option {
	return func(r *Runner) { r.onComplete = fn }
}

// NewRunner creates a Runner. src supplies live prices; analyzer owns the
// offsets, the cache and the historical fallback.
func NewRunner(src pricesource.Source, analyzer *impact.Analyzer, opts ...Option) *Runner {
	r := &Runner{
		src:      src,
		analyzer: analyzer,
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run tracks ev on asset until every window locks or ctx is done. An event
// already released for longer than the shortest window can no longer get a
// live baseline and is computed from history instead.
func (r *Runner) Run(ctx context.Context, ev models.Event, asset string) (models.ImpactResult, error) {
	offsets := r.analyzer.Offsets()
	if len(offsets) > 0 && r.now().Sub(ev.Timestamp) > offsets[0].Duration {
		return r.fallback(ctx, ev, asset)
	}

	t := New(ev, asset, offsets)
	if r.metrics != nil {
		r.metrics.TrackersActive.Inc()
		defer r.metrics.TrackersActive.Dec()
	}
	logger.Debug("Tracking %s on %s (release %s)", ev.ID, asset, ev.Timestamp.Format(time.RFC3339))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if done := r.step(ctx, t); done {
			res := t.Result()
			if r.onComplete != nil {
				r.onComplete(ev, res)
			}
			return res, nil
		}
		select {
		case <-ctx.Done():
			return t.Result(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// step performs one tick and reports whether the tracker completed.
func (r *Runner) step(ctx context.Context, t *Tracker) bool {
	now := r.now()
	ev := t.Event()
	if !ev.Released(now) {
		return false
	}

	price, err := r.src.CurrentPrice(ctx, t.Asset())
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		logger.Debug("Live price poll for %s failed: %v", t.Asset(), err)
	}

	tr := t.Tick(now, price, err == nil)
	if r.metrics != nil {
		for _, s := range tr.Entered {
			r.metrics.TrackerTransitions.WithLabelValues(string(s)).Inc()
		}
	}
	if tr.To == models.StateComplete {
		logger.Info("Tracking complete for %s on %s", ev.ID, t.Asset())
		r.analyzer.Save(ctx, t.Result())
		return true
	}
	if len(tr.Locked) > 0 {
		logger.Debug("Locked %v for %s on %s", tr.Locked, ev.ID, t.Asset())
		r.analyzer.Save(ctx, t.Result())
	}
	return false
}

func (r *Runner) fallback(ctx context.Context, ev models.Event, asset string) (models.ImpactResult, error) {
	logger.Debug("Event %s released too long ago for live tracking, using history", ev.ID)
	res, err := r.analyzer.Analyze(ctx, ev, asset, r.now())
	if err != nil {
		return res, err
	}
	if r.onComplete != nil && res.Complete(r.analyzer.Offsets()) {
		r.onComplete(ev, res)
	}
	return res, nil
}
