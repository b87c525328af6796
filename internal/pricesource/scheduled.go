package pricesource

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/alphaterm/internal/metrics"
	"github.com/rewired-gh/alphaterm/internal/scheduler"
)

type scheduled struct {
	src   Source
	sched *scheduler.Scheduler
}

// Scheduled routes every call of src through sched so a provider never sees bursts.
func Scheduled(src Source, sched *scheduler.Scheduler) Source {
	return &scheduled{src: src, sched: sched}
}

func (s *scheduled) Name() string { return s.src.Name() }

func (s *scheduled) HistoricalPrice(ctx context.Context, asset string, at time.Time) (float64, error) {
	return scheduler.Do(ctx, s.sched, func(ctx context.Context) (float64, error) {
		return s.src.HistoricalPrice(ctx, asset, at)
	})
}

func (s *scheduled) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	return scheduler.Do(ctx, s.sched, func(ctx context.Context) (float64, error) {
		return s.src.CurrentPrice(ctx, asset)
	})
}

type instrumented struct {
	src Source
	m   *metrics.Metrics
}

// Instrument counts lookups of src by kind and outcome.
func Instrument(src Source, m *metrics.Metrics) Source {
	if m == nil {
		return src
	}
	return &instrumented{src: src, m: m}
}

func (i *instrumented) Name() string { return i.src.Name() }

func (i *instrumented) HistoricalPrice(ctx context.Context, asset string, at time.Time) (float64, error) {
	v, err := i.src.HistoricalPrice(ctx, asset, at)
	i.record("historical", err)
	return v, err
}

func (i *instrumented) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	v, err := i.src.CurrentPrice(ctx, asset)
	i.record("current", err)
	return v, err
}

func (i *instrumented) record(kind string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrUnavailable):
		outcome = "unavailable"
	case errors.Is(err, context.Canceled):
		outcome = "canceled"
	default:
		outcome = "error"
	}
	i.m.PriceRequests.WithLabelValues(i.src.Name(), kind, outcome).Inc()
}
