package pricesource

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 3 * time.Second
	defaultBackoffFactor  = 2.0
)

// RetryConfig encapsulates exponential backoff settings.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

type retrying struct {
	src Source
	cfg RetryConfig
}

// WithRetry retries transport failures of src with exponential backoff.
// ErrUnavailable and context errors are returned immediately. Wrap the
// scheduled source, not the other way round, so every attempt is spaced.
func WithRetry(src Source, cfg RetryConfig) Source {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultBackoffFactor
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &retrying{src: src, cfg: cfg}
}

func (r *retrying) Name() string { return r.src.Name() }

func (r *retrying) HistoricalPrice(ctx context.Context, asset string, at time.Time) (float64, error) {
	return r.do(ctx, func() (float64, error) { return r.src.HistoricalPrice(ctx, asset, at) })
}

func (r *retrying) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	return r.do(ctx, func() (float64, error) { return r.src.CurrentPrice(ctx, asset) })
}

func (r *retrying) do(ctx context.Context, fn func() (float64, error)) (float64, error) {
	var attempt int
	backoff := r.cfg.InitialBackoff

	for {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !shouldRetry(err) || attempt >= r.cfg.MaxRetries {
			return 0, err
		}
		attempt++

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}

		backoff = time.Duration(math.Min(
			float64(r.cfg.MaxBackoff),
			float64(backoff)*r.cfg.Multiplier,
		))
	}
}

func shouldRetry(err error) bool {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
