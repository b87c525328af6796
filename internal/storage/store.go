// Package storage persists feed events and computed impact results.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rewired-gh/alphaterm/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ImpactStore is the cache of computed impact results keyed by (event id, asset).
type ImpactStore interface {
	// GetImpact returns ErrNotFound when nothing is stored for the key.
	GetImpact(ctx context.Context, eventID, asset string) (*models.ImpactResult, error)
	// UpsertImpact inserts the result or merges it into the stored one.
	// A resolved timeframe already stored is never overwritten, and score and
	// direction are re-aggregated from the timeframes kept.
	UpsertImpact(ctx context.Context, r models.ImpactResult) error
}

// EventStore keeps the feed events shown alongside impacts.
type EventStore interface {
	SaveEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	// ListEvents returns the newest events first.
	ListEvents(ctx context.Context, limit int) ([]models.Event, error)
	// RotateEvents drops the oldest events beyond the configured cap, with their impacts.
	RotateEvents(ctx context.Context) error
}

// Store is implemented by every backend.
type Store interface {
	ImpactStore
	EventStore
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver    string
	DBPath    string
	DSN       string
	MaxEvents int
	// Offsets weight the re-aggregation of merged impacts.
	Offsets []models.TimeframeOffset
}

// Option configures a backend.
type Option func(*options)

type options struct {
	offsets []models.TimeframeOffset
}

// WithOffsets sets the offsets used to re-score a merged impact. Without it
// models.DefaultOffsets applies.
func WithOffsets(offsets []models.TimeframeOffset) Option {
	return func(o *options) {
		if len(offsets) > 0 {
			o.offsets = models.SortOffsets(offsets)
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{offsets: models.DefaultOffsets()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open builds the configured backend. Driver "none" returns a nil Store so
// callers run without caching.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		s, err := NewSQLite(cfg.MaxEvents, cfg.DBPath, WithOffsets(cfg.Offsets))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DSN, cfg.MaxEvents, WithOffsets(cfg.Offsets))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemory(cfg.MaxEvents, WithOffsets(cfg.Offsets)), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
