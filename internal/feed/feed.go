// Package feed fetches the timestamped events whose price impact is analyzed:
// scraped headlines, a macro release calendar and a demo generator.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rewired-gh/alphaterm/internal/logger"
	"github.com/rewired-gh/alphaterm/internal/models"
)

// Source is implemented by every event feed.
type Source interface {
	Name() string
	FetchEvents(ctx context.Context) ([]models.Event, error)
}

// EventID derives a stable id from the identifying parts of an event.
func EventID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

// Multi merges several feeds. A failing feed is logged and skipped; the merge
// only fails when every feed failed.
type Multi struct {
	sources []Source
}

// NewMulti combines sources in priority order: on duplicate ids the first wins.
func NewMulti(sources ...Source) *Multi {
	return &Multi{sources: sources}
}

func (m *Multi) Name() string {
	names := make([]string, len(m.sources))
	for i, s := range m.sources {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

// FetchEvents returns the de-duplicated union of all feeds, newest first.
func (m *Multi) FetchEvents(ctx context.Context) ([]models.Event, error) {
	seen := make(map[string]struct{})
	var events []models.Event
	var errs []error

	for _, s := range m.sources {
		batch, err := s.FetchEvents(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Feed %s degraded: %v", s.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		for _, e := range batch {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			events = append(events, e)
		}
	}

	if len(m.sources) > 0 && len(errs) == len(m.sources) {
		return nil, fmt.Errorf("all feeds failed: %w", errors.Join(errs...))
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

// keepValid drops events failing validation.
func keepValid(source string, events []models.Event) []models.Event {
	out := events[:0]
	for _, e := range events {
		if err := e.Validate(); err != nil {
			logger.Debug("Dropping %s event %q: %v", source, e.Label, err)
			continue
		}
		out = append(out, e)
	}
	return out
}
