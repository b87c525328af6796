package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rewired-gh/alphaterm/internal/models"
)

// Memory is a process-local Store. It applies the same merge rule as the SQL
// backends and is used in tests and for the "memory" driver.
type Memory struct {
	mu        sync.RWMutex
	events    map[string]models.Event
	impacts   map[string]models.ImpactResult
	maxEvents int
	offsets   []models.TimeframeOffset
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store keeping at most maxEvents events (0 = unbounded).
func NewMemory(maxEvents int, opts ...Option) *Memory {
	return &Memory{
		events:    make(map[string]models.Event),
		impacts:   make(map[string]models.ImpactResult),
		maxEvents: maxEvents,
		offsets:   buildOptions(opts).offsets,
	}
}

func impactKey(eventID, asset string) string {
	return eventID + "|" + asset
}

func (m *Memory) GetImpact(_ context.Context, eventID, asset string) (*models.ImpactResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.impacts[impactKey(eventID, asset)]
	if !ok {
		return nil, ErrNotFound
	}
	c := r.Clone()
	return &c, nil
}

func (m *Memory) UpsertImpact(_ context.Context, r models.ImpactResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := impactKey(r.EventID, r.Asset)
	stored, ok := m.impacts[key]
	if !ok {
		stored = models.ImpactResult{EventID: r.EventID, Asset: r.Asset}
	}
	m.impacts[key] = models.MergeImpact(stored, r, m.offsets)
	return nil
}

func (m *Memory) SaveEvent(_ context.Context, e *models.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.events[e.ID]; ok {
		m.events[e.ID] = mergeEvent(prev, *e)
		return nil
	}
	m.events[e.ID] = *e
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *Memory) ListEvents(_ context.Context, limit int) ([]models.Event, error) {
	m.mu.RLock()
	events := make([]models.Event, 0, len(m.events))
	for _, e := range m.events {
		events = append(events, e)
	}
	m.mu.RUnlock()

	sortNewestFirst(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (m *Memory) RotateEvents(_ context.Context) error {
	if m.maxEvents <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) <= m.maxEvents {
		return nil
	}
	events := make([]models.Event, 0, len(m.events))
	for _, e := range m.events {
		events = append(events, e)
	}
	sortNewestFirst(events)
	for _, e := range events[m.maxEvents:] {
		delete(m.events, e.ID)
		for key := range m.impacts {
			if strings.HasPrefix(key, e.ID+"|") {
				delete(m.impacts, key)
			}
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// mergeEvent keeps the original timestamp and only fills macro values that became known.
func mergeEvent(prev, next models.Event) models.Event {
	out := prev
	if next.Actual != nil {
		out.Actual = next.Actual
	}
	if next.Forecast != nil {
		out.Forecast = next.Forecast
	}
	if next.Previous != nil {
		out.Previous = next.Previous
	}
	return out
}

func sortNewestFirst(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID < events[j].ID
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
