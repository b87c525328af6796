package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/alphaterm/internal/feed"
	"github.com/rewired-gh/alphaterm/internal/impact"
	"github.com/rewired-gh/alphaterm/internal/logger"
	"github.com/rewired-gh/alphaterm/internal/metrics"
	"github.com/rewired-gh/alphaterm/internal/models"
	"github.com/rewired-gh/alphaterm/internal/storage"
	"github.com/rewired-gh/alphaterm/internal/tracker"
)

type Config struct {
	Assets             []string
	Threshold          float64
	TopK               int
	CooldownMultiplier int
	MaxEventsPerCycle  int
	TrackingHorizon    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Assets:             []string{"BTC"},
		Threshold:          0.5,
		TopK:               10,
		CooldownMultiplier: 5,
		MaxEventsPerCycle:  50,
		TrackingHorizon:    10 * time.Minute,
	}
}

type notifiedRecord struct {
	Direction models.Direction
	Complete  bool
	SentAt    time.Time
}

// Monitor runs the fetch -> analyze -> rank cycle for the selected assets
// and owns the live trackers of upcoming releases.
type Monitor struct {
	feed     feed.Source
	analyzer *impact.Analyzer
	runner   *tracker.Runner
	store    storage.EventStore
	metrics  *metrics.Metrics
	config   Config

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	assets    []string
	selection context.Context
	cancelSel context.CancelFunc
	runners   map[string]struct{}
	pipelines map[string]context.CancelFunc
	latest    []models.Alert
	notified  map[string]notifiedRecord
}

// New wires a monitor. runner, store and m may be nil: without a runner
// releases are analyzed from history only.
func New(config Config, src feed.Source, analyzer *impact.Analyzer, runner *tracker.Runner, store storage.EventStore, m *metrics.Metrics) *Monitor {
	root, cancel := context.WithCancel(context.Background())
	mon := &Monitor{
		feed:       src,
		analyzer:   analyzer,
		runner:     runner,
		store:      store,
		metrics:    m,
		config:     config,
		root:       root,
		rootCancel: cancel,
		runners:    make(map[string]struct{}),
		pipelines:  make(map[string]context.CancelFunc),
		notified:   make(map[string]notifiedRecord),
	}
	mon.SetAssets(config.Assets)
	return mon
}

// Assets returns the current selection.
func (m *Monitor) Assets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.assets...)
}

// SetAssets switches the selection. Every pipeline and tracker started for
// the previous selection is cancelled and writes nothing further.
func (m *Monitor) SetAssets(assets []string) {
	normalized := make([]string, 0, len(assets))
	for _, a := range assets {
		if a = strings.ToUpper(strings.TrimSpace(a)); a != "" {
			normalized = append(normalized, a)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelSel != nil {
		m.cancelSel()
	}
	for id, cancel := range m.pipelines {
		cancel()
		delete(m.pipelines, id)
	}
	m.assets = normalized
	m.selection, m.cancelSel = context.WithCancel(m.root)
	m.runners = make(map[string]struct{})
	m.latest = nil
	logger.Info("Tracking assets: %v", normalized)
}

// RunCycle fetches events, persists them and analyzes every (event, asset)
// pair of the current selection. It returns the impacts scoring at least the
// threshold. A selection switch mid-cycle abandons the cycle without error.
func (m *Monitor) RunCycle(ctx context.Context, now time.Time) ([]models.Alert, error) {
	cycleID := uuid.NewString()[:8]
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	events, err := m.feed.FetchEvents(ctx)
	if err != nil {
		m.cycleFailed()
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	if limit := m.config.MaxEventsPerCycle; limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	logger.Info("[%s] Fetched %d events from %s", cycleID, len(events), m.feed.Name())
	m.saveEvents(ctx, events)

	pctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	assets := append([]string(nil), m.assets...)
	selection := m.selection
	m.pipelines[cycleID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pipelines, cycleID)
		m.mu.Unlock()
		cancel()
	}()

	var ranked []models.Alert
	for _, asset := range assets {
		for _, ev := range events {
			if m.shouldTrack(ev, now) {
				m.startTracker(selection, ev, asset)
				continue
			}
			if !ev.Released(now) || m.tracking(ev.ID, asset) {
				continue
			}

			res, err := m.analyzer.Analyze(pctx, ev, asset, now)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Info("[%s] Selection changed, abandoning cycle", cycleID)
				return nil, nil
			}
			if res.BaselinePrice == nil {
				continue
			}
			ranked = append(ranked, models.Alert{Event: ev, Impact: res})
		}
	}

	sortByScore(ranked)

	m.mu.Lock()
	if m.selection == selection {
		m.latest = ranked
	}
	m.mu.Unlock()

	var alerts []models.Alert
	for _, a := range ranked {
		if a.Impact.Score >= m.config.Threshold && a.Impact.ResolvedCount() > 0 {
			alerts = append(alerts, a)
		}
	}
	logger.Debug("[%s] Analyzed %d impacts, %d at or above threshold %.2f in %v",
		cycleID, len(ranked), len(alerts), m.config.Threshold, time.Since(start))
	return alerts, nil
}

func (m *Monitor) cycleFailed() {
	if m.metrics != nil {
		m.metrics.CycleFailures.Inc()
	}
}

func (m *Monitor) saveEvents(ctx context.Context, events []models.Event) {
	if m.store == nil {
		return
	}
	saved := 0
	for i := range events {
		if err := m.store.SaveEvent(ctx, &events[i]); err != nil {
			logger.Warn("Failed to save event %s: %v", events[i].ID, err)
			if m.metrics != nil {
				m.metrics.StoreErrors.WithLabelValues("save_event").Inc()
			}
			continue
		}
		saved++
	}
	logger.Debug("Saved %d/%d events", saved, len(events))
}

// shouldTrack reports whether ev is a release close enough to now for a live
// baseline: inside the horizon before release and not past its shortest window.
func (m *Monitor) shouldTrack(ev models.Event, now time.Time) bool {
	if m.runner == nil || ev.Kind != models.KindMacro {
		return false
	}
	offsets := m.analyzer.Offsets()
	if len(offsets) == 0 {
		return false
	}
	if now.Before(ev.Timestamp.Add(-m.config.TrackingHorizon)) {
		return false
	}
	return !now.After(ev.Timestamp.Add(offsets[0].Duration))
}

func runnerKey(eventID, asset string) string {
	return eventID + "|" + asset
}

func (m *Monitor) tracking(eventID, asset string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runners[runnerKey(eventID, asset)]
	return ok
}

// startTracker launches one runner per (event, asset) under the selection context.
func (m *Monitor) startTracker(selection context.Context, ev models.Event, asset string) {
	key := runnerKey(ev.ID, asset)

	m.mu.Lock()
	if m.selection != selection || selection.Err() != nil {
		m.mu.Unlock()
		return
	}
	if _, ok := m.runners[key]; ok {
		m.mu.Unlock()
		return
	}
	runners := m.runners
	runners[key] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(runners, key)
			m.mu.Unlock()
		}()

		logger.Info("Live tracking %q for %s", ev.Label, asset)
		if _, err := m.runner.Run(selection, ev, asset); err != nil && selection.Err() == nil {
			logger.Warn("Tracker for %s on %s stopped: %v", ev.ID, asset, err)
		}
	}()
}

// ActiveTrackers is the number of running live trackers.
func (m *Monitor) ActiveTrackers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// Top returns up to n of the latest cycle's impacts by descending score.
func (m *Monitor) Top(n int) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.latest) {
		n = len(m.latest)
	}
	return append([]models.Alert(nil), m.latest[:n]...)
}

// Shutdown cancels every tracker and waits for them to exit.
func (m *Monitor) Shutdown() {
	logger.Info("Stopping %d live trackers", m.ActiveTrackers())
	m.mu.Lock()
	m.rootCancel()
	m.mu.Unlock()
	m.wg.Wait()
}

func sortByScore(alerts []models.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Impact.Score == alerts[j].Impact.Score {
			return alerts[i].Event.Timestamp.After(alerts[j].Event.Timestamp)
		}
		return alerts[i].Impact.Score > alerts[j].Impact.Score
	})
}

func alertKey(a models.Alert) string {
	return a.Event.ID + "|" + a.Impact.Asset
}

// FilterRecentlySent drops alerts notified within cooldown in the same
// direction, unless the impact has since completed.
func (m *Monitor) FilterRecentlySent(alerts []models.Alert, cooldown time.Duration) []models.Alert {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Alert
	for _, a := range alerts {
		rec, exists := m.notified[alertKey(a)]
		if exists && now.Sub(rec.SentAt) < cooldown {
			sameDirection := rec.Direction == a.Impact.Direction
			newlyComplete := !rec.Complete && a.Impact.Complete(m.analyzer.Offsets())
			if sameDirection && !newlyComplete {
				continue
			}
		}
		result = append(result, a)
	}
	return result
}

func (m *Monitor) RecordNotified(alerts []models.Alert) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range alerts {
		m.notified[alertKey(a)] = notifiedRecord{
			Direction: a.Impact.Direction,
			Complete:  a.Impact.Complete(m.analyzer.Offsets()),
			SentAt:    now,
		}
	}
}

// PostProcessAlerts ranks alerts, keeps the top K and applies the cooldown.
func (m *Monitor) PostProcessAlerts(alerts []models.Alert, pollInterval time.Duration) []models.Alert {
	ranked := append([]models.Alert(nil), alerts...)
	sortByScore(ranked)

	if m.config.TopK > 0 && len(ranked) > m.config.TopK {
		ranked = ranked[:m.config.TopK]
	}

	cooldown := time.Duration(m.config.CooldownMultiplier) * pollInterval
	return m.FilterRecentlySent(ranked, cooldown)
}
