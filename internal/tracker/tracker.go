// Package tracker follows a scheduled release live: it captures the baseline
// from the first price poll after release and locks each window as it closes.
package tracker

import (
	"time"

	"github.com/rewired-gh/alphaterm/internal/impact"
	"github.com/rewired-gh/alphaterm/internal/models"
)

// Transition describes what one Tick changed.
type Transition struct {
	From models.TrackingState
	To   models.TrackingState
	// Entered lists every state entered during the tick, in order.
	Entered []models.TrackingState
	// Locked lists the offset keys that locked during the tick.
	Locked []string
}

// Changed reports whether the tick moved the state machine.
func (t Transition) Changed() bool {
	return t.From != t.To || len(t.Locked) > 0
}

// Tracker is the state machine for one (event, asset) pair. It is not safe
// for concurrent use; a Runner owns it.
type Tracker struct {
	event   models.Event
	asset   string
	offsets []models.TimeframeOffset

	state     models.TrackingState
	baseline  *float64
	windows   map[string]models.TimeframeResult
	updatedAt time.Time
}

// New creates an upcoming tracker with every window pending.
func New(ev models.Event, asset string, offsets []models.TimeframeOffset) *Tracker {
	offsets = models.SortOffsets(offsets)
	windows := make(map[string]models.TimeframeResult, len(offsets))
	for _, o := range offsets {
		windows[o.Key] = models.TimeframeResult{}
	}
	return &Tracker{
		event:   ev,
		asset:   asset,
		offsets: offsets,
		state:   models.StateUpcoming,
		windows: windows,
	}
}

func (t *Tracker) State() models.TrackingState { return t.state }
func (t *Tracker) Event() models.Event         { return t.event }
func (t *Tracker) Asset() string               { return t.asset }

// Tick feeds one live poll taken at now. ok=false means the poll failed: the
// tick is skipped without any transition or update.
func (t *Tracker) Tick(now time.Time, price float64, ok bool) Transition {
	tr := Transition{From: t.state, To: t.state}
	if !ok || t.state == models.StateComplete {
		return tr
	}

	if t.state == models.StateUpcoming {
		if !t.event.Released(now) {
			return tr
		}
		t.enter(&tr, models.StateReleased)
	}

	if t.state == models.StateReleased {
		t.baseline = models.Float(price)
		t.enter(&tr, models.StateTracking)
	}

	elapsed := now.Sub(t.event.Timestamp)
	for _, o := range t.offsets {
		w := t.windows[o.Key]
		if w.Resolved {
			continue
		}
		w.Price = models.Float(price)
		w.Change = impact.PercentChange(*t.baseline, price)
		if elapsed >= o.Duration {
			w.Resolved = true
			tr.Locked = append(tr.Locked, o.Key)
		}
		t.windows[o.Key] = w
	}
	t.updatedAt = now

	if t.allLocked() {
		t.enter(&tr, models.StateComplete)
	}
	return tr
}

func (t *Tracker) enter(tr *Transition, s models.TrackingState) {
	t.state = s
	tr.To = s
	tr.Entered = append(tr.Entered, s)
}

func (t *Tracker) allLocked() bool {
	for _, o := range t.offsets {
		if !t.windows[o.Key].Resolved {
			return false
		}
	}
	return true
}

// Result snapshots the tracker as an ImpactResult. Unlocked windows carry the
// latest live price but stay unresolved; only locked windows are scored.
func (t *Tracker) Result() models.ImpactResult {
	r := models.NewPendingImpact(t.event.ID, t.asset, t.offsets)
	if t.baseline != nil {
		r.BaselinePrice = models.Float(*t.baseline)
	}
	for k, w := range t.windows {
		r.Timeframes[k] = w
	}
	r = r.Clone()
	r.Score, r.Direction = models.Aggregate(r.Timeframes, t.offsets)
	r.UpdatedAt = t.updatedAt
	return r
}
