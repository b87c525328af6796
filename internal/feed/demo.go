package feed

import (
	"context"
	"strconv"
	"time"

	"github.com/rewired-gh/alphaterm/internal/models"
)

var demoHeadlines = []string{
	"BREAKING: SEC approves spot ETF options listing",
	"Major exchange reports withdrawal delays after outage",
	"Fed governor says rate cuts remain on the table",
	"Large holder moves 12,000 BTC to exchange wallet",
	"Treasury announces expanded buyback schedule",
	"Stablecoin issuer mints 1B tokens overnight",
	"Mining difficulty hits all-time high",
	"Asian markets rally on stimulus reports",
}

var demoReleases = []struct {
	label    string
	unit     string
	previous float64
	forecast float64
}{
	{"CPI YoY", "%", 3.0, 2.9},
	{"Initial Jobless Claims", "K", 221, 225},
	{"Retail Sales MoM", "%", 0.4, 0.3},
}

// Demo produces deterministic events flagged Demo=true. Headlines land on
// interval boundaries in the past; one macro release is always scheduled on
// the next boundary so live tracking has something to follow.
type Demo struct {
	count    int
	interval time.Duration
	now      func() time.Time
}

// NewDemo returns a generator of count headlines spaced by interval.
func NewDemo(count int, interval time.Duration) *Demo {
	if count <= 0 {
		count = 5
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Demo{count: count, interval: interval, now: time.Now}
}

func (d *Demo) Name() string { return "demo" }

func (d *Demo) FetchEvents(context.Context) ([]models.Event, error) {
	anchor := d.now().UTC().Truncate(d.interval)
	slot := anchor.UnixNano() / int64(d.interval)

	events := make([]models.Event, 0, d.count+1)
	for i := 0; i < d.count; i++ {
		ts := anchor.Add(-time.Duration(i) * d.interval)
		label := demoHeadlines[(slot-int64(i))%int64(len(demoHeadlines))]
		events = append(events, models.Event{
			ID:        EventID(d.Name(), label, strconv.FormatInt(ts.UnixMilli(), 10)),
			Kind:      models.KindHeadline,
			Timestamp: ts,
			Label:     label,
			Source:    d.Name(),
			Demo:      true,
		})
	}

	next := anchor.Add(d.interval)
	rel := demoReleases[slot%int64(len(demoReleases))]
	events = append(events, models.Event{
		ID:        EventID(d.Name(), rel.label, strconv.FormatInt(next.UnixMilli(), 10)),
		Kind:      models.KindMacro,
		Timestamp: next,
		Label:     rel.label,
		Source:    d.Name(),
		Demo:      true,
		Country:   "US",
		Previous:  models.Float(rel.previous),
		Forecast:  models.Float(rel.forecast),
		Unit:      rel.unit,
	})
	return events, nil
}
