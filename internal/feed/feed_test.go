package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/alphaterm/internal/models"
)

const headlinePage = `<html><body>
<ul class="feed">
  <li class="post">
    <p class="text">BREAKING:  ETF
      approved</p>
    <time datetime="2025-03-07T13:30:00.123Z"></time>
    <a href="/status/1">link</a>
  </li>
  <li class="post" data-ts="1741354800000">
    <p class="text">Exchange halts withdrawals</p>
    <a href="https://example.com/status/2">link</a>
  </li>
  <li class="post">
    <p class="text">No timestamp here</p>
  </li>
  <li class="post">
    <p class="text"></p>
    <time datetime="2025-03-07T13:00:00Z"></time>
  </li>
</ul></body></html>`

func TestHeadlines_FetchEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alphaterm/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(headlinePage))
	}))
	defer srv.Close()

	h := NewHeadlines(HeadlineConfig{
		Name:         "wire",
		URL:          srv.URL + "/feed",
		ItemSelector: "li.post",
		TextSelector: ".text",
	}, srv.Client())

	events, err := h.FetchEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1, "items without a usable time or text are skipped")

	e := events[0]
	assert.Equal(t, "BREAKING: ETF approved", e.Label)
	assert.Equal(t, models.KindHeadline, e.Kind)
	assert.Equal(t, time.Date(2025, 3, 7, 13, 30, 0, 123e6, time.UTC), e.Timestamp)
	assert.Equal(t, srv.URL+"/status/1", e.URL)
	assert.Equal(t, "wire", e.Source)
	assert.Equal(t, EventID("wire", e.Label, "1741354200123"), e.ID)
}

func TestHeadlines_TimeOnItemAttribute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(headlinePage))
	}))
	defer srv.Close()

	h := NewHeadlines(HeadlineConfig{
		URL:          srv.URL,
		ItemSelector: "li.post",
		TextSelector: ".text",
		TimeSelector: "span.none",
		TimeAttr:     "data-ts",
	}, srv.Client())

	events, err := h.FetchEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Exchange halts withdrawals", events[0].Label)
	assert.Equal(t, time.UnixMilli(1741354800000).UTC(), events[0].Timestamp)
	assert.Equal(t, "https://example.com/status/2", events[0].URL)
}

func TestHeadlines_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHeadlines(HeadlineConfig{URL: srv.URL, ItemSelector: "li"}, srv.Client()).FetchEvents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{"2025-03-07T13:30:00Z", time.Date(2025, 3, 7, 13, 30, 0, 0, time.UTC), true},
		{"2025-03-07T08:30:00-05:00", time.Date(2025, 3, 7, 13, 30, 0, 0, time.UTC), true},
		{"2025-03-07T13:30:00.123456Z", time.Date(2025, 3, 7, 13, 30, 0, 123e6, time.UTC), true},
		{"1741354200000", time.Date(2025, 3, 7, 13, 30, 0, 0, time.UTC), true},
		{"1741354200", time.Date(2025, 3, 7, 13, 30, 0, 0, time.UTC), true},
		{"yesterday", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseTimestamp(tt.raw)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

const calendarBody = `[
 {"date":"2025-03-12 12:30:00","country":"US","event":"CPI YoY","impact":"High","previous":3.0,"estimate":2.9,"actual":2.8,"unit":"%"},
 {"date":"2025-03-13 12:30:00","country":"US","event":"PPI MoM","impact":"High","previous":0.4,"estimate":0.3,"actual":0.1,"unit":"%"},
 {"date":"2025-03-12 09:00:00","country":"DE","event":"ZEW Sentiment","impact":"High","previous":26,"estimate":48,"actual":51.6},
 {"date":"2025-03-12 14:00:00","country":"US","event":"Mortgage Rate","impact":"Low","previous":6.8,"estimate":null,"actual":null},
 {"date":"not a date","country":"US","event":"Broken","impact":"High"}
]`

func TestCalendar_FetchEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/economic_calendar", r.URL.Path)
		assert.Equal(t, "2025-03-11", r.URL.Query().Get("from"))
		assert.Equal(t, "2025-03-14", r.URL.Query().Get("to"))
		assert.Equal(t, "k", r.URL.Query().Get("apikey"))
		_, _ = w.Write([]byte(calendarBody))
	}))
	defer srv.Close()

	c := NewCalendar(CalendarConfig{
		BaseURL:   srv.URL,
		APIKey:    "k",
		Countries: []string{"us"},
		Impacts:   []string{"high", "medium"},
	}, srv.Client())
	c.now = func() time.Time { return time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC) }

	events, err := c.FetchEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)

	cpi := events[0]
	assert.Equal(t, "CPI YoY", cpi.Label)
	assert.Equal(t, models.KindMacro, cpi.Kind)
	assert.Equal(t, time.Date(2025, 3, 12, 12, 30, 0, 0, time.UTC), cpi.Timestamp)
	assert.Equal(t, 2.8, *cpi.Actual)
	assert.Equal(t, 2.9, *cpi.Forecast)
	assert.Equal(t, EventID("US", "CPI YoY", "2025-03-12 12:30:00"), cpi.ID)

	ppi := events[1]
	assert.Equal(t, "PPI MoM", ppi.Label)
	assert.Nil(t, ppi.Actual, "actual is withheld before release")
}

func TestCalendar_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "limit reached", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewCalendar(CalendarConfig{BaseURL: srv.URL}, srv.Client()).FetchEvents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit reached")
}

func TestDemo_DeterministicAndFlagged(t *testing.T) {
	d := NewDemo(3, 15*time.Minute)
	d.now = func() time.Time { return time.Date(2025, 3, 7, 13, 37, 0, 0, time.UTC) }

	first, err := d.FetchEvents(context.Background())
	require.NoError(t, err)
	second, err := d.FetchEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.Len(t, first, 4)
	for _, e := range first {
		assert.True(t, e.Demo)
		assert.NoError(t, e.Validate())
	}
	assert.Equal(t, time.Date(2025, 3, 7, 13, 30, 0, 0, time.UTC), first[0].Timestamp)
	assert.Equal(t, time.Date(2025, 3, 7, 13, 0, 0, 0, time.UTC), first[2].Timestamp)

	macro := first[3]
	assert.Equal(t, models.KindMacro, macro.Kind)
	assert.Equal(t, time.Date(2025, 3, 7, 13, 45, 0, 0, time.UTC), macro.Timestamp)
	assert.Nil(t, macro.Actual)
}

type staticSource struct {
	name   string
	events []models.Event
	err    error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) FetchEvents(context.Context) ([]models.Event, error) {
	return s.events, s.err
}

func ev(id string, minute int) models.Event {
	return models.Event{
		ID:        id,
		Kind:      models.KindHeadline,
		Label:     id,
		Timestamp: time.Date(2025, 3, 7, 13, minute, 0, 0, time.UTC),
	}
}

func TestMulti_MergesDedupesAndSorts(t *testing.T) {
	first := ev("a", 1)
	first.Source = "primary"
	dup := ev("a", 1)
	dup.Source = "secondary"

	m := NewMulti(
		staticSource{name: "one", events: []models.Event{first, ev("b", 5)}},
		staticSource{name: "broken", err: errors.New("timeout")},
		staticSource{name: "two", events: []models.Event{dup, ev("c", 3)}},
	)
	assert.Equal(t, "one+broken+two", m.Name())

	events, err := m.FetchEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{events[0].ID, events[1].ID, events[2].ID})
	assert.Equal(t, "primary", events[2].Source)
}

func TestMulti_AllFailed(t *testing.T) {
	m := NewMulti(
		staticSource{name: "x", err: errors.New("down")},
		staticSource{name: "y", err: errors.New("down")},
	)
	_, err := m.FetchEvents(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all feeds failed")
}
