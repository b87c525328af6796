package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rewired-gh/alphaterm/internal/models"
)

const (
	defaultCalendarURL = "https://financialmodelingprep.com"
	calendarDateLayout = "2006-01-02 15:04:05"
)

// CalendarConfig selects the macro calendar window and filters.
type CalendarConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Lookback  time.Duration `mapstructure:"lookback"`
	Lookahead time.Duration `mapstructure:"lookahead"`
	Countries []string      `mapstructure:"countries"`
	Impacts   []string      `mapstructure:"impacts"`
}

// Calendar reads scheduled macro releases from an economic-calendar API.
type Calendar struct {
	cfg    CalendarConfig
	client *http.Client
	now    func() time.Time
}

// calendarEntry is one row of the economic-calendar response.
type calendarEntry struct {
	Date     string   `json:"date"`
	Country  string   `json:"country"`
	Event    string   `json:"event"`
	Impact   string   `json:"impact"`
	Previous *float64 `json:"previous"`
	Estimate *float64 `json:"estimate"`
	Actual   *float64 `json:"actual"`
	Unit     string   `json:"unit"`
}

// NewCalendar builds a calendar feed. Zero windows default to one day back and two days ahead.
func NewCalendar(cfg CalendarConfig, client *http.Client) *Calendar {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCalendarURL
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 48 * time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Calendar{cfg: cfg, client: client, now: time.Now}
}

func (c *Calendar) Name() string { return "calendar" }

func (c *Calendar) FetchEvents(ctx context.Context) ([]models.Event, error) {
	now := c.now().UTC()
	q := url.Values{}
	q.Set("from", now.Add(-c.cfg.Lookback).Format("2006-01-02"))
	q.Set("to", now.Add(c.cfg.Lookahead).Format("2006-01-02"))
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/api/v3/economic_calendar?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request calendar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("calendar returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var entries []calendarEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode calendar: %w", err)
	}

	events := make([]models.Event, 0, len(entries))
	for _, en := range entries {
		if !c.accept(en) {
			continue
		}
		ts, err := time.ParseInLocation(calendarDateLayout, en.Date, time.UTC)
		if err != nil {
			continue
		}
		actual := en.Actual
		if now.Before(ts) {
			actual = nil // providers sometimes pre-fill; not released yet
		}
		events = append(events, models.Event{
			ID:        EventID(en.Country, en.Event, en.Date),
			Kind:      models.KindMacro,
			Timestamp: ts,
			Label:     en.Event,
			Source:    c.Name(),
			Country:   en.Country,
			Previous:  en.Previous,
			Forecast:  en.Estimate,
			Actual:    actual,
			Unit:      en.Unit,
		})
	}
	return keepValid(c.Name(), events), nil
}

func (c *Calendar) accept(en calendarEntry) bool {
	if len(c.cfg.Countries) > 0 && !containsFold(c.cfg.Countries, en.Country) {
		return false
	}
	if len(c.cfg.Impacts) > 0 && !containsFold(c.cfg.Impacts, en.Impact) {
		return false
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
