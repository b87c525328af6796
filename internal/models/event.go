// Package models defines the core domain entities: events, timeframe offsets, and impact results.
package models

import (
	"errors"
	"time"
)

// EventKind distinguishes historical headlines from scheduled macro releases.
type EventKind string

const (
	KindHeadline EventKind = "headline"
	KindMacro    EventKind = "macro"
)

// Event is an immutable timestamped occurrence whose price impact is analyzed.
// Timestamp is UTC with millisecond precision.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Label     string    `json:"label"`
	Source    string    `json:"source"`
	URL       string    `json:"url,omitempty"`
	Demo      bool      `json:"demo"`

	// Macro release fields. Actual is only set at or after Timestamp.
	Country  string   `json:"country,omitempty"`
	Previous *float64 `json:"previous,omitempty"`
	Forecast *float64 `json:"forecast,omitempty"`
	Actual   *float64 `json:"actual,omitempty"`
	Unit     string   `json:"unit,omitempty"`
}

// Validate checks event field constraints.
func (e *Event) Validate() error {
	if e.ID == "" {
		return errors.New("event ID must not be empty")
	}
	if e.Label == "" {
		return errors.New("event label must not be empty")
	}
	if e.Kind != KindHeadline && e.Kind != KindMacro {
		return errors.New("event kind must be headline or macro")
	}
	if e.Timestamp.IsZero() {
		return errors.New("event timestamp must be set")
	}
	if e.Kind == KindHeadline && e.Actual != nil {
		return errors.New("headline events carry no macro values")
	}
	return nil
}

// TimestampMs returns the event time as milliseconds since epoch.
func (e *Event) TimestampMs() int64 {
	return e.Timestamp.UnixMilli()
}

// Released reports whether the event time has been reached at now.
func (e *Event) Released(now time.Time) bool {
	return !now.Before(e.Timestamp)
}

// Alert is a ranked impact worth notifying about.
type Alert struct {
	Event  Event
	Impact ImpactResult
}
