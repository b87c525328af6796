package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/alphaterm/internal/models"
)

var baseTime = time.Date(2025, 3, 7, 13, 30, 0, 0, time.UTC)

func testEvent(id string, ts time.Time) *models.Event {
	return &models.Event{
		ID:        id,
		Kind:      models.KindHeadline,
		Label:     "Headline " + id,
		Source:    "demo",
		Demo:      true,
		Timestamp: ts,
	}
}

func partialImpact(eventID string) models.ImpactResult {
	return models.ImpactResult{
		EventID:       eventID,
		Asset:         "BTC",
		BaselinePrice: models.Float(100),
		Timeframes: map[string]models.TimeframeResult{
			"1m":  {Price: models.Float(101), Change: models.Float(1), Resolved: true},
			"10m": {Price: models.Float(102), Change: models.Float(2), Resolved: true},
			"30m": {Resolved: true},
			"1h":  {},
		},
		Score:     10.0 / 7.0,
		Direction: models.DirectionPositive,
		UpdatedAt: baseTime.Add(45 * time.Minute),
	}
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T, maxEvents int) Store) {
	ctx := context.Background()

	t.Run("ImpactNotFound", func(t *testing.T) {
		s := open(t, 10)
		_, err := s.GetImpact(ctx, "missing", "BTC")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetImpact err = %v, want ErrNotFound", err)
		}
	})

	t.Run("InsertAndGetImpact", func(t *testing.T) {
		s := open(t, 10)
		in := partialImpact("e-1")
		if err := s.UpsertImpact(ctx, in); err != nil {
			t.Fatalf("UpsertImpact: %v", err)
		}
		got, err := s.GetImpact(ctx, "e-1", "BTC")
		if err != nil {
			t.Fatalf("GetImpact: %v", err)
		}
		if got.BaselinePrice == nil || *got.BaselinePrice != 100 {
			t.Errorf("baseline = %v, want 100", got.BaselinePrice)
		}
		if len(got.Timeframes) != 4 {
			t.Fatalf("got %d timeframes, want 4", len(got.Timeframes))
		}
		if tf := got.Timeframes["30m"]; !tf.Resolved || tf.Change != nil {
			t.Errorf("30m = %+v, want resolved with nil change", tf)
		}
		if tf := got.Timeframes["1h"]; tf.Resolved {
			t.Errorf("1h should still be pending")
		}
		if got.Direction != models.DirectionPositive {
			t.Errorf("direction = %s, want positive", got.Direction)
		}
		if !got.UpdatedAt.Equal(in.UpdatedAt) {
			t.Errorf("updated_at = %v, want %v", got.UpdatedAt, in.UpdatedAt)
		}
	})

	t.Run("ResolvedValueNeverOverwritten", func(t *testing.T) {
		s := open(t, 10)
		if err := s.UpsertImpact(ctx, partialImpact("e-1")); err != nil {
			t.Fatalf("UpsertImpact: %v", err)
		}
		clobber := partialImpact("e-1")
		clobber.BaselinePrice = models.Float(50)
		clobber.Timeframes["1m"] = models.TimeframeResult{Price: models.Float(200), Change: models.Float(300), Resolved: true}
		clobber.Timeframes["30m"] = models.TimeframeResult{Price: models.Float(90), Change: models.Float(-10), Resolved: true}
		clobber.Timeframes["1h"] = models.TimeframeResult{Price: models.Float(110), Change: models.Float(10), Resolved: true}
		if err := s.UpsertImpact(ctx, clobber); err != nil {
			t.Fatalf("UpsertImpact: %v", err)
		}

		got, err := s.GetImpact(ctx, "e-1", "BTC")
		if err != nil {
			t.Fatalf("GetImpact: %v", err)
		}
		if *got.BaselinePrice != 100 {
			t.Errorf("baseline overwritten: %v", *got.BaselinePrice)
		}
		if c := got.Timeframes["1m"].Change; c == nil || *c != 1 {
			t.Errorf("1m change = %v, want 1", c)
		}
		if c := got.Timeframes["30m"].Change; c != nil {
			t.Errorf("resolved-unavailable 30m was overwritten with %v", *c)
		}
		if c := got.Timeframes["1h"].Change; c == nil || *c != 10 {
			t.Errorf("pending 1h should take the new value, got %v", c)
		}
	})

	t.Run("PendingDoesNotDowngradeScore", func(t *testing.T) {
		s := open(t, 10)
		if err := s.UpsertImpact(ctx, partialImpact("e-1")); err != nil {
			t.Fatalf("UpsertImpact: %v", err)
		}
		stale := models.NewPendingImpact("e-1", "BTC", models.DefaultOffsets())
		stale.UpdatedAt = baseTime
		if err := s.UpsertImpact(ctx, stale); err != nil {
			t.Fatalf("UpsertImpact: %v", err)
		}
		got, err := s.GetImpact(ctx, "e-1", "BTC")
		if err != nil {
			t.Fatalf("GetImpact: %v", err)
		}
		if got.Score != 10.0/7.0 || got.Direction != models.DirectionPositive {
			t.Errorf("score/direction downgraded to %v/%s", got.Score, got.Direction)
		}
		if !got.Timeframes["1m"].Resolved {
			t.Errorf("1m lost its resolved flag")
		}
	})

	t.Run("ScoreFollowsKeptTimeframes", func(t *testing.T) {
		s := open(t, 10)
		first := models.ImpactResult{
			EventID:       "e-1",
			Asset:         "BTC",
			BaselinePrice: models.Float(100),
			Timeframes: map[string]models.TimeframeResult{
				"1m": {Price: models.Float(101), Change: models.Float(1), Resolved: true},
			},
			Score:     1,
			Direction: models.DirectionPositive,
			UpdatedAt: baseTime,
		}
		if err := s.UpsertImpact(ctx, first); err != nil {
			t.Fatalf("UpsertImpact: %v", err)
		}

		// The later computation lost the 1m price; its score is built on that.
		later := models.ImpactResult{
			EventID:       "e-1",
			Asset:         "BTC",
			BaselinePrice: models.Float(100),
			Timeframes: map[string]models.TimeframeResult{
				"1m":  {Resolved: true},
				"10m": {Price: models.Float(98), Change: models.Float(-2), Resolved: true},
			},
			Score:     2,
			Direction: models.DirectionNegative,
			UpdatedAt: baseTime.Add(time.Minute),
		}
		if err := s.UpsertImpact(ctx, later); err != nil {
			t.Fatalf("UpsertImpact: %v", err)
		}

		got, err := s.GetImpact(ctx, "e-1", "BTC")
		if err != nil {
			t.Fatalf("GetImpact: %v", err)
		}
		if c := got.Timeframes["1m"].Change; c == nil || *c != 1 {
			t.Fatalf("1m change = %v, want 1", c)
		}
		wantScore, wantDir := models.Aggregate(got.Timeframes, models.DefaultOffsets())
		if wantDir != models.DirectionPositive {
			t.Fatalf("fixture: kept timeframes aggregate to %s", wantDir)
		}
		if got.Direction != wantDir || math.Abs(got.Score-wantScore) > 1e-9 {
			t.Errorf("score/direction = %v/%s, want %v/%s from kept timeframes", got.Score, got.Direction, wantScore, wantDir)
		}
		if math.Abs(got.Score-40.0/49.0) > 1e-9 {
			t.Errorf("score = %v, want %v", got.Score, 40.0/49.0)
		}
	})

	t.Run("ConcurrentUpsertsCommute", func(t *testing.T) {
		s := open(t, 10)
		a := partialImpact("e-1")
		b := partialImpact("e-1")
		b.Timeframes = map[string]models.TimeframeResult{
			"1h": {Price: models.Float(104), Change: models.Float(4), Resolved: true},
		}
		var wg sync.WaitGroup
		for _, r := range []models.ImpactResult{a, b} {
			wg.Add(1)
			go func(r models.ImpactResult) {
				defer wg.Done()
				if err := s.UpsertImpact(ctx, r); err != nil {
					t.Errorf("UpsertImpact: %v", err)
				}
			}(r)
		}
		wg.Wait()
		got, err := s.GetImpact(ctx, "e-1", "BTC")
		if err != nil {
			t.Fatalf("GetImpact: %v", err)
		}
		for _, key := range []string{"1m", "10m", "30m", "1h"} {
			if !got.Timeframes[key].Resolved {
				t.Errorf("%s should be resolved after both writes", key)
			}
		}
	})

	t.Run("SaveAndGetEvent", func(t *testing.T) {
		s := open(t, 10)
		ev := &models.Event{
			ID:        "cpi-2025-03",
			Kind:      models.KindMacro,
			Label:     "CPI YoY",
			Source:    "calendar",
			Country:   "US",
			Previous:  models.Float(3.0),
			Forecast:  models.Float(2.9),
			Unit:      "%",
			Timestamp: baseTime,
		}
		if err := s.SaveEvent(ctx, ev); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
		released := *ev
		released.Previous = nil
		released.Actual = models.Float(2.8)
		released.Timestamp = baseTime.Add(time.Hour)
		if err := s.SaveEvent(ctx, &released); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}

		got, err := s.GetEvent(ctx, ev.ID)
		if err != nil {
			t.Fatalf("GetEvent: %v", err)
		}
		if !got.Timestamp.Equal(baseTime) {
			t.Errorf("timestamp changed to %v", got.Timestamp)
		}
		if got.Actual == nil || *got.Actual != 2.8 {
			t.Errorf("actual = %v, want 2.8", got.Actual)
		}
		if got.Previous == nil || *got.Previous != 3.0 {
			t.Errorf("previous = %v, want 3.0", got.Previous)
		}
		if got.Kind != models.KindMacro || got.Country != "US" || got.Unit != "%" {
			t.Errorf("unexpected event %+v", got)
		}

		if _, err := s.GetEvent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetEvent err = %v, want ErrNotFound", err)
		}
	})

	t.Run("SaveEventRejectsInvalid", func(t *testing.T) {
		s := open(t, 10)
		if err := s.SaveEvent(ctx, &models.Event{ID: "x"}); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("ListEventsNewestFirst", func(t *testing.T) {
		s := open(t, 10)
		for i := 0; i < 3; i++ {
			if err := s.SaveEvent(ctx, testEvent(fmt.Sprintf("e-%d", i), baseTime.Add(time.Duration(i)*time.Minute))); err != nil {
				t.Fatalf("SaveEvent %d: %v", i, err)
			}
		}
		events, err := s.ListEvents(ctx, 2)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		if len(events) != 2 || events[0].ID != "e-2" || events[1].ID != "e-1" {
			t.Errorf("unexpected order: %+v", events)
		}
		all, err := s.ListEvents(ctx, 0)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("got %d events, want 3", len(all))
		}
	})

	t.Run("RotateEvents", func(t *testing.T) {
		s := open(t, 5)
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("e-%d", i)
			if err := s.SaveEvent(ctx, testEvent(id, baseTime.Add(time.Duration(i)*time.Second))); err != nil {
				t.Fatalf("SaveEvent %d: %v", i, err)
			}
			if err := s.UpsertImpact(ctx, partialImpact(id)); err != nil {
				t.Fatalf("UpsertImpact %d: %v", i, err)
			}
		}
		if err := s.RotateEvents(ctx); err != nil {
			t.Fatalf("RotateEvents: %v", err)
		}
		events, _ := s.ListEvents(ctx, 0)
		if len(events) != 5 {
			t.Errorf("got %d events after rotation, want 5", len(events))
		}
		for i := 0; i < 5; i++ {
			old := fmt.Sprintf("e-%d", i)
			if _, err := s.GetEvent(ctx, old); !errors.Is(err, ErrNotFound) {
				t.Errorf("old event %s should have been rotated out", old)
			}
			if _, err := s.GetImpact(ctx, old, "BTC"); !errors.Is(err, ErrNotFound) {
				t.Errorf("impact of %s should have been rotated out", old)
			}
		}
		if _, err := s.GetImpact(ctx, "e-9", "BTC"); err != nil {
			t.Errorf("newest impact missing: %v", err)
		}
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: "none"})
	if err != nil || s != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", s, err)
	}

	s, err = Open(ctx, Config{Driver: "memory", MaxEvents: 3})
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Errorf("Open(memory) returned %T", s)
	}

	s, err = Open(ctx, Config{Driver: "sqlite", DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	defer s.Close()

	if _, err := Open(ctx, Config{Driver: "redis"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
