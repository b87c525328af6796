package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/alphaterm/internal/metrics"
	"github.com/rewired-gh/alphaterm/internal/models"
	"github.com/rewired-gh/alphaterm/internal/storage"
)

var t0 = time.Date(2025, 3, 7, 13, 30, 0, 0, time.UTC)

type listResponse struct {
	Asset  string      `json:"asset"`
	Count  int         `json:"count"`
	Events []eventView `json:"events"`
}

func seed(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory(0)
	for i, id := range []string{"old", "mid", "new"} {
		ev := models.Event{
			ID:        id,
			Kind:      models.KindHeadline,
			Label:     "headline " + id,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Demo:      id == "mid",
		}
		require.NoError(t, store.SaveEvent(ctx, &ev))
	}
	// a single resolved 1m window scores its own change
	for id, change := range map[string]float64{"old": 3, "mid": 1} {
		r := models.NewPendingImpact(id, "BTC", models.DefaultOffsets())
		r.BaselinePrice = models.Float(100)
		r.Timeframes["1m"] = models.TimeframeResult{Price: models.Float(100 + change), Change: models.Float(change), Resolved: true}
		r.Score = change
		r.Direction = models.DirectionPositive
		require.NoError(t, store.UpsertImpact(ctx, r))
	}
	return store
}

func newTestServer(t *testing.T, store storage.Store) (*Server, *metrics.Metrics) {
	m := metrics.New()
	return New(Config{Addr: ":0"}, store, m, func() []string { return []string{"BTC", "ETH"} }), m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","storage":false}`, rec.Body.String())
}

func TestAssets(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(t, s.Handler(), "/api/assets")
	assert.JSONEq(t, `{"assets":["BTC","ETH"]}`, rec.Body.String())
}

func TestListEvents_ByTime(t *testing.T) {
	s, _ := newTestServer(t, seed(t))
	rec := get(t, s.Handler(), "/api/events")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "BTC", resp.Asset)
	require.Equal(t, 3, resp.Count)
	assert.Equal(t, "new", resp.Events[0].Event.ID)
	assert.Nil(t, resp.Events[0].Impact)
	assert.True(t, resp.Events[1].Event.Demo, "demo flag passes through")
}

func TestListEvents_ByScore(t *testing.T) {
	s, _ := newTestServer(t, seed(t))
	rec := get(t, s.Handler(), "/api/events?asset=btc&sort=score&limit=3")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	ids := []string{resp.Events[0].Event.ID, resp.Events[1].Event.ID, resp.Events[2].Event.ID}
	assert.Equal(t, []string{"old", "mid", "new"}, ids)
	require.NotNil(t, resp.Events[0].Impact)
	assert.Equal(t, 3.0, resp.Events[0].Impact.Score)
}

func TestListEvents_BadQuery(t *testing.T) {
	s, _ := newTestServer(t, seed(t))
	for _, path := range []string{"/api/events?sort=volume", "/api/events?limit=0", "/api/events?limit=x"} {
		rec := get(t, s.Handler(), path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestListEvents_NoStore(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(t, s.Handler(), "/api/events")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetImpact(t *testing.T) {
	s, _ := newTestServer(t, seed(t))

	rec := get(t, s.Handler(), "/api/events/old/impact?asset=BTC")
	require.Equal(t, http.StatusOK, rec.Code)
	var v eventView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "old", v.Event.ID)
	require.NotNil(t, v.Impact)
	assert.Equal(t, 100.0, *v.Impact.BaselinePrice)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/events/new/impact").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/events/missing/impact").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/api/events/old/impact?asset=ETH").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, m := newTestServer(t, nil)
	m.CycleFailures.Inc()

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "alphaterm_monitor_cycle_failures_total 1"))
}
