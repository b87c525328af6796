package pricesource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoinGecko(t *testing.T, h http.HandlerFunc, opts ...CoinGeckoOption) *CoinGecko {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	base := []CoinGeckoOption{
		WithCoinGeckoBaseURL(srv.URL),
		WithCoinGeckoHTTPClient(srv.Client()),
		WithCoinGeckoClock(func() time.Time { return fixedNow }),
	}
	return NewCoinGecko(append(base, opts...)...)
}

func TestCoinGecko_HistoricalPrice_FirstPointAtOrAfter(t *testing.T) {
	at := time.Date(2025, 3, 7, 13, 30, 0, 0, time.UTC)
	c := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/market_chart/range", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "key", r.Header.Get("x-cg-demo-api-key"))
		_, _ = w.Write([]byte(`{"prices":[[1741354140000,99.0],[1741354230000,100.5],[1741354500000,101.0]]}`))
	}, WithCoinGeckoAPIKey("key"))

	price, err := c.HistoricalPrice(context.Background(), "BTC", at)
	require.NoError(t, err)
	assert.Equal(t, 100.5, price)
}

func TestCoinGecko_HistoricalPrice_NoPointAfter(t *testing.T) {
	c := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prices":[[1000,99.0]]}`))
	})
	_, err := c.HistoricalPrice(context.Background(), "BTC", fixedNow.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCoinGecko_UnknownAsset(t *testing.T) {
	c := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.HistoricalPrice(context.Background(), "ZZZ", fixedNow.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.CurrentPrice(context.Background(), "ZZZ")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCoinGecko_CurrentPrice(t *testing.T) {
	c := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		_, _ = w.Write([]byte(`{"ethereum":{"usd":2200.5}}`))
	})
	price, err := c.CurrentPrice(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, 2200.5, price)
}
