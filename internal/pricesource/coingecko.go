package pricesource

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

var defaultCoinGeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"BNB":  "binancecoin",
	"XRP":  "ripple",
	"DOGE": "dogecoin",
}

// CoinGecko serves prices from the market_chart/range aggregate series.
type CoinGecko struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	ids       map[string]string
	tolerance time.Duration
	now       func() time.Time
}

// CoinGeckoOption customises the CoinGecko source.
type CoinGeckoOption func(*CoinGecko)

func WithCoinGeckoBaseURL(u string) CoinGeckoOption {
	return func(c *CoinGecko) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithCoinGeckoHTTPClient(hc *http.Client) CoinGeckoOption {
	return func(c *CoinGecko) {
		if hc != nil {
			c.client = hc
		}
	}
}

func WithCoinGeckoAPIKey(key string) CoinGeckoOption {
	return func(c *CoinGecko) { c.apiKey = key }
}

// WithCoinGeckoIDs adds asset to coin id mappings.
func WithCoinGeckoIDs(m map[string]string) CoinGeckoOption {
	return func(c *CoinGecko) {
		for k, v := range m {
			c.ids[strings.ToUpper(k)] = strings.ToLower(v)
		}
	}
}

// WithCoinGeckoTolerance sets how far after the target a point may be.
func WithCoinGeckoTolerance(d time.Duration) CoinGeckoOption {
	return func(c *CoinGecko) { c.tolerance = d }
}

func WithCoinGeckoClock(now func() time.Time) CoinGeckoOption {
	return func(c *CoinGecko) { c.now = now }
}

// NewCoinGecko constructs a CoinGecko source.
func NewCoinGecko(opts ...CoinGeckoOption) *CoinGecko {
	c := &CoinGecko{
		baseURL:   defaultCoinGeckoURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		ids:       make(map[string]string, len(defaultCoinGeckoIDs)),
		tolerance: 10 * time.Minute,
		now:       time.Now,
	}
	for k, v := range defaultCoinGeckoIDs {
		c.ids[k] = v
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) coinID(asset string) (string, bool) {
	id, ok := c.ids[strings.ToUpper(asset)]
	return id, ok
}

func (c *CoinGecko) header() http.Header {
	if c.apiKey == "" {
		return nil
	}
	h := http.Header{}
	h.Set("x-cg-demo-api-key", c.apiKey)
	return h
}

// HistoricalPrice returns the first series point at or after at, within tolerance.
func (c *CoinGecko) HistoricalPrice(ctx context.Context, asset string, at time.Time) (float64, error) {
	id, ok := c.coinID(asset)
	if !ok || at.After(c.now()) {
		return 0, ErrUnavailable
	}

	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("from", strconv.FormatInt(at.Add(-time.Minute).Unix(), 10))
	q.Set("to", strconv.FormatInt(at.Add(c.tolerance).Unix(), 10))

	var resp struct {
		Prices [][2]float64 `json:"prices"`
	}
	u := fmt.Sprintf("%s/coins/%s/market_chart/range?%s", c.baseURL, url.PathEscape(id), q.Encode())
	if err := getJSON(ctx, c.client, u, c.header(), &resp); err != nil {
		return 0, fmt.Errorf("coingecko: %w", err)
	}

	target := at.UnixMilli()
	for _, p := range resp.Prices {
		if int64(p[0]) >= target && validPrice(p[1]) {
			return p[1], nil
		}
	}
	return 0, ErrUnavailable
}

// CurrentPrice returns the simple/price USD quote.
func (c *CoinGecko) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	id, ok := c.coinID(asset)
	if !ok {
		return 0, ErrUnavailable
	}
	var resp map[string]map[string]float64
	u := c.baseURL + "/simple/price?ids=" + url.QueryEscape(id) + "&vs_currencies=usd"
	if err := getJSON(ctx, c.client, u, c.header(), &resp); err != nil {
		return 0, fmt.Errorf("coingecko: %w", err)
	}
	price, ok := resp[id]["usd"]
	if !ok || !validPrice(price) {
		return 0, ErrUnavailable
	}
	return price, nil
}
