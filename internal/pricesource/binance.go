package pricesource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBinanceURL = "https://api.binance.com"
	binanceInterval   = time.Minute
)

// Binance serves prices from spot 1m klines.
type Binance struct {
	baseURL string
	client  *http.Client
	symbols map[string]string
	now     func() time.Time
}

// BinanceOption customises the Binance source.
type BinanceOption func(*Binance)

// WithBinanceBaseURL points the source at another host (tests, mirrors).
func WithBinanceBaseURL(u string) BinanceOption {
	return func(b *Binance) {
		b.baseURL = strings.TrimRight(u, "/")
	}
}

// WithBinanceHTTPClient injects the HTTP client.
func WithBinanceHTTPClient(c *http.Client) BinanceOption {
	return func(b *Binance) {
		if c != nil {
			b.client = c
		}
	}
}

// WithBinanceSymbols overrides asset to market symbol mapping.
func WithBinanceSymbols(m map[string]string) BinanceOption {
	return func(b *Binance) {
		for k, v := range m {
			b.symbols[strings.ToUpper(k)] = strings.ToUpper(v)
		}
	}
}

// WithBinanceClock replaces time.Now.
func WithBinanceClock(now func() time.Time) BinanceOption {
	return func(b *Binance) {
		b.now = now
	}
}

// NewBinance constructs a Binance source.
func NewBinance(opts ...BinanceOption) *Binance {
	b := &Binance{
		baseURL: defaultBinanceURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		symbols: make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Binance) Name() string { return "binance" }

// Symbol maps an asset ticker to its USDT spot market.
func (b *Binance) Symbol(asset string) string {
	asset = strings.ToUpper(asset)
	if s, ok := b.symbols[asset]; ok {
		return s
	}
	if strings.HasSuffix(asset, "USDT") {
		return asset
	}
	return asset + "USDT"
}

// HistoricalPrice returns the close of the 1m candle that starts at or covers at.
func (b *Binance) HistoricalPrice(ctx context.Context, asset string, at time.Time) (float64, error) {
	if at.After(b.now()) {
		return 0, ErrUnavailable
	}
	start := at.Truncate(binanceInterval)

	q := url.Values{}
	q.Set("symbol", b.Symbol(asset))
	q.Set("interval", "1m")
	q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("limit", "1")

	var rows [][]any
	if err := getJSON(ctx, b.client, b.baseURL+"/api/v3/klines?"+q.Encode(), nil, &rows); err != nil {
		return 0, b.mapError(err)
	}
	if len(rows) == 0 || len(rows[0]) < 5 {
		return 0, ErrUnavailable
	}
	price, err := parseNumber(rows[0][4])
	if err != nil {
		return 0, fmt.Errorf("binance: bad kline close: %w", err)
	}
	if !validPrice(price) {
		return 0, ErrUnavailable
	}
	return price, nil
}

// CurrentPrice returns the latest traded price.
func (b *Binance) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	u := b.baseURL + "/api/v3/ticker/price?symbol=" + url.QueryEscape(b.Symbol(asset))
	if err := getJSON(ctx, b.client, u, nil, &resp); err != nil {
		return 0, b.mapError(err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: bad ticker price %q: %w", resp.Price, err)
	}
	if !validPrice(price) {
		return 0, ErrUnavailable
	}
	return price, nil
}

// mapError turns "Invalid symbol" responses into ErrUnavailable.
func (b *Binance) mapError(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest && strings.Contains(se.Body, "-1121") {
		return ErrUnavailable
	}
	return fmt.Errorf("binance: %w", err)
}

func parseNumber(v any) (float64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseFloat(n, 64)
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
