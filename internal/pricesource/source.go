// Package pricesource adapts upstream market data APIs to a single
// "price of symbol at time" contract.
package pricesource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable means the upstream has no price for the request: unknown
// market, timestamp in the future, or an empty series. It is a valid answer,
// not a transport failure, and is never retried.
var ErrUnavailable = errors.New("price unavailable")

// Source is implemented by every upstream price backend.
type Source interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// HistoricalPrice returns the close of the candle starting at or covering at,
	// or the nearest following one.
	HistoricalPrice(ctx context.Context, asset string, at time.Time) (float64, error)
	// CurrentPrice returns the latest trade or quote price.
	CurrentPrice(ctx context.Context, asset string) (float64, error)
}

// Settings configures an HTTP-backed source.
type Settings struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	Symbols   map[string]string
	Tolerance time.Duration
}

// NewByName builds the backend registered under name.
func NewByName(name string, s Settings) (Source, error) {
	client := &http.Client{Timeout: s.Timeout}
	switch strings.ToLower(name) {
	case "binance":
		opts := []BinanceOption{WithBinanceHTTPClient(client), WithBinanceSymbols(s.Symbols)}
		if s.BaseURL != "" {
			opts = append(opts, WithBinanceBaseURL(s.BaseURL))
		}
		return NewBinance(opts...), nil
	case "coingecko":
		opts := []CoinGeckoOption{WithCoinGeckoHTTPClient(client), WithCoinGeckoIDs(s.Symbols)}
		if s.BaseURL != "" {
			opts = append(opts, WithCoinGeckoBaseURL(s.BaseURL))
		}
		if s.APIKey != "" {
			opts = append(opts, WithCoinGeckoAPIKey(s.APIKey))
		}
		if s.Tolerance > 0 {
			opts = append(opts, WithCoinGeckoTolerance(s.Tolerance))
		}
		return NewCoinGecko(opts...), nil
	default:
		return nil, fmt.Errorf("unknown price source %q", name)
	}
}

// SymbolMapper returns the asset-to-market mapping of a backend that has
// one, or nil. Wrappers such as WithRetry hide it, so look it up on the
// backend returned by NewByName.
func SymbolMapper(src Source) func(asset string) string {
	if m, ok := src.(interface{ Symbol(string) string }); ok {
		return m.Symbol
	}
	return nil
}

func validPrice(p float64) bool {
	return p > 0 && p < 1e15
}
