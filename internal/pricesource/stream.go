package pricesource

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/alphaterm/internal/logger"
)

const defaultStreamURL = "wss://stream.binance.com:9443"

// StreamConfig configures the live trade stream.
type StreamConfig struct {
	// Endpoint is the websocket host, e.g. wss://stream.binance.com:9443.
	Endpoint string
	// MaxAge is how old the last trade may be before CurrentPrice falls back.
	MaxAge            time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ReadTimeout       time.Duration
	// Symbol maps an asset to its market symbol, e.g. BTC -> BTCUSDT. Nil
	// uses the fallback's own mapping when it exposes one, else asset+USDT.
	Symbol func(asset string) string
}

// DefaultStreamConfig returns default stream settings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Endpoint:          defaultStreamURL,
		MaxAge:            5 * time.Second,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
	}
}

type lastTrade struct {
	price float64
	seen  time.Time
}

// Stream keeps the last trade price per asset from the Binance combined trade
// stream. Historical lookups and stale current prices go to the fallback.
type Stream struct {
	cfg      StreamConfig
	assets   []string
	fallback Source
	symbol   func(string) string

	mu   sync.RWMutex
	last map[string]lastTrade
	now  func() time.Time
}

// NewStream builds a stream for assets. fallback must not be nil.
func NewStream(cfg StreamConfig, assets []string, fallback Source) *Stream {
	def := DefaultStreamConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	symbol := cfg.Symbol
	if symbol == nil {
		symbol = SymbolMapper(fallback)
	}
	if symbol == nil {
		symbol = func(a string) string { return strings.ToUpper(a) + "USDT" }
	}

	return &Stream{
		cfg:      cfg,
		assets:   assets,
		fallback: fallback,
		symbol:   symbol,
		last:     make(map[string]lastTrade),
		now:      time.Now,
	}
}

func (s *Stream) Name() string { return s.fallback.Name() + "-stream" }

func (s *Stream) HistoricalPrice(ctx context.Context, asset string, at time.Time) (float64, error) {
	return s.fallback.HistoricalPrice(ctx, asset, at)
}

// CurrentPrice serves the last streamed trade when fresh.
func (s *Stream) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	s.mu.RLock()
	t, ok := s.last[s.symbol(asset)]
	s.mu.RUnlock()
	if ok && s.now().Sub(t.seen) <= s.cfg.MaxAge {
		return t.price, nil
	}
	return s.fallback.CurrentPrice(ctx, asset)
}

func (s *Stream) url() string {
	streams := make([]string, 0, len(s.assets))
	for _, a := range s.assets {
		streams = append(streams, strings.ToLower(s.symbol(a))+"@trade")
	}
	return strings.TrimRight(s.cfg.Endpoint, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// Run connects and reads until ctx is cancelled, reconnecting with capped backoff.
func (s *Stream) Run(ctx context.Context) {
	delay := s.cfg.ReconnectDelay
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Trade stream disconnected: %v (reconnecting in %v)", err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

type streamEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
		Time   int64  `json:"T"`
	} `json:"data"`
}

func (s *Stream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	defer conn.Close()
	logger.Info("Trade stream connected (%d assets)", len(s.assets))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read websocket: %w", err)
		}
		var env streamEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			logger.Debug("Skipping malformed stream message: %v", err)
			continue
		}
		price, err := strconv.ParseFloat(env.Data.Price, 64)
		if err != nil || !validPrice(price) {
			continue
		}
		s.mu.Lock()
		s.last[strings.ToUpper(env.Data.Symbol)] = lastTrade{price: price, seen: s.now()}
		s.mu.Unlock()
	}
}
