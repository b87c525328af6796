package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/alphaterm/internal/api"
	"github.com/rewired-gh/alphaterm/internal/config"
	"github.com/rewired-gh/alphaterm/internal/feed"
	"github.com/rewired-gh/alphaterm/internal/impact"
	"github.com/rewired-gh/alphaterm/internal/logger"
	"github.com/rewired-gh/alphaterm/internal/metrics"
	"github.com/rewired-gh/alphaterm/internal/models"
	"github.com/rewired-gh/alphaterm/internal/monitor"
	"github.com/rewired-gh/alphaterm/internal/pricesource"
	"github.com/rewired-gh/alphaterm/internal/scheduler"
	"github.com/rewired-gh/alphaterm/internal/storage"
	"github.com/rewired-gh/alphaterm/internal/telegram"
	"github.com/rewired-gh/alphaterm/internal/tracker"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	store, err := storage.Open(ctx, storage.Config{
		Driver:    cfg.Storage.Driver,
		DBPath:    cfg.Storage.DBPath,
		DSN:       cfg.Storage.DSN,
		MaxEvents: cfg.Storage.MaxEvents,
		Offsets:   cfg.Offsets,
	})
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	if store == nil {
		logger.Warn("Storage disabled, impacts will not be cached")
	} else {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
	}

	// One scheduler per provider, shared by the analyzer and every tracker.
	sched := scheduler.New(cfg.Prices.Provider, cfg.Scheduler.SpacingFor(cfg.Prices.Provider),
		scheduler.WithMetrics(m),
		scheduler.WithQueueSize(cfg.Scheduler.QueueSize),
	)
	defer sched.Close()

	historical, live, err := buildPriceSources(ctx, cfg, sched, m)
	if err != nil {
		logger.Fatal("Failed to initialize price source: %v", err)
	}

	var storeForImpacts storage.ImpactStore
	var storeForEvents storage.EventStore
	if store != nil {
		storeForImpacts = store
		storeForEvents = store
	}

	calc := impact.New(historical, cfg.Offsets)
	analyzer := impact.NewAnalyzer(calc, storeForImpacts, m)

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	var mon *monitor.Monitor
	var runner *tracker.Runner
	if cfg.Tracker.Enabled {
		runner = tracker.NewRunner(live, analyzer,
			tracker.WithInterval(cfg.Tracker.Interval),
			tracker.WithMetrics(m),
			tracker.OnComplete(func(ev models.Event, res models.ImpactResult) {
				notifyTracked(mon, telegramClient, cfg, ev, res)
			}),
		)
	}

	mon = monitor.New(monitor.Config{
		Assets:             cfg.Assets,
		Threshold:          cfg.Monitor.Threshold,
		TopK:               cfg.Monitor.TopK,
		CooldownMultiplier: cfg.Monitor.CooldownMultiplier,
		MaxEventsPerCycle:  cfg.Monitor.MaxEventsPerCycle,
		TrackingHorizon:    cfg.Monitor.TrackingHorizon,
	}, buildFeed(cfg), analyzer, runner, storeForEvents, m)

	var server *api.Server
	if cfg.API.Enabled {
		server = api.New(api.Config{Addr: cfg.API.Addr, Debug: cfg.API.Debug}, store, m, mon.Assets)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("API server stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		mon.Shutdown()
		if server != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to shut down API server: %v", err)
			}
			done()
		}
		cancel()
	}()

	if telegramClient != nil {
		telegramClient.SetCommands(telegram.Commands{
			Top:       mon.Top,
			Assets:    mon.Assets,
			SetAssets: mon.SetAssets,
		})
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Starting monitoring service (interval: %v, assets: %v, threshold: %.2f, top_k: %d, provider: %s)",
		cfg.Monitor.PollInterval,
		cfg.Assets,
		cfg.Monitor.Threshold,
		cfg.Monitor.TopK,
		cfg.Prices.Provider,
	)

	ticker := time.NewTicker(cfg.Monitor.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Monitoring cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}
	}

	logger.Debug("Running initial monitoring cycle")
	handleCycleResult(runMonitoringCycle(ctx, mon, telegramClient, cfg))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			logger.Debug("Starting scheduled monitoring cycle")
			handleCycleResult(runMonitoringCycle(ctx, mon, telegramClient, cfg))
			if store != nil {
				if err := store.RotateEvents(ctx); err != nil {
					logger.Warn("Failed to rotate events: %v", err)
				}
			}
		}
	}
}

// buildPriceSources returns the source used for historical lookups and the
// one trackers poll for live prices. Both go through the provider scheduler.
func buildPriceSources(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, m *metrics.Metrics) (pricesource.Source, pricesource.Source, error) {
	base, err := pricesource.NewByName(cfg.Prices.Provider, pricesource.Settings{
		BaseURL:   cfg.Prices.BaseURL,
		APIKey:    cfg.Prices.APIKey,
		Timeout:   cfg.Prices.Timeout,
		Symbols:   cfg.Prices.Symbols,
		Tolerance: cfg.Prices.Tolerance,
	})
	if err != nil {
		return nil, nil, err
	}

	src := pricesource.WithRetry(pricesource.Scheduled(base, sched), pricesource.RetryConfig{
		MaxRetries:     cfg.Prices.Retry.MaxRetries,
		InitialBackoff: cfg.Prices.Retry.InitialBackoff,
		MaxBackoff:     cfg.Prices.Retry.MaxBackoff,
		Multiplier:     cfg.Prices.Retry.Multiplier,
	})
	src = pricesource.Instrument(src, m)

	if !cfg.Prices.Stream.Enabled {
		return src, src, nil
	}

	stream := pricesource.NewStream(pricesource.StreamConfig{
		Endpoint: cfg.Prices.Stream.Endpoint,
		MaxAge:   cfg.Prices.Stream.MaxAge,
		Symbol:   pricesource.SymbolMapper(base),
	}, cfg.Assets, src)
	go stream.Run(ctx)
	logger.Info("Live prices from %s (fallback %s)", stream.Name(), src.Name())
	return src, stream, nil
}

func buildFeed(cfg *config.Config) feed.Source {
	client := &http.Client{Timeout: cfg.Feeds.Timeout}

	var sources []feed.Source
	for _, h := range cfg.Feeds.Headlines {
		sources = append(sources, feed.NewHeadlines(h, client))
	}
	if cfg.Feeds.Calendar.Enabled {
		sources = append(sources, feed.NewCalendar(cfg.Feeds.Calendar.CalendarConfig, client))
	}
	if cfg.Feeds.Demo.Enabled {
		sources = append(sources, feed.NewDemo(cfg.Feeds.Demo.Count, cfg.Feeds.Demo.Interval))
	}
	return feed.NewMulti(sources...)
}

func runMonitoringCycle(
	ctx context.Context,
	mon *monitor.Monitor,
	telegramClient *telegram.Client,
	cfg *config.Config,
) error {
	startTime := time.Now()
	logger.Info("Starting monitoring cycle")

	alerts, err := mon.RunCycle(ctx, startTime)
	if err != nil {
		return fmt.Errorf("cycle aborted: %w", err)
	}
	logger.Info("Detected %d impacts above threshold (%d trackers active)", len(alerts), mon.ActiveTrackers())

	alerts = mon.PostProcessAlerts(alerts, cfg.Monitor.PollInterval)
	if len(alerts) > 0 {
		if telegramClient != nil {
			logger.Debug("Sending top %d impacts to Telegram", len(alerts))
			if err := telegramClient.Send(alerts); err != nil {
				logger.Error("Failed to send Telegram notification: %v", err)
			} else {
				logger.Info("Sent Telegram notification with top %d impacts", len(alerts))
				mon.RecordNotified(alerts)
			}
		} else {
			logger.Debug("Alerts detected but Telegram notifications disabled")
		}
	} else {
		logger.Info("No impacts above threshold this cycle")
	}

	logger.Info("Monitoring cycle completed in %v", time.Since(startTime))
	return nil
}

// notifyTracked pushes a finished live-tracked release when it clears the
// threshold and was not already sent in the same direction.
func notifyTracked(mon *monitor.Monitor, telegramClient *telegram.Client, cfg *config.Config, ev models.Event, res models.ImpactResult) {
	logger.Info("Tracking complete for %s on %s: score %.3f %s", ev.ID, res.Asset, res.Score, res.Direction)
	if mon == nil || telegramClient == nil || res.Score < cfg.Monitor.Threshold {
		return
	}
	alerts := mon.FilterRecentlySent([]models.Alert{{Event: ev, Impact: res}},
		time.Duration(cfg.Monitor.CooldownMultiplier)*cfg.Monitor.PollInterval)
	if len(alerts) == 0 {
		return
	}
	if err := telegramClient.Send(alerts); err != nil {
		logger.Warn("Failed to send tracked impact to Telegram: %v", err)
		return
	}
	mon.RecordNotified(alerts)
}
