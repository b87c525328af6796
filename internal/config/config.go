package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rewired-gh/alphaterm/internal/feed"
	"github.com/rewired-gh/alphaterm/internal/models"
)

// Config represents the complete application configuration
type Config struct {
	Assets    []string                 `mapstructure:"assets"`
	Offsets   []models.TimeframeOffset `mapstructure:"offsets"`
	Feeds     FeedsConfig              `mapstructure:"feeds"`
	Prices    PricesConfig             `mapstructure:"prices"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler"`
	Tracker   TrackerConfig            `mapstructure:"tracker"`
	Monitor   MonitorConfig            `mapstructure:"monitor"`
	Telegram  TelegramConfig           `mapstructure:"telegram"`
	Storage   StorageConfig            `mapstructure:"storage"`
	API       APIConfig                `mapstructure:"api"`
	Logging   LoggingConfig            `mapstructure:"logging"`
}

// FeedsConfig lists the event sources merged into one feed.
type FeedsConfig struct {
	Timeout   time.Duration         `mapstructure:"timeout"`
	Headlines []feed.HeadlineConfig `mapstructure:"headlines"`
	Calendar  CalendarConfig        `mapstructure:"calendar"`
	Demo      DemoConfig            `mapstructure:"demo"`
}

type CalendarConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	feed.CalendarConfig `mapstructure:",squash"`
}

type DemoConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Count    int           `mapstructure:"count"`
	Interval time.Duration `mapstructure:"interval"`
}

// PricesConfig selects the price provider and how it is called.
type PricesConfig struct {
	Provider  string            `mapstructure:"provider"`
	BaseURL   string            `mapstructure:"base_url"`
	APIKey    string            `mapstructure:"api_key"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Symbols   map[string]string `mapstructure:"symbols"`
	Tolerance time.Duration     `mapstructure:"tolerance"`
	Retry     RetryConfig       `mapstructure:"retry"`
	Stream    StreamConfig      `mapstructure:"stream"`
}

type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// StreamConfig enables the live trade stream for current prices.
type StreamConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Endpoint string        `mapstructure:"endpoint"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// SchedulerConfig holds the minimum spacing between calls to one provider.
// Spacings overrides Spacing per provider name.
type SchedulerConfig struct {
	Spacing   time.Duration            `mapstructure:"spacing"`
	Spacings  map[string]time.Duration `mapstructure:"spacings"`
	QueueSize int                      `mapstructure:"queue_size"`
}

// SpacingFor returns the spacing configured for provider.
func (s SchedulerConfig) SpacingFor(provider string) time.Duration {
	if d, ok := s.Spacings[strings.ToLower(provider)]; ok {
		return d
	}
	return s.Spacing
}

type TrackerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// MonitorConfig holds monitoring behavior configuration
type MonitorConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	Threshold          float64       `mapstructure:"threshold"`
	TopK               int           `mapstructure:"top_k"`
	CooldownMultiplier int           `mapstructure:"cooldown_multiplier"`
	MaxEventsPerCycle  int           `mapstructure:"max_events_per_cycle"`
	TrackingHorizon    time.Duration `mapstructure:"tracking_horizon"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig selects the cache backend
type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	DBPath    string `mapstructure:"db_path"`
	DSN       string `mapstructure:"dsn"`
	MaxEvents int    `mapstructure:"max_events"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Debug   bool   `mapstructure:"debug"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	loadDotenv()

	v := viper.New()
	setDefaults(v)

	// ALPHATERM_MONITOR_THRESHOLD overrides monitor.threshold
	v.SetEnvPrefix("ALPHATERM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	return &cfg, nil
}

// loadDotenv reads .env (or $ENV_FILE) into the process environment.
// NO_DOTENV=1 disables it; DOTENV_OVERLOAD=1 lets the file win over existing variables.
func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}
	path := ".env"
	if f := os.Getenv("ENV_FILE"); f != "" {
		path = f
	}
	if os.Getenv("DOTENV_OVERLOAD") == "1" {
		_ = godotenv.Overload(path)
		return
	}
	_ = godotenv.Load(path)
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("assets", []string{"BTC"})
	v.SetDefault("offsets", defaultOffsets())

	// Feeds
	v.SetDefault("feeds.timeout", "15s")
	v.SetDefault("feeds.headlines", []map[string]any{})
	v.SetDefault("feeds.calendar.enabled", false)
	v.SetDefault("feeds.calendar.base_url", "https://financialmodelingprep.com")
	v.SetDefault("feeds.calendar.api_key", "")
	v.SetDefault("feeds.calendar.lookback", "24h")
	v.SetDefault("feeds.calendar.lookahead", "48h")
	v.SetDefault("feeds.calendar.countries", []string{"US"})
	v.SetDefault("feeds.calendar.impacts", []string{"High"})
	v.SetDefault("feeds.demo.enabled", true)
	v.SetDefault("feeds.demo.count", 5)
	v.SetDefault("feeds.demo.interval", "15m")

	// Prices
	v.SetDefault("prices.provider", "binance")
	v.SetDefault("prices.base_url", "")
	v.SetDefault("prices.api_key", "")
	v.SetDefault("prices.timeout", "10s")
	v.SetDefault("prices.symbols", map[string]string{})
	v.SetDefault("prices.tolerance", "5m")
	v.SetDefault("prices.retry.max_retries", 3)
	v.SetDefault("prices.retry.initial_backoff", "200ms")
	v.SetDefault("prices.retry.max_backoff", "3s")
	v.SetDefault("prices.retry.multiplier", 2.0)
	v.SetDefault("prices.stream.enabled", false)
	v.SetDefault("prices.stream.endpoint", "wss://stream.binance.com:9443")
	v.SetDefault("prices.stream.max_age", "5s")

	// Scheduler
	v.SetDefault("scheduler.spacing", "100ms")
	v.SetDefault("scheduler.spacings", map[string]string{"coingecko": "2s"})
	v.SetDefault("scheduler.queue_size", 1024)

	// Tracker
	v.SetDefault("tracker.enabled", true)
	v.SetDefault("tracker.interval", "1s")

	// Monitor
	v.SetDefault("monitor.poll_interval", "1m")
	v.SetDefault("monitor.threshold", 0.5)
	v.SetDefault("monitor.top_k", 10)
	v.SetDefault("monitor.cooldown_multiplier", 5)
	v.SetDefault("monitor.max_events_per_cycle", 50)
	v.SetDefault("monitor.tracking_horizon", "10m")

	// Telegram
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_events", 1000)

	// API
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.debug", false)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func defaultOffsets() []map[string]any {
	var out []map[string]any
	for _, o := range models.DefaultOffsets() {
		out = append(out, map[string]any{
			"key":      o.Key,
			"duration": o.Duration.String(),
			"weight":   o.Weight,
		})
	}
	return out
}

func (c *Config) normalize() {
	assets := make([]string, 0, len(c.Assets))
	for _, a := range c.Assets {
		if a = strings.ToUpper(strings.TrimSpace(a)); a != "" {
			assets = append(assets, a)
		}
	}
	c.Assets = assets
	c.Offsets = models.SortOffsets(c.Offsets)
	c.Prices.Provider = strings.ToLower(c.Prices.Provider)
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("assets must contain at least one asset")
	}

	if len(c.Offsets) == 0 {
		return fmt.Errorf("offsets must contain at least one offset")
	}
	seen := make(map[string]bool, len(c.Offsets))
	for _, o := range c.Offsets {
		if o.Key == "" {
			return fmt.Errorf("offsets: key is required")
		}
		if seen[o.Key] {
			return fmt.Errorf("offsets: duplicate key %q", o.Key)
		}
		seen[o.Key] = true
		if o.Duration <= 0 {
			return fmt.Errorf("offsets.%s: duration must be positive", o.Key)
		}
		if o.Weight <= 0 {
			return fmt.Errorf("offsets.%s: weight must be positive", o.Key)
		}
	}
	sorted := models.SortOffsets(c.Offsets)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Weight > sorted[i-1].Weight {
			return fmt.Errorf("offsets.%s: weight %.2f exceeds the shorter offset %s (%.2f)",
				sorted[i].Key, sorted[i].Weight, sorted[i-1].Key, sorted[i-1].Weight)
		}
	}

	// Feeds
	for i, h := range c.Feeds.Headlines {
		if h.URL == "" || h.ItemSelector == "" || h.TextSelector == "" {
			return fmt.Errorf("feeds.headlines[%d]: url, item_selector and text_selector are required", i)
		}
	}
	if c.Feeds.Demo.Enabled && (c.Feeds.Demo.Count < 1 || c.Feeds.Demo.Interval <= 0) {
		return fmt.Errorf("feeds.demo: count must be at least 1 and interval positive")
	}
	if !c.Feeds.Demo.Enabled && !c.Feeds.Calendar.Enabled && len(c.Feeds.Headlines) == 0 {
		return fmt.Errorf("feeds: at least one feed must be configured")
	}

	// Prices
	switch c.Prices.Provider {
	case "binance", "coingecko":
	default:
		return fmt.Errorf("prices.provider must be one of: binance, coingecko")
	}
	if c.Prices.Timeout <= 0 {
		return fmt.Errorf("prices.timeout must be positive")
	}
	if c.Prices.Retry.MaxRetries < 0 {
		return fmt.Errorf("prices.retry.max_retries must not be negative")
	}

	if c.Scheduler.Spacing < 0 {
		return fmt.Errorf("scheduler.spacing must not be negative")
	}
	if c.Tracker.Interval <= 0 {
		return fmt.Errorf("tracker.interval must be positive")
	}

	// Monitor
	if c.Monitor.PollInterval < 10*time.Second {
		return fmt.Errorf("monitor.poll_interval must be at least 10 seconds")
	}
	if c.Monitor.Threshold < 0 {
		return fmt.Errorf("monitor.threshold must not be negative")
	}
	if c.Monitor.TopK < 1 {
		return fmt.Errorf("monitor.top_k must be at least 1")
	}
	if c.Monitor.MaxEventsPerCycle < 1 {
		return fmt.Errorf("monitor.max_events_per_cycle must be at least 1")
	}

	// Telegram
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Storage
	switch c.Storage.Driver {
	case "", "sqlite", "memory", "none":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres, memory, none")
	}
	if c.Storage.MaxEvents < 0 {
		return fmt.Errorf("storage.max_events must not be negative")
	}

	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when the api is enabled")
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
