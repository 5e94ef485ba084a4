// Package config loads the barreplay YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"barreplay/internal/domain"
)

// DefaultPath is the configuration file read when BARREPLAY_CONFIG is unset.
const DefaultPath = "config/barreplay.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for barreplay.
type Config struct {
	// Provider selects the bar source: binance, alpaca, or parquet.
	Provider string         `yaml:"provider" validate:"oneof=binance alpaca parquet"`
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Logging  Logging        `yaml:"logging"`
	Binance  Binance        `yaml:"binance"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Backtest BacktestConfig `yaml:"backtest"`
	Gather   GatherConfig   `yaml:"gather"`
	Live     LiveConfig     `yaml:"live"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir" validate:"required"`
	SQLitePath string `yaml:"sqlite_path" validate:"required"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	GRPCPort int    `yaml:"grpc_port" validate:"gte=0,lte=65535"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Binance holds endpoints and request pacing for the Binance provider.
type Binance struct {
	BaseURL      string        `yaml:"base_url" validate:"required,url"`
	WSURL        string        `yaml:"ws_url" validate:"required"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	PageSpacing  time.Duration `yaml:"page_spacing"`

	// RateLimitPerMin caps REST requests per minute; 0 disables the cap.
	RateLimitPerMin int `yaml:"rate_limit_per_min" validate:"gte=0"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// FetchConfig tunes the fetch orchestrator.
type FetchConfig struct {
	SymbolTTL time.Duration `yaml:"symbol_ttl"`
	// ArchiveTimeframe is the timeframe listed by the offline parquet
	// provider's symbol directory.
	ArchiveTimeframe string `yaml:"archive_timeframe"`
	// ArchiveExchange is the exchange whose archive the parquet provider
	// serves.
	ArchiveExchange string `yaml:"archive_exchange"`
}

// BacktestConfig holds defaults applied to run requests that omit them.
type BacktestConfig struct {
	InitialCash   float64 `yaml:"initial_cash" validate:"gt=0"`
	Leverage      float64 `yaml:"leverage" validate:"gte=1"`
	CommissionBps float64 `yaml:"commission_bps" validate:"gte=0"`
	SlippageBps   float64 `yaml:"slippage_bps" validate:"gte=0"`
	WarmupBars    int     `yaml:"warmup_bars" validate:"gte=0"`
	CloseOnFinish bool    `yaml:"close_on_finish"`
}

// RunConfig returns the defaults as a domain.RunConfig.
func (b BacktestConfig) RunConfig() domain.RunConfig {
	return domain.RunConfig{
		InitialCash:   b.InitialCash,
		Leverage:      b.Leverage,
		CommissionBps: b.CommissionBps,
		SlippageBps:   b.SlippageBps,
		CloseOnFinish: b.CloseOnFinish,
	}
}

// SeriesConfig names one bar series of the configured provider.
type SeriesConfig struct {
	Symbol    string `yaml:"symbol" validate:"required"`
	Timeframe string `yaml:"timeframe" validate:"required"`
}

// GatherConfig controls the periodic sync of configured series.
type GatherConfig struct {
	Interval time.Duration  `yaml:"interval"`
	BarCount int            `yaml:"bar_count" validate:"gte=0"`
	Series   []SeriesConfig `yaml:"series" validate:"dive"`
}

// LiveConfig lists the series followed by the kline stream.
type LiveConfig struct {
	Series []SeriesConfig `yaml:"series" validate:"dive"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Defaults returns a fully populated configuration.
func Defaults() *Config {
	return &Config{
		Provider: "binance",
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/barreplay.db",
		},
		Server: Server{
			Host:     "127.0.0.1",
			Port:     8080,
			GRPCPort: 9090,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Binance: Binance{
			BaseURL:      "https://api.binance.com",
			WSURL:        "wss://stream.binance.com:9443/ws",
			Timeout:      15 * time.Second,
			RetryBackoff: 500 * time.Millisecond,
			PageSpacing:  100 * time.Millisecond,

			RateLimitPerMin: 1200,
		},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			Feed:    "iex",
		},
		Fetch: FetchConfig{
			SymbolTTL:        24 * time.Hour,
			ArchiveTimeframe: "1d",
			ArchiveExchange:  "binance",
		},
		Backtest: BacktestConfig{
			InitialCash:   10_000,
			Leverage:      1,
			CommissionBps: 10,
			SlippageBps:   5,
			WarmupBars:    200,
			CloseOnFinish: true,
		},
		Gather: GatherConfig{
			Interval: time.Minute,
			BarCount: 500,
		},
	}
}

// Path returns the configuration path from BARREPLAY_CONFIG, or DefaultPath.
func Path() string {
	if v := os.Getenv("BARREPLAY_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides, and validates the
// result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BARREPLAY_PROVIDER"); v != "" {
		cfg.Provider = v
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		cfg.Binance.BaseURL = v
	}

	if v := os.Getenv("BINANCE_WS_URL"); v != "" {
		cfg.Binance.WSURL = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// Standard Alpaca env vars take highest priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
