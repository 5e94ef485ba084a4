package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "barreplay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"BARREPLAY_PROVIDER", "DATA_DIR", "SQLITE_PATH", "LOG_LEVEL", "LOG_FORMAT",
		"BINANCE_BASE_URL", "BINANCE_WS_URL", "ALPACA_API_KEY", "ALPACA_API_SECRET",
		"ALPACA_BASE_URL", "ALPACA_DATA_URL", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
provider: binance
storage:
  data_dir: "/tmp/barreplay/data"
  sqlite_path: "/tmp/barreplay/cache.db"
server:
  host: "0.0.0.0"
  port: 8081
  grpc_port: 9091
logging:
  level: "debug"
  format: "text"
binance:
  base_url: "https://api.binance.us"
  ws_url: "wss://stream.binance.us:9443/ws"
  timeout: 5s
  retry_backoff: 250ms
fetch:
  symbol_ttl: 12h
backtest:
  initial_cash: 5000
  leverage: 2
  commission_bps: 4
  slippage_bps: 1
  warmup_bars: 50
  close_on_finish: false
gather:
  interval: 30s
  bar_count: 100
  series:
    - symbol: BTCUSDT
      timeframe: 1m
live:
  series:
    - symbol: ETHUSDT
      timeframe: 5m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/barreplay/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/barreplay/data")
	}
	if cfg.Storage.SQLitePath != "/tmp/barreplay/cache.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/barreplay/cache.db")
	}

	// -- Server --
	if cfg.Server.Port != 8081 || cfg.Server.GRPCPort != 9091 {
		t.Errorf("Server ports = %d/%d, want 8081/9091", cfg.Server.Port, cfg.Server.GRPCPort)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want debug/text", cfg.Logging)
	}

	// -- Binance --
	if cfg.Binance.Timeout != 5*time.Second {
		t.Errorf("Binance.Timeout = %v, want 5s", cfg.Binance.Timeout)
	}
	if cfg.Binance.RetryBackoff != 250*time.Millisecond {
		t.Errorf("Binance.RetryBackoff = %v, want 250ms", cfg.Binance.RetryBackoff)
	}
	// Unset in the file, so the default survives.
	if cfg.Binance.PageSpacing != 100*time.Millisecond {
		t.Errorf("Binance.PageSpacing = %v, want default 100ms", cfg.Binance.PageSpacing)
	}
	if cfg.Binance.RateLimitPerMin != 1200 {
		t.Errorf("Binance.RateLimitPerMin = %d, want default 1200", cfg.Binance.RateLimitPerMin)
	}

	// -- Fetch --
	if cfg.Fetch.SymbolTTL != 12*time.Hour {
		t.Errorf("Fetch.SymbolTTL = %v, want 12h", cfg.Fetch.SymbolTTL)
	}

	// -- Backtest --
	rc := cfg.Backtest.RunConfig()
	if rc.InitialCash != 5000 || rc.Leverage != 2 || rc.CommissionBps != 4 || rc.SlippageBps != 1 || rc.CloseOnFinish {
		t.Errorf("Backtest.RunConfig() = %+v", rc)
	}
	if cfg.Backtest.WarmupBars != 50 {
		t.Errorf("Backtest.WarmupBars = %d, want 50", cfg.Backtest.WarmupBars)
	}

	// -- Gather / Live --
	if cfg.Gather.Interval != 30*time.Second || len(cfg.Gather.Series) != 1 || cfg.Gather.Series[0].Symbol != "BTCUSDT" {
		t.Errorf("Gather = %+v", cfg.Gather)
	}
	if len(cfg.Live.Series) != 1 || cfg.Live.Series[0].Timeframe != "5m" {
		t.Errorf("Live = %+v", cfg.Live)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	want := Defaults()
	if cfg.Provider != want.Provider || cfg.Storage != want.Storage || cfg.Backtest != want.Backtest {
		t.Errorf("Load(missing) = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("BARREPLAY_PROVIDER", "alpaca")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Provider != "alpaca" {
		t.Errorf("Provider = %q, want alpaca (env override)", cfg.Provider)
	}

	t.Setenv("APCA_API_KEY_ID", "sdk-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "sdk-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (canonical env wins)", cfg.Alpaca.APIKey, "sdk-key")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"provider":    "provider: kraken\n",
		"cash":        "backtest:\n  initial_cash: 0\n",
		"leverage":    "backtest:\n  leverage: 0.5\n",
		"series":      "live:\n  series:\n    - symbol: BTCUSDT\n",
		"yaml syntax": "storage: [",
	}
	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("%s: Load() returned nil error", name)
		}
	}
}

func TestPath(t *testing.T) {
	t.Setenv("BARREPLAY_CONFIG", "")
	if got := Path(); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}
	t.Setenv("BARREPLAY_CONFIG", "/etc/barreplay.yaml")
	if got := Path(); !strings.HasSuffix(got, "/etc/barreplay.yaml") {
		t.Errorf("Path() = %q, want /etc/barreplay.yaml", got)
	}
}
