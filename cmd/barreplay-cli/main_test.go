package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"barreplay/internal/domain"
	"barreplay/internal/store"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	cases := map[string]int64{
		"":                     0,
		"1704153600000":        want,
		"2024-01-02":           want,
		"2024-01-02T00:00:00Z": want,
	}
	for in, exp := range cases {
		got, err := parseTime(in)
		if err != nil {
			t.Errorf("parseTime(%q) error = %v", in, err)
			continue
		}
		if got != exp {
			t.Errorf("parseTime(%q) = %d, want %d", in, got, exp)
		}
	}
	if _, err := parseTime("yesterday"); err == nil {
		t.Error("parseTime(yesterday) succeeded, want error")
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"fast=5", "mode=a=b"})
	if err != nil {
		t.Fatalf("parseParams() error = %v", err)
	}
	if got["fast"] != "5" || got["mode"] != "a=b" {
		t.Errorf("parseParams() = %v", got)
	}
	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Error("parseParams(novalue) succeeded, want error")
	}
	if got, _ := parseParams(nil); got != nil {
		t.Errorf("parseParams(nil) = %v, want nil", got)
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "barreplay.yaml")
	yaml := "provider: parquet\n" +
		"storage:\n  data_dir: " + filepath.Join(dir, "data") + "\n  sqlite_path: " + filepath.Join(dir, "cache.db") + "\n" +
		"fetch:\n  archive_exchange: binance\n  archive_timeframe: 1h\n"
	if err := writeFile(path, yaml); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Package-level flag targets persist between Execute calls.
	cfgPath, serverURL, logLevel = "", "", ""
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "barreplay-cli "+version) {
		t.Errorf("version output = %q", out)
	}
}

func TestStrategiesCommand(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "--config", cfg, "strategies")
	if err != nil {
		t.Fatalf("strategies error = %v", err)
	}
	for _, id := range []string{"ema_cross", "sma_cross"} {
		if !strings.Contains(out, id) {
			t.Errorf("strategies output missing %s:\n%s", id, out)
		}
	}
}

func TestOfflineBacktestAndExport(t *testing.T) {
	cfg := writeConfig(t)
	dataDir := filepath.Join(filepath.Dir(cfg), "data")

	// Seed the parquet archive the offline provider reads from.
	hour := int64(3_600_000)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	bars := make([]domain.Bar, 200)
	for i := range bars {
		px := 100 + float64(i%17)
		bars[i] = domain.Bar{TS: start + int64(i)*hour, Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 10}
	}
	ps := store.NewParquetStore(dataDir)
	key := domain.SeriesKey{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1h"}
	if err := ps.WriteBars(t.Context(), key, bars); err != nil {
		t.Fatalf("seeding archive: %v", err)
	}

	out, err := run(t, "--config", cfg, "backtest", "sma_cross", "btcusdt", "1h",
		"--start", "2024-01-02", "--end", "2024-01-08T00:00:00Z", "--warmup", "24",
		"-p", "short=5", "-p", "long=20", "--run-id", "6f1c2d9e-8a47-4b53-9c1e-2f4d5a6b7c8d")
	if err != nil {
		t.Fatalf("backtest error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "DONE") {
		t.Errorf("backtest output missing DONE status:\n%s", out)
	}

	outPath := filepath.Join(t.TempDir(), "equity.parquet")
	out, err = run(t, "--config", cfg, "export", "6f1c2d9e-8a47-4b53-9c1e-2f4d5a6b7c8d", "-o", outPath)
	if err != nil {
		t.Fatalf("export error = %v\n%s", err, out)
	}
	points, err := ps.ReadEquity(outPath)
	if err != nil {
		t.Fatalf("ReadEquity() error = %v", err)
	}
	// 2024-01-02 00:00 through 2024-01-08 00:00 inclusive.
	if len(points) != 6*24+1 {
		t.Errorf("exported %d points, want %d", len(points), 6*24+1)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
