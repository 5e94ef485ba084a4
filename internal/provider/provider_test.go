package provider

import (
	"context"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barreplay/internal/config"
	"barreplay/internal/domain"
	"barreplay/internal/store"
)

func TestToMillis(t *testing.T) {
	assert.Equal(t, int64(1_700_000_000_000), toMillis(1_700_000_000))
	assert.Equal(t, int64(1_700_000_000_000), toMillis(1_700_000_000_000))
}

func TestAlpacaTimeFrame(t *testing.T) {
	cases := map[string]marketdata.TimeFrame{
		"15m": marketdata.NewTimeFrame(15, marketdata.Min),
		"1h":  marketdata.NewTimeFrame(1, marketdata.Hour),
		"1d":  marketdata.NewTimeFrame(1, marketdata.Day),
		"1w":  marketdata.NewTimeFrame(1, marketdata.Week),
		"1M":  marketdata.NewTimeFrame(1, marketdata.Month),
	}
	for in, want := range cases {
		got, err := AlpacaTimeFrame(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "m", "0m", "5x", "abc"} {
		_, err := AlpacaTimeFrame(bad)
		assert.Error(t, err, bad)
	}
}

func TestParquetProvider(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	ctx := context.Background()
	key := domain.SeriesKey{Exchange: "binance", Symbol: "ETHUSDT", Timeframe: "1h"}
	bars := []domain.Bar{
		{TS: 1_704_067_200_000, Open: 1, High: 2, Low: 1, Close: 2},
		{TS: 1_704_070_800_000, Open: 2, High: 3, Low: 2, Close: 3},
	}
	require.NoError(t, ps.WriteBars(ctx, key, bars))

	p := NewParquet(ps, "binance", "1h")
	assert.Equal(t, "binance", p.Name())

	got, err := p.FetchOHLCV(ctx, "ETHUSDT", "1h", 1_704_067_200, 1_704_070_800)
	require.NoError(t, err)
	assert.Equal(t, bars, got)

	symbols, err := p.FetchSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT"}, symbols)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Defaults()
	p, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "binance", p.Name())

	cfg.Provider = "parquet"
	p, err = FromConfig(cfg, store.NewParquetStore(t.TempDir()))
	require.NoError(t, err)
	assert.IsType(t, &Parquet{}, p)
	assert.Equal(t, "binance", p.Name())

	cfg.Provider = "alpaca"
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err, "alpaca without credentials")

	cfg.Alpaca.APIKey, cfg.Alpaca.APISecret = "key", "secret"
	p, err = FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &Alpaca{}, p)

	cfg.Provider = "kraken"
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err)
}
