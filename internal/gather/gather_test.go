package gather

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barreplay/internal/config"
	"barreplay/internal/domain"
	"barreplay/internal/store"
)

type fakeFetcher struct {
	mu      sync.Mutex
	recent  map[string]int
	symbols int
	fail    string
}

func (f *fakeFetcher) Exchange() string { return "binance" }

func (f *fakeFetcher) Recent(_ context.Context, symbol, timeframe string, n int) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent[symbol+"/"+timeframe]++
	if symbol == f.fail {
		return nil, errors.New("provider down")
	}
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{TS: 1_704_067_200_000 + int64(i)*60_000, Open: 1, High: 1, Low: 1, Close: 1}
	}
	return bars, nil
}

func (f *fakeFetcher) Symbols(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols++
	return []string{"BTCUSDT"}, nil
}

func (f *fakeFetcher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent[key]
}

func TestSyncArchivesSeries(t *testing.T) {
	ff := &fakeFetcher{recent: map[string]int{}}
	archive := store.NewParquetStore(t.TempDir())
	g := NewSyncGatherer(ff, archive, config.GatherConfig{
		BarCount: 5,
		Series: []config.SeriesConfig{
			{Symbol: "BTCUSDT", Timeframe: "1m"},
			{Symbol: "ETHUSDT", Timeframe: "1m"},
		},
	})

	require.NoError(t, g.Sync(context.Background()))
	assert.Equal(t, 1, ff.count("BTCUSDT/1m"))
	assert.Equal(t, 1, ff.count("ETHUSDT/1m"))
	assert.Equal(t, 1, ff.symbols)

	symbols, err := archive.ListSymbols(context.Background(), "binance", "1m")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
}

func TestSyncJoinsErrors(t *testing.T) {
	ff := &fakeFetcher{recent: map[string]int{}, fail: "ETHUSDT"}
	g := NewSyncGatherer(ff, nil, config.GatherConfig{
		Series: []config.SeriesConfig{
			{Symbol: "BTCUSDT", Timeframe: "1h"},
			{Symbol: "ETHUSDT", Timeframe: "1h"},
		},
	})

	err := g.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETHUSDT 1h")
	// The healthy series is still synced.
	assert.Equal(t, 1, ff.count("BTCUSDT/1h"))
}

func TestRunStopsOnCancel(t *testing.T) {
	ff := &fakeFetcher{recent: map[string]int{}}
	g := NewSyncGatherer(ff, nil, config.GatherConfig{
		Interval: 5 * time.Millisecond,
		BarCount: 1,
		Series:   []config.SeriesConfig{{Symbol: "BTCUSDT", Timeframe: "1m"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return ff.count("BTCUSDT/1m") >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
