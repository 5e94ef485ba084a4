package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// klineBase is a minute-aligned open time in milliseconds.
const klineBase = int64(1_700_000_040_000)

// klineServer serves minute klines for the ten minutes after klineBase, two
// per page.
func klineServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1m", q.Get("interval"))
		assert.Equal(t, "1000", q.Get("limit"))

		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		var rows [][]any
		first := max(klineBase, (start+59_999)/60_000*60_000)
		for ts := first; ts <= end && ts <= klineBase+600_000 && len(rows) < 2; ts += 60_000 {
			p := fmt.Sprintf("%d.5", (ts-klineBase)/60_000+1)
			rows = append(rows, []any{ts, p, p, p, p, "1.25", ts + 59_999, "0", 1, "0", "0", "0"})
		}
		_ = json.NewEncoder(w).Encode(rows)
	})
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING"},
			{"symbol":"LUNAUSDT","status":"BREAK"},
			{"symbol":"ETHUSDT","status":"TRADING"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestBinance(url string) *Binance {
	return NewBinance(BinanceOptions{
		BaseURL:      url,
		RetryBackoff: time.Millisecond,
		PageSpacing:  -1,
	})
}

func TestBinanceFetchOHLCVPaginates(t *testing.T) {
	var calls atomic.Int32
	srv := klineServer(t, &calls)
	b := newTestBinance(srv.URL)

	bars, err := b.FetchOHLCV(context.Background(), "btcusdt", "1m", klineBase, klineBase+300_000)
	require.NoError(t, err)
	require.Len(t, bars, 6)
	for i, bar := range bars {
		assert.Equal(t, klineBase+int64(i)*60_000, bar.TS)
		assert.InDelta(t, float64(i+1)+0.5, bar.Close, 1e-9)
		assert.InDelta(t, 1.25, bar.Volume, 1e-9)
	}
	// Three pages; the third reaches the requested end.
	assert.Equal(t, int32(3), calls.Load())
}

func TestBinanceFetchOHLCVNormalisesSeconds(t *testing.T) {
	var calls atomic.Int32
	srv := klineServer(t, &calls)
	b := newTestBinance(srv.URL)

	// Second timestamps are scaled to milliseconds before requesting, so
	// the window [klineBase-40s, klineBase+20s] holds exactly one bar.
	bars, err := b.FetchOHLCV(context.Background(), "BTCUSDT", "1m", klineBase/1000-40, klineBase/1000+20)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, klineBase, bars[0].TS)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBinanceFetchSymbolsFiltersTrading(t *testing.T) {
	var calls atomic.Int32
	srv := klineServer(t, &calls)
	b := newTestBinance(srv.URL)

	symbols, err := b.FetchSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
}

func TestBinanceRetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestBinance(srv.URL).FetchSymbols(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(2), calls.Load())
}

func TestBinanceDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestBinance(srv.URL).FetchOHLCV(context.Background(), "NOPE", "1m", 0, 60_000)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBinanceSkipsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startTime") != strconv.FormatInt(klineBase, 10) {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = fmt.Fprintf(w, `[
			[%d,"1","1","1","1","1",%d],
			[%d,"1","1"],
			[%d,"x","1","1","1","1",%d]]`,
			klineBase, klineBase+59_999, klineBase+60_000, klineBase+120_000, klineBase+179_999)
	}))
	defer srv.Close()

	bars, err := newTestBinance(srv.URL).FetchOHLCV(context.Background(), "BTCUSDT", "1m", klineBase, klineBase+180_000)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, klineBase, bars[0].TS)
}

func TestBinanceRequestBudget(t *testing.T) {
	var calls atomic.Int32
	srv := klineServer(t, &calls)
	b := NewBinance(BinanceOptions{
		BaseURL:           srv.URL,
		RetryBackoff:      time.Millisecond,
		PageSpacing:       -1,
		RequestsPerMinute: 600, // one request per 100ms
	})

	start := time.Now()
	for range 3 {
		_, err := b.FetchSymbols(context.Background())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.FetchSymbols(ctx)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "a canceled wait sends nothing")
}
