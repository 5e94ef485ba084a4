package live

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barreplay/internal/domain"
	"barreplay/internal/store"
)

func kline(ts int64, close string, closed bool) string {
	return fmt.Sprintf(`{"e":"kline","E":%d,"s":"BTCUSDT","k":{"t":%d,"T":%d,"s":"BTCUSDT","i":"1m",`+
		`"f":1,"L":9,"o":"100.0","h":"101.5","l":"99.5","c":"%s","v":"12.5","n":10,"x":%t,`+
		`"q":"1250.0","V":"3.25","Q":"325.0","B":"0"}}`,
		ts+1, ts, ts+59_999, close, closed)
}

func TestParseKlineFullEvent(t *testing.T) {
	msg := `{
  "e": "kline",
  "E": 1672515782136,
  "s": "BNBBTC",
  "k": {
    "t": 1672515780000,
    "T": 1672515839999,
    "s": "BNBBTC",
    "i": "1m",
    "f": 100,
    "L": 200,
    "o": "0.0010",
    "c": "0.0020",
    "h": "0.0025",
    "l": "0.0015",
    "v": "1000",
    "n": 100,
    "x": false,
    "q": "1.0000",
    "V": "500",
    "Q": "0.500",
    "B": "123456"
  }
}`
	bar, closed, err := ParseKline([]byte(msg))
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, domain.Bar{
		TS:     1672515780000,
		Open:   0.001,
		High:   0.0025,
		Low:    0.0015,
		Close:  0.002,
		Volume: 1000,
	}, bar)
}

func TestParseKline(t *testing.T) {
	bar, closed, err := ParseKline([]byte(kline(60_000, "100.75", true)))
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, domain.Bar{TS: 60_000, Open: 100, High: 101.5, Low: 99.5, Close: 100.75, Volume: 12.5}, bar)

	_, _, err = ParseKline([]byte(`{"e":"trade"}`))
	assert.Error(t, err)
	_, _, err = ParseKline([]byte(`not json`))
	assert.Error(t, err)
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "wss://stream.binance.com:9443/ws/btcusdt@kline_1m",
		StreamURL(BinanceStreamURL, "BTCUSDT", "1m"))
}

func TestModelDedupAndSnapshot(t *testing.T) {
	m := NewModel()
	key := domain.SeriesKey{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1m"}
	bar := domain.Bar{TS: 60_000, Open: 1, High: 1, Low: 1, Close: 1}

	id, ch := m.Subscribe(8)
	defer m.Unsubscribe(id)

	assert.True(t, m.Add(key, bar, false))
	assert.True(t, m.Add(key, bar, true))
	assert.False(t, m.Add(key, bar, true), "duplicate closed bar")
	assert.False(t, m.Add(key, bar, false), "forming bar older than last close")
	assert.Len(t, ch, 2)

	latest, ok := m.Latest(key)
	require.True(t, ok)
	assert.Equal(t, bar, latest)

	snap := m.Snapshot(domain.SeriesKey{Symbol: "BTCUSDT"})
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Closed)
	assert.Empty(t, m.Snapshot(domain.SeriesKey{Symbol: "ETHUSDT"}))
}

// klineServer upgrades every request and writes msgs, then closes.
func klineServer(t *testing.T, msgs ...string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/btcusdt@kline_1m", r.URL.Path)
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamStoresClosedKlines(t *testing.T) {
	cache, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "live.db"))
	require.NoError(t, err)
	defer cache.Close()

	srv := klineServer(t,
		kline(0, "100.5", false),
		kline(0, "100.25", true),
		`{"e":"24hrTicker"}`,
		kline(60_000, "101", false),
	)

	model := NewModel()
	stream := NewStream(cache, model, StreamOptions{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx, "btcusdt", "1m") }()

	key := domain.SeriesKey{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1m"}
	require.Eventually(t, func() bool {
		bars, err := cache.LoadBars(context.Background(), key, 0, 120_000)
		return err == nil && len(bars) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	bars, err := cache.LoadBars(context.Background(), key, 0, 120_000)
	require.NoError(t, err)
	require.Len(t, bars, 1, "only the closed kline is cached")
	assert.Equal(t, 100.25, bars[0].Close)

	latest, ok := model.Latest(key)
	require.True(t, ok)
	assert.Equal(t, int64(0), latest.TS)
}

func TestServerStreamsEvents(t *testing.T) {
	model := NewModel()
	btc := domain.SeriesKey{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1m"}
	eth := domain.SeriesKey{Exchange: "binance", Symbol: "ETHUSDT", Timeframe: "1m"}
	model.Add(btc, domain.Bar{TS: 0, Open: 1, High: 1, Low: 1, Close: 1}, true)

	srv := httptest.NewServer(NewServer(model, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?symbol=btcusdt"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var evt BarEvent
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, btc, evt.Key)
	assert.True(t, evt.Closed)

	// The subscription is registered before the snapshot is written, so
	// events added now are delivered.
	model.Add(eth, domain.Bar{TS: 60_000, Open: 2, High: 2, Low: 2, Close: 2}, true)
	model.Add(btc, domain.Bar{TS: 60_000, Open: 3, High: 3, Low: 3, Close: 3}, false)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, btc, evt.Key)
	assert.False(t, evt.Closed)
	assert.Equal(t, 3.0, evt.Bar.Close)
}
