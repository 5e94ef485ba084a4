package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"barreplay/internal/domain"
	"barreplay/internal/metrics"
	"barreplay/internal/store"
)

// BinanceStreamURL is the public Binance websocket endpoint.
const BinanceStreamURL = "wss://stream.binance.com:9443/ws"

// StreamOptions configures a Stream. Zero values take defaults.
type StreamOptions struct {
	URL      string // websocket base URL
	Exchange string // cache key exchange, default "binance"
	// MinBackoff and MaxBackoff bound the reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Stream follows Binance kline streams. Closed klines are upserted into the
// bar cache; every update is published to the Model.
type Stream struct {
	cache    store.BarCache
	model    *Model
	url      string
	exchange string
	minWait  time.Duration
	maxWait  time.Duration
	dialer   *websocket.Dialer
	log      *slog.Logger
}

// NewStream creates a Stream writing to cache and model. model may be nil.
func NewStream(cache store.BarCache, model *Model, opts StreamOptions) *Stream {
	if opts.URL == "" {
		opts.URL = BinanceStreamURL
	}
	if opts.Exchange == "" {
		opts.Exchange = "binance"
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = time.Minute
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Stream{
		cache:    cache,
		model:    model,
		url:      strings.TrimRight(opts.URL, "/"),
		exchange: opts.Exchange,
		minWait:  opts.MinBackoff,
		maxWait:  opts.MaxBackoff,
		dialer:   opts.Dialer,
		log:      opts.Logger.With("component", "live"),
	}
}

// StreamURL returns the kline stream address of symbol and timeframe.
func StreamURL(base, symbol, timeframe string) string {
	return fmt.Sprintf("%s/%s@kline_%s", strings.TrimRight(base, "/"), strings.ToLower(symbol), timeframe)
}

// Run follows one series until ctx is done, reconnecting with exponential
// backoff whenever the connection drops. It returns nil on cancellation.
func (s *Stream) Run(ctx context.Context, symbol, timeframe string) error {
	key := domain.SeriesKey{Exchange: s.exchange, Symbol: strings.ToUpper(symbol), Timeframe: timeframe}
	log := s.log.With("series", key.String())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.minWait
	b.MaxInterval = s.maxWait
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		connected, err := s.follow(ctx, key)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if connected {
			b.Reset()
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn("kline stream disconnected", "error", err, "retry_in", wait)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// follow reads one connection until it fails. connected reports whether
// the dial succeeded.
func (s *Stream) follow(ctx context.Context, key domain.SeriesKey) (connected bool, err error) {
	url := StreamURL(s.url, key.Symbol, key.Timeframe)
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", url, err)
	}
	defer conn.Close()
	s.log.Info("kline stream connected", "series", key.String())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading: %w", err)
		}
		bar, closed, err := ParseKline(msg)
		if err != nil {
			s.log.Debug("skipping message", "error", err)
			continue
		}
		if closed {
			if _, err := s.cache.StoreBars(ctx, key, []domain.Bar{bar}); err != nil {
				s.log.Error("storing closed kline", "series", key.String(), "error", err)
			} else {
				metrics.LiveBars.WithLabelValues(key.Symbol, key.Timeframe).Inc()
			}
		}
		if s.model != nil {
			s.model.Add(key, bar, closed)
		}
	}
}

// klineMessage mirrors a Binance kline event. encoding/json falls back to
// case-insensitive key matching, so every upper-case key that shadows a
// lower-case one is declared to keep it off the wrong field.
type klineMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	K         struct {
		Start       int64       `json:"t"`
		CloseTime   int64       `json:"T"`
		Open        json.Number `json:"o"`
		High        json.Number `json:"h"`
		Low         json.Number `json:"l"`
		LastTradeID int64       `json:"L"`
		Close       json.Number `json:"c"`
		Volume      json.Number `json:"v"`
		TakerVolume json.Number `json:"V"`
		QuoteVolume json.Number `json:"q"`
		TakerQuote  json.Number `json:"Q"`
		Closed      bool        `json:"x"`
	} `json:"k"`
}

// ParseKline decodes a Binance kline event into a bar and its closed flag.
func ParseKline(msg []byte) (domain.Bar, bool, error) {
	var m klineMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return domain.Bar{}, false, fmt.Errorf("decoding kline: %w", err)
	}
	if m.Event != "kline" {
		return domain.Bar{}, false, fmt.Errorf("unexpected event %q", m.Event)
	}
	k := m.K
	bar, err := domain.BarFromRow([]any{k.Start, k.Open, k.High, k.Low, k.Close, k.Volume})
	if err != nil {
		return domain.Bar{}, false, err
	}
	if !bar.Valid() {
		return domain.Bar{}, false, fmt.Errorf("invalid kline at %d", bar.TS)
	}
	return bar, k.Closed, nil
}
