// Package fetch decides which provider fetches are needed to satisfy bar
// requests from the cache, and performs them.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"barreplay/internal/domain"
	"barreplay/internal/metrics"
	"barreplay/internal/provider"
	"barreplay/internal/store"
)

// DefaultSymbolTTL is how long a fetched symbol list stays fresh.
const DefaultSymbolTTL = 24 * time.Hour

// Options tunes an Orchestrator. Zero values take defaults.
type Options struct {
	SymbolTTL time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Orchestrator serves bar requests from a BarCache, fetching from a Provider
// when the cached window fails the gap or density test. Fetch-and-store
// cycles are serialized per series; identical concurrent requests share
// one execution.
type Orchestrator struct {
	cache     store.BarCache
	provider  provider.Provider
	exchange  string
	symbolTTL time.Duration
	now       func() time.Time
	log       *slog.Logger

	sf    singleflight.Group
	mu    sync.Mutex
	locks map[domain.SeriesKey]*sync.Mutex
}

// New creates an Orchestrator. The provider's name is used as the exchange
// component of cache keys.
func New(cache store.BarCache, p provider.Provider, opts Options) *Orchestrator {
	if opts.SymbolTTL <= 0 {
		opts.SymbolTTL = DefaultSymbolTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		cache:     cache,
		provider:  p,
		exchange:  p.Name(),
		symbolTTL: opts.SymbolTTL,
		now:       opts.Now,
		log:       opts.Logger.With("component", "fetch", "exchange", p.Name()),
		locks:     make(map[domain.SeriesKey]*sync.Mutex),
	}
}

// Exchange returns the exchange name used in cache keys.
func (o *Orchestrator) Exchange() string { return o.exchange }

// Key returns the cache key for symbol and timeframe.
func (o *Orchestrator) Key(symbol, timeframe string) domain.SeriesKey {
	return domain.SeriesKey{Exchange: o.exchange, Symbol: symbol, Timeframe: timeframe}
}

// ---------------------------------------------------------------------------
// Network-backed modes
// ---------------------------------------------------------------------------

// Recent returns the barCount bars ending now. The last two intervals are
// always refreshed from the provider, and the cache is extended forward
// when its newest bar is older than one interval.
func (o *Orchestrator) Recent(ctx context.Context, symbol, timeframe string, barCount int) ([]domain.Bar, error) {
	key := o.Key(symbol, timeframe)
	return o.do(ctx, key, fmt.Sprintf("recent|%s|%d", key, barCount), func(ctx context.Context) ([]domain.Bar, error) {
		return o.recent(ctx, key, barCount)
	})
}

// Backfill extends the cached series backwards by barCount bars and returns
// the merged window up to currentMax. Zero currentMin or currentMax take the
// cached bounds. An empty cache falls back to Recent.
func (o *Orchestrator) Backfill(ctx context.Context, symbol, timeframe string, barCount int, currentMin, currentMax int64) ([]domain.Bar, error) {
	key := o.Key(symbol, timeframe)
	sfKey := fmt.Sprintf("backfill|%s|%d|%d|%d", key, barCount, currentMin, currentMax)
	return o.do(ctx, key, sfKey, func(ctx context.Context) ([]domain.Bar, error) {
		return o.backfill(ctx, key, barCount, currentMin, currentMax)
	})
}

// Window returns the bars within [startMS, endMS]. An inverted or empty
// window yields no bars.
func (o *Orchestrator) Window(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]domain.Bar, error) {
	if startMS >= endMS {
		return nil, nil
	}
	key := o.Key(symbol, timeframe)
	return o.do(ctx, key, fmt.Sprintf("window|%s|%d|%d", key, startMS, endMS), func(ctx context.Context) ([]domain.Bar, error) {
		return o.window(ctx, key, startMS, endMS)
	})
}

// do runs fn under the series lock, sharing the result between identical
// concurrent requests. The shared execution is detached from any single
// caller's cancellation; a caller whose ctx ends stops waiting and gets
// ctx.Err() while the others still receive the result.
func (o *Orchestrator) do(ctx context.Context, key domain.SeriesKey, sfKey string, fn func(context.Context) ([]domain.Bar, error)) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	flightCtx := context.WithoutCancel(ctx)
	ch := o.sf.DoChan(sfKey, func() (any, error) {
		lock := o.lockFor(key)
		lock.Lock()
		defer lock.Unlock()
		return fn(flightCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		bars := res.Val.([]domain.Bar)
		if res.Shared && bars != nil {
			bars = append([]domain.Bar(nil), bars...)
		}
		return bars, nil
	}
}

func (o *Orchestrator) lockFor(key domain.SeriesKey) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[key]
	if !ok {
		l = &sync.Mutex{}
		o.locks[key] = l
	}
	return l
}

func (o *Orchestrator) recent(ctx context.Context, key domain.SeriesKey, barCount int) ([]domain.Bar, error) {
	interval := domain.TimeframeMillis(key.Timeframe)
	now := o.now().UnixMilli()
	start := now - int64(barCount)*interval

	_, maxTS, ok, err := o.cache.CachedRange(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok && maxTS < now-interval {
		if _, err := o.fetchAndStore(ctx, key, maxTS+interval, now); err != nil {
			return nil, err
		}
	}

	// Candles near the rollover may have been stored before they closed.
	if _, err := o.fetchAndStore(ctx, key, max(0, now-2*interval), now); err != nil {
		return nil, err
	}

	cached, err := o.cache.LoadBars(ctx, key, start, now)
	if err != nil {
		return nil, err
	}
	if Acceptable(cached, interval, barCount) {
		metrics.CacheResults.WithLabelValues("recent", "hit").Inc()
		return cached, nil
	}

	metrics.CacheResults.WithLabelValues("recent", "refetch").Inc()
	o.log.Debug("refetching recent window", "series", key.String(), "cached", len(cached), "want", barCount)
	if _, err := o.fetchAndStore(ctx, key, start, now); err != nil {
		return nil, err
	}
	return o.cache.LoadBars(ctx, key, start, now)
}

func (o *Orchestrator) backfill(ctx context.Context, key domain.SeriesKey, barCount int, curMin, curMax int64) ([]domain.Bar, error) {
	minTS, maxTS, ok, err := o.cache.CachedRange(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return o.recent(ctx, key, barCount)
	}
	if curMin == 0 {
		curMin = minTS
	}
	if curMax == 0 {
		curMax = maxTS
	}

	limit, err := o.cache.HistoryLimit(ctx, key)
	if err != nil {
		return nil, err
	}
	if limit.Reached && curMin <= limit.OldestTS {
		metrics.CacheResults.WithLabelValues("backfill", "hit").Inc()
		return o.cache.LoadBars(ctx, key, curMin, curMax)
	}

	interval := domain.TimeframeMillis(key.Timeframe)
	newStart := max(0, curMin-int64(barCount)*interval)
	if limit.Reached && newStart < limit.OldestTS {
		newStart = limit.OldestTS
	}
	if newStart >= curMin {
		return o.cache.LoadBars(ctx, key, curMin, curMax)
	}

	prev, err := o.cache.LoadBars(ctx, key, newStart, curMin-1)
	if err != nil {
		return nil, err
	}
	expected := int((curMin-1-newStart)/interval) + 1
	if len(prev) > 0 && len(prev) >= max(1, int(float64(expected)*0.9)) && !HasGap(prev, interval) {
		metrics.CacheResults.WithLabelValues("backfill", "hit").Inc()
	} else {
		metrics.CacheResults.WithLabelValues("backfill", "refetch").Inc()
		n, err := o.fetchAndStore(ctx, key, newStart, curMin-1)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Nothing before curMin upstream: that is the left edge.
			o.log.Info("history limit reached", "series", key.String(), "oldest_ts", curMin)
			if err := o.cache.SetHistoryLimit(ctx, key, curMin, true); err != nil {
				return nil, err
			}
			return o.cache.LoadBars(ctx, key, curMin, curMax)
		}
	}
	return o.cache.LoadBars(ctx, key, newStart, curMax)
}

func (o *Orchestrator) window(ctx context.Context, key domain.SeriesKey, startMS, endMS int64) ([]domain.Bar, error) {
	interval := domain.TimeframeMillis(key.Timeframe)
	cached, err := o.cache.LoadBars(ctx, key, startMS, endMS)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 && !HasGap(cached, interval) {
		expected := int((endMS - startMS) / interval)
		if expected <= 0 || Sufficient(len(cached), expected) {
			metrics.CacheResults.WithLabelValues("window", "hit").Inc()
			return cached, nil
		}
	}
	metrics.CacheResults.WithLabelValues("window", "refetch").Inc()

	prevMin, _, hadCache, err := o.cache.CachedRange(ctx, key)
	if err != nil {
		return nil, err
	}
	bars, err := o.fetchBars(ctx, key, startMS, endMS)
	if err != nil {
		return nil, err
	}
	if len(bars) > 0 {
		if _, err := o.store(ctx, key, bars); err != nil {
			return nil, err
		}
	}

	if hadCache && startMS <= prevMin {
		// The provider was asked for data before the cached minimum and
		// had none: the cached minimum is the left edge.
		edge := len(bars) == 0 || (bars[0].TS >= prevMin && prevMin-startMS >= interval)
		if edge {
			o.log.Info("history limit reached", "series", key.String(), "oldest_ts", prevMin)
			if err := o.cache.SetHistoryLimit(ctx, key, prevMin, true); err != nil {
				return nil, err
			}
		}
	}
	return o.cache.LoadBars(ctx, key, startMS, endMS)
}

// ---------------------------------------------------------------------------
// Cache-only modes
// ---------------------------------------------------------------------------

// Cached returns up to the newest barCount intervals of cached bars without
// contacting the provider.
func (o *Orchestrator) Cached(ctx context.Context, symbol, timeframe string, barCount int) ([]domain.Bar, error) {
	key := o.Key(symbol, timeframe)
	minTS, maxTS, ok, err := o.cache.CachedRange(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	start := max(minTS, maxTS-int64(barCount)*domain.TimeframeMillis(timeframe))
	return o.cache.LoadBars(ctx, key, start, maxTS)
}

// CachedFull returns every cached bar of the series.
func (o *Orchestrator) CachedFull(ctx context.Context, symbol, timeframe string) ([]domain.Bar, error) {
	key := o.Key(symbol, timeframe)
	minTS, maxTS, ok, err := o.cache.CachedRange(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return o.cache.LoadBars(ctx, key, minTS, maxTS)
}

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// Symbols returns the exchange's symbol list, refreshing it from the
// provider when the cached copy is older than the TTL or empty.
func (o *Orchestrator) Symbols(ctx context.Context) ([]string, error) {
	v, err, _ := o.sf.Do("symbols|"+o.exchange, func() (any, error) {
		now := o.now()
		last, ok, err := o.cache.LastSymbolFetch(ctx, o.exchange)
		if err != nil {
			return nil, err
		}
		if ok && now.Sub(last) < o.symbolTTL {
			cached, err := o.cache.Symbols(ctx, o.exchange)
			if err != nil {
				return nil, err
			}
			if len(cached) > 0 {
				return cached, nil
			}
		}

		symbols, err := o.provider.FetchSymbols(ctx)
		if err != nil {
			metrics.ProviderFailures.WithLabelValues(o.exchange, "symbols").Inc()
			return nil, fmt.Errorf("%w: %s symbols: %w", provider.ErrProviderFailure, o.exchange, err)
		}
		if err := o.cache.StoreSymbols(ctx, o.exchange, symbols, now); err != nil {
			return nil, err
		}
		o.log.Info("refreshed symbols", "count", len(symbols))
		return symbols, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}

// ---------------------------------------------------------------------------
// Provider access
// ---------------------------------------------------------------------------

func (o *Orchestrator) fetchBars(ctx context.Context, key domain.SeriesKey, startMS, endMS int64) ([]domain.Bar, error) {
	bars, err := o.provider.FetchOHLCV(ctx, key.Symbol, key.Timeframe, startMS, endMS)
	if err != nil {
		metrics.ProviderFailures.WithLabelValues(o.exchange, "ohlcv").Inc()
		return nil, fmt.Errorf("%w: %s [%d, %d]: %w", provider.ErrProviderFailure, key, startMS, endMS, err)
	}
	return bars, nil
}

func (o *Orchestrator) store(ctx context.Context, key domain.SeriesKey, bars []domain.Bar) (int, error) {
	n, err := o.cache.StoreBars(ctx, key, bars)
	if err != nil {
		return 0, fmt.Errorf("storing %s: %w", key, err)
	}
	metrics.FetchedBars.WithLabelValues(key.Exchange, key.Timeframe).Add(float64(n))
	return n, nil
}

// fetchAndStore fetches [startMS, endMS] and upserts the result, returning
// the number of bars the provider produced.
func (o *Orchestrator) fetchAndStore(ctx context.Context, key domain.SeriesKey, startMS, endMS int64) (int, error) {
	bars, err := o.fetchBars(ctx, key, startMS, endMS)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}
	if _, err := o.store(ctx, key, bars); err != nil {
		return 0, err
	}
	return len(bars), nil
}
