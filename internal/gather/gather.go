// Package gather keeps configured bar series fresh in the background.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"barreplay/internal/config"
	"barreplay/internal/domain"
	"barreplay/internal/store"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run starts the data gathering process. It blocks until ctx is cancelled.
	Run(ctx context.Context) error
}

// Compile-time interface check.
var _ Gatherer = (*SyncGatherer)(nil)

// BarFetcher is the part of the fetch orchestrator the gatherer drives.
type BarFetcher interface {
	Exchange() string
	Recent(ctx context.Context, symbol, timeframe string, barCount int) ([]domain.Bar, error)
	Symbols(ctx context.Context) ([]string, error)
}

// SyncGatherer refreshes the most recent bars of each configured series on
// a fixed interval, optionally mirroring them into the Parquet archive.
type SyncGatherer struct {
	fetcher    BarFetcher
	archive    *store.ParquetStore
	series     []config.SeriesConfig
	interval   time.Duration
	barCount   int
	maxWorkers int
	log        *slog.Logger
}

// NewSyncGatherer creates a SyncGatherer. archive may be nil.
func NewSyncGatherer(f BarFetcher, archive *store.ParquetStore, cfg config.GatherConfig) *SyncGatherer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	barCount := cfg.BarCount
	if barCount <= 0 {
		barCount = 500
	}
	return &SyncGatherer{
		fetcher:    f,
		archive:    archive,
		series:     cfg.Series,
		interval:   interval,
		barCount:   barCount,
		maxWorkers: 4,
		log:        slog.Default().With("gatherer", "sync"),
	}
}

// Name returns the gatherer identifier.
func (g *SyncGatherer) Name() string { return "sync" }

// Run syncs once immediately and then on every tick until ctx is done.
// Sync failures are logged and retried on the next tick.
func (g *SyncGatherer) Run(ctx context.Context) error {
	if len(g.series) == 0 {
		g.log.Info("no series configured")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		if err := g.Sync(ctx); err != nil && ctx.Err() == nil {
			g.log.Warn("sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync refreshes the symbol directory and every configured series once.
// Series are fetched concurrently; all errors are joined.
func (g *SyncGatherer) Sync(ctx context.Context) error {
	start := time.Now()
	var errs []error
	if _, err := g.fetcher.Symbols(ctx); err != nil {
		errs = append(errs, fmt.Errorf("symbols: %w", err))
	}

	results := make([]error, len(g.series))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.maxWorkers)
	for i, s := range g.series {
		eg.Go(func() error {
			results[i] = g.syncSeries(egCtx, s)
			return nil
		})
	}
	_ = eg.Wait()
	errs = append(errs, results...)

	g.log.Debug("sync complete", "series", len(g.series), "elapsed", time.Since(start).Round(time.Millisecond))
	return errors.Join(errs...)
}

func (g *SyncGatherer) syncSeries(ctx context.Context, s config.SeriesConfig) error {
	bars, err := g.fetcher.Recent(ctx, s.Symbol, s.Timeframe, g.barCount)
	if err != nil {
		return fmt.Errorf("%s %s: %w", s.Symbol, s.Timeframe, err)
	}
	if g.archive != nil && len(bars) > 0 {
		key := domain.SeriesKey{Exchange: g.fetcher.Exchange(), Symbol: s.Symbol, Timeframe: s.Timeframe}
		if err := g.archive.WriteBars(ctx, key, bars); err != nil {
			return fmt.Errorf("archiving %s: %w", key, err)
		}
	}
	g.log.Debug("series synced", "symbol", s.Symbol, "timeframe", s.Timeframe, "bars", len(bars))
	return nil
}
