package provider

import (
	"context"

	"barreplay/internal/domain"
	"barreplay/internal/store"
)

// Compile-time interface check.
var _ Provider = (*Parquet)(nil)

// Parquet serves fetches from a local Parquet archive, for offline runs.
type Parquet struct {
	store    *store.ParquetStore
	exchange string
	symbolTF string
}

// NewParquet creates an offline provider over the archive of one exchange.
// symbolTimeframe selects the timeframe directory listed by FetchSymbols.
func NewParquet(ps *store.ParquetStore, exchange, symbolTimeframe string) *Parquet {
	return &Parquet{store: ps, exchange: exchange, symbolTF: symbolTimeframe}
}

// Name returns the archived exchange name so cache keys line up with the
// online provider that produced the archive.
func (p *Parquet) Name() string { return p.exchange }

// FetchOHLCV reads archived bars within [startMS, endMS].
func (p *Parquet) FetchOHLCV(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]domain.Bar, error) {
	key := domain.SeriesKey{Exchange: p.exchange, Symbol: symbol, Timeframe: timeframe}
	return p.store.ReadBars(ctx, key, toMillis(startMS), toMillis(endMS))
}

// FetchSymbols lists the archived symbols.
func (p *Parquet) FetchSymbols(ctx context.Context) ([]string, error) {
	return p.store.ListSymbols(ctx, p.exchange, p.symbolTF)
}
