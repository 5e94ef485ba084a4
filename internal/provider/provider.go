// Package provider defines the external bar source contract consumed by the
// fetch orchestrator, and its Binance, Alpaca, and Parquet implementations.
package provider

import (
	"context"
	"errors"

	"barreplay/internal/domain"
)

// ErrProviderFailure marks a provider call that failed after exhausting its
// retry budget. Callers must treat it as terminal for that fetch.
var ErrProviderFailure = errors.New("provider failure")

// Provider is an external source of OHLCV bars.
type Provider interface {
	// Name identifies the provider; it doubles as the exchange component of
	// cache keys.
	Name() string

	// FetchOHLCV returns ascending bars covering as much of
	// [startMS, endMS] as the source has. Implementations paginate
	// internally and stop when the end is reached or the source stops
	// advancing.
	FetchOHLCV(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]domain.Bar, error)

	// FetchSymbols returns the tradable symbol identifiers.
	FetchSymbols(ctx context.Context) ([]string, error)
}

// toMillis normalises a timestamp that may be in seconds to milliseconds.
func toMillis(ts int64) int64 {
	if ts < 1_000_000_000_000 {
		return ts * 1000
	}
	return ts
}
