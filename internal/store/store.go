// Package store defines storage interfaces for the bar cache and for
// backtest run results, with SQLite and Parquet implementations.
package store

import (
	"context"
	"errors"
	"time"

	"barreplay/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// HistoryLimit records the left edge of a series' upstream history. Reached
// means backfill has proven nothing older than OldestTS exists.
type HistoryLimit struct {
	OldestTS int64
	Reached  bool
	// Known is false when no marker has been recorded yet.
	Known bool
}

// BarCache persists OHLCV bars keyed by (exchange, symbol, timeframe, ts)
// along with per-series history-limit markers and a per-exchange symbol
// directory. Every method is atomic on its own; no transaction spans calls.
type BarCache interface {
	// CachedRange returns the smallest and largest stored timestamps. ok is
	// false when the series is empty.
	CachedRange(ctx context.Context, key domain.SeriesKey) (minTS, maxTS int64, ok bool, err error)

	// LoadBars returns bars with start <= ts <= end in ascending order.
	LoadBars(ctx context.Context, key domain.SeriesKey, start, end int64) ([]domain.Bar, error)

	// StoreBars upserts bars, silently dropping invalid ones, and returns
	// the number written.
	StoreBars(ctx context.Context, key domain.SeriesKey, bars []domain.Bar) (int, error)

	// StoreRows parses loosely typed rows and upserts the well-formed ones.
	StoreRows(ctx context.Context, key domain.SeriesKey, rows [][]any) (int, error)

	// HistoryLimit returns the series' history-limit marker.
	HistoryLimit(ctx context.Context, key domain.SeriesKey) (HistoryLimit, error)

	// SetHistoryLimit records a history boundary. Once reached, a marker is
	// never cleared and only moves to earlier timestamps.
	SetHistoryLimit(ctx context.Context, key domain.SeriesKey, oldestTS int64, reached bool) error

	// Symbols returns the cached symbol directory for exchange, sorted.
	Symbols(ctx context.Context, exchange string) ([]string, error)

	// StoreSymbols upserts symbols with the given fetch time.
	StoreSymbols(ctx context.Context, exchange string, symbols []string, fetchedAt time.Time) error

	// LastSymbolFetch returns when the directory was last refreshed. ok is
	// false if it never was.
	LastSymbolFetch(ctx context.Context, exchange string) (at time.Time, ok bool, err error)
}

// RunRecord is the persisted identity and configuration of a backtest run.
type RunRecord struct {
	RunID         string           `json:"run_id"`
	CreatedAt     time.Time        `json:"created_at"`
	StrategyID    string           `json:"strategy_id"`
	StrategyName  string           `json:"strategy_name"`
	StrategyPath  string           `json:"strategy_path,omitempty"`
	Exchange      string           `json:"exchange"`
	Symbol        string           `json:"symbol"`
	Timeframe     string           `json:"timeframe"`
	StartTS       int64            `json:"start_ts"`
	EndTS         int64            `json:"end_ts"`
	WarmupBars    int              `json:"warmup_bars"`
	InitialCash   float64          `json:"initial_cash"`
	Leverage      float64          `json:"leverage"`
	CommissionBps float64          `json:"commission_bps"`
	SlippageBps   float64          `json:"slippage_bps"`
	Status        domain.RunStatus `json:"status"`
	ParamsJSON    string           `json:"params_json"`
	ErrorText     string           `json:"error_text,omitempty"`
}

// RunStore persists backtest runs and their output records.
type RunStore interface {
	// CreateRun inserts a new run record.
	CreateRun(ctx context.Context, run *RunRecord) error

	// UpdateRunStatus sets the terminal status and error text of a run.
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, errText string) error

	// SaveResult writes the orders, trades, equity series and messages of a
	// run in one transaction.
	SaveResult(ctx context.Context, runID string, res *domain.BacktestResult) error

	// GetRun returns a run record or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// LoadResult reassembles a run's output records.
	LoadResult(ctx context.Context, runID string) (*domain.BacktestResult, error)

	// LatestRun returns the most recent run of a strategy on a series, or
	// ErrNotFound.
	LatestRun(ctx context.Context, strategyID, symbol, timeframe string) (*RunRecord, error)

	// ListRuns returns up to limit runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}
