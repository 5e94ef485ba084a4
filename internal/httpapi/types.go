// Package httpapi provides the HTTP JSON API for bars, strategies, and
// backtest runs. The same shapes are carried by the gRPC service.
package httpapi

import (
	"context"
	"fmt"

	"barreplay/internal/domain"
	"barreplay/internal/report"
	"barreplay/internal/store"
	"barreplay/internal/strategy"
)

// Bar request modes.
const (
	ModeWindow   = "window"
	ModeRecent   = "recent"
	ModeBackfill = "backfill"
	ModeCached   = "cached"
	ModeFull     = "full"
)

// BarService is the part of the fetch orchestrator the API exposes.
type BarService interface {
	Exchange() string
	Window(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]domain.Bar, error)
	Recent(ctx context.Context, symbol, timeframe string, barCount int) ([]domain.Bar, error)
	Backfill(ctx context.Context, symbol, timeframe string, barCount int, currentMin, currentMax int64) ([]domain.Bar, error)
	Cached(ctx context.Context, symbol, timeframe string, barCount int) ([]domain.Bar, error)
	CachedFull(ctx context.Context, symbol, timeframe string) ([]domain.Bar, error)
	Symbols(ctx context.Context) ([]string, error)
}

// BarsRequest selects bars of one series. Mode defaults to window when
// EndTS is set and to recent otherwise.
type BarsRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Mode      string `json:"mode,omitempty"`
	StartTS   int64  `json:"start_ts,omitempty"`
	EndTS     int64  `json:"end_ts,omitempty"`
	BarCount  int    `json:"bar_count,omitempty"`
}

// BarsResponse carries the bars of one series in ascending order.
type BarsResponse struct {
	Key  domain.SeriesKey `json:"key"`
	Bars []domain.Bar     `json:"bars"`
}

// SymbolsResponse lists tradable symbols of the configured exchange.
type SymbolsResponse struct {
	Exchange string   `json:"exchange"`
	Symbols  []string `json:"symbols"`
}

// StrategiesResponse lists registered strategy schemas.
type StrategiesResponse struct {
	Strategies []strategy.Schema `json:"strategies"`
}

// RunResponse is the outcome of a backtest request. A run that failed
// after it started still carries its partial report.
type RunResponse struct {
	Report *report.Report `json:"report"`
	Error  string         `json:"error,omitempty"`
}

// RunsResponse lists stored run records, newest first.
type RunsResponse struct {
	Runs []store.RunRecord `json:"runs"`
}

// CancelResponse reports whether an in-flight run was found.
type CancelResponse struct {
	RunID    string `json:"run_id"`
	Canceled bool   `json:"canceled"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoadBars dispatches req to the orchestrator mode it names.
func LoadBars(ctx context.Context, svc BarService, req BarsRequest) (*BarsResponse, error) {
	if req.Symbol == "" || req.Timeframe == "" {
		return nil, fmt.Errorf("%w: symbol and timeframe are required", ErrBadRequest)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeRecent
		if req.EndTS > 0 {
			mode = ModeWindow
		}
	}
	barCount := req.BarCount
	if barCount <= 0 {
		barCount = 500
	}

	var (
		bars []domain.Bar
		err  error
	)
	switch mode {
	case ModeWindow:
		bars, err = svc.Window(ctx, req.Symbol, req.Timeframe, req.StartTS, req.EndTS)
	case ModeRecent:
		bars, err = svc.Recent(ctx, req.Symbol, req.Timeframe, barCount)
	case ModeBackfill:
		bars, err = svc.Backfill(ctx, req.Symbol, req.Timeframe, barCount, req.StartTS, req.EndTS)
	case ModeCached:
		bars, err = svc.Cached(ctx, req.Symbol, req.Timeframe, barCount)
	case ModeFull:
		bars, err = svc.CachedFull(ctx, req.Symbol, req.Timeframe)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrBadRequest, mode)
	}
	if err != nil {
		return nil, err
	}
	if bars == nil {
		bars = []domain.Bar{}
	}
	return &BarsResponse{
		Key:  domain.SeriesKey{Exchange: svc.Exchange(), Symbol: req.Symbol, Timeframe: req.Timeframe},
		Bars: bars,
	}, nil
}

// Schemas returns the schemas of the given strategies in order.
func Schemas(list []*strategy.Strategy) []strategy.Schema {
	out := make([]strategy.Schema, 0, len(list))
	for _, s := range list {
		out = append(out, s.Schema)
	}
	return out
}
