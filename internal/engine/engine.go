// Package engine runs backtests end to end: it resolves the strategy,
// provisions bars, replays them, persists the run, and builds the report.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"barreplay/internal/config"
	"barreplay/internal/domain"
	"barreplay/internal/metrics"
	"barreplay/internal/report"
	"barreplay/internal/store"
	"barreplay/internal/strategy"
)

// ErrUnknownStrategy is returned when a request names no registered strategy.
var ErrUnknownStrategy = errors.New("unknown strategy")

// BarSource provisions the bars of a run. *fetch.Orchestrator satisfies it.
type BarSource interface {
	Exchange() string
	Window(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]domain.Bar, error)
}

// Engine executes backtest runs and records them in a RunStore.
type Engine struct {
	strategies *strategy.Registry
	bars       BarSource
	runs       store.RunStore
	defaults   config.BacktestConfig
	bt         *strategy.Backtester
	log        *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an Engine.
func New(reg *strategy.Registry, bars BarSource, runs store.RunStore, defaults config.BacktestConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		strategies: reg,
		bars:       bars,
		runs:       runs,
		defaults:   defaults,
		bt:         strategy.NewBacktester(log),
		log:        log.With("component", "engine"),
		active:     make(map[string]context.CancelFunc),
	}
}

// Strategies lists the registered strategies.
func (e *Engine) Strategies() []*strategy.Strategy { return e.strategies.List() }

// Run executes req synchronously and returns its report. Runs that fail
// after the run record was created still return the report of whatever
// was replayed, alongside the error.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*report.Report, error) {
	cfg := e.defaults.RunConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	cfg.StartTS = req.StartTS
	// Cache keys and run lookups use upper-case symbols.
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := req.check(cfg); err != nil {
		return nil, err
	}

	s, ok := e.strategies.Get(req.StrategyID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.StrategyID)
	}
	params := strategy.ResolveParams(s.Schema, req.Params)

	warmup := e.defaults.WarmupBars
	if req.WarmupBars != nil {
		warmup = *req.WarmupBars
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	rec := &store.RunRecord{
		RunID:         runID,
		StrategyID:    s.ID(),
		StrategyName:  s.Name(),
		Exchange:      e.bars.Exchange(),
		Symbol:        req.Symbol,
		Timeframe:     req.Timeframe,
		StartTS:       req.StartTS,
		EndTS:         req.EndTS,
		WarmupBars:    warmup,
		InitialCash:   cfg.InitialCash,
		Leverage:      cfg.Leverage,
		CommissionBps: cfg.CommissionBps,
		SlippageBps:   cfg.SlippageBps,
		Status:        domain.RunStatusRunning,
		ParamsJSON:    string(paramsJSON),
	}
	// Persistence outlives the caller's context so a cancelled run is
	// still recorded.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.runs.CreateRun(persistCtx, rec); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	log := e.log.With("run_id", runID, "strategy", s.ID(), "symbol", req.Symbol, "timeframe", req.Timeframe)
	log.Info("run started")

	runCtx, cancel := context.WithCancel(ctx)
	e.track(runID, cancel)
	defer e.untrack(runID)

	started := time.Now()
	res, status, runErr := e.execute(runCtx, s, params, cfg, req, warmup)
	metrics.BacktestDuration.WithLabelValues(s.ID()).Observe(time.Since(started).Seconds())
	metrics.BacktestRuns.WithLabelValues(s.ID(), string(status)).Inc()

	if res == nil {
		res = &domain.BacktestResult{}
	}
	if err := e.runs.SaveResult(persistCtx, runID, res); err != nil {
		return nil, fmt.Errorf("saving run %s: %w", runID, err)
	}
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if err := e.runs.UpdateRunStatus(persistCtx, runID, status, errText); err != nil {
		return nil, fmt.Errorf("updating run %s: %w", runID, err)
	}

	rep := report.Build(runID, status, res)
	if runErr != nil {
		log.Warn("run failed", "error", runErr)
		return rep, runErr
	}
	log.Info("run finished", "status", status, "trades", rep.Stats.NumTrades,
		"return_pct", rep.Stats.TotalReturnPct, "elapsed", time.Since(started).Round(time.Millisecond))
	return rep, nil
}

// execute provisions bars and replays them. Hook panics are already turned
// into errors by the backtester; anything else that panics is recorded as
// FAILED with whatever result was assigned.
func (e *Engine) execute(
	ctx context.Context,
	s *strategy.Strategy,
	params strategy.Params,
	cfg domain.RunConfig,
	req RunRequest,
	warmup int,
) (res *domain.BacktestResult, status domain.RunStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = domain.RunStatusFailed, fmt.Errorf("strategy %s panicked: %v", s.ID(), r)
		}
	}()

	interval := domain.TimeframeMillis(req.Timeframe)
	fetchStart := max(0, req.StartTS-int64(warmup)*interval)
	bars, err := e.bars.Window(ctx, req.Symbol, req.Timeframe, fetchStart, req.EndTS)
	if err != nil {
		return nil, domain.RunStatusFailed, fmt.Errorf("loading bars: %w", err)
	}

	res, status, err = e.bt.Run(ctx, bars, s, params, cfg, strategy.RunOptions{})
	if err != nil {
		return res, domain.RunStatusFailed, err
	}
	return res, status, nil
}

// Cancel stops an in-flight run. It reports whether the run was found.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Report rebuilds the report of a stored run.
func (e *Engine) Report(ctx context.Context, runID string) (*report.Report, error) {
	rec, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	res, err := e.runs.LoadResult(ctx, runID)
	if err != nil {
		return nil, err
	}
	return report.Build(rec.RunID, rec.Status, res), nil
}

// Latest rebuilds the report of the newest run of a strategy on a series.
func (e *Engine) Latest(ctx context.Context, strategyID, symbol, timeframe string) (*report.Report, error) {
	rec, err := e.runs.LatestRun(ctx, strategyID, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	return e.Report(ctx, rec.RunID)
}

// Runs lists the most recent run records.
func (e *Engine) Runs(ctx context.Context, limit int) ([]store.RunRecord, error) {
	return e.runs.ListRuns(ctx, limit)
}

func (e *Engine) track(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(runID string) {
	e.mu.Lock()
	if cancel, ok := e.active[runID]; ok {
		cancel()
		delete(e.active, runID)
	}
	e.mu.Unlock()
}
