package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"barreplay/internal/broker"
	"barreplay/internal/domain"
)

// ErrInsufficientData is returned when fewer than two bars are supplied.
var ErrInsufficientData = errors.New("not enough bars for backtest")

// ErrHookPanic wraps a panic raised by a strategy hook.
var ErrHookPanic = errors.New("strategy hook panicked")

// pollEvery is how often, in bars, cancellation and progress are checked.
const pollEvery = 100

// RunOptions are the optional hooks of a single run.
type RunOptions struct {
	// Cancel is polled every 100 bars; returning true stops the replay.
	Cancel func() bool
	// Progress is called every 100 bars with the current index and the
	// total bar count.
	Progress func(done, total int)
}

// Backtester replays closed bar series through strategies.
type Backtester struct {
	log *slog.Logger
}

// NewBacktester creates a Backtester that logs run lifecycle events to log.
func NewBacktester(log *slog.Logger) *Backtester {
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{log: log.With("component", "backtester")}
}

// run is the mutable state of one replay.
type run struct {
	bars   []domain.Bar
	strat  *Strategy
	cfg    domain.RunConfig
	sim    *broker.Simulator
	sctx   *Context
	result *domain.BacktestResult

	scaleWarned bool
}

// Run replays bars through s. Orders queued while observing bar i are filled
// at the open of bar i+1. The returned status is DONE, CANCELED, or FAILED
// when a hook returned an error or panicked; in the FAILED case the error is
// returned alongside the result accumulated so far. The only case without a result is
// ErrInsufficientData.
//
// The replay stops early when ctx is done or opts.Cancel reports true, both
// checked every 100 bars. Any open position is then closed at the close of
// the last processed bar.
func (bt *Backtester) Run(
	ctx context.Context,
	bars []domain.Bar,
	s *Strategy,
	params Params,
	cfg domain.RunConfig,
	opts RunOptions,
) (*domain.BacktestResult, domain.RunStatus, error) {
	if len(bars) < 2 {
		return nil, "", fmt.Errorf("%w: got %d", ErrInsufficientData, len(bars))
	}

	sim := broker.NewSimulator(cfg, bars[1].TS-bars[0].TS)
	r := &run{
		bars:   bars,
		strat:  s,
		cfg:    cfg,
		sim:    sim,
		sctx:   newContext(bars, params, sim, bt.log),
		result: &domain.BacktestResult{},
	}
	log := bt.log.With("strategy", s.ID(), "bars", len(bars))
	log.Debug("backtest started")

	if s.OnInit != nil {
		if err := guard(func() error { return s.OnInit(r.sctx) }); err != nil {
			return r.fail(fmt.Errorf("on_init: %w", err))
		}
	}

	n := len(bars)
	status := domain.RunStatusDone
	last := -1
	var pending []domain.OrderRequest

	for i := 0; i < n-1; i++ {
		if i%pollEvery == 0 {
			if canceled(ctx, opts) {
				status = domain.RunStatusCanceled
				break
			}
			if opts.Progress != nil {
				opts.Progress(i, n)
			}
		}

		// Warmup bars run with trading disabled.
		r.sctx.setBar(i, bars[i].TS >= cfg.StartTS)
		if err := r.step(i, pending); err != nil {
			return r.fail(err)
		}
		last = i

		if s.OnBar != nil {
			if err := guard(func() error { return s.OnBar(r.sctx, i) }); err != nil {
				return r.fail(fmt.Errorf("on_bar %d: %w", i, err))
			}
		}
		pending = r.sctx.drain()
	}

	switch status {
	case domain.RunStatusCanceled:
		// Orders queued on the last processed bar are discarded.
		if last >= 0 {
			r.forceClose(bars[last])
		}
	default:
		// The final bar is only a fill bar for orders queued on bar n-2.
		r.sctx.setBar(n-1, false)
		if err := r.step(n-1, pending); err != nil {
			return r.fail(err)
		}
		if cfg.CloseOnFinish {
			r.forceClose(bars[n-1])
		}
	}

	if s.OnFinish != nil {
		if err := guard(func() error { return s.OnFinish(r.sctx) }); err != nil {
			return r.fail(fmt.Errorf("on_finish: %w", err))
		}
	}
	r.result.Logs = append(r.result.Logs, r.sctx.logs...)

	log.Debug("backtest finished", "status", status,
		"orders", len(r.result.Orders), "trades", len(r.result.Trades))
	return r.result, status, nil
}

// guard runs a strategy hook, turning a panic into an ErrHookPanic error.
// Hooks only queue orders, so the result is consistent at every hook
// boundary.
func guard(hook func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrHookPanic, p)
		}
	}()
	return hook()
}

func canceled(ctx context.Context, opts RunOptions) bool {
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	return opts.Cancel != nil && opts.Cancel()
}

// step marks bar i to market, samples it when in window, and resolves the
// orders queued on the previous bar at bar i's open.
func (r *run) step(i int, pending []domain.OrderRequest) error {
	bar := r.bars[i]
	r.sim.Mark(bar.Close)

	if bar.TS >= r.cfg.StartTS {
		r.result.AppendPoint(domain.EquityPoint{
			TS:           bar.TS,
			Equity:       r.sim.Portfolio.Equity,
			Drawdown:     r.sim.Portfolio.Drawdown,
			PositionSize: r.sim.Position.Size,
			Price:        bar.Close,
		})
	}

	for _, req := range pending {
		out := r.sim.Execute(req, bar)
		if out.Dropped {
			continue
		}
		r.result.Orders = append(r.result.Orders, out.Order)

		if out.ScaleSkipped {
			if !r.scaleWarned {
				r.sctx.Warnf("scaling into an open position is not supported")
				r.scaleWarned = true
			}
			continue
		}

		if out.Trade != nil {
			r.result.Trades = append(r.result.Trades, *out.Trade)
			if r.strat.OnTrade != nil {
				trade := *out.Trade
				if err := guard(func() error { return r.strat.OnTrade(r.sctx, trade) }); err != nil {
					return fmt.Errorf("on_trade: %w", err)
				}
			}
		}
		if r.strat.OnOrder != nil {
			order := out.Order
			if err := guard(func() error { return r.strat.OnOrder(r.sctx, order) }); err != nil {
				return fmt.Errorf("on_order: %w", err)
			}
		}
	}
	return nil
}

func (r *run) forceClose(bar domain.Bar) {
	trade, ok := r.sim.ForceClose(bar.Close, bar.TS)
	if !ok {
		return
	}
	r.result.Trades = append(r.result.Trades, trade)
	r.sim.Mark(bar.Close)
}

func (r *run) fail(err error) (*domain.BacktestResult, domain.RunStatus, error) {
	r.result.Logs = append(r.result.Logs, r.sctx.logs...)
	return r.result, domain.RunStatusFailed, err
}
