// Package domain defines the core value types shared by the bar cache, the
// fetch orchestrator, and the backtest engine.
package domain

import (
	"fmt"
	"math"
)

// Bar is a single OHLCV sample. TS is the bar open time in Unix milliseconds.
type Bar struct {
	TS     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Valid reports whether the bar can be ingested: OHLC must be finite and
// strictly positive, volume finite and non-negative.
func (b Bar) Valid() bool {
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	return !math.IsNaN(b.Volume) && !math.IsInf(b.Volume, 0) && b.Volume >= 0
}

// SeriesKey identifies one cached bar series.
type SeriesKey struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// String returns "exchange:symbol:timeframe".
func (k SeriesKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Symbol, k.Timeframe)
}

// ---------------------------------------------------------------------------
// Orders and trades
// ---------------------------------------------------------------------------

// Side is the direction of an order request.
type Side string

const (
	SideBuy     Side = "BUY"
	SideSell    Side = "SELL"
	SideFlatten Side = "FLATTEN"
)

// OrderStatus is the terminal state of a resolved order.
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// RejectMargin is the reason recorded when an order fails the margin check.
const RejectMargin = "margin"

// OrderRequest is what a strategy queues during on_bar. It is resolved into an
// Order at the open of the next bar.
type OrderRequest struct {
	SubmittedTS int64
	Side        Side
	Size        float64
}

// Order is an immutable ledger entry. FillTS, FillPrice and Fee are set only
// when Status is FILLED; Reason only when Status is REJECTED.
type Order struct {
	SubmittedTS int64       `json:"submitted_ts"`
	Side        Side        `json:"side"`
	Size        float64     `json:"size"`
	Status      OrderStatus `json:"status"`
	FillTS      int64       `json:"fill_ts,omitempty"`
	FillPrice   float64     `json:"fill_price,omitempty"`
	Fee         float64     `json:"fee,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Filled reports whether the order executed.
func (o Order) Filled() bool { return o.Status == OrderStatusFilled }

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Trade is a closed round trip. PnL is net of the fees of both legs.
type Trade struct {
	Side       PositionSide `json:"side"`
	Size       float64      `json:"size"`
	EntryTS    int64        `json:"entry_ts"`
	EntryPrice float64      `json:"entry_price"`
	ExitTS     int64        `json:"exit_ts"`
	ExitPrice  float64      `json:"exit_price"`
	PnL        float64      `json:"pnl"`
	FeeTotal   float64      `json:"fee_total"`
	BarsHeld   int          `json:"bars_held"`
}

// ---------------------------------------------------------------------------
// Position and portfolio
// ---------------------------------------------------------------------------

// Position is the single open position of a run. Size is signed: positive is
// long, negative is short, zero is flat. EntryPrice and EntryTS are nil while
// flat.
type Position struct {
	Size       float64  `json:"size"`
	EntryPrice *float64 `json:"entry_price,omitempty"`
	EntryTS    *int64   `json:"entry_ts,omitempty"`
	// EntryFee is the commission paid on the opening leg.
	EntryFee float64 `json:"entry_fee,omitempty"`
}

// Flat reports whether no position is open.
func (p Position) Flat() bool { return p.Size == 0 }

// Open sets the position to a fresh entry.
func (p *Position) Open(size, price float64, ts int64, fee float64) {
	p.Size = size
	p.EntryPrice = &price
	p.EntryTS = &ts
	p.EntryFee = fee
}

// Portfolio tracks cash, mark-to-market equity and running drawdown.
type Portfolio struct {
	Cash     float64 `json:"cash"`
	Equity   float64 `json:"equity"`
	Drawdown float64 `json:"drawdown"`

	peak    float64
	peakSet bool
}

// NewPortfolio returns a portfolio holding only cash.
func NewPortfolio(cash float64) *Portfolio {
	return &Portfolio{Cash: cash, Equity: cash}
}

// Peak returns the highest equity observed so far.
func (p *Portfolio) Peak() float64 { return p.peak }

// UpdateDrawdown folds the current Equity into the running peak and
// recomputes Drawdown. The peak is seeded by the first observation and never
// decreases.
func (p *Portfolio) UpdateDrawdown() {
	if !p.peakSet || p.Equity > p.peak {
		p.peak = p.Equity
		p.peakSet = true
	}
	if p.peak <= 0 {
		p.Drawdown = 0
		return
	}
	dd := (p.peak - p.Equity) / p.peak
	if dd < 0 {
		dd = 0
	}
	p.Drawdown = dd
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// RunConfig is fixed for the duration of one backtest.
type RunConfig struct {
	InitialCash   float64 `json:"initial_cash" yaml:"initial_cash" validate:"gt=0"`
	Leverage      float64 `json:"leverage" yaml:"leverage"`
	CommissionBps float64 `json:"commission_bps" yaml:"commission_bps" validate:"gte=0"`
	SlippageBps   float64 `json:"slippage_bps" yaml:"slippage_bps" validate:"gte=0"`
	// StartTS is the first bar timestamp on which trading is enabled. Earlier
	// bars are replayed for warmup only.
	StartTS       int64 `json:"start_ts" yaml:"-"`
	CloseOnFinish bool  `json:"close_on_finish" yaml:"close_on_finish"`
}

// RunStatus is the terminal state of a backtest.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusDone     RunStatus = "DONE"
	RunStatusCanceled RunStatus = "CANCELED"
	RunStatusFailed   RunStatus = "FAILED"
)

// LogMessage is a strategy-emitted message captured during a run.
type LogMessage struct {
	TS    int64  `json:"ts"`
	Level string `json:"level"`
	Text  string `json:"message"`
	BarTS int64  `json:"bar_ts"`
}

// EquityPoint is one sample of the run's parallel time series.
type EquityPoint struct {
	TS           int64   `json:"ts"`
	Equity       float64 `json:"equity"`
	Drawdown     float64 `json:"drawdown"`
	PositionSize float64 `json:"position_size"`
	Price        float64 `json:"price"`
}

// BacktestResult holds everything a run produced. The five series are
// parallel and contain one entry per in-window bar.
type BacktestResult struct {
	EquityTS     []int64      `json:"equity_ts"`
	Equity       []float64    `json:"equity"`
	Drawdown     []float64    `json:"drawdown"`
	PositionSize []float64    `json:"position_size"`
	Price        []float64    `json:"price"`
	Orders       []Order      `json:"orders"`
	Trades       []Trade      `json:"trades"`
	Logs         []LogMessage `json:"logs"`
}

// AppendPoint appends one sample to every series.
func (r *BacktestResult) AppendPoint(pt EquityPoint) {
	r.EquityTS = append(r.EquityTS, pt.TS)
	r.Equity = append(r.Equity, pt.Equity)
	r.Drawdown = append(r.Drawdown, pt.Drawdown)
	r.PositionSize = append(r.PositionSize, pt.PositionSize)
	r.Price = append(r.Price, pt.Price)
}

// Points returns the series as row records.
func (r *BacktestResult) Points() []EquityPoint {
	pts := make([]EquityPoint, len(r.EquityTS))
	for i := range r.EquityTS {
		pts[i] = EquityPoint{
			TS:           r.EquityTS[i],
			Equity:       r.Equity[i],
			Drawdown:     r.Drawdown[i],
			PositionSize: r.PositionSize[i],
			Price:        r.Price[i],
		}
	}
	return pts
}
