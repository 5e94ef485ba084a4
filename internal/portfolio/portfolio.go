// Package portfolio implements mark-to-market and position lifecycle for the
// single-slot backtest engine.
package portfolio

import "barreplay/internal/domain"

// MarkToMarket recomputes equity from cash and the unrealized PnL of pos at
// price, updates the running drawdown, and returns the unrealized PnL.
func MarkToMarket(pf *domain.Portfolio, pos *domain.Position, price float64) float64 {
	pnl := Unrealized(pos, price)
	pf.Equity = pf.Cash + pnl
	pf.UpdateDrawdown()
	return pnl
}

// Unrealized returns the open PnL of pos at price, or zero when flat.
func Unrealized(pos *domain.Position, price float64) float64 {
	if pos.Flat() || pos.EntryPrice == nil {
		return 0
	}
	return (price - *pos.EntryPrice) * pos.Size
}

// ClosePosition resets pos to flat. Calling it on a flat position is a no-op.
func ClosePosition(pos *domain.Position) {
	pos.Size = 0
	pos.EntryPrice = nil
	pos.EntryTS = nil
	pos.EntryFee = 0
}

// PositionSide returns LONG or SHORT for an open position. ok is false when
// the position is flat.
func PositionSide(pos *domain.Position) (side domain.PositionSide, ok bool) {
	switch {
	case pos.Size > 0:
		return domain.PositionSideLong, true
	case pos.Size < 0:
		return domain.PositionSideShort, true
	}
	return "", false
}
