// Package broker implements the fill, fee and margin rules used by the
// backtest simulator.
package broker

import "barreplay/internal/domain"

const bpsDenom = 10000.0

// FillPrice adjusts an open price by slippage: buys pay up, sells receive
// down. Any other side is returned unchanged.
func FillPrice(open float64, side domain.Side, slippageBps float64) float64 {
	switch side {
	case domain.SideBuy:
		return open * (1 + slippageBps/bpsDenom)
	case domain.SideSell:
		return open * (1 - slippageBps/bpsDenom)
	}
	return open
}

// Fee returns the commission charged on a fill of size at price.
func Fee(size, price, commissionBps float64) float64 {
	return abs(size) * price * commissionBps / bpsDenom
}

// MarginRequired returns the equity needed to carry size at price. Leverage
// below 1 is treated as 1.
func MarginRequired(size, price, leverage float64) float64 {
	if leverage < 1 {
		leverage = 1
	}
	return abs(size) * price / leverage
}

// CanFill reports whether current equity covers the margin for the fill,
// along with the margin that was required.
func CanFill(size, price, equity, leverage float64) (bool, float64) {
	required := MarginRequired(size, price, leverage)
	return required <= equity, required
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
