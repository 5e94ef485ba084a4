// Package builtins provides built-in strategy implementations that ship with
// barreplay.
package builtins

import (
	"fmt"

	"barreplay/internal/indicators"
	"barreplay/internal/strategy"
)

// SMACross goes long when the short simple moving average crosses above the
// long one and flattens when it crosses back below.
func SMACross() *strategy.Strategy {
	return &strategy.Strategy{
		Schema: strategy.Schema{
			ID:   "sma_cross",
			Name: "SMA Cross",
			Inputs: map[string]strategy.Input{
				"short":    strategy.IntInput(10, 1, 500),
				"long":     strategy.IntInput(30, 2, 1000),
				"size_pct": strategy.FloatInput(0.1, 0.001, 1),
			},
		},
		OnInit: func(ctx *strategy.Context) error {
			if ctx.Params.Int("short") >= ctx.Params.Int("long") {
				return fmt.Errorf("short period %d must be below long period %d",
					ctx.Params.Int("short"), ctx.Params.Int("long"))
			}
			return nil
		},
		OnBar: func(ctx *strategy.Context, i int) error {
			short := ctx.Ind.SMA(ctx.Close(), ctx.Params.Int("short"))
			long := ctx.Ind.SMA(ctx.Close(), ctx.Params.Int("long"))
			crossSignals(ctx, i, short, long)
			return nil
		},
	}
}

// crossSignals buys on a cross up while flat and flattens on a cross down
// while in a position.
func crossSignals(ctx *strategy.Context, i int, fast, slow []float64) {
	flat := ctx.Position().Flat()
	if indicators.CrossedAbove(fast, slow, i) && flat {
		if size := ctx.SizePercentEquity(ctx.Params.Float("size_pct")); size > 0 {
			ctx.Buy(size)
		}
	}
	if indicators.CrossedBelow(fast, slow, i) && !flat {
		ctx.Flatten()
	}
}
