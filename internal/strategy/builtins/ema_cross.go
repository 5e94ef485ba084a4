package builtins

import "barreplay/internal/strategy"

// EMACross goes long on a fast-over-slow EMA cross and flattens on the
// reverse cross.
func EMACross() *strategy.Strategy {
	return &strategy.Strategy{
		Schema: strategy.Schema{
			ID:   "ema_cross",
			Name: "EMA Cross",
			Inputs: map[string]strategy.Input{
				"fast":     strategy.IntInput(12, 1, 200),
				"slow":     strategy.IntInput(26, 1, 200),
				"size_pct": strategy.FloatInput(0.1, 0.001, 1),
			},
		},
		OnBar: func(ctx *strategy.Context, i int) error {
			fast := ctx.Ind.EMA(ctx.Close(), ctx.Params.Int("fast"))
			slow := ctx.Ind.EMA(ctx.Close(), ctx.Params.Int("slow"))
			crossSignals(ctx, i, fast, slow)
			return nil
		},
	}
}

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) error {
	for _, s := range []*strategy.Strategy{EMACross(), SMACross()} {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
