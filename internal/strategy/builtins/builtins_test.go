package builtins

import (
	"context"
	"testing"

	"barreplay/internal/domain"
	"barreplay/internal/strategy"
)

// vShape falls for n bars then rises for n bars.
func vShape(n int) []domain.Bar {
	bars := make([]domain.Bar, 0, 3*n)
	price := 200.0
	for i := 0; i < 3*n; i++ {
		switch {
		case i < n:
			price -= 1
		default:
			price += 1
		}
		if i >= 2*n {
			price -= 3
		}
		bars = append(bars, domain.Bar{
			TS: int64(i) * 60_000, Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1,
		})
	}
	return bars
}

func TestRegister(t *testing.T) {
	r := strategy.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	for _, id := range []string{"ema_cross", "sma_cross"} {
		if _, ok := r.Get(id); !ok {
			t.Errorf("strategy %q not registered", id)
		}
	}
}

func TestCrossStrategiesTrade(t *testing.T) {
	cfg := domain.RunConfig{InitialCash: 10_000, Leverage: 1, CloseOnFinish: true}
	for _, s := range []*strategy.Strategy{EMACross(), SMACross()} {
		params := strategy.ResolveParams(s.Schema, map[string]any{
			"fast": 3, "slow": 8, "short": 3, "long": 8,
		})
		res, status, err := strategy.NewBacktester(nil).Run(context.Background(), vShape(30), s, params, cfg, strategy.RunOptions{})
		if err != nil || status != domain.RunStatusDone {
			t.Fatalf("%s: Run() = (%s, %v)", s.ID(), status, err)
		}
		if len(res.Trades) == 0 {
			t.Errorf("%s: expected at least one trade", s.ID())
		}
		for _, o := range res.Orders {
			if o.Status != domain.OrderStatusFilled {
				t.Errorf("%s: unexpected order %+v", s.ID(), o)
			}
		}
	}
}

func TestSMACrossRejectsInvertedPeriods(t *testing.T) {
	s := SMACross()
	params := strategy.ResolveParams(s.Schema, map[string]any{"short": 20, "long": 10})
	_, status, err := strategy.NewBacktester(nil).Run(context.Background(), vShape(10), s, params,
		domain.RunConfig{InitialCash: 1000, Leverage: 1}, strategy.RunOptions{})
	if err == nil || status != domain.RunStatusFailed {
		t.Errorf("Run() = (%s, %v), want FAILED", status, err)
	}
}
