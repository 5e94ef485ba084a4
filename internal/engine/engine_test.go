package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barreplay/internal/config"
	"barreplay/internal/domain"
	"barreplay/internal/store"
	"barreplay/internal/strategy"
	"barreplay/internal/strategy/builtins"
)

const minute = int64(60_000)

// memSource serves a fixed minute series and records requested windows.
type memSource struct {
	bars    []domain.Bar
	windows [][2]int64
	err     error
}

func (m *memSource) Exchange() string { return "mem" }

func (m *memSource) Window(_ context.Context, _, _ string, start, end int64) ([]domain.Bar, error) {
	m.windows = append(m.windows, [2]int64{start, end})
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Bar
	for _, b := range m.bars {
		if b.TS >= start && b.TS <= end {
			out = append(out, b)
		}
	}
	return out, nil
}

func minuteBars(n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		px := 100 + float64(i%20)
		bars[i] = domain.Bar{TS: int64(i) * minute, Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 1}
	}
	return bars
}

func roundTrip() *strategy.Strategy {
	return &strategy.Strategy{
		Schema: strategy.Schema{
			ID:     "round_trip",
			Name:   "Round Trip",
			Inputs: map[string]strategy.Input{"size": strategy.FloatInput(1, 0.1, 10)},
		},
		OnBar: func(ctx *strategy.Context, i int) error {
			if !ctx.TradingEnabled() {
				return nil
			}
			pos := ctx.Position()
			if pos.Flat() && i%10 == 0 {
				ctx.Buy(ctx.Params.Float("size"))
			} else if !pos.Flat() && i%10 == 5 {
				ctx.Flatten()
			}
			return nil
		},
	}
}

type fixture struct {
	eng  *Engine
	src  *memSource
	runs *store.SQLiteStore
	reg  *strategy.Registry
}

func newFixture(t *testing.T, bars []domain.Bar) *fixture {
	t.Helper()
	runs, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	reg := strategy.NewRegistry()
	require.NoError(t, builtins.Register(reg))
	require.NoError(t, reg.Register(roundTrip()))

	src := &memSource{bars: bars}
	defaults := config.Defaults().Backtest
	defaults.WarmupBars = 0
	return &fixture{
		eng:  New(reg, src, runs, defaults, nil),
		src:  src,
		runs: runs,
		reg:  reg,
	}
}

func baseRequest() RunRequest {
	return RunRequest{
		StrategyID: "round_trip",
		Symbol:     "BTCUSDT",
		Timeframe:  "1m",
		StartTS:    0,
		EndTS:      99 * minute,
		Params:     map[string]any{"size": 2, "ignored": true},
	}
}

func TestRunPersistsRecord(t *testing.T) {
	f := newFixture(t, minuteBars(100))
	ctx := context.Background()

	rep, err := f.eng.Run(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusDone, rep.Status)
	assert.NotEmpty(t, rep.Trades)
	assert.Len(t, rep.Equity, 100)
	_, err = uuid.Parse(rep.RunID)
	assert.NoError(t, err)

	rec, err := f.runs.GetRun(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusDone, rec.Status)
	assert.Equal(t, "mem", rec.Exchange)
	assert.Equal(t, "Round Trip", rec.StrategyName)
	assert.Empty(t, rec.ErrorText)

	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.ParamsJSON), &params))
	assert.Equal(t, map[string]any{"size": 2.0}, params)

	res, err := f.runs.LoadResult(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, len(rep.Trades), len(res.Trades))

	stored, err := f.eng.Report(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, rep.Stats, stored.Stats)
}

func TestRunWarmupWindow(t *testing.T) {
	f := newFixture(t, minuteBars(200))
	req := baseRequest()
	req.StartTS = 100 * minute
	req.EndTS = 199 * minute
	warmup := 30
	req.WarmupBars = &warmup

	rep, err := f.eng.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, f.src.windows, 1)
	assert.Equal(t, [2]int64{70 * minute, 199 * minute}, f.src.windows[0])
	// Warmup bars are replayed but not sampled.
	assert.Len(t, rep.Equity, 100)
	for _, tr := range rep.Trades {
		assert.GreaterOrEqual(t, tr.EntryTS, req.StartTS)
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	f := newFixture(t, minuteBars(10))
	ctx := context.Background()

	req := baseRequest()
	req.StrategyID = "nope"
	_, err := f.eng.Run(ctx, req)
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	req = baseRequest()
	req.EndTS = req.StartTS
	_, err = f.eng.Run(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = baseRequest()
	req.Config = &domain.RunConfig{InitialCash: 0, Leverage: 1}
	_, err = f.eng.Run(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = baseRequest()
	req.RunID = "not-a-uuid"
	_, err = f.eng.Run(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	runs, err := f.runs.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected requests leave no run record")
}

func TestRunCancel(t *testing.T) {
	f := newFixture(t, minuteBars(400))
	runID := uuid.NewString()
	require.NoError(t, f.reg.Register(&strategy.Strategy{
		Schema: strategy.Schema{ID: "canceller", Name: "Canceller", Inputs: map[string]strategy.Input{}},
		OnBar: func(ctx *strategy.Context, i int) error {
			if i == 0 {
				ctx.Buy(1)
			}
			if i == 150 {
				f.eng.Cancel(runID)
			}
			return nil
		},
	}))

	req := baseRequest()
	req.RunID = runID
	req.StrategyID = "canceller"
	req.EndTS = 399 * minute

	rep, err := f.eng.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCanceled, rep.Status)
	require.Len(t, rep.Trades, 1)
	assert.Equal(t, 199*minute, rep.Trades[0].ExitTS)

	rec, err := f.runs.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCanceled, rec.Status)
	assert.False(t, f.eng.Cancel(runID), "finished runs are no longer cancellable")
}

func TestRunRecordsFailures(t *testing.T) {
	boom := errors.New("boom")
	cases := map[string]struct {
		strat   *strategy.Strategy
		bars    int
		wantErr error
	}{
		"hook error": {
			strat: &strategy.Strategy{
				Schema: strategy.Schema{ID: "failing", Name: "Failing", Inputs: map[string]strategy.Input{}},
				OnBar: func(_ *strategy.Context, i int) error {
					if i == 3 {
						return boom
					}
					return nil
				},
			},
			bars:    10,
			wantErr: boom,
		},
		"panic": {
			strat: &strategy.Strategy{
				Schema: strategy.Schema{ID: "panicky", Name: "Panicky", Inputs: map[string]strategy.Input{}},
				OnBar:  func(*strategy.Context, int) error { panic("index out of range") },
			},
			bars:    10,
			wantErr: strategy.ErrHookPanic,
		},
		"insufficient data": {
			strat: &strategy.Strategy{
				Schema: strategy.Schema{ID: "idle", Name: "Idle", Inputs: map[string]strategy.Input{}},
			},
			bars:    1,
			wantErr: strategy.ErrInsufficientData,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, minuteBars(tc.bars))
			require.NoError(t, f.reg.Register(tc.strat))
			req := baseRequest()
			req.StrategyID = tc.strat.ID()

			rep, err := f.eng.Run(context.Background(), req)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			require.NotNil(t, rep)
			assert.Equal(t, domain.RunStatusFailed, rep.Status)

			rec, err := f.runs.GetRun(context.Background(), rep.RunID)
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusFailed, rec.Status)
			assert.NotEmpty(t, rec.ErrorText)
		})
	}
}

func TestRunPanicKeepsPartialResult(t *testing.T) {
	f := newFixture(t, minuteBars(100))
	require.NoError(t, f.reg.Register(&strategy.Strategy{
		Schema: strategy.Schema{ID: "late_panic", Name: "Late Panic", Inputs: map[string]strategy.Input{}},
		OnBar: func(ctx *strategy.Context, i int) error {
			switch i {
			case 2:
				ctx.Buy(1)
			case 30:
				panic("late failure")
			}
			return nil
		},
	}))
	req := baseRequest()
	req.StrategyID = "late_panic"

	rep, err := f.eng.Run(context.Background(), req)
	require.ErrorIs(t, err, strategy.ErrHookPanic)
	require.NotNil(t, rep)
	assert.Equal(t, domain.RunStatusFailed, rep.Status)
	assert.Len(t, rep.Equity, 31)

	res, err := f.runs.LoadResult(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Len(t, res.Equity, 31)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, domain.OrderStatusFilled, res.Orders[0].Status)
	assert.Equal(t, 3*minute, res.Orders[0].FillTS)
}

func TestRunProviderError(t *testing.T) {
	f := newFixture(t, nil)
	f.src.err = errors.New("provider down")

	rep, err := f.eng.Run(context.Background(), baseRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, f.src.err)
	assert.Equal(t, domain.RunStatusFailed, rep.Status)
}

func TestStrategiesListsBuiltins(t *testing.T) {
	f := newFixture(t, nil)
	ids := map[string]bool{}
	for _, s := range f.eng.Strategies() {
		ids[s.ID()] = true
	}
	assert.True(t, ids["ema_cross"])
	assert.True(t, ids["sma_cross"])
	assert.True(t, ids["round_trip"])
}

func TestLatestReport(t *testing.T) {
	f := newFixture(t, minuteBars(100))
	ctx := context.Background()

	_, err := f.eng.Latest(ctx, "round_trip", "BTCUSDT", "1m")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rep, err := f.eng.Run(ctx, baseRequest())
	require.NoError(t, err)

	latest, err := f.eng.Latest(ctx, "round_trip", "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, latest.RunID)
	assert.Equal(t, rep.Stats.NumTrades, latest.Stats.NumTrades)
}
