// Package report turns a finished backtest into summary statistics and
// chart markers.
package report

import "barreplay/internal/domain"

// Stats are the headline metrics of a run. Percentages are expressed in
// percent, not fractions.
type Stats struct {
	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	NumTrades      int     `json:"num_trades"`
	WinRatePct     float64 `json:"win_rate_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
}

// MarkerKind distinguishes entry and exit markers.
type MarkerKind string

const (
	MarkerEntry MarkerKind = "entry"
	MarkerExit  MarkerKind = "exit"
)

// Marker is a point to draw on the price chart.
type Marker struct {
	TS    int64               `json:"ts"`
	Price float64             `json:"price"`
	Kind  MarkerKind          `json:"kind"`
	Side  domain.PositionSide `json:"side"`
	PnL   *float64            `json:"pnl,omitempty"`
}

// Report bundles everything a viewer needs to render a run.
type Report struct {
	RunID    string           `json:"run_id"`
	Status   domain.RunStatus `json:"status"`
	Stats    Stats            `json:"stats"`
	EquityTS []int64          `json:"equity_ts"`
	Equity   []float64        `json:"equity"`
	Drawdown []float64        `json:"drawdown"`
	Trades   []domain.Trade   `json:"trades"`
	Markers  []Marker         `json:"markers"`
}

// Build assembles the report for a finished run.
func Build(runID string, status domain.RunStatus, res *domain.BacktestResult) *Report {
	return &Report{
		RunID:    runID,
		Status:   status,
		Stats:    ComputeStats(res.Trades, res.Equity),
		EquityTS: res.EquityTS,
		Equity:   res.Equity,
		Drawdown: res.Drawdown,
		Trades:   res.Trades,
		Markers:  BuildMarkers(res.Trades),
	}
}

// ComputeStats derives the headline metrics. A trade wins when its net PnL
// is strictly positive; profit factor is zero when there are no losses.
func ComputeStats(trades []domain.Trade, equity []float64) Stats {
	var st Stats
	st.NumTrades = len(trades)

	if len(equity) > 0 && equity[0] != 0 {
		st.TotalReturnPct = (equity[len(equity)-1] - equity[0]) / equity[0] * 100
	}

	var wins int
	var profit, loss float64
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
			profit += t.PnL
		} else {
			loss += t.PnL
		}
	}
	if len(trades) > 0 {
		st.WinRatePct = float64(wins) / float64(len(trades)) * 100
	}
	if loss < 0 {
		st.ProfitFactor = profit / -loss
	}

	if len(equity) > 0 {
		peak := equity[0]
		var maxDD float64
		for _, v := range equity {
			if v > peak {
				peak = v
			}
			if peak <= 0 {
				continue
			}
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
		st.MaxDrawdownPct = maxDD * 100
	}
	return st
}

// BuildMarkers emits one entry and one exit marker per trade, in trade
// order. Exit markers carry the trade's PnL.
func BuildMarkers(trades []domain.Trade) []Marker {
	markers := make([]Marker, 0, 2*len(trades))
	for _, t := range trades {
		pnl := t.PnL
		markers = append(markers,
			Marker{TS: t.EntryTS, Price: t.EntryPrice, Kind: MarkerEntry, Side: t.Side},
			Marker{TS: t.ExitTS, Price: t.ExitPrice, Kind: MarkerExit, Side: t.Side, PnL: &pnl},
		)
	}
	return markers
}
