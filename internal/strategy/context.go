package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"barreplay/internal/broker"
	"barreplay/internal/domain"
	"barreplay/internal/indicators"
)

// Context is the view a strategy gets of its run. It is created by the
// Backtester for exactly one run and must not be retained by hooks after
// they return.
type Context struct {
	// State is scratch space owned by the strategy for the run.
	State map[string]any
	// Params holds the resolved strategy parameters.
	Params Params
	// Ind computes indicators over the run's series, memoized per run.
	Ind *Indicators

	bars   []domain.Bar
	series map[string][]float64
	sim    *broker.Simulator

	index   int
	trading bool
	queue   []domain.OrderRequest
	logs    []domain.LogMessage
	log     *slog.Logger
	now     func() time.Time
}

func newContext(bars []domain.Bar, params Params, sim *broker.Simulator, log *slog.Logger) *Context {
	if params == nil {
		params = Params{}
	}
	return &Context{
		State:   make(map[string]any),
		Params:  params,
		Ind:     &Indicators{memo: make(map[indicatorKey][]float64)},
		bars:    bars,
		series:  make(map[string][]float64, 5),
		sim:     sim,
		trading: true,
		log:     log,
		now:     time.Now,
	}
}

// Index returns the bar index currently being processed.
func (c *Context) Index() int { return c.index }

// Bar returns the bar currently being processed.
func (c *Context) Bar() domain.Bar { return c.bars[c.index] }

// Len returns the total number of bars in the run.
func (c *Context) Len() int { return len(c.bars) }

// TradingEnabled reports whether orders submitted now will be queued.
func (c *Context) TradingEnabled() bool { return c.trading }

// Position returns a copy of the open position.
func (c *Context) Position() domain.Position { return *c.sim.Position }

// Portfolio returns a copy of the portfolio state.
func (c *Context) Portfolio() domain.Portfolio { return *c.sim.Portfolio }

// Close returns the close series for the whole run. The slice is shared and
// must not be modified.
func (c *Context) Close() []float64 { return c.column("close", func(b domain.Bar) float64 { return b.Close }) }

// Open returns the open series.
func (c *Context) Open() []float64 { return c.column("open", func(b domain.Bar) float64 { return b.Open }) }

// High returns the high series.
func (c *Context) High() []float64 { return c.column("high", func(b domain.Bar) float64 { return b.High }) }

// Low returns the low series.
func (c *Context) Low() []float64 { return c.column("low", func(b domain.Bar) float64 { return b.Low }) }

// Volume returns the volume series.
func (c *Context) Volume() []float64 {
	return c.column("volume", func(b domain.Bar) float64 { return b.Volume })
}

func (c *Context) column(name string, get func(domain.Bar) float64) []float64 {
	if s, ok := c.series[name]; ok {
		return s
	}
	s := make([]float64, len(c.bars))
	for i, b := range c.bars {
		s[i] = get(b)
	}
	c.series[name] = s
	return s
}

// Buy queues a market buy for the next bar's open. Non-positive sizes and
// calls made while trading is disabled are ignored.
func (c *Context) Buy(size float64) { c.submit(domain.SideBuy, size) }

// Sell queues a market sell for the next bar's open.
func (c *Context) Sell(size float64) { c.submit(domain.SideSell, size) }

// Flatten queues a close of whatever position is open when the order
// resolves.
func (c *Context) Flatten() {
	if !c.trading {
		return
	}
	c.queue = append(c.queue, domain.OrderRequest{SubmittedTS: c.Bar().TS, Side: domain.SideFlatten})
}

func (c *Context) submit(side domain.Side, size float64) {
	if !c.trading || !(size > 0) {
		return
	}
	c.queue = append(c.queue, domain.OrderRequest{SubmittedTS: c.Bar().TS, Side: side, Size: size})
}

// SizePercentEquity returns the quantity worth pct of current equity at the
// current close.
func (c *Context) SizePercentEquity(pct float64) float64 {
	price := c.Bar().Close
	if price <= 0 {
		return 0
	}
	return c.sim.Portfolio.Equity * pct / price
}

// Logf records an info message against the current bar.
func (c *Context) Logf(format string, args ...any) { c.emit("info", format, args...) }

// Warnf records a warning against the current bar.
func (c *Context) Warnf(format string, args ...any) { c.emit("warn", format, args...) }

func (c *Context) emit(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	barTS := c.Bar().TS
	c.logs = append(c.logs, domain.LogMessage{
		TS:    c.now().UnixMilli(),
		Level: level,
		Text:  msg,
		BarTS: barTS,
	})
	if c.log != nil {
		c.log.Debug("strategy message", "level", level, "message", msg, "bar_ts", barTS)
	}
}

func (c *Context) setBar(i int, trading bool) {
	c.index = i
	c.trading = trading
}

// drain hands the queued orders to the loop and resets the queue.
func (c *Context) drain() []domain.OrderRequest {
	q := c.queue
	c.queue = nil
	return q
}

// Indicators memoizes indicator series for one run.
type Indicators struct {
	memo map[indicatorKey][]float64
}

type indicatorKey struct {
	kind   string
	period int
	src    *float64
	n      int
}

// EMA returns the exponential moving average of src over period.
func (ind *Indicators) EMA(src []float64, period int) []float64 {
	return ind.cached("ema", src, period, indicators.EMA)
}

// SMA returns the simple moving average of src over period.
func (ind *Indicators) SMA(src []float64, period int) []float64 {
	return ind.cached("sma", src, period, indicators.SMA)
}

func (ind *Indicators) cached(kind string, src []float64, period int, f func([]float64, int) []float64) []float64 {
	if len(src) == 0 {
		return f(src, period)
	}
	key := indicatorKey{kind: kind, period: period, src: &src[0], n: len(src)}
	if s, ok := ind.memo[key]; ok {
		return s
	}
	s := f(src, period)
	ind.memo[key] = s
	return s
}
