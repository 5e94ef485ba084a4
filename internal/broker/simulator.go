package broker

import (
	"barreplay/internal/domain"
	"barreplay/internal/portfolio"
)

// Outcome describes how the simulator resolved one order request.
type Outcome struct {
	// Order is the ledger entry. It is meaningless when Dropped is set.
	Order domain.Order
	// Trade is non-nil when the fill closed the open position.
	Trade *domain.Trade
	// Dropped is set for a FLATTEN request while already flat. No ledger
	// entry is produced.
	Dropped bool
	// ScaleSkipped is set when the fill was in the direction of the open
	// position. The order is recorded as filled but the position and cash
	// are left untouched.
	ScaleSkipped bool
}

// Simulator executes market orders against a single position slot. It owns
// the run's position and portfolio and is not safe for concurrent use.
type Simulator struct {
	cfg      domain.RunConfig
	interval int64

	Position  *domain.Position
	Portfolio *domain.Portfolio
}

// NewSimulator creates a flat simulator funded with cfg.InitialCash.
// interval is the bar spacing in milliseconds used for bars-held accounting.
func NewSimulator(cfg domain.RunConfig, interval int64) *Simulator {
	if interval < 1 {
		interval = 1
	}
	return &Simulator{
		cfg:       cfg,
		interval:  interval,
		Position:  &domain.Position{},
		Portfolio: domain.NewPortfolio(cfg.InitialCash),
	}
}

// Mark marks the portfolio to market at price.
func (s *Simulator) Mark(price float64) {
	portfolio.MarkToMarket(s.Portfolio, s.Position, price)
}

// Execute resolves req at the open of bar.
func (s *Simulator) Execute(req domain.OrderRequest, bar domain.Bar) Outcome {
	side, size := req.Side, req.Size
	if side == domain.SideFlatten {
		if s.Position.Flat() {
			return Outcome{Dropped: true}
		}
		side = domain.SideSell
		if s.Position.Size < 0 {
			side = domain.SideBuy
		}
		size = abs(s.Position.Size)
	}

	order := domain.Order{SubmittedTS: req.SubmittedTS, Side: side, Size: size}
	price := FillPrice(bar.Open, side, s.cfg.SlippageBps)
	if ok, _ := CanFill(size, price, s.Portfolio.Equity, s.cfg.Leverage); !ok {
		order.Status = domain.OrderStatusRejected
		order.Reason = domain.RejectMargin
		return Outcome{Order: order}
	}

	fee := Fee(size, price, s.cfg.CommissionBps)
	order.Status = domain.OrderStatusFilled
	order.FillTS = bar.TS
	order.FillPrice = price
	order.Fee = fee

	if s.Position.Flat() {
		signed := size
		if side == domain.SideSell {
			signed = -size
		}
		s.Position.Open(signed, price, bar.TS, fee)
		s.Portfolio.Cash -= fee
		return Outcome{Order: order}
	}

	if (s.Position.Size > 0 && side == domain.SideBuy) || (s.Position.Size < 0 && side == domain.SideSell) {
		return Outcome{Order: order, ScaleSkipped: true}
	}

	trade := s.close(price, bar.TS, fee)
	return Outcome{Order: order, Trade: &trade}
}

// ForceClose closes any open position at price, charging the commission on
// the full position size. ok is false when there was nothing to close.
func (s *Simulator) ForceClose(price float64, ts int64) (trade domain.Trade, ok bool) {
	if s.Position.Flat() {
		return domain.Trade{}, false
	}
	fee := Fee(s.Position.Size, price, s.cfg.CommissionBps)
	return s.close(price, ts, fee), true
}

func (s *Simulator) close(price float64, ts int64, exitFee float64) domain.Trade {
	pos := s.Position
	entryPrice, entryTS := price, ts
	if pos.EntryPrice != nil {
		entryPrice = *pos.EntryPrice
	}
	if pos.EntryTS != nil {
		entryTS = *pos.EntryTS
	}
	side, _ := portfolio.PositionSide(pos)

	gross := (price - entryPrice) * pos.Size
	s.Portfolio.Cash += gross - exitFee

	trade := domain.Trade{
		Side:       side,
		Size:       abs(pos.Size),
		EntryTS:    entryTS,
		EntryPrice: entryPrice,
		ExitTS:     ts,
		ExitPrice:  price,
		PnL:        gross - pos.EntryFee - exitFee,
		FeeTotal:   pos.EntryFee + exitFee,
		BarsHeld:   s.barsHeld(entryTS, ts),
	}
	portfolio.ClosePosition(pos)
	return trade
}

func (s *Simulator) barsHeld(entryTS, exitTS int64) int {
	n := int((exitTS - entryTS) / s.interval)
	if n < 1 {
		return 1
	}
	return n
}
