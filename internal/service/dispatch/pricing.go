package dispatch

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
)

type positionLister interface {
	ListPositions(ctx context.Context) ([]domain.Position, error)
}

// snapshot is the account state captured around one broker call. Reads go to
// the bare adapter so they never count against the breaker.
type snapshot struct {
	EquityBefore    float64
	EquityAfter     float64
	PositionsBefore string
	PositionsAfter  string
	quote           domain.Quote
	source          broker.Snapshotter
}

func takeSnapshot(ctx context.Context, adapter broker.Adapter, symbol string) snapshot {
	src, ok := broker.SnapshotterOf(adapter)
	if !ok {
		return snapshot{}
	}
	s := snapshot{source: src}
	if acct, err := src.Account(ctx); err == nil {
		s.EquityBefore = acct.Equity
	}
	if q, err := src.Quote(ctx, symbol); err == nil {
		s.quote = q
	}
	s.PositionsBefore = positionsJSON(ctx, src)
	return s
}

func (s *snapshot) after(ctx context.Context) {
	if s.source == nil {
		return
	}
	if acct, err := s.source.Account(ctx); err == nil {
		s.EquityAfter = acct.Equity
	}
	s.PositionsAfter = positionsJSON(ctx, s.source)
}

func positionsJSON(ctx context.Context, src broker.Snapshotter) string {
	pl, ok := src.(positionLister)
	if !ok {
		return ""
	}
	positions, err := pl.ListPositions(ctx)
	if err != nil {
		return ""
	}
	raw, err := json.Marshal(positions)
	if err != nil {
		return ""
	}
	return string(raw)
}

// MarketablePrice prices a limit order through the touch: ask plus offset
// ticks for a buy, bid minus offset ticks for a sell, rounded to the tick.
func MarketablePrice(side domain.Side, q domain.Quote, tick float64, offsetTicks int) float64 {
	t := decimal.NewFromFloat(tick)
	offset := t.Mul(decimal.NewFromInt(int64(offsetTicks)))
	var p decimal.Decimal
	if side == domain.SideBuy {
		p = decimal.NewFromFloat(q.Ask).Add(offset)
	} else {
		p = decimal.NewFromFloat(q.Bid).Sub(offset)
	}
	if t.IsPositive() {
		p = p.Div(t).Round(0).Mul(t)
	}
	return p.InexactFloat64()
}

// Slippage is |executed - expected|, or 0 when either side is unknown.
func Slippage(expected, executed float64) float64 {
	if expected <= 0 || executed <= 0 {
		return 0
	}
	return decimal.NewFromFloat(executed).Sub(decimal.NewFromFloat(expected)).Abs().InexactFloat64()
}

func referencePrice(side domain.Side, q domain.Quote) float64 {
	if side == domain.SideBuy {
		return q.Ask
	}
	return q.Bid
}

func tickOf(spec *domain.SymbolSpec) float64 {
	if spec == nil {
		return 0
	}
	if spec.TickSize > 0 {
		return spec.TickSize
	}
	return spec.Point
}
