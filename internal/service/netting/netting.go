package netting

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/logging"
)

// Epsilon is the remainder below which a signal counts as fully netted.
var Epsilon = decimal.RequireFromString("0.0001")

type Outcome struct {
	Remaining float64
	Closed    []domain.Position
	Failed    []domain.Position
}

// FullyNetted reports whether no new order is needed.
func (o Outcome) FullyNetted() bool {
	return decimal.NewFromFloat(o.Remaining).LessThan(Epsilon)
}

type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logging.OrNop(logger).Named("netting")}
}

// Reconcile closes positions on the side opposite to side whose symbol is in
// aliases, and returns the volume still to be opened. Closes go out before
// the caller places the reduced order.
func (e *Engine) Reconcile(ctx context.Context, adapter broker.Adapter, aliases []string, side domain.Side, volume float64) (Outcome, error) {
	out := Outcome{Remaining: volume}
	if len(aliases) == 0 {
		return out, nil
	}
	positions, err := adapter.ListPositions(ctx)
	if err != nil {
		return out, fmt.Errorf("list positions: %w", err)
	}

	remaining := decimal.NewFromFloat(volume)
	opposite := side.Opposite()
	for _, pos := range positions {
		if pos.Side != opposite || !broker.MatchesAlias(pos.Symbol, aliases) {
			continue
		}
		e.logger.Info("closing opposite position",
			zap.String("broker", string(adapter.Name())),
			zap.String("position_id", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.Float64("volume", pos.Quantity),
		)
		_, err := adapter.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       side,
			Quantity:   pos.Quantity,
			Kind:       domain.OrderMarket,
			PositionID: pos.ID,
		})
		if err != nil {
			e.logger.Warn("netting close failed",
				zap.String("broker", string(adapter.Name())),
				zap.String("position_id", pos.ID),
				zap.Error(err),
			)
			out.Failed = append(out.Failed, pos)
			continue
		}
		out.Closed = append(out.Closed, pos)
		remaining = remaining.Sub(decimal.NewFromFloat(pos.Quantity))
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	out.Remaining, _ = remaining.Float64()
	return out, nil
}
