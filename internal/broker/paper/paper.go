// Package paper simulates a broker in memory. It backs any broker whose
// table entry sets mode: paper.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/logging"
)

const defaultPrice = 100.0

type Options struct {
	Equity float64
	// Prices seeds the mid price per symbol; unknown symbols trade at 100.
	Prices map[string]float64
	Spread float64
}

type Broker struct {
	name   domain.Broker
	logger *zap.Logger

	mu        sync.Mutex
	equity    float64
	spread    float64
	prices    map[string]float64
	positions []domain.Position
	nextID    int
}

var (
	_ broker.Adapter      = (*Broker)(nil)
	_ broker.Snapshotter  = (*Broker)(nil)
	_ broker.SpecProvider = (*Broker)(nil)
)

func New(name domain.Broker, opts Options, logger *zap.Logger) *Broker {
	if opts.Equity <= 0 {
		opts.Equity = 100000
	}
	if opts.Spread <= 0 {
		opts.Spread = 0.25
	}
	prices := map[string]float64{}
	for k, v := range opts.Prices {
		prices[strings.ToUpper(k)] = v
	}
	return &Broker{
		name:   name,
		logger: logging.OrNop(logger).Named("paper").With(zap.String("broker", string(name))),
		equity: opts.Equity,
		spread: opts.Spread,
		prices: prices,
	}
}

func (b *Broker) Name() domain.Broker { return b.name }

func (b *Broker) Connect(context.Context) error { return nil }

func (b *Broker) IsConnected() bool { return true }

func (b *Broker) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.BrokerResult, error) {
	if req.Quantity <= 0 {
		return domain.BrokerResult{}, domain.Fatal(b.name, "", "quantity must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.IsPositionClose() {
		return b.reduceLocked(req)
	}
	q := b.quoteLocked(req.Symbol)
	fill := q.Ask
	if req.Side == domain.SideSell {
		fill = q.Bid
	}
	if req.Kind == domain.OrderLimit && req.LimitPrice > 0 {
		fill = req.LimitPrice
	}
	b.nextID++
	id := strconv.Itoa(b.nextID)
	b.positions = append(b.positions, domain.Position{
		Symbol:   strings.ToUpper(req.Symbol),
		Side:     req.Side,
		Quantity: req.Quantity,
		ID:       id,
	})
	b.logger.Info("paper fill", zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)), zap.Float64("quantity", req.Quantity), zap.Float64("price", fill))
	return domain.BrokerResult{
		Broker:        b.name,
		Status:        domain.StatusSuccess,
		OrderID:       "paper-" + id,
		ExpectedPrice: req.LimitPrice,
		ExecutedPrice: fill,
		Detail:        "paper",
	}, nil
}

// reduceLocked closes req.Quantity of one position, removing it once empty.
func (b *Broker) reduceLocked(req domain.OrderRequest) (domain.BrokerResult, error) {
	for i, pos := range b.positions {
		if pos.ID != req.PositionID {
			continue
		}
		left := decimal.NewFromFloat(pos.Quantity).Sub(decimal.NewFromFloat(req.Quantity))
		if left.Sign() <= 0 {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
		} else {
			b.positions[i].Quantity = left.InexactFloat64()
		}
		return domain.BrokerResult{Broker: b.name, Status: domain.StatusSuccess, OrderID: "paper-close-" + pos.ID, Closed: 1, Detail: "paper"}, nil
	}
	return domain.BrokerResult{}, domain.Fatal(b.name, "", "position "+req.PositionID+" not found")
}

func (b *Broker) ClosePosition(_ context.Context, aliases []string) (domain.BrokerResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.positions[:0]
	closed := 0
	for _, pos := range b.positions {
		if broker.MatchesAlias(pos.Symbol, aliases) {
			closed++
			continue
		}
		kept = append(kept, pos)
	}
	b.positions = kept
	return domain.BrokerResult{Broker: b.name, Status: domain.StatusSuccess, Closed: closed, Detail: "paper"}, nil
}

func (b *Broker) ListPositions(context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Position(nil), b.positions...), nil
}

func (b *Broker) Account(context.Context) (domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.AccountInfo{Equity: b.equity, Balance: b.equity}, nil
}

func (b *Broker) Quote(_ context.Context, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quoteLocked(symbol), nil
}

func (b *Broker) quoteLocked(symbol string) domain.Quote {
	mid, ok := b.prices[strings.ToUpper(symbol)]
	if !ok {
		mid = defaultPrice
	}
	half := b.spread / 2
	return domain.Quote{Bid: mid - half, Ask: mid + half}
}

func (b *Broker) SymbolSpec(_ context.Context, symbol string) (domain.SymbolSpec, error) {
	if strings.TrimSpace(symbol) == "" {
		return domain.SymbolSpec{}, fmt.Errorf("empty symbol")
	}
	return domain.SymbolSpec{
		Point:        0.01,
		Digits:       2,
		TickSize:     0.25,
		VolumeMin:    0.01,
		VolumeMax:    100,
		VolumeStep:   0.01,
		MarginPerLot: 1000,
	}, nil
}
