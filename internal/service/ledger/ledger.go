// Package ledger records one row per broker per dispatch and serves the
// query, summary and export views over them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradegate/internal/domain"
	"tradegate/internal/logging"
	"tradegate/internal/store"
)

const (
	DefaultQueryLimit = 100
	ExportLimit       = 10000

	// PlatformRejected marks rows for signals that never reached a broker.
	PlatformRejected = "REJECTED"
)

var ErrNoTrades = errors.New("no trades found")

type Ledger struct {
	store  store.TradeStore
	logger *zap.Logger
	now    func() time.Time
}

func New(st store.TradeStore, logger *zap.Logger) *Ledger {
	return &Ledger{store: st, logger: logging.OrNop(logger).Named("ledger"), now: time.Now}
}

// Record appends rec with a fresh id. A zero timestamp is set to now.
func (l *Ledger) Record(ctx context.Context, rec domain.TradeRecord) (domain.TradeRecord, error) {
	rec.ID = uuid.NewString()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	if err := l.store.SaveTrade(ctx, rec); err != nil {
		l.logger.Error("record trade",
			zap.String("platform", rec.Platform),
			zap.String("dispatch_id", rec.DispatchID),
			zap.Error(err),
		)
		return rec, fmt.Errorf("record trade: %w", err)
	}
	return rec, nil
}

// Query returns rows newest first. A non-positive limit means
// DefaultQueryLimit.
func (l *Ledger) Query(ctx context.Context, filter domain.TradeFilter) ([]domain.TradeRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultQueryLimit
	}
	filter.Platform = strings.ToLower(strings.TrimSpace(filter.Platform))
	if filter.Platform == strings.ToLower(PlatformRejected) {
		filter.Platform = PlatformRejected
	}
	return l.store.ListTrades(ctx, filter)
}

func (l *Ledger) Last(ctx context.Context) (domain.TradeRecord, bool, error) {
	return l.store.LastTrade(ctx)
}

// Summarize aggregates every row in the date range per platform, sorted by
// platform name.
func (l *Ledger) Summarize(ctx context.Context, filter domain.TradeFilter) ([]domain.TradeSummary, error) {
	filter.Limit = 0
	rows, err := l.store.ListTrades(ctx, filter)
	if err != nil {
		return nil, err
	}

	type acc struct {
		sum        domain.TradeSummary
		latency    decimal.Decimal
		slippage   decimal.Decimal
		pnl        decimal.Decimal
		commission decimal.Decimal
	}
	byPlatform := map[string]*acc{}
	for _, r := range rows {
		a, ok := byPlatform[r.Platform]
		if !ok {
			a = &acc{sum: domain.TradeSummary{Platform: r.Platform}}
			byPlatform[r.Platform] = a
		}
		a.sum.TotalTrades++
		if r.Status == string(domain.StatusSuccess) {
			a.sum.Successful++
		} else {
			a.sum.Failed++
		}
		a.latency = a.latency.Add(decimal.NewFromFloat(r.LatencyMS))
		a.slippage = a.slippage.Add(decimal.NewFromFloat(r.Slippage))
		a.pnl = a.pnl.Add(decimal.NewFromFloat(r.PnL))
		a.commission = a.commission.Add(decimal.NewFromFloat(r.Commission))
	}

	out := make([]domain.TradeSummary, 0, len(byPlatform))
	for _, a := range byPlatform {
		n := decimal.NewFromInt(int64(a.sum.TotalTrades))
		a.sum.AvgLatencyMS = a.latency.Div(n).Round(2).InexactFloat64()
		a.sum.AvgSlippage = a.slippage.Div(n).Round(6).InexactFloat64()
		a.sum.TotalPnL = a.pnl.Round(2).InexactFloat64()
		a.sum.TotalCommission = a.commission.Round(2).InexactFloat64()
		out = append(out, a.sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}
