// Package dispatch fans a validated signal out to every broker and gathers
// one result per broker.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/logging"
	"tradegate/internal/service/convert"
	"tradegate/internal/service/netting"
)

// Recorder persists ledger rows.
type Recorder interface {
	Record(ctx context.Context, rec domain.TradeRecord) (domain.TradeRecord, error)
}

type EventSink interface {
	Emit(ctx context.Context, event domain.Event)
}

type Options struct {
	Workers int
	// Timeout bounds how long Dispatch waits, measured from its start.
	Timeout time.Duration
	// CallTimeout bounds a single adapter call, which outlives the request.
	CallTimeout      time.Duration
	DefaultEquityPct float64
	Now              func() time.Time
}

type Request struct {
	Signal     domain.Signal
	Pause      domain.PauseState
	ReceivedAt time.Time
}

type Outcome struct {
	DispatchID    string                                `json:"dispatch_id"`
	Results       map[domain.Broker]domain.BrokerResult `json:"results"`
	SuccessCount  int                                   `json:"success_count"`
	Attempted     int                                   `json:"attempted"`
	TotalDuration time.Duration                         `json:"-"`
}

// Status summarizes the outcome: success when every attempted broker
// succeeded, paused when none was attempted.
func (o Outcome) Status() string {
	switch {
	case o.Attempted == 0:
		return "paused"
	case o.SuccessCount == o.Attempted:
		return "success"
	case o.SuccessCount == 0:
		return "failed"
	default:
		return "partial"
	}
}

type Orchestrator struct {
	adapters  map[domain.Broker]broker.Adapter
	table     config.BrokerTable
	converter *convert.Converter
	netting   *netting.Engine
	ledger    Recorder
	events    EventSink
	opts      Options
	logger    *zap.Logger

	sem   *semaphore.Weighted
	slots map[domain.Broker]chan struct{}
}

// New builds an orchestrator. adapters should already be wrapped in their
// breaker guards.
func New(adapters map[domain.Broker]broker.Adapter, table config.BrokerTable, conv *convert.Converter, net *netting.Engine, ledger Recorder, events EventSink, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	slots := make(map[domain.Broker]chan struct{}, len(domain.Brokers))
	for _, b := range domain.Brokers {
		slots[b] = make(chan struct{}, 1)
	}
	return &Orchestrator{
		adapters:  adapters,
		table:     table,
		converter: conv,
		netting:   net,
		ledger:    ledger,
		events:    events,
		opts:      opts,
		logger:    logging.OrNop(logger).Named("dispatch"),
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		slots:     slots,
	}
}

func (o *Orchestrator) Adapter(b domain.Broker) (broker.Adapter, bool) {
	a, ok := o.adapters[b]
	return a, ok && a != nil
}

// enabled returns the adapter for b when it is configured and switched on.
func (o *Orchestrator) enabled(b domain.Broker) (broker.Adapter, config.BrokerSettings, bool) {
	settings, ok := o.table.Get(b)
	if !ok || !settings.Enabled {
		return nil, settings, false
	}
	a, ok := o.Adapter(b)
	return a, settings, ok
}

type taskResult struct {
	result domain.BrokerResult
	snap   snapshot
}

// Dispatch runs one task per eligible broker and records a ledger row for
// every broker, paused and timed-out ones included.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) Outcome {
	start := o.opts.Now()
	sig := req.Signal
	out := Outcome{
		DispatchID: uuid.NewString(),
		Results:    make(map[domain.Broker]domain.BrokerResult, len(domain.Brokers)),
	}
	log := o.logger.With(zap.String("dispatch_id", out.DispatchID))

	// The wait is bounded from dispatch start and survives a client hangup so
	// every row still gets recorded.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.Timeout)
	defer cancel()

	snaps := map[domain.Broker]snapshot{}
	ch := make(chan taskResult, len(domain.Brokers))
	pending := map[domain.Broker]bool{}
	for _, b := range domain.Brokers {
		adapter, settings, ok := o.enabled(b)
		switch {
		case req.Pause.Paused(b):
			out.Results[b] = domain.BrokerResult{Broker: b, Status: domain.StatusPaused, Detail: "paused by operator"}
		case !ok:
			out.Results[b] = domain.BrokerResult{Broker: b, Status: domain.StatusPaused, Detail: "broker disabled"}
		default:
			pending[b] = true
			go o.runTask(waitCtx, b, adapter, settings, sig, ch)
		}
	}

	for len(pending) > 0 {
		select {
		case tr := <-ch:
			delete(pending, tr.result.Broker)
			out.Results[tr.result.Broker] = tr.result
			snaps[tr.result.Broker] = tr.snap
		case <-waitCtx.Done():
			for b := range pending {
				out.Results[b] = domain.BrokerResult{
					Broker:    b,
					Status:    domain.StatusTimeout,
					ErrorKind: domain.KindTimeout,
					Detail:    domain.ErrDispatchTimeout.Error(),
					Latency:   o.opts.Now().Sub(start),
				}
				log.Warn("broker timed out", zap.String("broker", string(b)), zap.Duration("timeout", o.opts.Timeout))
			}
			go drainLate(log, ch, len(pending))
			pending = nil
		}
	}

	for b, r := range out.Results {
		r.LatencyMS = float64(r.Latency.Microseconds()) / 1000
		out.Results[b] = r
		if r.Status != domain.StatusPaused {
			out.Attempted++
		}
		if r.OK() {
			out.SuccessCount++
		}
	}
	out.TotalDuration = o.opts.Now().Sub(start)

	recCtx := context.WithoutCancel(ctx)
	for _, b := range domain.Brokers {
		r := out.Results[b]
		o.record(recCtx, out.DispatchID, req, r, snaps[b])
	}

	log.Info("dispatch completed",
		zap.String("action", string(sig.Action)),
		zap.String("symbol", sig.Symbol),
		zap.Int("success", out.SuccessCount),
		zap.Int("attempted", out.Attempted),
		zap.Duration("duration", out.TotalDuration),
	)
	if o.events != nil {
		results := map[string]interface{}{}
		for b, r := range out.Results {
			results[string(b)] = map[string]interface{}{"status": r.Status, "detail": r.Detail, "order_id": r.OrderID}
		}
		o.events.Emit(recCtx, domain.Event{
			Type: domain.EventDispatchCompleted,
			Payload: map[string]interface{}{
				"dispatch_id":   out.DispatchID,
				"action":        string(sig.Action),
				"symbol":        sig.Symbol,
				"volume":        sig.Volume,
				"status":        out.Status(),
				"success_count": out.SuccessCount,
				"results":       results,
			},
		})
	}
	return out
}

func drainLate(log *zap.Logger, ch <-chan taskResult, n int) {
	for i := 0; i < n; i++ {
		tr := <-ch
		log.Warn("late broker result dropped",
			zap.String("broker", string(tr.result.Broker)),
			zap.String("status", string(tr.result.Status)),
			zap.String("order_id", tr.result.OrderID),
		)
	}
}

// runTask always sends exactly one result on ch.
func (o *Orchestrator) runTask(waitCtx context.Context, b domain.Broker, adapter broker.Adapter, settings config.BrokerSettings, sig domain.Signal, ch chan<- taskResult) {
	start := o.opts.Now()
	tr := taskResult{result: domain.BrokerResult{Broker: b}}
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("broker task panicked", zap.String("broker", string(b)), zap.Any("panic", p))
			tr.result = domain.BrokerResult{
				Broker:    b,
				Status:    domain.StatusError,
				ErrorKind: domain.KindPanic,
				Detail:    fmt.Sprintf("panic: %v", p),
			}
		}
		tr.result.Broker = b
		tr.result.Latency = o.opts.Now().Sub(start)
		ch <- tr
	}()

	if err := o.sem.Acquire(waitCtx, 1); err != nil {
		tr.result = timeoutResult(b, "worker pool saturated")
		return
	}
	defer o.sem.Release(1)

	slot := o.slots[b]
	select {
	case slot <- struct{}{}:
	case <-waitCtx.Done():
		tr.result = timeoutResult(b, "previous call still in flight")
		return
	}
	defer func() { <-slot }()

	// Adapter calls run detached from the request so a slow broker can
	// finish after the dispatch wait has given up on it.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(waitCtx), o.opts.CallTimeout)
	defer cancel()
	tr.result, tr.snap = o.execute(callCtx, b, adapter, settings, sig)
}

func timeoutResult(b domain.Broker, detail string) domain.BrokerResult {
	return domain.BrokerResult{Broker: b, Status: domain.StatusTimeout, ErrorKind: domain.KindTimeout, Detail: detail}
}

func (o *Orchestrator) execute(ctx context.Context, b domain.Broker, adapter broker.Adapter, settings config.BrokerSettings, sig domain.Signal) (domain.BrokerResult, snapshot) {
	log := o.logger.With(zap.String("broker", string(b)))
	native, volume := o.converter.Convert(b, sig.Symbol, sig.Volume)
	aliases := o.converter.Aliases(b, sig.Symbol)
	snap := takeSnapshot(ctx, adapter, native)

	if sig.Action.IsClose() {
		res, err := adapter.ClosePosition(ctx, aliases)
		res = finish(b, res, err)
		res.NativeSymbol = native
		snap.after(ctx)
		return res, snap
	}

	side := domain.Side(sig.Action)
	var spec *domain.SymbolSpec
	if sp, ok := broker.SpecProviderOf(adapter); ok {
		if s, err := sp.SymbolSpec(ctx, native); err == nil {
			spec = &s
		} else {
			log.Debug("symbol spec unavailable", zap.String("symbol", native), zap.Error(err))
		}
	}

	pct := sig.EquityPct
	if pct <= 0 {
		pct = o.opts.DefaultEquityPct
	}
	if pct > 0 && spec != nil && snap.EquityBefore > 0 {
		sized := convert.EquityVolume(snap.EquityBefore, pct, spec.MarginPerLot, spec.VolumeMin, spec.VolumeMax, spec.VolumeStep)
		if sized > 0 {
			log.Info("equity sized volume", zap.Float64("equity", snap.EquityBefore), zap.Float64("pct", pct), zap.Float64("volume", sized))
			volume = sized
		}
	}

	closed := 0
	if settings.Netting {
		outcome, err := o.netting.Reconcile(ctx, adapter, aliases, side, volume)
		if err != nil {
			log.Warn("netting skipped", zap.Error(err))
		} else {
			closed = len(outcome.Closed)
			if outcome.FullyNetted() {
				snap.after(ctx)
				return domain.BrokerResult{
					Broker:       b,
					Status:       domain.StatusSuccess,
					NativeSymbol: native,
					Netted:       true,
					Closed:       closed,
					Detail:       fmt.Sprintf("closed via netting (%d positions)", closed),
				}, snap
			}
			volume = outcome.Remaining
		}
	}

	order := domain.OrderRequest{
		Symbol:     native,
		RawSymbol:  sig.Symbol,
		Aliases:    aliases,
		Side:       side,
		Quantity:   volume,
		Kind:       settings.OrderKind,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		EquityPct:  pct,
	}
	expected := referencePrice(side, snap.quote)
	if order.Kind == domain.OrderLimit {
		switch {
		case sig.Price > 0:
			order.LimitPrice = sig.Price
		case snap.quote.Bid > 0 && snap.quote.Ask > 0:
			order.LimitPrice = MarketablePrice(side, snap.quote, tickOf(spec), settings.LimitOffsetTicks)
		default:
			order.Kind = domain.OrderMarket
		}
		if order.LimitPrice > 0 {
			expected = order.LimitPrice
		}
	}
	if expected == 0 {
		expected = sig.Price
	}

	res, err := adapter.PlaceOrder(ctx, order)
	res = finish(b, res, err)
	res.NativeSymbol = native
	res.NativeVolume = volume
	res.Closed = closed
	if res.ExpectedPrice == 0 {
		res.ExpectedPrice = expected
	}
	res.Slippage = Slippage(res.ExpectedPrice, res.ExecutedPrice)
	snap.after(ctx)
	return res, snap
}

// finish maps an adapter error onto the result status taxonomy.
func finish(b domain.Broker, res domain.BrokerResult, err error) domain.BrokerResult {
	res.Broker = b
	if err == nil {
		if res.Status == "" {
			res.Status = domain.StatusSuccess
		}
		return res
	}
	res.Detail = err.Error()
	res.ErrorKind = domain.KindOf(err)
	if domain.IsFatal(err) {
		res.Status = domain.StatusRejected
	} else {
		res.Status = domain.StatusError
	}
	return res
}

// CloseAll flattens every listed broker concurrently. Pause flags do not
// apply; a disabled broker reports PAUSED.
func (o *Orchestrator) CloseAll(ctx context.Context, brokers []domain.Broker) map[domain.Broker]domain.BrokerResult {
	type item struct {
		b   domain.Broker
		res domain.BrokerResult
	}
	ch := make(chan item, len(brokers))
	dispatchID := uuid.NewString()
	n := 0
	out := make(map[domain.Broker]domain.BrokerResult, len(brokers))
	for _, b := range brokers {
		adapter, _, ok := o.enabled(b)
		if !ok {
			out[b] = domain.BrokerResult{Broker: b, Status: domain.StatusPaused, Detail: "broker disabled"}
			continue
		}
		n++
		go func(b domain.Broker, a broker.Adapter) {
			start := o.opts.Now()
			var res domain.BrokerResult
			defer func() {
				if p := recover(); p != nil {
					res = domain.BrokerResult{Status: domain.StatusError, ErrorKind: domain.KindPanic, Detail: fmt.Sprintf("panic: %v", p)}
				}
				res.Broker = b
				res.Latency = o.opts.Now().Sub(start)
				res.LatencyMS = float64(res.Latency.Microseconds()) / 1000
				ch <- item{b: b, res: res}
			}()
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CallTimeout)
			defer cancel()
			r, err := a.ClosePosition(callCtx, nil)
			res = finish(b, r, err)
		}(b, adapter)
	}
	for i := 0; i < n; i++ {
		it := <-ch
		out[it.b] = it.res
		if !it.res.OK() {
			o.logger.Error("close all failed", zap.String("broker", string(it.b)), zap.String("detail", it.res.Detail))
		}
		o.record(context.WithoutCancel(ctx), dispatchID, Request{
			Signal:     domain.Signal{Action: domain.ActionFlatten, Symbol: "*"},
			ReceivedAt: o.opts.Now(),
		}, it.res, snapshot{})
	}
	return out
}

func (o *Orchestrator) record(ctx context.Context, dispatchID string, req Request, r domain.BrokerResult, snap snapshot) {
	if o.ledger == nil {
		return
	}
	sig := req.Signal
	rec := domain.TradeRecord{
		DispatchID:      dispatchID,
		Platform:        string(r.Broker),
		Symbol:          sig.Symbol,
		Action:          string(sig.Action),
		Volume:          sig.Volume,
		NativeSymbol:    r.NativeSymbol,
		NativeVolume:    r.NativeVolume,
		Status:          string(r.Status),
		ErrorKind:       string(r.ErrorKind),
		LatencyMS:       r.LatencyMS,
		Details:         r.Detail,
		ExpectedPrice:   r.ExpectedPrice,
		ExecutedPrice:   r.ExecutedPrice,
		Slippage:        r.Slippage,
		OrderID:         r.OrderID,
		RawWebhook:      sig.Raw,
		PositionsBefore: snap.PositionsBefore,
		PositionAfter:   snap.PositionsAfter,
		EquityBefore:    snap.EquityBefore,
		EquityAfter:     snap.EquityAfter,
		BidPrice:        snap.quote.Bid,
		AskPrice:        snap.quote.Ask,
		Spread:          snap.quote.Spread(),
	}
	if !req.ReceivedAt.IsZero() {
		rec.WebhookReceivedAt = req.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.Status == domain.StatusRejected {
		rec.RejectedReason = r.Detail
	}
	if raw, err := json.Marshal(r); err == nil {
		rec.BrokerResponse = string(raw)
	}
	if _, err := o.ledger.Record(ctx, rec); err != nil {
		o.logger.Error("ledger write failed", zap.String("broker", string(r.Broker)), zap.Error(err))
	}
}
