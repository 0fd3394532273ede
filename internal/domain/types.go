package domain

import (
	"strings"
	"time"
)

type Broker string

const (
	BrokerMT5     Broker = "mt5"
	BrokerIBKR    Broker = "ibkr"
	BrokerTopStep Broker = "topstep"
)

// Brokers lists every routable backend in dispatch order.
var Brokers = []Broker{BrokerMT5, BrokerIBKR, BrokerTopStep}

func ParseBroker(raw string) (Broker, bool) {
	b := Broker(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Brokers {
		if b == known {
			return b, true
		}
	}
	return "", false
}

type Action string

const (
	ActionBuy     Action = "BUY"
	ActionSell    Action = "SELL"
	ActionClose   Action = "CLOSE"
	ActionExit    Action = "EXIT"
	ActionFlatten Action = "FLATTEN"
)

func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionClose, ActionExit, ActionFlatten:
		return true
	}
	return false
}

// IsClose reports whether the action flattens instead of opening exposure.
func (a Action) IsClose() bool {
	return a == ActionClose || a == ActionExit || a == ActionFlatten
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderKind string

const (
	OrderMarket OrderKind = "MARKET"
	OrderLimit  OrderKind = "LIMIT"
)

type ResultStatus string

const (
	StatusSuccess  ResultStatus = "SUCCESS"
	StatusRejected ResultStatus = "REJECTED"
	StatusTimeout  ResultStatus = "TIMEOUT"
	StatusPaused   ResultStatus = "PAUSED"
	StatusError    ResultStatus = "ERROR"
)

type EventType string

const (
	EventSignalRejected    EventType = "SignalRejected"
	EventDispatchCompleted EventType = "DispatchCompleted"
	EventBrokerPaused      EventType = "BrokerPaused"
	EventHardExitFired     EventType = "HardExitFired"
	EventCircuitOpened     EventType = "CircuitOpened"
	EventCircuitReset      EventType = "CircuitReset"
	EventCloseAllRequested EventType = "CloseAllRequested"
)

// Signal is an inbound producer instruction. It is never mutated after the
// HTTP boundary builds it.
type Signal struct {
	Action     Action     `json:"action"`
	Symbol     string     `json:"symbol"`
	Volume     float64    `json:"volume"`
	VolumeRaw  string     `json:"-"`
	Price      float64    `json:"price,omitempty"`
	StopLoss   float64    `json:"sl,omitempty"`
	TakeProfit float64    `json:"tp,omitempty"`
	EquityPct  float64    `json:"equity_pct,omitempty"`
	EmittedAt  *time.Time `json:"time,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
	Raw        string     `json:"-"`
}

type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	RawSymbol  string    `json:"raw_symbol,omitempty"`
	Aliases    []string  `json:"aliases,omitempty"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	Kind       OrderKind `json:"kind"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	StopLoss   float64   `json:"sl,omitempty"`
	TakeProfit float64   `json:"tp,omitempty"`
	EquityPct  float64   `json:"equity_pct,omitempty"`
	// PositionID closes an existing position by its broker id.
	PositionID string `json:"position_id,omitempty"`
}

func (r OrderRequest) IsPositionClose() bool {
	return r.PositionID != ""
}

type BrokerResult struct {
	Broker        Broker        `json:"broker"`
	Status        ResultStatus  `json:"status"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	OrderID       string        `json:"order_id,omitempty"`
	NativeSymbol  string        `json:"native_symbol,omitempty"`
	NativeVolume  float64       `json:"native_volume,omitempty"`
	ExpectedPrice float64       `json:"expected_price,omitempty"`
	ExecutedPrice float64       `json:"executed_price,omitempty"`
	Slippage      float64       `json:"slippage,omitempty"`
	Latency       time.Duration `json:"-"`
	LatencyMS     float64       `json:"latency_ms"`
	Detail        string        `json:"detail,omitempty"`
	Netted        bool          `json:"netted,omitempty"`
	Closed        int           `json:"closed,omitempty"`
}

func (r BrokerResult) OK() bool {
	return r.Status == StatusSuccess
}

type Position struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Quantity float64 `json:"volume"`
	ID       string  `json:"id"`
	Profit   float64 `json:"profit,omitempty"`
}

type AccountInfo struct {
	Equity  float64 `json:"equity"`
	Balance float64 `json:"balance"`
}

type Quote struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

func (q Quote) Spread() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return q.Ask - q.Bid
}

// SymbolSpec carries the contract properties needed for price rounding and
// equity based sizing.
type SymbolSpec struct {
	Point        float64 `json:"point"`
	Digits       int     `json:"digits"`
	TickSize     float64 `json:"tick_size"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	MarginPerLot float64 `json:"margin_initial"`
}

type PauseState struct {
	MT5     bool `json:"mt5"`
	IBKR    bool `json:"ibkr"`
	TopStep bool `json:"topstep"`
}

func (p PauseState) Paused(b Broker) bool {
	switch b {
	case BrokerMT5:
		return p.MT5
	case BrokerIBKR:
		return p.IBKR
	case BrokerTopStep:
		return p.TopStep
	}
	return false
}

func (p PauseState) With(b Broker, paused bool) PauseState {
	switch b {
	case BrokerMT5:
		p.MT5 = paused
	case BrokerIBKR:
		p.IBKR = paused
	case BrokerTopStep:
		p.TopStep = paused
	}
	return p
}

type ScheduleState struct {
	LastHardExitDate string `json:"last_hard_exit_date"`
}

// TradeRecord is one ledger row: a single broker's outcome for a single
// dispatch attempt.
type TradeRecord struct {
	ID                string    `json:"id"`
	DispatchID        string    `json:"dispatch_id"`
	Timestamp         time.Time `json:"timestamp"`
	Platform          string    `json:"platform"`
	Symbol            string    `json:"symbol"`
	Action            string    `json:"action"`
	Volume            float64   `json:"volume"`
	NativeSymbol      string    `json:"native_symbol"`
	NativeVolume      float64   `json:"native_volume"`
	Status            string    `json:"status"`
	ErrorKind         string    `json:"error_kind"`
	LatencyMS         float64   `json:"latency_ms"`
	Details           string    `json:"details"`
	ExpectedPrice     float64   `json:"expected_price"`
	ExecutedPrice     float64   `json:"executed_price"`
	Slippage          float64   `json:"slippage"`
	OrderID           string    `json:"order_id"`
	WebhookReceivedAt string    `json:"webhook_received_at"`
	RawWebhook        string    `json:"raw_webhook"`
	BrokerResponse    string    `json:"broker_response"`
	PositionsBefore   string    `json:"pre_trade_positions"`
	PositionAfter     string    `json:"position_after"`
	EquityBefore      float64   `json:"equity_before"`
	EquityAfter       float64   `json:"equity_after"`
	BidPrice          float64   `json:"bid_price"`
	AskPrice          float64   `json:"ask_price"`
	Spread            float64   `json:"spread"`
	Commission        float64   `json:"commission"`
	PnL               float64   `json:"pnl"`
	RejectedReason    string    `json:"rejected_reason"`
}

type TradeFilter struct {
	Platform string
	Start    time.Time
	End      time.Time
	Limit    int
}

type TradeSummary struct {
	Platform        string  `json:"platform"`
	TotalTrades     int     `json:"total_trades"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	AvgSlippage     float64 `json:"avg_slippage"`
	TotalPnL        float64 `json:"total_pnl"`
	TotalCommission float64 `json:"total_commission"`
}

type Event struct {
	ID        string                 `json:"event_id"`
	Broker    string                 `json:"broker,omitempty"`
	Type      EventType              `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
