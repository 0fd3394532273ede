// Package mt5 drives a MetaTrader 5 account through an Expert Advisor that
// polls the gateway: the EA registers, syncs its account, pulls queued
// commands and posts their results back.
package mt5

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/logging"
)

// Trade server return codes the bridge distinguishes.
const (
	RetcodePlaced     = 10008
	RetcodeDone       = 10009
	RetcodeTimeout    = 10012
	RetcodeConnection = 10031
)

var (
	ErrInvalidConnectCode = errors.New("invalid connect code")
	ErrMissingIdentity    = errors.New("account_id and device_id are required")
	ErrInvalidToken       = errors.New("invalid ea token")
	ErrTokenExpired       = errors.New("ea token expired")
	ErrUnknownCommand     = errors.New("command not found")
	ErrStaleSnapshot      = errors.New("account snapshot is stale")
)

type CommandType string

const (
	CommandOpen CommandType = "OPEN"
	// CommandClose closes one position by ticket.
	CommandClose CommandType = "CLOSE"
	// CommandFlatten closes every position whose symbol is listed, or all
	// positions when the list is empty.
	CommandFlatten CommandType = "FLATTEN"
	CommandNoop    CommandType = "NOOP"
)

type CommandStatus string

const (
	StatusQueued     CommandStatus = "QUEUED"
	StatusDispatched CommandStatus = "DISPATCHED"
	StatusDone       CommandStatus = "DONE"
	StatusFailed     CommandStatus = "FAILED"
	StatusExpired    CommandStatus = "EXPIRED"
)

type Command struct {
	ID        string        `json:"command_id"`
	Type      CommandType   `json:"type"`
	Symbol    string        `json:"symbol,omitempty"`
	Side      domain.Side   `json:"side,omitempty"`
	OrderType string        `json:"order_type,omitempty"`
	Volume    float64       `json:"volume,omitempty"`
	Price     float64       `json:"price,omitempty"`
	SL        float64       `json:"sl,omitempty"`
	TP        float64       `json:"tp,omitempty"`
	Position  string        `json:"position,omitempty"`
	Symbols   []string      `json:"symbols,omitempty"`
	Status    CommandStatus `json:"status"`
	ExpiresAt time.Time     `json:"expires_at"`
	CreatedAt time.Time     `json:"created_at"`

	dispatchedAt time.Time
}

// Result is what the EA posts back for a command.
type Result struct {
	CommandID string      `json:"command_id"`
	Status    string      `json:"status"`
	Retcode   int         `json:"retcode"`
	Order     json.Number `json:"order"`
	Price     float64     `json:"price"`
	Comment   string      `json:"comment"`
	Closed    int         `json:"closed"`
}

type Session struct {
	Token     string    `json:"token"`
	AccountID string    `json:"account_id"`
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes"`
}

type Options struct {
	ConnectCode string
	TokenTTL    time.Duration
	// CommandTTL bounds how long a command may wait for pickup.
	CommandTTL time.Duration
	// ResultTTL bounds how long a picked-up command may wait for its result.
	ResultTTL    time.Duration
	SyncMaxAge   time.Duration
	HeartbeatTTL time.Duration
	Now          func() time.Time
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		ConnectCode:  cfg.EAConnectCode,
		TokenTTL:     cfg.EATokenTTL,
		CommandTTL:   cfg.EACommandTTL,
		ResultTTL:    cfg.EAResultTTL,
		SyncMaxAge:   cfg.EASyncMaxAge,
		HeartbeatTTL: cfg.EAHeartbeatTTL,
	}
}

type pending struct {
	cmd  Command
	done chan Result
}

// Bridge is the MT5 adapter. The EA side and the dispatch side meet in the
// command queue; both are safe for concurrent use.
type Bridge struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]Session
	lastSeen time.Time
	snap     Snapshot
	syncedAt time.Time
	queue    []string
	pending  map[string]*pending
}

var (
	_ broker.Adapter      = (*Bridge)(nil)
	_ broker.Snapshotter  = (*Bridge)(nil)
	_ broker.SpecProvider = (*Bridge)(nil)
)

func NewBridge(opts Options, logger *zap.Logger) *Bridge {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.CommandTTL <= 0 {
		opts.CommandTTL = 5 * time.Second
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 10 * time.Second
	}
	if opts.SyncMaxAge <= 0 {
		opts.SyncMaxAge = 5 * time.Second
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		opts:     opts,
		logger:   logging.OrNop(logger).Named("mt5"),
		sessions: map[string]Session{},
		pending:  map[string]*pending{},
	}
}

// EA side

func (b *Bridge) Register(connectCode, accountID, deviceID string) (Session, error) {
	if subtle.ConstantTimeCompare([]byte(connectCode), []byte(b.opts.ConnectCode)) != 1 {
		return Session{}, ErrInvalidConnectCode
	}
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(deviceID) == "" {
		return Session{}, ErrMissingIdentity
	}
	now := b.opts.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	for token, s := range b.sessions {
		if s.ExpiresAt.Before(now) {
			delete(b.sessions, token)
		}
	}
	session := Session{
		Token:     uuid.NewString(),
		AccountID: accountID,
		DeviceID:  deviceID,
		ExpiresAt: now.Add(b.opts.TokenTTL),
		Scopes:    []string{"trade:execute", "trade:read", "account:read"},
	}
	b.sessions[session.Token] = session
	b.lastSeen = now
	b.logger.Info("ea registered", zap.String("account_id", accountID), zap.String("device_id", deviceID))
	return session, nil
}

func (b *Bridge) ValidateSession(token string) (Session, error) {
	b.mu.Lock()
	session, ok := b.sessions[token]
	b.mu.Unlock()
	if !ok {
		return Session{}, ErrInvalidToken
	}
	if session.ExpiresAt.Before(b.opts.Now().UTC()) {
		return Session{}, ErrTokenExpired
	}
	return session, nil
}

func (b *Bridge) Heartbeat(_ Session) {
	b.mu.Lock()
	b.lastSeen = b.opts.Now()
	b.mu.Unlock()
}

// Sync stores the reported account state and returns the parsed view.
func (b *Bridge) Sync(_ Session, payload map[string]interface{}) Snapshot {
	snap := ParseSnapshot(payload)
	b.mu.Lock()
	b.snap = snap
	b.syncedAt = b.opts.Now()
	b.lastSeen = b.syncedAt
	b.mu.Unlock()
	return snap
}

// Next hands the oldest pickable command to the EA and marks it dispatched.
// Commands past their pickup deadline are left for the waiting caller to
// expire.
func (b *Bridge) Next(_ Session) (Command, bool) {
	now := b.opts.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now
	for _, id := range b.queue {
		p := b.pending[id]
		if p == nil || p.cmd.Status != StatusQueued || now.After(p.cmd.ExpiresAt) {
			continue
		}
		p.cmd.Status = StatusDispatched
		p.cmd.dispatchedAt = now
		return p.cmd, true
	}
	return Command{}, false
}

// Complete records the EA's result for a dispatched command.
func (b *Bridge) Complete(_ Session, res Result) (Command, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = b.opts.Now()
	p, ok := b.pending[res.CommandID]
	if !ok || p.cmd.Status != StatusDispatched {
		return Command{}, ErrUnknownCommand
	}
	if isSuccess(res) {
		p.cmd.Status = StatusDone
	} else {
		p.cmd.Status = StatusFailed
	}
	p.done <- res
	b.removeLocked(res.CommandID)
	return p.cmd, nil
}

// Adapter side

func (b *Bridge) Name() domain.Broker {
	return domain.BrokerMT5
}

// Connect has nothing to dial; the EA connects to the gateway.
func (b *Bridge) Connect(_ context.Context) error {
	return nil
}

func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.lastSeen.IsZero() && b.opts.Now().Sub(b.lastSeen) <= b.opts.HeartbeatTTL
}

func (b *Bridge) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.BrokerResult, error) {
	cmd := Command{
		Type:      CommandOpen,
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: string(req.Kind),
		Volume:    req.Quantity,
		Price:     req.LimitPrice,
		SL:        req.StopLoss,
		TP:        req.TakeProfit,
	}
	if req.IsPositionClose() {
		cmd.Type = CommandClose
		cmd.OrderType = string(domain.OrderMarket)
		cmd.Position = req.PositionID
		cmd.Price, cmd.SL, cmd.TP = 0, 0, 0
	}
	return b.execute(ctx, cmd)
}

func (b *Bridge) ClosePosition(ctx context.Context, aliases []string) (domain.BrokerResult, error) {
	return b.execute(ctx, Command{Type: CommandFlatten, Symbols: aliases})
}

func (b *Bridge) execute(ctx context.Context, cmd Command) (domain.BrokerResult, error) {
	if !b.IsConnected() {
		return domain.BrokerResult{}, domain.Transient(domain.BrokerMT5, "", "expert advisor not connected", domain.ErrNotConnected)
	}
	p := b.enqueue(cmd)
	log := b.logger.With(zap.String("command_id", p.cmd.ID), zap.String("type", string(cmd.Type)))
	log.Info("command queued", zap.String("symbol", cmd.Symbol), zap.Float64("volume", cmd.Volume))

	res, err := b.await(ctx, p)
	if err != nil {
		log.Warn("command not completed", zap.Error(err))
		return domain.BrokerResult{}, err
	}
	return classify(p.cmd, res)
}

func (b *Bridge) enqueue(cmd Command) *pending {
	now := b.opts.Now()
	cmd.ID = uuid.NewString()
	cmd.Status = StatusQueued
	cmd.CreatedAt = now.UTC()
	cmd.ExpiresAt = now.Add(b.opts.CommandTTL).UTC()
	p := &pending{cmd: cmd, done: make(chan Result, 1)}

	b.mu.Lock()
	b.pending[cmd.ID] = p
	b.queue = append(b.queue, cmd.ID)
	b.mu.Unlock()
	return p
}

// await blocks until the EA answers, the command expires, or ctx ends. A
// command that was never picked up is safe to retry; one that was picked up
// and never answered has an unknown outcome and must not be repeated.
func (b *Bridge) await(ctx context.Context, p *pending) (Result, error) {
	timer := time.NewTimer(b.opts.CommandTTL)
	defer timer.Stop()
	for {
		select {
		case res := <-p.done:
			return res, nil
		case <-ctx.Done():
			b.mu.Lock()
			status := p.cmd.Status
			if status == StatusQueued || status == StatusDispatched {
				p.cmd.Status = StatusExpired
				b.removeLocked(p.cmd.ID)
			}
			b.mu.Unlock()
			if status == StatusDone || status == StatusFailed {
				return <-p.done, nil
			}
			return Result{}, ctx.Err()
		case <-timer.C:
			b.mu.Lock()
			switch p.cmd.Status {
			case StatusQueued:
				p.cmd.Status = StatusExpired
				b.removeLocked(p.cmd.ID)
				b.mu.Unlock()
				return Result{}, domain.Transient(domain.BrokerMT5, "", "command expired before pickup", domain.ErrNoResponse)
			case StatusDispatched:
				deadline := p.cmd.dispatchedAt.Add(b.opts.ResultTTL)
				wait := deadline.Sub(b.opts.Now())
				if wait > 0 {
					b.mu.Unlock()
					timer.Reset(wait)
					continue
				}
				p.cmd.Status = StatusExpired
				b.removeLocked(p.cmd.ID)
				b.mu.Unlock()
				return Result{}, fmt.Errorf("mt5 command %s picked up but unanswered: %w", p.cmd.ID, domain.ErrRetriesExhausted)
			default:
				b.mu.Unlock()
				return <-p.done, nil
			}
		}
	}
}

// removeLocked must be called with mu held.
func (b *Bridge) removeLocked(id string) {
	delete(b.pending, id)
	for i, qid := range b.queue {
		if qid == id {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

func isSuccess(res Result) bool {
	if res.Retcode == 0 {
		return strings.EqualFold(res.Status, "SUCCESS")
	}
	return res.Retcode == RetcodeDone || res.Retcode == RetcodePlaced
}

func classify(cmd Command, res Result) (domain.BrokerResult, error) {
	if isSuccess(res) {
		return domain.BrokerResult{
			Broker:        domain.BrokerMT5,
			Status:        domain.StatusSuccess,
			OrderID:       res.Order.String(),
			ExpectedPrice: cmd.Price,
			ExecutedPrice: res.Price,
			Closed:        res.Closed,
			Detail:        res.Comment,
		}, nil
	}
	code := ""
	if res.Retcode != 0 {
		code = strconv.Itoa(res.Retcode)
	}
	msg := res.Comment
	if msg == "" {
		msg = res.Status
	}
	switch res.Retcode {
	case RetcodeTimeout, RetcodeConnection:
		return domain.BrokerResult{}, domain.Transient(domain.BrokerMT5, code, msg, nil)
	default:
		return domain.BrokerResult{}, domain.Fatal(domain.BrokerMT5, code, msg)
	}
}

func (b *Bridge) freshLocked() bool {
	return !b.syncedAt.IsZero() && b.opts.Now().Sub(b.syncedAt) <= b.opts.SyncMaxAge
}

func (b *Bridge) staleErr() error {
	return domain.Transient(domain.BrokerMT5, "", "no recent account sync", ErrStaleSnapshot)
}

func (b *Bridge) ListPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.freshLocked() {
		return nil, b.staleErr()
	}
	return append([]domain.Position(nil), b.snap.Positions...), nil
}

func (b *Bridge) Account(_ context.Context) (domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.freshLocked() {
		return domain.AccountInfo{}, b.staleErr()
	}
	return b.snap.Account, nil
}

func (b *Bridge) Quote(_ context.Context, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.freshLocked() {
		return domain.Quote{}, b.staleErr()
	}
	q, ok := b.snap.Quotes[strings.ToUpper(symbol)]
	if !ok {
		return domain.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

// SymbolSpec serves the last reported contract spec. Specs are static, so
// an old sync still counts.
func (b *Bridge) SymbolSpec(_ context.Context, symbol string) (domain.SymbolSpec, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.snap.Specs[strings.ToUpper(symbol)]
	if !ok {
		return domain.SymbolSpec{}, fmt.Errorf("no symbol spec for %s", symbol)
	}
	return spec, nil
}
