package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/domain"
	"tradegate/internal/logging"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition is reported to the OnTransition hook after the lock is released.
type Transition struct {
	Broker   domain.Broker
	From     State
	To       State
	Failures int
	Reason   string
}

type Config struct {
	Broker      domain.Broker
	MaxFailures int
	// Cooldown > 0 admits a single half-open probe once it has elapsed.
	// Zero keeps the breaker open until Reset.
	Cooldown     time.Duration
	Now          func() time.Time
	OnTransition func(Transition)
}

// Status is the monitoring view of a breaker.
type Status struct {
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// Breaker counts consecutive failed calls for one adapter. Safe for
// concurrent use.
type Breaker struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("breaker").With(zap.String("broker", string(cfg.Broker))),
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	var tr *Transition
	defer func() { b.notify(tr) }()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.cfg.Cooldown <= 0 || b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		tr = b.move(StateHalfOpen, "cooldown elapsed")
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Blocked reports whether the breaker is open and still cooling down. It
// changes no state, so reads can consult it without taking the half-open
// probe.
func (b *Breaker) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return false
	}
	return b.cfg.Cooldown <= 0 || b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown
}

func (b *Breaker) RecordSuccess() {
	var tr *Transition
	defer func() { b.notify(tr) }()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.probing = false
		tr = b.move(StateClosed, "probe succeeded")
	}
}

func (b *Breaker) RecordFailure() {
	var tr *Transition
	defer func() { b.notify(tr) }()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.cfg.Now()
			tr = b.move(StateOpen, "consecutive failures reached threshold")
		}
	case StateHalfOpen:
		b.probing = false
		b.openedAt = b.cfg.Now()
		tr = b.move(StateOpen, "probe failed")
	}
}

// RecordRejection notes a semantic rejection. The broker answered, so the
// failure count is left alone; a half-open probe that gets an answer closes.
func (b *Breaker) RecordRejection() {
	var tr *Transition
	defer func() { b.notify(tr) }()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
		b.failures = 0
		tr = b.move(StateClosed, "probe answered")
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	var tr *Transition
	defer func() { b.notify(tr) }()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		tr = b.move(StateClosed, "operator reset")
	}
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{State: b.state, ConsecutiveFailures: b.failures}
	if b.state != StateClosed {
		at := b.openedAt
		st.OpenedAt = &at
	}
	return st
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// move must be called with mu held.
func (b *Breaker) move(to State, reason string) *Transition {
	tr := &Transition{Broker: b.cfg.Broker, From: b.state, To: to, Failures: b.failures, Reason: reason}
	b.state = to
	return tr
}

func (b *Breaker) notify(tr *Transition) {
	if tr == nil {
		return
	}
	fields := []zap.Field{
		zap.Stringer("from", tr.From),
		zap.Stringer("to", tr.To),
		zap.Int("failures", tr.Failures),
		zap.String("reason", tr.Reason),
	}
	if tr.To == StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
	} else {
		b.logger.Info("circuit breaker transition", fields...)
	}
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(*tr)
	}
}
