package store

import (
	"context"

	"tradegate/internal/domain"
)

// TradeStore is the append-only ledger backend. A filter limit <= 0 means
// no limit.
type TradeStore interface {
	SaveTrade(ctx context.Context, rec domain.TradeRecord) error
	ListTrades(ctx context.Context, filter domain.TradeFilter) ([]domain.TradeRecord, error)
	LastTrade(ctx context.Context) (domain.TradeRecord, bool, error)
}

// StateStore persists the operator pause flags and the scheduler watermark.
type StateStore interface {
	LoadPause(ctx context.Context) (domain.PauseState, error)
	SavePause(ctx context.Context, state domain.PauseState) error
	LoadSchedule(ctx context.Context) (domain.ScheduleState, error)
	SaveSchedule(ctx context.Context, state domain.ScheduleState) error
}

type EventStore interface {
	AppendEvent(ctx context.Context, event domain.Event) (domain.Event, error)
	ListEvents(ctx context.Context, limit int) ([]domain.Event, error)
}

// Store defines the runtime persistence contract used by the services and
// the HTTP layer.
type Store interface {
	TradeStore
	StateStore
	EventStore
	Close() error
}
