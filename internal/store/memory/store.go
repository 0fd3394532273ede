package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	pause    domain.PauseState
	schedule domain.ScheduleState

	trades []domain.TradeRecord
	events []domain.Event
}

func NewStore() *Store {
	return &Store{
		trades: make([]domain.TradeRecord, 0, 256),
		events: make([]domain.Event, 0, 256),
	}
}

func (s *Store) SaveTrade(_ context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.trades = append(s.trades, rec)
	return nil
}

// ListTrades returns matching rows newest first.
func (s *Store) ListTrades(_ context.Context, filter domain.TradeFilter) ([]domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TradeRecord, 0)
	for i := len(s.trades) - 1; i >= 0; i-- {
		rec := s.trades[i]
		if !matches(rec, filter) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LastTrade(_ context.Context) (domain.TradeRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.trades) == 0 {
		return domain.TradeRecord{}, false, nil
	}
	return s.trades[len(s.trades)-1], true, nil
}

func matches(rec domain.TradeRecord, filter domain.TradeFilter) bool {
	if filter.Platform != "" && rec.Platform != filter.Platform {
		return false
	}
	if !filter.Start.IsZero() && rec.Timestamp.Before(filter.Start) {
		return false
	}
	if !filter.End.IsZero() && !rec.Timestamp.Before(filter.End) {
		return false
	}
	return true
}

func (s *Store) LoadPause(_ context.Context) (domain.PauseState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pause, nil
}

func (s *Store) SavePause(_ context.Context, state domain.PauseState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pause = state
	return nil
}

func (s *Store) LoadSchedule(_ context.Context) (domain.ScheduleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedule, nil
}

func (s *Store) SaveSchedule(_ context.Context, state domain.ScheduleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = state
	return nil
}

func (s *Store) AppendEvent(_ context.Context, event domain.Event) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, event)
	return event, nil
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	if len(s.events) == 0 {
		return []domain.Event{}, nil
	}
	start := max(len(s.events)-limit, 0)
	out := slices.Clone(s.events[start:])
	slices.Reverse(out)
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
