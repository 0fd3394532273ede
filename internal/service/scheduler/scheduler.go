// Package scheduler flattens every broker once per trading day at the
// configured cutoff.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/logging"
	"tradegate/internal/store"
)

const dateLayout = "2006-01-02"

// Closer flattens the given brokers. Each broker is handled independently.
type Closer interface {
	CloseAll(ctx context.Context, brokers []domain.Broker) map[domain.Broker]domain.BrokerResult
}

type EventSink interface {
	Emit(ctx context.Context, event domain.Event)
}

type Options struct {
	Enabled    bool
	ExitHour   int
	ExitMinute int
	Days       map[time.Weekday]bool
	// Catchup is the width of the trigger window after the cutoff.
	Catchup      time.Duration
	Location     *time.Location
	SundayHour   int
	SundayMinute int
	Poll         time.Duration
	Brokers      []domain.Broker
	Now          func() time.Time
}

// OptionsFromConfig resolves the hard-exit settings.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	h, m, err := config.ParseClock(cfg.HardExitTime)
	if err != nil {
		return Options{}, fmt.Errorf("hard_exit_time: %w", err)
	}
	sh, sm, err := config.ParseClock(cfg.SundaySessionStart)
	if err != nil {
		return Options{}, fmt.Errorf("sunday_session_start: %w", err)
	}
	days, err := config.ParseWeekdays(cfg.HardExitDays)
	if err != nil {
		return Options{}, fmt.Errorf("hard_exit_days: %w", err)
	}
	loc, err := time.LoadLocation(cfg.TradingTimezone)
	if err != nil {
		return Options{}, fmt.Errorf("trading_timezone: %w", err)
	}
	var brokers []domain.Broker
	for _, b := range domain.Brokers {
		if s, ok := cfg.Brokers.Get(b); ok && s.Enabled {
			brokers = append(brokers, b)
		}
	}
	return Options{
		Enabled:      cfg.HardExitEnabled,
		ExitHour:     h,
		ExitMinute:   m,
		Days:         days,
		Catchup:      cfg.HardExitCatchup,
		Location:     loc,
		SundayHour:   sh,
		SundayMinute: sm,
		Poll:         cfg.SchedulerPoll,
		Brokers:      brokers,
	}, nil
}

type Scheduler struct {
	opts   Options
	store  store.StateStore
	closer Closer
	events EventSink
	logger *zap.Logger

	mu sync.Mutex
}

func New(opts Options, st store.StateStore, closer Closer, events EventSink, logger *zap.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Catchup <= 0 {
		opts.Catchup = time.Minute
	}
	if opts.Poll <= 0 {
		opts.Poll = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Days) == 0 {
		opts.Days = map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true, time.Thursday: true, time.Friday: true,
		}
	}
	if opts.Brokers == nil {
		opts.Brokers = domain.Brokers
	}
	return &Scheduler{
		opts:   opts,
		store:  st,
		closer: closer,
		events: events,
		logger: logging.OrNop(logger).Named("scheduler"),
	}
}

// IsTradingDay reports whether now falls on a configured session day, or on
// Sunday after the evening session opens.
func (s *Scheduler) IsTradingDay(now time.Time) bool {
	local := now.In(s.opts.Location)
	if s.opts.Days[local.Weekday()] {
		return true
	}
	if local.Weekday() == time.Sunday {
		start := time.Date(local.Year(), local.Month(), local.Day(), s.opts.SundayHour, s.opts.SundayMinute, 0, 0, s.opts.Location)
		return !local.Before(start)
	}
	return false
}

// ShouldHardExit reports whether a flatten is due at now given the persisted
// watermark.
func (s *Scheduler) ShouldHardExit(ctx context.Context, now time.Time) (bool, error) {
	state, err := s.store.LoadSchedule(ctx)
	if err != nil {
		return false, err
	}
	return s.due(now, state), nil
}

func (s *Scheduler) due(now time.Time, state domain.ScheduleState) bool {
	if !s.opts.Enabled {
		return false
	}
	local := now.In(s.opts.Location)
	if !s.opts.Days[local.Weekday()] {
		return false
	}
	today := local.Format(dateLayout)
	// dates compare lexically; the watermark never moves backwards
	if state.LastHardExitDate >= today {
		return false
	}
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), s.opts.ExitHour, s.opts.ExitMinute, 0, 0, s.opts.Location)
	return !local.Before(cutoff) && local.Before(cutoff.Add(s.opts.Catchup))
}

// Tick runs one check-and-fire cycle. Concurrent ticks are serialized.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	state, err := s.store.LoadSchedule(ctx)
	if err != nil {
		return false, fmt.Errorf("load schedule: %w", err)
	}
	if !s.due(now, state) {
		return false, nil
	}

	today := now.In(s.opts.Location).Format(dateLayout)
	s.logger.Warn("hard exit triggered", zap.String("date", today), zap.Int("brokers", len(s.opts.Brokers)))
	results := s.closer.CloseAll(ctx, s.opts.Brokers)

	if err := s.store.SaveSchedule(ctx, domain.ScheduleState{LastHardExitDate: today}); err != nil {
		return true, fmt.Errorf("save schedule: %w", err)
	}

	payload := map[string]interface{}{"date": today}
	summary := map[string]interface{}{}
	for b, r := range results {
		summary[string(b)] = map[string]interface{}{"status": r.Status, "closed": r.Closed, "detail": r.Detail}
		if !r.OK() {
			s.logger.Error("hard exit close failed", zap.String("broker", string(b)), zap.String("detail", r.Detail))
		}
	}
	payload["results"] = summary
	if s.events != nil {
		s.events.Emit(ctx, domain.Event{Type: domain.EventHardExitFired, Payload: payload})
	}
	return true, nil
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Poll)
	defer ticker.Stop()
	s.logger.Info("scheduler started",
		zap.Bool("enabled", s.opts.Enabled),
		zap.String("cutoff", fmt.Sprintf("%02d:%02d", s.opts.ExitHour, s.opts.ExitMinute)),
		zap.String("timezone", s.opts.Location.String()),
	)
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
