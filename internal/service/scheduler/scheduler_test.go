package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/store/memory"
)

type countingCloser struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCloser) CloseAll(_ context.Context, brokers []domain.Broker) map[domain.Broker]domain.BrokerResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	out := map[domain.Broker]domain.BrokerResult{}
	for _, b := range brokers {
		out[b] = domain.BrokerResult{Broker: b, Status: domain.StatusSuccess}
	}
	return out
}

type sink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sink) Emit(_ context.Context, e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func newScheduler(t *testing.T, now *time.Time) (*Scheduler, *countingCloser, *sink, *memory.Store) {
	t.Helper()
	st := memory.NewStore()
	closer := &countingCloser{}
	events := &sink{}
	s := New(Options{
		Enabled:      true,
		ExitHour:     16,
		ExitMinute:   50,
		Catchup:      10 * time.Minute,
		Location:     newYork(t),
		SundayHour:   18,
		SundayMinute: 0,
		Now:          func() time.Time { return *now },
	}, st, closer, events, nil)
	return s, closer, events, st
}

func TestTick_FiresOncePerDay(t *testing.T) {
	loc := newYork(t)
	now := time.Date(2026, 3, 4, 16, 50, 5, 0, loc) // Wednesday
	s, closer, events, st := newScheduler(t, &now)

	fired, err := s.Tick(context.Background())
	if err != nil || !fired {
		t.Fatalf("first tick fired=%v err=%v, want true", fired, err)
	}
	now = now.Add(30 * time.Second)
	fired, _ = s.Tick(context.Background())
	if fired {
		t.Fatal("second tick on the same day fired again")
	}
	if closer.calls != 1 {
		t.Fatalf("close-all calls = %d, want 1", closer.calls)
	}
	state, _ := st.LoadSchedule(context.Background())
	if state.LastHardExitDate != "2026-03-04" {
		t.Fatalf("watermark = %q, want %q", state.LastHardExitDate, "2026-03-04")
	}
	if len(events.events) != 1 || events.events[0].Type != domain.EventHardExitFired {
		t.Fatalf("events = %+v", events.events)
	}
}

func TestTick_ConcurrentTicksFireOnce(t *testing.T) {
	loc := newYork(t)
	now := time.Date(2026, 3, 4, 16, 51, 0, 0, loc)
	s, closer, _, _ := newScheduler(t, &now)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Tick(context.Background())
		}()
	}
	wg.Wait()
	if closer.calls != 1 {
		t.Fatalf("close-all calls = %d, want 1", closer.calls)
	}
}

func TestShouldHardExit_Window(t *testing.T) {
	loc := newYork(t)
	now := time.Date(2026, 3, 4, 16, 49, 59, 0, loc)
	s, _, _, _ := newScheduler(t, &now)
	ctx := context.Background()

	if ok, _ := s.ShouldHardExit(ctx, now); ok {
		t.Fatal("fired before cutoff")
	}
	if ok, _ := s.ShouldHardExit(ctx, time.Date(2026, 3, 4, 16, 59, 59, 0, loc)); !ok {
		t.Fatal("did not fire inside catch-up window")
	}
	if ok, _ := s.ShouldHardExit(ctx, time.Date(2026, 3, 4, 17, 0, 0, 0, loc)); ok {
		t.Fatal("fired after catch-up window")
	}
}

func TestShouldHardExit_SkipsWeekend(t *testing.T) {
	loc := newYork(t)
	now := time.Date(2026, 3, 8, 16, 55, 0, 0, loc) // Sunday
	s, _, _, _ := newScheduler(t, &now)
	if ok, _ := s.ShouldHardExit(context.Background(), now); ok {
		t.Fatal("fired on Sunday")
	}
}

func TestShouldHardExit_WatermarkOnlyMovesForward(t *testing.T) {
	loc := newYork(t)
	now := time.Date(2026, 3, 4, 16, 55, 0, 0, loc)
	s, _, _, st := newScheduler(t, &now)
	_ = st.SaveSchedule(context.Background(), domain.ScheduleState{LastHardExitDate: "2026-03-05"})
	if ok, _ := s.ShouldHardExit(context.Background(), now); ok {
		t.Fatal("fired for a date at or before the watermark")
	}
}

func TestShouldHardExit_Disabled(t *testing.T) {
	loc := newYork(t)
	now := time.Date(2026, 3, 4, 16, 55, 0, 0, loc)
	s := New(Options{Enabled: false, ExitHour: 16, ExitMinute: 50, Location: loc}, memory.NewStore(), &countingCloser{}, nil, nil)
	if ok, _ := s.ShouldHardExit(context.Background(), now); ok {
		t.Fatal("disabled scheduler fired")
	}
}

func TestIsTradingDay(t *testing.T) {
	loc := newYork(t)
	now := time.Now()
	s, _, _, _ := newScheduler(t, &now)

	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 3, 4, 10, 0, 0, 0, loc), true},  // Wednesday
		{time.Date(2026, 3, 7, 10, 0, 0, 0, loc), false}, // Saturday
		{time.Date(2026, 3, 8, 17, 59, 0, 0, loc), false},
		{time.Date(2026, 3, 8, 18, 0, 0, 0, loc), true},
	}
	for _, c := range cases {
		if got := s.IsTradingDay(c.at); got != c.want {
			t.Fatalf("IsTradingDay(%v) = %v, want %v", c.at, got, c.want)
		}
	}
}
