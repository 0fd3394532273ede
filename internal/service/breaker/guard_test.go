package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradegate/internal/domain"
)

type scriptedAdapter struct {
	errs  []error
	calls int
}

func (a *scriptedAdapter) Name() domain.Broker { return domain.BrokerIBKR }
func (a *scriptedAdapter) Connect(context.Context) error { return nil }
func (a *scriptedAdapter) IsConnected() bool { return true }
func (a *scriptedAdapter) ClosePosition(context.Context, []string) (domain.BrokerResult, error) {
	return a.next()
}
func (a *scriptedAdapter) ListPositions(context.Context) ([]domain.Position, error) {
	_, err := a.next()
	return nil, err
}
func (a *scriptedAdapter) PlaceOrder(context.Context, domain.OrderRequest) (domain.BrokerResult, error) {
	return a.next()
}

func (a *scriptedAdapter) next() (domain.BrokerResult, error) {
	i := a.calls
	a.calls++
	if i < len(a.errs) && a.errs[i] != nil {
		return domain.BrokerResult{}, a.errs[i]
	}
	return domain.BrokerResult{Status: domain.StatusSuccess, OrderID: "ok"}, nil
}

func newTestGuard(inner *scriptedAdapter, maxFailures int) (*Guard, *[]time.Duration) {
	var slept []time.Duration
	policy := DefaultRetryPolicy()
	policy.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	b := New(Config{Broker: inner.Name(), MaxFailures: maxFailures}, nil)
	return NewGuard(inner, b, policy, nil), &slept
}

var errTransient = domain.Transient(domain.BrokerIBKR, "503", "gateway busy", nil)

func TestGuard_RetriesTransientThenSucceeds(t *testing.T) {
	inner := &scriptedAdapter{errs: []error{errTransient, errTransient}}
	g, slept := newTestGuard(inner, 3)
	res, err := g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ"})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if res.OrderID != "ok" || inner.calls != 3 {
		t.Fatalf("OrderID = %q calls = %d, want ok after 3 calls", res.OrderID, inner.calls)
	}
	if len(*slept) != 2 || (*slept)[0] != 100*time.Millisecond || (*slept)[1] != 300*time.Millisecond {
		t.Fatalf("backoff = %v, want [100ms 300ms]", *slept)
	}
}

func TestGuard_ExhaustedIsDistinctFromFatal(t *testing.T) {
	inner := &scriptedAdapter{errs: []error{errTransient, errTransient, errTransient}}
	g, _ := newTestGuard(inner, 3)
	_, err := g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ"})
	if !errors.Is(err, domain.ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if domain.KindOf(err) != domain.KindExhausted {
		t.Fatalf("KindOf = %v, want exhausted", domain.KindOf(err))
	}
	if got := g.Breaker().Status().ConsecutiveFailures; got != 1 {
		t.Fatalf("failures = %d, want 1 per logical call", got)
	}
}

func TestGuard_FatalReturnsImmediately(t *testing.T) {
	inner := &scriptedAdapter{errs: []error{domain.Fatal(domain.BrokerIBKR, "INVALID", "bad contract")}}
	g, slept := newTestGuard(inner, 3)
	_, err := g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ"})
	if !domain.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if inner.calls != 1 || len(*slept) != 0 {
		t.Fatalf("calls = %d slept = %v, want one call and no sleep", inner.calls, *slept)
	}
	if got := g.Breaker().Status().ConsecutiveFailures; got != 0 {
		t.Fatalf("failures = %d, want 0", got)
	}
}

func TestGuard_PositionCloseIsNotRetried(t *testing.T) {
	inner := &scriptedAdapter{errs: []error{errTransient}}
	g, _ := newTestGuard(inner, 3)
	_, err := g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "NQ", PositionID: "42"})
	if err == nil || inner.calls != 1 {
		t.Fatalf("err = %v calls = %d, want single failed call", err, inner.calls)
	}
}

func TestGuard_OpensAfterThreeFailedCalls(t *testing.T) {
	inner := &scriptedAdapter{errs: make([]error, 20)}
	for i := range inner.errs {
		inner.errs[i] = errTransient
	}
	g, _ := newTestGuard(inner, 3)
	for i := 0; i < 3; i++ {
		_, _ = g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ"})
	}
	before := inner.calls
	_, err := g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ"})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if inner.calls != before {
		t.Fatal("open breaker must not reach the adapter")
	}
	_, err = g.ClosePosition(context.Background(), nil)
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("ClosePosition err = %v, want ErrCircuitOpen", err)
	}
}

func TestGuard_UnknownOutcomeNotRetried(t *testing.T) {
	unknown := errors.Join(domain.ErrRetriesExhausted, errors.New("picked up, no result"))
	inner := &scriptedAdapter{errs: []error{unknown}}
	g, _ := newTestGuard(inner, 3)
	_, err := g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "NQ"})
	if !errors.Is(err, domain.ErrRetriesExhausted) || inner.calls != 1 {
		t.Fatalf("err = %v calls = %d, want unknown outcome after one call", err, inner.calls)
	}
}

// outageAdapter answers reads while every order fails transiently, as an EA
// that keeps syncing during a trade-server outage does.
type outageAdapter struct {
	scriptedAdapter
	reads int
}

func (a *outageAdapter) ListPositions(context.Context) ([]domain.Position, error) {
	a.reads++
	return []domain.Position{{Symbol: "NQ", Side: domain.SideBuy, Quantity: 1, ID: "1"}}, nil
}

func (a *outageAdapter) PlaceOrder(context.Context, domain.OrderRequest) (domain.BrokerResult, error) {
	a.calls++
	return domain.BrokerResult{}, errTransient
}

func TestGuard_SuccessfulReadsDoNotResetOrderFailures(t *testing.T) {
	inner := &outageAdapter{}
	b := New(Config{Broker: domain.BrokerMT5, MaxFailures: 3}, nil)
	policy := DefaultRetryPolicy()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	g := NewGuard(inner, b, policy, nil)

	for i := 0; i < 3; i++ {
		if _, err := g.ListPositions(context.Background()); err != nil {
			t.Fatalf("ListPositions error = %v", err)
		}
		_, _ = g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "NQ"})
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want OPEN after 3 failed orders", got)
	}
	if _, err := g.ListPositions(context.Background()); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("ListPositions on open breaker err = %v, want ErrCircuitOpen", err)
	}
	if inner.reads != 3 {
		t.Fatalf("reads = %d, want 3", inner.reads)
	}
}

func TestGuard_ReadDoesNotTakeHalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	inner := &scriptedAdapter{errs: []error{errTransient}}
	b := New(Config{Broker: domain.BrokerIBKR, MaxFailures: 1, Cooldown: time.Minute, Now: func() time.Time { return now }}, nil)
	g := NewGuard(inner, b, RetryPolicy{}, nil)

	_, _ = g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ"})
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}
	now = now.Add(2 * time.Minute)
	if _, err := g.ListPositions(context.Background()); err != nil {
		t.Fatalf("ListPositions after cooldown err = %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state after read = %v, want OPEN", b.State())
	}
	if _, err := g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MNQ"}); err != nil {
		t.Fatalf("probe order err = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after probe = %v, want CLOSED", b.State())
	}
}
