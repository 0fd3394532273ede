package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestParseBroker(t *testing.T) {
	if b, ok := ParseBroker(" TopStep "); !ok || b != BrokerTopStep {
		t.Fatalf("ParseBroker(TopStep) = %q, %v", b, ok)
	}
	if _, ok := ParseBroker("binance"); ok {
		t.Fatalf("ParseBroker(binance) ok = true, want false")
	}
}

func TestPauseState_With(t *testing.T) {
	var p PauseState
	p = p.With(BrokerIBKR, true)
	if !p.Paused(BrokerIBKR) || p.Paused(BrokerMT5) || p.Paused(BrokerTopStep) {
		t.Fatalf("state = %+v, want only ibkr paused", p)
	}
	if p.With(BrokerIBKR, false).Paused(BrokerIBKR) {
		t.Fatalf("unpause did not clear ibkr")
	}
}

func TestAction(t *testing.T) {
	if !ActionExit.IsClose() || ActionBuy.IsClose() {
		t.Fatalf("IsClose mismatch")
	}
	if Action("HOLD").Valid() {
		t.Fatalf("HOLD is not a valid action")
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatalf("Opposite mismatch")
	}
}

func TestErrorClassification(t *testing.T) {
	net := errors.New("connection reset")
	cases := []struct {
		name      string
		err       error
		transient bool
		fatal     bool
		kind      ErrorKind
	}{
		{"plain error", net, true, false, KindTransient},
		{"transient adapter", Transient(BrokerIBKR, "503", "unavailable", net), true, false, KindTransient},
		{"fatal adapter", Fatal(BrokerTopStep, "2", "invalid contract"), false, true, KindFatal},
		{"wrapped fatal", fmt.Errorf("place: %w", Fatal(BrokerMT5, "10019", "no money")), false, true, KindFatal},
		{"circuit open", fmt.Errorf("mt5: %w", ErrCircuitOpen), false, false, KindCircuitOpen},
		{"exhausted", errors.Join(ErrRetriesExhausted, Transient(BrokerMT5, "", "timeout", nil)), false, false, KindExhausted},
		{"deadline", context.DeadlineExceeded, true, false, KindTimeout},
		{"validation", &ValidationError{Reason: "missing symbol"}, true, false, KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.transient {
				t.Fatalf("IsTransient = %v, want %v", got, tc.transient)
			}
			if got := IsFatal(tc.err); got != tc.fatal {
				t.Fatalf("IsFatal = %v, want %v", got, tc.fatal)
			}
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf = %q, want %q", got, tc.kind)
			}
		})
	}
}

func TestAdapterErrorMessage(t *testing.T) {
	err := Fatal(BrokerMT5, "10019", "not enough money")
	if got := err.Error(); got != "mt5 fatal error 10019: not enough money" {
		t.Fatalf("Error() = %q", got)
	}
	wrapped := Transient(BrokerIBKR, "", "", ErrNotConnected)
	if !errors.Is(wrapped, ErrNotConnected) {
		t.Fatalf("errors.Is(ErrNotConnected) = false")
	}
	if got := wrapped.Error(); got != "ibkr transient error: broker not connected" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestQuoteSpread(t *testing.T) {
	if got := (Quote{Bid: 100, Ask: 100.5}).Spread(); got != 0.5 {
		t.Fatalf("Spread() = %v, want 0.5", got)
	}
}
