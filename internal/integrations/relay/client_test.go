package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tradegate/internal/domain"
)

func TestPublishRetriesAndSucceeds(t *testing.T) {
	var attempts int32
	var badHeader atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if r.Header.Get("X-Idempotency-Key") != "evt-1" || r.Header.Get("X-Event-Type") != "DispatchCompleted" {
			badHeader.Store(true)
		}
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream error"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, 3, 5*time.Millisecond, 20*time.Millisecond)
	err := client.Publish(context.Background(), domain.Event{
		ID:   "evt-1",
		Type: domain.EventDispatchCompleted,
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if badHeader.Load() {
		t.Fatal("missing idempotency or event type header")
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestPublishFailsAfterMaxRetries(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, 2, 5*time.Millisecond, 20*time.Millisecond)
	err := client.Publish(context.Background(), domain.Event{
		ID:   "evt-fail",
		Type: domain.EventCircuitOpened,
	})
	if err == nil {
		t.Fatalf("expected failure, got nil")
	}
	if atomic.LoadInt32(&attempts) != 3 { // initial + 2 retries
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestPublishDoesNotRetryClientError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, 3, 5*time.Millisecond, 20*time.Millisecond)
	if err := client.Publish(context.Background(), domain.Event{ID: "evt-400"}); err == nil {
		t.Fatal("expected failure, got nil")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestPublishDisabledIsNoop(t *testing.T) {
	if err := NewClient("", time.Second, 3, time.Millisecond, time.Millisecond).Publish(context.Background(), domain.Event{}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
