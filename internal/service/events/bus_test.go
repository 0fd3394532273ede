package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"tradegate/internal/domain"
	"tradegate/internal/store/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	texts  []string
	err    error
}

func (r *recorder) Publish(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

type streamRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (s *streamRecorder) Publish(kind string, _ interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
}

func TestEmit_StoresAndFansOut(t *testing.T) {
	st := memory.NewStore()
	relay := &recorder{}
	alerts := &recorder{}
	stream := &streamRecorder{}
	bus := NewBus(st, Options{Relay: relay, Stream: stream, Notifiers: []Notifier{alerts}}, nil)

	bus.Emit(context.Background(), domain.Event{
		Broker:  "ibkr",
		Type:    domain.EventCircuitOpened,
		Payload: map[string]interface{}{"reason": "consecutive failures reached threshold"},
	})
	bus.Wait()

	stored, _ := st.ListEvents(context.Background(), 10)
	if len(stored) != 1 || stored[0].ID == "" {
		t.Fatalf("stored = %+v", stored)
	}
	if len(relay.events) != 1 || relay.events[0].ID != stored[0].ID {
		t.Fatalf("relayed = %+v", relay.events)
	}
	if len(stream.kinds) != 1 || stream.kinds[0] != "event" {
		t.Fatalf("stream kinds = %v", stream.kinds)
	}
	if len(alerts.texts) != 1 || !strings.Contains(alerts.texts[0], "ibkr") {
		t.Fatalf("alerts = %v", alerts.texts)
	}
}

func TestEmit_RelayFailureIsNotFatal(t *testing.T) {
	st := memory.NewStore()
	bus := NewBus(st, Options{Relay: &recorder{err: errors.New("down")}}, nil)
	bus.Emit(context.Background(), domain.Event{Type: domain.EventSignalRejected})
	bus.Wait()
	stored, _ := st.ListEvents(context.Background(), 10)
	if len(stored) != 1 {
		t.Fatalf("stored = %d, want 1", len(stored))
	}
}

func TestEmit_SuccessfulDispatchDoesNotAlert(t *testing.T) {
	alerts := &recorder{}
	bus := NewBus(memory.NewStore(), Options{Notifiers: []Notifier{alerts}}, nil)
	bus.Emit(context.Background(), domain.Event{
		Type:    domain.EventDispatchCompleted,
		Payload: map[string]interface{}{"status": "success"},
	})
	bus.Wait()
	if len(alerts.texts) != 0 {
		t.Fatalf("alerts = %v, want none", alerts.texts)
	}
}
