package pause

import (
	"context"
	"errors"
	"testing"

	"tradegate/internal/domain"
	"tradegate/internal/store/memory"
)

type recordingSink struct {
	events []domain.Event
}

func (r *recordingSink) Emit(_ context.Context, e domain.Event) {
	r.events = append(r.events, e)
}

func TestSet_PersistsAndEmits(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	sink := &recordingSink{}
	c := NewController(st, sink, nil)

	state, err := c.Set(ctx, "MT5", true)
	if err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if !state.MT5 || state.IBKR || state.TopStep {
		t.Fatalf("state = %+v, want mt5 only", state)
	}
	persisted, _ := st.LoadPause(ctx)
	if persisted != state {
		t.Fatalf("persisted = %+v, want %+v", persisted, state)
	}
	if len(sink.events) != 1 || sink.events[0].Type != domain.EventBrokerPaused {
		t.Fatalf("events = %+v, want one BrokerPaused", sink.events)
	}
}

func TestSet_KeepsOtherFlags(t *testing.T) {
	ctx := context.Background()
	c := NewController(memory.NewStore(), nil, nil)
	_, _ = c.Set(ctx, "ibkr", true)
	_, _ = c.Set(ctx, "topstep", true)
	_, _ = c.Set(ctx, "ibkr", false)
	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if snap.IBKR || !snap.TopStep {
		t.Fatalf("snapshot = %+v, want topstep only", snap)
	}
}

func TestSet_UnknownBroker(t *testing.T) {
	c := NewController(memory.NewStore(), nil, nil)
	_, err := c.Set(context.Background(), "binance", true)
	if !errors.Is(err, ErrUnknownBroker) {
		t.Fatalf("err = %v, want ErrUnknownBroker", err)
	}
}
