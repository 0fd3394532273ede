package pause

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tradegate/internal/domain"
	"tradegate/internal/logging"
	"tradegate/internal/store"
)

var ErrUnknownBroker = errors.New("unknown broker")

// EventSink receives operator-visible events.
type EventSink interface {
	Emit(ctx context.Context, event domain.Event)
}

// Controller owns the per-broker pause flags. Every dispatch reads a fresh
// snapshot from the store.
type Controller struct {
	mu     sync.RWMutex
	store  store.StateStore
	events EventSink
	logger *zap.Logger
}

func NewController(st store.StateStore, events EventSink, logger *zap.Logger) *Controller {
	return &Controller{store: st, events: events, logger: logging.OrNop(logger).Named("pause")}
}

func (c *Controller) Snapshot(ctx context.Context) (domain.PauseState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.LoadPause(ctx)
}

// Set persists the flag for one broker by name.
func (c *Controller) Set(ctx context.Context, name string, paused bool) (domain.PauseState, error) {
	b, ok := domain.ParseBroker(name)
	if !ok {
		return domain.PauseState{}, fmt.Errorf("%w: %q", ErrUnknownBroker, name)
	}

	c.mu.Lock()
	state, err := c.store.LoadPause(ctx)
	if err == nil {
		state = state.With(b, paused)
		err = c.store.SavePause(ctx, state)
	}
	c.mu.Unlock()
	if err != nil {
		return domain.PauseState{}, fmt.Errorf("persist pause: %w", err)
	}

	c.logger.Info("broker pause toggled", zap.String("broker", string(b)), zap.Bool("paused", paused))
	if c.events != nil {
		c.events.Emit(ctx, domain.Event{
			Broker:  string(b),
			Type:    domain.EventBrokerPaused,
			Payload: map[string]interface{}{"paused": paused},
		})
	}
	return state, nil
}
