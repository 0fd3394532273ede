// Package events records audit events and fans them out to the relay
// webhook, the live stream and the alert channels.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/domain"
	"tradegate/internal/logging"
	"tradegate/internal/store"
)

type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

type Broadcaster interface {
	Publish(kind string, data interface{})
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type Options struct {
	Relay        Publisher
	Stream       Broadcaster
	Notifiers    []Notifier
	RelayTimeout time.Duration
}

// Bus implements pause.EventSink and the other emitters' sinks. Outbound
// deliveries run in the background; Wait blocks until they finish.
type Bus struct {
	store  store.EventStore
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewBus(st store.EventStore, opts Options, logger *zap.Logger) *Bus {
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = 5 * time.Second
	}
	return &Bus{store: st, opts: opts, logger: logging.OrNop(logger).Named("events")}
}

// Emit persists the event and hands it to every outbound channel.
func (b *Bus) Emit(ctx context.Context, event domain.Event) {
	if event.Payload == nil {
		event.Payload = map[string]interface{}{}
	}
	stored, err := b.store.AppendEvent(ctx, event)
	if err != nil {
		b.logger.Error("persist event", zap.String("event_type", string(event.Type)), zap.Error(err))
		return
	}
	if b.opts.Stream != nil {
		b.opts.Stream.Publish("event", stored)
	}
	if b.opts.Relay != nil {
		b.wg.Add(1)
		go func(evt domain.Event) {
			defer b.wg.Done()
			rctx, cancel := context.WithTimeout(context.Background(), b.opts.RelayTimeout)
			defer cancel()
			if err := b.opts.Relay.Publish(rctx, evt); err != nil {
				b.logger.Warn("relay event", zap.String("event_id", evt.ID), zap.Error(err))
			}
		}(stored)
	}
	if text := alertText(stored); text != "" {
		b.Alert(text)
	}
}

// Alert sends text to every configured notifier.
func (b *Bus) Alert(text string) {
	for _, n := range b.opts.Notifiers {
		b.wg.Add(1)
		go func(n Notifier) {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.RelayTimeout)
			defer cancel()
			if err := n.Notify(ctx, text); err != nil {
				b.logger.Warn("alert delivery failed", zap.Error(err))
			}
		}(n)
	}
}

// Stream forwards a non-event message, such as a dispatch outcome, to the
// live stream only.
func (b *Bus) Stream(kind string, data interface{}) {
	if b.opts.Stream != nil {
		b.opts.Stream.Publish(kind, data)
	}
}

func (b *Bus) Wait() {
	b.wg.Wait()
}

func alertText(e domain.Event) string {
	switch e.Type {
	case domain.EventCircuitOpened:
		return fmt.Sprintf("Circuit breaker opened for %s: %v", e.Broker, e.Payload["reason"])
	case domain.EventHardExitFired:
		return fmt.Sprintf("Hard exit fired for %v", e.Payload["date"])
	case domain.EventBrokerPaused:
		if paused, _ := e.Payload["paused"].(bool); paused {
			return fmt.Sprintf("%s paused: new orders are blocked.", e.Broker)
		}
		return fmt.Sprintf("%s resumed.", e.Broker)
	case domain.EventCloseAllRequested:
		return fmt.Sprintf("Close-all requested for %v", e.Payload["platform"])
	case domain.EventDispatchCompleted:
		if st, _ := e.Payload["status"].(string); st == "failed" || st == "partial" {
			return fmt.Sprintf("Dispatch %v %s %v: %s", e.Payload["action"], e.Payload["symbol"], e.Payload["dispatch_id"], st)
		}
	}
	return ""
}
