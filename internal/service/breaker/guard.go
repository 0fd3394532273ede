package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/logging"
)

type RetryPolicy struct {
	// Attempts counts the first call.
	Attempts int
	// Backoff[i] is the wait before attempt i+2; the last entry repeats.
	Backoff []time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff:  []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond},
	}
}

func (p RetryPolicy) delay(i int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Guard decorates an Adapter with the breaker and, for order placement,
// bounded retry of transient failures.
type Guard struct {
	inner   broker.Adapter
	breaker *Breaker
	retry   RetryPolicy
	logger  *zap.Logger
}

var _ broker.Adapter = (*Guard)(nil)

func NewGuard(inner broker.Adapter, b *Breaker, retry RetryPolicy, logger *zap.Logger) *Guard {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	if retry.Sleep == nil {
		retry.Sleep = sleepCtx
	}
	return &Guard{
		inner:   inner,
		breaker: b,
		retry:   retry,
		logger:  logging.OrNop(logger).Named("guard").With(zap.String("broker", string(inner.Name()))),
	}
}

func (g *Guard) Unwrap() broker.Adapter {
	return g.inner
}

func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

func (g *Guard) Name() domain.Broker {
	return g.inner.Name()
}

func (g *Guard) Connect(ctx context.Context) error {
	return g.inner.Connect(ctx)
}

func (g *Guard) IsConnected() bool {
	return g.inner.IsConnected()
}

func (g *Guard) open() error {
	return fmt.Errorf("%s: %w", g.inner.Name(), domain.ErrCircuitOpen)
}

// record applies one outcome of a logical call to the breaker.
func (g *Guard) record(err error) {
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case domain.IsFatal(err):
		g.breaker.RecordRejection()
	default:
		g.breaker.RecordFailure()
	}
}

func (g *Guard) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.BrokerResult, error) {
	if !g.breaker.Allow() {
		return domain.BrokerResult{}, g.open()
	}
	if req.IsPositionClose() {
		res, err := g.inner.PlaceOrder(ctx, req)
		g.record(err)
		return res, err
	}

	var (
		res     domain.BrokerResult
		lastErr error
		tries   int
	)
	for tries < g.retry.Attempts {
		if tries > 0 {
			if err := g.retry.Sleep(ctx, g.retry.delay(tries-1)); err != nil {
				break
			}
		}
		tries++
		res, lastErr = g.inner.PlaceOrder(ctx, req)
		if lastErr == nil {
			g.record(nil)
			return res, nil
		}
		if !domain.IsTransient(lastErr) {
			// fatal, or an outcome that must not be repeated
			g.record(lastErr)
			return res, lastErr
		}
		g.logger.Warn("transient order failure",
			zap.Int("attempt", tries),
			zap.Int("max_attempts", g.retry.Attempts),
			zap.Error(lastErr),
		)
	}
	g.breaker.RecordFailure()
	return res, fmt.Errorf("%s after %d attempts: %w", g.inner.Name(), tries, errors.Join(domain.ErrRetriesExhausted, lastErr))
}

func (g *Guard) ClosePosition(ctx context.Context, aliases []string) (domain.BrokerResult, error) {
	if !g.breaker.Allow() {
		return domain.BrokerResult{}, g.open()
	}
	res, err := g.inner.ClosePosition(ctx, aliases)
	g.record(err)
	return res, err
}

// ListPositions is a read and leaves the failure count alone: only order
// outcomes move the breaker.
func (g *Guard) ListPositions(ctx context.Context) ([]domain.Position, error) {
	if g.breaker.Blocked() {
		return nil, g.open()
	}
	return g.inner.ListPositions(ctx)
}
