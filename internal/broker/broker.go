// Package broker defines the contract every execution backend implements.
package broker

import (
	"context"
	"strings"

	"tradegate/internal/domain"
)

// Adapter is one brokerage backend. ClosePosition with no aliases closes
// every open position.
type Adapter interface {
	Name() domain.Broker
	Connect(ctx context.Context) error
	IsConnected() bool
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.BrokerResult, error)
	ClosePosition(ctx context.Context, aliases []string) (domain.BrokerResult, error)
	ListPositions(ctx context.Context) ([]domain.Position, error)
}

// Snapshotter is implemented by adapters that can report account and quote
// state for the ledger.
type Snapshotter interface {
	Account(ctx context.Context) (domain.AccountInfo, error)
	Quote(ctx context.Context, symbol string) (domain.Quote, error)
}

// SpecProvider is implemented by adapters that expose contract specs, which
// equity based sizing needs.
type SpecProvider interface {
	SymbolSpec(ctx context.Context, symbol string) (domain.SymbolSpec, error)
}

// MatchesAlias reports whether symbol is one of aliases, ignoring case. An
// empty alias list matches everything.
func MatchesAlias(symbol string, aliases []string) bool {
	if len(aliases) == 0 {
		return true
	}
	for _, a := range aliases {
		if strings.EqualFold(a, symbol) {
			return true
		}
	}
	return false
}

// Unwrapper is implemented by decorators around an Adapter.
type Unwrapper interface {
	Unwrap() Adapter
}

// SnapshotterOf finds a Snapshotter on a, looking through decorators.
func SnapshotterOf(a Adapter) (Snapshotter, bool) {
	for a != nil {
		if s, ok := a.(Snapshotter); ok {
			return s, true
		}
		u, ok := a.(Unwrapper)
		if !ok {
			return nil, false
		}
		a = u.Unwrap()
	}
	return nil, false
}

// SpecProviderOf finds a SpecProvider on a, looking through decorators.
func SpecProviderOf(a Adapter) (SpecProvider, bool) {
	for a != nil {
		if s, ok := a.(SpecProvider); ok {
			return s, true
		}
		u, ok := a.(Unwrapper)
		if !ok {
			return nil, false
		}
		a = u.Unwrap()
	}
	return nil, false
}
