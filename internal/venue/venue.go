// Package venue defines the adapter contract the execution engine trades
// through, plus the shared plumbing every adapter needs: an error taxonomy
// the retry logic can classify with errors.Is/As, a token-bucket rate
// limiter, an HMAC request signer, a resty REST base client, a symbol-info
// cache, and a deterministic in-memory paper venue.
//
// Live venue adapters are built on RESTClient and translate venue payloads
// into pkg/types values; the engine itself only ever sees the Adapter
// interface.
package venue

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

// OrderRequest is everything a venue needs to submit one order. ClientID is
// the caller's idempotency key: resubmitting the same ClientID must return
// the original order, not place a second one.
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       types.Side
	Type       types.OrderType
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
}

// Adapter is one venue connection. All methods honor ctx cancellation and
// deadlines; callers bound every call with the configured venue timeout.
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (*types.VenueOrder, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	GetOrder(ctx context.Context, symbol, venueOrderID string) (*types.VenueOrder, error)
	GetBalance(ctx context.Context) (types.Balance, error)
	GetPositions(ctx context.Context) ([]types.VenuePosition, error)
	GetTicker(ctx context.Context, symbol string) (types.Ticker, error)
	GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error)
}

// Registry holds the configured adapters by venue name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a venue name, or ErrUnknownVenue.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownVenue)
	}
	return a, nil
}

// All returns every registered adapter in name order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
