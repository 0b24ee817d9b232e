package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

// Paper is the in-memory venue used in paper mode and by tests. Fills are
// deterministic and immediate: market orders fill at the current mark,
// limit orders at the limit price, stop orders at the stop price. The
// quote balance and the position book move with every fill, so paper runs
// produce a real equity curve.
type Paper struct {
	name       string
	marketType types.MarketType

	mu        sync.Mutex
	seq       int
	marks     map[string]decimal.Decimal
	symbols   map[string]types.SymbolInfo
	balance   types.Balance
	orders    map[string]*types.VenueOrder
	byClient  map[string]string
	positions map[string]*types.VenuePosition
	placeErrs []error
}

// NewPaper starts a paper venue with the given quote-currency balance.
func NewPaper(name string, marketType types.MarketType, startingBalance decimal.Decimal) *Paper {
	return &Paper{
		name:       name,
		marketType: marketType,
		marks:      make(map[string]decimal.Decimal),
		symbols:    make(map[string]types.SymbolInfo),
		balance:    types.Balance{Total: startingBalance, Available: startingBalance},
		orders:     make(map[string]*types.VenueOrder),
		byClient:   make(map[string]string),
		positions:  make(map[string]*types.VenuePosition),
	}
}

func (p *Paper) Name() string { return p.name }

// SetMark sets the price market orders fill at. The feed layer calls this
// on every tick in paper mode.
func (p *Paper) SetMark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

// AddSymbol registers tradable symbol metadata.
func (p *Paper) AddSymbol(info types.SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[info.Symbol] = info
}

// SeedPosition installs a position as if it had been opened elsewhere.
// Reconciliation tests use this to make the venue disagree with local state.
func (p *Paper) SeedPosition(pos types.VenuePosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos.Venue = p.name
	pos.MarketType = p.marketType
	p.positions[pos.Symbol] = &pos
}

// InjectPlaceError queues failures that the next PlaceOrder calls return,
// in order, before any order logic runs.
func (p *Paper) InjectPlaceError(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placeErrs = append(p.placeErrs, errs...)
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*types.VenueOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.placeErrs) > 0 {
		err := p.placeErrs[0]
		p.placeErrs = p.placeErrs[1:]
		return nil, err
	}

	// Idempotent on ClientID: a resubmit returns the original order.
	if id, ok := p.byClient[req.ClientID]; ok {
		return copyOrder(p.orders[id]), nil
	}

	if _, ok := p.symbols[req.Symbol]; !ok {
		return nil, fmt.Errorf("symbol %s: %w", req.Symbol, ErrInvalidOrder)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("quantity %s: %w", req.Quantity, ErrInvalidOrder)
	}

	price, err := p.fillPrice(req)
	if err != nil {
		return nil, err
	}

	cost := price.Mul(req.Quantity)
	if req.Side == types.BUY {
		if cost.GreaterThan(p.balance.Available) {
			return nil, fmt.Errorf("need %s, have %s: %w", cost, p.balance.Available, ErrInsufficientBalance)
		}
		p.balance.Available = p.balance.Available.Sub(cost)
		p.balance.Total = p.balance.Total.Sub(cost)
	} else {
		if p.marketType == types.MarketSpot && !p.canSell(req.Symbol, req.Quantity) {
			return nil, fmt.Errorf("sell %s %s without holdings: %w", req.Quantity, req.Symbol, ErrInsufficientBalance)
		}
		p.balance.Available = p.balance.Available.Add(cost)
		p.balance.Total = p.balance.Total.Add(cost)
	}
	p.applyFill(req, price)

	p.seq++
	order := &types.VenueOrder{
		VenueOrderID: fmt.Sprintf("%s-%06d", p.name, p.seq),
		ClientID:     req.ClientID,
		Symbol:       req.Symbol,
		State:        types.OrderFilled,
		FilledQty:    req.Quantity,
		AvgFillPrice: price,
		UpdatedAt:    time.Now().UTC(),
	}
	p.orders[order.VenueOrderID] = order
	p.byClient[req.ClientID] = order.VenueOrderID
	return copyOrder(order), nil
}

func (p *Paper) fillPrice(req OrderRequest) (decimal.Decimal, error) {
	switch req.Type {
	case types.OrderLimit:
		if !req.LimitPrice.IsPositive() {
			return decimal.Zero, fmt.Errorf("limit order without price: %w", ErrInvalidOrder)
		}
		return req.LimitPrice, nil
	case types.OrderStop:
		if !req.StopPrice.IsPositive() {
			return decimal.Zero, fmt.Errorf("stop order without price: %w", ErrInvalidOrder)
		}
		return req.StopPrice, nil
	default:
		mark, ok := p.marks[req.Symbol]
		if !ok {
			return decimal.Zero, fmt.Errorf("no mark price for %s: %w", req.Symbol, ErrTransient)
		}
		return mark, nil
	}
}

func (p *Paper) canSell(symbol string, qty decimal.Decimal) bool {
	pos, ok := p.positions[symbol]
	return ok && pos.Side == types.LONG && pos.Quantity.GreaterThanOrEqual(qty)
}

// applyFill nets the fill into the position book: same-direction fills
// average the entry, opposite-direction fills reduce and, on futures, flip
// through zero.
func (p *Paper) applyFill(req OrderRequest, price decimal.Decimal) {
	side := types.LONG
	if req.Side == types.SELL {
		side = types.SHORT
	}

	pos, ok := p.positions[req.Symbol]
	if !ok {
		if side == types.SHORT && p.marketType == types.MarketSpot {
			return
		}
		p.positions[req.Symbol] = &types.VenuePosition{
			Venue:      p.name,
			MarketType: p.marketType,
			Symbol:     req.Symbol,
			Side:       side,
			EntryPrice: price,
			Quantity:   req.Quantity,
		}
		return
	}

	if pos.Side == side {
		total := pos.Quantity.Add(req.Quantity)
		weighted := pos.EntryPrice.Mul(pos.Quantity).Add(price.Mul(req.Quantity))
		pos.EntryPrice = weighted.Div(total)
		pos.Quantity = total
		return
	}

	switch {
	case req.Quantity.LessThan(pos.Quantity):
		pos.Quantity = pos.Quantity.Sub(req.Quantity)
	case req.Quantity.Equal(pos.Quantity):
		delete(p.positions, req.Symbol)
	default:
		remainder := req.Quantity.Sub(pos.Quantity)
		delete(p.positions, req.Symbol)
		if p.marketType == types.MarketFutures {
			p.positions[req.Symbol] = &types.VenuePosition{
				Venue:      p.name,
				MarketType: p.marketType,
				Symbol:     req.Symbol,
				Side:       side,
				EntryPrice: price,
				Quantity:   remainder,
			}
		}
	}
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("%s: %w", venueOrderID, ErrOrderNotFound)
	}
	if order.State.IsTerminal() {
		return fmt.Errorf("%s already %s: %w", venueOrderID, order.State, ErrInvalidOrder)
	}
	order.State = types.OrderCancelled
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Paper) GetOrder(ctx context.Context, symbol, venueOrderID string) (*types.VenueOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[venueOrderID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", venueOrderID, ErrOrderNotFound)
	}
	return copyOrder(order), nil
}

func (p *Paper) GetBalance(ctx context.Context) (types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]types.VenuePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.VenuePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *Paper) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mark, ok := p.marks[symbol]
	if !ok {
		return types.Ticker{}, fmt.Errorf("no mark price for %s: %w", symbol, ErrTransient)
	}
	return types.Ticker{
		Symbol:    symbol,
		Last:      mark,
		Bid:       mark,
		Ask:       mark,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (p *Paper) GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, ok := p.symbols[symbol]
	if !ok {
		return types.SymbolInfo{}, fmt.Errorf("symbol %s: %w", symbol, ErrInvalidOrder)
	}
	return info, nil
}

func copyOrder(o *types.VenueOrder) *types.VenueOrder {
	c := *o
	return &c
}
