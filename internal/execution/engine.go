// Package execution turns trade signals into venue orders and close
// requests into flattening orders. Every intent runs a short-circuiting
// pipeline (validate, size, place, reconcile) on its own goroutine, since
// placement retries and fill polling sleep and must not stall the bus.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowtrader/internal/bus"
	"flowtrader/internal/config"
	"flowtrader/internal/store"
	"flowtrader/internal/venue"
	"flowtrader/pkg/types"
)

// PositionCounter reports how many positions are open right now; the
// position monitor implements it and the risk sizer enforces the cap
// against it.
type PositionCounter interface {
	OpenCount() int
}

// Engine owns the order lifecycle between a signal and an open position.
type Engine struct {
	cfg       config.ExecutionConfig
	bus       *bus.Bus
	venues    *venue.Registry
	store     *store.Store
	orders    *Manager
	positions PositionCounter
	classes   map[types.PairKey]types.AssetClass
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []int
}

// New wires the engine. st may be nil when fills should not be persisted.
func New(cfg config.ExecutionConfig, b *bus.Bus, venues *venue.Registry, st *store.Store, positions PositionCounter, watchlist []config.SymbolConfig, logger *slog.Logger) *Engine {
	classes := make(map[types.PairKey]types.AssetClass, len(watchlist))
	for _, s := range watchlist {
		classes[s.Pair()] = s.Class()
	}
	return &Engine{
		cfg:       cfg,
		bus:       b,
		venues:    venues,
		store:     st,
		orders:    NewManager(cfg.ClosedOrderRetention),
		positions: positions,
		classes:   classes,
		inFlight:  make(map[string]struct{}),
		logger:    logger.With("component", "execution"),
	}
}

func (e *Engine) Name() string { return "execution" }

// Orders exposes the order book for the status surface.
func (e *Engine) Orders() *Manager { return e.orders }

func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runCtx, e.cancel = runCtx, cancel

	e.subs = append(e.subs,
		e.bus.Subscribe(bus.EventSignalGenerated, "execution", e.onSignal),
		e.bus.Subscribe(bus.EventPositionCloseRequested, "execution", e.onCloseRequest),
	)
	e.logger.Info("execution engine started",
		"max_positions", e.cfg.MaxConcurrentPositions,
		"size_pct", e.cfg.DefaultPositionSizePct,
		"venues", len(e.venues.All()))
	return nil
}

// Stop lets in-flight pipelines finish until ctx expires, then abandons
// them; their sleeps and venue calls all watch the run context.
func (e *Engine) Stop(ctx context.Context) error {
	for _, id := range e.subs {
		e.bus.Unsubscribe(id)
	}
	e.subs = nil

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
	e.cancel()
	e.logger.Info("execution engine stopped")
	return nil
}

func (e *Engine) onSignal(ctx context.Context, ev bus.Event) error {
	sig, ok := ev.Data.(types.TradeSignal)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	if !e.claim("sig-" + sig.ID) {
		return nil
	}
	e.wg.Add(1)
	go e.processEntry(e.runCtx, sig)
	return nil
}

func (e *Engine) onCloseRequest(ctx context.Context, ev bus.Event) error {
	req, ok := ev.Data.(bus.ClosePayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	if !e.claim("cls-" + req.PositionID) {
		return nil
	}
	e.wg.Add(1)
	go e.processClose(e.runCtx, req)
	return nil
}

func (e *Engine) processEntry(ctx context.Context, sig types.TradeSignal) {
	defer e.wg.Done()
	defer e.release("sig-" + sig.ID)

	ec := &ExecutionContext{
		Signal:   &sig,
		Pair:     types.PairKey{Venue: sig.Venue, MarketType: sig.MarketType, Symbol: sig.Symbol},
		ClientID: "sig-" + sig.ID,
	}
	if err := e.runPipeline(ctx, ec, e.entryStages()); err != nil {
		e.failIntent(ctx, ec, err)
		return
	}

	reason := ""
	if ec.SlippageExcess {
		reason = "slippage_excess"
	}
	e.publishOrder(ctx, bus.EventOrderFilled, ec.Order, reason, "")
	e.recordTrade(ctx, ec)

	pos := types.Position{
		ID:         uuid.NewString(),
		Venue:      sig.Venue,
		MarketType: sig.MarketType,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		AssetClass: e.classOf(ec.Pair),
		EntryPrice: ec.Order.AvgFillPrice,
		Quantity:   ec.Order.FilledQty,
		EntryTime:  time.Now().UTC(),
		State:      types.PositionOpen,
		Source:     types.SourceLive,
	}
	if err := e.bus.Publish(ctx, bus.NewEvent(bus.EventPositionOpened, bus.PositionPayload{Position: pos})); err != nil {
		e.logger.Error("publish position opened", "position_id", pos.ID, "error", err)
	}
	e.logger.Info("entry filled",
		"symbol", sig.Symbol, "side", sig.Side, "qty", ec.Order.FilledQty,
		"price", ec.Order.AvgFillPrice, "confluence", sig.ConfluenceScore)
}

func (e *Engine) processClose(ctx context.Context, req bus.ClosePayload) {
	defer e.wg.Done()
	defer e.release("cls-" + req.PositionID)

	ec := &ExecutionContext{
		Close:    &req,
		Pair:     req.Pair,
		ClientID: fmt.Sprintf("cls-%s-%s", req.PositionID, uuid.NewString()[:8]),
	}
	if err := e.runPipeline(ctx, ec, e.closeStages()); err != nil {
		e.failIntent(ctx, ec, err)
		return
	}

	e.publishOrder(ctx, bus.EventOrderFilled, ec.Order, string(req.Reason), req.PositionID)
	e.recordTrade(ctx, ec)
	e.logger.Info("position flattened",
		"position_id", req.PositionID, "reason", req.Reason,
		"qty", ec.Order.FilledQty, "price", ec.Order.AvgFillPrice)
}

// failIntent reports a pipeline failure on the bus. The stage tag becomes
// the event reason; detail lives on the order's LastError.
func (e *Engine) failIntent(ctx context.Context, ec *ExecutionContext, err error) {
	reason := "internal"
	var se *stageError
	if errors.As(err, &se) {
		reason = se.stage
	}

	order := ec.Order
	if order.ID == "" {
		// Failed before any order existed; synthesize one so subscribers
		// still see what was asked for.
		now := time.Now().UTC()
		order = types.Order{
			ID:         uuid.NewString(),
			ClientID:   ec.ClientID,
			Venue:      ec.Pair.Venue,
			MarketType: ec.Pair.MarketType,
			Symbol:     ec.Pair.Symbol,
			Side:       ec.Side,
			Type:       types.OrderMarket,
			Quantity:   ec.Quantity,
			State:      types.OrderRejected,
			LastError:  err.Error(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	evType := bus.EventOrderFailed
	if order.State == types.OrderCancelled {
		evType = bus.EventOrderCancelled
	}
	e.publishOrder(ctx, evType, order, reason, positionIDOf(ec))
	e.logger.Warn("order intent failed", "client_id", ec.ClientID, "reason", reason, "error", err)
}

func (e *Engine) publishOrder(ctx context.Context, t bus.EventType, order types.Order, reason, positionID string) {
	ev := bus.NewEvent(t, bus.OrderPayload{Order: order, Reason: reason, PositionID: positionID})
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error("publish order event", "type", t, "client_id", order.ClientID, "error", err)
	}
}

// recordTrade persists the fill; events have already published, so a
// storage failure only logs.
func (e *Engine) recordTrade(ctx context.Context, ec *ExecutionContext) {
	if e.store == nil {
		return
	}
	db, err := e.store.Acquire(ec.Pair)
	if err != nil {
		e.logger.Error("acquire pair db", "pair", ec.Pair, "error", err)
		return
	}
	defer e.store.Release(db)

	o := ec.Order
	if err := db.InsertTrade(ctx, uuid.NewString(), o.ID, o.ClientID, o.Side, o.FilledQty, o.AvgFillPrice, o.UpdatedAt); err != nil {
		e.logger.Error("persist trade", "order_id", o.ID, "error", err)
	}
}

func (e *Engine) venueCall(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.VenueCallTimeout)
	defer cancel()
	return fn(callCtx)
}

func (e *Engine) classOf(pair types.PairKey) types.AssetClass {
	if class, ok := e.classes[pair]; ok {
		return class
	}
	return types.AssetRegular
}

func (e *Engine) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[key]; ok {
		return false
	}
	e.inFlight[key] = struct{}{}
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}

func positionIDOf(ec *ExecutionContext) string {
	if ec.Close != nil {
		return ec.Close.PositionID
	}
	return ""
}
