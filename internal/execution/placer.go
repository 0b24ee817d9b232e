package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowtrader/internal/bus"
	"flowtrader/internal/venue"
	"flowtrader/pkg/types"
)

// place submits the order with bounded retries. Transient and rate-limit
// failures back off exponentially with jitter, honoring the venue's
// Retry-After when it sends one; structural rejections stop immediately.
func (e *Engine) place(ctx context.Context, ec *ExecutionContext) error {
	order := types.Order{
		ID:         uuid.NewString(),
		ClientID:   ec.ClientID,
		Venue:      ec.Pair.Venue,
		MarketType: ec.Pair.MarketType,
		Symbol:     ec.Pair.Symbol,
		Side:       ec.Side,
		Type:       types.OrderMarket,
		Quantity:   ec.Quantity,
		State:      types.OrderPending,
	}
	tracked, created := e.orders.Track(order)
	ec.Order = tracked
	if !created {
		return fmt.Errorf("client id %s already tracked in state %s", ec.ClientID, tracked.State)
	}

	req := venue.OrderRequest{
		ClientID: ec.ClientID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Type:     order.Type,
		Quantity: order.Quantity,
	}
	vo, attempts, lastErr := e.placeWithRetry(ctx, ec.Adapter, req)

	if lastErr != nil {
		state := types.OrderFailed
		if errors.Is(lastErr, venue.ErrInvalidOrder) || errors.Is(lastErr, venue.ErrInsufficientBalance) {
			state = types.OrderRejected
		}
		if failed, err := e.orders.Update(ec.ClientID, state, func(o *types.Order) {
			o.RetryCount = attempts - 1
			o.LastError = lastErr.Error()
		}); err == nil {
			ec.Order = failed
		}
		return lastErr
	}

	submitted, err := e.orders.Update(ec.ClientID, types.OrderSubmitted, func(o *types.Order) {
		o.VenueOrderID = vo.VenueOrderID
		o.RetryCount = attempts - 1
	})
	if err != nil {
		return err
	}
	ec.Order = submitted
	e.publishOrder(ctx, bus.EventOrderPlaced, submitted, "", positionIDOf(ec))
	e.logger.Info("order submitted",
		"client_id", ec.ClientID, "venue_order_id", vo.VenueOrderID,
		"symbol", order.Symbol, "side", order.Side, "qty", order.Quantity)
	return nil
}

func (e *Engine) placeWithRetry(ctx context.Context, adapter venue.Adapter, req venue.OrderRequest) (*types.VenueOrder, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.backoff(attempt, lastErr)
			e.logger.Warn("retrying placement",
				"client_id", req.ClientID, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			}
		}
		attempts = attempt + 1

		var vo *types.VenueOrder
		err := e.venueCall(ctx, func(callCtx context.Context) error {
			var err error
			vo, err = adapter.PlaceOrder(callCtx, req)
			return err
		})
		if err == nil {
			return vo, attempts, nil
		}
		lastErr = err
		if !venue.Retriable(err) {
			break
		}
	}
	return nil, attempts, lastErr
}

// backoff computes the delay before retry number attempt (1-based). The
// venue's advisory wins over the computed schedule.
func (e *Engine) backoff(attempt int, lastErr error) time.Duration {
	if advisory, ok := venue.RetryAfter(lastErr); ok {
		return advisory
	}
	r := e.cfg.Retry
	d := float64(r.BaseDelay) * math.Pow(r.Factor, float64(attempt-1))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	if r.JitterPct > 0 {
		d *= 1 + (rand.Float64()*2-1)*r.JitterPct/100
	}
	return time.Duration(d)
}

// reconcile polls the venue until the order resolves or the window closes.
// Partial fills are tolerated while waiting; what did not fill by the
// deadline is cancelled and whatever executed is kept.
func (e *Engine) reconcile(ctx context.Context, ec *ExecutionContext) error {
	deadline := time.Now().Add(e.cfg.FillPollTimeout)

	for {
		vo, err := e.lookupOrder(ctx, ec)
		if err != nil {
			// Venue-side propagation lag right after submit is normal.
			e.logger.Debug("fill poll", "venue_order_id", ec.Order.VenueOrderID, "error", err)
		} else {
			done, serr := e.applyVenueState(ec, vo)
			if done || serr != nil {
				return serr
			}
		}

		if time.Now().After(deadline) {
			return e.settleTimeout(ctx, ec)
		}
		select {
		case <-time.After(e.cfg.FillPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) lookupOrder(ctx context.Context, ec *ExecutionContext) (*types.VenueOrder, error) {
	var vo *types.VenueOrder
	err := e.venueCall(ctx, func(callCtx context.Context) error {
		var err error
		vo, err = ec.Adapter.GetOrder(callCtx, ec.Order.Symbol, ec.Order.VenueOrderID)
		return err
	})
	return vo, err
}

// applyVenueState folds one venue snapshot into the tracked order. done
// reports that polling should stop.
func (e *Engine) applyVenueState(ec *ExecutionContext, vo *types.VenueOrder) (bool, error) {
	switch vo.State {
	case types.OrderFilled:
		return true, e.settleFill(ec, vo)
	case types.OrderActive, types.OrderPartial:
		if updated, err := e.orders.Update(ec.ClientID, vo.State, func(o *types.Order) {
			o.FilledQty = vo.FilledQty
			o.AvgFillPrice = vo.AvgFillPrice
		}); err == nil {
			ec.Order = updated
		}
		return false, nil
	case types.OrderCancelled, types.OrderRejected:
		if updated, err := e.orders.Update(ec.ClientID, vo.State, func(o *types.Order) {
			o.LastError = "venue reported " + string(vo.State)
		}); err == nil {
			ec.Order = updated
		}
		return true, fmt.Errorf("venue reported %s", vo.State)
	default:
		return false, nil
	}
}

func (e *Engine) settleFill(ec *ExecutionContext, vo *types.VenueOrder) error {
	filled, err := e.orders.Update(ec.ClientID, types.OrderFilled, func(o *types.Order) {
		o.FilledQty = vo.FilledQty
		o.AvgFillPrice = vo.AvgFillPrice
	})
	if err != nil {
		return err
	}
	ec.Order = filled

	if ec.Signal != nil && ec.Signal.EntryPrice.IsPositive() {
		diff := filled.AvgFillPrice.Sub(ec.Signal.EntryPrice).Abs()
		ec.Slippage, _ = diff.Div(ec.Signal.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
		ec.SlippageExcess = ec.Slippage > e.cfg.SlippageAlertPct
		if ec.SlippageExcess {
			e.logger.Warn("slippage above alert threshold",
				"client_id", ec.ClientID, "slippage_pct", ec.Slippage,
				"signal_price", ec.Signal.EntryPrice, "fill_price", filled.AvgFillPrice)
		}
	}
	return nil
}

// settleTimeout cancels the remainder, then looks one last time in case the
// fill landed during the cancel.
func (e *Engine) settleTimeout(ctx context.Context, ec *ExecutionContext) error {
	if err := e.venueCall(ctx, func(callCtx context.Context) error {
		return ec.Adapter.CancelOrder(callCtx, ec.Order.Symbol, ec.Order.VenueOrderID)
	}); err != nil {
		e.logger.Warn("cancel after poll timeout",
			"venue_order_id", ec.Order.VenueOrderID, "error", err)
	}

	if vo, err := e.lookupOrder(ctx, ec); err == nil && vo.State == types.OrderFilled {
		return e.settleFill(ec, vo)
	}

	if ec.Order.FilledQty.IsPositive() {
		filled, err := e.orders.Update(ec.ClientID, types.OrderFilled, func(o *types.Order) {
			o.LastError = "partial fill kept at poll timeout"
		})
		if err != nil {
			return err
		}
		ec.Order = filled
		return nil
	}

	cancelled, err := e.orders.Update(ec.ClientID, types.OrderCancelled, func(o *types.Order) {
		o.LastError = "unfilled within poll window"
	})
	if err != nil {
		return err
	}
	ec.Order = cancelled
	return fmt.Errorf("unfilled within %s", e.cfg.FillPollTimeout)
}
