package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"flowtrader/internal/bus"
	"flowtrader/internal/venue"
	"flowtrader/pkg/types"
)

// ExecutionContext carries one order intent through the handler chain.
// Exactly one of Signal and Close is set. Stages fill in the venue handle,
// sizing, and the order as they run; a stage failing aborts the chain.
type ExecutionContext struct {
	Signal *types.TradeSignal
	Close  *bus.ClosePayload

	Pair     types.PairKey
	Side     types.Side
	ClientID string

	Adapter venue.Adapter
	Info    types.SymbolInfo

	Equity   decimal.Decimal
	Quantity decimal.Decimal
	Stop     decimal.Decimal
	Target   decimal.Decimal

	Order          types.Order
	Slippage       float64
	SlippageExcess bool
}

// stageError tags a pipeline failure with the stage that raised it; the
// tag becomes the OrderFailed reason.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

type stage struct {
	name string
	run  func(ctx context.Context, ec *ExecutionContext) error
}

func (e *Engine) entryStages() []stage {
	return []stage{
		{"validation", e.validate},
		{"risk", e.size},
		{"placement", e.place},
		{"reconcile", e.reconcile},
	}
}

func (e *Engine) closeStages() []stage {
	return []stage{
		{"validation", e.validateClose},
		{"placement", e.place},
		{"reconcile", e.reconcile},
	}
}

func (e *Engine) runPipeline(ctx context.Context, ec *ExecutionContext, stages []stage) error {
	for _, st := range stages {
		if err := st.run(ctx, ec); err != nil {
			return &stageError{stage: st.name, err: err}
		}
	}
	return nil
}

// validate rejects entry intents that should never reach the venue.
func (e *Engine) validate(ctx context.Context, ec *ExecutionContext) error {
	sig := ec.Signal
	if sig.ConfluenceScore < e.cfg.MinConfluence {
		return fmt.Errorf("confluence %.2f below execution floor %.2f", sig.ConfluenceScore, e.cfg.MinConfluence)
	}
	if sig.Side != types.LONG && sig.Side != types.SHORT {
		return fmt.Errorf("unknown side %q", sig.Side)
	}
	if err := checkSymbol(sig.Symbol); err != nil {
		return err
	}
	if !sig.EntryPrice.IsPositive() {
		return fmt.Errorf("entry price %s not positive", sig.EntryPrice)
	}

	adapter, err := e.venues.Get(sig.Venue)
	if err != nil {
		return err
	}
	ec.Adapter = adapter
	ec.Side = orderSide(sig.Side, false)

	if err := e.venueCall(ctx, func(callCtx context.Context) error {
		info, err := adapter.GetSymbolInfo(callCtx, sig.Symbol)
		ec.Info = info
		return err
	}); err != nil {
		return fmt.Errorf("symbol lookup: %w", err)
	}

	if !sig.SuggestedStop.IsZero() {
		if sig.Side == types.LONG && !sig.SuggestedStop.LessThan(sig.EntryPrice) {
			return fmt.Errorf("stop %s not below long entry %s", sig.SuggestedStop, sig.EntryPrice)
		}
		if sig.Side == types.SHORT && !sig.SuggestedStop.GreaterThan(sig.EntryPrice) {
			return fmt.Errorf("stop %s not above short entry %s", sig.SuggestedStop, sig.EntryPrice)
		}
		ec.Stop = sig.SuggestedStop
	}
	if sig.HasTarget() {
		if sig.Side == types.LONG && !sig.SuggestedTarget.GreaterThan(sig.EntryPrice) {
			return fmt.Errorf("target %s not above long entry %s", sig.SuggestedTarget, sig.EntryPrice)
		}
		if sig.Side == types.SHORT && !sig.SuggestedTarget.LessThan(sig.EntryPrice) {
			return fmt.Errorf("target %s not below short entry %s", sig.SuggestedTarget, sig.EntryPrice)
		}
		ec.Target = sig.SuggestedTarget
	}
	return nil
}

// validateClose checks the little that matters for flattening: the venue
// exists and the quantity is real. Sizing never applies; the position's
// quantity is the order.
func (e *Engine) validateClose(ctx context.Context, ec *ExecutionContext) error {
	req := ec.Close
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("close quantity %s not positive", req.Quantity)
	}
	adapter, err := e.venues.Get(req.Pair.Venue)
	if err != nil {
		return err
	}
	ec.Adapter = adapter
	ec.Side = orderSide(req.Side, true)
	ec.Quantity = req.Quantity
	return nil
}

// size turns the signal into a quantity: a fixed equity fraction, floored
// to the symbol's step, bounded by the venue minimum and the position cap.
// The default stop and the R:R floor are imposed here so every order that
// reaches the venue already has its risk shape.
func (e *Engine) size(ctx context.Context, ec *ExecutionContext) error {
	if open := e.positions.OpenCount(); open >= e.cfg.MaxConcurrentPositions {
		return fmt.Errorf("position cap %d reached", e.cfg.MaxConcurrentPositions)
	}

	var balance types.Balance
	if err := e.venueCall(ctx, func(callCtx context.Context) error {
		var err error
		balance, err = ec.Adapter.GetBalance(callCtx)
		return err
	}); err != nil {
		return fmt.Errorf("balance lookup: %w", err)
	}
	if !balance.Total.IsPositive() {
		return fmt.Errorf("equity %s not positive", balance.Total)
	}
	ec.Equity = balance.Total

	pct := e.cfg.DefaultPositionSizePct
	if pct > e.cfg.MaxPositionSizePct {
		pct = e.cfg.MaxPositionSizePct
	}
	entry := ec.Signal.EntryPrice
	notional := ec.Equity.Mul(decimal.NewFromFloat(pct / 100))
	qty := notional.Div(entry)
	if ec.Info.StepSize.IsPositive() {
		qty = qty.Div(ec.Info.StepSize).Floor().Mul(ec.Info.StepSize)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("sized to zero at entry %s with equity %s", entry, ec.Equity)
	}
	if ec.Info.MinNotional.IsPositive() && qty.Mul(entry).LessThan(ec.Info.MinNotional) {
		return fmt.Errorf("notional %s below venue minimum %s", qty.Mul(entry), ec.Info.MinNotional)
	}
	ec.Quantity = qty

	if ec.Stop.IsZero() {
		adverse := decimal.NewFromFloat(e.cfg.DefaultStopPct / 100)
		if ec.Signal.Side == types.LONG {
			ec.Stop = entry.Mul(decimal.NewFromInt(1).Sub(adverse))
		} else {
			ec.Stop = entry.Mul(decimal.NewFromInt(1).Add(adverse))
		}
	}

	if !ec.Target.IsZero() {
		risk := entry.Sub(ec.Stop).Abs()
		if !risk.IsPositive() {
			return fmt.Errorf("stop %s equals entry %s", ec.Stop, entry)
		}
		rr := ec.Target.Sub(entry).Abs().Div(risk)
		if rr.LessThan(decimal.NewFromFloat(e.cfg.MinRR)) {
			return fmt.Errorf("r:r %s below %.2f", rr.StringFixed(2), e.cfg.MinRR)
		}
	}
	return nil
}

func checkSymbol(symbol string) error {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
		return fmt.Errorf("symbol %q not in BASE-QUOTE form", symbol)
	}
	return nil
}

// orderSide maps a position direction onto the venue order side. Closing
// inverts: flattening a long sells, flattening a short buys.
func orderSide(s types.SignalSide, closing bool) types.Side {
	long := s == types.LONG
	if closing {
		long = !long
	}
	if long {
		return types.BUY
	}
	return types.SELL
}
