// Package decision turns analytics snapshots into trade signals through a
// two-stage evaluation: a hard primary gate on order flow and candle
// microstructure, then a weighted confluence score across independent
// filters. The gate dominates. A snapshot that fails any primary is
// discarded before a single filter runs, no matter how well it would have
// scored.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowtrader/internal/bus"
	"flowtrader/internal/config"
	"flowtrader/pkg/types"
)

// Engine is the reactive decision stage. It holds no market state of its
// own; every evaluation reads one immutable snapshot.
type Engine struct {
	cfg    config.DecisionConfig
	bus    *bus.Bus
	logger *slog.Logger

	subs []int

	mu          sync.Mutex
	stopEntries bool
	stopAll     bool
}

// New builds the engine. Weights missing from the config contribute zero.
func New(cfg config.DecisionConfig, b *bus.Bus, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, bus: b, logger: logger.With("component", "decision")}
}

// Name implements bus.Component.
func (e *Engine) Name() string { return "decision" }

// Start subscribes to analytics snapshots and the risk halt events.
func (e *Engine) Start(ctx context.Context) error {
	e.subs = []int{
		e.bus.Subscribe(bus.EventAnalyticsUpdated, "decision", e.onSnapshot),
		e.bus.Subscribe(bus.EventStopNewEntries, "decision", e.onHalt),
		e.bus.Subscribe(bus.EventStopAllTrading, "decision", e.onHalt),
	}
	e.logger.Info("decision engine started",
		"min_confluence", e.cfg.MinConfluence,
		"max_score", e.cfg.MaxPossibleScore(),
	)
	return nil
}

// Stop unsubscribes.
func (e *Engine) Stop(ctx context.Context) error {
	for _, id := range e.subs {
		e.bus.Unsubscribe(id)
	}
	return nil
}

func (e *Engine) onHalt(_ context.Context, ev bus.Event) error {
	e.mu.Lock()
	switch ev.Type {
	case bus.EventStopNewEntries:
		e.stopEntries = true
	case bus.EventStopAllTrading:
		e.stopAll = true
	}
	e.mu.Unlock()
	e.logger.Warn("new entries halted", "event", string(ev.Type))
	return nil
}

// ResetHalts clears both latches. Halts never expire on their own; this is
// the operator path, alongside the circuit breaker's manual reset.
func (e *Engine) ResetHalts() {
	e.mu.Lock()
	e.stopEntries = false
	e.stopAll = false
	e.mu.Unlock()
	e.logger.Info("entry halts cleared")
}

func (e *Engine) halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopEntries || e.stopAll
}

func (e *Engine) onSnapshot(ctx context.Context, ev bus.Event) error {
	p, ok := ev.Data.(bus.AnalyticsPayload)
	if !ok || p.Snapshot == nil {
		return fmt.Errorf("unexpected analytics payload %T", ev.Data)
	}
	if e.halted() {
		return nil
	}

	sig, ok := e.Evaluate(p.Snapshot)
	if !ok {
		return nil
	}

	e.logger.Info("signal generated",
		"symbol", sig.Symbol,
		"side", sig.Side,
		"entry", sig.EntryPrice,
		"confluence", sig.ConfluenceScore,
		"confidence", sig.Confidence,
	)
	return e.bus.Publish(ctx, bus.NewEvent(bus.EventSignalGenerated, sig))
}

// Evaluate scores one snapshot and reports whether a signal cleared both
// stages. It never returns an error: incomplete analytics read as failed
// primaries or zero-score filters, with the reason recorded.
func (e *Engine) Evaluate(snap *types.AnalyticsSnapshot) (types.TradeSignal, bool) {
	side, primaries, ok := primaryGate(snap)
	if !ok {
		last := primaries[len(primaries)-1]
		e.logger.Debug("primary gate rejected",
			"symbol", snap.Symbol, "check", last.Name, "reason", last.Reason)
		return types.TradeSignal{}, false
	}

	scores := make(map[string]float64, 6)
	reasons := make(map[string]string, 6)
	var total float64
	var target decimal.Decimal

	apply := func(name string, v filterVerdict) {
		scores[name] = v.score
		reasons[name] = v.reason
		total += v.score
		if !v.target.IsZero() {
			target = v.target
		}
	}
	apply("zone", zoneFilter(snap, side, e.weight("zone")))
	apply("profile", profileFilter(snap, e.weight("profile")))
	apply("mean_reversion", meanRevFilter(snap, side, e.weight("mean_reversion")))
	apply("fvg", fvgFilter(snap, side, e.weight("fvg")))
	apply("autocorrelation", autocorrFilter(snap, e.weight("autocorrelation")))
	apply("opposing_zone", opposingZoneFilter(snap, side, e.weight("opposing_zone")))

	if total < e.cfg.MinConfluence {
		e.logger.Debug("confluence below floor",
			"symbol", snap.Symbol, "side", side, "score", total, "floor", e.cfg.MinConfluence)
		return types.TradeSignal{}, false
	}

	return types.TradeSignal{
		ID:              uuid.NewString(),
		Venue:           snap.Venue,
		MarketType:      snap.MarketType,
		Symbol:          snap.Symbol,
		Side:            side,
		EntryPrice:      snap.LastPrice,
		ConfluenceScore: total,
		MaxPossible:     e.cfg.MaxPossibleScore(),
		Confidence:      confidenceFor(total),
		PrimaryResults:  primaries,
		FilterScores:    scores,
		FilterReasons:   reasons,
		SuggestedStop:   suggestedStop(snap, side),
		SuggestedTarget: target,
		CreatedAt:       time.Now(),
	}, true
}

func (e *Engine) weight(name string) float64 { return e.cfg.Weights[name] }

// suggestedStop sits at the far edge of the aligned zone when one is at
// price. Zero otherwise; the execution risk sizer imposes its default.
func suggestedStop(snap *types.AnalyticsSnapshot, side types.SignalSide) decimal.Decimal {
	want := types.ZoneDemand
	if side == types.SHORT {
		want = types.ZoneSupply
	}
	for _, z := range snap.Zones {
		if z.Type != want || z.State == types.ZoneBroken || !zoneAtPrice(z, snap.LastPrice) {
			continue
		}
		if side == types.LONG {
			return z.PriceLow
		}
		return z.PriceHigh
	}
	return decimal.Zero
}

// confidenceFor bands a confluence score.
func confidenceFor(score float64) types.Confidence {
	switch {
	case score >= 7:
		return types.ConfidenceVeryHigh
	case score >= 5:
		return types.ConfidenceHigh
	case score >= 4:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}
