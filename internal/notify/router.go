package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"flowtrader/internal/bus"
)

// sendTimeout bounds one transport delivery so a hung notifier cannot wedge
// a bus worker.
const sendTimeout = 5 * time.Second

// Router is the reactive component that turns bus events into notifications
// and fans them out to every registered transport. A transport error is
// logged and does not stop delivery to the others; nothing here ever blocks
// trading.
type Router struct {
	bus       *bus.Bus
	logger    *slog.Logger
	notifiers []Notifier

	subs []int
}

// NewRouter wires a router to the given transports. With none given it falls
// back to the structured log, so every deployment notifies somewhere.
func NewRouter(b *bus.Bus, logger *slog.Logger, notifiers ...Notifier) *Router {
	if len(notifiers) == 0 {
		notifiers = []Notifier{NewLogNotifier(logger)}
	}
	return &Router{
		bus:       b,
		logger:    logger.With("component", "notify"),
		notifiers: notifiers,
	}
}

func (r *Router) Name() string { return "notify" }

func (r *Router) Start(ctx context.Context) error {
	r.subs = []int{
		r.bus.Subscribe(bus.EventOrderFailed, "notify", r.onOrderFailed),
		r.bus.Subscribe(bus.EventSystemError, "notify", r.onSystemError),
		r.bus.Subscribe(bus.EventConnectionLost, "notify", r.onConnectionLost),
		r.bus.Subscribe(bus.EventDumpDetected, "notify", r.onDump),
		r.bus.Subscribe(bus.EventCorrelatedDump, "notify", r.onCorrelatedDump),
		r.bus.Subscribe(bus.EventCircuitBreaker, "notify", r.onBreaker),
	}
	r.logger.Info("notification router started", "transports", len(r.notifiers))
	return nil
}

func (r *Router) Stop(ctx context.Context) error {
	for _, id := range r.subs {
		r.bus.Unsubscribe(id)
	}
	r.subs = nil
	return nil
}

// ——————————————————————————————————————————————————————————————————————
// Event handlers

// onOrderFailed grades by what the order was for: a close that cannot fill
// leaves live exposure on the book and is critical; a failed entry is a
// missed trade.
func (r *Router) onOrderFailed(ctx context.Context, ev bus.Event) error {
	p, ok := ev.Data.(bus.OrderPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}

	n := Notification{
		Priority:  PriorityWarning,
		Component: "execution",
		Title:     fmt.Sprintf("entry order failed: %s", p.Order.Symbol),
		At:        ev.Timestamp,
	}
	if p.PositionID != "" {
		n.Priority = PriorityCritical
		n.Title = fmt.Sprintf("close order failed: %s", p.Order.Symbol)
	}
	n.Detail = fmt.Sprintf("%s %s on %s: %s (attempt %d)",
		p.Order.Side, p.Order.Symbol, p.Order.Venue, p.Reason, p.Order.RetryCount)

	r.dispatch(ctx, n)
	return nil
}

func (r *Router) onSystemError(ctx context.Context, ev bus.Event) error {
	p, ok := ev.Data.(bus.SystemErrorPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}

	r.dispatch(ctx, Notification{
		Priority:  PriorityCritical,
		Component: p.Component,
		Title:     fmt.Sprintf("system error in %s: %s", p.Component, p.Reason),
		Detail:    p.Detail,
		At:        ev.Timestamp,
	})
	return nil
}

func (r *Router) onConnectionLost(ctx context.Context, ev bus.Event) error {
	p, ok := ev.Data.(bus.ConnectionLostPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}

	r.dispatch(ctx, Notification{
		Priority:  PriorityWarning,
		Component: "marketdata",
		Title:     fmt.Sprintf("market data connection lost: %s", p.Venue),
		Detail:    fmt.Sprintf("stream down since %s", p.Since.UTC().Format(time.RFC3339)),
		At:        ev.Timestamp,
	})
	return nil
}

// onDump is informational: by the time the event is published the monitor
// has already force-closed the position.
func (r *Router) onDump(ctx context.Context, ev bus.Event) error {
	p, ok := ev.Data.(bus.DumpPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}

	r.dispatch(ctx, Notification{
		Priority:  PriorityInfo,
		Component: "position",
		Title:     fmt.Sprintf("dump detected: %s", p.Pair.Symbol),
		Detail:    fmt.Sprintf("%d signals: %s", p.Signals, strings.Join(p.Evidence, "; ")),
		At:        ev.Timestamp,
	})
	return nil
}

// onCorrelatedDump outranks a single-pair dump: a leader crash flushed part
// of the book and the operator may want to halt the rest by hand.
func (r *Router) onCorrelatedDump(ctx context.Context, ev bus.Event) error {
	p, ok := ev.Data.(bus.CorrelatedDumpPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}

	r.dispatch(ctx, Notification{
		Priority:  PriorityWarning,
		Component: "position",
		Title:     fmt.Sprintf("correlated dump: %s %.2f%%", p.Leader, p.DropPct),
		Detail:    fmt.Sprintf("closed %s", strings.Join(p.ClosedSymbols, ", ")),
		At:        ev.Timestamp,
	})
	return nil
}

func (r *Router) onBreaker(ctx context.Context, ev bus.Event) error {
	p, ok := ev.Data.(bus.BreakerPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}

	r.dispatch(ctx, Notification{
		Priority:  PriorityCritical,
		Component: "position",
		Title:     fmt.Sprintf("circuit breaker level %d", p.Level),
		Detail:    fmt.Sprintf("daily pnl %.2f%%", p.DailyPnLPct),
		At:        ev.Timestamp,
	})
	return nil
}

// dispatch fans one notification out to every transport. Each send gets its
// own timeout; failures are logged per transport.
func (r *Router) dispatch(ctx context.Context, n Notification) {
	for _, nt := range r.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := nt.Send(sendCtx, n); err != nil {
			r.logger.Error("notification delivery failed",
				"priority", string(n.Priority),
				"title", n.Title,
				"error", err)
		}
		cancel()
	}
}
