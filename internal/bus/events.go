package bus

import (
	"time"

	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

// EventType routes an event to its subscribers. The payload type for each
// event is fixed and documented next to its constant.
type EventType string

const (
	// EventTradeTick carries a types.Tick. Published by ingestion for every
	// normalized trade print.
	EventTradeTick EventType = "trade.tick"

	// EventCandleCompleted carries a CandlePayload once a bar closes.
	EventCandleCompleted EventType = "candle.completed"

	// EventAnalyticsUpdated carries an AnalyticsPayload with the immutable
	// snapshot pointer for one symbol.
	EventAnalyticsUpdated EventType = "analytics.updated"

	// EventSignalGenerated carries a types.TradeSignal that cleared both
	// primaries and the confluence floor.
	EventSignalGenerated EventType = "signal.generated"

	// Order lifecycle events carry an OrderPayload.
	EventOrderPlaced    EventType = "order.placed"
	EventOrderFilled    EventType = "order.filled"
	EventOrderFailed    EventType = "order.failed"
	EventOrderCancelled EventType = "order.cancelled"

	// Position lifecycle events carry a PositionPayload.
	EventPositionOpened  EventType = "position.opened"
	EventPositionClosed  EventType = "position.closed"
	EventTrailingStopHit EventType = "position.trailing_stop_hit"

	// EventPositionCloseRequested carries a ClosePayload. The monitor asks
	// execution to flatten a position; execution answers with order events
	// and the monitor completes the close on fill.
	EventPositionCloseRequested EventType = "position.close_requested"

	// Portfolio risk events.
	EventDumpDetected   EventType = "risk.dump_detected"
	EventCorrelatedDump EventType = "risk.correlated_dump"
	EventHealthDegraded EventType = "risk.health_degraded"
	EventCircuitBreaker EventType = "risk.circuit_breaker"
	EventMaxHoldTime    EventType = "risk.max_hold_exceeded"
	EventStopNewEntries EventType = "risk.stop_new_entries"
	EventStopAllTrading EventType = "risk.stop_all_trading"

	// EventConnectionLost carries a ConnectionLostPayload.
	EventConnectionLost EventType = "marketdata.connection_lost"

	// EventSystemError carries a SystemErrorPayload. Emitted by the bus for
	// handler failures and by components for unrecoverable conditions.
	EventSystemError EventType = "system.error"
)

// Event is an immutable record routed by the bus. The bus never mutates
// events; handlers receive the same value every subscriber sees.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

// CandlePayload is the EventCandleCompleted payload.
type CandlePayload struct {
	Pair   types.PairKey
	Candle types.Candle
}

// AnalyticsPayload is the EventAnalyticsUpdated payload. Snapshot is shared
// read-only; it is never mutated after publish.
type AnalyticsPayload struct {
	Pair     types.PairKey
	Snapshot *types.AnalyticsSnapshot
}

// OrderPayload is the payload of all order lifecycle events. Reason is set
// on failure and cancellation. PositionID links a close order back to the
// position it flattens; empty for entries.
type OrderPayload struct {
	Order      types.Order
	Reason     string
	PositionID string
}

// PositionPayload is the payload of position lifecycle events.
type PositionPayload struct {
	Position types.Position
}

// ClosePayload asks execution to flatten one position at market.
type ClosePayload struct {
	PositionID string
	Pair       types.PairKey
	Side       types.SignalSide
	Quantity   decimal.Decimal
	Reason     types.ExitReason
}

// DumpPayload is the EventDumpDetected payload: which signals fired and why.
type DumpPayload struct {
	Pair     types.PairKey
	Signals  int
	Evidence []string
}

// CorrelatedDumpPayload reports a leader drop and the positions flushed
// because of it.
type CorrelatedDumpPayload struct {
	Leader        string
	DropPct       float64
	ClosedSymbols []string
}

// HealthPayload is the EventHealthDegraded payload.
type HealthPayload struct {
	Score   float64
	Actions []string
}

// BreakerPayload is the EventCircuitBreaker payload.
type BreakerPayload struct {
	Level       int
	DailyPnLPct float64
}

// HoldTimePayload is the EventMaxHoldTime payload.
type HoldTimePayload struct {
	Position types.Position
	MaxHold  time.Duration
}

// HaltPayload is the payload of EventStopNewEntries and EventStopAllTrading.
type HaltPayload struct {
	Reason string
}

// ConnectionLostPayload reports a dropped market data stream.
type ConnectionLostPayload struct {
	Venue string
	Since time.Time
}

// SystemErrorPayload identifies the failing component and the error class.
type SystemErrorPayload struct {
	Component string
	Reason    string
	Detail    string
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Timestamp: time.Now(), Data: data}
}
