// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — market data, derived
// analytics, signals, orders, and positions. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the taker direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// SignalSide is the direction of a trade signal or position.
type SignalSide string

const (
	LONG  SignalSide = "LONG"
	SHORT SignalSide = "SHORT"
)

// Opposite returns the other direction.
func (s SignalSide) Opposite() SignalSide {
	if s == LONG {
		return SHORT
	}
	return LONG
}

// Timeframe identifies a candle aggregation interval.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
)

// Timeframes lists all supported intervals, shortest first.
var Timeframes = []Timeframe{TF1m, TF5m, TF15m}

// Duration returns the wall-clock length of one candle.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	default:
		return time.Minute
	}
}

// MarketType distinguishes venue market segments. It is part of the storage
// path identity, so values must be filesystem-safe.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// AssetClass buckets symbols for risk parameters (trailing distance, hold
// time, leader correlation).
type AssetClass string

const (
	AssetMajor     AssetClass = "MAJOR"
	AssetRegular   AssetClass = "REGULAR"
	AssetMeme      AssetClass = "MEME"
	AssetForex     AssetClass = "FOREX"
	AssetCommodity AssetClass = "COMMODITY"
)

// PairKey identifies one trading pair on one venue. Symbol identity is
// path-encoded on disk, so this triple is the only key used anywhere.
type PairKey struct {
	Venue      string
	MarketType MarketType
	Symbol     string
}

func (k PairKey) String() string {
	return k.Venue + "/" + string(k.MarketType) + "/" + k.Symbol
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Tick is a single normalized trade print. Immutable after ingestion.
//
// Side defaults to BUY when the feed cannot determine the taker (on-chain
// swaps without an explicit direction). That stamping happens in the
// ingestion layer; downstream consumers never reclassify.
type Tick struct {
	Venue      string
	MarketType MarketType
	Symbol     string
	Timestamp  time.Time
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Side       Side
	TradeID    string
}

// Candle is one OHLCV bar with taker-side volume split.
type Candle struct {
	Timeframe  Timeframe
	OpenTime   time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
}

// Body returns |close − open|.
func (c Candle) Body() decimal.Decimal {
	return c.Close.Sub(c.Open).Abs()
}

// UpperWick returns high − max(open, close).
func (c Candle) UpperWick() decimal.Decimal {
	return c.High.Sub(decimal.Max(c.Open, c.Close))
}

// LowerWick returns min(open, close) − low.
func (c Candle) LowerWick() decimal.Decimal {
	return decimal.Min(c.Open, c.Close).Sub(c.Low)
}

// Range returns high − low.
func (c Candle) Range() decimal.Decimal {
	return c.High.Sub(c.Low)
}

// IsBullish reports whether the candle closed above its open.
func (c Candle) IsBullish() bool {
	return c.Close.GreaterThan(c.Open)
}

// ————————————————————————————————————————————————————————————————————————
// Derived analytics
// ————————————————————————————————————————————————————————————————————————

// LargeTrade marks a single print whose volume cleared the large-trade
// threshold (k × median volume over the window).
type LargeTrade struct {
	Timestamp time.Time
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Side      Side
}

// OrderFlowMetric summarizes taker flow over a rolling window.
//
// Ratio is buy volume / sell volume and is only meaningful when Defined is
// true; a window where either side is zero leaves the ratio undefined rather
// than infinite.
type OrderFlowMetric struct {
	WindowStart time.Time
	WindowEnd   time.Time
	CVD         decimal.Decimal
	BuyVolume   decimal.Decimal
	SellVolume  decimal.Decimal
	NetVolume   decimal.Decimal
	Ratio       float64
	Defined     bool
	LargeTrades []LargeTrade
}

// DominantSide returns the heavier side of the window, or false when the
// ratio is undefined or exactly balanced.
func (m OrderFlowMetric) DominantSide() (Side, bool) {
	if !m.Defined || m.Ratio == 1 {
		return "", false
	}
	if m.Ratio > 1 {
		return BUY, true
	}
	return SELL, true
}

// MarketProfile is a volume-by-price summary: point of control and the value
// area enclosing 70% of window volume.
type MarketProfile struct {
	Timestamp   time.Time
	POC         decimal.Decimal
	VAH         decimal.Decimal
	VAL         decimal.Decimal
	BucketSize  decimal.Decimal
	TotalVolume decimal.Decimal
}

// ZoneType labels a supply or demand zone.
type ZoneType string

const (
	ZoneDemand ZoneType = "DEMAND"
	ZoneSupply ZoneType = "SUPPLY"
)

// ZoneState tracks how much a zone has been interacted with.
type ZoneState string

const (
	ZoneFresh  ZoneState = "FRESH"
	ZoneTested ZoneState = "TESTED"
	ZoneBroken ZoneState = "BROKEN"
)

// Zone is a supply/demand area detected from base-then-thrust structure.
// Fresh means untouched (test_count == 0); tested means 1–2 touches without
// a close-through; broken means price closed beyond it or it was over-tested
// (3+ touches).
type Zone struct {
	ID        string
	Type      ZoneType
	PriceLow  decimal.Decimal
	PriceHigh decimal.Decimal
	Strength  float64
	TestCount int
	State     ZoneState
	CreatedAt time.Time
}

// Contains reports whether a price sits inside the zone bounds, inclusive.
func (z Zone) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(z.PriceLow) && price.LessThanOrEqual(z.PriceHigh)
}

// GapDirection labels a fair value gap.
type GapDirection string

const (
	GapBullish GapDirection = "BULLISH"
	GapBearish GapDirection = "BEARISH"
)

// GapState tracks gap fill progress.
type GapState string

const (
	GapUnfilled GapState = "UNFILLED"
	GapPartial  GapState = "PARTIAL"
	GapFilled   GapState = "FILLED"
)

// FairValueGap is a 3-candle imbalance: bullish when candle1.high <
// candle3.low, bearish when candle1.low > candle3.high. FillPct is the
// maximum excursion into the gap since creation, in percent; at 100 the gap
// is FILLED.
type FairValueGap struct {
	ID        string
	Direction GapDirection
	GapLow    decimal.Decimal
	GapHigh   decimal.Decimal
	FillPct   float64
	State     GapState
	CreatedAt time.Time
}

// Rejection describes the wick structure of the most recent candle.
// ClosePos is the close's position within the candle range in [0, 1]
// (1 = closed at the high).
type Rejection struct {
	Bullish       bool
	Bearish       bool
	WickBodyRatio float64
	ClosePos      float64
}

// TrendDirection is the per-timeframe EMA trend reading.
type TrendDirection string

const (
	TrendUp   TrendDirection = "UP"
	TrendDown TrendDirection = "DOWN"
	TrendFlat TrendDirection = "FLAT"
)

// TimeframeTrend is the short-vs-long EMA comparison for one timeframe.
type TimeframeTrend struct {
	Timeframe Timeframe
	Direction TrendDirection
	ShortEMA  float64
	LongEMA   float64
}

// AnalyticsSnapshot is the full derived view of one symbol at one instant.
// Snapshots are immutable once published; a new computation replaces the
// whole value.
type AnalyticsSnapshot struct {
	Venue          string
	MarketType     MarketType
	Symbol         string
	ComputedAt     time.Time
	LastPrice      decimal.Decimal
	OrderFlow      OrderFlowMetric
	Profile        *MarketProfile
	Rejection      Rejection
	LatestCandle   *Candle
	Zones          []Zone
	Gaps           []FairValueGap
	PriceMean15m   float64
	PriceStddev15m float64
	ZScore         float64
	AutocorrLag1   float64
	AutocorrOK     bool
	Trends         []TimeframeTrend
	TrendAgreement bool
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Confidence bands a confluence score.
type Confidence string

const (
	ConfidenceLow      Confidence = "LOW"
	ConfidenceMedium   Confidence = "MEDIUM"
	ConfidenceHigh     Confidence = "HIGH"
	ConfidenceVeryHigh Confidence = "VERY_HIGH"
)

// PrimaryResult records one primary-gate evaluation for observability.
type PrimaryResult struct {
	Name      string
	Passed    bool
	Direction SignalSide
	Value     float64
	Reason    string
}

// TradeSignal is the decision engine's output: a fully scored entry
// candidate.
type TradeSignal struct {
	ID              string
	Venue           string
	MarketType      MarketType
	Symbol          string
	Side            SignalSide
	EntryPrice      decimal.Decimal
	ConfluenceScore float64
	MaxPossible     float64
	Confidence      Confidence
	PrimaryResults  []PrimaryResult
	FilterScores    map[string]float64
	FilterReasons   map[string]string
	SuggestedStop   decimal.Decimal
	SuggestedTarget decimal.Decimal
	CreatedAt       time.Time
}

// HasTarget reports whether a take-profit target was suggested.
func (s TradeSignal) HasTarget() bool {
	return s.SuggestedTarget.IsPositive()
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

// OrderState is the order lifecycle state. Transitions are forward-only
// except PARTIAL, which may repeat while fills accumulate.
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderSubmitted OrderState = "SUBMITTED"
	OrderActive    OrderState = "ACTIVE"
	OrderPartial   OrderState = "PARTIAL"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderRejected  OrderState = "REJECTED"
	OrderFailed    OrderState = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

var orderTransitions = map[OrderState][]OrderState{
	OrderPending:   {OrderSubmitted, OrderCancelled, OrderRejected, OrderFailed},
	OrderSubmitted: {OrderActive, OrderPartial, OrderFilled, OrderCancelled, OrderRejected, OrderFailed},
	OrderActive:    {OrderPartial, OrderFilled, OrderCancelled, OrderRejected, OrderFailed},
	OrderPartial:   {OrderPartial, OrderFilled, OrderCancelled, OrderFailed},
}

// CanTransition reports whether the state machine allows moving to next.
func (s OrderState) CanTransition(next OrderState) bool {
	for _, allowed := range orderTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Order is the execution engine's record of one venue order.
type Order struct {
	ID           string
	ClientID     string
	VenueOrderID string
	Venue        string
	MarketType   MarketType
	Symbol       string
	Side         Side
	Type         OrderType
	Quantity     decimal.Decimal
	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	State        OrderState
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RetryCount   int
	LastError    string
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// PositionState is the position lifecycle. A CLOSED position always carries
// an exit reason and a realized PnL; it is never reopened.
type PositionState string

const (
	PositionOpen    PositionState = "OPEN"
	PositionClosing PositionState = "CLOSING"
	PositionClosed  PositionState = "CLOSED"
	PositionFailed  PositionState = "FAILED"
)

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitTrailingStop      ExitReason = "TRAILING_STOP"
	ExitDumpDetected      ExitReason = "DUMP_DETECTED"
	ExitCorrelatedDump    ExitReason = "CORRELATED_DUMP"
	ExitMaxHoldTime       ExitReason = "MAX_HOLD_TIME"
	ExitCircuitBreaker    ExitReason = "CIRCUIT_BREAKER"
	ExitPortfolioHealth   ExitReason = "PORTFOLIO_HEALTH"
	ExitReconciledMissing ExitReason = "RECONCILED_MISSING"
	ExitManual            ExitReason = "MANUAL"
)

// PositionSource records how a position entered the book.
type PositionSource string

const (
	SourceLive       PositionSource = "live"
	SourceReconciled PositionSource = "reconciled"
)

// Position is one open or historical exposure. Owned by the position monitor
// from PositionOpened onward; other components only ever see copies.
type Position struct {
	ID               string
	Venue            string
	MarketType       MarketType
	Symbol           string
	Side             SignalSide
	AssetClass       AssetClass
	EntryPrice       decimal.Decimal
	Quantity         decimal.Decimal
	EntryTime        time.Time
	TrailingPct      float64
	TrailingStop     decimal.Decimal
	HighestMark      decimal.Decimal
	LowestMark       decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	UnrealizedPnLPct float64
	State            PositionState
	ExitReason       ExitReason
	RealizedPnL      decimal.Decimal
	ClosedAt         time.Time
	Source           PositionSource
}

// PnLAt returns the signed PnL of the position marked at the given price.
func (p Position) PnLAt(mark decimal.Decimal) decimal.Decimal {
	if p.Side == LONG {
		return mark.Sub(p.EntryPrice).Mul(p.Quantity)
	}
	return p.EntryPrice.Sub(mark).Mul(p.Quantity)
}

// PnLPctAt returns PnL as a percentage of entry notional.
func (p Position) PnLPctAt(mark decimal.Decimal) float64 {
	notional := p.EntryPrice.Mul(p.Quantity)
	if notional.IsZero() {
		return 0
	}
	pct, _ := p.PnLAt(mark).Div(notional).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// Notional returns entry price × quantity.
func (p Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Quantity)
}

// ————————————————————————————————————————————————————————————————————————
// Venue adapter vocabulary
// ————————————————————————————————————————————————————————————————————————

// SymbolInfo is static venue metadata for one symbol.
type SymbolInfo struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// Ticker is a venue's last-trade summary for one symbol.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp time.Time
}

// Balance is the quote-currency account state on one venue.
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
}

// VenueOrder is the venue's authoritative view of a submitted order.
type VenueOrder struct {
	VenueOrderID string
	ClientID     string
	Symbol       string
	State        OrderState
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	UpdatedAt    time.Time
}

// VenuePosition is the venue's authoritative view of one open position,
// used by startup reconciliation.
type VenuePosition struct {
	Venue      string
	MarketType MarketType
	Symbol     string
	Side       SignalSide
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
}
