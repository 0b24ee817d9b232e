package position

import (
	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// stopFor computes the trailing stop a position would carry at the given
// extreme mark: LONG stops below the highest mark, SHORT above the lowest.
func stopFor(side types.SignalSide, extreme decimal.Decimal, pct float64) decimal.Decimal {
	d := decimal.NewFromFloat(pct).Div(hundred)
	if side == types.LONG {
		return extreme.Mul(decimal.NewFromInt(1).Sub(d))
	}
	return extreme.Mul(decimal.NewFromInt(1).Add(d))
}

// arm stamps the trailing fields on a freshly adopted position: extremes
// anchor at the entry and the initial stop sits on the adverse side of it,
// never through it. Fields already set (a restored position) are kept.
func arm(pos *types.Position, pct float64) {
	if pos.TrailingPct <= 0 {
		pos.TrailingPct = pct
	}
	if pos.HighestMark.IsZero() {
		pos.HighestMark = pos.EntryPrice
	}
	if pos.LowestMark.IsZero() {
		pos.LowestMark = pos.EntryPrice
	}
	if pos.TrailingStop.IsZero() {
		pos.TrailingStop = stopFor(pos.Side, extremeOf(pos), pos.TrailingPct)
	}
}

// extremeOf returns the favorable extreme the stop trails: the highest mark
// for LONG, the lowest for SHORT.
func extremeOf(pos *types.Position) decimal.Decimal {
	if pos.Side == types.LONG {
		return pos.HighestMark
	}
	return pos.LowestMark
}

// advance folds one mark into the position: extremes, the monotone stop, and
// unrealized PnL. Returns true when the mark is at or through the stop.
// LONG stops only ever rise, SHORT stops only ever fall; adverse moves leave
// the stop where it is. Caller holds the record lock.
func advance(pos *types.Position, mark decimal.Decimal) bool {
	if mark.GreaterThan(pos.HighestMark) {
		pos.HighestMark = mark
	}
	if mark.LessThan(pos.LowestMark) {
		pos.LowestMark = mark
	}

	candidate := stopFor(pos.Side, extremeOf(pos), pos.TrailingPct)
	if pos.Side == types.LONG {
		if candidate.GreaterThan(pos.TrailingStop) {
			pos.TrailingStop = candidate
		}
	} else {
		if candidate.LessThan(pos.TrailingStop) {
			pos.TrailingStop = candidate
		}
	}

	pos.UnrealizedPnL = pos.PnLAt(mark)
	pos.UnrealizedPnLPct = pos.PnLPctAt(mark)

	if pos.Side == types.LONG {
		return mark.LessThanOrEqual(pos.TrailingStop)
	}
	return mark.GreaterThanOrEqual(pos.TrailingStop)
}

// tighten narrows the trailing distance and re-derives the stop from the
// current extreme. The stop keeps its monotone direction: a tighter distance
// can only pull it closer to the market, never loosen it. Caller holds the
// record lock.
func tighten(pos *types.Position, toPct float64) bool {
	if toPct <= 0 || toPct >= pos.TrailingPct {
		return false
	}
	pos.TrailingPct = toPct
	candidate := stopFor(pos.Side, extremeOf(pos), toPct)
	if pos.Side == types.LONG {
		if candidate.GreaterThan(pos.TrailingStop) {
			pos.TrailingStop = candidate
		}
	} else {
		if candidate.LessThan(pos.TrailingStop) {
			pos.TrailingStop = candidate
		}
	}
	return true
}
