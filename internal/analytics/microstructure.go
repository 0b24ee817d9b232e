package analytics

import (
	"math"

	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

const (
	// rejectionWickMult is the minimum wick-to-body multiple for a rejection.
	rejectionWickMult = 2

	// rejectionCloseBand is the fraction of the range the close must sit
	// inside at the favorable extreme (upper band for bullish, lower for
	// bearish).
	rejectionCloseBand = 0.2
)

// DetectRejection classifies the wick structure of one candle. Bullish means
// the lower wick is at least twice the body and the close sits in the top
// 20% of the range; bearish is the mirror. A zero-range candle rejects
// nothing.
func DetectRejection(c types.Candle) types.Rejection {
	rng := c.Range()
	if !rng.IsPositive() {
		return types.Rejection{}
	}

	body := c.Body()
	upper := c.UpperWick()
	lower := c.LowerWick()

	closePos, _ := c.Close.Sub(c.Low).Div(rng).Float64()

	mult := decimalFromInt(rejectionWickMult)
	bullish := lower.GreaterThanOrEqual(body.Mul(mult)) && closePos >= 1-rejectionCloseBand
	bearish := upper.GreaterThanOrEqual(body.Mul(mult)) && closePos <= rejectionCloseBand

	return types.Rejection{
		Bullish:       bullish,
		Bearish:       bearish,
		WickBodyRatio: wickBodyRatio(body, upper, lower, bullish, bearish),
		ClosePos:      closePos,
	}
}

// wickBodyRatio reports the rejection wick's size relative to the body: the
// lower wick for a bullish rejection, the upper for bearish, the larger of
// the two otherwise. A zero body with a real wick reads as +Inf, which
// trivially clears any threshold.
func wickBodyRatio(body, upper, lower decimal.Decimal, bullish, bearish bool) float64 {
	wick := decimal.Max(upper, lower)
	if bullish {
		wick = lower
	} else if bearish {
		wick = upper
	}
	w, _ := wick.Float64()
	b, _ := body.Float64()
	if b == 0 {
		if w == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return w / b
}

func decimalFromInt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }
