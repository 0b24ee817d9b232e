package analytics

import (
	"math"

	"github.com/markcheno/go-talib"

	"flowtrader/pkg/types"
)

// trendEpsilon is the relative short-vs-long EMA separation below which the
// trend reads flat instead of flapping on float noise.
const trendEpsilon = 1e-4

// TrendFor compares the short and long EMA of one timeframe's closes. Too
// little history for the long EMA reads as flat.
func TrendFor(tf types.Timeframe, closes []float64, short, long int) types.TimeframeTrend {
	t := types.TimeframeTrend{Timeframe: tf, Direction: types.TrendFlat}
	if short <= 0 || long <= 0 || len(closes) < long {
		return t
	}

	t.ShortEMA = lastValue(talib.Ema(closes, short))
	t.LongEMA = lastValue(talib.Ema(closes, long))

	sep := math.Abs(t.LongEMA) * trendEpsilon
	switch {
	case t.ShortEMA > t.LongEMA+sep:
		t.Direction = types.TrendUp
	case t.ShortEMA < t.LongEMA-sep:
		t.Direction = types.TrendDown
	}
	return t
}

// TrendAgreement reports whether every timeframe reads the same non-flat
// direction.
func TrendAgreement(trends []types.TimeframeTrend) bool {
	if len(trends) == 0 {
		return false
	}
	dir := trends[0].Direction
	if dir == types.TrendFlat {
		return false
	}
	for _, t := range trends[1:] {
		if t.Direction != dir {
			return false
		}
	}
	return true
}

func lastValue(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}
