package analytics

import (
	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

// defaultBucketDivisor splits the window's price range into this many buckets
// when no per-symbol bucket size is configured.
const defaultBucketDivisor = 50

// ProfileLevel is one row of the volume-by-price histogram, serialized
// alongside the profile for later inspection.
type ProfileLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// ComputeProfile buckets tick volume by price and locates the point of
// control and the value area.
//
// POC is the bucket with the highest volume (ties resolve to the higher
// price). The value area grows outward from the POC, at each step absorbing
// whichever adjacent bucket holds more volume (ties go upward), until it
// encloses valueAreaPct of the window's volume. Prices are bucket lower
// edges; VAH is the upper edge of the topmost included bucket.
func ComputeProfile(ticks []types.Tick, bucket decimal.Decimal, valueAreaPct float64) (*types.MarketProfile, []ProfileLevel) {
	if len(ticks) == 0 {
		return nil, nil
	}

	minP, maxP := ticks[0].Price, ticks[0].Price
	total := decimal.Zero
	for _, t := range ticks {
		if t.Price.LessThan(minP) {
			minP = t.Price
		}
		if t.Price.GreaterThan(maxP) {
			maxP = t.Price
		}
		total = total.Add(t.Volume)
	}
	last := ticks[len(ticks)-1]

	if maxP.Equal(minP) {
		// Degenerate window: all volume at one price.
		p := &types.MarketProfile{
			Timestamp:   last.Timestamp,
			POC:         minP,
			VAH:         minP,
			VAL:         minP,
			BucketSize:  bucket,
			TotalVolume: total,
		}
		return p, []ProfileLevel{{Price: minP, Volume: total}}
	}

	if !bucket.IsPositive() {
		bucket = maxP.Sub(minP).Div(decimal.NewFromInt(defaultBucketDivisor))
	}

	hist := make(map[int64]decimal.Decimal)
	lo, hi := int64(0), int64(0)
	first := true
	for _, t := range ticks {
		idx := t.Price.Div(bucket).Floor().IntPart()
		hist[idx] = hist[idx].Add(t.Volume)
		if first {
			lo, hi = idx, idx
			first = false
		} else {
			if idx < lo {
				lo = idx
			}
			if idx > hi {
				hi = idx
			}
		}
	}

	// POC: highest volume, ties resolve upward.
	pocIdx := lo
	for idx := lo; idx <= hi; idx++ {
		if hist[idx].GreaterThanOrEqual(hist[pocIdx]) {
			pocIdx = idx
		}
	}

	// Expand the value area around the POC.
	target := total.Mul(decimal.NewFromFloat(valueAreaPct / 100))
	area := hist[pocIdx]
	vaLo, vaHi := pocIdx, pocIdx
	for area.LessThan(target) && (vaLo > lo || vaHi < hi) {
		var above, below decimal.Decimal
		if vaHi < hi {
			above = hist[vaHi+1]
		}
		if vaLo > lo {
			below = hist[vaLo-1]
		}
		// Upward bias on ties.
		if vaHi < hi && (above.GreaterThanOrEqual(below) || vaLo == lo) {
			vaHi++
			area = area.Add(above)
		} else {
			vaLo--
			area = area.Add(below)
		}
	}

	levels := make([]ProfileLevel, 0, int(hi-lo)+1)
	for idx := lo; idx <= hi; idx++ {
		if v, ok := hist[idx]; ok {
			levels = append(levels, ProfileLevel{Price: bucketPrice(idx, bucket), Volume: v})
		}
	}

	return &types.MarketProfile{
		Timestamp:   last.Timestamp,
		POC:         bucketPrice(pocIdx, bucket),
		VAH:         bucketPrice(vaHi+1, bucket),
		VAL:         bucketPrice(vaLo, bucket),
		BucketSize:  bucket,
		TotalVolume: total,
	}, levels
}

func bucketPrice(idx int64, bucket decimal.Decimal) decimal.Decimal {
	return bucket.Mul(decimal.NewFromInt(idx))
}
