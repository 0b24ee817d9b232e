package analytics

import (
	"time"

	"github.com/google/uuid"

	"flowtrader/pkg/types"
)

// GapTracker detects fair value gaps and advances their fill state as bars
// close.
type GapTracker struct {
	seenThrough time.Time
}

// Update detects gaps completed by unseen 3-candle sequences and re-measures
// fill progress for every open gap. candles must be oldest first. Returns
// the still-open set and the gaps whose rows changed.
func (gt *GapTracker) Update(open []types.FairValueGap, candles []types.Candle) (stillOpen, dirty []types.FairValueGap) {
	gaps := make([]types.FairValueGap, len(open))
	copy(gaps, open)

	// A bullish gap needs candle1.high < candle3.low; bearish is the mirror.
	// The gap exists once the third candle closes.
	for i := 0; i+2 < len(candles); i++ {
		a, c := candles[i], candles[i+2]
		if !c.OpenTime.After(gt.seenThrough) {
			continue
		}
		var g types.FairValueGap
		switch {
		case a.High.LessThan(c.Low):
			g = types.FairValueGap{
				ID:        uuid.NewString(),
				Direction: types.GapBullish,
				GapLow:    a.High,
				GapHigh:   c.Low,
				State:     types.GapUnfilled,
				CreatedAt: c.OpenTime,
			}
		case a.Low.GreaterThan(c.High):
			g = types.FairValueGap{
				ID:        uuid.NewString(),
				Direction: types.GapBearish,
				GapLow:    c.High,
				GapHigh:   a.Low,
				State:     types.GapUnfilled,
				CreatedAt: c.OpenTime,
			}
		default:
			continue
		}
		if !overlapsExistingGap(gaps, g) {
			gaps = append(gaps, g)
			dirty = append(dirty, g)
		}
	}

	// Fill is the maximum excursion into the gap since creation, so
	// re-measuring over already-seen candles is harmless.
	for i := range gaps {
		if updateGapFill(&gaps[i], candles) {
			dirty = append(dirty, gaps[i])
		}
	}

	for _, c := range candles {
		if c.OpenTime.After(gt.seenThrough) {
			gt.seenThrough = c.OpenTime
		}
	}

	for _, g := range gaps {
		if g.State != types.GapFilled {
			stillOpen = append(stillOpen, g)
		}
	}
	return stillOpen, dirty
}

// updateGapFill advances one gap's fill percentage from candle excursions
// after its creation. A bullish gap (price gapped up past it) fills from the
// top as price trades back down; bearish fills from the bottom. Exactly 100%
// is FILLED, not PARTIAL.
func updateGapFill(g *types.FairValueGap, candles []types.Candle) bool {
	if g.State == types.GapFilled {
		return false
	}
	height, _ := g.GapHigh.Sub(g.GapLow).Float64()
	if height <= 0 {
		return false
	}

	pct := g.FillPct
	for _, c := range candles {
		if !c.OpenTime.After(g.CreatedAt) {
			continue
		}
		var depth float64
		if g.Direction == types.GapBullish {
			low, _ := c.Low.Float64()
			top, _ := g.GapHigh.Float64()
			depth = (top - low) / height * 100
		} else {
			high, _ := c.High.Float64()
			bottom, _ := g.GapLow.Float64()
			depth = (high - bottom) / height * 100
		}
		if depth > pct {
			pct = depth
		}
	}
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	if pct == g.FillPct {
		return false
	}

	g.FillPct = pct
	switch {
	case pct >= 100:
		g.State = types.GapFilled
	case pct > 0:
		g.State = types.GapPartial
	default:
		g.State = types.GapUnfilled
	}
	return true
}

func overlapsExistingGap(gaps []types.FairValueGap, g types.FairValueGap) bool {
	for _, e := range gaps {
		if e.Direction != g.Direction {
			continue
		}
		if g.GapLow.LessThanOrEqual(e.GapHigh) && g.GapHigh.GreaterThanOrEqual(e.GapLow) {
			return true
		}
	}
	return false
}
