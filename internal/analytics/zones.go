package analytics

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

const (
	// zoneBaseLen is the minimum run of tight candles forming a base.
	zoneBaseLen = 2

	// zoneThrustMult is how many base-widths the thrust body must cover.
	zoneThrustMult = 1.5

	// zoneMaxTests: a touch beyond this count breaks the zone.
	zoneMaxTests = 2
)

// ZoneTracker advances supply/demand zone state as bars close. It remembers
// the last bar it processed so a sweep never tests a zone twice with the
// same candle.
type ZoneTracker struct {
	seenThrough time.Time
}

// Update applies unseen 1m candles to the existing zones (touch counting and
// close-through breaks) and then detects zones completed by unseen 1m/5m
// thrust candles. It returns the surviving active set and the zones whose
// rows changed and need persisting.
func (zt *ZoneTracker) Update(existing []types.Zone, candles1m, candles5m []types.Candle) (active, dirty []types.Zone) {
	var fresh []types.Candle
	for _, c := range candles1m {
		if c.OpenTime.After(zt.seenThrough) {
			fresh = append(fresh, c)
		}
	}

	zones := make([]types.Zone, len(existing))
	copy(zones, existing)
	for i := range zones {
		changed := false
		for _, c := range fresh {
			if zones[i].State == types.ZoneBroken {
				break
			}
			if applyCandleToZone(&zones[i], c) {
				changed = true
			}
		}
		if changed {
			dirty = append(dirty, zones[i])
		}
	}

	for _, w := range [][]types.Candle{candles1m, candles5m} {
		for _, z := range detectZones(w, zt.seenThrough) {
			if overlapsExistingZone(zones, z) {
				continue
			}
			zones = append(zones, z)
			dirty = append(dirty, z)
		}
	}

	for _, c := range candles1m {
		if c.OpenTime.After(zt.seenThrough) {
			zt.seenThrough = c.OpenTime
		}
	}
	for _, c := range candles5m {
		if c.OpenTime.After(zt.seenThrough) {
			zt.seenThrough = c.OpenTime
		}
	}

	for _, z := range zones {
		if z.State != types.ZoneBroken {
			active = append(active, z)
		}
	}
	return active, dirty
}

// applyCandleToZone mutates one zone with one closed bar. A close beyond the
// zone on its opposing side breaks it outright; an overlap without a
// close-through is a test, and the third test breaks it.
func applyCandleToZone(z *types.Zone, c types.Candle) bool {
	closeThrough := (z.Type == types.ZoneDemand && c.Close.LessThan(z.PriceLow)) ||
		(z.Type == types.ZoneSupply && c.Close.GreaterThan(z.PriceHigh))
	if closeThrough {
		z.State = types.ZoneBroken
		return true
	}

	touched := c.Low.LessThanOrEqual(z.PriceHigh) && c.High.GreaterThanOrEqual(z.PriceLow)
	if !touched {
		return false
	}
	z.TestCount++
	if z.TestCount > zoneMaxTests {
		z.State = types.ZoneBroken
	} else {
		z.State = types.ZoneTested
	}
	return true
}

// detectZones scans one timeframe's window for base-then-thrust structure:
// a run of tight candles (body ≤ half range) whose envelope is then cleared
// by a candle with body ≥ zoneThrustMult × envelope width. Only patterns
// whose thrust closed after the marker are reported.
func detectZones(window []types.Candle, after time.Time) []types.Zone {
	var out []types.Zone
	i := 0
	for i+zoneBaseLen < len(window) {
		j := i
		for j < len(window) && isBaseCandle(window[j]) {
			j++
		}
		if j-i < zoneBaseLen || j >= len(window) {
			if j == i {
				i++
			} else {
				i = j
			}
			continue
		}

		thrust := window[j]
		baseLow, baseHigh := envelope(window[i:j])
		width := baseHigh.Sub(baseLow)
		if width.IsPositive() && thrust.OpenTime.After(after) &&
			thrust.Body().GreaterThanOrEqual(width.Mul(decimal.NewFromFloat(zoneThrustMult))) {
			if z, ok := zoneFromThrust(thrust, baseLow, baseHigh, width); ok {
				out = append(out, z)
			}
		}
		i = j
	}
	return out
}

func zoneFromThrust(thrust types.Candle, baseLow, baseHigh, width decimal.Decimal) (types.Zone, bool) {
	var zt types.ZoneType
	switch {
	case thrust.IsBullish() && thrust.Close.GreaterThan(baseHigh):
		zt = types.ZoneDemand
	case !thrust.IsBullish() && thrust.Close.LessThan(baseLow):
		zt = types.ZoneSupply
	default:
		return types.Zone{}, false
	}

	body, _ := thrust.Body().Float64()
	w, _ := width.Float64()
	return types.Zone{
		ID:        uuid.NewString(),
		Type:      zt,
		PriceLow:  baseLow,
		PriceHigh: baseHigh,
		Strength:  body / w,
		TestCount: 0,
		State:     types.ZoneFresh,
		CreatedAt: thrust.OpenTime,
	}, true
}

// isBaseCandle: indecision bar, body at most half the range.
func isBaseCandle(c types.Candle) bool {
	rng := c.Range()
	if !rng.IsPositive() {
		return true
	}
	return c.Body().LessThanOrEqual(rng.Div(decimal.NewFromInt(2)))
}

func envelope(candles []types.Candle) (low, high decimal.Decimal) {
	low, high = candles[0].Low, candles[0].High
	for _, c := range candles[1:] {
		if c.Low.LessThan(low) {
			low = c.Low
		}
		if c.High.GreaterThan(high) {
			high = c.High
		}
	}
	return low, high
}

func overlapsExistingZone(zones []types.Zone, z types.Zone) bool {
	for _, e := range zones {
		if e.Type != z.Type {
			continue
		}
		if z.PriceLow.LessThanOrEqual(e.PriceHigh) && z.PriceHigh.GreaterThanOrEqual(e.PriceLow) {
			return true
		}
	}
	return false
}
