package decision

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

const (
	// proximityPct is how far price may sit beyond a zone edge or a value
	// area edge and still count as "at" it.
	proximityPct = 0.02

	zExtreme    = 2.0
	zElevated   = 1.0
	rTrending   = 0.6
	rMeanRevert = 0.3
)

// filterVerdict is one secondary filter's contribution.
type filterVerdict struct {
	score  float64
	reason string
	target decimal.Decimal // set by the opposing-zone filter only
}

// zoneFilter awards the full weight for a fresh aligned zone at price and
// half for one already tested. Demand zones back LONG entries, supply SHORT.
func zoneFilter(snap *types.AnalyticsSnapshot, side types.SignalSide, weight float64) filterVerdict {
	want := types.ZoneDemand
	if side == types.SHORT {
		want = types.ZoneSupply
	}

	var best *types.Zone
	for i := range snap.Zones {
		z := &snap.Zones[i]
		if z.Type != want || z.State == types.ZoneBroken {
			continue
		}
		if !zoneAtPrice(*z, snap.LastPrice) {
			continue
		}
		if best == nil || (best.State != types.ZoneFresh && z.State == types.ZoneFresh) {
			best = z
		}
	}

	if best == nil {
		return filterVerdict{reason: fmt.Sprintf("no %s zone at price", want)}
	}
	if best.State == types.ZoneFresh {
		return filterVerdict{
			score:  weight,
			reason: fmt.Sprintf("fresh %s zone %s-%s at price", want, best.PriceLow, best.PriceHigh),
		}
	}
	return filterVerdict{
		score:  weight / 2,
		reason: fmt.Sprintf("%s zone at price, tested %dx", want, best.TestCount),
	}
}

// zoneAtPrice reports whether price sits inside the band or within the
// proximity margin of either edge.
func zoneAtPrice(z types.Zone, price decimal.Decimal) bool {
	lo := z.PriceLow.Mul(decimal.NewFromFloat(1 - proximityPct))
	hi := z.PriceHigh.Mul(decimal.NewFromFloat(1 + proximityPct))
	return price.GreaterThanOrEqual(lo) && price.LessThanOrEqual(hi)
}

// profileFilter awards the full weight at a value area edge and a third
// inside the area. Edges are where responsive trade concentrates; the middle
// carries little information.
func profileFilter(snap *types.AnalyticsSnapshot, weight float64) filterVerdict {
	p := snap.Profile
	if p == nil {
		return filterVerdict{reason: "no profile"}
	}
	price := snap.LastPrice

	if atEdge(price, p.VAL) {
		return filterVerdict{score: weight, reason: fmt.Sprintf("price at VAL %s", p.VAL)}
	}
	if atEdge(price, p.VAH) {
		return filterVerdict{score: weight, reason: fmt.Sprintf("price at VAH %s", p.VAH)}
	}
	if price.GreaterThanOrEqual(p.VAL) && price.LessThanOrEqual(p.VAH) {
		return filterVerdict{score: weight / 3, reason: "inside value area"}
	}
	return filterVerdict{reason: "outside value area"}
}

func atEdge(price, edge decimal.Decimal) bool {
	if !edge.IsPositive() {
		return false
	}
	return price.Sub(edge).Abs().LessThanOrEqual(edge.Mul(decimal.NewFromFloat(proximityPct)))
}

// meanRevFilter awards the full weight when price is stretched at least two
// sigma against the entry side, so reversion works for the trade. Any
// elevated deviation earns half.
func meanRevFilter(snap *types.AnalyticsSnapshot, side types.SignalSide, weight float64) filterVerdict {
	z := snap.ZScore
	opposing := (side == types.LONG && z <= -zExtreme) || (side == types.SHORT && z >= zExtreme)
	switch {
	case opposing:
		return filterVerdict{score: weight, reason: fmt.Sprintf("z=%.2f stretched against entry", z)}
	case math.Abs(z) >= zElevated:
		return filterVerdict{score: weight / 2, reason: fmt.Sprintf("z=%.2f elevated", z)}
	default:
		return filterVerdict{reason: fmt.Sprintf("z=%.2f near mean", z)}
	}
}

// fvgFilter awards the full weight for an unfilled gap aligned with the
// entry direction and half for a partially filled one.
func fvgFilter(snap *types.AnalyticsSnapshot, side types.SignalSide, weight float64) filterVerdict {
	want := types.GapBullish
	if side == types.SHORT {
		want = types.GapBearish
	}

	var best *types.FairValueGap
	for i := range snap.Gaps {
		g := &snap.Gaps[i]
		if g.Direction != want || g.State == types.GapFilled {
			continue
		}
		if best == nil || (best.State != types.GapUnfilled && g.State == types.GapUnfilled) {
			best = g
		}
	}

	if best == nil {
		return filterVerdict{reason: fmt.Sprintf("no open %s gap", want)}
	}
	if best.State == types.GapUnfilled {
		return filterVerdict{
			score:  weight,
			reason: fmt.Sprintf("unfilled %s gap %s-%s", want, best.GapLow, best.GapHigh),
		}
	}
	return filterVerdict{
		score:  weight / 2,
		reason: fmt.Sprintf("%s gap %.0f%% filled", want, best.FillPct),
	}
}

// autocorrFilter awards the full weight in a clear regime, trending or
// mean-reverting, and half in the ambiguous middle band.
func autocorrFilter(snap *types.AnalyticsSnapshot, weight float64) filterVerdict {
	if !snap.AutocorrOK {
		return filterVerdict{reason: "autocorrelation unavailable"}
	}
	r := snap.AutocorrLag1
	switch {
	case math.Abs(r) > rTrending:
		return filterVerdict{score: weight, reason: fmt.Sprintf("trending regime (r=%.2f)", r)}
	case math.Abs(r) < rMeanRevert:
		return filterVerdict{score: weight, reason: fmt.Sprintf("mean-reverting regime (r=%.2f)", r)}
	default:
		return filterVerdict{score: weight / 2, reason: fmt.Sprintf("mixed regime (r=%.2f)", r)}
	}
}

// opposingZoneFilter rewards having somewhere to exit: the nearest unbroken
// zone on the far side of the trade becomes the suggested target.
func opposingZoneFilter(snap *types.AnalyticsSnapshot, side types.SignalSide, weight float64) filterVerdict {
	price := snap.LastPrice
	var target decimal.Decimal
	for _, z := range snap.Zones {
		if z.State == types.ZoneBroken {
			continue
		}
		switch {
		case side == types.LONG && z.Type == types.ZoneSupply && z.PriceLow.GreaterThan(price):
			if target.IsZero() || z.PriceLow.LessThan(target) {
				target = z.PriceLow
			}
		case side == types.SHORT && z.Type == types.ZoneDemand && z.PriceHigh.LessThan(price):
			if target.IsZero() || z.PriceHigh.GreaterThan(target) {
				target = z.PriceHigh
			}
		}
	}

	if target.IsZero() {
		return filterVerdict{reason: "no opposing zone to target"}
	}
	return filterVerdict{
		score:  weight,
		target: target,
		reason: fmt.Sprintf("opposing zone target %s", target),
	}
}
