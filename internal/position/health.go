package position

import (
	"time"

	"github.com/shopspring/decimal"

	"flowtrader/internal/config"
	"flowtrader/pkg/types"
)

// Unrealized PnL normalization bounds: -5% of entry notional scores 0,
// +5% scores 100, linear between.
const (
	healthPnLFloor = -5.0
	healthPnLCeil  = 5.0
)

// healthReport is one scored portfolio, 0 (critical) to 100 (healthy), with
// its weighted inputs kept for logging and the degraded event.
type healthReport struct {
	Score         float64
	PnLScore      float64 // 40%: normalized total unrealized PnL
	WinQuality    float64 // 30%: share of positions in profit
	Concentration float64 // 20%: 100 - heaviest symbol's exposure share
	HoldSpread    float64 // 10%: distance from hold-time ceilings
}

// computeHealth scores a portfolio snapshot. An empty book is perfectly
// healthy: there is nothing at risk and no action to take.
func computeHealth(positions []types.Position, cfg config.PositionConfig, now time.Time) healthReport {
	if len(positions) == 0 {
		return healthReport{Score: 100, PnLScore: 100, WinQuality: 100, Concentration: 100, HoldSpread: 100}
	}

	totalNotional := decimal.Zero
	totalPnL := decimal.Zero
	bySymbol := make(map[string]decimal.Decimal)
	wins := 0
	var holdSum float64

	for _, p := range positions {
		n := p.Notional()
		totalNotional = totalNotional.Add(n)
		totalPnL = totalPnL.Add(p.UnrealizedPnL)
		bySymbol[p.Symbol] = bySymbol[p.Symbol].Add(n)
		if p.UnrealizedPnL.GreaterThan(decimal.Zero) {
			wins++
		}
		if max := cfg.MaxHold(p.AssetClass); max > 0 {
			ratio := float64(now.Sub(p.EntryTime)) / float64(max)
			if ratio > 1 {
				ratio = 1
			}
			if ratio < 0 {
				ratio = 0
			}
			holdSum += ratio
		}
	}

	var pnlPct float64
	if !totalNotional.IsZero() {
		pnlPct, _ = totalPnL.Div(totalNotional).Mul(hundred).Float64()
	}
	pnlScore := (pnlPct - healthPnLFloor) / (healthPnLCeil - healthPnLFloor) * 100
	pnlScore = clamp(pnlScore, 0, 100)

	winQuality := float64(wins) / float64(len(positions)) * 100

	var maxShare float64
	if !totalNotional.IsZero() {
		for _, n := range bySymbol {
			share, _ := n.Div(totalNotional).Float64()
			if share > maxShare {
				maxShare = share
			}
		}
	}
	concentration := clamp(100-maxShare*100, 0, 100)

	holdSpread := clamp(100-holdSum/float64(len(positions))*100, 0, 100)

	return healthReport{
		Score:         0.4*pnlScore + 0.3*winQuality + 0.2*concentration + 0.1*holdSpread,
		PnLScore:      pnlScore,
		WinQuality:    winQuality,
		Concentration: concentration,
		HoldSpread:    holdSpread,
	}
}

// healthBand maps a score onto the action ladder: 0 no action, 1 stop new
// entries, 2 also tighten stops, 3 also force-close the worst.
func healthBand(score float64, cfg config.HealthConfig) int {
	switch {
	case score < cfg.ForceClose:
		return 3
	case score < cfg.TightenStops:
		return 2
	case score < cfg.StopNewEntries:
		return 1
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
