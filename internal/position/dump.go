package position

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"flowtrader/internal/config"
	"flowtrader/internal/store"
	"flowtrader/pkg/types"
)

// dumpSignals evaluates the three dump signals for one position against its
// pair database and latest mark. Signals read the adverse direction for the
// position's side: a dump for a LONG is a pump for a SHORT.
//
//  1. Volume reversal: the last N 1m candles are all adverse-dominant.
//  2. Order-flow flip: within the flip window the imbalance crossed from
//     favorable-dominant (≥ ratio) to adverse-dominant (≤ 1/ratio).
//  3. Momentum break: the mark sits more than the break percentage off the
//     favorable extreme reached since entry.
//
// Returns the fired count and one evidence line per fired signal.
func dumpSignals(ctx context.Context, cfg config.DumpConfig, db *store.PairDB, pos types.Position, mark decimal.Decimal) (int, []string, error) {
	var evidence []string

	reversal, err := volumeReversal(ctx, cfg, db, pos.Side)
	if err != nil {
		return 0, nil, err
	}
	if reversal {
		evidence = append(evidence, fmt.Sprintf("volume_reversal: %dx1m adverse", cfg.ReversalCandles))
	}

	flipped, from, to, err := flowFlip(ctx, cfg, db, pos.Side)
	if err != nil {
		return 0, nil, err
	}
	if flipped {
		evidence = append(evidence, fmt.Sprintf("flow_flip: %.2f -> %.2f", from, to))
	}

	if broke, offPct := momentumBreak(cfg, pos, mark); broke {
		evidence = append(evidence, fmt.Sprintf("momentum_break: %.2f%% off extreme", offPct))
	}

	return len(evidence), evidence, nil
}

// volumeReversal reports whether the last ReversalCandles 1m bars were all
// adverse-dominant. Fewer closed bars than required cannot fire.
func volumeReversal(ctx context.Context, cfg config.DumpConfig, db *store.PairDB, side types.SignalSide) (bool, error) {
	candles, err := db.RecentCandles(ctx, types.TF1m, cfg.ReversalCandles)
	if err != nil {
		return false, fmt.Errorf("volume reversal: %w", err)
	}
	if len(candles) < cfg.ReversalCandles {
		return false, nil
	}
	for _, c := range candles {
		adverse := c.SellVolume.GreaterThan(c.BuyVolume)
		if side == types.SHORT {
			adverse = c.BuyVolume.GreaterThan(c.SellVolume)
		}
		if !adverse {
			return false, nil
		}
	}
	return true, nil
}

// flowFlip scans the flip window's order-flow samples for a favorable
// reading at or above the flip ratio followed by an adverse reading at or
// below its inverse. Undefined samples (ratio zero) are skipped.
func flowFlip(ctx context.Context, cfg config.DumpConfig, db *store.PairDB, side types.SignalSide) (bool, float64, float64, error) {
	samples, err := db.FlowHistory(ctx, cfg.FlipWindow)
	if err != nil {
		return false, 0, 0, fmt.Errorf("flow flip: %w", err)
	}

	// Stored ratio is buy/sell: favorable for LONG is high, for SHORT low.
	favorable := func(r float64) bool { return r >= cfg.FlipRatio }
	adverse := func(r float64) bool { return r > 0 && r <= 1/cfg.FlipRatio }
	if side == types.SHORT {
		favorable = func(r float64) bool { return r > 0 && r <= 1/cfg.FlipRatio }
		adverse = func(r float64) bool { return r >= cfg.FlipRatio }
	}

	var from float64
	seen := false
	for _, s := range samples {
		if !s.Defined {
			continue
		}
		switch {
		case favorable(s.Ratio):
			from = s.Ratio
			seen = true
		case seen && adverse(s.Ratio):
			return true, from, s.Ratio, nil
		}
	}
	return false, 0, 0, nil
}

// momentumBreak reports whether the mark has fallen through the break
// percentage measured off the favorable extreme (symmetric for SHORT).
// Returns how far off the extreme the mark sits, in percent.
func momentumBreak(cfg config.DumpConfig, pos types.Position, mark decimal.Decimal) (bool, float64) {
	if mark.IsZero() {
		return false, 0
	}
	pctOf := decimal.NewFromFloat(cfg.MomentumBreakPct).Div(hundred)
	if pos.Side == types.LONG {
		if pos.HighestMark.IsZero() {
			return false, 0
		}
		floor := pos.HighestMark.Mul(decimal.NewFromInt(1).Sub(pctOf))
		if mark.LessThan(floor) {
			off, _ := pos.HighestMark.Sub(mark).Div(pos.HighestMark).Mul(hundred).Float64()
			return true, off
		}
		return false, 0
	}
	if pos.LowestMark.IsZero() {
		return false, 0
	}
	ceil := pos.LowestMark.Mul(decimal.NewFromInt(1).Add(pctOf))
	if mark.GreaterThan(ceil) {
		off, _ := mark.Sub(pos.LowestMark).Div(pos.LowestMark).Mul(hundred).Float64()
		return true, off
	}
	return false, 0
}
