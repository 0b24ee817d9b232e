package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

// ComputeOrderFlow summarizes taker flow over the trailing window. The
// window is anchored to the newest tick, not the wall clock, so identical
// inputs always produce identical metrics.
//
// Ratio is buy/sell volume and is left undefined (Defined=false) when either
// side is zero: a one-sided window is not "infinitely dominant", it is
// unmeasurable. Large trades are prints with volume ≥ k × median volume.
func ComputeOrderFlow(ticks []types.Tick, window time.Duration, largeTradeK float64) types.OrderFlowMetric {
	if len(ticks) == 0 {
		return types.OrderFlowMetric{}
	}

	end := ticks[len(ticks)-1].Timestamp
	start := end.Add(-window)
	inWindow := ticks[:0:0]
	for _, t := range ticks {
		if !t.Timestamp.Before(start) {
			inWindow = append(inWindow, t)
		}
	}
	if len(inWindow) == 0 {
		return types.OrderFlowMetric{WindowStart: start, WindowEnd: end}
	}

	var buy, sell decimal.Decimal
	for _, t := range inWindow {
		if t.Side == types.SELL {
			sell = sell.Add(t.Volume)
		} else {
			buy = buy.Add(t.Volume)
		}
	}

	m := types.OrderFlowMetric{
		WindowStart: start,
		WindowEnd:   end,
		BuyVolume:   buy,
		SellVolume:  sell,
		CVD:         buy.Sub(sell),
		NetVolume:   buy.Sub(sell),
	}
	if buy.IsPositive() && sell.IsPositive() {
		b, _ := buy.Float64()
		s, _ := sell.Float64()
		m.Ratio = b / s
		m.Defined = true
	}
	m.LargeTrades = largeTrades(inWindow, largeTradeK)
	return m
}

// largeTrades returns prints whose volume clears k × median volume.
func largeTrades(ticks []types.Tick, k float64) []types.LargeTrade {
	if k <= 0 || len(ticks) == 0 {
		return nil
	}
	threshold := medianVolume(ticks).Mul(decimal.NewFromFloat(k))
	if !threshold.IsPositive() {
		return nil
	}

	var out []types.LargeTrade
	for _, t := range ticks {
		if t.Volume.GreaterThanOrEqual(threshold) {
			out = append(out, types.LargeTrade{
				Timestamp: t.Timestamp,
				Price:     t.Price,
				Volume:    t.Volume,
				Side:      t.Side,
			})
		}
	}
	return out
}

func medianVolume(ticks []types.Tick) decimal.Decimal {
	vols := make([]decimal.Decimal, len(ticks))
	for i, t := range ticks {
		vols[i] = t.Volume
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].LessThan(vols[j]) })

	mid := len(vols) / 2
	if len(vols)%2 == 1 {
		return vols[mid]
	}
	return vols[mid-1].Add(vols[mid]).Div(decimal.NewFromInt(2))
}
