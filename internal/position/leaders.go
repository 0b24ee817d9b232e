package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// leaderTracker keeps a rolling price window per market leader (BTC, ETH by
// default). A leader "dumps" when its latest print sits dropPct or more
// below the window's high, wherever in the window that high occurred.
type leaderTracker struct {
	mu      sync.Mutex
	symbols []string
	window  time.Duration
	dropPct float64
	prices  map[string][]leaderPoint
}

type leaderPoint struct {
	at    time.Time
	price float64
}

func newLeaderTracker(symbols []string, window time.Duration, dropPct float64) *leaderTracker {
	prices := make(map[string][]leaderPoint, len(symbols))
	for _, s := range symbols {
		prices[s] = nil
	}
	return &leaderTracker{symbols: append([]string(nil), symbols...), window: window, dropPct: dropPct, prices: prices}
}

// tracks reports whether the symbol is a configured leader.
func (t *leaderTracker) tracks(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.prices[symbol]
	return ok
}

// observe records one leader print and evicts points older than the window.
func (t *leaderTracker) observe(symbol string, at time.Time, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pts, ok := t.prices[symbol]
	if !ok {
		return
	}
	p, _ := price.Float64()
	pts = append(pts, leaderPoint{at: at, price: p})
	cutoff := at.Add(-t.window)
	for len(pts) > 0 && pts[0].at.Before(cutoff) {
		pts = pts[1:]
	}
	t.prices[symbol] = pts
}

// dump returns the first configured leader whose window shows a drop at or
// beyond the threshold, with the drop in percent (negative). The fired
// leader's window is cleared so the tracker re-arms on fresh prints instead
// of re-firing every sweep on the same slide.
func (t *leaderTracker) dump() (symbol string, dropPct float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sym := range t.symbols {
		pts := t.prices[sym]
		if len(pts) < 2 {
			continue
		}
		high := pts[0].price
		for _, p := range pts[1:] {
			if p.price > high {
				high = p.price
			}
		}
		if high <= 0 {
			continue
		}
		last := pts[len(pts)-1].price
		drop := (last - high) / high * 100
		if drop <= -t.dropPct {
			t.prices[sym] = nil
			return sym, drop, true
		}
	}
	return "", 0, false
}
