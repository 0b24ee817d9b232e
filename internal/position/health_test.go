package position

import (
	"context"
	"math"
	"testing"
	"time"

	"flowtrader/internal/bus"
	"flowtrader/internal/config"
	"flowtrader/pkg/types"
)

func TestComputeHealthEmptyBook(t *testing.T) {
	t.Parallel()
	rep := computeHealth(nil, testPositionConfig(""), time.Now().UTC())
	if rep.Score != 100 {
		t.Fatalf("empty book score = %v, want 100", rep.Score)
	}
}

func TestComputeHealthComponents(t *testing.T) {
	t.Parallel()
	cfg := testPositionConfig("")
	now := time.Now().UTC()

	a := longPosition("a", "ETH-USDT", types.AssetRegular, "3000", "1")
	a.UnrealizedPnL = d("150")
	a.EntryTime = now.Add(-15 * time.Minute) // half the 30m ceiling
	b := longPosition("b", "BTC-USDT", types.AssetMajor, "60000", "0.05")
	b.UnrealizedPnL = d("-150")
	b.EntryTime = now

	rep := computeHealth([]types.Position{a, b}, cfg, now)

	// Flat total PnL on 6000 notional maps to the middle of the band.
	if rep.PnLScore != 50 {
		t.Fatalf("pnl score = %v, want 50", rep.PnLScore)
	}
	// One of two in profit.
	if rep.WinQuality != 50 {
		t.Fatalf("win quality = %v, want 50", rep.WinQuality)
	}
	// Equal 3000 notionals: heaviest share is half the book.
	if rep.Concentration != 50 {
		t.Fatalf("concentration = %v, want 50", rep.Concentration)
	}
	// Hold ratios 0.5 and 0 average to 0.25.
	if math.Abs(rep.HoldSpread-75) > 1e-9 {
		t.Fatalf("hold spread = %v, want 75", rep.HoldSpread)
	}
	want := 0.4*50 + 0.3*50 + 0.2*50 + 0.1*75
	if math.Abs(rep.Score-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", rep.Score, want)
	}
}

func TestComputeHealthFloorsAndCeilings(t *testing.T) {
	t.Parallel()
	cfg := testPositionConfig("")
	now := time.Now().UTC()

	// Deep loss, single symbol, at the hold ceiling: every component bottoms.
	p := longPosition("p", "ETH-USDT", types.AssetRegular, "3000", "1")
	p.UnrealizedPnL = d("-300") // -10%, past the -5% floor
	p.EntryTime = now.Add(-time.Hour)

	rep := computeHealth([]types.Position{p}, cfg, now)
	if rep.Score != 0 {
		t.Fatalf("score = %v, want 0", rep.Score)
	}

	// Strong profit, fresh position: PnL clamps at the +5% ceiling.
	p.UnrealizedPnL = d("300")
	p.EntryTime = now
	rep = computeHealth([]types.Position{p}, cfg, now)
	if rep.PnLScore != 100 {
		t.Fatalf("pnl score = %v, want 100", rep.PnLScore)
	}
	if rep.Concentration != 0 {
		t.Fatalf("single-symbol concentration = %v, want 0", rep.Concentration)
	}
}

func TestHealthBands(t *testing.T) {
	t.Parallel()
	cfg := config.HealthConfig{StopNewEntries: 70, TightenStops: 50, ForceClose: 30}
	tests := []struct {
		score float64
		want  int
	}{
		{100, 0}, {70, 0}, {69.9, 1}, {50, 1}, {49.9, 2}, {30, 2}, {29.9, 3}, {0, 3},
	}
	for _, tt := range tests {
		if got := healthBand(tt.score, cfg); got != tt.want {
			t.Errorf("healthBand(%v) = %d, want %d", tt.score, got, tt.want)
		}
	}
}

// Band 3 acts on everything at once: entries halt, stops tighten, and the two
// worst positions get force-closed. The event fires once per degradation, not
// once per sweep.
func TestHealthBandThreeForceCloses(t *testing.T) {
	t.Parallel()
	stateFile := stateFilePath(t)
	today := time.Now().UTC().Format("2006-01-02")

	eth := longPosition("pos-eth", "ETH-USDT", types.AssetRegular, "3000", "1")
	eth.UnrealizedPnL = d("-300")
	btc := longPosition("pos-btc", "BTC-USDT", types.AssetMajor, "60000", "0.05")
	btc.UnrealizedPnL = d("-400")

	seedState(t, stateFile, dayLedger{
		Date:        today,
		StartEquity: d("10000000"), // drawdown pct too small for the breaker
	}, eth, btc)

	h := newMonitorHarness(t, testPositionConfig(stateFile), nil)
	h.monitor.SweepOnce(context.Background())

	if !waitFor(t, time.Second, func() bool { return h.health.count() == 1 }) {
		t.Fatal("health degradation never emitted")
	}
	payload := h.health.at(0).Data.(bus.HealthPayload)
	if payload.Score >= 30 {
		t.Fatalf("score = %v, want < 30", payload.Score)
	}
	wantActions := []string{"stop_new_entries", "tighten_stops", "force_close_worst"}
	if len(payload.Actions) != len(wantActions) {
		t.Fatalf("actions = %v, want %v", payload.Actions, wantActions)
	}
	for i, a := range wantActions {
		if payload.Actions[i] != a {
			t.Fatalf("actions = %v, want %v", payload.Actions, wantActions)
		}
	}
	if !containsReason(haltReasons(h.halts), "portfolio_health") {
		t.Fatalf("halts = %v, want portfolio_health", haltReasons(h.halts))
	}

	if !waitFor(t, time.Second, func() bool { return h.requests.count() == 2 }) {
		t.Fatalf("close requests = %d, want 2", h.requests.count())
	}
	for i := 0; i < 2; i++ {
		req := h.requests.at(i).Data.(bus.ClosePayload)
		if req.Reason != types.ExitPortfolioHealth {
			t.Fatalf("close reason = %s, want %s", req.Reason, types.ExitPortfolioHealth)
		}
	}
	// The REGULAR position's 0.5% distance tightened to the 0.3% floor.
	if p, ok := h.position("pos-eth"); !ok || p.TrailingPct != 0.3 {
		t.Fatalf("eth trailing pct = %v, want 0.3", p.TrailingPct)
	}

	// Same band on the next sweep: no repeat emission.
	h.monitor.SweepOnce(context.Background())
	time.Sleep(20 * time.Millisecond)
	if h.health.count() != 1 {
		t.Fatalf("health events = %d, want 1", h.health.count())
	}
}
