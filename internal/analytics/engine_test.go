package analytics

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"flowtrader/internal/bus"
	"flowtrader/internal/config"
	"flowtrader/internal/store"
	"flowtrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(1024, time.Second, testLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.StorageConfig{
		BaseDir:            t.TempDir(),
		PoolSize:           8,
		QueryTimeout:       2 * time.Second,
		RetentionTicks:     15 * time.Minute,
		RetentionCandles1m: 15 * time.Minute,
	}
	s := store.New(cfg, nil, testLogger())
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testAnalyticsConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		UpdateIntervalS: 300, // keep the elapsed-republish branch out of reach
		OrderFlowWindow: 5 * time.Minute,
		LargeTradeK:     3,
		ProfileWindow:   15 * time.Minute,
		ValueAreaPct:    70,
		MeanWindow:      15 * time.Minute,
		AutocorrWindow:  100,
		EMAShort:        9,
		EMALong:         21,
		Workers:         2,
	}
}

func testWatchlist() []config.SymbolConfig {
	return []config.SymbolConfig{{
		Venue:         "binance",
		MarketType:    "spot",
		Symbol:        "BTC-USDT",
		AssetClass:    "MAJOR",
		ProfileBucket: 1,
	}}
}

// seedPair loads three recent prints (35 bought, 10 sold) and one closed
// rejection bar.
func seedPair(t *testing.T, st *store.Store, pair types.PairKey, base time.Time) {
	t.Helper()
	db, err := st.Acquire(pair)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer st.Release(db)

	ctx := context.Background()
	ticks := []types.Tick{
		{Timestamp: base, Price: d("100"), Volume: d("20"), Side: types.BUY},
		{Timestamp: base.Add(20 * time.Second), Price: d("100.5"), Volume: d("15"), Side: types.BUY},
		{Timestamp: base.Add(40 * time.Second), Price: d("100.2"), Volume: d("10"), Side: types.SELL},
	}
	for _, tk := range ticks {
		if err := db.InsertTick(ctx, tk); err != nil {
			t.Fatalf("insert tick: %v", err)
		}
	}

	c := types.Candle{
		Timeframe:  types.TF1m,
		OpenTime:   base.Truncate(time.Minute),
		Open:       d("100"),
		High:       d("102"),
		Low:        d("96"),
		Close:      d("101.6"),
		Volume:     d("45"),
		BuyVolume:  d("35"),
		SellVolume: d("10"),
	}
	if err := db.UpsertCandle(ctx, c); err != nil {
		t.Fatalf("upsert candle: %v", err)
	}
}

func TestEngineSweepPublishesOnChange(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	st := newTestStore(t)
	watch := testWatchlist()
	pair := watch[0].Pair()

	eng, err := New(testAnalyticsConfig(), b, st, watch, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.pool.Release)

	var mu sync.Mutex
	var published []*types.AnalyticsSnapshot
	b.Subscribe(bus.EventAnalyticsUpdated, "test-collector", func(_ context.Context, ev bus.Event) error {
		p := ev.Data.(bus.AnalyticsPayload)
		mu.Lock()
		published = append(published, p.Snapshot)
		mu.Unlock()
		return nil
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(published)
	}

	base := time.Now().UTC().Add(-90 * time.Second)
	seedPair(t, st, pair, base)

	ctx := context.Background()
	tick := types.Tick{Venue: pair.Venue, MarketType: pair.MarketType, Symbol: pair.Symbol}
	if err := eng.onTick(ctx, bus.NewEvent(bus.EventTradeTick, tick)); err != nil {
		t.Fatalf("mark activity: %v", err)
	}

	eng.SweepOnce(ctx)

	snap, ok := eng.Snapshot(pair)
	if !ok {
		t.Fatal("snapshot not cached after sweep")
	}
	if !snap.LastPrice.Equal(d("100.2")) {
		t.Errorf("last price = %s, want 100.2", snap.LastPrice)
	}
	if !snap.OrderFlow.Defined {
		t.Fatal("order flow ratio should be defined")
	}
	withinF(t, "flow ratio", snap.OrderFlow.Ratio, 3.5, 1e-9)
	if snap.Profile == nil {
		t.Fatal("expected a market profile")
	}
	if !snap.Rejection.Bullish {
		t.Error("seeded bar should read as a bullish rejection")
	}
	if snap.TrendAgreement {
		t.Error("one candle of history cannot agree on a trend")
	}
	waitFor(t, time.Second, func() bool { return count() == 1 }, "first snapshot publish")

	// Same data again: recomputed, cached, but not republished.
	eng.SweepOnce(ctx)
	time.Sleep(100 * time.Millisecond)
	if got := count(); got != 1 {
		t.Fatalf("unchanged snapshot republished: %d events", got)
	}

	// New prints change the flow metric and force a publish.
	db, err := st.Acquire(pair)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fresh := types.Tick{Timestamp: time.Now().UTC(), Price: d("101"), Volume: d("5"), Side: types.BUY}
	if err := db.InsertTick(ctx, fresh); err != nil {
		t.Fatalf("insert tick: %v", err)
	}
	st.Release(db)

	eng.SweepOnce(ctx)
	waitFor(t, time.Second, func() bool { return count() == 2 }, "republish after new data")

	snap, _ = eng.Snapshot(pair)
	if !snap.LastPrice.Equal(d("101")) {
		t.Errorf("last price = %s, want 101 after fresh print", snap.LastPrice)
	}
}

func TestEngineStartStop(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)
	st := newTestStore(t)
	watch := testWatchlist()
	pair := watch[0].Pair()

	cfg := testAnalyticsConfig()
	cfg.UpdateIntervalS = 1

	eng, err := New(cfg, b, st, watch, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	seedPair(t, st, pair, time.Now().UTC().Add(-90*time.Second))

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A live tick marks the pair active; the next sweep picks it up.
	tick := types.Tick{Venue: pair.Venue, MarketType: pair.MarketType, Symbol: pair.Symbol, Timestamp: time.Now().UTC(), Price: d("100"), Volume: d("1"), Side: types.BUY}
	if err := b.Publish(ctx, bus.NewEvent(bus.EventTradeTick, tick)); err != nil {
		t.Fatalf("publish tick: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		_, ok := eng.Snapshot(pair)
		return ok
	}, "sweep to cache a snapshot")

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
