package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flowtrader/internal/config"
	"flowtrader/pkg/types"
)

func testStorageConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		BaseDir:              t.TempDir(),
		PoolSize:             8,
		CleanupIntervalS:     300,
		QueryTimeout:         2 * time.Second,
		RetentionTicks:       15 * time.Minute,
		RetentionCandles1m:   15 * time.Minute,
		RetentionCandlesHigh: time.Hour,
		RetentionOrderFlow:   15 * time.Minute,
		RetentionProfile:     15 * time.Minute,
		RetentionFVG:         24 * time.Hour,
		MaxZonesPerPair:      50,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(testStorageConfig(t), nil, testLogger())
	t.Cleanup(s.Close)
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAcquireCreatesPathAndSchema(t *testing.T) {
	t.Parallel()
	cfg := testStorageConfig(t)
	s := New(cfg, nil, testLogger())
	t.Cleanup(s.Close)

	key := types.PairKey{Venue: "binance", MarketType: types.MarketSpot, Symbol: "BTC-USDT"}
	db, err := s.Acquire(key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release(db)

	want := filepath.Join(cfg.BaseDir, "binance", "spot", "BTC-USDT", "trading.ddb")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("db file not at %s: %v", want, err)
	}

	// Schema must exist: a write to each table should succeed.
	ctx := context.Background()
	now := time.Now()
	if err := db.InsertTick(ctx, types.Tick{Timestamp: now, Price: dec("100"), Volume: dec("1"), Side: types.BUY, TradeID: "t1"}); err != nil {
		t.Errorf("InsertTick: %v", err)
	}
	if err := db.UpsertCandle(ctx, types.Candle{Timeframe: types.TF1m, OpenTime: now, Open: dec("1"), High: dec("2"), Low: dec("0.5"), Close: dec("1.5"), Volume: dec("10"), BuyVolume: dec("6"), SellVolume: dec("4")}); err != nil {
		t.Errorf("UpsertCandle: %v", err)
	}
}

func TestTickFlowQueries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	db, err := s.Acquire(types.PairKey{Venue: "v", MarketType: types.MarketSpot, Symbol: "ETH-USDT"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release(db)

	ctx := context.Background()
	now := time.Now()
	ticks := []types.Tick{
		{Timestamp: now.Add(-3 * time.Minute), Price: dec("100"), Volume: dec("35"), Side: types.BUY, TradeID: "a"},
		{Timestamp: now.Add(-2 * time.Minute), Price: dec("101"), Volume: dec("10"), Side: types.SELL, TradeID: "b"},
		{Timestamp: now.Add(-1 * time.Minute), Price: dec("102"), Volume: dec("5"), Side: types.BUY, TradeID: "c"},
	}
	for _, tk := range ticks {
		if err := db.InsertTick(ctx, tk); err != nil {
			t.Fatalf("InsertTick: %v", err)
		}
	}

	cvd, err := db.CVD(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("CVD: %v", err)
	}
	if !cvd.Equal(dec("30")) { // 35 - 10 + 5
		t.Errorf("CVD = %s, want 30", cvd)
	}

	buy, sell, err := db.FlowVolumes(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("FlowVolumes: %v", err)
	}
	if !buy.Equal(dec("40")) || !sell.Equal(dec("10")) {
		t.Errorf("FlowVolumes = %s/%s, want 40/10", buy, sell)
	}

	got, err := db.RecentTicks(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("RecentTicks: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("RecentTicks len = %d, want 3", len(got))
	}
	if got[0].TradeID != "a" || got[2].TradeID != "c" {
		t.Error("RecentTicks not in time order")
	}
	if got[0].Symbol != "ETH-USDT" || got[0].Venue != "v" {
		t.Error("RecentTicks should stamp pair identity from the path key")
	}
}

func TestCandleQueries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	db, err := s.Acquire(types.PairKey{Venue: "v", MarketType: types.MarketSpot, Symbol: "SOL-USDT"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release(db)

	ctx := context.Background()
	base := time.Now().Truncate(time.Minute).Add(-5 * time.Minute)
	for i := 0; i < 5; i++ {
		c := types.Candle{
			Timeframe: types.TF1m,
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			Open:      decimal.NewFromInt(int64(100 + i)),
			High:      decimal.NewFromInt(int64(101 + i)),
			Low:       decimal.NewFromInt(int64(99 + i)),
			Close:     decimal.NewFromInt(int64(100 + i)),
			Volume:    dec("10"),
		}
		if err := db.UpsertCandle(ctx, c); err != nil {
			t.Fatalf("UpsertCandle: %v", err)
		}
	}

	candles, err := db.RecentCandles(ctx, types.TF1m, 3)
	if err != nil {
		t.Fatalf("RecentCandles: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("len = %d, want 3", len(candles))
	}
	if !candles[0].OpenTime.Before(candles[2].OpenTime) {
		t.Error("RecentCandles should be oldest first")
	}
	if !candles[2].Close.Equal(dec("104")) {
		t.Errorf("newest close = %s, want 104", candles[2].Close)
	}

	closes, err := db.Closes(ctx, types.TF1m, 5)
	if err != nil {
		t.Fatalf("Closes: %v", err)
	}
	if len(closes) != 5 || closes[0] != 100 || closes[4] != 104 {
		t.Errorf("Closes = %v", closes)
	}

	// Re-closing a bar replaces it rather than duplicating.
	c := types.Candle{Timeframe: types.TF1m, OpenTime: base, Open: dec("100"), High: dec("110"), Low: dec("99"), Close: dec("109"), Volume: dec("20")}
	if err := db.UpsertCandle(ctx, c); err != nil {
		t.Fatalf("UpsertCandle replace: %v", err)
	}
	all, err := db.RecentCandles(ctx, types.TF1m, 10)
	if err != nil {
		t.Fatalf("RecentCandles: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("after replace len = %d, want 5", len(all))
	}
}

func TestZonesAndGaps(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	db, err := s.Acquire(types.PairKey{Venue: "v", MarketType: types.MarketSpot, Symbol: "XRP-USDT"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release(db)

	ctx := context.Background()
	now := time.Now()

	zones := []types.Zone{
		{ID: "z1", Type: types.ZoneDemand, PriceLow: dec("99"), PriceHigh: dec("100"), Strength: 2.5, State: types.ZoneFresh, CreatedAt: now.Add(-time.Hour)},
		{ID: "z2", Type: types.ZoneSupply, PriceLow: dec("110"), PriceHigh: dec("111"), Strength: 1.2, TestCount: 1, State: types.ZoneTested, CreatedAt: now.Add(-30 * time.Minute)},
		{ID: "z3", Type: types.ZoneDemand, PriceLow: dec("95"), PriceHigh: dec("96"), Strength: 3.0, TestCount: 3, State: types.ZoneBroken, CreatedAt: now},
	}
	for _, z := range zones {
		if err := db.SaveZone(ctx, z); err != nil {
			t.Fatalf("SaveZone: %v", err)
		}
	}

	active, err := db.ActiveZones(ctx, 50)
	if err != nil {
		t.Fatalf("ActiveZones: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active zones = %d, want 2 (broken excluded)", len(active))
	}
	if active[0].ID != "z2" {
		t.Errorf("zones should be newest first, got %s", active[0].ID)
	}

	gaps := []types.FairValueGap{
		{ID: "g1", Direction: types.GapBullish, GapLow: dec("98.5"), GapHigh: dec("99.5"), FillPct: 0, State: types.GapUnfilled, CreatedAt: now.Add(-time.Hour)},
		{ID: "g2", Direction: types.GapBearish, GapLow: dec("105"), GapHigh: dec("106"), FillPct: 100, State: types.GapFilled, CreatedAt: now},
	}
	for _, g := range gaps {
		if err := db.SaveGap(ctx, g); err != nil {
			t.Fatalf("SaveGap: %v", err)
		}
	}

	open, err := db.OpenGaps(ctx)
	if err != nil {
		t.Fatalf("OpenGaps: %v", err)
	}
	if len(open) != 1 || open[0].ID != "g1" {
		t.Errorf("open gaps = %v, want only g1", open)
	}
}

func TestRetentionDeletesExpiredRows(t *testing.T) {
	t.Parallel()
	cfg := testStorageConfig(t)
	s := New(cfg, nil, testLogger())
	t.Cleanup(s.Close)

	db, err := s.Acquire(types.PairKey{Venue: "v", MarketType: types.MarketSpot, Symbol: "DOGE-USDT"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release(db)

	ctx := context.Background()
	now := time.Now()

	// One expired and one live row per window.
	old := now.Add(-16 * time.Minute)
	if err := db.InsertTick(ctx, types.Tick{Timestamp: old, Price: dec("1"), Volume: dec("1"), Side: types.BUY, TradeID: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertTick(ctx, types.Tick{Timestamp: now, Price: dec("1"), Volume: dec("1"), Side: types.BUY, TradeID: "new"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveGap(ctx, types.FairValueGap{ID: "stale", Direction: types.GapBullish, GapLow: dec("1"), GapHigh: dec("2"), State: types.GapUnfilled, CreatedAt: now.Add(-25 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveZone(ctx, types.Zone{ID: "broken", Type: types.ZoneDemand, PriceLow: dec("1"), PriceHigh: dec("2"), State: types.ZoneBroken, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	if _, err := db.RunRetention(ctx, cfg); err != nil {
		t.Fatalf("RunRetention: %v", err)
	}

	// Invariant: nothing older than the window survives a sweep.
	n, err := db.TickCount(ctx, now.Add(-cfg.RetentionTicks))
	if err != nil {
		t.Fatalf("TickCount: %v", err)
	}
	if n != 0 {
		t.Errorf("expired ticks remaining = %d, want 0", n)
	}

	live, err := db.RecentTicks(ctx, cfg.RetentionTicks)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].TradeID != "new" {
		t.Errorf("live ticks = %v, want only the new one", live)
	}

	gaps, err := db.OpenGaps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 0 {
		t.Errorf("stale gap should be deleted, got %d", len(gaps))
	}
	zones, err := db.ActiveZones(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(zones) != 0 {
		t.Errorf("broken zone should be deleted, got %d", len(zones))
	}
}

func TestRetentionCapsZoneCount(t *testing.T) {
	t.Parallel()
	cfg := testStorageConfig(t)
	cfg.MaxZonesPerPair = 5
	s := New(cfg, nil, testLogger())
	t.Cleanup(s.Close)

	db, err := s.Acquire(types.PairKey{Venue: "v", MarketType: types.MarketSpot, Symbol: "PEPE-USDT"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release(db)

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 9; i++ {
		z := types.Zone{
			ID:        string(rune('a' + i)),
			Type:      types.ZoneDemand,
			PriceLow:  dec("1"),
			PriceHigh: dec("2"),
			State:     types.ZoneFresh,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.SaveZone(ctx, z); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := db.RunRetention(ctx, cfg); err != nil {
		t.Fatalf("RunRetention: %v", err)
	}

	zones, err := db.ActiveZones(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(zones) != 5 {
		t.Fatalf("zones after cap = %d, want 5", len(zones))
	}
	// The newest five survive.
	if zones[0].ID != "i" {
		t.Errorf("newest zone = %s, want i", zones[0].ID)
	}
}
