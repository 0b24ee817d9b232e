package marketdata

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

func TestIngestorEndToEnd(t *testing.T) {
	b := newTestBus(t)
	st := newTestStore(t)

	// Timestamps on the current minute: lookback queries see the rows and the
	// wall-clock flush floor stays behind every forming bar for the test's
	// lifetime, so bars close only by event time.
	base := time.Now().UTC().Truncate(time.Minute)
	script := []RawTick{
		{Symbol: "BTC-USDT", Timestamp: base.Add(1 * time.Second), Price: d("100"), Volume: d("2"), Side: "", TradeID: "t1"},
		{Symbol: "BTC-USDT", Timestamp: base.Add(30 * time.Second), Price: d("102"), Volume: d("1"), Side: "SELL", TradeID: "t2"},
		{Symbol: "UNLISTED-USDT", Timestamp: base.Add(40 * time.Second), Price: d("5"), Volume: d("1"), Side: "BUY", TradeID: "t3"},
		{Symbol: "BTC-USDT", Timestamp: base.Add(63 * time.Second), Price: d("101"), Volume: d("1"), Side: "BUY", TradeID: "t4"},
	}
	feed := NewReplayFeed("paper", script, 0)

	var mu sync.Mutex
	var gotTicks []types.Tick
	var gotCandles []bus.CandlePayload
	b.Subscribe(bus.EventTradeTick, "test-ticks", func(_ context.Context, ev bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		gotTicks = append(gotTicks, ev.Data.(types.Tick))
		return nil
	})
	b.Subscribe(bus.EventCandleCompleted, "test-candles", func(_ context.Context, ev bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		gotCandles = append(gotCandles, ev.Data.(bus.CandlePayload))
		return nil
	})

	watchlist := []config.SymbolConfig{
		{Venue: "paper", MarketType: "spot", Symbol: "BTC-USDT", AssetClass: "major"},
	}
	ing := NewIngestor(b, st, []Feed{feed}, watchlist, testLogger())
	if err := ing.Start(context.Background()); err != nil {
		t.Fatalf("start ingestor: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotTicks) == 3 && len(gotCandles) >= 1
	}, "tick and candle events")

	mu.Lock()
	if gotTicks[0].Side != types.BUY {
		t.Errorf("undisclosed taker side = %s, want BUY default", gotTicks[0].Side)
	}
	if gotTicks[1].Side != types.SELL {
		t.Errorf("disclosed side = %s, want SELL preserved", gotTicks[1].Side)
	}
	for _, tk := range gotTicks {
		if tk.Symbol != "BTC-USDT" {
			t.Errorf("unwatched symbol leaked through: %s", tk.Symbol)
		}
	}
	first := gotCandles[0]
	mu.Unlock()

	if first.Candle.Timeframe != types.TF1m {
		t.Errorf("first closed bar tf = %s, want 1m", first.Candle.Timeframe)
	}
	if !first.Candle.Open.Equal(d("100")) || !first.Candle.Close.Equal(d("102")) {
		t.Errorf("bar open/close = %s/%s, want 100/102", first.Candle.Open, first.Candle.Close)
	}
	if !first.Candle.BuyVolume.Equal(d("2")) || !first.Candle.SellVolume.Equal(d("1")) {
		t.Errorf("bar buy/sell = %s/%s, want 2/1", first.Candle.BuyVolume, first.Candle.SellVolume)
	}

	// Rows land in the pair database before the events go out.
	pair := types.PairKey{Venue: "paper", MarketType: types.MarketSpot, Symbol: "BTC-USDT"}
	db, err := st.Acquire(pair)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer st.Release(db)
	rows, err := db.RecentTicks(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("recent ticks: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("persisted ticks = %d, want 3", len(rows))
	}
	bars, err := db.RecentCandles(context.Background(), types.TF1m, 10)
	if err != nil {
		t.Fatalf("recent candles: %v", err)
	}
	if len(bars) != 1 {
		t.Errorf("persisted 1m bars = %d, want 1", len(bars))
	}

	// Stop closes out the still-forming bars.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ing.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range gotCandles {
			if c.Candle.Timeframe == types.TF5m {
				return true
			}
		}
		return false
	}, "shutdown flush of forming bars")
}
