// Package analytics derives the per-symbol snapshot the decision engine
// trades on: order flow, market profile, wick rejections, supply/demand
// zones, fair value gaps, mean reversion, autocorrelation, and
// multi-timeframe trend.
//
// A sweep wakes every update interval, computes snapshots for every symbol
// that received data recently (pairs fan out across a worker pool), persists
// derived rows, and publishes AnalyticsUpdated when anything changed. A
// sweep that overruns the interval causes the next cycle to be skipped, not
// queued. Published snapshots are immutable; the cache swaps whole pointers.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"

	"flowtrader/internal/bus"
	"flowtrader/internal/config"
	"flowtrader/internal/store"
	"flowtrader/pkg/types"
)

const (
	defaultWorkers  = 4
	candleWindow1m  = 60
	candleWindow5m  = 40
	candleWindow15m = 60
	maxActiveZones  = 50
)

// pairState is per-pair sweep memory. Each pair is computed by one worker
// per sweep and sweeps never overlap, so no lock is needed.
type pairState struct {
	bucket       decimal.Decimal
	zones        ZoneTracker
	gaps         GapTracker
	lastPub      *types.AnalyticsSnapshot
	lastPubAt    time.Time
	lastSampleAt time.Time
}

// Engine is the always-on analytics sweep.
type Engine struct {
	cfg    config.AnalyticsConfig
	bus    *bus.Bus
	store  *store.Store
	logger *slog.Logger

	// states is built once from the watchlist and read-only afterwards.
	states map[types.PairKey]*pairState

	pool *ants.Pool

	mu       sync.Mutex
	activity map[types.PairKey]time.Time

	snapshots sync.Map // types.PairKey → *types.AnalyticsSnapshot

	sweeping atomic.Bool
	subID    int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds the engine for the configured watchlist.
func New(cfg config.AnalyticsConfig, b *bus.Bus, st *store.Store, watchlist []config.SymbolConfig, logger *slog.Logger) (*Engine, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}

	states := make(map[types.PairKey]*pairState, len(watchlist))
	for _, s := range watchlist {
		states[s.Pair()] = &pairState{bucket: decimal.NewFromFloat(s.ProfileBucket)}
	}

	return &Engine{
		cfg:      cfg,
		bus:      b,
		store:    st,
		logger:   logger.With("component", "analytics"),
		states:   states,
		pool:     pool,
		activity: make(map[types.PairKey]time.Time),
	}, nil
}

// Name implements bus.Component.
func (e *Engine) Name() string { return "analytics" }

// Start subscribes for activity tracking and launches the sweep loop.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	e.subID = e.bus.Subscribe(bus.EventTradeTick, "analytics", e.onTick)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(runCtx)
	}()

	e.logger.Info("analytics started",
		"pairs", len(e.states),
		"interval", e.cfg.UpdateInterval(),
	)
	return nil
}

// Stop unsubscribes, halts the sweep loop, and releases the worker pool.
func (e *Engine) Stop(ctx context.Context) error {
	e.bus.Unsubscribe(e.subID)
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("analytics stop: %w", ctx.Err())
	}

	e.pool.Release()
	return nil
}

// Snapshot returns the latest cached snapshot for one pair.
func (e *Engine) Snapshot(pair types.PairKey) (*types.AnalyticsSnapshot, bool) {
	v, ok := e.snapshots.Load(pair)
	if !ok {
		return nil, false
	}
	return v.(*types.AnalyticsSnapshot), true
}

func (e *Engine) onTick(_ context.Context, ev bus.Event) error {
	t, ok := ev.Data.(types.Tick)
	if !ok {
		return fmt.Errorf("unexpected tick payload %T", ev.Data)
	}
	pair := types.PairKey{Venue: t.Venue, MarketType: t.MarketType, Symbol: t.Symbol}
	if _, known := e.states[pair]; !known {
		return nil
	}
	e.mu.Lock()
	e.activity[pair] = time.Now()
	e.mu.Unlock()
	return nil
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.UpdateInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepOnce(ctx)
		}
	}
}

// SweepOnce computes and publishes snapshots for every active pair. A sweep
// already in flight makes this a no-op, so overlapping cycles collapse
// instead of queueing.
func (e *Engine) SweepOnce(ctx context.Context) {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.logger.Debug("sweep in progress, skipping cycle")
		return
	}
	defer e.sweeping.Store(false)

	pairs := e.activePairs()
	if len(pairs) == 0 {
		return
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, pair := range pairs {
		pair := pair
		st := e.states[pair]
		wg.Add(1)
		if err := e.pool.Submit(func() {
			defer wg.Done()
			e.computePair(ctx, pair, st)
		}); err != nil {
			wg.Done()
			e.logger.Error("submit analytics job", "pair", pair, "error", err)
		}
	}
	wg.Wait()

	e.logger.Debug("sweep complete", "pairs", len(pairs), "took", time.Since(start))
}

// activePairs returns watchlist pairs that traded within the mean window.
func (e *Engine) activePairs() []types.PairKey {
	window := e.cfg.MeanWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	cutoff := time.Now().Add(-window)

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.PairKey, 0, len(e.activity))
	for pair, at := range e.activity {
		if at.After(cutoff) {
			out = append(out, pair)
		}
	}
	return out
}

func (e *Engine) computePair(ctx context.Context, pair types.PairKey, st *pairState) {
	snap, err := e.compute(ctx, pair, st)
	if err != nil {
		e.logger.Error("compute snapshot", "pair", pair, "error", err)
		return
	}
	if snap == nil {
		return
	}

	e.snapshots.Store(pair, snap)

	now := time.Now()
	if !snapshotChanged(st.lastPub, snap) && now.Sub(st.lastPubAt) < e.cfg.UpdateInterval() {
		return
	}
	ev := bus.NewEvent(bus.EventAnalyticsUpdated, bus.AnalyticsPayload{Pair: pair, Snapshot: snap})
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish snapshot", "pair", pair, "error", err)
		return
	}
	st.lastPub = snap
	st.lastPubAt = now
}

func (e *Engine) compute(ctx context.Context, pair types.PairKey, st *pairState) (*types.AnalyticsSnapshot, error) {
	db, err := e.store.Acquire(pair)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	defer e.store.Release(db)

	lookback := maxDuration(e.cfg.OrderFlowWindow, e.cfg.ProfileWindow, e.cfg.MeanWindow)
	ticks, err := db.RecentTicks(ctx, lookback)
	if err != nil {
		return nil, err
	}
	if len(ticks) == 0 {
		return nil, nil
	}
	last := ticks[len(ticks)-1]

	flow := ComputeOrderFlow(ticks, e.cfg.OrderFlowWindow, e.cfg.LargeTradeK)
	profile, levels := ComputeProfile(ticksWithin(ticks, e.cfg.ProfileWindow), st.bucket, e.cfg.ValueAreaPct)

	candles1m, err := db.RecentCandles(ctx, types.TF1m, candleWindow1m)
	if err != nil {
		return nil, err
	}
	candles5m, err := db.RecentCandles(ctx, types.TF5m, candleWindow5m)
	if err != nil {
		return nil, err
	}
	closes15m, err := db.Closes(ctx, types.TF15m, candleWindow15m)
	if err != nil {
		return nil, err
	}

	var rejection types.Rejection
	var latest *types.Candle
	if len(candles1m) > 0 {
		c := candles1m[len(candles1m)-1]
		latest = &c
		rejection = DetectRejection(c)
	}

	existingZones, err := db.ActiveZones(ctx, maxActiveZones)
	if err != nil {
		return nil, err
	}
	zones, dirtyZones := st.zones.Update(existingZones, candles1m, candles5m)
	for _, z := range dirtyZones {
		if err := db.SaveZone(ctx, z); err != nil {
			e.logger.Error("persist zone", "pair", pair, "error", err)
		}
	}

	existingGaps, err := db.OpenGaps(ctx)
	if err != nil {
		return nil, err
	}
	gaps, dirtyGaps := st.gaps.Update(existingGaps, candles1m)
	for _, g := range dirtyGaps {
		if err := db.SaveGap(ctx, g); err != nil {
			e.logger.Error("persist gap", "pair", pair, "error", err)
		}
	}

	meanPrices := floatPrices(ticksWithin(ticks, e.cfg.MeanWindow))
	lastPrice, _ := last.Price.Float64()
	mean, stddev, z := MeanReversion(meanPrices, lastPrice)

	autocorr, autocorrOK := AutocorrLag1(floatPrices(ticks), e.cfg.AutocorrWindow)

	trends := []types.TimeframeTrend{
		TrendFor(types.TF1m, closesOf(candles1m), e.cfg.EMAShort, e.cfg.EMALong),
		TrendFor(types.TF5m, closesOf(candles5m), e.cfg.EMAShort, e.cfg.EMALong),
		TrendFor(types.TF15m, closes15m, e.cfg.EMAShort, e.cfg.EMALong),
	}

	// Sample rows persist once per window advance, not once per sweep.
	if flow.WindowEnd.After(st.lastSampleAt) {
		if err := db.InsertOrderFlow(ctx, flow); err != nil {
			e.logger.Error("persist order flow", "pair", pair, "error", err)
		}
		if profile != nil {
			blob, merr := json.Marshal(levels)
			if merr != nil {
				e.logger.Error("encode histogram", "pair", pair, "error", merr)
			} else if err := db.InsertProfile(ctx, *profile, blob); err != nil {
				e.logger.Error("persist profile", "pair", pair, "error", err)
			}
		}
		st.lastSampleAt = flow.WindowEnd
	}

	return &types.AnalyticsSnapshot{
		Venue:          pair.Venue,
		MarketType:     pair.MarketType,
		Symbol:         pair.Symbol,
		ComputedAt:     time.Now(),
		LastPrice:      last.Price,
		OrderFlow:      flow,
		Profile:        profile,
		Rejection:      rejection,
		LatestCandle:   latest,
		Zones:          zones,
		Gaps:           gaps,
		PriceMean15m:   mean,
		PriceStddev15m: stddev,
		ZScore:         z,
		AutocorrLag1:   autocorr,
		AutocorrOK:     autocorrOK,
		Trends:         trends,
		TrendAgreement: TrendAgreement(trends),
	}, nil
}

// snapshotChanged compares everything except the computation timestamp.
func snapshotChanged(prev, next *types.AnalyticsSnapshot) bool {
	if prev == nil || next == nil {
		return true
	}
	a, b := *prev, *next
	a.ComputedAt, b.ComputedAt = time.Time{}, time.Time{}
	return !reflect.DeepEqual(a, b)
}

func ticksWithin(ticks []types.Tick, window time.Duration) []types.Tick {
	if len(ticks) == 0 || window <= 0 {
		return ticks
	}
	cutoff := ticks[len(ticks)-1].Timestamp.Add(-window)
	for i, t := range ticks {
		if !t.Timestamp.Before(cutoff) {
			return ticks[i:]
		}
	}
	return nil
}

func floatPrices(ticks []types.Tick) []float64 {
	out := make([]float64, len(ticks))
	for i, t := range ticks {
		out[i], _ = t.Price.Float64()
	}
	return out
}

func closesOf(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Close.Float64()
	}
	return out
}

func maxDuration(ds ...time.Duration) time.Duration {
	var max time.Duration
	for _, d := range ds {
		if d > max {
			max = d
		}
	}
	return max
}
