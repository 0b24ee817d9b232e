package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flowtrader/internal/bus"
	"flowtrader/internal/config"
	"flowtrader/internal/store"
	"flowtrader/pkg/types"
)

// Ingestor consumes every configured feed and turns raw prints into the
// engine's market data plane: it applies the BUY-default side policy,
// persists ticks, folds them into bars, persists closed bars, and publishes
// TradeTick and CandleCompleted events.
//
// Writes go to storage before the matching event is published, so a handler
// that queries on the event sees the row.
type Ingestor struct {
	bus    *bus.Bus
	store  *store.Store
	feeds  []Feed
	logger *slog.Logger

	// pairs and aggs are built once from the watchlist and read-only after.
	pairs map[string]types.PairKey
	aggs  map[types.PairKey]*Aggregator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngestor wires feeds to the bus and storage for the given watchlist.
// Ticks for symbols outside the watchlist are dropped.
func NewIngestor(b *bus.Bus, st *store.Store, feeds []Feed, watchlist []config.SymbolConfig, logger *slog.Logger) *Ingestor {
	pairs := make(map[string]types.PairKey, len(watchlist))
	aggs := make(map[types.PairKey]*Aggregator, len(watchlist))
	for _, s := range watchlist {
		key := s.Pair()
		pairs[feedKey(s.Venue, s.Symbol)] = key
		aggs[key] = NewAggregator(0)
	}
	return &Ingestor{
		bus:    b,
		store:  st,
		feeds:  feeds,
		logger: logger.With("component", "ingestor"),
		pairs:  pairs,
		aggs:   aggs,
	}
}

func feedKey(venue, symbol string) string { return venue + ":" + symbol }

// Name implements bus.Component.
func (i *Ingestor) Name() string { return "ingestor" }

// Start launches one run and one consume goroutine per feed plus the bar
// flush sweep.
func (i *Ingestor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	i.cancel = cancel

	for _, f := range i.feeds {
		f := f
		i.wg.Add(2)
		go func() {
			defer i.wg.Done()
			if err := f.Run(runCtx); err != nil && runCtx.Err() == nil {
				i.logger.Error("feed stopped", "venue", f.Name(), "error", err)
			}
		}()
		go func() {
			defer i.wg.Done()
			i.consume(runCtx, f)
		}()
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.flushLoop(runCtx)
	}()

	i.logger.Info("ingestor started", "feeds", len(i.feeds), "pairs", len(i.pairs))
	return nil
}

// Stop cancels the loops, waits for them within the context deadline, and
// closes out any still-forming bars.
func (i *Ingestor) Stop(ctx context.Context) error {
	if i.cancel != nil {
		i.cancel()
	}

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("ingestor stop: %w", ctx.Err())
	}

	for pair, agg := range i.aggs {
		for _, c := range agg.FlushAll() {
			i.emitCandle(ctx, pair, c)
		}
	}
	return nil
}

func (i *Ingestor) consume(ctx context.Context, f Feed) {
	venue := f.Name()
	for {
		select {
		case <-ctx.Done():
			return
		case rt, ok := <-f.Ticks():
			if !ok {
				return
			}
			i.handleTick(ctx, venue, rt)
		}
	}
}

func (i *Ingestor) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for pair, agg := range i.aggs {
				for _, c := range agg.Flush(time.Now()) {
					i.emitCandle(ctx, pair, c)
				}
			}
		}
	}
}

func (i *Ingestor) handleTick(ctx context.Context, venue string, rt RawTick) {
	pair, ok := i.pairs[feedKey(venue, rt.Symbol)]
	if !ok {
		i.logger.Debug("tick for unwatched symbol", "venue", venue, "symbol", rt.Symbol)
		return
	}

	side := types.Side(rt.Side)
	if side != types.BUY && side != types.SELL {
		// Undisclosed taker defaults to BUY. This is the only place the
		// default is applied.
		side = types.BUY
	}

	tick := types.Tick{
		Venue:      pair.Venue,
		MarketType: pair.MarketType,
		Symbol:     pair.Symbol,
		Timestamp:  rt.Timestamp,
		Price:      rt.Price,
		Volume:     rt.Volume,
		Side:       side,
		TradeID:    rt.TradeID,
	}

	closed := i.aggs[pair].Add(tick)

	db, err := i.store.Acquire(pair)
	if err != nil {
		i.logger.Error("acquire pair db", "pair", pair, "error", err)
	} else {
		if err := db.InsertTick(ctx, tick); err != nil {
			i.logger.Error("persist tick", "pair", pair, "error", err)
		}
		for _, c := range closed {
			if err := db.UpsertCandle(ctx, c); err != nil {
				i.logger.Error("persist candle", "pair", pair, "tf", c.Timeframe, "error", err)
			}
		}
		i.store.Release(db)
	}

	if err := i.bus.Publish(ctx, bus.NewEvent(bus.EventTradeTick, tick)); err != nil {
		i.logger.Warn("publish tick", "pair", pair, "error", err)
	}
	for _, c := range closed {
		i.publishCandle(ctx, pair, c)
	}
}

// emitCandle persists and publishes one bar closed outside the tick path
// (flush sweep or shutdown).
func (i *Ingestor) emitCandle(ctx context.Context, pair types.PairKey, c types.Candle) {
	db, err := i.store.Acquire(pair)
	if err != nil {
		i.logger.Error("acquire pair db", "pair", pair, "error", err)
	} else {
		if err := db.UpsertCandle(ctx, c); err != nil {
			i.logger.Error("persist candle", "pair", pair, "tf", c.Timeframe, "error", err)
		}
		i.store.Release(db)
	}
	i.publishCandle(ctx, pair, c)
}

func (i *Ingestor) publishCandle(ctx context.Context, pair types.PairKey, c types.Candle) {
	ev := bus.NewEvent(bus.EventCandleCompleted, bus.CandlePayload{Pair: pair, Candle: c})
	if err := i.bus.Publish(ctx, ev); err != nil {
		i.logger.Warn("publish candle", "pair", pair, "tf", c.Timeframe, "error", err)
	}
}
