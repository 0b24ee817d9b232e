package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flowtrader/internal/config"
)

// Cleaner is the always-on retention sweeper. Every cleanup interval it
// walks the open pair databases and deletes rows past their windows. One
// sweep runs at a time; a slow sweep skips ticks rather than stacking.
type Cleaner struct {
	cfg    config.StorageConfig
	store  *Store
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCleaner builds the retention component for a store.
func NewCleaner(cfg config.StorageConfig, s *Store, logger *slog.Logger) *Cleaner {
	return &Cleaner{cfg: cfg, store: s, logger: logger.With("component", "store.cleaner")}
}

// Name implements bus.Component.
func (c *Cleaner) Name() string { return "store.cleaner" }

// Start launches the sweep loop.
func (c *Cleaner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(runCtx)

	c.logger.Info("retention cleaner started", "interval", c.cfg.CleanupInterval())
	return nil
}

// Stop terminates the loop and waits for an in-flight sweep.
func (c *Cleaner) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("store.cleaner: stop: %w", ctx.Err())
	}
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep runs retention for every open pair database.
func (c *Cleaner) sweep(ctx context.Context) {
	start := time.Now()
	var pairs, deleted int
	for _, key := range c.store.Pool().Keys() {
		if ctx.Err() != nil {
			return
		}
		db, err := c.store.Acquire(key)
		if err != nil {
			c.logger.Warn("retention acquire failed", "pair", key, "error", err)
			continue
		}
		n, err := db.RunRetention(ctx, c.cfg)
		c.store.Release(db)
		if err != nil {
			c.logger.Warn("retention sweep failed", "pair", key, "error", err)
			continue
		}
		pairs++
		deleted += n
	}
	if pairs > 0 {
		c.logger.Debug("retention sweep done",
			"pairs", pairs, "rows_deleted", deleted, "took", time.Since(start))
	}
}

// RunRetention applies every retention rule to this pair and returns the
// number of rows deleted.
func (p *PairDB) RunRetention(ctx context.Context, cfg config.StorageConfig) (int, error) {
	now := time.Now()
	total := 0

	type rule struct {
		query string
		args  []any
	}
	rules := []rule{
		{`DELETE FROM ticks WHERE timestamp < ?`, []any{unixMS(now.Add(-cfg.RetentionTicks))}},
		{`DELETE FROM candles_1m WHERE open_time < ?`, []any{unixMS(now.Add(-cfg.RetentionCandles1m))}},
		{`DELETE FROM candles_5m WHERE open_time < ?`, []any{unixMS(now.Add(-cfg.RetentionCandlesHigh))}},
		{`DELETE FROM candles_15m WHERE open_time < ?`, []any{unixMS(now.Add(-cfg.RetentionCandlesHigh))}},
		{`DELETE FROM order_flow WHERE timestamp < ?`, []any{unixMS(now.Add(-cfg.RetentionOrderFlow))}},
		{`DELETE FROM market_profile WHERE timestamp < ?`, []any{unixMS(now.Add(-cfg.RetentionProfile))}},
		{`DELETE FROM supply_demand_zones WHERE state = 'BROKEN'`, nil},
		{`DELETE FROM supply_demand_zones WHERE id NOT IN
			(SELECT id FROM supply_demand_zones ORDER BY created_at DESC LIMIT ?)`,
			[]any{cfg.MaxZonesPerPair}},
		{`DELETE FROM fair_value_gaps WHERE filled = 'FILLED' OR created_at < ?`,
			[]any{unixMS(now.Add(-cfg.RetentionFVG))}},
	}

	for _, r := range rules {
		res, err := p.db.ExecContext(ctx, r.query, r.args...)
		if err != nil {
			return total, fmt.Errorf("retention %q: %w", firstLine(r.query), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
	}
	return total, nil
}
