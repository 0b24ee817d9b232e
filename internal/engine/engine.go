// Package engine constructs the trading system and owns its lifecycle.
//
// Construction wires every component onto one shared bus. Start brings the
// bus up first and ingestion last, so nothing publishes into a half-built
// system; Stop walks the same order in reverse inside the configured
// shutdown window, with the bus stopping last so components can still
// publish while they drain.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flowtrader/internal/analytics"
	"flowtrader/internal/bus"
	"flowtrader/internal/config"
	"flowtrader/internal/decision"
	"flowtrader/internal/execution"
	"flowtrader/internal/marketdata"
	"flowtrader/internal/notify"
	"flowtrader/internal/position"
	"flowtrader/internal/store"
	"flowtrader/internal/venue"
	"flowtrader/pkg/types"
)

// paperStartingBalance funds each paper venue's quote balance. Sizing is
// percent-of-equity, so the absolute number only sets the scale of the
// paper equity curve.
var paperStartingBalance = decimal.NewFromInt(100000)

// Engine wires and runs every component of the trading system.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *bus.Bus
	store     *store.Store
	venues    *venue.Registry
	monitor   *position.Monitor
	execution *execution.Engine
	decision  *decision.Engine

	// papers holds the paper adapters by venue name so the tick bridge can
	// pin their marks. Empty in live mode.
	papers map[string]*venue.Paper
	feeds  []marketdata.Feed

	// components in start order. The bus is managed separately: first up,
	// last down. The venue registry carries no lifecycle of its own.
	components []bus.Component
	started    int

	markSub int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs the full system for the given config. Nothing runs until
// Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	b := bus.New(cfg.Bus.QueueCapacity, cfg.Bus.PublishTimeout, logger)
	st := store.New(cfg.Storage, storeSink(b, logger), logger)
	cleaner := store.NewCleaner(cfg.Storage, st, logger)

	venues, papers, err := buildVenues(cfg, logger)
	if err != nil {
		return nil, err
	}

	equity := &registryBalance{venues: venues, timeout: cfg.Execution.VenueCallTimeout}
	monitor := position.NewMonitor(cfg.Position, cfg.Reconciliation, b, st, venues, equity, cfg.Watchlist, logger)
	exec := execution.New(cfg.Execution, b, venues, st, monitor, cfg.Watchlist, logger)
	dec := decision.New(cfg.Decision, b, logger)
	router := notify.NewRouter(b, logger)

	analyzer, err := analytics.New(cfg.Analytics, b, st, cfg.Watchlist, logger)
	if err != nil {
		return nil, fmt.Errorf("build analytics: %w", err)
	}

	feeds := buildFeeds(cfg, b, logger)
	ingest := marketdata.NewIngestor(b, st, feeds, cfg.Watchlist, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		bus:       b,
		store:     st,
		venues:    venues,
		monitor:   monitor,
		execution: exec,
		decision:  dec,
		papers:    papers,
		feeds:     feeds,
		components: []bus.Component{
			cleaner,
			exec,
			dec,
			router,
			monitor, // reconciles against the venues before anything reaches it
			analyzer,
			ingest, // last: market data starts flowing only into a ready system
		},
	}, nil
}

// Start brings the system up in dependency order. A component failure
// unwinds everything already started and returns the error.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}

	// Paper fills execute at the venue mark; pin it to the live stream
	// before any ticks flow.
	if len(e.papers) > 0 {
		e.markSub = e.bus.Subscribe(bus.EventTradeTick, "paper-marks", e.onTickMark)
	}

	for _, c := range e.components {
		if err := c.Start(ctx); err != nil {
			e.logger.Error("component failed to start", "which", c.Name(), "error", err)
			e.unwind()
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		e.started++
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.wg.Add(1)
	go e.statusLoop(runCtx)

	if len(e.feeds) == 0 {
		e.logger.Warn("no market data feeds configured; engine is idle until one is")
	}
	e.logger.Info("engine started",
		"mode", e.cfg.Mode,
		"venues", len(e.venues.All()),
		"watchlist", len(e.cfg.Watchlist),
		"feeds", len(e.feeds))
	return nil
}

// Stop shuts everything down in reverse start order within the configured
// shutdown window, the bus last.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownWindow())
	defer cancel()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.teardown(ctx)
	e.store.Close()
	e.logger.Info("engine stopped")
}

// unwind reverses a partial Start after a component failed to come up.
func (e *Engine) unwind() {
	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownWindow())
	defer cancel()
	e.teardown(ctx)
}

// teardown stops the started components in reverse, then the bus.
func (e *Engine) teardown(ctx context.Context) {
	if e.markSub != 0 {
		e.bus.Unsubscribe(e.markSub)
		e.markSub = 0
	}
	for i := e.started - 1; i >= 0; i-- {
		c := e.components[i]
		if err := c.Stop(ctx); err != nil {
			e.logger.Error("component stop failed", "which", c.Name(), "error", err)
		}
	}
	e.started = 0
	if err := e.bus.Stop(ctx); err != nil {
		e.logger.Error("bus stop failed", "error", err)
	}
}

func (e *Engine) shutdownWindow() time.Duration {
	if e.cfg.ShutdownTimeout > 0 {
		return e.cfg.ShutdownTimeout
	}
	return 10 * time.Second
}

// ResetRiskLatches clears the circuit breaker latch and the decision
// engine's entry halts. This is the operator path after a breaker day;
// the binary wires it to SIGHUP.
func (e *Engine) ResetRiskLatches() {
	e.monitor.ResetBreaker()
	e.decision.ResetHalts()
	e.logger.Info("risk latches reset")
}

// onTickMark pins each paper venue's mark to the latest trade so market
// fills and reconciliation track the stream.
func (e *Engine) onTickMark(ctx context.Context, ev bus.Event) error {
	tick, ok := ev.Data.(types.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	if p, ok := e.papers[tick.Venue]; ok {
		p.SetMark(tick.Symbol, tick.Price)
	}
	return nil
}

func (e *Engine) statusLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.StatusInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.logStatus()
		}
	}
}

// logStatus emits the one-line operational snapshot.
func (e *Engine) logStatus() {
	bs := e.bus.Stats()
	ps := e.store.Pool().Stats()
	open, closed := e.execution.Orders().Stats()
	e.logger.Info("status",
		"positions_open", e.monitor.OpenCount(),
		"orders_open", open,
		"orders_closed", closed,
		"bus_published", bs.Published,
		"bus_processed", bs.Processed,
		"bus_dropped", bs.Dropped,
		"bus_handler_errors", bs.HandlerErrors,
		"bus_depth", bs.QueueDepth,
		"db_open", ps.Open,
		"db_evictions", ps.Evictions,
	)
}

// storeSink routes storage failures onto the bus as system errors. Before
// the bus runs (or after it stops) the failure still lands in the log.
func storeSink(b *bus.Bus, logger *slog.Logger) store.ErrorSink {
	log := logger.With("component", "store")
	return func(reason, detail string) {
		ev := bus.NewEvent(bus.EventSystemError, bus.SystemErrorPayload{
			Component: "store",
			Reason:    reason,
			Detail:    detail,
		})
		if err := b.Publish(context.Background(), ev); err != nil {
			log.Error("storage failure not routed", "reason", reason, "detail", detail, "error", err)
		}
	}
}

// buildVenues constructs one adapter per venue. Paper mode swaps every venue
// the watchlist references for a paper double seeded with its symbols; live
// mode requires a registered adapter builder per configured venue.
func buildVenues(cfg *config.Config, logger *slog.Logger) (*venue.Registry, map[string]*venue.Paper, error) {
	reg := venue.NewRegistry()

	if cfg.Mode == "live" {
		for _, vc := range cfg.Venues {
			a, err := buildAdapter(vc, cfg.Execution.VenueCallTimeout, logger)
			if err != nil {
				return nil, nil, err
			}
			reg.Register(venue.WithSymbolCache(a))
		}
		return reg, nil, nil
	}

	// Market type per venue name: the venue config entry wins, the first
	// watchlist entry fills the gap.
	marketTypes := make(map[string]types.MarketType, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		if vc.MarketType != "" {
			marketTypes[vc.Name] = types.MarketType(vc.MarketType)
		}
	}

	papers := make(map[string]*venue.Paper)
	for _, s := range cfg.Watchlist {
		p, ok := papers[s.Venue]
		if !ok {
			mt, found := marketTypes[s.Venue]
			if !found {
				mt = types.MarketType(s.MarketType)
			}
			if mt == "" {
				mt = types.MarketSpot
			}
			p = venue.NewPaper(s.Venue, mt, paperStartingBalance)
			papers[s.Venue] = p
			reg.Register(p)
		}
		// Zero tick/step/notional means unconstrained; the sizer skips them.
		p.AddSymbol(types.SymbolInfo{Symbol: s.Symbol})
	}
	return reg, papers, nil
}

// buildFeeds returns one websocket stream per venue with an endpoint,
// subscribed to that venue's watchlist symbols. Venues without an endpoint
// contribute no feed; replay feeds are wired programmatically (tests do).
func buildFeeds(cfg *config.Config, b *bus.Bus, logger *slog.Logger) []marketdata.Feed {
	symbolsByVenue := make(map[string][]string)
	for _, s := range cfg.Watchlist {
		symbolsByVenue[s.Venue] = append(symbolsByVenue[s.Venue], s.Symbol)
	}

	var feeds []marketdata.Feed
	for _, vc := range cfg.Venues {
		if vc.WSURL == "" {
			continue
		}
		symbols := symbolsByVenue[vc.Name]
		if len(symbols) == 0 {
			logger.Warn("venue has a stream endpoint but no watchlist symbols", "venue", vc.Name)
			continue
		}
		name := vc.Name
		feeds = append(feeds, marketdata.NewStreamClient(marketdata.StreamConfig{
			Venue:   name,
			URL:     vc.WSURL,
			Symbols: symbols,
			OnDown: func(since time.Time) {
				ev := bus.NewEvent(bus.EventConnectionLost, bus.ConnectionLostPayload{Venue: name, Since: since})
				if err := b.Publish(context.Background(), ev); err != nil {
					logger.Warn("connection loss not routed", "venue", name, "error", err)
				}
			},
		}, logger))
	}
	return feeds
}

// registryBalance sums quote equity across every venue. A single
// unreachable venue fails the read rather than understating equity: the
// breaker compares drawdown percentages against this number.
type registryBalance struct {
	venues  *venue.Registry
	timeout time.Duration
}

func (r *registryBalance) Equity(ctx context.Context) (decimal.Decimal, error) {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	total := decimal.Zero
	for _, a := range r.venues.All() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		bal, err := a.GetBalance(callCtx)
		cancel()
		if err != nil {
			return decimal.Zero, fmt.Errorf("balance %s: %w", a.Name(), err)
		}
		total = total.Add(bal.Total)
	}
	return total, nil
}
