package position

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"flowtrader/internal/bus"
	"flowtrader/internal/config"
	"flowtrader/internal/store"
	"flowtrader/internal/venue"
	"flowtrader/pkg/types"
)

// BalanceSource reports total account equity in quote units, the denominator
// of the daily drawdown. The engine implements it across the venue adapters.
type BalanceSource interface {
	Equity(ctx context.Context) (decimal.Decimal, error)
}

// consecutive sub-policy failures before a SystemError escalates.
const policyFailureLimit = 2

// Monitor owns every position from PositionOpened onward. It keeps trailing
// stops current on each tick, runs the portfolio risk sweep, and flattens
// positions by publishing close intents that execution carries out. It is
// the execution engine's PositionCounter.
type Monitor struct {
	cfg    config.PositionConfig
	rec    config.ReconciliationConfig
	bus    *bus.Bus
	store  *store.Store
	venues *venue.Registry
	equity BalanceSource
	logger *slog.Logger

	book    *Book
	leaders *leaderTracker

	// classBySymbol maps venue:symbol to the watchlist asset class.
	classBySymbol map[string]types.AssetClass

	stateMu sync.Mutex
	day     dayLedger

	// Sweep-goroutine state, no lock needed.
	failures map[string]int
	lastBand int

	subs     []int
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sweeping atomic.Bool
}

// NewMonitor builds the position monitor. The balance source feeds the
// drawdown breaker; venues are consulted only during startup reconciliation.
func NewMonitor(
	cfg config.PositionConfig,
	rec config.ReconciliationConfig,
	b *bus.Bus,
	st *store.Store,
	venues *venue.Registry,
	equity BalanceSource,
	watchlist []config.SymbolConfig,
	logger *slog.Logger,
) *Monitor {
	classes := make(map[string]types.AssetClass, len(watchlist))
	for _, s := range watchlist {
		classes[s.Venue+":"+s.Symbol] = s.Class()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	return &Monitor{
		cfg:           cfg,
		rec:           rec,
		bus:           b,
		store:         st,
		venues:        venues,
		equity:        equity,
		logger:        logger.With("component", "position"),
		book:          NewBook(),
		leaders:       newLeaderTracker(cfg.LeaderSymbols, cfg.LeaderWindow, cfg.LeaderDropPct),
		classBySymbol: classes,
		failures:      make(map[string]int),
	}
}

// Name implements bus.Component.
func (m *Monitor) Name() string { return "position" }

// OpenCount implements execution.PositionCounter. CLOSING positions still
// hold a slot until the venue confirms the flatten.
func (m *Monitor) OpenCount() int { return m.book.Len() }

// Positions copies the live book, for the status surface.
func (m *Monitor) Positions() []types.Position { return m.book.Snapshot() }

// Start restores persisted state, reconciles against the venues, and only
// then installs subscriptions and launches the risk sweep. Nothing reacts to
// live events until reconciliation has finished.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.restore(); err != nil {
		return fmt.Errorf("position: restore state: %w", err)
	}
	m.reconcile(ctx)

	m.subs = append(m.subs,
		m.bus.Subscribe(bus.EventPositionOpened, m.Name(), m.onPositionOpened),
		m.bus.Subscribe(bus.EventTradeTick, m.Name(), m.onTick),
		m.bus.Subscribe(bus.EventOrderFilled, m.Name(), m.onOrderFilled),
		m.bus.Subscribe(bus.EventOrderFailed, m.Name(), m.onCloseRejected),
		m.bus.Subscribe(bus.EventOrderCancelled, m.Name(), m.onCloseRejected),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.wg.Add(1)
	go m.sweepLoop(runCtx)

	m.logger.Info("position monitor started",
		"positions", m.book.Len(),
		"sweep_interval", m.cfg.SweepInterval,
		"leaders", m.cfg.LeaderSymbols,
	)
	return nil
}

// Stop removes subscriptions, halts the sweep, and persists a final state.
func (m *Monitor) Stop(ctx context.Context) error {
	for _, id := range m.subs {
		m.bus.Unsubscribe(id)
	}
	m.subs = nil
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("position: stop: %w", ctx.Err())
	}

	m.persist()
	return nil
}

// restore rebuilds the book and day ledger from the state file. A position
// persisted mid-close comes back OPEN: the outcome of its close order is
// unknown and reconciliation settles it against the venue.
func (m *Monitor) restore() error {
	st, err := loadState(m.cfg.StateFile)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}

	m.stateMu.Lock()
	m.day = st.Day
	m.stateMu.Unlock()

	restored := 0
	for _, pos := range st.Positions {
		if pos.State == types.PositionClosed || pos.State == types.PositionFailed {
			continue
		}
		pos.State = types.PositionOpen
		pos.ExitReason = ""
		arm(&pos, m.cfg.TrailingPct(pos.AssetClass))
		if m.book.Add(pos) {
			restored++
		}
	}
	if restored > 0 || st.Day.BreakerLevel > 0 {
		m.logger.Info("state restored",
			"positions", restored,
			"breaker_level", st.Day.BreakerLevel,
			"day", st.Day.Date,
		)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Event handlers
// ————————————————————————————————————————————————————————————————————————

func (m *Monitor) onPositionOpened(ctx context.Context, ev bus.Event) error {
	payload, ok := ev.Data.(bus.PositionPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	m.adopt(ctx, payload.Position)
	return nil
}

// adopt takes ownership of a freshly opened position: asset class and
// trailing fields are stamped, the book and audit table updated. Duplicate
// IDs are ignored, so replayed events are harmless.
func (m *Monitor) adopt(ctx context.Context, pos types.Position) {
	if pos.State == "" {
		pos.State = types.PositionOpen
	}
	if pos.State != types.PositionOpen {
		return
	}
	if pos.AssetClass == "" {
		pos.AssetClass = m.classFor(pos.Venue, pos.Symbol)
	}
	arm(&pos, m.cfg.TrailingPct(pos.AssetClass))

	if !m.book.Add(pos) {
		return
	}
	m.audit(ctx, pos)
	m.persist()
	m.logger.Info("tracking position",
		"position_id", pos.ID, "symbol", pos.Symbol, "side", pos.Side,
		"entry", pos.EntryPrice, "qty", pos.Quantity,
		"trailing_pct", pos.TrailingPct, "stop", pos.TrailingStop,
		"source", pos.Source,
	)
}

func (m *Monitor) onTick(ctx context.Context, ev bus.Event) error {
	tick, ok := ev.Data.(types.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	if m.leaders.tracks(tick.Symbol) {
		m.leaders.observe(tick.Symbol, tick.Timestamp, tick.Price)
	}

	pair := types.PairKey{Venue: tick.Venue, MarketType: tick.MarketType, Symbol: tick.Symbol}
	for _, rec := range m.book.forPair(pair) {
		m.handleMark(ctx, rec, tick.Price)
	}
	return nil
}

// handleMark folds one mark into a position and requests the close when the
// trailing stop is hit. The bus publishes happen outside the record lock.
func (m *Monitor) handleMark(ctx context.Context, rec *record, mark decimal.Decimal) {
	rec.mu.Lock()
	rec.mark = mark
	if rec.pos.State != types.PositionOpen {
		// Still flattening: keep PnL current, leave the stop alone.
		rec.pos.UnrealizedPnL = rec.pos.PnLAt(mark)
		rec.pos.UnrealizedPnLPct = rec.pos.PnLPctAt(mark)
		rec.mu.Unlock()
		return
	}
	triggered := advance(&rec.pos, mark)
	if !triggered {
		rec.mu.Unlock()
		return
	}
	rec.pos.State = types.PositionClosing
	rec.pos.ExitReason = types.ExitTrailingStop
	pos := rec.pos
	rec.mu.Unlock()

	m.logger.Info("trailing stop hit",
		"position_id", pos.ID, "symbol", pos.Symbol, "side", pos.Side,
		"mark", mark, "stop", pos.TrailingStop,
	)
	m.publish(ctx, bus.EventTrailingStopHit, bus.PositionPayload{Position: pos})
	m.requestClose(ctx, pos)
}

func (m *Monitor) onOrderFilled(ctx context.Context, ev bus.Event) error {
	payload, ok := ev.Data.(bus.OrderPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	if payload.PositionID == "" {
		return nil // entry fill; ownership arrives via PositionOpened
	}
	m.completeClose(ctx, payload)
	return nil
}

// completeClose settles a position once execution confirms the flatten.
func (m *Monitor) completeClose(ctx context.Context, payload bus.OrderPayload) {
	rec, ok := m.book.get(payload.PositionID)
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.pos.State != types.PositionClosing {
		rec.mu.Unlock()
		return
	}
	fill := payload.Order.AvgFillPrice
	if fill.IsZero() {
		fill = rec.mark
	}
	if fill.IsZero() {
		fill = rec.pos.EntryPrice
	}
	rec.pos.State = types.PositionClosed
	rec.pos.RealizedPnL = rec.pos.PnLAt(fill)
	rec.pos.UnrealizedPnL = rec.pos.RealizedPnL
	rec.pos.UnrealizedPnLPct = rec.pos.PnLPctAt(fill)
	if payload.Reason != "" {
		rec.pos.ExitReason = types.ExitReason(payload.Reason)
	}
	rec.pos.ClosedAt = payload.Order.UpdatedAt
	if rec.pos.ClosedAt.IsZero() {
		rec.pos.ClosedAt = time.Now().UTC()
	}
	pos := rec.pos
	rec.mu.Unlock()

	m.book.Remove(pos.ID)

	m.stateMu.Lock()
	m.day.Realized = m.day.Realized.Add(pos.RealizedPnL)
	m.stateMu.Unlock()

	m.audit(ctx, pos)
	m.persist()
	m.publish(ctx, bus.EventPositionClosed, bus.PositionPayload{Position: pos})
	m.logger.Info("position closed",
		"position_id", pos.ID, "symbol", pos.Symbol, "reason", pos.ExitReason,
		"realized_pnl", pos.RealizedPnL, "fill", fill,
	)
}

// onCloseRejected reverts a failed flatten back to OPEN so the next trigger
// retries it. The trailing stop and extremes survive untouched.
func (m *Monitor) onCloseRejected(ctx context.Context, ev bus.Event) error {
	payload, ok := ev.Data.(bus.OrderPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	if payload.PositionID == "" {
		return nil
	}
	rec, ok := m.book.get(payload.PositionID)
	if !ok {
		return nil
	}

	rec.mu.Lock()
	if rec.pos.State != types.PositionClosing {
		rec.mu.Unlock()
		return nil
	}
	rec.pos.State = types.PositionOpen
	reason := rec.pos.ExitReason
	rec.pos.ExitReason = ""
	rec.mu.Unlock()

	m.logger.Warn("close attempt failed, position stays open",
		"position_id", payload.PositionID, "wanted", reason, "reason", payload.Reason,
	)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Close plumbing
// ————————————————————————————————————————————————————————————————————————

// beginClose transitions OPEN -> CLOSING under the record lock. A record
// already closing or closed comes back false, which makes every policy's
// close request naturally idempotent.
func (m *Monitor) beginClose(rec *record, reason types.ExitReason) (types.Position, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.pos.State != types.PositionOpen {
		return types.Position{}, false
	}
	rec.pos.State = types.PositionClosing
	rec.pos.ExitReason = reason
	return rec.pos, true
}

// requestClose publishes the market-close intent for a CLOSING position.
// Execution drives the venue call and answers with order events.
func (m *Monitor) requestClose(ctx context.Context, pos types.Position) {
	req := bus.ClosePayload{
		PositionID: pos.ID,
		Pair:       pairOf(pos),
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		Reason:     pos.ExitReason,
	}
	m.publish(ctx, bus.EventPositionCloseRequested, req)
}

// forceClose runs beginClose + requestClose for one record.
func (m *Monitor) forceClose(ctx context.Context, rec *record, reason types.ExitReason) (types.Position, bool) {
	pos, ok := m.beginClose(rec, reason)
	if !ok {
		return types.Position{}, false
	}
	m.requestClose(ctx, pos)
	return pos, true
}

// closeWorst flattens the n open positions with the lowest unrealized PnL.
func (m *Monitor) closeWorst(ctx context.Context, n int, reason types.ExitReason) []string {
	type cand struct {
		rec *record
		pnl decimal.Decimal
		id  string
	}
	var cands []cand
	for _, rec := range m.book.all() {
		pos := rec.snapshot()
		if pos.State != types.PositionOpen {
			continue
		}
		cands = append(cands, cand{rec: rec, pnl: pos.UnrealizedPnL, id: pos.ID})
	}
	sort.Slice(cands, func(i, j int) bool {
		if c := cands[i].pnl.Cmp(cands[j].pnl); c != 0 {
			return c < 0
		}
		return cands[i].id < cands[j].id
	})

	var closed []string
	for _, c := range cands {
		if len(closed) >= n {
			break
		}
		if pos, ok := m.forceClose(ctx, c.rec, reason); ok {
			closed = append(closed, pos.Symbol)
		}
	}
	return closed
}

// closeAll flattens every open position.
func (m *Monitor) closeAll(ctx context.Context, reason types.ExitReason) []string {
	var closed []string
	for _, rec := range m.book.all() {
		if pos, ok := m.forceClose(ctx, rec, reason); ok {
			closed = append(closed, pos.Symbol)
		}
	}
	return closed
}

// ————————————————————————————————————————————————————————————————————————
// Risk sweep
// ————————————————————————————————————————————————————————————————————————

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.sweeping.CompareAndSwap(false, true) {
				continue // previous sweep still running
			}
			m.SweepOnce(ctx)
			m.sweeping.Store(false)
		}
	}
}

// SweepOnce runs the five risk sub-policies in order, then persists state.
// Each policy is isolated: a panic or error is logged and counted, and two
// consecutive failures of the same policy raise a SystemError.
func (m *Monitor) SweepOnce(ctx context.Context) {
	m.runPolicy(ctx, "dump_detector", m.policyDump)
	m.runPolicy(ctx, "correlated_dump", m.policyCorrelated)
	m.runPolicy(ctx, "portfolio_health", m.policyHealth)
	m.runPolicy(ctx, "circuit_breaker", m.policyBreaker)
	m.runPolicy(ctx, "hold_time", m.policyHoldTime)
	m.persist()
}

func (m *Monitor) runPolicy(ctx context.Context, name string, fn func(context.Context) error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	if err == nil {
		m.failures[name] = 0
		return
	}

	m.failures[name]++
	m.logger.Error("risk policy failed",
		"policy", name, "consecutive", m.failures[name], "error", err)
	if m.failures[name] >= policyFailureLimit {
		m.failures[name] = 0
		m.publish(ctx, bus.EventSystemError, bus.SystemErrorPayload{
			Component: m.Name(),
			Reason:    "policy_" + name,
			Detail:    err.Error(),
		})
	}
}

// policyDump evaluates the dump signals per open position and force-closes
// on two or more.
func (m *Monitor) policyDump(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	var lastErr error
	for _, rec := range m.book.all() {
		pos := rec.snapshot()
		if pos.State != types.PositionOpen {
			continue
		}
		rec.mu.Lock()
		mark := rec.mark
		rec.mu.Unlock()
		if mark.IsZero() {
			continue // no print since adoption, nothing to judge
		}

		pair := pairOf(pos)
		db, err := m.store.Acquire(pair)
		if err != nil {
			lastErr = fmt.Errorf("dump: acquire %s: %w", pair, err)
			continue
		}
		signals, evidence, err := dumpSignals(ctx, m.cfg.Dump, db, pos, mark)
		m.store.Release(db)
		if err != nil {
			lastErr = fmt.Errorf("dump: %s: %w", pair, err)
			continue
		}
		if signals < m.cfg.Dump.MinSignals {
			continue
		}

		if _, ok := m.forceClose(ctx, rec, types.ExitDumpDetected); !ok {
			continue
		}
		m.logger.Warn("dump detected",
			"symbol", pos.Symbol, "signals", signals, "evidence", evidence)
		m.publish(ctx, bus.EventDumpDetected, bus.DumpPayload{
			Pair:     pair,
			Signals:  signals,
			Evidence: evidence,
		})
	}
	return lastErr
}

// policyCorrelated flushes correlated positions when a market leader dumps.
func (m *Monitor) policyCorrelated(ctx context.Context) error {
	if m.book.Len() == 0 {
		return nil // leave the leader windows armed
	}
	leader, drop, ok := m.leaders.dump()
	if !ok {
		return nil
	}

	var closed []string
	for _, rec := range m.book.all() {
		pos := rec.snapshot()
		if m.cfg.Correlation(pos.AssetClass) < m.cfg.CorrelationCloseMin {
			continue
		}
		if p, ok := m.forceClose(ctx, rec, types.ExitCorrelatedDump); ok {
			closed = append(closed, p.Symbol)
		}
	}

	m.logger.Warn("correlated dump",
		"leader", leader, "drop_pct", drop, "closed", closed)
	m.publish(ctx, bus.EventCorrelatedDump, bus.CorrelatedDumpPayload{
		Leader:        leader,
		DropPct:       drop,
		ClosedSymbols: closed,
	})
	return nil
}

// policyHealth scores the portfolio and applies the action ladder. The
// mechanical actions repeat while the band holds (they are idempotent); the
// degraded event and halt fire once per deterioration.
func (m *Monitor) policyHealth(ctx context.Context) error {
	positions := m.book.Snapshot()
	if len(positions) == 0 {
		m.lastBand = 0
		return nil
	}

	rep := computeHealth(positions, m.cfg, time.Now().UTC())
	band := healthBand(rep.Score, m.cfg.Health)
	m.logger.Debug("portfolio health",
		"score", rep.Score, "pnl", rep.PnLScore, "win_quality", rep.WinQuality,
		"concentration", rep.Concentration, "hold_spread", rep.HoldSpread, "band", band)

	var actions []string
	if band >= 1 {
		actions = append(actions, "stop_new_entries")
	}
	if band >= 2 {
		actions = append(actions, "tighten_stops")
		m.tightenAll(ctx)
	}
	if band >= 3 {
		actions = append(actions, "force_close_worst")
		m.closeWorst(ctx, 2, types.ExitPortfolioHealth)
	}

	if band > m.lastBand {
		m.logger.Warn("portfolio health degraded",
			"score", rep.Score, "band", band, "actions", actions)
		m.publish(ctx, bus.EventHealthDegraded, bus.HealthPayload{
			Score:   rep.Score,
			Actions: actions,
		})
		m.publish(ctx, bus.EventStopNewEntries, bus.HaltPayload{Reason: "portfolio_health"})
	}
	m.lastBand = band
	return nil
}

// tightenAll narrows every open position's trailing distance to the health
// floor, closing immediately when the tightened stop is already through.
func (m *Monitor) tightenAll(ctx context.Context) {
	toPct := m.cfg.Health.TightenToPct
	for _, rec := range m.book.all() {
		rec.mu.Lock()
		if rec.pos.State != types.PositionOpen || !tighten(&rec.pos, toPct) {
			rec.mu.Unlock()
			continue
		}
		mark := rec.mark
		stop := rec.pos.TrailingStop
		triggered := false
		if !mark.IsZero() {
			if rec.pos.Side == types.LONG {
				triggered = mark.LessThanOrEqual(stop)
			} else {
				triggered = mark.GreaterThanOrEqual(stop)
			}
		}
		var pos types.Position
		if triggered {
			rec.pos.State = types.PositionClosing
			rec.pos.ExitReason = types.ExitTrailingStop
			pos = rec.pos
		}
		rec.mu.Unlock()

		if triggered {
			m.publish(ctx, bus.EventTrailingStopHit, bus.PositionPayload{Position: pos})
			m.requestClose(ctx, pos)
		}
	}
}

// policyBreaker compares the day's PnL with start-of-day equity and trips
// the latched drawdown levels. Levels only rise within a day; the latch
// clears on the day roll or a manual reset.
func (m *Monitor) policyBreaker(ctx context.Context) error {
	if m.equity == nil {
		return fmt.Errorf("breaker: no balance source")
	}
	today := time.Now().UTC().Format("2006-01-02")

	m.stateMu.Lock()
	day := m.day
	m.stateMu.Unlock()

	if day.Date != today {
		eq, err := m.equity.Equity(ctx)
		if err != nil {
			return fmt.Errorf("breaker: start-of-day equity: %w", err)
		}
		day = dayLedger{Date: today, StartEquity: eq}
		m.stateMu.Lock()
		m.day = day
		m.stateMu.Unlock()
		m.persist()
		m.logger.Info("trading day rolled", "date", today, "start_equity", eq)
	}
	if day.StartEquity.IsZero() {
		return nil
	}

	unrealized := decimal.Zero
	for _, pos := range m.book.Snapshot() {
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}
	pnl := day.Realized.Add(unrealized)
	pct, _ := pnl.Div(day.StartEquity).Mul(hundred).Float64()

	level := 0
	switch {
	case pct <= -m.cfg.Breaker.Level3Pct:
		level = 3
	case pct <= -m.cfg.Breaker.Level2Pct:
		level = 2
	case pct <= -m.cfg.Breaker.Level1Pct:
		level = 1
	}
	if level == 0 || level <= day.BreakerLevel {
		return nil
	}

	m.stateMu.Lock()
	m.day.BreakerLevel = level
	m.stateMu.Unlock()
	m.persist()

	m.logger.Error("circuit breaker tripped",
		"level", level, "daily_pnl_pct", pct, "start_equity", day.StartEquity)
	m.publish(ctx, bus.EventCircuitBreaker, bus.BreakerPayload{
		Level:       level,
		DailyPnLPct: pct,
	})

	switch level {
	case 3:
		m.publish(ctx, bus.EventStopAllTrading, bus.HaltPayload{Reason: "circuit_breaker_level_3"})
		m.closeAll(ctx, types.ExitCircuitBreaker)
	case 2:
		m.publish(ctx, bus.EventStopNewEntries, bus.HaltPayload{Reason: "circuit_breaker_level_2"})
		m.closeAll(ctx, types.ExitCircuitBreaker)
	case 1:
		m.publish(ctx, bus.EventStopNewEntries, bus.HaltPayload{Reason: "circuit_breaker_level_1"})
		open := 0
		for _, pos := range m.book.Snapshot() {
			if pos.State == types.PositionOpen {
				open++
			}
		}
		m.closeWorst(ctx, (open+1)/2, types.ExitCircuitBreaker)
	}
	return nil
}

// ResetBreaker clears the latched drawdown level, keeping the day's ledger.
// Operator path, wired to SIGHUP alongside the decision engine's halt reset.
func (m *Monitor) ResetBreaker() {
	m.stateMu.Lock()
	level := m.day.BreakerLevel
	m.day.BreakerLevel = 0
	m.stateMu.Unlock()
	m.persist()
	m.logger.Info("circuit breaker reset", "was_level", level)
}

// policyHoldTime flattens positions older than their asset class ceiling.
func (m *Monitor) policyHoldTime(ctx context.Context) error {
	now := time.Now().UTC()
	for _, rec := range m.book.all() {
		pos := rec.snapshot()
		if pos.State != types.PositionOpen {
			continue
		}
		max := m.cfg.MaxHold(pos.AssetClass)
		if max <= 0 || now.Sub(pos.EntryTime) <= max {
			continue
		}
		closing, ok := m.forceClose(ctx, rec, types.ExitMaxHoldTime)
		if !ok {
			continue
		}
		m.logger.Warn("max hold time exceeded",
			"position_id", closing.ID, "symbol", closing.Symbol,
			"age", now.Sub(closing.EntryTime), "max_hold", max)
		m.publish(ctx, bus.EventMaxHoldTime, bus.HoldTimePayload{
			Position: closing,
			MaxHold:  max,
		})
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (m *Monitor) classFor(venueName, symbol string) types.AssetClass {
	if class, ok := m.classBySymbol[venueName+":"+symbol]; ok {
		return class
	}
	return types.AssetRegular
}

// audit mirrors a position into its pair's local positions table. Events
// remain the source of truth; a storage failure only logs.
func (m *Monitor) audit(ctx context.Context, pos types.Position) {
	if m.store == nil {
		return
	}
	db, err := m.store.Acquire(pairOf(pos))
	if err != nil {
		m.logger.Error("audit: acquire pair db", "pair", pairOf(pos), "error", err)
		return
	}
	defer m.store.Release(db)
	if err := db.SavePosition(ctx, pos); err != nil {
		m.logger.Error("audit: save position", "position_id", pos.ID, "error", err)
	}
}

func (m *Monitor) persist() {
	m.stateMu.Lock()
	st := monitorState{Day: m.day, Positions: m.book.Snapshot()}
	m.stateMu.Unlock()
	if err := saveState(m.cfg.StateFile, st); err != nil {
		m.logger.Error("persist monitor state", "error", err)
	}
}

func (m *Monitor) publish(ctx context.Context, t bus.EventType, data any) {
	if err := m.bus.Publish(ctx, bus.NewEvent(t, data)); err != nil {
		m.logger.Error("publish event", "type", t, "error", err)
	}
}
