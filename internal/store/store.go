// Package store persists market data and derived records in one embedded
// SQLite database per trading pair.
//
// Layout: {base_dir}/{venue}/{market_type}/{symbol}/trading.ddb. No table
// carries a symbol column — the filesystem path is the identity. This keeps
// writes for different pairs free of any shared lock and makes retention and
// crash blast-radius per-pair.
//
// Handles are cached in a global LRU pool (default cap 200). Callers acquire
// a handle, batch their writes, and release it; release never closes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"flowtrader/internal/config"
	"flowtrader/pkg/types"
)

// dbFileName is fixed: the directory, not the file, identifies the pair.
const dbFileName = "trading.ddb"

// ErrorSink receives storage failures that should surface as system errors.
// The engine wires this to a bus publish; tests leave it nil.
type ErrorSink func(reason, detail string)

// Store owns every pair database and the shared handle pool.
type Store struct {
	cfg    config.StorageConfig
	logger *slog.Logger
	pool   *Pool
}

// New builds the store rooted at cfg.BaseDir.
func New(cfg config.StorageConfig, sink ErrorSink, logger *slog.Logger) *Store {
	log := logger.With("component", "store")
	s := &Store{cfg: cfg, logger: log}
	s.pool = newPool(cfg.PoolSize, s.open, sink, log)
	return s
}

// Acquire returns the handle for one pair, opening the database and creating
// the schema on first touch.
func (s *Store) Acquire(key types.PairKey) (*PairDB, error) {
	return s.pool.Acquire(key)
}

// Release returns a handle to the pool.
func (s *Store) Release(db *PairDB) { s.pool.Release(db) }

// Pool exposes pool statistics for the engine status snapshot.
func (s *Store) Pool() *Pool { return s.pool }

// QueryTimeout is the per-query deadline applied by PairDB readers.
func (s *Store) QueryTimeout() time.Duration {
	if s.cfg.QueryTimeout <= 0 {
		return 5 * time.Second
	}
	return s.cfg.QueryTimeout
}

// Close closes every open handle.
func (s *Store) Close() { s.pool.CloseAll() }

func (s *Store) open(key types.PairKey) (*PairDB, error) {
	dir := filepath.Join(s.cfg.BaseDir, key.Venue, string(key.MarketType), key.Symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pair dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL",
		filepath.Join(dir, dbFileName))

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.logger.Debug("opened pair db", "pair", key)
	return &PairDB{key: key, db: db, queryTimeout: s.QueryTimeout()}, nil
}

func initSchema(db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ticks (
		timestamp INTEGER NOT NULL,
		price REAL NOT NULL,
		volume REAL NOT NULL,
		side TEXT NOT NULL,
		trade_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ticks_timestamp ON ticks(timestamp)`,

	`CREATE TABLE IF NOT EXISTS candles_1m (
		open_time INTEGER NOT NULL UNIQUE,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		buy_volume REAL NOT NULL,
		sell_volume REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS candles_5m (
		open_time INTEGER NOT NULL UNIQUE,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		buy_volume REAL NOT NULL,
		sell_volume REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS candles_15m (
		open_time INTEGER NOT NULL UNIQUE,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		buy_volume REAL NOT NULL,
		sell_volume REAL NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS order_flow (
		timestamp INTEGER NOT NULL,
		cvd REAL NOT NULL,
		imbalance REAL NOT NULL,
		buy_volume REAL NOT NULL,
		sell_volume REAL NOT NULL,
		net_volume REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_flow_timestamp ON order_flow(timestamp)`,

	`CREATE TABLE IF NOT EXISTS market_profile (
		timestamp INTEGER NOT NULL,
		poc REAL NOT NULL,
		vah REAL NOT NULL,
		val REAL NOT NULL,
		histogram_blob BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_market_profile_timestamp ON market_profile(timestamp)`,

	`CREATE TABLE IF NOT EXISTS supply_demand_zones (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		price_low REAL NOT NULL,
		price_high REAL NOT NULL,
		strength REAL NOT NULL,
		test_count INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_zones_created_at ON supply_demand_zones(created_at)`,

	`CREATE TABLE IF NOT EXISTS fair_value_gaps (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		gap_low REAL NOT NULL,
		gap_high REAL NOT NULL,
		fill_pct REAL NOT NULL,
		filled TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fvg_created_at ON fair_value_gaps(created_at)`,

	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		side TEXT NOT NULL,
		asset_class TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		entry_time INTEGER NOT NULL,
		state TEXT NOT NULL,
		exit_reason TEXT,
		realized_pnl REAL,
		closed_at INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS trades_history (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		executed_at INTEGER NOT NULL
	)`,
}

// PairDB is one pair's database handle. It is safe for concurrent use; the
// pool keeps it open until evicted or the store closes.
type PairDB struct {
	key          types.PairKey
	db           *sqlx.DB
	queryTimeout time.Duration
}

// Key returns the pair identity this handle is bound to.
func (p *PairDB) Key() types.PairKey { return p.key }

func (p *PairDB) close() error { return p.db.Close() }

func (p *PairDB) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.queryTimeout)
}

func unixMS(t time.Time) int64      { return t.UnixMilli() }
func fromUnixMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func f(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

// ————————————————————————————————————————————————————————————————————————
// Write API
// ————————————————————————————————————————————————————————————————————————

// InsertTick appends one trade print.
func (p *PairDB) InsertTick(ctx context.Context, t types.Tick) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ticks (timestamp, price, volume, side, trade_id) VALUES (?, ?, ?, ?, ?)`,
		unixMS(t.Timestamp), f(t.Price), f(t.Volume), string(t.Side), t.TradeID)
	if err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	return nil
}

func candleTable(tf types.Timeframe) (string, error) {
	switch tf {
	case types.TF1m:
		return "candles_1m", nil
	case types.TF5m:
		return "candles_5m", nil
	case types.TF15m:
		return "candles_15m", nil
	default:
		return "", fmt.Errorf("unknown timeframe %q", tf)
	}
}

// UpsertCandle writes one bar, replacing any previous row for the same
// open_time (late ticks re-close a bar).
func (p *PairDB) UpsertCandle(ctx context.Context, c types.Candle) error {
	table, err := candleTable(c.Timeframe)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+table+
			` (open_time, open, high, low, close, volume, buy_volume, sell_volume)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		unixMS(c.OpenTime), f(c.Open), f(c.High), f(c.Low), f(c.Close),
		f(c.Volume), f(c.BuyVolume), f(c.SellVolume))
	if err != nil {
		return fmt.Errorf("upsert candle %s: %w", c.Timeframe, err)
	}
	return nil
}

// InsertOrderFlow appends one order-flow sample. Undefined imbalance is
// stored as zero with the definedness implied by the volumes.
func (p *PairDB) InsertOrderFlow(ctx context.Context, m types.OrderFlowMetric) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO order_flow (timestamp, cvd, imbalance, buy_volume, sell_volume, net_volume)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		unixMS(m.WindowEnd), f(m.CVD), m.Ratio, f(m.BuyVolume), f(m.SellVolume), f(m.NetVolume))
	if err != nil {
		return fmt.Errorf("insert order flow: %w", err)
	}
	return nil
}

// InsertProfile appends one market profile sample with its serialized
// histogram.
func (p *PairDB) InsertProfile(ctx context.Context, mp types.MarketProfile, histogram []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO market_profile (timestamp, poc, vah, val, histogram_blob) VALUES (?, ?, ?, ?, ?)`,
		unixMS(mp.Timestamp), f(mp.POC), f(mp.VAH), f(mp.VAL), histogram)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// SaveZone inserts or updates one zone by id.
func (p *PairDB) SaveZone(ctx context.Context, z types.Zone) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO supply_demand_zones
		 (id, type, price_low, price_high, strength, test_count, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		z.ID, string(z.Type), f(z.PriceLow), f(z.PriceHigh), z.Strength, z.TestCount,
		string(z.State), unixMS(z.CreatedAt))
	if err != nil {
		return fmt.Errorf("save zone: %w", err)
	}
	return nil
}

// SaveGap inserts or updates one fair value gap by id.
func (p *PairDB) SaveGap(ctx context.Context, g types.FairValueGap) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO fair_value_gaps
		 (id, direction, gap_low, gap_high, fill_pct, filled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, string(g.Direction), f(g.GapLow), f(g.GapHigh), g.FillPct,
		string(g.State), unixMS(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("save gap: %w", err)
	}
	return nil
}

// SavePosition mirrors a position into the pair's local audit table.
func (p *PairDB) SavePosition(ctx context.Context, pos types.Position) error {
	var closedAt any
	if !pos.ClosedAt.IsZero() {
		closedAt = unixMS(pos.ClosedAt)
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions
		 (id, side, asset_class, entry_price, quantity, entry_time, state, exit_reason, realized_pnl, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, string(pos.Side), string(pos.AssetClass), f(pos.EntryPrice), f(pos.Quantity),
		unixMS(pos.EntryTime), string(pos.State), string(pos.ExitReason), f(pos.RealizedPnL), closedAt)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// InsertTrade appends one executed fill to the audit history.
func (p *PairDB) InsertTrade(ctx context.Context, id, orderID, clientID string, side types.Side, qty, price decimal.Decimal, executedAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trades_history (id, order_id, client_id, side, quantity, price, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, orderID, clientID, string(side), f(qty), f(price), unixMS(executedAt))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Read API — named query templates, parameterized by lookback
// ————————————————————————————————————————————————————————————————————————

type tickRow struct {
	Timestamp int64   `db:"timestamp"`
	Price     float64 `db:"price"`
	Volume    float64 `db:"volume"`
	Side      string  `db:"side"`
	TradeID   string  `db:"trade_id"`
}

type candleRow struct {
	OpenTime   int64   `db:"open_time"`
	Open       float64 `db:"open"`
	High       float64 `db:"high"`
	Low        float64 `db:"low"`
	Close      float64 `db:"close"`
	Volume     float64 `db:"volume"`
	BuyVolume  float64 `db:"buy_volume"`
	SellVolume float64 `db:"sell_volume"`
}

type zoneRow struct {
	ID        string  `db:"id"`
	Type      string  `db:"type"`
	PriceLow  float64 `db:"price_low"`
	PriceHigh float64 `db:"price_high"`
	Strength  float64 `db:"strength"`
	TestCount int     `db:"test_count"`
	State     string  `db:"state"`
	CreatedAt int64   `db:"created_at"`
}

type gapRow struct {
	ID        string  `db:"id"`
	Direction string  `db:"direction"`
	GapLow    float64 `db:"gap_low"`
	GapHigh   float64 `db:"gap_high"`
	FillPct   float64 `db:"fill_pct"`
	Filled    string  `db:"filled"`
	CreatedAt int64   `db:"created_at"`
}

// CVD returns the cumulative volume delta over the lookback window.
func (p *PairDB) CVD(ctx context.Context, lookback time.Duration) (decimal.Decimal, error) {
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var cvd float64
	err := p.db.GetContext(ctx, &cvd,
		`SELECT COALESCE(SUM(CASE WHEN side = 'BUY' THEN volume ELSE -volume END), 0)
		 FROM ticks WHERE timestamp >= ?`, unixMS(time.Now().Add(-lookback)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("query cvd: %w", err)
	}
	return decimal.NewFromFloat(cvd), nil
}

// FlowVolumes returns buy and sell volume over the lookback window, the
// inputs of the imbalance ratio.
func (p *PairDB) FlowVolumes(ctx context.Context, lookback time.Duration) (buy, sell decimal.Decimal, err error) {
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var row struct {
		Buy  float64 `db:"buy_volume"`
		Sell float64 `db:"sell_volume"`
	}
	err = p.db.GetContext(ctx, &row,
		`SELECT COALESCE(SUM(CASE WHEN side = 'BUY' THEN volume ELSE 0 END), 0) AS buy_volume,
		        COALESCE(SUM(CASE WHEN side = 'SELL' THEN volume ELSE 0 END), 0) AS sell_volume
		 FROM ticks WHERE timestamp >= ?`, unixMS(time.Now().Add(-lookback)))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("query flow volumes: %w", err)
	}
	return decimal.NewFromFloat(row.Buy), decimal.NewFromFloat(row.Sell), nil
}

// FlowHistory returns the persisted order-flow samples in the lookback
// window, oldest first. Ratio is zero where the sample was undefined.
func (p *PairDB) FlowHistory(ctx context.Context, lookback time.Duration) ([]types.OrderFlowMetric, error) {
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var rows []struct {
		Timestamp int64   `db:"timestamp"`
		CVD       float64 `db:"cvd"`
		Imbalance float64 `db:"imbalance"`
		Buy       float64 `db:"buy_volume"`
		Sell      float64 `db:"sell_volume"`
		Net       float64 `db:"net_volume"`
	}
	err := p.db.SelectContext(ctx, &rows,
		`SELECT timestamp, cvd, imbalance, buy_volume, sell_volume, net_volume
		 FROM order_flow WHERE timestamp >= ? ORDER BY timestamp ASC`,
		unixMS(time.Now().Add(-lookback)))
	if err != nil {
		return nil, fmt.Errorf("query flow history: %w", err)
	}
	out := make([]types.OrderFlowMetric, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.OrderFlowMetric{
			WindowEnd:  fromUnixMS(r.Timestamp),
			CVD:        decimal.NewFromFloat(r.CVD),
			BuyVolume:  decimal.NewFromFloat(r.Buy),
			SellVolume: decimal.NewFromFloat(r.Sell),
			NetVolume:  decimal.NewFromFloat(r.Net),
			Ratio:      r.Imbalance,
			Defined:    r.Imbalance > 0,
		})
	}
	return out, nil
}

// RecentTicks returns ticks in the lookback window in time order.
func (p *PairDB) RecentTicks(ctx context.Context, lookback time.Duration) ([]types.Tick, error) {
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var rows []tickRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT timestamp, price, volume, side, trade_id FROM ticks
		 WHERE timestamp >= ? ORDER BY timestamp ASC`, unixMS(time.Now().Add(-lookback)))
	if err != nil {
		return nil, fmt.Errorf("query recent ticks: %w", err)
	}
	ticks := make([]types.Tick, len(rows))
	for i, r := range rows {
		ticks[i] = types.Tick{
			Venue:      p.key.Venue,
			MarketType: p.key.MarketType,
			Symbol:     p.key.Symbol,
			Timestamp:  fromUnixMS(r.Timestamp),
			Price:      decimal.NewFromFloat(r.Price),
			Volume:     decimal.NewFromFloat(r.Volume),
			Side:       types.Side(r.Side),
			TradeID:    r.TradeID,
		}
	}
	return ticks, nil
}

// RecentCandles returns the newest n bars of one timeframe, oldest first.
func (p *PairDB) RecentCandles(ctx context.Context, tf types.Timeframe, n int) ([]types.Candle, error) {
	table, err := candleTable(tf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var rows []candleRow
	err = p.db.SelectContext(ctx, &rows,
		`SELECT open_time, open, high, low, close, volume, buy_volume, sell_volume
		 FROM `+table+` ORDER BY open_time DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent candles %s: %w", tf, err)
	}
	candles := make([]types.Candle, len(rows))
	for i, r := range rows {
		candles[len(rows)-1-i] = r.toCandle(tf)
	}
	return candles, nil
}

// CandlesSince returns bars of one timeframe within the lookback window,
// oldest first.
func (p *PairDB) CandlesSince(ctx context.Context, tf types.Timeframe, lookback time.Duration) ([]types.Candle, error) {
	table, err := candleTable(tf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var rows []candleRow
	err = p.db.SelectContext(ctx, &rows,
		`SELECT open_time, open, high, low, close, volume, buy_volume, sell_volume
		 FROM `+table+` WHERE open_time >= ? ORDER BY open_time ASC`,
		unixMS(time.Now().Add(-lookback)))
	if err != nil {
		return nil, fmt.Errorf("query candles since %s: %w", tf, err)
	}
	candles := make([]types.Candle, len(rows))
	for i, r := range rows {
		candles[i] = r.toCandle(tf)
	}
	return candles, nil
}

func (r candleRow) toCandle(tf types.Timeframe) types.Candle {
	return types.Candle{
		Timeframe:  tf,
		OpenTime:   fromUnixMS(r.OpenTime),
		Open:       decimal.NewFromFloat(r.Open),
		High:       decimal.NewFromFloat(r.High),
		Low:        decimal.NewFromFloat(r.Low),
		Close:      decimal.NewFromFloat(r.Close),
		Volume:     decimal.NewFromFloat(r.Volume),
		BuyVolume:  decimal.NewFromFloat(r.BuyVolume),
		SellVolume: decimal.NewFromFloat(r.SellVolume),
	}
}

// Closes returns the newest n closes of one timeframe as floats, oldest
// first, for EMA and trend math.
func (p *PairDB) Closes(ctx context.Context, tf types.Timeframe, n int) ([]float64, error) {
	table, err := candleTable(tf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var desc []float64
	err = p.db.SelectContext(ctx, &desc,
		`SELECT close FROM `+table+` ORDER BY open_time DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query closes %s: %w", tf, err)
	}
	out := make([]float64, len(desc))
	for i, v := range desc {
		out[len(desc)-1-i] = v
	}
	return out, nil
}

// ActiveZones returns unbroken zones, newest first, capped at max.
func (p *PairDB) ActiveZones(ctx context.Context, max int) ([]types.Zone, error) {
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var rows []zoneRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, type, price_low, price_high, strength, test_count, state, created_at
		 FROM supply_demand_zones WHERE state != 'BROKEN'
		 ORDER BY created_at DESC LIMIT ?`, max)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	zones := make([]types.Zone, len(rows))
	for i, r := range rows {
		zones[i] = types.Zone{
			ID:        r.ID,
			Type:      types.ZoneType(r.Type),
			PriceLow:  decimal.NewFromFloat(r.PriceLow),
			PriceHigh: decimal.NewFromFloat(r.PriceHigh),
			Strength:  r.Strength,
			TestCount: r.TestCount,
			State:     types.ZoneState(r.State),
			CreatedAt: fromUnixMS(r.CreatedAt),
		}
	}
	return zones, nil
}

// OpenGaps returns gaps not yet fully filled, newest first.
func (p *PairDB) OpenGaps(ctx context.Context) ([]types.FairValueGap, error) {
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var rows []gapRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, direction, gap_low, gap_high, fill_pct, filled, created_at
		 FROM fair_value_gaps WHERE filled != 'FILLED'
		 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query gaps: %w", err)
	}
	gaps := make([]types.FairValueGap, len(rows))
	for i, r := range rows {
		gaps[i] = types.FairValueGap{
			ID:        r.ID,
			Direction: types.GapDirection(r.Direction),
			GapLow:    decimal.NewFromFloat(r.GapLow),
			GapHigh:   decimal.NewFromFloat(r.GapHigh),
			FillPct:   r.FillPct,
			State:     types.GapState(r.Filled),
			CreatedAt: fromUnixMS(r.CreatedAt),
		}
	}
	return gaps, nil
}

// TickCount reports rows in the ticks table older than the cutoff. Used by
// retention verification.
func (p *PairDB) TickCount(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, cancel := p.readCtx(ctx)
	defer cancel()
	var n int
	err := p.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ticks WHERE timestamp < ?`, unixMS(olderThan))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("count ticks: %w", err)
	}
	return n, nil
}
