// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via TRADER_* environment variables. Every option has a
// default, so the engine starts with no file at all (paper mode).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"flowtrader/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode            string        `mapstructure:"mode"` // "paper" or "live"
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StatusInterval  time.Duration `mapstructure:"status_interval"`

	Logging        LoggingConfig        `mapstructure:"logging"`
	Bus            BusConfig            `mapstructure:"bus"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Analytics      AnalyticsConfig      `mapstructure:"analytics"`
	Decision       DecisionConfig       `mapstructure:"decision"`
	Execution      ExecutionConfig      `mapstructure:"execution"`
	Position       PositionConfig       `mapstructure:"position"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Venues         []VenueConfig        `mapstructure:"venues"`
	Watchlist      []SymbolConfig       `mapstructure:"watchlist"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BusConfig bounds the event bus queue. Publishers block on a full queue up
// to PublishTimeout, then the event is dropped and counted.
type BusConfig struct {
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// StorageConfig controls the per-pair database layout, the shared connection
// pool, and retention. Retention windows are deliberately short: the engine
// keeps only what the analyzers need.
type StorageConfig struct {
	BaseDir          string        `mapstructure:"base_dir"`
	PoolSize         int           `mapstructure:"pool_size"`
	CleanupIntervalS int           `mapstructure:"cleanup_interval_s"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`

	RetentionTicks       time.Duration `mapstructure:"retention_ticks"`
	RetentionCandles1m   time.Duration `mapstructure:"retention_candles_1m"`
	RetentionCandlesHigh time.Duration `mapstructure:"retention_candles_high"`
	RetentionOrderFlow   time.Duration `mapstructure:"retention_order_flow"`
	RetentionProfile     time.Duration `mapstructure:"retention_profile"`
	RetentionFVG         time.Duration `mapstructure:"retention_fvg"`
	MaxZonesPerPair      int           `mapstructure:"max_zones_per_pair"`
}

// CleanupInterval returns the retention sweep cadence.
func (c StorageConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalS) * time.Second
}

// AnalyticsConfig tunes the sweep cadence and per-analyzer windows.
//
//   - UpdateIntervalS: snapshot recompute cadence per active symbol.
//   - OrderFlowWindow: tick lookback for CVD / imbalance / large trades.
//   - LargeTradeK: large-trade threshold as a multiple of median volume.
//   - ProfileWindow: tick lookback for the volume profile.
//   - ValueAreaPct: share of volume the value area must enclose.
//   - MeanWindow: tick lookback for mean/stddev and the z-score.
//   - AutocorrWindow: number of log returns for lag-1 autocorrelation.
//   - EMAShort/EMALong: periods for the per-timeframe trend EMAs.
//   - Workers: parallel per-symbol computations per sweep.
type AnalyticsConfig struct {
	UpdateIntervalS int           `mapstructure:"update_interval_s"`
	OrderFlowWindow time.Duration `mapstructure:"order_flow_window"`
	LargeTradeK     float64       `mapstructure:"large_trade_k"`
	ProfileWindow   time.Duration `mapstructure:"profile_window"`
	ValueAreaPct    float64       `mapstructure:"value_area_pct"`
	MeanWindow      time.Duration `mapstructure:"mean_window"`
	AutocorrWindow  int           `mapstructure:"autocorr_window"`
	EMAShort        int           `mapstructure:"ema_short"`
	EMALong         int           `mapstructure:"ema_long"`
	Workers         int           `mapstructure:"workers"`
}

// UpdateInterval returns the sweep cadence.
func (c AnalyticsConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalS) * time.Second
}

// DecisionConfig sets the confluence threshold and per-filter weights.
// Weight keys: zone, profile, mean_reversion, fvg, autocorrelation,
// opposing_zone. The advertised max score is the sum of the weights.
type DecisionConfig struct {
	MinConfluence float64            `mapstructure:"min_confluence"`
	Weights       map[string]float64 `mapstructure:"weights"`
}

// MaxPossibleScore is the advertised ceiling of the filter stage.
func (c DecisionConfig) MaxPossibleScore() float64 {
	var sum float64
	for _, w := range c.Weights {
		sum += w
	}
	return sum
}

// RetryConfig shapes the placer's exponential backoff.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Factor     float64       `mapstructure:"factor"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	JitterPct  float64       `mapstructure:"jitter_pct"`
}

// ExecutionConfig bounds position count and sizing, and tunes the
// place/reconcile pipeline.
type ExecutionConfig struct {
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
	DefaultPositionSizePct float64       `mapstructure:"default_position_size_pct"`
	MaxPositionSizePct     float64       `mapstructure:"max_position_size_pct"`
	MinRR                  float64       `mapstructure:"min_rr"`
	DefaultStopPct         float64       `mapstructure:"default_stop_pct"`
	MinConfluence          float64       `mapstructure:"min_confluence"`
	Retry                  RetryConfig   `mapstructure:"retry"`
	FillPollInterval       time.Duration `mapstructure:"fill_poll_interval"`
	FillPollTimeout        time.Duration `mapstructure:"fill_poll_timeout"`
	SlippageAlertPct       float64       `mapstructure:"slippage_alert_pct"`
	VenueCallTimeout       time.Duration `mapstructure:"venue_call_timeout"`
	ClosedOrderRetention   int           `mapstructure:"closed_order_retention"`
}

// DumpConfig tunes the per-position dump detector.
type DumpConfig struct {
	ReversalCandles  int           `mapstructure:"reversal_candles"`
	FlipRatio        float64       `mapstructure:"flip_ratio"`
	FlipWindow       time.Duration `mapstructure:"flip_window"`
	MomentumBreakPct float64       `mapstructure:"momentum_break_pct"`
	MinSignals       int           `mapstructure:"min_signals"`
}

// BreakerConfig sets the latched daily drawdown levels, in percent of
// start-of-day equity.
type BreakerConfig struct {
	Level1Pct float64 `mapstructure:"level1_pct"`
	Level2Pct float64 `mapstructure:"level2_pct"`
	Level3Pct float64 `mapstructure:"level3_pct"`
}

// HealthConfig sets the portfolio health action thresholds.
type HealthConfig struct {
	StopNewEntries float64 `mapstructure:"stop_new_entries"`
	TightenStops   float64 `mapstructure:"tighten_stops"`
	ForceClose     float64 `mapstructure:"force_close"`
	TightenToPct   float64 `mapstructure:"tighten_to_pct"`
}

// PositionConfig drives the position monitor: trailing stops, the five risk
// sub-policies, and per-asset-class parameters. Map keys are lowercase asset
// classes (major, regular, meme, forex, commodity).
type PositionConfig struct {
	SweepInterval       time.Duration            `mapstructure:"sweep_interval"`
	TrailingPctByClass  map[string]float64       `mapstructure:"trailing_pct_by_class"`
	MaxHoldByClass      map[string]time.Duration `mapstructure:"max_hold_by_class"`
	CorrelationByClass  map[string]float64       `mapstructure:"correlation_by_class"`
	CorrelationCloseMin float64                  `mapstructure:"correlation_close_min"`
	LeaderSymbols       []string                 `mapstructure:"leader_symbols"`
	LeaderDropPct       float64                  `mapstructure:"leader_drop_pct"`
	LeaderWindow        time.Duration            `mapstructure:"leader_window"`
	Dump                DumpConfig               `mapstructure:"dump"`
	Breaker             BreakerConfig            `mapstructure:"breaker"`
	Health              HealthConfig             `mapstructure:"health"`
	StateFile           string                   `mapstructure:"state_file"`
}

// TrailingPct returns the trailing distance (percent) for an asset class.
func (c PositionConfig) TrailingPct(class types.AssetClass) float64 {
	if v, ok := c.TrailingPctByClass[strings.ToLower(string(class))]; ok {
		return v
	}
	return c.TrailingPctByClass["regular"]
}

// MaxHold returns the hold-time ceiling for an asset class; zero means none.
func (c PositionConfig) MaxHold(class types.AssetClass) time.Duration {
	return c.MaxHoldByClass[strings.ToLower(string(class))]
}

// Correlation returns the configured leader correlation for an asset class.
func (c PositionConfig) Correlation(class types.AssetClass) float64 {
	return c.CorrelationByClass[strings.ToLower(string(class))]
}

// ReconciliationConfig bounds the startup position sync.
type ReconciliationConfig struct {
	TimeoutS int `mapstructure:"timeout_s"`
}

// Timeout returns the per-venue reconciliation deadline.
func (c ReconciliationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// VenueConfig describes one venue connection. Credentials come from
// TRADER_<NAME>_API_KEY / TRADER_<NAME>_API_SECRET when unset here.
type VenueConfig struct {
	Name            string  `mapstructure:"name"`
	MarketType      string  `mapstructure:"market_type"`
	RESTBaseURL     string  `mapstructure:"rest_base_url"`
	WSURL           string  `mapstructure:"ws_url"`
	APIKey          string  `mapstructure:"api_key"`
	APISecret       string  `mapstructure:"api_secret"`
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

// SymbolConfig pins one watched pair and its risk bucket. ProfileBucket is
// the fixed price bucket width for the market profile histogram.
type SymbolConfig struct {
	Venue         string  `mapstructure:"venue"`
	MarketType    string  `mapstructure:"market_type"`
	Symbol        string  `mapstructure:"symbol"`
	AssetClass    string  `mapstructure:"asset_class"`
	ProfileBucket float64 `mapstructure:"profile_bucket"`
}

// Pair returns the storage identity for this watchlist entry.
func (s SymbolConfig) Pair() types.PairKey {
	return types.PairKey{Venue: s.Venue, MarketType: types.MarketType(s.MarketType), Symbol: s.Symbol}
}

// Class returns the typed asset class, defaulting to REGULAR.
func (s SymbolConfig) Class() types.AssetClass {
	switch strings.ToUpper(s.AssetClass) {
	case "MAJOR":
		return types.AssetMajor
	case "MEME":
		return types.AssetMeme
	case "FOREX":
		return types.AssetForex
	case "COMMODITY":
		return types.AssetCommodity
	default:
		return types.AssetRegular
	}
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error: all options default, and paper mode needs no file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if mode := os.Getenv("TRADER_MODE"); mode != "" {
		cfg.Mode = mode
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("status_interval", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("bus.queue_capacity", 10000)
	v.SetDefault("bus.publish_timeout", "5s")

	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.pool_size", 200)
	v.SetDefault("storage.cleanup_interval_s", 300)
	v.SetDefault("storage.query_timeout", "5s")
	v.SetDefault("storage.retention_ticks", "15m")
	v.SetDefault("storage.retention_candles_1m", "15m")
	v.SetDefault("storage.retention_candles_high", "1h")
	v.SetDefault("storage.retention_order_flow", "15m")
	v.SetDefault("storage.retention_profile", "15m")
	v.SetDefault("storage.retention_fvg", "24h")
	v.SetDefault("storage.max_zones_per_pair", 50)

	v.SetDefault("analytics.update_interval_s", 2)
	v.SetDefault("analytics.order_flow_window", "5m")
	v.SetDefault("analytics.large_trade_k", 3.0)
	v.SetDefault("analytics.profile_window", "30m")
	v.SetDefault("analytics.value_area_pct", 70.0)
	v.SetDefault("analytics.mean_window", "15m")
	v.SetDefault("analytics.autocorr_window", 100)
	v.SetDefault("analytics.ema_short", 9)
	v.SetDefault("analytics.ema_long", 21)
	v.SetDefault("analytics.workers", 4)

	v.SetDefault("decision.min_confluence", 3.0)
	v.SetDefault("decision.weights", map[string]float64{
		"zone":            2.0,
		"profile":         1.5,
		"mean_reversion":  1.5,
		"fvg":             1.5,
		"autocorrelation": 1.0,
		"opposing_zone":   0.5,
	})

	v.SetDefault("execution.max_concurrent_positions", 3)
	v.SetDefault("execution.default_position_size_pct", 2.0)
	v.SetDefault("execution.max_position_size_pct", 5.0)
	v.SetDefault("execution.min_rr", 1.5)
	v.SetDefault("execution.default_stop_pct", 2.0)
	v.SetDefault("execution.min_confluence", 3.0)
	v.SetDefault("execution.retry.max_retries", 3)
	v.SetDefault("execution.retry.base_delay", "1s")
	v.SetDefault("execution.retry.factor", 2.0)
	v.SetDefault("execution.retry.max_delay", "30s")
	v.SetDefault("execution.retry.jitter_pct", 25.0)
	v.SetDefault("execution.fill_poll_interval", "500ms")
	v.SetDefault("execution.fill_poll_timeout", "10s")
	v.SetDefault("execution.slippage_alert_pct", 1.0)
	v.SetDefault("execution.venue_call_timeout", "10s")
	v.SetDefault("execution.closed_order_retention", 1000)

	v.SetDefault("position.sweep_interval", "10s")
	v.SetDefault("position.trailing_pct_by_class", map[string]float64{
		"major":     0.3,
		"regular":   0.5,
		"meme":      17.5,
		"forex":     0.5,
		"commodity": 0.5,
	})
	v.SetDefault("position.max_hold_by_class", map[string]string{
		"major":     "30m",
		"regular":   "30m",
		"meme":      "24h",
		"forex":     "4h",
		"commodity": "4h",
	})
	v.SetDefault("position.correlation_by_class", map[string]float64{
		"major":     0.75,
		"regular":   0.75,
		"meme":      0.75,
		"forex":     0.0,
		"commodity": 0.0,
	})
	v.SetDefault("position.correlation_close_min", 0.7)
	v.SetDefault("position.leader_symbols", []string{"BTC-USDT", "ETH-USDT"})
	v.SetDefault("position.leader_drop_pct", 1.5)
	v.SetDefault("position.leader_window", "5m")
	v.SetDefault("position.dump.reversal_candles", 3)
	v.SetDefault("position.dump.flip_ratio", 2.5)
	v.SetDefault("position.dump.flip_window", "3m")
	v.SetDefault("position.dump.momentum_break_pct", 0.5)
	v.SetDefault("position.dump.min_signals", 2)
	v.SetDefault("position.breaker.level1_pct", 3.0)
	v.SetDefault("position.breaker.level2_pct", 4.0)
	v.SetDefault("position.breaker.level3_pct", 5.0)
	v.SetDefault("position.health.stop_new_entries", 70.0)
	v.SetDefault("position.health.tighten_stops", 50.0)
	v.SetDefault("position.health.force_close", 30.0)
	v.SetDefault("position.health.tighten_to_pct", 0.3)
	v.SetDefault("position.state_file", "data/monitor_state.json")

	v.SetDefault("reconciliation.timeout_s", 30)
}

// Validate checks value ranges. Called once at startup.
func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("mode must be \"paper\" or \"live\", got %q", c.Mode)
	}
	if c.Bus.QueueCapacity <= 0 {
		return fmt.Errorf("bus.queue_capacity must be > 0")
	}
	if c.Storage.PoolSize <= 0 {
		return fmt.Errorf("storage.pool_size must be > 0")
	}
	if c.Storage.CleanupIntervalS <= 0 {
		return fmt.Errorf("storage.cleanup_interval_s must be > 0")
	}
	if c.Analytics.UpdateIntervalS <= 0 {
		return fmt.Errorf("analytics.update_interval_s must be > 0")
	}
	if c.Analytics.Workers <= 0 {
		return fmt.Errorf("analytics.workers must be > 0")
	}
	if c.Decision.MinConfluence <= 0 {
		return fmt.Errorf("decision.min_confluence must be > 0")
	}
	if c.Decision.MinConfluence > c.Decision.MaxPossibleScore() {
		return fmt.Errorf("decision.min_confluence %.1f exceeds max possible score %.1f",
			c.Decision.MinConfluence, c.Decision.MaxPossibleScore())
	}
	if c.Execution.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("execution.max_concurrent_positions must be > 0")
	}
	if c.Execution.DefaultPositionSizePct <= 0 || c.Execution.DefaultPositionSizePct > c.Execution.MaxPositionSizePct {
		return fmt.Errorf("execution.default_position_size_pct must be in (0, max_position_size_pct]")
	}
	if c.Execution.MinRR < 1 {
		return fmt.Errorf("execution.min_rr must be >= 1")
	}
	if c.Position.Breaker.Level1Pct >= c.Position.Breaker.Level2Pct ||
		c.Position.Breaker.Level2Pct >= c.Position.Breaker.Level3Pct {
		return fmt.Errorf("position.breaker levels must be strictly increasing")
	}
	if c.Mode == "live" && len(c.Venues) == 0 {
		return fmt.Errorf("live mode requires at least one venue")
	}
	for i, vc := range c.Venues {
		if vc.Name == "" {
			return fmt.Errorf("venues[%d].name is required", i)
		}
		if c.Mode == "live" && vc.RESTBaseURL == "" {
			return fmt.Errorf("venues[%d].rest_base_url is required in live mode", i)
		}
	}
	for i, sc := range c.Watchlist {
		if sc.Venue == "" || sc.Symbol == "" {
			return fmt.Errorf("watchlist[%d] needs venue and symbol", i)
		}
	}
	return nil
}
