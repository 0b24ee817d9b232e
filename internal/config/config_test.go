package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flowtrader/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	if cfg.Mode != "paper" {
		t.Errorf("mode = %q, want paper", cfg.Mode)
	}
	if cfg.Bus.QueueCapacity != 10000 {
		t.Errorf("bus.queue_capacity = %d, want 10000", cfg.Bus.QueueCapacity)
	}
	if cfg.Bus.PublishTimeout != 5*time.Second {
		t.Errorf("bus.publish_timeout = %s, want 5s", cfg.Bus.PublishTimeout)
	}
	if cfg.Storage.PoolSize != 200 {
		t.Errorf("storage.pool_size = %d, want 200", cfg.Storage.PoolSize)
	}
	if got := cfg.Storage.CleanupInterval(); got != 5*time.Minute {
		t.Errorf("cleanup interval = %s, want 5m", got)
	}
	if got := cfg.Analytics.UpdateInterval(); got != 2*time.Second {
		t.Errorf("analytics interval = %s, want 2s", got)
	}
	if cfg.Decision.MinConfluence != 3.0 {
		t.Errorf("decision.min_confluence = %v, want 3.0", cfg.Decision.MinConfluence)
	}
	if got := cfg.Decision.MaxPossibleScore(); got != 8.0 {
		t.Errorf("max possible score = %v, want 8.0 (default weights)", got)
	}
	if cfg.Execution.MaxConcurrentPositions != 3 {
		t.Errorf("execution.max_concurrent_positions = %d, want 3", cfg.Execution.MaxConcurrentPositions)
	}
	if got := cfg.Reconciliation.Timeout(); got != 30*time.Second {
		t.Errorf("reconciliation timeout = %s, want 30s", got)
	}
}

func TestLoadDefaultClassTables(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Position.TrailingPct(types.AssetMajor); got != 0.3 {
		t.Errorf("trailing MAJOR = %v, want 0.3", got)
	}
	if got := cfg.Position.TrailingPct(types.AssetMeme); got != 17.5 {
		t.Errorf("trailing MEME = %v, want 17.5", got)
	}
	// Unknown classes fall back to the regular distance.
	if got := cfg.Position.TrailingPct(types.AssetClass("WAT")); got != 0.5 {
		t.Errorf("trailing fallback = %v, want 0.5", got)
	}
	if got := cfg.Position.MaxHold(types.AssetMeme); got != 24*time.Hour {
		t.Errorf("max hold MEME = %s, want 24h", got)
	}
	if got := cfg.Position.MaxHold(types.AssetClass("WAT")); got != 0 {
		t.Errorf("max hold unknown = %s, want 0", got)
	}
	if got := cfg.Position.Correlation(types.AssetForex); got != 0.0 {
		t.Errorf("correlation FOREX = %v, want 0", got)
	}
	if got := cfg.Position.Correlation(types.AssetMajor); got != 0.75 {
		t.Errorf("correlation MAJOR = %v, want 0.75", got)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.Mode != "paper" {
		t.Errorf("mode = %q, want paper", cfg.Mode)
	}
}

func TestLoadReadsFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
mode: live
decision:
  min_confluence: 4.5
position:
  sweep_interval: 3s
venues:
  - name: binance
    market_type: spot
    rest_base_url: https://api.example.test
watchlist:
  - venue: binance
    market_type: spot
    symbol: BTC-USDT
    asset_class: MAJOR
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Mode != "live" {
		t.Errorf("mode = %q, want live", cfg.Mode)
	}
	if cfg.Decision.MinConfluence != 4.5 {
		t.Errorf("min_confluence = %v, want 4.5", cfg.Decision.MinConfluence)
	}
	if cfg.Position.SweepInterval != 3*time.Second {
		t.Errorf("sweep_interval = %s, want 3s", cfg.Position.SweepInterval)
	}
	// Untouched sections keep their defaults.
	if cfg.Bus.QueueCapacity != 10000 {
		t.Errorf("bus.queue_capacity = %d, want default 10000", cfg.Bus.QueueCapacity)
	}
	if len(cfg.Watchlist) != 1 {
		t.Fatalf("watchlist = %d entries, want 1", len(cfg.Watchlist))
	}
	s := cfg.Watchlist[0]
	if s.Class() != types.AssetMajor {
		t.Errorf("class = %s, want MAJOR", s.Class())
	}
	want := types.PairKey{Venue: "binance", MarketType: types.MarketSpot, Symbol: "BTC-USDT"}
	if s.Pair() != want {
		t.Errorf("pair = %+v, want %+v", s.Pair(), want)
	}
}

func TestLoadModeEnvOverride(t *testing.T) {
	t.Setenv("TRADER_MODE", "live")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "live" {
		t.Errorf("mode = %q, want live from TRADER_MODE", cfg.Mode)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.Mode = "dry-run" }, "mode"},
		{"zero queue", func(c *Config) { c.Bus.QueueCapacity = 0 }, "queue_capacity"},
		{"zero pool", func(c *Config) { c.Storage.PoolSize = 0 }, "pool_size"},
		{"zero workers", func(c *Config) { c.Analytics.Workers = 0 }, "workers"},
		{
			"confluence floor above ceiling",
			func(c *Config) { c.Decision.MinConfluence = 99 },
			"exceeds max possible",
		},
		{
			"default size above max",
			func(c *Config) { c.Execution.DefaultPositionSizePct = 6.0 },
			"default_position_size_pct",
		},
		{"rr below one", func(c *Config) { c.Execution.MinRR = 0.5 }, "min_rr"},
		{
			"breaker levels not increasing",
			func(c *Config) { c.Position.Breaker.Level2Pct = c.Position.Breaker.Level3Pct },
			"strictly increasing",
		},
		{"live without venues", func(c *Config) { c.Mode = "live" }, "at least one venue"},
		{
			"venue without name",
			func(c *Config) { c.Venues = []VenueConfig{{RESTBaseURL: "https://x"}} },
			"name is required",
		},
		{
			"live venue without url",
			func(c *Config) {
				c.Mode = "live"
				c.Venues = []VenueConfig{{Name: "binance"}}
			},
			"rest_base_url",
		},
		{
			"watchlist missing symbol",
			func(c *Config) { c.Watchlist = []SymbolConfig{{Venue: "binance"}} },
			"venue and symbol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSymbolConfigClass(t *testing.T) {
	tests := []struct {
		in   string
		want types.AssetClass
	}{
		{"MAJOR", types.AssetMajor},
		{"major", types.AssetMajor},
		{"MEME", types.AssetMeme},
		{"FOREX", types.AssetForex},
		{"COMMODITY", types.AssetCommodity},
		{"REGULAR", types.AssetRegular},
		{"", types.AssetRegular},
		{"garbage", types.AssetRegular},
	}
	for _, tt := range tests {
		if got := (SymbolConfig{AssetClass: tt.in}).Class(); got != tt.want {
			t.Errorf("Class(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
