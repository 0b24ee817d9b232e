// flowtrader — an always-on trading engine that streams trades from configured
// venues, derives analytics from the raw flow, and trades a confluence-gated
// strategy with layered risk controls.
//
// Architecture:
//
//	main.go            — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	engine/engine.go   — orchestrator: builds every component and owns startup/shutdown order
//	bus/bus.go         — in-process pub/sub bus all components hang off
//	marketdata/        — websocket trade streams, tick normalization, candle building
//	store/             — per-pair embedded SQLite behind an LRU handle pool, retention sweeps
//	analytics/         — order-flow, volume-profile, mean-reversion, FVG and zone detectors
//	decision/          — two-stage confluence scoring that turns analytics into trade intents
//	execution/         — position sizing, bracket construction, order placement with retries
//	position/          — trailing stops, dump exits, portfolio policies, daily circuit breaker
//	venue/             — adapter contract, REST transport, paper-trading simulator
//	notify/            — routes failures and risk trips to notification transports
//
// How it trades:
//
//	Raw trades stream in over websockets and land in per-pair SQLite.
//	Analytics workers derive order-flow imbalance, volume profile, mean
//	reversion and gap structure from that history. When enough indicators
//	agree, the decision stage emits an intent; execution sizes it against
//	equity and places a bracket on the venue. The position monitor trails
//	stops and watches for dumps, and a daily circuit breaker cuts exposure
//	when the book bleeds.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flowtrader/internal/config"
	"flowtrader/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Mode == "paper" {
		logger.Warn("PAPER MODE — orders fill against the internal simulator")
	}

	logger.Info("flowtrader started",
		"mode", cfg.Mode,
		"venues", len(cfg.Venues),
		"watchlist", len(cfg.Watchlist),
		"config", cfgPath,
	)

	// Wait for shutdown; SIGHUP clears the risk latches after an operator
	// has reviewed a breaker or halt day.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			eng.ResetRiskLatches()
			continue
		}
		logger.Info("received shutdown signal", "signal", sig.String())
		break
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
