// Package marketdata turns venue streams into normalized ticks and bars.
//
// A Feed yields RawTicks for one venue. The Ingestor consumes every
// configured feed, applies the side policy, persists ticks, folds them into
// 1m/5m/15m bars and publishes TradeTick / CandleCompleted events.
//
// Side policy: venues that do not disclose the taker side (on-chain swaps,
// some aggregated streams) produce ticks with an empty side. The ingestor
// stamps those BUY before anything downstream sees them; analytics never
// reclassifies a side.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RawTick is one trade print as the venue reported it, before the side
// policy is applied. Side is "BUY", "SELL", or empty when the venue does not
// disclose the taker.
type RawTick struct {
	Symbol    string
	Timestamp time.Time
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Side      string
	TradeID   string
}

// Feed is one venue's normalized trade stream. Run maintains the stream
// until the context is cancelled; Ticks is closed when Run returns.
type Feed interface {
	Name() string
	Ticks() <-chan RawTick
	Run(ctx context.Context) error
}

// ReplayFeed plays a fixed tick script. It backs paper mode and tests.
type ReplayFeed struct {
	venue    string
	script   []RawTick
	interval time.Duration
	ticks    chan RawTick
}

// NewReplayFeed builds a feed that emits script in order, pausing interval
// between ticks (zero replays as fast as the consumer drains).
func NewReplayFeed(venue string, script []RawTick, interval time.Duration) *ReplayFeed {
	return &ReplayFeed{
		venue:    venue,
		script:   script,
		interval: interval,
		ticks:    make(chan RawTick, tickBufferSize),
	}
}

// Name returns the venue this feed impersonates.
func (r *ReplayFeed) Name() string { return r.venue }

// Ticks returns the replayed trade stream.
func (r *ReplayFeed) Ticks() <-chan RawTick { return r.ticks }

// Run emits the script and returns. The tick channel is closed on exit so
// consumers observe end-of-stream.
func (r *ReplayFeed) Run(ctx context.Context) error {
	defer close(r.ticks)
	for _, t := range r.script {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.ticks <- t:
		}
		if r.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.interval):
			}
		}
	}
	return nil
}
