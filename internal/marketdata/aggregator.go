package marketdata

import (
	"sort"
	"sync"
	"time"

	"flowtrader/pkg/types"
)

const (
	// reorderBuffer is the event-time slack before a closed bar becomes
	// immutable. Ticks arriving later than this behind the stream are dropped.
	reorderBuffer = 2 * time.Second

	// idleFlush is the wall-clock floor for closing bars: a quiet stream
	// stops advancing event time, so bars older than this close anyway.
	idleFlush = 10 * time.Second

	// flushInterval is how often the ingestor sweeps for closable bars.
	flushInterval = time.Second
)

type aggKey struct {
	tf     types.Timeframe
	bucket int64 // unix ms of bar open
}

// forming tracks one in-progress bar. first/last timestamps keep open and
// close correct when ticks arrive out of order inside the bar.
type forming struct {
	candle  types.Candle
	firstTS time.Time
	lastTS  time.Time
}

// Aggregator folds one pair's ticks into 1m/5m/15m bars.
//
// Bars close on an event-time watermark (max tick time seen minus
// reorderBuffer), so modest reordering from the venue never splits a bar.
// Flush additionally applies a wall-clock floor for quiet streams. Once a
// bar's window passes the watermark it is emitted exactly once and becomes
// immutable; later ticks for it count as late and are dropped.
type Aggregator struct {
	reorder time.Duration

	mu             sync.Mutex
	building       map[aggKey]*forming
	maxEvent       time.Time
	flushedThrough time.Time
	late           int64
}

// NewAggregator builds an aggregator with the given reorder tolerance
// (non-positive uses the default).
func NewAggregator(reorder time.Duration) *Aggregator {
	if reorder <= 0 {
		reorder = reorderBuffer
	}
	return &Aggregator{
		reorder:  reorder,
		building: make(map[aggKey]*forming),
	}
}

// Add folds one tick into the forming bars and returns any bars the
// advancing watermark just closed, oldest first.
func (a *Aggregator) Add(t types.Tick) []types.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t.Timestamp.After(a.maxEvent) {
		a.maxEvent = t.Timestamp
	}

	for _, tf := range types.Timeframes {
		open := t.Timestamp.Truncate(tf.Duration())
		end := open.Add(tf.Duration())
		if !end.After(a.flushedThrough) {
			a.late++
			continue
		}
		a.fold(aggKey{tf: tf, bucket: open.UnixMilli()}, open, t)
	}

	return a.drainLocked(a.maxEvent.Add(-a.reorder))
}

func (a *Aggregator) fold(key aggKey, open time.Time, t types.Tick) {
	b, ok := a.building[key]
	if !ok {
		b = &forming{
			candle: types.Candle{
				Timeframe: key.tf,
				OpenTime:  open,
				Open:      t.Price,
				High:      t.Price,
				Low:       t.Price,
				Close:     t.Price,
			},
			firstTS: t.Timestamp,
			lastTS:  t.Timestamp,
		}
		a.building[key] = b
	}

	c := &b.candle
	if t.Timestamp.Before(b.firstTS) {
		c.Open = t.Price
		b.firstTS = t.Timestamp
	}
	if !t.Timestamp.Before(b.lastTS) {
		c.Close = t.Price
		b.lastTS = t.Timestamp
	}
	if t.Price.GreaterThan(c.High) {
		c.High = t.Price
	}
	if t.Price.LessThan(c.Low) {
		c.Low = t.Price
	}
	c.Volume = c.Volume.Add(t.Volume)
	if t.Side == types.SELL {
		c.SellVolume = c.SellVolume.Add(t.Volume)
	} else {
		c.BuyVolume = c.BuyVolume.Add(t.Volume)
	}
}

// Flush closes bars whose window has passed either the event-time watermark
// or the wall-clock idle floor. Called periodically by the ingestor.
func (a *Aggregator) Flush(now time.Time) []types.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	wm := a.maxEvent.Add(-a.reorder)
	if floor := now.Add(-idleFlush); floor.After(wm) {
		wm = floor
	}
	return a.drainLocked(wm)
}

// FlushAll closes every forming bar regardless of watermark. Used at
// shutdown so the last bars are not lost.
func (a *Aggregator) FlushAll() []types.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.Candle, 0, len(a.building))
	for key, b := range a.building {
		out = append(out, b.candle)
		delete(a.building, key)
	}
	sortBars(out)
	return out
}

// LateTicks reports ticks dropped because their bar was already closed.
func (a *Aggregator) LateTicks() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.late
}

func (a *Aggregator) drainLocked(wm time.Time) []types.Candle {
	if !wm.After(a.flushedThrough) {
		return nil
	}
	a.flushedThrough = wm

	var out []types.Candle
	for key, b := range a.building {
		end := b.candle.OpenTime.Add(key.tf.Duration())
		if !end.After(wm) {
			out = append(out, b.candle)
			delete(a.building, key)
		}
	}
	sortBars(out)
	return out
}

func sortBars(bars []types.Candle) {
	sort.Slice(bars, func(i, j int) bool {
		if !bars[i].OpenTime.Equal(bars[j].OpenTime) {
			return bars[i].OpenTime.Before(bars[j].OpenTime)
		}
		return bars[i].Timeframe.Duration() < bars[j].Timeframe.Duration()
	})
}
