// Package position owns every position from PositionOpened onward: trailing
// stops per asset class, the ~10s portfolio risk sweep with its five
// sub-policies, and startup reconciliation against the venues.
//
// The monitor never calls a venue to flatten anything. It publishes a
// PositionCloseRequested intent and completes the close when execution
// reports the fill.
package position

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

// record is one tracked position plus its lock. All mutation of pos happens
// under mu; the book's own lock only guards the indexes, so two positions
// never contend on the tick path.
type record struct {
	mu   sync.Mutex
	pos  types.Position
	mark decimal.Decimal // last trade price seen; zero until the first tick
}

// snapshot copies the position under the record lock.
func (r *record) snapshot() types.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// Book indexes live records by position ID and by pair. Closed positions
// leave the book; their terminal state lives in events and the audit table.
type Book struct {
	mu     sync.RWMutex
	byID   map[string]*record
	byPair map[string][]*record // types.PairKey.String() -> records
}

// NewBook builds an empty book.
func NewBook() *Book {
	return &Book{
		byID:   make(map[string]*record),
		byPair: make(map[string][]*record),
	}
}

func pairOf(pos types.Position) types.PairKey {
	return types.PairKey{Venue: pos.Venue, MarketType: pos.MarketType, Symbol: pos.Symbol}
}

// Add registers a position. A duplicate ID comes back false and leaves the
// stored record untouched, which makes re-delivered PositionOpened events
// harmless.
func (b *Book) Add(pos types.Position) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[pos.ID]; ok {
		return false
	}
	rec := &record{pos: pos}
	b.byID[pos.ID] = rec
	key := pairOf(pos).String()
	b.byPair[key] = append(b.byPair[key], rec)
	return true
}

// Remove drops a record from the indexes. Safe on unknown IDs.
func (b *Book) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	key := pairOf(rec.pos).String()
	recs := b.byPair[key]
	for i, r := range recs {
		if r == rec {
			b.byPair[key] = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	if len(b.byPair[key]) == 0 {
		delete(b.byPair, key)
	}
}

// get returns the record for an ID.
func (b *Book) get(id string) (*record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.byID[id]
	return rec, ok
}

// forPair returns the records holding the given pair.
func (b *Book) forPair(key types.PairKey) []*record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	recs := b.byPair[key.String()]
	out := make([]*record, len(recs))
	copy(out, recs)
	return out
}

// all returns every live record, ordered by position ID so sweeps visit
// positions deterministically.
func (b *Book) all() []*record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*record, 0, len(b.byID))
	for _, rec := range b.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].pos.ID < out[j].pos.ID
	})
	return out
}

// Len counts live records, OPEN and CLOSING alike. A position being
// flattened still occupies a concurrency slot.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Snapshot copies every live position, each under its own lock.
func (b *Book) Snapshot() []types.Position {
	recs := b.all()
	out := make([]types.Position, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}
