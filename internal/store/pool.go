package store

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"

	"flowtrader/pkg/types"
)

// Pool is the global LRU cache of per-pair database handles. It caps the
// number of simultaneously open pair databases; the least recently used
// unheld handle is evicted and closed when the cap is reached.
//
// A handle that is currently acquired is never evicted: eviction skips
// entries with a positive refcount, so the pool may transiently exceed the
// cap when every handle is held. Closing an evicted handle happens outside
// the pool lock.
type Pool struct {
	logger  *slog.Logger
	cap     int
	opener  func(types.PairKey) (*PairDB, error)
	onError func(reason, detail string)

	mu      sync.Mutex
	entries map[types.PairKey]*poolEntry
	lru     *list.List // front = most recently used

	hits      uint64
	misses    uint64
	evictions uint64
}

type poolEntry struct {
	db   *PairDB
	refs int
	elem *list.Element
}

// PoolStats is a read-only snapshot of pool counters.
type PoolStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Open        int
	Capacity    int
	Utilization float64
}

func newPool(capacity int, opener func(types.PairKey) (*PairDB, error), onError func(reason, detail string), logger *slog.Logger) *Pool {
	if capacity <= 0 {
		capacity = 200
	}
	return &Pool{
		logger:  logger,
		cap:     capacity,
		opener:  opener,
		onError: onError,
		entries: make(map[types.PairKey]*poolEntry),
		lru:     list.New(),
	}
}

// Acquire returns the open handle for a pair, opening it on miss and
// evicting the least recently used unheld handle when at capacity. A failed
// open is retried once; persistent failure is surfaced to the pool's error
// sink and returned.
func (p *Pool) Acquire(key types.PairKey) (*PairDB, error) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.refs++
		p.lru.MoveToFront(e.elem)
		p.hits++
		p.mu.Unlock()
		return e.db, nil
	}
	p.misses++

	var victim *PairDB
	if len(p.entries) >= p.cap {
		victim = p.evictLocked()
	}
	p.mu.Unlock()

	if victim != nil {
		if err := victim.close(); err != nil {
			p.logger.Warn("closing evicted pair db", "pair", victim.Key(), "error", err)
		}
	}

	db, err := p.opener(key)
	if err != nil {
		p.logger.Warn("open pair db failed, retrying once", "pair", key, "error", err)
		db, err = p.opener(key)
		if err != nil {
			if p.onError != nil {
				p.onError("acquire_failed", fmt.Sprintf("%s: %v", key, err))
			}
			return nil, fmt.Errorf("store: open %s: %w", key, err)
		}
	}

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		// Lost a race with a concurrent open of the same pair; keep the
		// cached handle and discard ours.
		e.refs++
		p.lru.MoveToFront(e.elem)
		p.mu.Unlock()
		_ = db.close()
		return e.db, nil
	}
	e := &poolEntry{db: db, refs: 1}
	e.elem = p.lru.PushFront(key)
	p.entries[key] = e
	p.mu.Unlock()

	return db, nil
}

// Release returns a handle to the pool. The handle stays open and cached;
// release never closes it.
func (p *Pool) Release(db *PairDB) {
	if db == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[db.Key()]; ok && e.refs > 0 {
		e.refs--
	}
}

// evictLocked removes the least recently used unheld entry and returns its
// handle for closing by the caller, outside the lock. Returns nil when every
// entry is held.
func (p *Pool) evictLocked() *PairDB {
	for elem := p.lru.Back(); elem != nil; elem = elem.Prev() {
		key := elem.Value.(types.PairKey)
		e := p.entries[key]
		if e.refs > 0 {
			continue
		}
		p.lru.Remove(elem)
		delete(p.entries, key)
		p.evictions++
		return e.db
	}
	p.logger.Warn("pool at capacity with every handle held", "capacity", p.cap)
	return nil
}

// Keys lists the pairs with currently open handles, most recently used
// first.
func (p *Pool) Keys() []types.PairKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]types.PairKey, 0, p.lru.Len())
	for elem := p.lru.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(types.PairKey))
	}
	return keys
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Hits:        p.hits,
		Misses:      p.misses,
		Evictions:   p.evictions,
		Open:        len(p.entries),
		Capacity:    p.cap,
		Utilization: float64(len(p.entries)) / float64(p.cap),
	}
}

// CloseAll closes every handle. Called once at engine shutdown after all
// components released their handles.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	dbs := make([]*PairDB, 0, len(p.entries))
	for _, e := range p.entries {
		dbs = append(dbs, e.db)
	}
	p.entries = make(map[types.PairKey]*poolEntry)
	p.lru.Init()
	p.mu.Unlock()

	for _, db := range dbs {
		if err := db.close(); err != nil {
			p.logger.Warn("closing pair db", "pair", db.Key(), "error", err)
		}
	}
}
