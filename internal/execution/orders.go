package execution

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"flowtrader/pkg/types"
)

const defaultClosedRetention = 1000

// Manager tracks every order the engine has created, indexed by client ID
// and venue order ID. Terminal orders stay queryable until the retention
// tail pushes them out, so the status surface and post-mortems can see
// recent history without hitting storage.
type Manager struct {
	mu       sync.Mutex
	retain   int
	byClient map[string]*types.Order
	byVenue  map[string]string
	closed   []string
}

func NewManager(retain int) *Manager {
	if retain <= 0 {
		retain = defaultClosedRetention
	}
	return &Manager{
		retain:   retain,
		byClient: make(map[string]*types.Order),
		byVenue:  make(map[string]string),
	}
}

// Track registers a new order under its client ID. A client ID already
// tracked comes back with created=false and the stored order untouched,
// which is how duplicate intents surface.
func (m *Manager) Track(o types.Order) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.byClient[o.ClientID]; ok {
		return *cur, false
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	if o.State == "" {
		o.State = types.OrderPending
	}
	cp := o
	m.byClient[o.ClientID] = &cp
	return o, true
}

// Update transitions an order, enforcing the forward-only state machine.
// fn, when non-nil, mutates the order under the lock after the transition
// is accepted; the venue ID index and the closed tail follow automatically.
func (m *Manager) Update(clientID string, next types.OrderState, fn func(*types.Order)) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.byClient[clientID]
	if !ok {
		return types.Order{}, fmt.Errorf("order %s not tracked", clientID)
	}
	if !o.State.CanTransition(next) {
		return *o, fmt.Errorf("order %s: illegal transition %s -> %s", clientID, o.State, next)
	}
	o.State = next
	if fn != nil {
		fn(o)
	}
	o.UpdatedAt = time.Now().UTC()
	if o.VenueOrderID != "" {
		m.byVenue[o.VenueOrderID] = o.ClientID
	}
	if next.IsTerminal() {
		m.retire(clientID)
	}
	return *o, nil
}

// retire appends to the closed tail and evicts beyond the retention bound.
func (m *Manager) retire(clientID string) {
	m.closed = append(m.closed, clientID)
	for len(m.closed) > m.retain {
		old := m.closed[0]
		m.closed = m.closed[1:]
		if o, ok := m.byClient[old]; ok {
			delete(m.byVenue, o.VenueOrderID)
			delete(m.byClient, old)
		}
	}
}

func (m *Manager) Get(clientID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byClient[clientID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

func (m *Manager) ByVenueID(venueOrderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clientID, ok := m.byVenue[venueOrderID]
	if !ok {
		return types.Order{}, false
	}
	o, ok := m.byClient[clientID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Open returns every non-terminal order, oldest first.
func (m *Manager) Open() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Order
	for _, o := range m.byClient {
		if !o.State.IsTerminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats reports tracked order counts for the status log.
func (m *Manager) Stats() (open, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byClient) - len(m.closed), len(m.closed)
}
