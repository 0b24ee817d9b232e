package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flowtrader/internal/config"
	"flowtrader/internal/venue"
)

// AdapterBuilder constructs one live venue adapter from its config entry.
// Builders receive the per-call timeout so they can size their transports.
type AdapterBuilder func(cfg config.VenueConfig, timeout time.Duration, logger *slog.Logger) (venue.Adapter, error)

var (
	buildersMu sync.RWMutex
	builders   = make(map[string]AdapterBuilder)
)

// RegisterAdapter makes a live adapter available under a venue name, the way
// database/sql drivers register. Venue integrations live outside this module
// and register from the binary's wiring before New runs; the engine core
// only ever sees the venue.Adapter contract.
func RegisterAdapter(name string, b AdapterBuilder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[name] = b
}

func buildAdapter(vc config.VenueConfig, timeout time.Duration, logger *slog.Logger) (venue.Adapter, error) {
	buildersMu.RLock()
	b, ok := builders[vc.Name]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("venue %q: no live adapter registered", vc.Name)
	}
	a, err := b(vc, timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("venue %q: build adapter: %w", vc.Name, err)
	}
	return a, nil
}
