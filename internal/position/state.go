package position

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"flowtrader/pkg/types"
)

// dayLedger is the circuit breaker's view of the trading day (UTC). Realized
// accumulates as positions close; the breaker level is latched and only
// cleared by a manual reset or the day roll.
type dayLedger struct {
	Date         string          `json:"date"` // 2006-01-02, UTC
	StartEquity  decimal.Decimal `json:"start_equity"`
	Realized     decimal.Decimal `json:"realized_pnl"`
	BreakerLevel int             `json:"breaker_level"`
}

// monitorState is everything the monitor needs back after a restart: the day
// ledger and the live positions with their trailing fields.
type monitorState struct {
	Day       dayLedger        `json:"day"`
	Positions []types.Position `json:"positions"`
	SavedAt   time.Time        `json:"saved_at"`
}

// saveState writes the state atomically: marshal, write a sibling temp file,
// rename over the target. A crash mid-write leaves the previous file intact.
func saveState(path string, st monitorState) error {
	if path == "" {
		return nil
	}
	st.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal monitor state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write monitor state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit monitor state: %w", err)
	}
	return nil
}

// loadState reads a previously saved state. A missing file is a fresh start,
// not an error.
func loadState(path string) (*monitorState, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read monitor state: %w", err)
	}
	var st monitorState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse monitor state: %w", err)
	}
	return &st, nil
}
