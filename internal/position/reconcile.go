package position

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowtrader/internal/bus"
	"flowtrader/pkg/types"
)

// reconcile syncs the restored book against every registered venue before
// the monitor reacts to live events. The exchange is the source of truth:
// positions it holds that we do not are created (source reconciled, no
// retroactive order events), positions we hold that it does not are closed
// RECONCILED_MISSING, and quantity/price disagreements are overwritten from
// the venue. A consistent book produces no writes and no events.
//
// A venue that cannot be queried within the timeout is skipped whole: closing
// local positions on a transient API failure would be acting without
// evidence.
func (m *Monitor) reconcile(ctx context.Context) {
	changed := false
	for _, ad := range m.venues.All() {
		vctx, cancel := context.WithTimeout(ctx, m.rec.Timeout())
		remote, err := ad.GetPositions(vctx)
		cancel()
		if err != nil {
			m.logger.Error("reconciliation: venue unavailable, skipping",
				"venue", ad.Name(), "error", err)
			continue
		}
		if m.reconcileVenue(ctx, ad.Name(), remote) {
			changed = true
		}
	}

	for _, pos := range m.book.Snapshot() {
		if _, err := m.venues.Get(pos.Venue); err != nil {
			m.logger.Warn("reconciliation: position on unregistered venue kept as-is",
				"position_id", pos.ID, "venue", pos.Venue, "symbol", pos.Symbol)
		}
	}

	if changed {
		m.persist()
	}
}

func remoteKey(marketType types.MarketType, symbol string) string {
	return string(marketType) + ":" + symbol
}

// reconcileVenue diffs one venue's reported positions against the local book
// and applies the three repairs. Returns whether anything changed.
func (m *Monitor) reconcileVenue(ctx context.Context, venueName string, remote []types.VenuePosition) bool {
	byKey := make(map[string]types.VenuePosition, len(remote))
	for _, vp := range remote {
		byKey[remoteKey(vp.MarketType, vp.Symbol)] = vp
	}

	changed := false
	seen := make(map[string]bool, len(remote))
	for _, rec := range m.book.all() {
		pos := rec.snapshot()
		if pos.Venue != venueName {
			continue
		}
		key := remoteKey(pos.MarketType, pos.Symbol)
		vp, ok := byKey[key]
		if !ok {
			m.closeMissing(ctx, rec)
			changed = true
			continue
		}
		seen[key] = true
		if m.overwriteMismatch(rec, vp) {
			changed = true
		}
	}

	for _, vp := range remote {
		if seen[remoteKey(vp.MarketType, vp.Symbol)] {
			continue
		}
		m.createFromVenue(ctx, vp)
		changed = true
	}
	return changed
}

// closeMissing settles a local position the venue no longer reports. There
// is no authoritative exit fill, so realized PnL carries the last marked
// value.
func (m *Monitor) closeMissing(ctx context.Context, rec *record) {
	rec.mu.Lock()
	rec.pos.State = types.PositionClosed
	rec.pos.ExitReason = types.ExitReconciledMissing
	rec.pos.RealizedPnL = rec.pos.UnrealizedPnL
	rec.pos.ClosedAt = time.Now().UTC()
	pos := rec.pos
	rec.mu.Unlock()

	m.book.Remove(pos.ID)
	m.audit(ctx, pos)
	m.publish(ctx, bus.EventPositionClosed, bus.PositionPayload{Position: pos})
	m.logger.Warn("reconciliation: closed position missing on venue",
		"position_id", pos.ID, "venue", pos.Venue, "symbol", pos.Symbol)
}

// overwriteMismatch replaces local side, entry and quantity with the venue's
// view when they disagree. The trailing state re-anchors at the corrected
// entry: the old extremes described a position that did not exist.
func (m *Monitor) overwriteMismatch(rec *record, vp types.VenuePosition) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	pos := &rec.pos
	if pos.Side == vp.Side && pos.Quantity.Equal(vp.Quantity) && pos.EntryPrice.Equal(vp.EntryPrice) {
		return false
	}

	m.logger.Warn("reconciliation: overwriting local position from venue",
		"position_id", pos.ID, "symbol", pos.Symbol,
		"local_side", pos.Side, "venue_side", vp.Side,
		"local_qty", pos.Quantity, "venue_qty", vp.Quantity,
		"local_entry", pos.EntryPrice, "venue_entry", vp.EntryPrice)

	pos.Side = vp.Side
	pos.Quantity = vp.Quantity
	pos.EntryPrice = vp.EntryPrice
	pos.HighestMark = vp.EntryPrice
	pos.LowestMark = vp.EntryPrice
	pos.TrailingStop = stopFor(pos.Side, vp.EntryPrice, pos.TrailingPct)
	if !rec.mark.IsZero() {
		pos.UnrealizedPnL = pos.PnLAt(rec.mark)
		pos.UnrealizedPnLPct = pos.PnLPctAt(rec.mark)
	} else {
		pos.UnrealizedPnL = decimal.Zero
		pos.UnrealizedPnLPct = 0
	}
	return true
}

// createFromVenue adopts a position the venue holds but the book does not.
// Entry time is unknowable, so it starts now; hold-time enforcement begins
// from discovery.
func (m *Monitor) createFromVenue(ctx context.Context, vp types.VenuePosition) {
	class := m.classFor(vp.Venue, vp.Symbol)
	pos := types.Position{
		ID:         uuid.NewString(),
		Venue:      vp.Venue,
		MarketType: vp.MarketType,
		Symbol:     vp.Symbol,
		Side:       vp.Side,
		AssetClass: class,
		EntryPrice: vp.EntryPrice,
		Quantity:   vp.Quantity,
		EntryTime:  time.Now().UTC(),
		State:      types.PositionOpen,
		Source:     types.SourceReconciled,
	}
	arm(&pos, m.cfg.TrailingPct(class))

	if !m.book.Add(pos) {
		return
	}
	m.audit(ctx, pos)
	m.publish(ctx, bus.EventPositionOpened, bus.PositionPayload{Position: pos})
	m.logger.Warn("reconciliation: adopted venue position",
		"position_id", pos.ID, "venue", vp.Venue, "symbol", vp.Symbol,
		"side", vp.Side, "qty", vp.Quantity, "entry", vp.EntryPrice)
}
