package position

import (
	"testing"

	"flowtrader/pkg/types"
)

func openLong(entry string, pct float64) types.Position {
	pos := types.Position{
		Side:       types.LONG,
		EntryPrice: d(entry),
		Quantity:   d("1"),
		State:      types.PositionOpen,
	}
	arm(&pos, pct)
	return pos
}

func openShort(entry string, pct float64) types.Position {
	pos := types.Position{
		Side:       types.SHORT,
		EntryPrice: d(entry),
		Quantity:   d("1"),
		State:      types.PositionOpen,
	}
	arm(&pos, pct)
	return pos
}

func TestArmInitialStops(t *testing.T) {
	t.Parallel()

	long := openLong("3000", 0.5)
	if !long.TrailingStop.Equal(d("2985")) {
		t.Fatalf("long stop = %s, want 2985", long.TrailingStop)
	}
	if !long.HighestMark.Equal(d("3000")) || !long.LowestMark.Equal(d("3000")) {
		t.Fatalf("extremes = %s/%s, want entry", long.HighestMark, long.LowestMark)
	}
	if long.TrailingPct != 0.5 {
		t.Fatalf("pct = %v, want 0.5", long.TrailingPct)
	}

	short := openShort("3000", 0.5)
	if !short.TrailingStop.Equal(d("3015")) {
		t.Fatalf("short stop = %s, want 3015", short.TrailingStop)
	}
}

func TestArmKeepsPresetValues(t *testing.T) {
	t.Parallel()

	pos := types.Position{
		Side:         types.LONG,
		EntryPrice:   d("3000"),
		Quantity:     d("1"),
		TrailingPct:  1.0,
		HighestMark:  d("3100"),
		LowestMark:   d("3000"),
		TrailingStop: d("3069"),
	}
	arm(&pos, 0.5)

	if pos.TrailingPct != 1.0 {
		t.Fatalf("pct overwritten to %v", pos.TrailingPct)
	}
	if !pos.TrailingStop.Equal(d("3069")) {
		t.Fatalf("stop overwritten to %s", pos.TrailingStop)
	}
	if !pos.HighestMark.Equal(d("3100")) {
		t.Fatalf("high mark overwritten to %s", pos.HighestMark)
	}
}

// The 3000 -> 3020 -> 2999 ride at the unit level: the stop follows the high
// to 3004.9 and the drop through it triggers.
func TestAdvanceFollowsHighWater(t *testing.T) {
	t.Parallel()
	pos := openLong("3000", 0.5)

	if advance(&pos, d("3000")) {
		t.Fatal("mark at entry must not trigger")
	}
	if advance(&pos, d("3020")) {
		t.Fatal("new high must not trigger")
	}
	if !pos.HighestMark.Equal(d("3020")) {
		t.Fatalf("high = %s, want 3020", pos.HighestMark)
	}
	if !pos.TrailingStop.Equal(d("3004.9")) {
		t.Fatalf("stop = %s, want 3004.9", pos.TrailingStop)
	}
	if !advance(&pos, d("2999")) {
		t.Fatal("2999 through 3004.9 must trigger")
	}
	if !pos.UnrealizedPnL.Equal(d("-1")) {
		t.Fatalf("unrealized = %s, want -1", pos.UnrealizedPnL)
	}
}

func TestAdvanceStopIsMonotone(t *testing.T) {
	t.Parallel()
	pos := openLong("3000", 0.5)

	advance(&pos, d("3020"))
	stop := pos.TrailingStop

	// A pullback that stays above the stop must not move it down.
	if advance(&pos, d("3010")) {
		t.Fatal("3010 above 3004.9 must not trigger")
	}
	if !pos.TrailingStop.Equal(stop) {
		t.Fatalf("stop moved to %s on pullback", pos.TrailingStop)
	}
	if !pos.HighestMark.Equal(d("3020")) {
		t.Fatalf("high mark moved to %s on pullback", pos.HighestMark)
	}

	// A higher high ratchets it up.
	advance(&pos, d("3040"))
	if !pos.TrailingStop.Equal(d("3024.8")) {
		t.Fatalf("stop = %s, want 3024.8", pos.TrailingStop)
	}
}

func TestAdvanceShortSymmetry(t *testing.T) {
	t.Parallel()
	pos := openShort("3000", 0.5)

	if advance(&pos, d("2980")) {
		t.Fatal("new low must not trigger")
	}
	if !pos.LowestMark.Equal(d("2980")) {
		t.Fatalf("low = %s, want 2980", pos.LowestMark)
	}
	want := d("2980").Mul(d("1.005"))
	if !pos.TrailingStop.Equal(want) {
		t.Fatalf("stop = %s, want %s", pos.TrailingStop, want)
	}

	// Bounce that stays below the stop keeps it in place.
	if advance(&pos, d("2985")) {
		t.Fatalf("2985 below %s must not trigger", want)
	}
	if !pos.TrailingStop.Equal(want) {
		t.Fatalf("stop moved to %s on bounce", pos.TrailingStop)
	}

	if !advance(&pos, want) {
		t.Fatal("mark at the stop must trigger for SHORT")
	}
	if !pos.UnrealizedPnL.Equal(d("3000").Sub(want)) {
		t.Fatalf("unrealized = %s", pos.UnrealizedPnL)
	}
}

func TestTightenNarrowsOnly(t *testing.T) {
	t.Parallel()
	pos := openLong("3000", 0.5)
	advance(&pos, d("3020"))

	if tighten(&pos, 0.5) {
		t.Fatal("tighten to the same pct must be a no-op")
	}
	if tighten(&pos, 1.0) {
		t.Fatal("tighten must never widen the distance")
	}
	if tighten(&pos, 0) {
		t.Fatal("tighten to zero must be a no-op")
	}

	if !tighten(&pos, 0.3) {
		t.Fatal("tighten to 0.3 must apply")
	}
	if pos.TrailingPct != 0.3 {
		t.Fatalf("pct = %v, want 0.3", pos.TrailingPct)
	}
	want := d("3020").Mul(d("0.997"))
	if !pos.TrailingStop.Equal(want) {
		t.Fatalf("stop = %s, want %s", pos.TrailingStop, want)
	}
}

func TestTightenKeepsMonotoneStop(t *testing.T) {
	t.Parallel()
	// A stop already sitting tighter than the narrower distance would put it
	// must stay put; only the distance is restamped.
	pos := openLong("3000", 0.5)
	advance(&pos, d("3100"))
	pos.TrailingStop = d("3090") // tighter than 3100 x 0.996 = 3087.6

	if !tighten(&pos, 0.4) {
		t.Fatal("tighten to 0.4 must apply")
	}
	if pos.TrailingPct != 0.4 {
		t.Fatalf("pct = %v, want 0.4", pos.TrailingPct)
	}
	if !pos.TrailingStop.Equal(d("3090")) {
		t.Fatalf("stop loosened to %s, want 3090", pos.TrailingStop)
	}
}

func TestStopForSides(t *testing.T) {
	t.Parallel()
	tests := []struct {
		side    types.SignalSide
		extreme string
		pct     float64
		want    string
	}{
		{types.LONG, "100", 1.0, "99"},
		{types.LONG, "3020", 0.5, "3004.9"},
		{types.SHORT, "100", 1.0, "101"},
		{types.SHORT, "2980", 0.5, "2994.9"},
	}
	for _, tt := range tests {
		got := stopFor(tt.side, d(tt.extreme), tt.pct)
		if !got.Equal(d(tt.want)) {
			t.Errorf("stopFor(%s, %s, %v) = %s, want %s",
				tt.side, tt.extreme, tt.pct, got, tt.want)
		}
	}
}
