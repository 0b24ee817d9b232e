package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCandleWickMath(t *testing.T) {
	t.Parallel()

	// Bullish rejection shape: long lower wick, close near the high.
	c := Candle{
		Open:  d("100"),
		High:  d("102"),
		Low:   d("96"),
		Close: d("101.6"),
	}

	if got := c.Body(); !got.Equal(d("1.6")) {
		t.Errorf("Body() = %s, want 1.6", got)
	}
	if got := c.LowerWick(); !got.Equal(d("4")) {
		t.Errorf("LowerWick() = %s, want 4", got)
	}
	if got := c.UpperWick(); !got.Equal(d("0.4")) {
		t.Errorf("UpperWick() = %s, want 0.4", got)
	}
	if got := c.Range(); !got.Equal(d("6")) {
		t.Errorf("Range() = %s, want 6", got)
	}
	if !c.IsBullish() {
		t.Error("IsBullish() = false, want true")
	}
}

func TestCandleWickMathBearish(t *testing.T) {
	t.Parallel()

	c := Candle{
		Open:  d("101.6"),
		High:  d("102"),
		Low:   d("96"),
		Close: d("100"),
	}

	if got := c.Body(); !got.Equal(d("1.6")) {
		t.Errorf("Body() = %s, want 1.6", got)
	}
	if got := c.LowerWick(); !got.Equal(d("4")) {
		t.Errorf("LowerWick() = %s, want 4", got)
	}
	if c.IsBullish() {
		t.Error("IsBullish() = true, want false")
	}
}

func TestOrderStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to OrderState
		want     bool
	}{
		{OrderPending, OrderSubmitted, true},
		{OrderPending, OrderFilled, false}, // cannot skip submission
		{OrderSubmitted, OrderActive, true},
		{OrderSubmitted, OrderFilled, true}, // market orders fill immediately
		{OrderActive, OrderPartial, true},
		{OrderPartial, OrderPartial, true}, // partial fills accumulate
		{OrderPartial, OrderFilled, true},
		{OrderFilled, OrderCancelled, false},
		{OrderCancelled, OrderActive, false},
		{OrderFailed, OrderSubmitted, false},
		{OrderRejected, OrderPending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s → %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOrderStateIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderState{OrderFilled, OrderCancelled, OrderRejected, OrderFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	live := []OrderState{OrderPending, OrderSubmitted, OrderActive, OrderPartial}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}

func TestPositionPnL(t *testing.T) {
	t.Parallel()

	long := Position{Side: LONG, EntryPrice: d("3000"), Quantity: d("1")}
	if got := long.PnLAt(d("2999")); !got.Equal(d("-1")) {
		t.Errorf("LONG PnLAt(2999) = %s, want -1", got)
	}
	if got := long.PnLAt(d("3020")); !got.Equal(d("20")) {
		t.Errorf("LONG PnLAt(3020) = %s, want 20", got)
	}

	short := Position{Side: SHORT, EntryPrice: d("3000"), Quantity: d("2")}
	if got := short.PnLAt(d("2990")); !got.Equal(d("20")) {
		t.Errorf("SHORT PnLAt(2990) = %s, want 20", got)
	}
	if got := short.PnLAt(d("3010")); !got.Equal(d("-20")) {
		t.Errorf("SHORT PnLAt(3010) = %s, want -20", got)
	}

	if got := long.PnLPctAt(d("3060")); got != 2.0 {
		t.Errorf("LONG PnLPctAt(3060) = %v, want 2.0", got)
	}
}

func TestOrderFlowDominantSide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		m       OrderFlowMetric
		want    Side
		wantOK  bool
	}{
		{"buy heavy", OrderFlowMetric{Ratio: 3.5, Defined: true}, BUY, true},
		{"sell heavy", OrderFlowMetric{Ratio: 0.25, Defined: true}, SELL, true},
		{"balanced", OrderFlowMetric{Ratio: 1, Defined: true}, "", false},
		{"undefined", OrderFlowMetric{Defined: false}, "", false},
	}

	for _, tt := range tests {
		got, ok := tt.m.DominantSide()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("%s: DominantSide() = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestZoneContains(t *testing.T) {
	t.Parallel()

	z := Zone{Type: ZoneDemand, PriceLow: d("99"), PriceHigh: d("100")}
	if !z.Contains(d("99.5")) {
		t.Error("Contains(99.5) = false, want true")
	}
	if !z.Contains(d("99")) || !z.Contains(d("100")) {
		t.Error("zone bounds should be inclusive")
	}
	if z.Contains(d("100.01")) {
		t.Error("Contains(100.01) = true, want false")
	}
}

func TestTimeframeDuration(t *testing.T) {
	t.Parallel()

	if TF1m.Duration().Minutes() != 1 || TF5m.Duration().Minutes() != 5 || TF15m.Duration().Minutes() != 15 {
		t.Error("timeframe durations off")
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Side.Opposite broken")
	}
	if LONG.Opposite() != SHORT || SHORT.Opposite() != LONG {
		t.Error("SignalSide.Opposite broken")
	}
}

func TestPairKeyString(t *testing.T) {
	t.Parallel()

	k := PairKey{Venue: "binance", MarketType: MarketSpot, Symbol: "BTC-USDT"}
	if got := k.String(); got != "binance/spot/BTC-USDT" {
		t.Errorf("String() = %q", got)
	}
}
