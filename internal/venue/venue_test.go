package venue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"flowtrader/pkg/types"
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(newTestPaper(types.MarketSpot))

	a, err := r.Get("paper")
	if err != nil || a.Name() != "paper" {
		t.Fatalf("Get(paper) = %v, %v", a, err)
	}
	if _, err := r.Get("binance"); !errors.Is(err, ErrUnknownVenue) {
		t.Errorf("unknown venue err = %v, want ErrUnknownVenue", err)
	}
}

func TestRegistryAllIsSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(NewPaper("zeta", types.MarketSpot, d("0")))
	r.Register(NewPaper("alpha", types.MarketSpot, d("0")))

	all := r.All()
	if len(all) != 2 || all[0].Name() != "alpha" || all[1].Name() != "zeta" {
		t.Errorf("All() order wrong: %v, %v", all[0].Name(), all[1].Name())
	}
}

func TestRetriable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{ErrTransient, true},
		{&RateLimitError{RetryAfter: time.Second}, true},
		{fmt.Errorf("POST /orders: %w", ErrTransient), true},
		{ErrInsufficientBalance, false},
		{ErrInvalidOrder, false},
		{ErrPermanent, false},
		{ErrOrderNotFound, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := Retriable(tt.err); got != tt.want {
			t.Errorf("Retriable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSymbolCacheHitsVenueOncePerSymbol(t *testing.T) {
	t.Parallel()
	inner := &countingAdapter{Adapter: newTestPaper(types.MarketSpot)}
	cached := WithSymbolCache(inner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		info, err := cached.GetSymbolInfo(ctx, "BTC-USDT")
		if err != nil {
			t.Fatal(err)
		}
		if info.BaseAsset != "BTC" {
			t.Fatalf("info = %+v", info)
		}
	}
	if inner.infoCalls != 1 {
		t.Errorf("venue called %d times, want 1", inner.infoCalls)
	}

	// Failures must not cache.
	if _, err := cached.GetSymbolInfo(ctx, "NOPE-USDT"); err == nil {
		t.Fatal("want error for unknown symbol")
	}
	if _, err := cached.GetSymbolInfo(ctx, "NOPE-USDT"); err == nil {
		t.Fatal("want error again, not a cached zero value")
	}
}

type countingAdapter struct {
	Adapter
	infoCalls int
}

func (c *countingAdapter) GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	c.infoCalls++
	return c.Adapter.GetSymbolInfo(ctx, symbol)
}
