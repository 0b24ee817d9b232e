package analytics

import (
	"testing"
)

func TestMeanReversion(t *testing.T) {
	t.Parallel()

	mean, stddev, z := MeanReversion([]float64{99, 100, 101}, 101)
	withinF(t, "mean", mean, 100, 1e-9)
	withinF(t, "stddev", stddev, 1, 1e-9)
	withinF(t, "z", z, 1, 1e-9)

	// A flat window has no spread to score against.
	_, stddev, z = MeanReversion([]float64{100, 100, 100}, 105)
	if stddev != 0 || z != 0 {
		t.Errorf("flat window: stddev = %v z = %v, want both 0", stddev, z)
	}

	if mean, stddev, z := MeanReversion(nil, 100); mean != 0 || stddev != 0 || z != 0 {
		t.Error("empty window must score zero")
	}
}

func TestAutocorrLag1(t *testing.T) {
	t.Parallel()

	if _, ok := AutocorrLag1([]float64{100, 101, 100, 101, 100}, 100); ok {
		t.Error("short series must report unavailable")
	}

	// Oscillating prices: every up return is followed by a down return.
	prices := make([]float64, 14)
	for i := range prices {
		prices[i] = 100
		if i%2 == 1 {
			prices[i] = 101
		}
	}
	r, ok := AutocorrLag1(prices, 100)
	if !ok {
		t.Fatal("expected a reading from 13 returns")
	}
	if r > -0.9 {
		t.Errorf("r = %v, want strong negative autocorrelation", r)
	}

	// Constant geometric growth has zero return variance.
	prices = prices[:0]
	p := 100.0
	for i := 0; i < 20; i++ {
		prices = append(prices, p)
		p *= 1.01
	}
	if _, ok := AutocorrLag1(prices, 100); ok {
		t.Error("degenerate zero-variance returns must report unavailable")
	}
}

func TestAutocorrLag1WindowTrim(t *testing.T) {
	t.Parallel()

	// Old trending prices followed by an oscillating tail. With the window
	// clamped to the tail, only the oscillation is measured.
	prices := []float64{10, 20, 40, 80, 160, 320}
	for i := 0; i < 14; i++ {
		v := 100.0
		if i%2 == 1 {
			v = 101
		}
		prices = append(prices, v)
	}
	r, ok := AutocorrLag1(prices, 14)
	if !ok {
		t.Fatal("expected a reading")
	}
	if r > -0.9 {
		t.Errorf("r = %v, want the trimmed window's negative autocorrelation", r)
	}
}
