package analytics

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// minAutocorrSamples is the fewest log returns worth correlating; below this
// the reading is reported as unavailable rather than noise.
const minAutocorrSamples = 10

// MeanReversion returns the mean, sample standard deviation, and the z-score
// of last against them. A flat window (σ = 0) yields z = 0.
func MeanReversion(prices []float64, last float64) (mean, stddev, z float64) {
	if len(prices) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(prices, nil)
	if len(prices) > 1 {
		stddev = stat.StdDev(prices, nil)
	}
	if stddev > 0 && !math.IsNaN(stddev) {
		z = (last - mean) / stddev
	}
	return mean, stddev, z
}

// AutocorrLag1 returns the lag-1 autocorrelation of log returns over the
// newest window prices. ok is false when the series is too short or
// degenerate to measure.
func AutocorrLag1(prices []float64, window int) (r float64, ok bool) {
	if window > 0 && len(prices) > window {
		prices = prices[len(prices)-window:]
	}

	returns := make([]float64, 0, len(prices))
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < minAutocorrSamples {
		return 0, false
	}

	r = stat.Correlation(returns[:len(returns)-1], returns[1:], nil)
	if math.IsNaN(r) {
		return 0, false
	}
	return r, true
}
