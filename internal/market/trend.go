package market

import "errors"

var ErrInsufficientHistory = errors.New("not enough close prices for trend filter")

// EMA computes the exponential moving average series over prices, seeded with
// the first observed price, smoothing factor k = 2/(period+1).
func EMA(prices []float64, period int) []float64 {
	if len(prices) == 0 {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, len(prices))
	out[0] = prices[0]
	for i := 1; i < len(prices); i++ {
		out[i] = prices[i]*k + out[i-1]*(1-k)
	}
	return out
}

// TrendFilter gates entries on a short/long EMA crossover.
type TrendFilter struct {
	Short int
	Long  int
}

// Uptrend reports whether the short EMA is strictly above the long EMA over
// the given close sequence. Fewer samples than the long period is an error;
// callers skip the cycle rather than extrapolate.
func (f TrendFilter) Uptrend(closes []float64) (bool, error) {
	if len(closes) < f.Long {
		return false, ErrInsufficientHistory
	}
	short := EMA(closes, f.Short)
	long := EMA(closes, f.Long)
	return short[len(short)-1] > long[len(long)-1], nil
}
