// Package features derives numeric features from candle history.
package features

import (
	"math"

	"PolyPulse/internal/domain/models"
)

// ComputeLogReturns returns ln(close[i]/close[i-1]) for ascending candles. A
// pair with a non-positive close contributes 0.
func ComputeLogReturns(candles []models.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, len(candles)-1)
	for i := range out {
		a, b := candles[i].Close, candles[i+1].Close
		if a > 0 && b > 0 {
			out[i] = math.Log(b / a)
		}
	}
	return out
}

// RealizedVolatility is the annualized sample stdev of the last window returns.
func RealizedVolatility(returns []float64, window int, barsPerYear float64) float64 {
	if window < 2 || window > len(returns) {
		return 0
	}
	tail := returns[len(returns)-window:]
	var mean, m2 float64
	for i, r := range tail {
		d := r - mean
		mean += d / float64(i+1)
		m2 += d * (r - mean)
	}
	return math.Sqrt(m2 / float64(window-1) * barsPerYear)
}

// VolatilityRatio compares realized volatility over the newest shortWindow
// returns with that over longWindow. ok is false without enough history or on
// a flat baseline.
func VolatilityRatio(candles []models.Candle, shortWindow, longWindow int, tf string) (float64, bool) {
	returns := ComputeLogReturns(candles)
	longWindow = min(longWindow, len(returns))
	if shortWindow < 2 || longWindow <= shortWindow {
		return 0, false
	}
	bars := BarsPerYearForTF(tf)
	baseline := RealizedVolatility(returns, longWindow, bars)
	if baseline <= 0 {
		return 0, false
	}
	return RealizedVolatility(returns, shortWindow, bars) / baseline, true
}

const minutesPerYear = 365 * 24 * 60

func BarsPerYearForTF(tf string) float64 {
	switch tf {
	case "1s":
		return minutesPerYear * 60
	case "5m":
		return minutesPerYear / 5
	case "15m":
		return minutesPerYear / 15
	default:
		return minutesPerYear
	}
}
