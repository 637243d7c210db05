package scoring

import (
	"math"
	"time"

	"PolyPulse/internal/domain/models"
	"PolyPulse/pkg/util"
)

// DetectRegime classifies with the configured chop threshold.
func (e *Engine) DetectRegime(ind models.IndicatorSnapshot) models.Regime {
	return DetectRegime(ind, e.cfg.ChopCrossCount)
}

// DetectRegime classifies recent price action from one indicator bundle.
// chopCrosses VWAP crosses or more mark the market choppy.
func DetectRegime(ind models.IndicatorSnapshot, chopCrosses int) models.Regime {
	if chopCrosses > 0 && ind.VWAPCrossCount >= chopCrosses {
		return models.Regime{Kind: models.RegimeChoppy, Strength: math.Min(1, float64(ind.VWAPCrossCount)/8)}
	}

	green := ind.HAColor == "green"
	red := ind.HAColor == "red"
	if ind.HAConsecutive >= 3 {
		if (ind.VWAPSlope > 0 && ind.MACDHist > 0 && green) || (ind.VWAPSlope < 0 && ind.MACDHist < 0 && red) {
			return models.Regime{Kind: models.RegimeTrending, Strength: math.Min(1, float64(ind.HAConsecutive)/6)}
		}
	}

	if (ind.RSI >= 70 && ind.RSISlope < 0) || (ind.RSI > 0 && ind.RSI <= 30 && ind.RSISlope > 0) {
		return models.Regime{Kind: models.RegimeMeanReverting, Strength: util.Clamp(math.Abs(ind.RSI-50)/50, 0, 1)}
	}

	return models.Regime{Kind: models.RegimeModerate, Strength: 0.5}
}

type sessionBase struct {
	far, close, momentum float64
}

var sessionBases = map[models.Session]sessionBase{
	models.SessionAsia:    {far: 0.12, close: 0.04, momentum: 0.03},
	models.SessionEurope:  {far: 0.15, close: 0.05, momentum: 0.04},
	models.SessionOverlap: {far: 0.20, close: 0.07, momentum: 0.05},
	models.SessionUS:      {far: 0.18, close: 0.06, momentum: 0.05},
	models.SessionOff:     {far: 0.10, close: 0.035, momentum: 0.025},
}

// SessionAt buckets t by UTC hour.
func SessionAt(t time.Time) models.Session {
	h := t.UTC().Hour()
	switch {
	case h < 7:
		return models.SessionAsia
	case h < 12:
		return models.SessionEurope
	case h < 16:
		return models.SessionOverlap
	case h < 21:
		return models.SessionUS
	default:
		return models.SessionOff
	}
}

// ProfileFor returns the session thresholds (in percent) scaled by the
// realized volatility ratio. A ratio that is unknown or non-positive counts as 1.
func ProfileFor(t time.Time, realizedVolRatio float64) models.VolatilityProfile {
	s := SessionAt(t)
	b := sessionBases[s]
	scale := 1.0
	if util.Finite(realizedVolRatio) && realizedVolRatio > 0 {
		scale = util.Clamp(realizedVolRatio, 0.5, 2.0)
	}
	return models.VolatilityProfile{
		Session:     s,
		FarPct:      b.far * scale,
		ClosePct:    b.close * scale,
		MomentumPct: b.momentum * scale,
		Scale:       scale,
	}
}
