package scoring

import (
	"math"

	"PolyPulse/internal/domain/models"
	"PolyPulse/pkg/util"
)

// Signal names used in the score breakdown.
const (
	SignalPTBDistance   = "ptb_distance"
	SignalMomentum1m    = "momentum_1m"
	SignalMomentum3m    = "momentum_3m"
	SignalRSI           = "rsi"
	SignalRSIExtreme    = "rsi_extreme"
	SignalMACDHist      = "macd_hist"
	SignalMACDLine      = "macd_line"
	SignalVWAP          = "vwap"
	SignalFailedReclaim = "failed_vwap_reclaim"
	SignalHeikenAshi    = "heiken_ashi"
	SignalMultiTF       = "multi_tf"
	SignalBookImbalance = "book_imbalance"
	SignalBollinger     = "bollinger"
	SignalEMACross      = "ema_cross"
	SignalStochRSI      = "stoch_rsi"
	SignalFunding       = "funding"
)

// Engine is the weighted signal-fusion probability engine. All methods are
// pure; an Engine is safe for concurrent use.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config { return e.cfg }

// Score fuses the feature signals into a raw Up probability with its breakdown.
func (e *Engine) Score(f models.FeatureSnapshot, regime models.Regime, profile models.VolatilityProfile, stats models.AccuracyStats) models.ScoreResult {
	w := e.cfg.Weights
	bd := models.ScoreBreakdown{}
	up, down := 1.0, 1.0
	vote := func(name string, side models.Side, weight float64) {
		if weight <= 0 || side == models.SideNone {
			return
		}
		bd[name] = models.SignalContribution{Direction: side, Weight: weight}
		if side == models.SideUp {
			up += weight
		} else {
			down += weight
		}
	}

	if d := f.Get(models.FeatPTBDistancePct); util.Finite(d) {
		switch {
		case math.Abs(d) >= profile.FarPct && profile.FarPct > 0:
			vote(SignalPTBDistance, sideOf(d), w.PTBFar)
		case math.Abs(d) >= profile.ClosePct && profile.ClosePct > 0:
			vote(SignalPTBDistance, sideOf(d), w.PTBNear)
		}
	}

	if d := f.Get(models.FeatDelta1mPct); util.Finite(d) && math.Abs(d) >= profile.MomentumPct {
		vote(SignalMomentum1m, sideOf(d), w.Momentum1m)
	}
	if d := f.Get(models.FeatDelta3mPct); util.Finite(d) && math.Abs(d) >= 1.5*profile.MomentumPct {
		vote(SignalMomentum3m, sideOf(d), w.Momentum3m)
	}

	if rsi, slope := f.Get(models.FeatRSI), f.Get(models.FeatRSISlope); util.Finite(rsi) {
		switch {
		case rsi >= e.cfg.RSIOverbought:
			vote(SignalRSIExtreme, models.SideDown, w.RSIExtreme)
		case rsi <= e.cfg.RSIOversold:
			vote(SignalRSIExtreme, models.SideUp, w.RSIExtreme)
		}
		if util.Finite(slope) {
			switch {
			case rsi > e.cfg.RSIUpper && slope > 0:
				vote(SignalRSI, models.SideUp, w.RSI)
			case rsi < e.cfg.RSILower && slope < 0:
				vote(SignalRSI, models.SideDown, w.RSI)
			}
		}
	}

	if h := f.Get(models.FeatMACDHist); util.Finite(h) && h != 0 {
		vote(SignalMACDHist, sideOf(h), w.MACDHist)
		if l := f.Get(models.FeatMACDLine); util.Finite(l) && sideOf(l) == sideOf(h) {
			vote(SignalMACDLine, sideOf(l), w.MACDLine)
		}
	}

	crosses := f.Get(models.FeatVWAPCrossCount)
	choppy := util.Finite(crosses) && crosses >= float64(e.cfg.ChopCrossCount)
	if dist, slope := f.Get(models.FeatVWAPDistancePct), f.Get(models.FeatVWAPSlope); !choppy && util.Finite(dist) && dist != 0 {
		if !util.Finite(slope) || sideOf(slope) == sideOf(dist) || slope == 0 {
			vote(SignalVWAP, sideOf(dist), w.VWAP)
		}
	}
	if fr := f.Get(models.FeatFailedVWAP); util.Finite(fr) && fr > 0 {
		vote(SignalFailedReclaim, models.SideDown, w.FailedReclaim)
	}

	if run, green := f.Get(models.FeatHAConsecutive), f.Get(models.FeatHAColorGreen); util.Finite(run) && util.Finite(green) && run >= float64(e.cfg.HAMinRun) {
		side := models.SideDown
		if green > 0 {
			side = models.SideUp
		}
		vote(SignalHeikenAshi, side, w.HeikenAshi)
	}

	if a := f.Get(models.FeatMultiTFAgree); util.Finite(a) && a != 0 {
		vote(SignalMultiTF, sideOf(a), w.MultiTF)
	}

	if imb := f.Get(models.FeatBookImbalance); util.Finite(imb) && math.Abs(imb) >= e.cfg.BookImbalanceMin {
		vote(SignalBookImbalance, sideOf(imb), w.BookImbalance)
	}

	if b := f.Get(models.FeatBollingerPctB); util.Finite(b) {
		switch {
		case b > 1:
			vote(SignalBollinger, models.SideDown, w.Bollinger)
		case b < 0:
			vote(SignalBollinger, models.SideUp, w.Bollinger)
		}
	}

	if x := f.Get(models.FeatEMACross); util.Finite(x) && x != 0 {
		vote(SignalEMACross, sideOf(x), w.EMACross)
	}

	if k := f.Get(models.FeatStochRSIK); util.Finite(k) {
		switch {
		case k >= e.cfg.StochHigh:
			vote(SignalStochRSI, models.SideDown, w.StochRSI)
		case k <= e.cfg.StochLow:
			vote(SignalStochRSI, models.SideUp, w.StochRSI)
		}
	}

	if fr := f.Get(models.FeatFundingRate); util.Finite(fr) && e.cfg.FundingCrowded > 0 && math.Abs(fr) >= e.cfg.FundingCrowded {
		// crowded longs pay funding: fade the crowd
		vote(SignalFunding, sideOf(-fr), w.Funding)
	}

	raw := up / (up + down)
	raw = around(raw, e.RegimeMultiplier(regime))
	raw = around(raw, e.AccuracyMultiplier(stats))

	return models.ScoreResult{
		RawUp:     util.Clamp(raw, ProbMin, ProbMax),
		UpScore:   up,
		DownScore: down,
		Breakdown: bd,
	}
}

// RegimeMultiplier scales conviction by market regime.
func (e *Engine) RegimeMultiplier(r models.Regime) float64 {
	m := 1.0
	switch r.Kind {
	case models.RegimeTrending:
		m = e.cfg.RegimeTrending
	case models.RegimeChoppy:
		m = e.cfg.RegimeChoppy
	case models.RegimeMeanReverting:
		m = e.cfg.RegimeMeanRev
	}
	return util.Clamp(m, e.cfg.RegimeMin, e.cfg.RegimeMax)
}

// AccuracyMultiplier scales conviction by recent calibration. It is neutral
// until enough predictions have a known outcome.
func (e *Engine) AccuracyMultiplier(s models.AccuracyStats) float64 {
	if s.Decided() < e.cfg.AccuracyMinSamples || s.Decided() == 0 {
		return 1
	}
	m := 1 + (s.Accuracy-0.5)*e.cfg.AccuracyGain
	if e.cfg.LosingStreak > 0 && s.Streak <= -e.cfg.LosingStreak {
		m *= e.cfg.LosingStreakDamp
	}
	return util.Clamp(m, e.cfg.AccuracyMin, e.cfg.AccuracyMax)
}

// ApplyTimeAwareness shrinks rawUp toward 0.5 as the window runs out, never
// by more than the configured floor.
func (e *Engine) ApplyTimeAwareness(rawUp, minutesLeft, windowMinutes float64) models.Probability {
	return ApplyTimeAwareness(rawUp, minutesLeft, windowMinutes, e.cfg.TimeFloor)
}

// ApplyTimeAwareness computes decay = max(floor, sqrt(minutesLeft/windowMinutes))
// and adjustedUp = 0.5 + (rawUp-0.5)*decay. Both probabilities are clamped to
// [ProbMin, ProbMax].
func ApplyTimeAwareness(rawUp, minutesLeft, windowMinutes, floor float64) models.Probability {
	raw := util.Clamp(rawUp, ProbMin, ProbMax)
	if math.IsNaN(rawUp) {
		raw = 0.5
	}
	decay := TimeDecay(minutesLeft, windowMinutes, floor)
	return models.Probability{
		RawUp:      raw,
		AdjustedUp: util.Clamp(0.5+(raw-0.5)*decay, ProbMin, ProbMax),
		TimeDecay:  decay,
	}
}

// TimeDecay is the square-root decay factor with a floor, in [floor, 1].
func TimeDecay(minutesLeft, windowMinutes, floor float64) float64 {
	frac := 0.0
	if windowMinutes > 0 && util.Finite(minutesLeft) {
		frac = util.Clamp(minutesLeft/windowMinutes, 0, 1)
	}
	return math.Max(util.Clamp(floor, 0, 1), math.Sqrt(frac))
}

// RuleConfidence maps a probability to [0, 1] distance from indifference.
func RuleConfidence(p float64) float64 {
	return math.Abs(p-0.5) * 2
}

func around(p, mult float64) float64 {
	return 0.5 + (p-0.5)*mult
}

func sideOf(v float64) models.Side {
	switch {
	case v > 0:
		return models.SideUp
	case v < 0:
		return models.SideDown
	default:
		return models.SideNone
	}
}
