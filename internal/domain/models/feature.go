package models

import (
	"math"
	"time"
)

// Feature vector layout. The first NumBaseFeatures entries follow the training
// order of the base model; interaction terms extend it for the v2 schema; the
// trailing auxiliary signals are read by the rule engine only.
const (
	FeatPTBDistancePct = iota
	FeatRSI
	FeatRSISlope
	FeatMACDHist
	FeatMACDLine
	FeatVWAPDistancePct
	FeatVWAPSlope
	FeatHAConsecutive
	FeatDelta1mPct
	FeatDelta3mPct
	FeatVolumeRatio
	FeatMinutesLeft
	FeatRuleProbUp
	FeatRuleConfidence
	FeatVWAPCrossCount
	FeatEdgeBest
	FeatRegimeTrending
	FeatRegimeChoppy
	FeatRegimeMeanRev
	FeatRegimeModerate
	FeatSessionAsia
	FeatSessionEurope
	FeatSessionUS
	FeatSessionOverlap
	FeatSessionOff
	FeatHAColorGreen
	FeatMultiTFAgree
	FeatFailedVWAP

	FeatPTBxTime
	FeatRSIxVWAP
	FeatDeltaxVolume
	FeatMACDxHA
	FeatEdgexTime
	FeatTrendxAgree

	FeatBookImbalance
	FeatBollingerPctB
	FeatEMACross
	FeatStochRSIK
	FeatFundingRate

	NumFeatures
)

const (
	NumBaseFeatures     = FeatFailedVWAP + 1
	NumExtendedFeatures = FeatTrendxAgree + 1
)

// FeatureNames lists the column names in vector order.
var FeatureNames = [NumFeatures]string{
	"ptb_distance_pct", "rsi", "rsi_slope", "macd_histogram", "macd_line",
	"vwap_distance_pct", "vwap_slope", "ha_consecutive", "delta_1m_pct", "delta_3m_pct",
	"volume_ratio", "minutes_left", "rule_prob_up", "rule_confidence", "vwap_cross_count",
	"edge_best", "regime_trending", "regime_choppy", "regime_mean_rev", "regime_moderate",
	"session_asia", "session_europe", "session_us", "session_overlap", "session_off",
	"ha_color_green", "multi_tf_agree", "failed_vwap",
	"ptb_x_time", "rsi_x_vwap", "delta_x_volume", "macd_x_ha", "edge_x_time", "trend_x_agree",
	"book_imbalance", "bollinger_pct_b", "ema_cross", "stoch_rsi_k", "funding_rate",
}

// FeatureIndex returns the vector position of a named feature, or -1.
func FeatureIndex(name string) int {
	for i, n := range FeatureNames {
		if n == name {
			return i
		}
	}
	return -1
}

// FeatureSnapshot is an immutable feature vector captured at one instant.
type FeatureSnapshot struct {
	Values []float64 `json:"values"`
	At     time.Time `json:"at"`
}

// NewFeatureSnapshot copies values into a full-length vector, padding with NaN
// and replacing infinities with NaN.
func NewFeatureSnapshot(values []float64, at time.Time) FeatureSnapshot {
	v := make([]float64, NumFeatures)
	for i := range v {
		v[i] = math.NaN()
	}
	for i := 0; i < len(values) && i < NumFeatures; i++ {
		x := values[i]
		if math.IsInf(x, 0) {
			x = math.NaN()
		}
		v[i] = x
	}
	fillInteractions(v)
	return FeatureSnapshot{Values: v, At: at}
}

// Get returns the value at i, NaN when out of range.
func (f FeatureSnapshot) Get(i int) float64 {
	if i < 0 || i >= len(f.Values) {
		return math.NaN()
	}
	return f.Values[i]
}

// Slice returns the leading n values, the model input for an n-feature schema.
func (f FeatureSnapshot) Slice(n int) []float64 {
	if n > len(f.Values) {
		n = len(f.Values)
	}
	out := make([]float64, n)
	copy(out, f.Values[:n])
	return out
}

// WithRuleOutputs returns a copy with the rule engine fields set and the
// dependent interaction terms recomputed.
func (f FeatureSnapshot) WithRuleOutputs(probUp, confidence, edgeBest float64) FeatureSnapshot {
	v := make([]float64, len(f.Values))
	copy(v, f.Values)
	if len(v) < NumFeatures {
		return NewFeatureSnapshot(v, f.At).WithRuleOutputs(probUp, confidence, edgeBest)
	}
	v[FeatRuleProbUp] = probUp
	v[FeatRuleConfidence] = confidence
	v[FeatEdgeBest] = edgeBest
	fillInteractions(v)
	return FeatureSnapshot{Values: v, At: f.At}
}

// Named returns the vector as a name->value map, skipping NaN.
func (f FeatureSnapshot) Named() map[string]float64 {
	out := make(map[string]float64, len(f.Values))
	for i, x := range f.Values {
		if i < NumFeatures && !math.IsNaN(x) {
			out[FeatureNames[i]] = x
		}
	}
	return out
}

func fillInteractions(v []float64) {
	minutes := v[FeatMinutesLeft]
	v[FeatPTBxTime] = v[FeatPTBDistancePct] / math.Max(minutes, 0.5)
	v[FeatRSIxVWAP] = (v[FeatRSI] - 50) / 50 * v[FeatVWAPDistancePct]
	v[FeatDeltaxVolume] = v[FeatDelta1mPct] * v[FeatVolumeRatio]
	haSign := 1.0
	if v[FeatHAColorGreen] == 0 {
		haSign = -1
	}
	v[FeatMACDxHA] = v[FeatMACDHist] * v[FeatHAConsecutive] * haSign
	v[FeatEdgexTime] = v[FeatEdgeBest] * minutes
	v[FeatTrendxAgree] = v[FeatRegimeTrending] * v[FeatMultiTFAgree]
}
