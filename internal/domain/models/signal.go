package models

import "time"

// IndicatorSnapshot is the bundle produced by the indicator service for the
// latest candle set. Formulas live outside this service; values are consumed as is.
type IndicatorSnapshot struct {
	Symbol         string    `json:"symbol"`
	Timestamp      time.Time `json:"timestamp"`
	Price          float64   `json:"price"`
	VWAP           float64   `json:"vwap"`
	VWAPSlope      float64   `json:"vwap_slope"`
	VWAPCrossCount int       `json:"vwap_cross_count"`
	FailedReclaim  bool      `json:"failed_vwap_reclaim"`
	RSI            float64   `json:"rsi"`
	RSISlope       float64   `json:"rsi_slope"`
	MACDHist       float64   `json:"macd_hist"`
	MACDLine       float64   `json:"macd_line"`
	HAColor        string    `json:"ha_color"` // "green" or "red"
	HAConsecutive  int       `json:"ha_consecutive"`
	Delta1mPct     float64   `json:"delta_1m_pct"`
	Delta3mPct     float64   `json:"delta_3m_pct"`
	VolumeRatio    float64   `json:"volume_ratio"`
	BollingerPctB  float64   `json:"bollinger_pct_b"`
	ATRPct         float64   `json:"atr_pct"`
	EMACross       int       `json:"ema_cross"` // +1 fast above slow, -1 below
	StochRSIK      float64   `json:"stoch_rsi_k"`
	FundingRate    float64   `json:"funding_rate"`
	MultiTFAgree   int       `json:"multi_tf_agree"` // +1 all timeframes up, -1 all down, 0 mixed
}

type RegimeKind string

const (
	RegimeTrending      RegimeKind = "trending"
	RegimeChoppy        RegimeKind = "choppy"
	RegimeMeanReverting RegimeKind = "mean_reverting"
	RegimeModerate      RegimeKind = "moderate"
)

// Regime is a coarse classification of recent price action.
type Regime struct {
	Kind     RegimeKind `json:"kind"`
	Strength float64    `json:"strength"`
}

type Session string

const (
	SessionAsia    Session = "asia"
	SessionEurope  Session = "europe"
	SessionOverlap Session = "overlap"
	SessionUS      Session = "us"
	SessionOff     Session = "off"
)

// VolatilityProfile carries the session-adaptive thresholds used by scoring.
type VolatilityProfile struct {
	Session     Session `json:"session"`
	FarPct      float64 `json:"far_pct"`
	ClosePct    float64 `json:"close_pct"`
	MomentumPct float64 `json:"momentum_pct"`
	Scale       float64 `json:"scale"`
}

// SignalContribution is one named signal's vote.
type SignalContribution struct {
	Direction Side    `json:"direction"`
	Weight    float64 `json:"weight"`
}

// ScoreBreakdown maps signal name to its contribution.
type ScoreBreakdown map[string]SignalContribution

// Corroborating counts signals pointing at side with positive weight.
func (b ScoreBreakdown) Corroborating(side Side) int {
	n := 0
	for _, c := range b {
		if c.Direction == side && c.Weight > 0 {
			n++
		}
	}
	return n
}

// Probability is the rule engine output. RawDown is always 1 - RawUp.
type Probability struct {
	RawUp      float64 `json:"raw_up"`
	AdjustedUp float64 `json:"adjusted_up"`
	TimeDecay  float64 `json:"time_decay"`
}

func (p Probability) RawDown() float64      { return 1 - p.RawUp }
func (p Probability) AdjustedDown() float64 { return 1 - p.AdjustedUp }

// ScoreResult is the output of one scoring pass.
type ScoreResult struct {
	RawUp     float64        `json:"raw_up"`
	UpScore   float64        `json:"up_score"`
	DownScore float64        `json:"down_score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// EnsembleResult is the tree ensemble output blended with the rule probability.
type EnsembleResult struct {
	Available        bool    `json:"available"`
	TreeProbUp       float64 `json:"tree_prob_up"`
	Confidence       float64 `json:"confidence"`
	BlendedProbUp    float64 `json:"blended_prob_up"`
	BlendWeight      float64 `json:"blend_weight"`
	IsHighConfidence bool    `json:"is_high_confidence"`
	ModelVersion     int     `json:"model_version,omitempty"`
}
