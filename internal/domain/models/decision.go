package models

import "time"

type Action string

const (
	ActionEnter Action = "ENTER"
	ActionWait  Action = "WAIT"
)

type Phase string

const (
	PhaseEarly  Phase = "EARLY"
	PhaseMid    Phase = "MID"
	PhaseLate   Phase = "LATE"
	PhaseFinal  Phase = "FINAL"
	PhaseClosed Phase = "CLOSED"
)

type ConfidenceTier string

const (
	TierStrong   ConfidenceTier = "STRONG"
	TierGood     ConfidenceTier = "GOOD"
	TierOptional ConfidenceTier = "OPTIONAL"
	TierNone     ConfidenceTier = ""
)

// EdgeResult compares the model probability to the market price per side.
type EdgeResult struct {
	EdgeUp   float64 `json:"edge_up"`
	EdgeDown float64 `json:"edge_down"`
	BestSide Side    `json:"best_side"`
	BestEdge float64 `json:"best_edge"`
}

// Decision is the terminal output of one cycle.
type Decision struct {
	Action         Action         `json:"action"`
	Side           Side           `json:"side"`
	ConfidenceTier ConfidenceTier `json:"confidence_tier"`
	Phase          Phase          `json:"phase"`
	Reason         string         `json:"reason"`
	Edge           float64        `json:"edge"`
	ModelProb      float64        `json:"model_prob"`
	MarketPrice    float64        `json:"market_price"`
	MarketSlug     string         `json:"market_slug"`
	At             time.Time      `json:"at"`
}

// Wait builds a Wait decision with a reason.
func Wait(phase Phase, reason string) Decision {
	return Decision{Action: ActionWait, Side: SideNone, Phase: phase, Reason: reason}
}

// CycleSnapshot is the immutable result bundle published once per cycle.
type CycleSnapshot struct {
	Seq         int64             `json:"seq"`
	At          time.Time         `json:"at"`
	Market      *MarketWindow     `json:"market,omitempty"`
	MinutesLeft float64           `json:"minutes_left"`
	Prices      MarketPrices      `json:"prices"`
	SpotPrice   float64           `json:"spot_price"`
	PriceToBeat float64           `json:"price_to_beat"`
	Regime      Regime            `json:"regime"`
	Volatility  VolatilityProfile `json:"volatility"`
	Probability Probability       `json:"probability"`
	Ensemble    EnsembleResult    `json:"ensemble"`
	Edge        EdgeResult        `json:"edge"`
	Breakdown   ScoreBreakdown    `json:"breakdown"`
	Decision    Decision          `json:"decision"`
	Accuracy    AccuracyStats     `json:"accuracy"`
	Feeds       []FeedStatus      `json:"feeds"`
	Degraded    []string          `json:"degraded,omitempty"`
	Duration    time.Duration     `json:"duration_ns"`
}
