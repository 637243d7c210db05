package models

import "time"

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCorrect   Outcome = "correct"
	OutcomeIncorrect Outcome = "incorrect"
	OutcomeUnknown   Outcome = "unknown"
)

// PredictionRecord is an Enter decision awaiting or holding its outcome.
type PredictionRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Side        Side      `json:"side"`
	ModelProb   float64   `json:"model_prob"`
	MarketPrice float64   `json:"market_price"`
	MarketSlug  string    `json:"market_slug"`
	Phase       Phase     `json:"phase"`
	Settled     bool      `json:"settled"`
	Outcome     Outcome   `json:"outcome"`
	SettledAt   time.Time `json:"settled_at,omitempty"`
	SettlePrice float64   `json:"settle_price,omitempty"`
	PriceToBeat float64   `json:"price_to_beat,omitempty"`
}

// Correct reports the outcome as a tri-state: (correct, known).
func (r PredictionRecord) Correct() (bool, bool) {
	switch r.Outcome {
	case OutcomeCorrect:
		return true, true
	case OutcomeIncorrect:
		return false, true
	default:
		return false, false
	}
}

// AccuracyStats aggregates recent settled predictions.
type AccuracyStats struct {
	Total    int     `json:"total"`
	Open     int     `json:"open"`
	Settled  int     `json:"settled"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	Unknown  int     `json:"unknown"`
	Accuracy float64 `json:"accuracy"`
	Streak   int     `json:"streak"` // +n consecutive wins, -n consecutive losses
	Window   int     `json:"window"`
}

// Decided is the number of settled records with a known outcome in the window.
func (s AccuracyStats) Decided() int { return s.Wins + s.Losses }
