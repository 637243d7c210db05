package scoring

import (
	"math"
	"time"

	"PolyPulse/internal/domain/models"
)

// FeatureInput is everything a cycle knows when it builds the feature vector.
type FeatureInput struct {
	Indicators  *models.IndicatorSnapshot // nil when the indicator service is unavailable
	Price       float64                   // live reference price, 0 when unknown
	PriceToBeat float64
	MinutesLeft float64
	Regime      models.Regime
	Session     models.Session
	UpBook      *models.OrderBookSnapshot
	DownBook    *models.OrderBookSnapshot
	At          time.Time
}

// BuildFeatures assembles the feature vector. Unknown inputs stay NaN; the rule
// outputs are filled later with WithRuleOutputs.
func BuildFeatures(in FeatureInput) models.FeatureSnapshot {
	nan := math.NaN()
	v := make([]float64, models.NumFeatures)
	for i := range v {
		v[i] = nan
	}

	price := in.Price
	if price <= 0 && in.Indicators != nil {
		price = in.Indicators.Price
	}
	if price > 0 && in.PriceToBeat > 0 {
		v[models.FeatPTBDistancePct] = (price - in.PriceToBeat) / in.PriceToBeat * 100
	}
	v[models.FeatMinutesLeft] = in.MinutesLeft

	if ind := in.Indicators; ind != nil {
		v[models.FeatRSI] = ind.RSI
		v[models.FeatRSISlope] = ind.RSISlope
		v[models.FeatMACDHist] = ind.MACDHist
		v[models.FeatMACDLine] = ind.MACDLine
		if ind.VWAP > 0 && price > 0 {
			v[models.FeatVWAPDistancePct] = (price - ind.VWAP) / ind.VWAP * 100
		}
		v[models.FeatVWAPSlope] = ind.VWAPSlope
		v[models.FeatHAConsecutive] = float64(ind.HAConsecutive)
		v[models.FeatDelta1mPct] = ind.Delta1mPct
		v[models.FeatDelta3mPct] = ind.Delta3mPct
		v[models.FeatVolumeRatio] = ind.VolumeRatio
		v[models.FeatVWAPCrossCount] = float64(ind.VWAPCrossCount)
		switch ind.HAColor {
		case "green":
			v[models.FeatHAColorGreen] = 1
		case "red":
			v[models.FeatHAColorGreen] = 0
		}
		v[models.FeatMultiTFAgree] = float64(ind.MultiTFAgree)
		v[models.FeatFailedVWAP] = boolFloat(ind.FailedReclaim)
		v[models.FeatBollingerPctB] = ind.BollingerPctB
		v[models.FeatEMACross] = float64(ind.EMACross)
		v[models.FeatStochRSIK] = ind.StochRSIK
		v[models.FeatFundingRate] = ind.FundingRate
	}

	v[models.FeatRegimeTrending] = boolFloat(in.Regime.Kind == models.RegimeTrending)
	v[models.FeatRegimeChoppy] = boolFloat(in.Regime.Kind == models.RegimeChoppy)
	v[models.FeatRegimeMeanRev] = boolFloat(in.Regime.Kind == models.RegimeMeanReverting)
	v[models.FeatRegimeModerate] = boolFloat(in.Regime.Kind == models.RegimeModerate)

	v[models.FeatSessionAsia] = boolFloat(in.Session == models.SessionAsia)
	v[models.FeatSessionEurope] = boolFloat(in.Session == models.SessionEurope)
	v[models.FeatSessionUS] = boolFloat(in.Session == models.SessionUS)
	v[models.FeatSessionOverlap] = boolFloat(in.Session == models.SessionOverlap)
	v[models.FeatSessionOff] = boolFloat(in.Session == models.SessionOff)

	v[models.FeatBookImbalance] = bookImbalance(in.UpBook, in.DownBook)

	return models.NewFeatureSnapshot(v, in.At)
}

// bookImbalance is bid pressure on Up minus bid pressure on Down, halved so
// the result stays in [-1, 1].
func bookImbalance(up, down *models.OrderBookSnapshot) float64 {
	switch {
	case up != nil && down != nil:
		return (up.Imbalance() - down.Imbalance()) / 2
	case up != nil:
		return up.Imbalance()
	case down != nil:
		return -down.Imbalance()
	default:
		return math.NaN()
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
