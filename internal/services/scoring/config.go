package scoring

import (
	"fmt"
	"sort"
	"strings"
)

// Weights are the votes each signal adds to the up or down score.
type Weights struct {
	PTBFar        float64
	PTBNear       float64
	Momentum1m    float64
	Momentum3m    float64
	RSI           float64
	RSIExtreme    float64
	MACDHist      float64
	MACDLine      float64
	VWAP          float64
	FailedReclaim float64
	HeikenAshi    float64
	MultiTF       float64
	BookImbalance float64
	Bollinger     float64
	EMACross      float64
	StochRSI      float64
	Funding       float64
}

// Config parametrizes the rule engine. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	Weights Weights

	// Signal thresholds.
	ChopCrossCount   int
	HAMinRun         int
	RSIUpper         float64
	RSILower         float64
	RSIOverbought    float64
	RSIOversold      float64
	BookImbalanceMin float64
	StochHigh        float64
	StochLow         float64
	FundingCrowded   float64

	// Regime multipliers applied around 0.5.
	RegimeTrending float64
	RegimeChoppy   float64
	RegimeMeanRev  float64
	RegimeMin      float64
	RegimeMax      float64

	// Rolling accuracy multiplier.
	AccuracyMinSamples int
	AccuracyGain       float64
	LosingStreak       int
	LosingStreakDamp   float64
	AccuracyMin        float64
	AccuracyMax        float64

	// Time awareness.
	TimeFloor     float64
	WindowMinutes float64
}

const (
	ProbMin = 0.02
	ProbMax = 0.98
)

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			PTBFar:        3,
			PTBNear:       1.5,
			Momentum1m:    1,
			Momentum3m:    1,
			RSI:           1,
			RSIExtreme:    0.5,
			MACDHist:      1,
			MACDLine:      0.5,
			VWAP:          1,
			FailedReclaim: 1.5,
			HeikenAshi:    1,
			MultiTF:       1.5,
			BookImbalance: 1,
			Bollinger:     0.5,
			EMACross:      0.5,
			StochRSI:      0.5,
			Funding:       0.5,
		},
		ChopCrossCount:     4,
		HAMinRun:           2,
		RSIUpper:           55,
		RSILower:           45,
		RSIOverbought:      75,
		RSIOversold:        25,
		BookImbalanceMin:   0.2,
		StochHigh:          80,
		StochLow:           20,
		FundingCrowded:     0.0005,
		RegimeTrending:     1.15,
		RegimeChoppy:       0.8,
		RegimeMeanRev:      0.9,
		RegimeMin:          0.7,
		RegimeMax:          1.3,
		AccuracyMinSamples: 10,
		AccuracyGain:       1,
		LosingStreak:       3,
		LosingStreakDamp:   0.85,
		AccuracyMin:        0.7,
		AccuracyMax:        1.2,
		TimeFloor:          0.35,
		WindowMinutes:      15,
	}
}

func (w *Weights) fields() map[string]*float64 {
	return map[string]*float64{
		"ptb_far":        &w.PTBFar,
		"ptb_near":       &w.PTBNear,
		"momentum_1m":    &w.Momentum1m,
		"momentum_3m":    &w.Momentum3m,
		"rsi":            &w.RSI,
		"rsi_extreme":    &w.RSIExtreme,
		"macd_hist":      &w.MACDHist,
		"macd_line":      &w.MACDLine,
		"vwap":           &w.VWAP,
		"failed_reclaim": &w.FailedReclaim,
		"heiken_ashi":    &w.HeikenAshi,
		"multi_tf":       &w.MultiTF,
		"book_imbalance": &w.BookImbalance,
		"bollinger":      &w.Bollinger,
		"ema_cross":      &w.EMACross,
		"stoch_rsi":      &w.StochRSI,
		"funding":        &w.Funding,
	}
}

// Override replaces the named weights. Keys are snake_case signal names;
// unknown keys and negative values are rejected and leave w untouched.
func (w *Weights) Override(m map[string]float64) error {
	next := *w
	fields := next.fields()
	var unknown []string
	for k, v := range m {
		f, ok := fields[strings.ToLower(k)]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		if v < 0 {
			return fmt.Errorf("scoring weight %s: negative value %v", k, v)
		}
		*f = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown scoring weights: %s", strings.Join(unknown, ", "))
	}
	*w = next
	return nil
}
