package di

import (
	"fmt"
	"time"

	"PolyPulse/internal/domain/models"
	"PolyPulse/internal/service/stream"
	"PolyPulse/internal/services/decision"
	"PolyPulse/internal/services/ensemble"
	"PolyPulse/internal/services/feedback"
	"PolyPulse/internal/services/scoring"
	"PolyPulse/internal/usecase"
	"PolyPulse/pkg/config"
)

// scoringConfig overlays the configured weights and ranges on the tuned defaults.
func scoringConfig(cfg *config.Config) (scoring.Config, error) {
	sc := scoring.DefaultConfig()
	sc.Weights.FailedReclaim = cfg.Scoring.FailedReclaim
	if err := sc.Weights.Override(cfg.Scoring.Weights); err != nil {
		return scoring.Config{}, err
	}
	sc.TimeFloor = cfg.Scoring.TimeFloor
	sc.WindowMinutes = float64(cfg.Market.WindowMinutes)
	sc.RegimeMin = cfg.Scoring.RegimeMin
	sc.RegimeMax = cfg.Scoring.RegimeMax
	sc.AccuracyMin = cfg.Scoring.AccuracyMin
	sc.AccuracyMax = cfg.Scoring.AccuracyMax
	sc.AccuracyMinSamples = cfg.Scoring.AccuracyMinSamples
	return sc, nil
}

func gateConfig(cfg *config.Config) (decision.Config, error) {
	dc := decision.Config{
		Tiers: decision.Tiers{Strong: cfg.Gate.StrongEdge, Good: cfg.Gate.GoodEdge},
	}
	for _, p := range cfg.Gate.Phases {
		phase := models.Phase(p.Name)
		switch phase {
		case models.PhaseEarly, models.PhaseMid, models.PhaseLate, models.PhaseFinal:
		default:
			return decision.Config{}, fmt.Errorf("gate phase %q is not a trading phase", p.Name)
		}
		dc.Phases = append(dc.Phases, decision.PhaseRule{
			Phase:              phase,
			AfterMinutes:       p.AfterMinutes,
			MinEdge:            p.MinEdge,
			MinProb:            p.MinProb,
			MinSignals:         p.MinSignals,
			RequireMultiTF:     p.RequireMultiTF,
			MultiTFOverrideMin: p.MultiTFOverrideMin,
		})
	}
	return dc, nil
}

func blendConfig(cfg *config.Config) ensemble.BlendConfig {
	return ensemble.BlendConfig{
		AlphaHigh:       cfg.Ensemble.AlphaHigh,
		AlphaLow:        cfg.Ensemble.AlphaLow,
		HighConfidence:  cfg.Ensemble.HighConfidence,
		AgreementBonus:  cfg.Ensemble.AgreementBonus,
		ConflictDamping: cfg.Ensemble.ConflictDamping,
	}
}

func feedbackConfig(cfg *config.Config) feedback.Config {
	return feedback.Config{
		MaxRecords:   cfg.Feedback.MaxRecords,
		MaxAge:       cfg.Feedback.MaxAge,
		DedupWindow:  cfg.Feedback.DedupWindow,
		StatsWindow:  cfg.Feedback.StatsWindow,
		FlushDelay:   cfg.Feedback.FlushDelay,
		StoreKey:     cfg.Store.Key,
		StoreTimeout: cfg.Store.Timeout,
	}
}

func coordinatorConfig(cfg *config.Config) usecase.CoordinatorConfig {
	return usecase.CoordinatorConfig{
		DiscoveryInterval: cfg.Market.DiscoveryInterval,
		CatalogTimeout:    cfg.Market.CatalogTimeout,
		FreshnessMaxAge:   cfg.Pipeline.FreshnessMaxAge,
		CacheTTL:          cfg.Cache.TTL,
	}
}

func pipelineConfig(cfg *config.Config) usecase.PipelineConfig {
	return usecase.PipelineConfig{
		Symbol:           cfg.Market.Symbol,
		WindowMinutes:    float64(cfg.Market.WindowMinutes),
		SuspendGap:       cfg.Pipeline.SuspendGap,
		IndicatorTimeout: cfg.Pipeline.IndicatorTimeout,
		IndicatorMaxAge:  cfg.Pipeline.IndicatorMaxAge,
		SettleLead:       cfg.Pipeline.SettleLead,
		FreshnessMaxAge:  cfg.Pipeline.FreshnessMaxAge,
		PublishTimeout:   cfg.Pipeline.PublishTimeout,
	}
}

// streamOptions turns one feed section into stream client options.
func streamOptions(sc config.StreamConfig) []stream.Option {
	var payload []byte
	if sc.PingPayload != "" {
		payload = []byte(sc.PingPayload)
	}
	return []stream.Option{
		stream.WithPing(sc.PingInterval, payload),
		stream.WithHeartbeat(sc.HeartbeatInterval, sc.DeadAfter),
		stream.WithSubscribeTimeout(sc.SubscribeTimeout),
		stream.WithBackoff(sc.BackoffFloor, sc.BackoffMax, sc.BackoffMultiplier),
		stream.WithReconnectGrace(sc.ReconnectGrace),
		stream.WithDialTimeout(sc.DialTimeout),
	}
}

// staleAfter is how old the last cycle may be before /healthz fails.
func staleAfter(cfg *config.Config) time.Duration {
	d := 10 * cfg.Pipeline.Period
	if d < 10*time.Second {
		d = 10 * time.Second
	}
	return d
}
