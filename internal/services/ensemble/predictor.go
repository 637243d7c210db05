package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	domsvc "PolyPulse/internal/domain/service"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/util"
)

// BlendConfig controls how the tree output is mixed with the rule probability.
type BlendConfig struct {
	AlphaHigh       float64 // tree weight when the tree is confident
	AlphaLow        float64
	HighConfidence  float64 // |p-0.5|*2 needed for AlphaHigh
	AgreementBonus  float64 // relative push away from 0.5 when both agree
	ConflictDamping float64 // deviation multiplier when they disagree
}

func DefaultBlendConfig() BlendConfig {
	return BlendConfig{
		AlphaHigh:       0.6,
		AlphaLow:        0.3,
		HighConfidence:  0.3,
		AgreementBonus:  0.1,
		ConflictDamping: 0.7,
	}
}

// Predictor owns the current model and reloads it from a source. The model
// is swapped atomically; a failed reload keeps the last good one.
type Predictor struct {
	source  domsvc.ModelSource
	cfg     BlendConfig
	timeout time.Duration
	log     *applogger.Logger
	metrics domrepo.Metrics

	model atomic.Pointer[Model]
}

type Option func(*Predictor)

func WithBlend(cfg BlendConfig) Option {
	return func(p *Predictor) { p.cfg = cfg }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(p *Predictor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(l *applogger.Logger) Option {
	return func(p *Predictor) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMetrics(m domrepo.Metrics) Option {
	return func(p *Predictor) { p.metrics = m }
}

func NewPredictor(source domsvc.ModelSource, opts ...Option) *Predictor {
	p := &Predictor{
		source:  source,
		cfg:     DefaultBlendConfig(),
		timeout: 5 * time.Second,
		log:     applogger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reload fetches and parses the artifact. On any failure the current model
// stays in place.
func (p *Predictor) Reload(ctx context.Context) error {
	if p.source == nil {
		return ErrUnavailable
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	doc, norm, err := p.source.Fetch(ctx)
	if err != nil {
		p.recordError("model_fetch")
		p.log.Warn("model fetch failed, keeping current model",
			applogger.Error(err),
			applogger.Bool("has_model", p.Available()),
		)
		return fmt.Errorf("fetch model: %w", err)
	}
	m, err := Parse(doc, norm)
	if err != nil {
		p.recordError("model_parse")
		p.log.Error("model artifact rejected, keeping current model",
			applogger.Error(err),
			applogger.Bool("has_model", p.Available()),
		)
		return err
	}
	p.model.Store(m)
	if p.metrics != nil {
		p.metrics.RecordLatency("model_reload", time.Since(start).Seconds())
	}
	p.log.Info("model loaded",
		applogger.Int("version", m.Version),
		applogger.Int("schema", m.Schema),
		applogger.Int("trees", m.NumTrees()),
		applogger.Int("features", m.NumFeatures),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

// Load installs an already parsed model.
func (p *Predictor) Load(m *Model) { p.model.Store(m) }

func (p *Predictor) Available() bool { return p.model.Load() != nil }

// Model returns the current model or nil.
func (p *Predictor) Model() *Model { return p.model.Load() }

// Evaluate runs the trees on f and blends with the rule probability. Without
// a usable model the result is unavailable and carries ruleProbUp unchanged.
func (p *Predictor) Evaluate(f models.FeatureSnapshot, ruleProbUp float64) models.EnsembleResult {
	unavailable := models.EnsembleResult{Available: false, BlendedProbUp: ruleProbUp}
	m := p.model.Load()
	if m == nil {
		return unavailable
	}
	treeP, err := m.Predict(f)
	if err != nil || math.IsNaN(treeP) {
		p.recordError("model_predict")
		p.log.Warn("model prediction failed", applogger.Error(err))
		return unavailable
	}
	res := Blend(treeP, ruleProbUp, m.DecisionThreshold, p.cfg)
	res.ModelVersion = m.Version
	return res
}

// Blend mixes the tree and rule probabilities.
func Blend(treeP, ruleP, decisionThreshold float64, cfg BlendConfig) models.EnsembleResult {
	conf := math.Abs(treeP-0.5) * 2
	high := conf >= cfg.HighConfidence && math.Max(treeP, 1-treeP) >= decisionThreshold
	alpha := cfg.AlphaLow
	if high {
		alpha = cfg.AlphaHigh
	}
	blend := alpha*treeP + (1-alpha)*ruleP

	treeDir, ruleDir := direction(treeP), direction(ruleP)
	switch {
	case treeDir != 0 && treeDir == ruleDir:
		blend = 0.5 + (blend-0.5)*(1+cfg.AgreementBonus)
	case treeDir != 0 && ruleDir != 0:
		blend = 0.5 + (blend-0.5)*cfg.ConflictDamping
	}

	return models.EnsembleResult{
		Available:        true,
		TreeProbUp:       treeP,
		Confidence:       conf,
		BlendedProbUp:    util.Clamp(blend, 0.02, 0.98),
		BlendWeight:      alpha,
		IsHighConfidence: high,
	}
}

func direction(p float64) int {
	switch {
	case p > 0.5:
		return 1
	case p < 0.5:
		return -1
	default:
		return 0
	}
}

func (p *Predictor) recordError(kind string) {
	if p.metrics != nil {
		p.metrics.RecordError(kind)
	}
}

// IsUnavailable reports whether err means there is no artifact to load.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
