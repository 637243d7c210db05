package usecase

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
	"PolyPulse/internal/services/decision"
	"PolyPulse/internal/services/ensemble"
	"PolyPulse/internal/services/feedback"
	"PolyPulse/internal/services/scoring"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/metrics"
	"PolyPulse/pkg/util"
)

// ErrCycleSkipped is returned when a cycle starts while another is in flight.
var ErrCycleSkipped = errors.New("pipeline: cycle already in flight")

// FeedSet is the group of live streams the pipeline inspects and resumes.
type FeedSet interface {
	Resume(feed string) bool
	ResumeAll()
	Statuses() []models.FeedStatus
}

type PipelineConfig struct {
	Symbol           string
	WindowMinutes    float64
	SuspendGap       time.Duration
	IndicatorTimeout time.Duration
	IndicatorMaxAge  time.Duration
	SettleLead       time.Duration
	FreshnessMaxAge  time.Duration
	PublishTimeout   time.Duration
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Symbol:           "BTC",
		WindowMinutes:    15,
		SuspendGap:       10 * time.Second,
		IndicatorTimeout: 3 * time.Second,
		IndicatorMaxAge:  2 * time.Minute,
		SettleLead:       5 * time.Second,
		FreshnessMaxAge:  30 * time.Second,
		PublishTimeout:   3 * time.Second,
	}
}

// Pipeline runs one decision cycle at a time: discover the market, gather
// live and indicator inputs, score, blend with the ensemble, gate, record and
// publish. The latest result is kept as an immutable CycleSnapshot.
type Pipeline struct {
	cfg        PipelineConfig
	coord      *Coordinator
	live       *LiveState
	indicators domsvc.IndicatorSource
	vol        domsvc.VolatilitySource
	engine     *scoring.Engine
	predictor  *ensemble.Predictor
	gate       *decision.Gate
	tracker    *feedback.Tracker
	feeds      FeedSet
	publisher  domrepo.EventPublisher
	archive    domrepo.DecisionArchive
	clock      util.Clock
	log        *applogger.Logger
	metrics    domrepo.Metrics

	inFlight atomic.Bool
	seq      atomic.Int64
	snapshot atomic.Pointer[models.CycleSnapshot]
	lastInd  atomic.Pointer[indicatorEntry]

	// owned by the in-flight cycle
	lastRun    time.Time
	lastAction models.Action
	lastSlug   string
}

type indicatorEntry struct {
	snap models.IndicatorSnapshot
	at   time.Time
}

type PipelineOption func(*Pipeline)

func WithFeeds(f FeedSet) PipelineOption {
	return func(p *Pipeline) { p.feeds = f }
}

func WithPublisher(pub domrepo.EventPublisher) PipelineOption {
	return func(p *Pipeline) { p.publisher = pub }
}

func WithArchive(a domrepo.DecisionArchive) PipelineOption {
	return func(p *Pipeline) { p.archive = a }
}

func WithPipelineClock(c util.Clock) PipelineOption {
	return func(p *Pipeline) { p.clock = c }
}

func WithPipelineLogger(l *applogger.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithPipelineMetrics(m domrepo.Metrics) PipelineOption {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

func NewPipeline(
	cfg PipelineConfig,
	coord *Coordinator,
	live *LiveState,
	indicators domsvc.IndicatorSource,
	vol domsvc.VolatilitySource,
	engine *scoring.Engine,
	predictor *ensemble.Predictor,
	gate *decision.Gate,
	tracker *feedback.Tracker,
	opts ...PipelineOption,
) *Pipeline {
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = 15
	}
	p := &Pipeline{
		cfg:        cfg,
		coord:      coord,
		live:       live,
		indicators: indicators,
		vol:        vol,
		engine:     engine,
		predictor:  predictor,
		gate:       gate,
		tracker:    tracker,
		clock:      util.RealClock(),
		log:        applogger.Nop(),
		metrics:    metrics.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot returns the result of the last completed cycle, or nil.
func (p *Pipeline) Snapshot() *models.CycleSnapshot { return p.snapshot.Load() }

func (p *Pipeline) Tracker() *feedback.Tracker { return p.tracker }

func (p *Pipeline) Coordinator() *Coordinator { return p.coord }

// Feeds returns the current stream statuses.
func (p *Pipeline) Feeds() []models.FeedStatus {
	if p.feeds == nil {
		return nil
	}
	return p.feeds.Statuses()
}

// Resume reconnects every stream and forces a market refresh, used after the
// process was suspended.
func (p *Pipeline) Resume() {
	if p.feeds != nil {
		p.feeds.ResumeAll()
	}
	p.coord.Invalidate()
	p.log.Info("pipeline resumed")
}

// ResumeFeed reconnects one stream by name; "all" behaves like Resume.
func (p *Pipeline) ResumeFeed(feed string) bool {
	if feed == "" || feed == "all" {
		p.Resume()
		return true
	}
	if p.feeds == nil {
		return false
	}
	ok := p.feeds.Resume(feed)
	if ok && feed == models.FeedBook {
		p.coord.Invalidate()
	}
	return ok
}

// RunCycle executes one decision cycle. Overlapping calls return
// ErrCycleSkipped without waiting. Only an invariant violation in the gate is
// returned as an error; collaborator faults degrade the inputs instead.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.metrics.RecordCycleSkipped()
		return ErrCycleSkipped
	}
	defer p.inFlight.Store(false)

	start := p.clock.Now()
	wall := time.Now()
	if !p.lastRun.IsZero() && p.cfg.SuspendGap > 0 && start.Sub(p.lastRun) > p.cfg.SuspendGap {
		p.log.Warn("cycle gap exceeded, resuming streams",
			applogger.Duration("gap", start.Sub(p.lastRun)),
		)
		p.Resume()
	}
	p.lastRun = start

	snap := &models.CycleSnapshot{Seq: p.seq.Add(1), At: start}
	var degraded []string

	w, err := p.coord.Poll(ctx)
	if err != nil {
		degraded = append(degraded, "catalog")
	}
	if w == nil {
		snap.Decision = models.Wait(models.PhaseClosed, "no active market")
		snap.Decision.At = start
		p.finish(ctx, snap, degraded, wall)
		return nil
	}
	snap.Market = w
	snap.MinutesLeft = util.MinutesUntil(start, w.EndTime)
	snap.Prices = p.coord.MarketPrices(ctx)
	if snap.Prices.Source != "book" {
		degraded = append(degraded, "book")
	}
	snap.PriceToBeat, _ = p.coord.PriceToBeat(ctx)
	if snap.PriceToBeat <= 0 {
		degraded = append(degraded, "price_to_beat")
	}
	snap.SpotPrice = p.referencePrice(start)

	ind, fresh := p.loadIndicators(ctx, start)
	switch {
	case ind == nil:
		degraded = append(degraded, "indicators")
	case !fresh:
		degraded = append(degraded, "indicators_stale")
	}

	ratio := 1.0
	if p.vol != nil {
		r, err := p.vol.Ratio(ctx)
		if err != nil {
			degraded = append(degraded, "volatility")
		}
		ratio = r
	}

	snap.Regime = models.Regime{Kind: models.RegimeModerate, Strength: 0.5}
	if ind != nil {
		snap.Regime = p.engine.DetectRegime(*ind)
	}
	snap.Volatility = scoring.ProfileFor(start, ratio)

	book := func(side models.Side) *models.OrderBookSnapshot {
		b := p.live.Book(side)
		if b == nil || w.TokenIDs.SideOf(b.TokenID) != side {
			return nil
		}
		return b
	}
	f := scoring.BuildFeatures(scoring.FeatureInput{
		Indicators:  ind,
		Price:       snap.SpotPrice,
		PriceToBeat: snap.PriceToBeat,
		MinutesLeft: snap.MinutesLeft,
		Regime:      snap.Regime,
		Session:     snap.Volatility.Session,
		UpBook:      book(models.SideUp),
		DownBook:    book(models.SideDown),
		At:          start,
	})

	score := p.engine.Score(f, snap.Regime, snap.Volatility, p.tracker.Stats())
	snap.Breakdown = score.Breakdown
	snap.Probability = p.engine.ApplyTimeAwareness(score.RawUp, snap.MinutesLeft, p.cfg.WindowMinutes)

	ruleUp := snap.Probability.AdjustedUp
	ruleEdge := decision.ComputeEdge(ruleUp, snap.Prices.Up, snap.Prices.Down)
	f = f.WithRuleOutputs(ruleUp, scoring.RuleConfidence(ruleUp), ruleEdge.BestEdge)

	snap.Ensemble = p.predictor.Evaluate(f, ruleUp)
	if !snap.Ensemble.Available {
		degraded = append(degraded, "model")
	}

	d, edge, err := p.gate.Decide(decision.Input{
		ModelProbUp:  snap.Ensemble.BlendedProbUp,
		Prices:       snap.Prices,
		Breakdown:    snap.Breakdown,
		MultiTFAgree: f.Get(models.FeatMultiTFAgree),
		MinutesLeft:  snap.MinutesLeft,
		MarketSlug:   w.Slug,
		At:           start,
	})
	if err != nil {
		p.metrics.RecordError("invariant")
		return fmt.Errorf("decision gate: %w", err)
	}
	snap.Decision, snap.Edge = d, edge

	if d.Action == models.ActionEnter {
		if rec, ok := p.tracker.Record(d, d.MarketPrice, start); ok && p.coord.MarkEntryLogged(w.Slug) {
			p.log.Info("entry recorded",
				applogger.String("slug", w.Slug),
				applogger.String("side", string(rec.Side)),
				applogger.String("tier", string(d.ConfidenceTier)),
				applogger.Float64("edge", d.Edge),
				applogger.Float64("prob", d.ModelProb),
				applogger.Float64("price", d.MarketPrice),
			)
		}
	}
	p.settle(ctx, w, snap, start)
	p.tracker.SettleSuperseded(ctx, w.Slug)

	p.metrics.RecordDecision(string(d.Action), string(d.Side), string(d.Phase))
	p.metrics.SetModelProbability("rule", ruleUp)
	p.metrics.SetModelProbability("blended", snap.Ensemble.BlendedProbUp)
	if snap.Ensemble.Available {
		p.metrics.SetModelProbability("tree", snap.Ensemble.TreeProbUp)
	}

	p.finish(ctx, snap, degraded, wall)
	return nil
}

// settle resolves the market's open predictions once the window is within the
// settle lead of its end.
func (p *Pipeline) settle(ctx context.Context, w *models.MarketWindow, snap *models.CycleSnapshot, now time.Time) {
	if w.EndTime.Sub(now) > p.cfg.SettleLead || snap.PriceToBeat <= 0 || !p.tracker.OpenFor(w.Slug) {
		return
	}
	realized := p.settlementPrice(now)
	if realized <= 0 {
		return
	}
	settled := p.tracker.SettleMarket(ctx, w.Slug, realized, snap.PriceToBeat, now)
	if len(settled) > 0 && p.coord.MarkSettlementLogged(w.Slug) {
		p.log.Info("market settled",
			applogger.String("slug", w.Slug),
			applogger.Float64("price", realized),
			applogger.Float64("price_to_beat", snap.PriceToBeat),
			applogger.Int("records", len(settled)),
		)
	}
}

// settlementPrice prefers the oracle, which is what the market resolves on.
func (p *Pipeline) settlementPrice(now time.Time) float64 {
	for _, feed := range []string{models.FeedOracle, models.FeedSpot} {
		if v := p.freshTick(feed, now); v > 0 {
			return v
		}
	}
	return 0
}

// referencePrice prefers the spot trade stream for features.
func (p *Pipeline) referencePrice(now time.Time) float64 {
	for _, feed := range []string{models.FeedSpot, models.FeedOracle} {
		if v := p.freshTick(feed, now); v > 0 {
			return v
		}
	}
	return 0
}

func (p *Pipeline) freshTick(feed string, now time.Time) float64 {
	t, ok := p.live.Latest(feed)
	if !ok || !util.Finite(t.Value) {
		return 0
	}
	if p.cfg.FreshnessMaxAge > 0 && now.Sub(t.ReceivedAt) > p.cfg.FreshnessMaxAge {
		return 0
	}
	return t.Value
}

// loadIndicators fetches the indicator bundle, falling back to the last good
// one while it is younger than IndicatorMaxAge.
func (p *Pipeline) loadIndicators(ctx context.Context, now time.Time) (*models.IndicatorSnapshot, bool) {
	if p.indicators != nil {
		ictx := ctx
		if p.cfg.IndicatorTimeout > 0 {
			var cancel context.CancelFunc
			ictx, cancel = context.WithTimeout(ctx, p.cfg.IndicatorTimeout)
			defer cancel()
		}
		began := time.Now()
		snap, err := p.indicators.Snapshot(ictx, p.cfg.Symbol)
		p.metrics.RecordLatency("indicators", time.Since(began).Seconds())
		if err == nil {
			p.lastInd.Store(&indicatorEntry{snap: snap, at: now})
			return &snap, true
		}
		p.metrics.RecordError("indicators")
		p.log.Warn("indicator snapshot failed", applogger.Error(err))
	}
	last := p.lastInd.Load()
	if last == nil || (p.cfg.IndicatorMaxAge > 0 && now.Sub(last.at) > p.cfg.IndicatorMaxAge) {
		return nil, false
	}
	snap := last.snap
	return &snap, false
}

// finish stores the snapshot and fans it out on entries and action changes.
func (p *Pipeline) finish(ctx context.Context, snap *models.CycleSnapshot, degraded []string, wall time.Time) {
	snap.Degraded = degraded
	snap.Accuracy = p.tracker.Stats()
	snap.Feeds = p.Feeds()
	snap.Duration = time.Since(wall)
	p.snapshot.Store(snap)

	p.metrics.RecordLatency("cycle", snap.Duration.Seconds())
	if !math.IsNaN(snap.Accuracy.Accuracy) {
		p.metrics.SetAccuracy(snap.Accuracy.Accuracy, snap.Accuracy.Streak)
	}

	slug := ""
	if snap.Market != nil {
		slug = snap.Market.Slug
	}
	changed := snap.Decision.Action != p.lastAction || slug != p.lastSlug
	p.lastAction, p.lastSlug = snap.Decision.Action, slug
	if snap.Decision.Action != models.ActionEnter && !changed {
		return
	}
	p.publish(ctx, snap)
}

func (p *Pipeline) publish(ctx context.Context, snap *models.CycleSnapshot) {
	if p.publisher == nil && p.archive == nil {
		return
	}
	pctx := ctx
	if p.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
	}
	if p.publisher != nil {
		if err := p.publisher.PublishDecision(pctx, snap); err != nil {
			p.metrics.RecordError("publish")
			p.log.Warn("decision publish failed", applogger.Int64("seq", snap.Seq), applogger.Error(err))
		}
	}
	if p.archive != nil {
		if err := p.archive.StoreDecision(pctx, snap); err != nil {
			p.metrics.RecordError("archive")
			p.log.Warn("decision archive failed", applogger.Int64("seq", snap.Seq), applogger.Error(err))
		}
	}
}
