package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolyPulse/internal/domain/models"
	"PolyPulse/internal/services/decision"
	"PolyPulse/internal/services/ensemble"
	"PolyPulse/internal/services/scoring"
	"PolyPulse/pkg/metrics"
)

type fakeIndicators struct {
	mu      sync.Mutex
	snap    models.IndicatorSnapshot
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeIndicators) Snapshot(ctx context.Context, _ string) (models.IndicatorSnapshot, error) {
	f.mu.Lock()
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.IndicatorSnapshot{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeIndicators) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeFeeds struct {
	mu      sync.Mutex
	resumed int
}

func (f *fakeFeeds) Resume(feed string) bool {
	if feed == "all" {
		f.ResumeAll()
		return true
	}
	return feed == models.FeedSpot
}

func (f *fakeFeeds) ResumeAll() {
	f.mu.Lock()
	f.resumed++
	f.mu.Unlock()
}

func (f *fakeFeeds) Statuses() []models.FeedStatus {
	return []models.FeedStatus{{Feed: models.FeedSpot, State: models.FeedOpen, Connected: true}}
}

type countPublisher struct {
	mu        sync.Mutex
	decisions []*models.CycleSnapshot
}

func (p *countPublisher) PublishDecision(_ context.Context, s *models.CycleSnapshot) error {
	p.mu.Lock()
	p.decisions = append(p.decisions, s)
	p.mu.Unlock()
	return nil
}

func (p *countPublisher) PublishSettlements(context.Context, []models.PredictionRecord) error {
	return nil
}

func (p *countPublisher) Close() error { return nil }

func (p *countPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.decisions)
}

type skipMetrics struct {
	metrics.Nop
	mu      sync.Mutex
	skipped int
}

func (m *skipMetrics) RecordCycleSkipped() {
	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()
}

type pipelineEnv struct {
	*coordEnv
	ind      *fakeIndicators
	feeds    *fakeFeeds
	pub      *countPublisher
	metrics  *skipMetrics
	pipeline *Pipeline
}

func neutralIndicators() models.IndicatorSnapshot {
	return models.IndicatorSnapshot{Symbol: "BTC", Price: 64000, VWAP: 64000, RSI: 50, StochRSIK: 50, HAColor: "green", VolumeRatio: 1}
}

func newPipelineEnv(t *testing.T, first *models.MarketWindow) *pipelineEnv {
	t.Helper()
	env := &pipelineEnv{
		coordEnv: newCoordEnv(t, first),
		ind:      &fakeIndicators{snap: neutralIndicators()},
		feeds:    &fakeFeeds{},
		pub:      &countPublisher{},
		metrics:  &skipMetrics{},
	}
	gate, err := decision.NewGate(decision.DefaultConfig())
	require.NoError(t, err)
	env.pipeline = NewPipeline(DefaultPipelineConfig(), env.coord, env.live, env.ind, nil,
		scoring.NewEngine(scoring.DefaultConfig()), ensemble.NewPredictor(nil), gate, env.tracker,
		WithFeeds(env.feeds),
		WithPublisher(env.pub),
		WithPipelineClock(env.clock),
		WithPipelineMetrics(env.metrics),
	)
	return env
}

func TestCycleWithoutMarketWaits(t *testing.T) {
	env := newPipelineEnv(t, nil)
	require.NoError(t, env.pipeline.RunCycle(context.Background()))

	snap := env.pipeline.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, models.ActionWait, snap.Decision.Action)
	assert.Equal(t, models.PhaseClosed, snap.Decision.Phase)
	assert.Contains(t, snap.Degraded, "catalog")
	assert.Nil(t, snap.Market)
}

func TestCycleProducesSnapshot(t *testing.T) {
	a := window(t0, "u1", "d1")
	a.PriceToBeat = 64000
	env := newPipelineEnv(t, a)
	require.NoError(t, env.pipeline.RunCycle(context.Background()))

	snap := env.pipeline.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Seq)
	assert.Equal(t, a.Slug, snap.Market.Slug)
	assert.InDelta(t, 15.0, snap.MinutesLeft, 1e-9)
	assert.Equal(t, "catalog", snap.Prices.Source)
	assert.Equal(t, 64000.0, snap.PriceToBeat)
	assert.Equal(t, models.ActionWait, snap.Decision.Action)
	assert.Equal(t, models.PhaseEarly, snap.Decision.Phase)
	assert.Equal(t, a.Slug, snap.Decision.MarketSlug)
	assert.False(t, snap.Ensemble.Available)
	assert.Equal(t, snap.Probability.AdjustedUp, snap.Ensemble.BlendedProbUp, "rule-only without a model")
	assert.Contains(t, snap.Degraded, "model")
	assert.NotContains(t, snap.Degraded, "indicators")
	assert.Len(t, snap.Feeds, 1)
	assert.InDelta(t, 1.0, snap.Probability.RawUp+snap.Probability.RawDown(), 1e-12)
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	env := newPipelineEnv(t, window(t0, "u1", "d1"))
	env.ind.block = make(chan struct{})
	env.ind.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- env.pipeline.RunCycle(context.Background()) }()
	<-env.ind.entered

	err := env.pipeline.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleSkipped)
	assert.Equal(t, 1, env.metrics.skipped)

	close(env.ind.block)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), env.pipeline.Snapshot().Seq, "the skipped tick was not queued")
}

func TestSuspendGapResumesStreams(t *testing.T) {
	env := newPipelineEnv(t, window(t0, "u1", "d1"))
	ctx := context.Background()
	require.NoError(t, env.pipeline.RunCycle(ctx))

	env.clock.Advance(time.Second)
	require.NoError(t, env.pipeline.RunCycle(ctx))
	assert.Equal(t, 0, env.feeds.resumed)
	calls := env.catalog.count()

	env.clock.Advance(11 * time.Second)
	require.NoError(t, env.pipeline.RunCycle(ctx))
	assert.Equal(t, 1, env.feeds.resumed)
	assert.Equal(t, calls+1, env.catalog.count(), "resume forces market discovery")
}

func TestIndicatorFallback(t *testing.T) {
	env := newPipelineEnv(t, window(t0, "u1", "d1"))
	ctx := context.Background()
	require.NoError(t, env.pipeline.RunCycle(ctx))
	assert.NotContains(t, env.pipeline.Snapshot().Degraded, "indicators")

	env.ind.fail(errors.New("timeout"))
	env.clock.Advance(time.Second)
	require.NoError(t, env.pipeline.RunCycle(ctx))
	assert.Contains(t, env.pipeline.Snapshot().Degraded, "indicators_stale")

	env.clock.Advance(3 * time.Minute)
	require.NoError(t, env.pipeline.RunCycle(ctx))
	assert.Contains(t, env.pipeline.Snapshot().Degraded, "indicators")
	assert.NotContains(t, env.pipeline.Snapshot().Degraded, "indicators_stale")
}

func TestPublishesOnActionOrMarketChange(t *testing.T) {
	env := newPipelineEnv(t, window(t0, "u1", "d1"))
	ctx := context.Background()

	require.NoError(t, env.pipeline.RunCycle(ctx))
	assert.Equal(t, 1, env.pub.count())

	env.clock.Advance(time.Second)
	require.NoError(t, env.pipeline.RunCycle(ctx))
	assert.Equal(t, 1, env.pub.count(), "unchanged wait is not republished")

	env.catalog.set(window(t0.Add(15*time.Minute), "u2", "d2"), nil)
	env.clock.Advance(15 * time.Minute)
	require.NoError(t, env.pipeline.RunCycle(ctx))
	assert.Equal(t, 2, env.pub.count())
}

func TestSettlesNearWindowEnd(t *testing.T) {
	a := window(t0, "u1", "d1")
	a.PriceToBeat = 64000
	env := newPipelineEnv(t, a)
	ctx := context.Background()
	require.NoError(t, env.pipeline.RunCycle(ctx))

	_, ok := env.tracker.Record(enterDecision(a.Slug, models.SideUp), 0.5, t0)
	require.True(t, ok)

	env.clock.Advance(14 * time.Minute)
	require.NoError(t, env.pipeline.RunCycle(ctx))
	assert.True(t, env.tracker.OpenFor(a.Slug), "too early to settle")

	env.clock.Advance(57 * time.Second)
	now := env.clock.Now()
	env.live.OnPrice(models.PriceTick{Feed: models.FeedOracle, Value: 64050, ObservedAt: now, ReceivedAt: now})
	require.NoError(t, env.pipeline.RunCycle(ctx))

	recs := env.tracker.Records(0, a.Slug)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Settled)
	assert.Equal(t, models.OutcomeCorrect, recs[0].Outcome)
	assert.True(t, env.coord.Markers().SettlementLogged)
	assert.Equal(t, 1, env.pipeline.Snapshot().Accuracy.Wins)
}

func TestResumeFeedByName(t *testing.T) {
	env := newPipelineEnv(t, window(t0, "u1", "d1"))
	assert.True(t, env.pipeline.ResumeFeed("all"))
	assert.Equal(t, 1, env.feeds.resumed)
	assert.True(t, env.pipeline.ResumeFeed(models.FeedSpot))
	assert.False(t, env.pipeline.ResumeFeed("nope"))
	assert.Equal(t, 1, env.feeds.resumed)
}
