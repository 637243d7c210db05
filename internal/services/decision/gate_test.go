package decision

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolyPulse/internal/domain/models"
)

func newGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(DefaultConfig())
	require.NoError(t, err)
	return g
}

func votes(side models.Side, n int) models.ScoreBreakdown {
	b := models.ScoreBreakdown{}
	for i := 0; i < n; i++ {
		b[fmt.Sprintf("s%d", i)] = models.SignalContribution{Direction: side, Weight: 1}
	}
	return b
}

func TestComputeEdge(t *testing.T) {
	e := ComputeEdge(0.7, 0.55, 0.45)
	assert.InDelta(t, 0.15, e.EdgeUp, 1e-9)
	assert.InDelta(t, -0.15, e.EdgeDown, 1e-9)
	assert.Equal(t, models.SideUp, e.BestSide)
	assert.InDelta(t, 0.15, e.BestEdge, 1e-9)

	e = ComputeEdge(0.3, 0.5, 0.5)
	assert.Equal(t, models.SideDown, e.BestSide)
	assert.InDelta(t, 0.2, e.BestEdge, 1e-9)

	e = ComputeEdge(0.5, 0.6, 0.6)
	assert.Equal(t, models.SideNone, e.BestSide)
	assert.Zero(t, e.BestEdge)

	// unknown up price leaves only the down side eligible
	e = ComputeEdge(0.9, 0, 0.05)
	assert.Zero(t, e.EdgeUp)
	assert.Equal(t, models.SideDown, e.BestSide)
	assert.InDelta(t, 0.05, e.BestEdge, 1e-9)
}

func TestPhaseFor(t *testing.T) {
	g := newGate(t)
	cases := []struct {
		minutes float64
		want    models.Phase
	}{
		{14.9, models.PhaseEarly},
		{10.01, models.PhaseEarly},
		{10, models.PhaseMid},
		{5.5, models.PhaseMid},
		{5, models.PhaseLate},
		{2.5, models.PhaseLate},
		{1.99, models.PhaseFinal},
		{0.1, models.PhaseFinal},
		{0, models.PhaseClosed},
		{-3, models.PhaseClosed},
	}
	for _, tc := range cases {
		p, _ := g.PhaseFor(tc.minutes)
		assert.Equal(t, tc.want, p.Phase, "minutes %v", tc.minutes)
	}
}

func TestPhasesTighten(t *testing.T) {
	phases := newGate(t).Config().Phases
	for i := 1; i < len(phases); i++ {
		assert.Greater(t, phases[i].MinEdge, phases[i-1].MinEdge)
		assert.Greater(t, phases[i].MinProb, phases[i-1].MinProb)
		assert.GreaterOrEqual(t, phases[i].MinSignals, phases[i-1].MinSignals)
	}
}

func TestDecideEntersEarly(t *testing.T) {
	g := newGate(t)
	at := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	in := Input{
		ModelProbUp:  0.66,
		Prices:       models.MarketPrices{Up: 0.52, Down: 0.48},
		Breakdown:    votes(models.SideUp, 3),
		MultiTFAgree: 1,
		MinutesLeft:  12,
		MarketSlug:   "btc-updown-15m-1",
		At:           at,
	}
	d, edge, err := g.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, models.ActionEnter, d.Action)
	assert.Equal(t, models.SideUp, d.Side)
	assert.Equal(t, models.PhaseEarly, d.Phase)
	assert.Equal(t, models.TierGood, d.ConfidenceTier)
	assert.InDelta(t, 0.14, d.Edge, 1e-9)
	assert.Equal(t, 0.52, d.MarketPrice)
	assert.Equal(t, "btc-updown-15m-1", d.MarketSlug)
	assert.Equal(t, at, d.At)
	assert.Equal(t, models.SideUp, edge.BestSide)
}

func TestDecideRequiresMultiTFEarly(t *testing.T) {
	g := newGate(t)
	in := Input{
		ModelProbUp: 0.66,
		Prices:      models.MarketPrices{Up: 0.52, Down: 0.48},
		Breakdown:   votes(models.SideUp, 4),
		MinutesLeft: 12,
	}
	d, _, err := g.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, models.ActionWait, d.Action)
	assert.Contains(t, d.Reason, "timeframes disagree")

	in.Breakdown = votes(models.SideUp, 6)
	d, _, err = g.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, models.ActionEnter, d.Action)

	// late phases do not need agreement but demand more
	in.MinutesLeft = 3
	in.Breakdown = votes(models.SideUp, 5)
	d, _, err = g.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, models.ActionEnter, d.Action)
	assert.Equal(t, models.PhaseLate, d.Phase)
}

func TestDecideSameInputsBlockedLater(t *testing.T) {
	g := newGate(t)
	in := Input{
		ModelProbUp:  0.6,
		Prices:       models.MarketPrices{Up: 0.5, Down: 0.5},
		Breakdown:    votes(models.SideUp, 6),
		MultiTFAgree: 1,
		MinutesLeft:  12,
	}
	d, _, err := g.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, models.ActionEnter, d.Action)

	in.MinutesLeft = 1
	d, _, err = g.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, models.ActionWait, d.Action)
	assert.Equal(t, models.PhaseFinal, d.Phase)
	assert.Contains(t, d.Reason, "UP: edge 0.100 < 0.150")
	assert.Contains(t, d.Reason, "DOWN:")
}

func TestDecidePicksLargerEdge(t *testing.T) {
	g := newGate(t)
	b := votes(models.SideDown, 6)
	d, _, err := g.Decide(Input{
		ModelProbUp: 0.3,
		Prices:      models.MarketPrices{Up: 0.2, Down: 0.45},
		Breakdown:   b,
		MinutesLeft: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SideDown, d.Side)
	assert.InDelta(t, 0.25, d.Edge, 1e-9)
	assert.Equal(t, models.TierStrong, d.ConfidenceTier)
}

func TestDecideIdempotent(t *testing.T) {
	g := newGate(t)
	in := Input{
		ModelProbUp:  0.71,
		Prices:       models.MarketPrices{Up: 0.55, Down: 0.46},
		Breakdown:    votes(models.SideUp, 5),
		MultiTFAgree: 1,
		MinutesLeft:  6,
		MarketSlug:   "m",
		At:           time.Unix(100, 0),
	}
	first, e1, err := g.Decide(in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, e2, err := g.Decide(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, e1, e2)
	}
}

func TestDecideClosedWindow(t *testing.T) {
	d, _, err := newGate(t).Decide(Input{ModelProbUp: 0.9, Prices: models.MarketPrices{Up: 0.5, Down: 0.5}, MinutesLeft: 0})
	require.NoError(t, err)
	assert.Equal(t, models.ActionWait, d.Action)
	assert.Equal(t, models.PhaseClosed, d.Phase)
}

func TestDecideInvariant(t *testing.T) {
	g := newGate(t)
	for _, p := range []float64{math.NaN(), -0.1, 1.2} {
		_, _, err := g.Decide(Input{ModelProbUp: p, MinutesLeft: 10})
		assert.ErrorIs(t, err, ErrInvariant)
	}
}

func TestNewGateRejectsDuplicateBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Phases[1].AfterMinutes = cfg.Phases[0].AfterMinutes
	_, err := NewGate(cfg)
	assert.Error(t, err)

	_, err = NewGate(Config{})
	assert.Error(t, err)
}
