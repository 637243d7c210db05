package decision

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"PolyPulse/internal/domain/models"
)

// ErrInvariant reports a gate input that can only come from a programming error.
var ErrInvariant = errors.New("decision: invariant violation")

// PhaseRule holds the entry thresholds for one time bucket. A phase applies
// while minutes left is strictly above AfterMinutes.
type PhaseRule struct {
	Phase              models.Phase
	AfterMinutes       float64
	MinEdge            float64
	MinProb            float64
	MinSignals         int
	RequireMultiTF     bool
	MultiTFOverrideMin int // corroborating signals that waive the multi-TF rule
}

// Tiers map the winning edge to a confidence tier.
type Tiers struct {
	Strong float64
	Good   float64
}

type Config struct {
	Phases []PhaseRule
	Tiers  Tiers
}

func DefaultConfig() Config {
	return Config{
		Phases: []PhaseRule{
			{Phase: models.PhaseEarly, AfterMinutes: 10, MinEdge: 0.05, MinProb: 0.55, MinSignals: 3, RequireMultiTF: true, MultiTFOverrideMin: 6},
			{Phase: models.PhaseMid, AfterMinutes: 5, MinEdge: 0.08, MinProb: 0.58, MinSignals: 4, RequireMultiTF: true, MultiTFOverrideMin: 6},
			{Phase: models.PhaseLate, AfterMinutes: 2, MinEdge: 0.12, MinProb: 0.62, MinSignals: 5},
			{Phase: models.PhaseFinal, AfterMinutes: 0, MinEdge: 0.15, MinProb: 0.66, MinSignals: 6},
		},
		Tiers: Tiers{Strong: 0.20, Good: 0.10},
	}
}

// Input is everything one gate evaluation reads.
type Input struct {
	ModelProbUp  float64
	Prices       models.MarketPrices
	Breakdown    models.ScoreBreakdown
	MultiTFAgree float64 // +1 all timeframes up, -1 all down
	MinutesLeft  float64
	MarketSlug   string
	At           time.Time
}

// Gate turns a probability and market prices into an Enter or Wait decision.
// It holds no state, so equal inputs give equal outputs.
type Gate struct {
	cfg Config
}

func NewGate(cfg Config) (*Gate, error) {
	if len(cfg.Phases) == 0 {
		return nil, errors.New("decision: no phases configured")
	}
	phases := append([]PhaseRule(nil), cfg.Phases...)
	sort.SliceStable(phases, func(i, j int) bool { return phases[i].AfterMinutes > phases[j].AfterMinutes })
	for i := 1; i < len(phases); i++ {
		if phases[i].AfterMinutes == phases[i-1].AfterMinutes {
			return nil, fmt.Errorf("decision: phases %s and %s share boundary %.1f", phases[i-1].Phase, phases[i].Phase, phases[i].AfterMinutes)
		}
	}
	cfg.Phases = phases
	return &Gate{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// PhaseFor returns the rule for the remaining time, or false once the window closed.
func (g *Gate) PhaseFor(minutesLeft float64) (PhaseRule, bool) {
	for _, p := range g.cfg.Phases {
		if minutesLeft > p.AfterMinutes {
			return p, true
		}
	}
	return PhaseRule{Phase: models.PhaseClosed}, false
}

// ComputeEdge compares model and market probabilities per side. A side with an
// unknown market price (<= 0) gets no edge and cannot be best.
func ComputeEdge(modelUp, marketUp, marketDown float64) models.EdgeResult {
	var res models.EdgeResult
	res.BestSide = models.SideNone
	upKnown := marketUp > 0 && !math.IsNaN(marketUp)
	downKnown := marketDown > 0 && !math.IsNaN(marketDown)
	if upKnown {
		res.EdgeUp = modelUp - marketUp
	}
	if downKnown {
		res.EdgeDown = (1 - modelUp) - marketDown
	}
	switch {
	case upKnown && res.EdgeUp > 0 && (!downKnown || res.EdgeUp >= res.EdgeDown):
		res.BestSide, res.BestEdge = models.SideUp, res.EdgeUp
	case downKnown && res.EdgeDown > 0:
		res.BestSide, res.BestEdge = models.SideDown, res.EdgeDown
	}
	return res
}

// Tier classifies an edge.
func (g *Gate) Tier(edge float64) models.ConfidenceTier {
	switch {
	case edge >= g.cfg.Tiers.Strong:
		return models.TierStrong
	case edge >= g.cfg.Tiers.Good:
		return models.TierGood
	default:
		return models.TierOptional
	}
}

type candidate struct {
	side   models.Side
	prob   float64
	price  float64
	edge   float64
	reason string
}

// Decide evaluates both sides against the current phase. It returns
// ErrInvariant when the model probability is not a probability.
func (g *Gate) Decide(in Input) (models.Decision, models.EdgeResult, error) {
	if math.IsNaN(in.ModelProbUp) || in.ModelProbUp < 0 || in.ModelProbUp > 1 {
		return models.Decision{}, models.EdgeResult{}, fmt.Errorf("%w: model probability %v", ErrInvariant, in.ModelProbUp)
	}
	edge := ComputeEdge(in.ModelProbUp, in.Prices.Up, in.Prices.Down)

	rule, open := g.PhaseFor(in.MinutesLeft)
	if !open {
		d := models.Wait(models.PhaseClosed, "market window closed")
		return g.stamp(d, in), edge, nil
	}

	up := g.evaluate(rule, models.SideUp, in.ModelProbUp, in.Prices.Up, edge.EdgeUp, in)
	down := g.evaluate(rule, models.SideDown, 1-in.ModelProbUp, in.Prices.Down, edge.EdgeDown, in)

	var pick *candidate
	switch {
	case up.reason == "" && down.reason == "":
		pick = &up
		if down.edge > up.edge {
			pick = &down
		}
	case up.reason == "":
		pick = &up
	case down.reason == "":
		pick = &down
	}

	if pick == nil {
		d := models.Wait(rule.Phase, strings.Join([]string{up.reason, down.reason}, "; "))
		d.ModelProb = in.ModelProbUp
		d.Edge = edge.BestEdge
		return g.stamp(d, in), edge, nil
	}

	d := models.Decision{
		Action:         models.ActionEnter,
		Side:           pick.side,
		ConfidenceTier: g.Tier(pick.edge),
		Phase:          rule.Phase,
		Reason: fmt.Sprintf("%s edge %.3f >= %.3f, prob %.3f >= %.3f, %d signals",
			pick.side, pick.edge, rule.MinEdge, pick.prob, rule.MinProb, in.Breakdown.Corroborating(pick.side)),
		Edge:        pick.edge,
		ModelProb:   pick.prob,
		MarketPrice: pick.price,
	}
	return g.stamp(d, in), edge, nil
}

func (g *Gate) evaluate(rule PhaseRule, side models.Side, prob, price, edge float64, in Input) candidate {
	c := candidate{side: side, prob: prob, price: price, edge: edge}
	signals := in.Breakdown.Corroborating(side)
	switch {
	case price <= 0 || math.IsNaN(price):
		c.reason = fmt.Sprintf("%s: no market price", side)
	case edge < rule.MinEdge:
		c.reason = fmt.Sprintf("%s: edge %.3f < %.3f", side, edge, rule.MinEdge)
	case prob < rule.MinProb:
		c.reason = fmt.Sprintf("%s: prob %.3f < %.3f", side, prob, rule.MinProb)
	case signals < rule.MinSignals:
		c.reason = fmt.Sprintf("%s: %d signals < %d", side, signals, rule.MinSignals)
	case rule.RequireMultiTF && signals < rule.MultiTFOverrideMin && !agrees(side, in.MultiTFAgree):
		c.reason = fmt.Sprintf("%s: timeframes disagree (%d signals < %d)", side, signals, rule.MultiTFOverrideMin)
	}
	return c
}

func agrees(side models.Side, multiTF float64) bool {
	switch side {
	case models.SideUp:
		return multiTF > 0
	case models.SideDown:
		return multiTF < 0
	default:
		return false
	}
}

func (g *Gate) stamp(d models.Decision, in Input) models.Decision {
	d.MarketSlug = in.MarketSlug
	d.At = in.At
	return d
}
