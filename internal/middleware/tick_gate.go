package middleware

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	"PolyPulse/pkg/util"
)

var (
	ErrInvalidTick = errors.New("invalid tick")
	ErrStaleTick   = errors.New("stale tick")
	ErrThrottled   = errors.New("tick throttled")
)

// TickGate sits between the feed adapters and live state.
// It validates, throttles price ticks per feed, and drops anything observed
// before the last accepted update of the same key.
type TickGate struct {
	next    domrepo.TickSink
	metrics domrepo.Metrics
	clock   util.Clock
	maxRPS  int

	mu        sync.Mutex
	lastSeen  map[string]time.Time // per-feed last accepted receive time (throttle)
	lastObsAt map[string]time.Time // per-feed or per-token last accepted observation
}

type GateOption func(*TickGate)

// WithMaxRPS sets the max price ticks per second per feed. Zero disables throttling.
func WithMaxRPS(n int) GateOption {
	return func(g *TickGate) {
		if n >= 0 {
			g.maxRPS = n
		}
	}
}

// WithGateClock replaces the clock used for throttling.
func WithGateClock(c util.Clock) GateOption {
	return func(g *TickGate) {
		if c != nil {
			g.clock = c
		}
	}
}

// NewTickGate creates a gate forwarding accepted ticks to next.
func NewTickGate(next domrepo.TickSink, metrics domrepo.Metrics, opts ...GateOption) *TickGate {
	g := &TickGate{
		next:      next,
		metrics:   metrics,
		clock:     util.RealClock(),
		maxRPS:    20,
		lastSeen:  make(map[string]time.Time),
		lastObsAt: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnPrice implements TickSink.
func (g *TickGate) OnPrice(t models.PriceTick) {
	_ = g.AcceptPrice(t)
}

// OnBook implements TickSink.
func (g *TickGate) OnBook(b models.OrderBookSnapshot) {
	_ = g.AcceptBook(b)
}

// AcceptPrice validates, throttles and forwards t. The returned error says why
// a tick was dropped.
func (g *TickGate) AcceptPrice(t models.PriceTick) error {
	if err := validatePrice(t); err != nil {
		g.reject("validate")
		return err
	}

	g.mu.Lock()
	if last, ok := g.lastObsAt[t.Feed]; ok && t.ObservedAt.Before(last) {
		g.mu.Unlock()
		g.reject("stale_" + t.Feed)
		return ErrStaleTick
	}
	now := g.clock.Now()
	if !g.allowLocked(t.Feed, now) {
		g.mu.Unlock()
		g.reject("throttle_" + t.Feed)
		return ErrThrottled
	}
	g.lastObsAt[t.Feed] = t.ObservedAt
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RecordLastPrice(t.Feed, t.Value)
		if !t.ReceivedAt.IsZero() && !t.ObservedAt.IsZero() {
			g.metrics.RecordLatency("feed_lag_"+t.Feed, t.ReceivedAt.Sub(t.ObservedAt).Seconds())
		}
	}
	g.next.OnPrice(t)
	return nil
}

// AcceptBook validates and forwards b. Books are never throttled since each
// snapshot replaces the previous one for its token.
func (g *TickGate) AcceptBook(b models.OrderBookSnapshot) error {
	if err := validateBook(b); err != nil {
		g.reject("validate_book")
		return err
	}
	key := models.FeedBook + ":" + b.TokenID

	g.mu.Lock()
	if last, ok := g.lastObsAt[key]; ok && b.ObservedAt.Before(last) {
		g.mu.Unlock()
		g.reject("stale_book")
		return ErrStaleTick
	}
	g.lastObsAt[key] = b.ObservedAt
	g.mu.Unlock()

	g.next.OnBook(b)
	return nil
}

// Reset forgets ordering state for book tokens, used after a market rollover.
func (g *TickGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.lastObsAt {
		if strings.HasPrefix(k, models.FeedBook+":") {
			delete(g.lastObsAt, k)
		}
	}
}

func validatePrice(t models.PriceTick) error {
	if t.Feed == "" {
		return fmt.Errorf("%w: feed empty", ErrInvalidTick)
	}
	if !util.Finite(t.Value) || t.Value <= 0 {
		return fmt.Errorf("%w: price %v", ErrInvalidTick, t.Value)
	}
	if t.ObservedAt.IsZero() {
		return fmt.Errorf("%w: observed time missing", ErrInvalidTick)
	}
	return nil
}

func validateBook(b models.OrderBookSnapshot) error {
	if b.TokenID == "" || (b.Side != models.SideUp && b.Side != models.SideDown) {
		return fmt.Errorf("%w: book without token or side", ErrInvalidTick)
	}
	for _, v := range []float64{b.BestBid, b.BestAsk, b.BidLiquidity, b.AskLiquidity} {
		if !util.Finite(v) || v < 0 {
			return fmt.Errorf("%w: book value %v", ErrInvalidTick, v)
		}
	}
	if b.BestBid > 1 || b.BestAsk > 1 {
		return fmt.Errorf("%w: book price above 1", ErrInvalidTick)
	}
	if b.ObservedAt.IsZero() {
		return fmt.Errorf("%w: observed time missing", ErrInvalidTick)
	}
	return nil
}

func (g *TickGate) allowLocked(feed string, now time.Time) bool {
	if g.maxRPS <= 0 {
		return true
	}
	last := g.lastSeen[feed]
	if !last.IsZero() && now.Sub(last) < time.Second/time.Duration(g.maxRPS) {
		return false
	}
	g.lastSeen[feed] = now
	return true
}

func (g *TickGate) reject(kind string) {
	if g.metrics != nil {
		g.metrics.RecordError("gate_" + kind)
	}
}
