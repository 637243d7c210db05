package usecase

import (
	"sync"
	"sync/atomic"
	"time"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
)

// LiveState holds the latest tick per feed and the top of book per side.
// Readers load immutable maps; writers copy, modify and swap.
type LiveState struct {
	mu      sync.Mutex // serializes writers only
	ticks   atomic.Pointer[map[string]models.PriceTick]
	books   atomic.Pointer[map[models.Side]models.OrderBookSnapshot]
	market  atomic.Pointer[liveMarket]
	capture atomic.Pointer[ptbCapture]
}

// liveMarket is the window the books and capture belong to.
type liveMarket struct {
	slug   string
	tokens models.TokenIDs
	start  time.Time
}

type ptbCapture struct {
	slug  string
	value float64
	at    time.Time
}

func NewLiveState() *LiveState {
	s := &LiveState{}
	ticks := map[string]models.PriceTick{}
	books := map[models.Side]models.OrderBookSnapshot{}
	s.ticks.Store(&ticks)
	s.books.Store(&books)
	return s
}

// OnPrice stores t as the latest tick of its feed. The first oracle tick at or
// after the window start is captured as the price to beat.
func (s *LiveState) OnPrice(t models.PriceTick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.ticks.Load()
	next := make(map[string]models.PriceTick, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[t.Feed] = t
	s.ticks.Store(&next)

	if t.Feed != models.FeedOracle {
		return
	}
	m := s.market.Load()
	if m == nil || m.start.IsZero() || t.ObservedAt.Before(m.start) {
		return
	}
	if c := s.capture.Load(); c != nil && c.slug == m.slug {
		return
	}
	s.capture.Store(&ptbCapture{slug: m.slug, value: t.Value, at: t.ObservedAt})
}

// OnBook stores b if it belongs to the current token pair.
func (s *LiveState) OnBook(b models.OrderBookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.market.Load()
	if m == nil || m.tokens.SideOf(b.TokenID) != b.Side {
		return
	}
	cur := *s.books.Load()
	next := make(map[models.Side]models.OrderBookSnapshot, 2)
	for k, v := range cur {
		next[k] = v
	}
	next[b.Side] = b
	s.books.Store(&next)
}

// Reset points the state at a new window and drops the previous books.
func (s *LiveState) Reset(slug string, tokens models.TokenIDs, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	books := map[models.Side]models.OrderBookSnapshot{}
	s.books.Store(&books)
	s.market.Store(&liveMarket{slug: slug, tokens: tokens, start: start})

	// a tick may arrive between the window start and the rollover
	if t, ok := (*s.ticks.Load())[models.FeedOracle]; ok && !start.IsZero() && !t.ObservedAt.Before(start) {
		if c := s.capture.Load(); c == nil || c.slug != slug {
			s.capture.Store(&ptbCapture{slug: slug, value: t.Value, at: t.ObservedAt})
		}
	}
}

// Latest returns the newest tick of feed.
func (s *LiveState) Latest(feed string) (models.PriceTick, bool) {
	t, ok := (*s.ticks.Load())[feed]
	return t, ok
}

// Book returns the current top of book for side, or nil.
func (s *LiveState) Book(side models.Side) *models.OrderBookSnapshot {
	b, ok := (*s.books.Load())[side]
	if !ok {
		return nil
	}
	return &b
}

// CapturedPTB returns the oracle price captured at the start of slug's window.
func (s *LiveState) CapturedPTB(slug string) (float64, time.Time, bool) {
	c := s.capture.Load()
	if c == nil || c.slug != slug || c.value <= 0 {
		return 0, time.Time{}, false
	}
	return c.value, c.at, true
}

var _ domrepo.TickSink = (*LiveState)(nil)
