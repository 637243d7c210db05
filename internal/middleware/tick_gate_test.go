package middleware

import (
	"math"
	"sync"
	"testing"
	"time"

	"PolyPulse/internal/domain/models"
	"PolyPulse/pkg/metrics"
	"PolyPulse/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	prices []models.PriceTick
	books  []models.OrderBookSnapshot
}

func (s *recordingSink) OnPrice(t models.PriceTick) {
	s.mu.Lock()
	s.prices = append(s.prices, t)
	s.mu.Unlock()
}

func (s *recordingSink) OnBook(b models.OrderBookSnapshot) {
	s.mu.Lock()
	s.books = append(s.books, b)
	s.mu.Unlock()
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func tick(feed string, v float64, at time.Time) models.PriceTick {
	return models.PriceTick{Feed: feed, Value: v, ObservedAt: at, ReceivedAt: at}
}

func TestTickGate_RejectsStalePrice(t *testing.T) {
	sink := &recordingSink{}
	g := NewTickGate(sink, metrics.Nop{}, WithMaxRPS(0))

	require.NoError(t, g.AcceptPrice(tick(models.FeedSpot, 100, t0.Add(2*time.Second))))
	assert.ErrorIs(t, g.AcceptPrice(tick(models.FeedSpot, 99, t0.Add(time.Second))), ErrStaleTick)
	// ordering is per feed
	require.NoError(t, g.AcceptPrice(tick(models.FeedOracle, 98, t0.Add(time.Second))))
	require.NoError(t, g.AcceptPrice(tick(models.FeedSpot, 101, t0.Add(2*time.Second))))

	require.Len(t, sink.prices, 3)
	assert.Equal(t, 100.0, sink.prices[0].Value)
	assert.Equal(t, 101.0, sink.prices[2].Value)
}

func TestTickGate_Validation(t *testing.T) {
	sink := &recordingSink{}
	g := NewTickGate(sink, nil, WithMaxRPS(0))

	for _, bad := range []models.PriceTick{
		tick("", 1, t0),
		tick(models.FeedSpot, 0, t0),
		tick(models.FeedSpot, -5, t0),
		tick(models.FeedSpot, math.NaN(), t0),
		tick(models.FeedSpot, math.Inf(1), t0),
		tick(models.FeedSpot, 1, time.Time{}),
	} {
		assert.ErrorIs(t, g.AcceptPrice(bad), ErrInvalidTick)
	}
	assert.Empty(t, sink.prices)

	assert.ErrorIs(t, g.AcceptBook(models.OrderBookSnapshot{TokenID: "1", Side: models.SideUp, BestBid: 1.2, ObservedAt: t0}), ErrInvalidTick)
	assert.ErrorIs(t, g.AcceptBook(models.OrderBookSnapshot{Side: models.SideUp, ObservedAt: t0}), ErrInvalidTick)
}

func TestTickGate_ThrottlesPerFeed(t *testing.T) {
	sink := &recordingSink{}
	clock := util.NewManualClock(t0)
	g := NewTickGate(sink, nil, WithMaxRPS(10), WithGateClock(clock))

	require.NoError(t, g.AcceptPrice(tick(models.FeedSpot, 1, t0)))
	clock.Advance(50 * time.Millisecond)
	assert.ErrorIs(t, g.AcceptPrice(tick(models.FeedSpot, 2, t0.Add(50*time.Millisecond))), ErrThrottled)
	require.NoError(t, g.AcceptPrice(tick(models.FeedOracle, 3, t0.Add(50*time.Millisecond))))
	clock.Advance(60 * time.Millisecond)
	require.NoError(t, g.AcceptPrice(tick(models.FeedSpot, 4, t0.Add(110*time.Millisecond))))

	assert.Len(t, sink.prices, 3)
}

func TestTickGate_BookOrderingPerToken(t *testing.T) {
	sink := &recordingSink{}
	g := NewTickGate(sink, nil)

	up := models.OrderBookSnapshot{Side: models.SideUp, TokenID: "u", BestBid: 0.5, BestAsk: 0.52, ObservedAt: t0.Add(time.Second)}
	down := models.OrderBookSnapshot{Side: models.SideDown, TokenID: "d", BestBid: 0.47, BestAsk: 0.49, ObservedAt: t0}

	require.NoError(t, g.AcceptBook(up))
	require.NoError(t, g.AcceptBook(down))

	older := up
	older.ObservedAt = t0
	assert.ErrorIs(t, g.AcceptBook(older), ErrStaleTick)

	g.Reset()
	require.NoError(t, g.AcceptBook(older))
	assert.Len(t, sink.books, 3)
}
