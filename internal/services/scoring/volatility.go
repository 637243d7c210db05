package scoring

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	domrepo "PolyPulse/internal/domain/repository"
	domsvc "PolyPulse/internal/domain/service"
	"PolyPulse/internal/services/features"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/util"
)

// VolatilityProvider computes the realized volatility ratio from stored
// candles and caches it for a TTL.
type VolatilityProvider struct {
	store       domrepo.CandleStore
	symbol      string
	tf          domrepo.Timeframe
	candles     int
	shortWindow int
	ttl         time.Duration
	clock       util.Clock
	log         *applogger.Logger

	cached atomic.Pointer[volEntry]
}

type volEntry struct {
	ratio float64
	at    time.Time
}

type VolatilityOption func(*VolatilityProvider)

// WithWindows sets how many candles to read and the short window compared
// against the full history.
func WithWindows(candles, shortWindow int) VolatilityOption {
	return func(p *VolatilityProvider) {
		if candles > 2 {
			p.candles = candles
		}
		if shortWindow > 1 {
			p.shortWindow = shortWindow
		}
	}
}

// WithTimeframe selects the candle resolution read from the store.
func WithTimeframe(tf domrepo.Timeframe) VolatilityOption {
	return func(p *VolatilityProvider) {
		if domrepo.IsValidTimeframe(tf) {
			p.tf = tf
		}
	}
}

func WithTTL(d time.Duration) VolatilityOption {
	return func(p *VolatilityProvider) { p.ttl = d }
}

func WithVolatilityClock(c util.Clock) VolatilityOption {
	return func(p *VolatilityProvider) { p.clock = c }
}

func WithVolatilityLogger(l *applogger.Logger) VolatilityOption {
	return func(p *VolatilityProvider) { p.log = l }
}

func NewVolatilityProvider(store domrepo.CandleStore, symbol string, opts ...VolatilityOption) *VolatilityProvider {
	p := &VolatilityProvider{
		store:       store,
		symbol:      symbol,
		tf:          domrepo.TF1m,
		candles:     120,
		shortWindow: 15,
		ttl:         time.Minute,
		clock:       util.RealClock(),
		log:         applogger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ratio returns current/baseline realized volatility. On failure it returns
// the last good ratio, or 1 when there is none, together with the error.
func (p *VolatilityProvider) Ratio(ctx context.Context) (float64, error) {
	now := p.clock.Now()
	last := p.cached.Load()
	if last != nil && now.Sub(last.at) < p.ttl {
		return last.ratio, nil
	}
	fallback := 1.0
	if last != nil {
		fallback = last.ratio
	}
	if p.store == nil {
		return fallback, fmt.Errorf("volatility: no candle store")
	}

	candles, err := p.store.GetLatestNCandles(ctx, p.symbol, p.candles, p.tf)
	if err != nil {
		p.log.Warn("volatility candles unavailable", applogger.Error(err))
		return fallback, fmt.Errorf("volatility candles: %w", err)
	}
	ratio, ok := features.VolatilityRatio(candles, p.shortWindow, len(candles)-1, string(p.tf))
	if !ok {
		return fallback, fmt.Errorf("volatility: insufficient history (%d candles)", len(candles))
	}
	p.cached.Store(&volEntry{ratio: ratio, at: now})
	p.log.Debug("volatility ratio refreshed",
		applogger.Float64("ratio", ratio),
		applogger.Int("candles", len(candles)),
	)
	return ratio, nil
}

var _ domsvc.VolatilitySource = (*VolatilityProvider)(nil)
