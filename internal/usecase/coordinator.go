package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	"PolyPulse/pkg/cache"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/metrics"
	"PolyPulse/pkg/util"
)

// BookSubscriber points the order-book stream at a token pair.
type BookSubscriber interface {
	Subscribe(tokens models.TokenIDs) error
}

// ExpirySettler settles the open predictions of a market that rolled over.
type ExpirySettler interface {
	SettleExpired(ctx context.Context, slug string) []models.PredictionRecord
}

// CoordinatorConfig tunes market discovery and price freshness.
type CoordinatorConfig struct {
	DiscoveryInterval time.Duration
	CatalogTimeout    time.Duration
	FreshnessMaxAge   time.Duration
	CacheTTL          time.Duration
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		DiscoveryInterval: 30 * time.Second,
		CatalogTimeout:    4 * time.Second,
		FreshnessMaxAge:   30 * time.Second,
		CacheTTL:          20 * time.Minute,
	}
}

// Markers are per-market notification flags, reset on rollover.
type Markers struct {
	Slug             string
	EntryLogged      bool
	SettlementLogged bool
}

// Coordinator owns the active market window and keeps every slug-scoped
// cache, stream subscription and prediction coherent across rollovers.
type Coordinator struct {
	cfg     CoordinatorConfig
	catalog domrepo.MarketCatalog
	cache   cache.Service
	live    *LiveState
	book    BookSubscriber
	gate    interface{ Reset() }
	settler ExpirySettler
	clock   util.Clock
	log     *applogger.Logger
	metrics domrepo.Metrics

	window  atomic.Pointer[models.MarketWindow]
	markers atomic.Pointer[Markers]

	polling   atomic.Bool
	mu        sync.Mutex
	lastFetch time.Time
}

type CoordinatorOption func(*Coordinator)

func WithBookSubscriber(b BookSubscriber) CoordinatorOption {
	return func(c *Coordinator) { c.book = b }
}

// WithTickGate registers the gate whose book ordering is reset on rollover.
func WithTickGate(g interface{ Reset() }) CoordinatorOption {
	return func(c *Coordinator) { c.gate = g }
}

func WithExpirySettler(s ExpirySettler) CoordinatorOption {
	return func(c *Coordinator) { c.settler = s }
}

func WithCoordinatorClock(clock util.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

func WithCoordinatorLogger(l *applogger.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithCoordinatorMetrics(m domrepo.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func NewCoordinator(cfg CoordinatorConfig, catalog domrepo.MarketCatalog, store cache.Service, live *LiveState, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		catalog: catalog,
		cache:   store,
		live:    live,
		clock:   util.RealClock(),
		log:     applogger.Nop(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.markers.Store(&Markers{})
	return c
}

func marketKey(slug string) string { return cache.Key("market", slug) }
func pricesKey(slug string) string { return cache.Key("market", slug, "prices") }
func ptbKey(slug string) string    { return cache.Key("ptb", slug) }

// Window returns the active market, or nil before the first discovery.
func (c *Coordinator) Window() *models.MarketWindow { return c.window.Load() }

// Markers returns the flags of the active market.
func (c *Coordinator) Markers() Markers { return *c.markers.Load() }

// Invalidate forces the next Poll to query the catalog.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	c.lastFetch = time.Time{}
	c.mu.Unlock()
}

// Poll refreshes the active window from the catalog when the discovery
// interval elapsed or the window expired. On failure the last good window is
// kept and the error is returned alongside it.
func (c *Coordinator) Poll(ctx context.Context) (*models.MarketWindow, error) {
	now := c.clock.Now()
	cur := c.window.Load()

	c.mu.Lock()
	due := cur == nil || cur.Expired(now) || c.lastFetch.IsZero() || now.Sub(c.lastFetch) >= c.cfg.DiscoveryInterval
	c.mu.Unlock()
	if !due || !c.polling.CompareAndSwap(false, true) {
		return cur, nil
	}
	defer c.polling.Store(false)

	fctx := ctx
	if c.cfg.CatalogTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, c.cfg.CatalogTimeout)
		defer cancel()
	}
	start := time.Now()
	next, err := c.catalog.Current(fctx)
	c.metrics.RecordLatency("catalog", time.Since(start).Seconds())

	c.mu.Lock()
	c.lastFetch = now
	c.mu.Unlock()

	if err != nil {
		c.metrics.RecordError("catalog")
		c.log.Warn("market discovery failed, keeping last window",
			applogger.Error(err),
			applogger.Bool("have_window", cur != nil),
		)
		return cur, fmt.Errorf("market catalog: %w", err)
	}

	if cur == nil || cur.Slug != next.Slug {
		c.OnRollover(ctx, cur, next)
	} else {
		c.window.Store(next)
	}
	c.cachePrices(ctx, next)
	return next, nil
}

// OnRollover makes next the active window. Slug-scoped caches of the old
// market are invalidated before anything else reads them; the book stream is
// then retargeted, open predictions of the old market are settled as
// unknown, and the per-market markers start over.
func (c *Coordinator) OnRollover(ctx context.Context, old, next *models.MarketWindow) {
	oldSlug := ""
	if old != nil {
		oldSlug = old.Slug
		if c.cache != nil {
			if err := c.cache.DeleteByPattern(ctx, cache.Pattern(marketKey(old.Slug))); err != nil {
				c.log.Warn("market cache invalidation failed", applogger.String("slug", old.Slug), applogger.Error(err))
			}
			if err := c.cache.Delete(ctx, ptbKey(old.Slug)); err != nil {
				c.log.Warn("price-to-beat cache invalidation failed", applogger.String("slug", old.Slug), applogger.Error(err))
			}
		}
	}
	c.window.Store(next)

	c.live.Reset(next.Slug, next.TokenIDs, next.StartTime)
	if c.gate != nil {
		c.gate.Reset()
	}
	if c.book != nil {
		if err := c.book.Subscribe(next.TokenIDs); err != nil {
			c.metrics.RecordError("book_subscribe")
			c.log.Error("book retarget failed", applogger.String("slug", next.Slug), applogger.Error(err))
		}
	}

	settled := 0
	if old != nil && c.settler != nil {
		settled = len(c.settler.SettleExpired(ctx, old.Slug))
	}

	c.markers.Store(&Markers{Slug: next.Slug})

	c.log.Info("market rollover",
		applogger.String("from", oldSlug),
		applogger.String("to", next.Slug),
		applogger.Time("end", next.EndTime),
		applogger.Int("expired_predictions", settled),
	)
}

// MarkEntryLogged sets the entry flag for slug and reports whether it was unset.
func (c *Coordinator) MarkEntryLogged(slug string) bool {
	return c.mark(slug, func(m *Markers) *bool { return &m.EntryLogged })
}

// MarkSettlementLogged sets the settlement flag for slug and reports whether it was unset.
func (c *Coordinator) MarkSettlementLogged(slug string) bool {
	return c.mark(slug, func(m *Markers) *bool { return &m.SettlementLogged })
}

func (c *Coordinator) mark(slug string, field func(*Markers) *bool) bool {
	for {
		cur := c.markers.Load()
		if cur.Slug != slug || *field(cur) {
			return false
		}
		next := *cur
		*field(&next) = true
		if c.markers.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// MarketPrices returns the prices the edge is measured against. Each side uses
// the live book mid while it is fresh and belongs to the active tokens, and the
// catalog price otherwise.
func (c *Coordinator) MarketPrices(ctx context.Context) models.MarketPrices {
	w := c.window.Load()
	if w == nil {
		return models.MarketPrices{}
	}
	catalog := c.catalogPrices(ctx, w)
	now := c.clock.Now()

	up, upLive := c.livePrice(w, models.SideUp, now)
	down, downLive := c.livePrice(w, models.SideDown, now)
	if !upLive {
		up = catalog.Up
	}
	if !downLive {
		down = catalog.Down
	}
	src := "mixed"
	switch {
	case upLive && downLive:
		src = "book"
	case !upLive && !downLive:
		src = "catalog"
	}
	return models.MarketPrices{Up: up, Down: down, Source: src}
}

func (c *Coordinator) livePrice(w *models.MarketWindow, side models.Side, now time.Time) (float64, bool) {
	b := c.live.Book(side)
	if b == nil || w.TokenIDs.SideOf(b.TokenID) != side {
		return 0, false
	}
	if c.cfg.FreshnessMaxAge > 0 && now.Sub(b.ObservedAt) > c.cfg.FreshnessMaxAge {
		return 0, false
	}
	mid := b.Mid()
	return mid, mid > 0
}

func (c *Coordinator) catalogPrices(ctx context.Context, w *models.MarketWindow) models.MarketPrices {
	fallback := models.MarketPrices{Up: w.UpPrice, Down: w.DownPrice, Source: "catalog"}
	if c.cache == nil {
		return fallback
	}
	var p models.MarketPrices
	if err := cache.GetJSON(ctx, c.cache, pricesKey(w.Slug), &p); err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.metrics.RecordError("cache")
		}
		return fallback
	}
	if p.Up <= 0 && p.Down <= 0 {
		return fallback
	}
	return p
}

func (c *Coordinator) cachePrices(ctx context.Context, w *models.MarketWindow) {
	if c.cache == nil || (w.UpPrice <= 0 && w.DownPrice <= 0) {
		return
	}
	p := models.MarketPrices{Up: w.UpPrice, Down: w.DownPrice, Source: "catalog"}
	if err := cache.SetJSON(ctx, c.cache, pricesKey(w.Slug), p, c.cfg.CacheTTL); err != nil {
		c.metrics.RecordError("cache")
		c.log.Debug("market price cache write failed", applogger.Error(err))
	}
}

// PriceToBeat resolves the settlement target of the active window from the
// catalog, then the slug-keyed cache, then the live oracle capture. It
// returns 0 and an empty source when none is known yet.
func (c *Coordinator) PriceToBeat(ctx context.Context) (float64, string) {
	w := c.window.Load()
	if w == nil {
		return 0, ""
	}
	if w.PriceToBeat > 0 {
		return w.PriceToBeat, "catalog"
	}

	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, ptbKey(w.Slug)); err == nil {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
				return v, "cache"
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			c.metrics.RecordError("cache")
		}
	}

	v, at, ok := c.live.CapturedPTB(w.Slug)
	if !ok {
		return 0, ""
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, ptbKey(w.Slug), strconv.FormatFloat(v, 'f', -1, 64), c.cfg.CacheTTL); err != nil {
			c.metrics.RecordError("cache")
		}
	}
	c.log.Info("price to beat captured from oracle",
		applogger.String("slug", w.Slug),
		applogger.Float64("price", v),
		applogger.Time("observed_at", at),
	)
	return v, "oracle"
}
