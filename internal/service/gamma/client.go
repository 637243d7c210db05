package gamma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	xhttp "PolyPulse/pkg/http"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/util"
)

// ErrNoMarket is returned when the catalog has no open market for the current window.
var ErrNoMarket = errors.New("gamma: no active market")

const marketsPath = "/markets"

// Client resolves the active Up/Down market from the Gamma REST catalog.
type Client struct {
	baseURL    string
	slugPrefix string
	window     time.Duration
	http       *xhttp.Client
	limiter    *rate.Limiter
	clock      util.Clock
	log        *applogger.Logger
}

type Option func(*Client)

func WithHTTPClient(c *xhttp.Client) Option {
	return func(g *Client) { g.http = c }
}

// WithRateLimit bounds catalog requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(g *Client) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithClock(c util.Clock) Option {
	return func(g *Client) { g.clock = c }
}

func WithLogger(l *applogger.Logger) Option {
	return func(g *Client) {
		if l != nil {
			g.log = l
		}
	}
}

func NewClient(baseURL, slugPrefix string, window time.Duration, opts ...Option) *Client {
	g := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		slugPrefix: slugPrefix,
		window:     window,
		http:       xhttp.NewClient(xhttp.WithTimeout(10 * time.Second)),
		limiter:    rate.NewLimiter(2, 2),
		clock:      util.RealClock(),
		log:        applogger.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// market is one Gamma /markets row. Several array fields arrive as JSON
// encoded strings.
type market struct {
	Slug          string          `json:"slug"`
	Question      string          `json:"question"`
	ClobTokenIDs  string          `json:"clobTokenIds"`
	Outcomes      string          `json:"outcomes"`
	OutcomePrices string          `json:"outcomePrices"`
	StartDate     string          `json:"eventStartTime"`
	EndDate       string          `json:"endDate"`
	Active        bool            `json:"active"`
	Closed        bool            `json:"closed"`
	EventMetadata json.RawMessage `json:"eventMetadata"`
	PriceToBeat   json.RawMessage `json:"priceToBeat"`
	OpenPrice     json.RawMessage `json:"openPrice"`
}

type eventMetadata struct {
	PriceToBeat json.RawMessage `json:"priceToBeat"`
}

// SlugFor returns the market slug of the window containing t.
func (g *Client) SlugFor(t time.Time) string {
	start := util.WindowStart(t, g.window)
	return fmt.Sprintf("%s-%d", g.slugPrefix, start.Unix())
}

// Current returns the market of the window containing now.
func (g *Client) Current(ctx context.Context) (*models.MarketWindow, error) {
	now := g.clock.Now()
	slug := g.SlugFor(now)
	w, err := g.BySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if w.StartTime.IsZero() {
		w.StartTime = util.WindowStart(now, g.window)
	}
	if w.EndTime.IsZero() {
		w.EndTime = w.StartTime.Add(g.window)
	}
	w.FetchedAt = now
	return w, nil
}

// BySlug fetches and maps one market.
func (g *Client) BySlug(ctx context.Context, slug string) (*models.MarketWindow, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("gamma rate limit: %w", err)
	}
	start := time.Now()
	var rows []market
	err := g.http.GetJSON(ctx, g.baseURL+marketsPath, url.Values{"slug": {slug}}, &rows)
	if err != nil {
		return nil, fmt.Errorf("gamma markets %s: %w", slug, err)
	}
	g.log.Debug("gamma markets fetched",
		applogger.String("slug", slug),
		applogger.Int("rows", len(rows)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	for _, row := range rows {
		if row.Slug != slug || row.Closed {
			continue
		}
		return mapMarket(row)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoMarket, slug)
}

func mapMarket(m market) (*models.MarketWindow, error) {
	var tokens, outcomes, prices []string
	if err := decodeStringList(m.ClobTokenIDs, &tokens); err != nil || len(tokens) != 2 {
		return nil, fmt.Errorf("gamma %s: bad clobTokenIds %q", m.Slug, m.ClobTokenIDs)
	}
	_ = decodeStringList(m.Outcomes, &outcomes)
	_ = decodeStringList(m.OutcomePrices, &prices)

	w := &models.MarketWindow{Slug: m.Slug, Question: m.Question}
	upIdx, downIdx := 0, 1
	if len(outcomes) == 2 && strings.EqualFold(outcomes[0], "down") {
		upIdx, downIdx = 1, 0
	}
	w.TokenIDs = models.TokenIDs{Up: tokens[upIdx], Down: tokens[downIdx]}
	if len(prices) == 2 {
		w.UpPrice, _ = strconv.ParseFloat(prices[upIdx], 64)
		w.DownPrice, _ = strconv.ParseFloat(prices[downIdx], 64)
	}
	if t, ok := util.ParseTime(m.StartDate); ok {
		w.StartTime = t.UTC()
	}
	if t, ok := util.ParseTime(m.EndDate); ok {
		w.EndTime = t.UTC()
	}

	w.PriceToBeat = number(m.PriceToBeat)
	if w.PriceToBeat == 0 && len(m.EventMetadata) > 0 {
		var meta eventMetadata
		if json.Unmarshal(m.EventMetadata, &meta) == nil {
			w.PriceToBeat = number(meta.PriceToBeat)
		}
	}
	w.OpenPrice = number(m.OpenPrice)
	return w, nil
}

func decodeStringList(s string, out *[]string) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

// number reads a JSON number or numeric string, 0 when absent or invalid.
func number(raw json.RawMessage) float64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

var _ domrepo.MarketCatalog = (*Client)(nil)
