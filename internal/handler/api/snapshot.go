package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"PolyPulse/internal/domain/models"
	"PolyPulse/internal/service/metrics"
	"PolyPulse/internal/service/ratelimit"
	xhttp "PolyPulse/pkg/http"
	applogger "PolyPulse/pkg/logger"
)

// PipelineView is the read side of the decision pipeline plus the resume hook.
type PipelineView interface {
	Snapshot() *models.CycleSnapshot
	Feeds() []models.FeedStatus
	ResumeFeed(feed string) bool
}

// RecordSource exposes the feedback tracker's history.
type RecordSource interface {
	Records(limit int, slug string) []models.PredictionRecord
	Stats() models.AccuracyStats
}

// SnapshotHandler serves the latest cycle result over echo.
type SnapshotHandler struct {
	view       PipelineView
	records    RecordSource
	rl         *ratelimit.Limiter
	l          *applogger.Logger
	staleAfter time.Duration
	now        func() time.Time
}

func NewSnapshotHandler(view PipelineView, records RecordSource, staleAfter time.Duration) *SnapshotHandler {
	metrics.Register(nil)
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	return &SnapshotHandler{
		view:       view,
		records:    records,
		rl:         ratelimit.New(0.2, 2),
		l:          applogger.Nop(),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetLogger injects a structured logger.
func (h *SnapshotHandler) SetLogger(l *applogger.Logger) {
	if l != nil {
		h.l = l
	}
}

func (h *SnapshotHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api")
	g.GET("/snapshot", h.Snapshot)
	g.GET("/decision", h.Decision)
	g.GET("/probability", h.Probability)
	g.GET("/feeds", h.Feeds)
	g.GET("/accuracy", h.Accuracy)
	g.GET("/predictions", h.Predictions)
	g.POST("/feeds/resume", h.ResumeFeeds)
}

func observe(endpoint string) func() {
	start := time.Now()
	return func() { metrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }
}

func (h *SnapshotHandler) withSnapshot(c echo.Context, endpoint string, fn func(*models.CycleSnapshot) error) error {
	defer observe(endpoint)()
	snap := h.view.Snapshot()
	if snap == nil {
		metrics.APIErrors.WithLabelValues(endpoint, "no_cycle").Inc()
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("no cycle has completed yet"))
	}
	return fn(snap)
}

func (h *SnapshotHandler) Snapshot(c echo.Context) error {
	return h.withSnapshot(c, "snapshot", func(snap *models.CycleSnapshot) error {
		c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
		return xhttp.SuccessResponse(c, snap)
	})
}

func (h *SnapshotHandler) Decision(c echo.Context) error {
	return h.withSnapshot(c, "decision", func(snap *models.CycleSnapshot) error {
		return xhttp.SuccessResponse(c, snap.Decision)
	})
}

type probabilityView struct {
	Seq         int64                 `json:"seq"`
	At          time.Time             `json:"at"`
	MarketSlug  string                `json:"market_slug,omitempty"`
	MinutesLeft float64               `json:"minutes_left"`
	Rule        models.Probability    `json:"rule"`
	Ensemble    models.EnsembleResult `json:"ensemble"`
	Edge        models.EdgeResult     `json:"edge"`
	Regime      models.Regime         `json:"regime"`
}

func (h *SnapshotHandler) Probability(c echo.Context) error {
	return h.withSnapshot(c, "probability", func(snap *models.CycleSnapshot) error {
		v := probabilityView{
			Seq:         snap.Seq,
			At:          snap.At,
			MinutesLeft: snap.MinutesLeft,
			Rule:        snap.Probability,
			Ensemble:    snap.Ensemble,
			Edge:        snap.Edge,
			Regime:      snap.Regime,
		}
		if snap.Market != nil {
			v.MarketSlug = snap.Market.Slug
		}
		return xhttp.SuccessResponse(c, v)
	})
}

func (h *SnapshotHandler) Feeds(c echo.Context) error {
	defer observe("feeds")()
	feeds := h.view.Feeds()
	if feeds == nil {
		feeds = []models.FeedStatus{}
	}
	return xhttp.SuccessResponse(c, feeds)
}

func (h *SnapshotHandler) Accuracy(c echo.Context) error {
	defer observe("accuracy")()
	return xhttp.SuccessResponse(c, h.records.Stats())
}

func (h *SnapshotHandler) Predictions(c echo.Context) error {
	defer observe("predictions")()
	req := &models.PredictionsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		metrics.APIErrors.WithLabelValues("predictions", "validation").Inc()
		return xhttp.BadRequestResponse(c, verr)
	}

	all := h.records.Records(0, req.Slug)
	rows := make([]models.PredictionRecord, 0, req.Limit)
	for _, r := range all {
		if len(rows) == req.Limit {
			break
		}
		switch {
		case req.State == "open" && r.Settled, req.State == "settled" && !r.Settled:
			continue
		}
		rows = append(rows, r)
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *SnapshotHandler) ResumeFeeds(c echo.Context) error {
	defer observe("resume")()
	if !h.rl.Allow(c.RealIP()) {
		metrics.APIErrors.WithLabelValues("resume", "rate_limited").Inc()
		h.l.Warn("api.resume rate_limited", applogger.String("remote", c.RealIP()))
		return xhttp.AppErrorResponse(c, xhttp.RateLimitedError("resume is limited to one call every five seconds"))
	}
	req := &models.FeedsResumeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		metrics.APIErrors.WithLabelValues("resume", "validation").Inc()
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.view.ResumeFeed(req.Feed) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("feed %q is not running", req.Feed))
	}
	h.l.Info("api.resume", applogger.String("feed", req.Feed))
	return xhttp.SuccessResponse(c, map[string]string{"resumed": req.Feed})
}

type healthView struct {
	Status   string    `json:"status"`
	LastSeq  int64     `json:"last_seq"`
	LastAt   time.Time `json:"last_at,omitempty"`
	Degraded []string  `json:"degraded,omitempty"`
}

// Health reports 503 until the first cycle completes and whenever the last
// cycle is older than staleAfter.
func (h *SnapshotHandler) Health(c echo.Context) error {
	snap := h.view.Snapshot()
	if snap == nil {
		return c.JSON(http.StatusServiceUnavailable, healthView{Status: "starting"})
	}
	v := healthView{Status: "ok", LastSeq: snap.Seq, LastAt: snap.At, Degraded: snap.Degraded}
	if h.now().Sub(snap.At) > h.staleAfter {
		v.Status = "stale"
		return c.JSON(http.StatusServiceUnavailable, v)
	}
	if len(snap.Degraded) > 0 {
		v.Status = "degraded"
	}
	return c.JSON(http.StatusOK, v)
}
