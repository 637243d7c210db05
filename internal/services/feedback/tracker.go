package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/util"
)

type Config struct {
	MaxRecords   int
	MaxAge       time.Duration
	DedupWindow  time.Duration
	StatsWindow  int
	FlushDelay   time.Duration
	StoreKey     string
	StoreTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRecords:   500,
		MaxAge:       7 * 24 * time.Hour,
		DedupWindow:  2 * time.Minute,
		StatsWindow:  50,
		FlushDelay:   2 * time.Second,
		StoreKey:     "polypulse:feedback",
		StoreTimeout: 3 * time.Second,
	}
}

type Option func(*Tracker)

func WithStore(s domrepo.KVStore) Option {
	return func(t *Tracker) { t.store = s }
}

func WithPublisher(p domrepo.EventPublisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

func WithArchive(a domrepo.DecisionArchive) Option {
	return func(t *Tracker) { t.archive = a }
}

func WithClock(c util.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithLogger(l *applogger.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

func WithMetrics(m domrepo.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker records Enter decisions, settles them against realized prices and
// keeps rolling accuracy statistics. Writes to the durable store are
// debounced through dirty and nextFlushAt.
type Tracker struct {
	cfg       Config
	store     domrepo.KVStore
	publisher domrepo.EventPublisher
	archive   domrepo.DecisionArchive
	clock     util.Clock
	log       *applogger.Logger
	metrics   domrepo.Metrics

	// flushMu orders snapshot and Save so an older write never lands last.
	// It is taken before mu.
	flushMu sync.Mutex

	mu          sync.Mutex
	records     []models.PredictionRecord
	dirty       bool
	nextFlushAt time.Time
	flushT      util.Timer
	closed      bool

	stats atomic.Pointer[models.AccuracyStats]
}

func NewTracker(cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = def.MaxRecords
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = def.StatsWindow
	}
	if cfg.StoreKey == "" {
		cfg.StoreKey = def.StoreKey
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	t := &Tracker{
		cfg:   cfg,
		clock: util.RealClock(),
		log:   applogger.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record stores an Enter decision. It returns false for Wait decisions and
// for a repeat of the same market and side inside the dedup window.
func (t *Tracker) Record(d models.Decision, marketPrice float64, at time.Time) (models.PredictionRecord, bool) {
	if d.Action != models.ActionEnter || d.Side == models.SideNone {
		return models.PredictionRecord{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.records) - 1; i >= 0; i-- {
		r := t.records[i]
		if r.MarketSlug == d.MarketSlug && r.Side == d.Side && at.Sub(r.Timestamp) < t.cfg.DedupWindow {
			return models.PredictionRecord{}, false
		}
	}

	rec := models.PredictionRecord{
		ID:          uuid.NewString(),
		Timestamp:   at,
		Side:        d.Side,
		ModelProb:   d.ModelProb,
		MarketPrice: marketPrice,
		MarketSlug:  d.MarketSlug,
		Phase:       d.Phase,
		Outcome:     models.OutcomePending,
	}
	t.records = append(t.records, rec)
	t.purgeLocked(at)
	t.changedLocked()

	t.log.Info("prediction recorded",
		applogger.String("id", rec.ID),
		applogger.String("slug", rec.MarketSlug),
		applogger.String("side", string(rec.Side)),
		applogger.Float64("model_prob", rec.ModelProb),
		applogger.Float64("market_price", rec.MarketPrice),
		applogger.String("phase", string(rec.Phase)),
	)
	return rec, true
}

// SettleMarket resolves open records of slug. Up is correct when the realized
// price is at or above the target, Down when it is below.
func (t *Tracker) SettleMarket(ctx context.Context, slug string, realized, priceToBeat float64, at time.Time) []models.PredictionRecord {
	if !util.Finite(realized) || !util.Finite(priceToBeat) || priceToBeat <= 0 {
		return nil
	}
	settled := t.settle(func(r models.PredictionRecord) bool { return r.MarketSlug == slug }, func(r *models.PredictionRecord) {
		up := realized >= priceToBeat
		if (r.Side == models.SideUp) == up {
			r.Outcome = models.OutcomeCorrect
		} else {
			r.Outcome = models.OutcomeIncorrect
		}
		r.SettlePrice = realized
		r.PriceToBeat = priceToBeat
		r.SettledAt = at
	})
	t.emit(ctx, settled)
	return settled
}

// SettleExpired closes the open records of slug with an unknown outcome.
func (t *Tracker) SettleExpired(ctx context.Context, slug string) []models.PredictionRecord {
	now := t.clock.Now()
	settled := t.settle(func(r models.PredictionRecord) bool { return r.MarketSlug == slug }, unknownAt(now))
	t.emit(ctx, settled)
	return settled
}

// SettleSuperseded closes every open record not belonging to currentSlug
// with an unknown outcome.
func (t *Tracker) SettleSuperseded(ctx context.Context, currentSlug string) []models.PredictionRecord {
	now := t.clock.Now()
	settled := t.settle(func(r models.PredictionRecord) bool { return r.MarketSlug != currentSlug }, unknownAt(now))
	t.emit(ctx, settled)
	return settled
}

func unknownAt(now time.Time) func(*models.PredictionRecord) {
	return func(r *models.PredictionRecord) {
		r.Outcome = models.OutcomeUnknown
		r.SettledAt = now
	}
}

func (t *Tracker) settle(match func(models.PredictionRecord) bool, apply func(*models.PredictionRecord)) []models.PredictionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var settled []models.PredictionRecord
	for i := range t.records {
		r := &t.records[i]
		if r.Settled || !match(*r) {
			continue
		}
		apply(r)
		r.Settled = true
		settled = append(settled, *r)
	}
	if len(settled) > 0 {
		t.changedLocked()
	}
	return settled
}

// emit hands settled records to the publisher and archive. Failures are
// logged only.
func (t *Tracker) emit(ctx context.Context, settled []models.PredictionRecord) {
	if len(settled) == 0 {
		return
	}
	for _, r := range settled {
		t.log.Info("prediction settled",
			applogger.String("id", r.ID),
			applogger.String("slug", r.MarketSlug),
			applogger.String("side", string(r.Side)),
			applogger.String("outcome", string(r.Outcome)),
			applogger.Float64("settle_price", r.SettlePrice),
			applogger.Float64("price_to_beat", r.PriceToBeat),
		)
	}
	if t.publisher != nil {
		if err := t.publisher.PublishSettlements(ctx, settled); err != nil {
			t.recordError("settlement_publish")
			t.log.Warn("publish settlements failed", applogger.Error(err), applogger.Int("count", len(settled)))
		}
	}
	if t.archive != nil {
		if err := t.archive.StorePredictions(ctx, settled); err != nil {
			t.recordError("settlement_archive")
			t.log.Warn("archive settlements failed", applogger.Error(err), applogger.Int("count", len(settled)))
		}
	}
}

// Stats returns the cached accuracy statistics, recomputing them only after
// a record was added or settled.
func (t *Tracker) Stats() models.AccuracyStats {
	if s := t.stats.Load(); s != nil {
		return *s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.stats.Load(); s != nil {
		return *s
	}
	s := computeStats(t.records, t.cfg.StatsWindow)
	t.stats.Store(&s)
	if t.metrics != nil {
		t.metrics.SetAccuracy(s.Accuracy, s.Streak)
	}
	return s
}

func computeStats(records []models.PredictionRecord, window int) models.AccuracyStats {
	s := models.AccuracyStats{Total: len(records), Window: window}
	known := make([]models.PredictionRecord, 0, len(records))
	for _, r := range records {
		if !r.Settled {
			s.Open++
			continue
		}
		s.Settled++
		if _, ok := r.Correct(); ok {
			known = append(known, r)
		} else {
			s.Unknown++
		}
	}
	sort.SliceStable(known, func(i, j int) bool { return known[i].SettledAt.Before(known[j].SettledAt) })
	if len(known) > window {
		known = known[len(known)-window:]
	}
	for _, r := range known {
		if ok, _ := r.Correct(); ok {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	if n := s.Wins + s.Losses; n > 0 {
		s.Accuracy = float64(s.Wins) / float64(n)
	}
	for i := len(known) - 1; i >= 0; i-- {
		win, _ := known[i].Correct()
		switch {
		case win && s.Streak >= 0:
			s.Streak++
		case !win && s.Streak <= 0:
			s.Streak--
		default:
			return s
		}
	}
	return s
}

// Records returns up to limit records, newest first, optionally for one slug.
func (t *Tracker) Records(limit int, slug string) []models.PredictionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.PredictionRecord, 0, limit)
	for i := len(t.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if slug == "" || t.records[i].MarketSlug == slug {
			out = append(out, t.records[i])
		}
	}
	return out
}

// OpenFor reports whether slug has unsettled records.
func (t *Tracker) OpenFor(slug string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		if !r.Settled && r.MarketSlug == slug {
			return true
		}
	}
	return false
}

// Purge drops records past the age limit and trims to the count limit.
func (t *Tracker) Purge(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.purgeLocked(now)
	if n > 0 {
		t.changedLocked()
	}
	return n
}

func (t *Tracker) purgeLocked(now time.Time) int {
	before := len(t.records)
	if t.cfg.MaxAge > 0 {
		cutoff := now.Add(-t.cfg.MaxAge)
		kept := t.records[:0]
		for _, r := range t.records {
			if !r.Timestamp.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		t.records = kept
	}
	if over := len(t.records) - t.cfg.MaxRecords; over > 0 {
		t.records = append([]models.PredictionRecord(nil), t.records[over:]...)
	}
	return before - len(t.records)
}

// changedLocked invalidates the stats cache and schedules a debounced flush.
func (t *Tracker) changedLocked() {
	t.stats.Store(nil)
	t.dirty = true
	if t.store == nil || t.closed || t.flushT != nil {
		return
	}
	t.nextFlushAt = t.clock.Now().Add(t.cfg.FlushDelay)
	t.flushT = t.clock.AfterFunc(t.cfg.FlushDelay, t.onFlushTimer)
}

func (t *Tracker) onFlushTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StoreTimeout)
	defer cancel()
	if err := t.Flush(ctx); err != nil {
		t.log.Warn("debounced feedback flush failed", applogger.Error(err))
	}
}

// Pending reports whether unflushed changes exist and when the next write is due.
func (t *Tracker) Pending() (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty, t.nextFlushAt
}

type persisted struct {
	Version int                       `json:"version"`
	SavedAt time.Time                 `json:"saved_at"`
	Records []models.PredictionRecord `json:"records"`
}

// Flush writes pending changes now. It is a no-op when nothing changed.
// Concurrent flushes run one at a time.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if t.flushT != nil {
		t.flushT.Stop()
		t.flushT = nil
	}
	t.nextFlushAt = time.Time{}
	if !t.dirty || t.store == nil {
		t.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(persisted{Version: 1, SavedAt: t.clock.Now(), Records: t.records})
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("encode feedback: %w", err)
	}
	t.dirty = false
	t.mu.Unlock()

	start := time.Now()
	if err := t.store.Save(ctx, t.cfg.StoreKey, data); err != nil {
		t.recordError("feedback_flush")
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
		return fmt.Errorf("save feedback: %w", err)
	}
	if t.metrics != nil {
		t.metrics.RecordLatency("feedback_flush", time.Since(start).Seconds())
	}
	t.log.Debug("feedback flushed", applogger.Int("bytes", len(data)))
	return nil
}

// Load restores records from the durable store. A missing key is not an error.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	data, err := t.store.Load(ctx, t.cfg.StoreKey)
	if errors.Is(err, domrepo.ErrNotFound) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load feedback: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode feedback: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = p.Records
	t.purgeLocked(t.clock.Now())
	t.stats.Store(nil)
	t.log.Info("feedback restored",
		applogger.Int("records", len(t.records)),
		applogger.Time("saved_at", p.SavedAt),
	)
	return nil
}

// Close stops the debounce timer and force-flushes. Safe to call repeatedly.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.Flush(ctx)
}

func (t *Tracker) recordError(kind string) {
	if t.metrics != nil {
		t.metrics.RecordError(kind)
	}
}
