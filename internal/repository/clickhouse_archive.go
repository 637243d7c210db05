package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	pkgch "PolyPulse/pkg/clickhouse"
	applogger "PolyPulse/pkg/logger"
)

const predictionChunk = 500

// CHDecisionArchive appends decisions and prediction versions to ClickHouse.
// Predictions use a ReplacingMergeTree keyed by id so a settled row
// supersedes its pending version.
type CHDecisionArchive struct {
	db          *sql.DB
	decisions   string
	predictions string
	l           *applogger.Logger
}

func NewCHDecisionArchive(ch *pkgch.Client) *CHDecisionArchive {
	return newCHDecisionArchive(ch.DB(), ch.Database())
}

func newCHDecisionArchive(db *sql.DB, database string) *CHDecisionArchive {
	return &CHDecisionArchive{
		db:          db,
		decisions:   database + "." + pkgch.TableDecisions,
		predictions: database + "." + pkgch.TablePredictions,
		l:           applogger.Nop(),
	}
}

var _ domrepo.DecisionArchive = (*CHDecisionArchive)(nil)

// SetLogger injects a structured logger.
func (s *CHDecisionArchive) SetLogger(l *applogger.Logger) {
	if l != nil {
		s.l = l
	}
}

func (s *CHDecisionArchive) StoreDecision(ctx context.Context, snap *models.CycleSnapshot) error {
	if snap == nil {
		return nil
	}
	args, err := decisionArgs(snap)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (ts, seq, market_slug, action, side, phase, tier, reason, edge,
        model_prob, market_price, rule_prob_up, blended_up, regime, degraded, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.decisions)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		s.l.Error("clickhouse store_decision error",
			applogger.Int64("seq", snap.Seq),
			applogger.Error(err),
		)
		return fmt.Errorf("store decision: %w", err)
	}
	return nil
}

func (s *CHDecisionArchive) StorePredictions(ctx context.Context, records []models.PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	version := uint64(start.UnixNano())
	for lo := 0; lo < len(records); lo += predictionChunk {
		hi := lo + predictionChunk
		if hi > len(records) {
			hi = len(records)
		}
		values := make([]string, 0, hi-lo)
		args := make([]interface{}, 0, (hi-lo)*12)
		for _, r := range records[lo:hi] {
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, predictionArgs(r, version)...)
		}
		q := fmt.Sprintf(`INSERT INTO %s (id, ts, market_slug, side, phase, model_prob, market_price,
            outcome, settled_at, settle_price, price_to_beat, version) VALUES %s`,
			s.predictions, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse store_predictions error",
				applogger.Int("rows", hi-lo),
				applogger.Error(err),
			)
			return fmt.Errorf("store predictions: %w", err)
		}
	}
	s.l.Debug("clickhouse store_predictions ok",
		applogger.Int("rows", len(records)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

// Close is a no-op; the shared client owns the pool.
func (s *CHDecisionArchive) Close() error { return nil }

func decisionArgs(snap *models.CycleSnapshot) ([]interface{}, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}
	d := snap.Decision
	slug := d.MarketSlug
	if slug == "" && snap.Market != nil {
		slug = snap.Market.Slug
	}
	degraded := snap.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	return []interface{}{
		snap.At.UTC(),
		snap.Seq,
		slug,
		string(d.Action),
		string(d.Side),
		string(d.Phase),
		string(d.ConfidenceTier),
		d.Reason,
		d.Edge,
		d.ModelProb,
		d.MarketPrice,
		snap.Probability.AdjustedUp,
		snap.Ensemble.BlendedProbUp,
		string(snap.Regime.Kind),
		degraded,
		string(payload),
	}, nil
}

func predictionArgs(r models.PredictionRecord, version uint64) []interface{} {
	return []interface{}{
		r.ID,
		r.Timestamp.UTC(),
		r.MarketSlug,
		string(r.Side),
		string(r.Phase),
		r.ModelProb,
		r.MarketPrice,
		string(r.Outcome),
		r.SettledAt.UTC(),
		r.SettlePrice,
		r.PriceToBeat,
		version,
	}
}
