package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
	pkgch "PolyPulse/pkg/clickhouse"
	applogger "PolyPulse/pkg/logger"
)

// CHCandleStore reads minute candles from ClickHouse for the volatility ratio.
type CHCandleStore struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

func NewCHCandleStore(ch *pkgch.Client) *CHCandleStore {
	return newCHCandleStore(ch.DB(), ch.Database())
}

func newCHCandleStore(db *sql.DB, database string) *CHCandleStore {
	return &CHCandleStore{db: db, database: database, l: applogger.Nop()}
}

var _ domrepo.CandleStore = (*CHCandleStore)(nil)

// SetLogger injects a structured logger.
func (s *CHCandleStore) SetLogger(l *applogger.Logger) {
	if l != nil {
		s.l = l
	}
}

// GetLatestNCandles returns up to n candles in ascending bucket order.
func (s *CHCandleStore) GetLatestNCandles(ctx context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.Candle, error) {
	start := time.Now()
	table, err := s.tableFor(tf)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	const qtpl = `
        SELECT bucket, symbol, open, high, low, close, vol
        FROM %s
        WHERE symbol = ?
        ORDER BY bucket DESC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(qtpl, table), symbol, n)
	if err != nil {
		s.l.Error("clickhouse latest_candles query error",
			applogger.String("table", table),
			applogger.String("symbol", symbol),
			applogger.Int("limit", n),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("get latest candles: %w", err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0, n)
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Bucket, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	// reverse to ASC
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	s.l.Debug("clickhouse latest_candles ok",
		applogger.String("table", table),
		applogger.String("symbol", symbol),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func (s *CHCandleStore) tableFor(tf domrepo.Timeframe) (string, error) {
	switch tf {
	case domrepo.TF1m, domrepo.TF5m:
		// 5m folds onto 1m; the volatility ratio only compares spreads.
		return s.database + "." + pkgch.TableCandles1m, nil
	default:
		return "", fmt.Errorf("unsupported timeframe: %s", tf)
	}
}
