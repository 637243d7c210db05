package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolyPulse/internal/domain/models"
	domrepo "PolyPulse/internal/domain/repository"
)

func TestDecisionArgsOrder(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := &models.CycleSnapshot{
		Seq:         3,
		At:          at,
		Market:      &models.MarketWindow{Slug: "m"},
		Probability: models.Probability{AdjustedUp: 0.6},
		Ensemble:    models.EnsembleResult{BlendedProbUp: 0.62},
		Decision: models.Decision{
			Action:         models.ActionEnter,
			Side:           models.SideUp,
			Phase:          models.PhaseMid,
			ConfidenceTier: models.TierGood,
			Edge:           0.11,
		},
	}
	args, err := decisionArgs(snap)
	require.NoError(t, err)
	require.Len(t, args, 16)
	assert.Equal(t, at, args[0])
	assert.Equal(t, int64(3), args[1])
	assert.Equal(t, "m", args[2], "falls back to the market slug")
	assert.Equal(t, "ENTER", args[3])
	assert.Equal(t, 0.6, args[11])
	assert.Equal(t, 0.62, args[12])
	assert.Equal(t, []string{}, args[14])
	assert.Contains(t, args[15], `"seq":3`)
}

func TestPredictionArgsCarryVersion(t *testing.T) {
	r := models.PredictionRecord{ID: "x", MarketSlug: "m", Side: models.SideDown, Outcome: models.OutcomePending}
	args := predictionArgs(r, 42)
	require.Len(t, args, 12)
	assert.Equal(t, "x", args[0])
	assert.Equal(t, "DOWN", args[3])
	assert.Equal(t, "pending", args[7])
	assert.Equal(t, uint64(42), args[11])
}

func TestArchiveSkipsEmptyInput(t *testing.T) {
	a := newCHDecisionArchive(nil, "pp")
	assert.NoError(t, a.StoreDecision(context.Background(), nil))
	assert.NoError(t, a.StorePredictions(context.Background(), nil))
	assert.Equal(t, "pp.decisions", a.decisions)
}

// The candle query is plain SQL, so an attached SQLite database named like the
// ClickHouse one stands in for it.
func TestCandleStoreReturnsAscending(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	_, err = db.ExecContext(ctx, `ATTACH DATABASE ':memory:' AS pp`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE pp.rt_candles_1m (
        bucket DATETIME, symbol TEXT, open REAL, high REAL, low REAL, close REAL, vol REAL)`)
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err = db.ExecContext(ctx, `INSERT INTO pp.rt_candles_1m VALUES (?, 'BTC', ?, ?, ?, ?, 1)`,
			base.Add(time.Duration(i)*time.Minute), 100+i, 101+i, 99+i, 100.5+float64(i))
		require.NoError(t, err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO pp.rt_candles_1m VALUES (?, 'ETH', 1, 1, 1, 1, 1)`, base.Add(time.Hour))
	require.NoError(t, err)

	store := newCHCandleStore(db, "pp")
	got, err := store.GetLatestNCandles(ctx, "BTC", 3, domrepo.TF1m)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 102.5, got[0].Close)
	assert.Equal(t, 104.5, got[2].Close)
	assert.True(t, got[0].Bucket.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, "BTC", got[1].Symbol)

	_, err = store.GetLatestNCandles(ctx, "BTC", 3, domrepo.TF1s)
	assert.Error(t, err, "1s candles are not stored")
	got, err = store.GetLatestNCandles(ctx, "BTC", 0, domrepo.TF1m)
	require.NoError(t, err)
	assert.Empty(t, got)
}
