package repository

import (
	"context"
	"errors"

	"PolyPulse/internal/domain/models"
)

// ErrNotFound is returned by stores when a key holds no value.
var ErrNotFound = errors.New("not found")

// MarketCatalog resolves the currently active market window.
type MarketCatalog interface {
	Current(ctx context.Context) (*models.MarketWindow, error)
}

// TickSink receives decoded live data in per-feed arrival order.
type TickSink interface {
	OnPrice(t models.PriceTick)
	OnBook(b models.OrderBookSnapshot)
}

// KVStore is the durable key-scoped store used for feedback persistence.
type KVStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Close() error
}

// EventPublisher fans out cycle results to downstream consumers.
type EventPublisher interface {
	PublishDecision(ctx context.Context, snap *models.CycleSnapshot) error
	PublishSettlements(ctx context.Context, records []models.PredictionRecord) error
	Close() error
}

// DecisionArchive keeps a queryable history of decisions and predictions.
type DecisionArchive interface {
	StoreDecision(ctx context.Context, snap *models.CycleSnapshot) error
	StorePredictions(ctx context.Context, records []models.PredictionRecord) error
	Close() error
}

type Metrics interface {
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
	RecordLastPrice(feed string, price float64)
	RecordReconnect(feed string)
	SetFeedConnected(feed string, connected bool)
	RecordDecision(action, side, phase string)
	SetModelProbability(source string, p float64)
	SetAccuracy(accuracy float64, streak int)
	RecordCycleSkipped()
}
