package service

import (
	"context"

	"PolyPulse/internal/domain/models"
)

// IndicatorSource returns the latest indicator bundle for a symbol.
type IndicatorSource interface {
	Snapshot(ctx context.Context, symbol string) (models.IndicatorSnapshot, error)
}

// VolatilitySource returns current realized volatility relative to its baseline (1 = normal).
type VolatilitySource interface {
	Ratio(ctx context.Context) (float64, error)
}

// ModelSource fetches the serialized ensemble artifact and optional separate normalization document.
type ModelSource interface {
	Fetch(ctx context.Context) (model []byte, norm []byte, err error)
}
