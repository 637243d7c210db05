package analytics

import (
	"context"
	"fmt"
	"math"
	"strings"

	"PolyPulse/internal/domain/models"
	domsvc "PolyPulse/internal/domain/service"
	"PolyPulse/pkg/config"
)

// HTTPIndicatorSource fetches the indicator bundle from the indicator service.
type HTTPIndicatorSource struct {
	svc       *serviceClient
	timeframe string
}

func NewHTTPIndicatorSource(cfg *config.Config) *HTTPIndicatorSource {
	return &HTTPIndicatorSource{svc: newServiceClient(cfg), timeframe: cfg.Analytics.Timeframe}
}

type indicatorRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

func (s *HTTPIndicatorSource) Snapshot(ctx context.Context, symbol string) (models.IndicatorSnapshot, error) {
	var snap models.IndicatorSnapshot
	req := indicatorRequest{Symbol: symbol, Timeframe: s.timeframe}
	if err := s.svc.post(ctx, "/indicators/snapshot", req, &snap); err != nil {
		return models.IndicatorSnapshot{}, err
	}
	if snap.Symbol == "" {
		snap.Symbol = symbol
	}
	snap.HAColor = strings.ToLower(snap.HAColor)
	if snap.Price <= 0 || math.IsNaN(snap.Price) {
		return models.IndicatorSnapshot{}, fmt.Errorf("indicators for %s: invalid price %v", symbol, snap.Price)
	}
	return snap, nil
}

var _ domsvc.IndicatorSource = (*HTTPIndicatorSource)(nil)
