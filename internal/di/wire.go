//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"PolyPulse/pkg/config"
	"PolyPulse/pkg/server"
)

// InfraSet holds the clients for external systems.
var InfraSet = wire.NewSet(
	ProvideLogger,
	ProvideMetrics,
	ProvideRedisCache,
	ProvideCache,
	ProvideKVStore,
	ProvideKafkaProducer,
	ProvideKafkaEventPublisher,
	ProvideEventPublisher,
	ProvideLogCollection,
	ProvideClickHouseClient,
	ProvideDecisionArchive,
	ProvideCandleStore,
	ProvideMarketCatalog,
	ProvideIndicatorSource,
)

// PipelineSet holds the feeds, models and the decision cycle.
var PipelineSet = wire.NewSet(
	ProvideVolatilitySource,
	ProvideScoringEngine,
	ProvidePredictor,
	ProvideGate,
	ProvideTracker,
	ProvideLiveState,
	ProvideTickGate,
	ProvideSpotFeed,
	ProvideOracleFeed,
	ProvideBookFeed,
	ProvideStreamGroup,
	ProvideCoordinator,
	ProvidePipeline,
	ProvideScheduler,
)

// InitializeApp wires up all dependencies and returns the application.
// The cleanup closes infrastructure clients and must run after App.Run returns.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		InfraSet,
		PipelineSet,
		ProvideSnapshotHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
