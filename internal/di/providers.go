package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	domrepo "PolyPulse/internal/domain/repository"
	domsvc "PolyPulse/internal/domain/service"
	"PolyPulse/internal/handler/api"
	mid "PolyPulse/internal/middleware"
	internalrepo "PolyPulse/internal/repository"
	"PolyPulse/internal/service/feeds"
	"PolyPulse/internal/service/gamma"
	"PolyPulse/internal/service/stream"
	"PolyPulse/internal/services/analytics"
	"PolyPulse/internal/services/decision"
	"PolyPulse/internal/services/ensemble"
	"PolyPulse/internal/services/feedback"
	"PolyPulse/internal/services/scoring"
	"PolyPulse/internal/usecase"
	"PolyPulse/pkg/cache"
	pkgch "PolyPulse/pkg/clickhouse"
	"PolyPulse/pkg/config"
	xhttp "PolyPulse/pkg/http"
	pkgkafka "PolyPulse/pkg/kafka"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/metrics"
	"PolyPulse/pkg/server"
)

// ProvideLogger creates the zerolog-backed application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: cfg.Log.TimeFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("service", "polypulse")), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

// ProvideRedisCache connects to Redis when the cache or the feedback store
// needs it, and returns nil otherwise.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, func(), error) {
	needed := cfg.Cache.Backend == "redis" || cfg.Cache.Backend == "layered" || cfg.Store.Backend == "redis"
	if !needed {
		return nil, func() {}, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Store.Timeout),
		cache.WithRedisDialTimeout(cfg.Store.Timeout),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, func() { _ = rc.Close() }, nil
}

// ProvideCache selects the market cache backend.
func ProvideCache(cfg *config.Config, rc *cache.RedisCache) (cache.Service, func(), error) {
	switch cfg.Cache.Backend {
	case "redis":
		return rc, func() {}, nil
	case "layered":
		lc := cache.NewLayeredCache(rc,
			cache.WithLayeredMemorySize(cfg.Cache.MemorySize),
			cache.WithLayeredL1TTL(cfg.Cache.L1TTL),
		)
		return lc, func() { _ = lc.Close() }, nil
	default:
		mc := cache.NewMemoryCache(cache.WithMemoryMaxSize(cfg.Cache.MemorySize))
		return mc, func() { _ = mc.Close() }, nil
	}
}

// ProvideKVStore selects the feedback persistence backend.
func ProvideKVStore(cfg *config.Config, rc *cache.RedisCache) (domrepo.KVStore, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		return internalrepo.NewCacheStore(rc), func() {}, nil
	case "sqlite":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.Timeout)
		defer cancel()
		s, err := internalrepo.OpenSQLiteStore(ctx, cfg.Store.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		mc := cache.NewMemoryCache(cache.WithMemoryMaxSize(16))
		return internalrepo.NewCacheStore(mc), func() { _ = mc.Close() }, nil
	}
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideKafkaEventPublisher wraps the producer; it owns closing it.
func ProvideKafkaEventPublisher(cfg *config.Config, producer *pkgkafka.Producer) (*internalrepo.KafkaEventPublisher, func()) {
	if producer == nil {
		return nil, func() {}
	}
	pub := internalrepo.NewKafkaEventPublisher(producer, internalrepo.Topics{
		Decisions:   cfg.Kafka.DecisionsTopic,
		Settlements: cfg.Kafka.SettleTopic,
	})
	return pub, func() { _ = pub.Close() }
}

// ProvideEventPublisher exposes the Kafka publisher as the domain interface.
// A disabled publisher is a nil interface, never a typed nil.
func ProvideEventPublisher(pub *internalrepo.KafkaEventPublisher) domrepo.EventPublisher {
	if pub == nil {
		return nil
	}
	return pub
}

// ProvideLogCollection routes aggregated warn/error logs to Kafka when enabled.
func ProvideLogCollection(cfg *config.Config, pub *internalrepo.KafkaEventPublisher) *applogger.CollectionConfig {
	if pub == nil || !cfg.Log.Collect.Enabled {
		return nil
	}
	return &applogger.CollectionConfig{
		TimeInterval:   cfg.Log.Collect.FlushInterval,
		CountThreshold: cfg.Log.Collect.MaxEntries,
		Topic:          cfg.Kafka.LogsTopic,
		Publisher:      pub,
		PublishTimeout: cfg.Pipeline.PublishTimeout,
	}
}

// ProvideClickHouseClient creates a ClickHouse client, or nil when disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithSecure(cfg.ClickHouse.Secure),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		pkgch.WithInitSchema(cfg.ClickHouse.InitSchema),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideDecisionArchive archives decisions and settled predictions in ClickHouse.
func ProvideDecisionArchive(ch *pkgch.Client, log *applogger.Logger) domrepo.DecisionArchive {
	if ch == nil {
		return nil
	}
	a := internalrepo.NewCHDecisionArchive(ch)
	a.SetLogger(log)
	return a
}

// ProvideCandleStore reads 1m candles from ClickHouse for the volatility ratio.
func ProvideCandleStore(ch *pkgch.Client) domrepo.CandleStore {
	if ch == nil {
		return nil
	}
	return internalrepo.NewCHCandleStore(ch)
}

// ProvideMarketCatalog creates the Gamma market catalog client.
func ProvideMarketCatalog(cfg *config.Config, log *applogger.Logger) domrepo.MarketCatalog {
	return gamma.NewClient(
		cfg.Market.GammaURL,
		cfg.Market.SlugPrefix,
		time.Duration(cfg.Market.WindowMinutes)*time.Minute,
		gamma.WithHTTPClient(xhttp.NewClient(xhttp.WithTimeout(cfg.Market.CatalogTimeout))),
		gamma.WithRateLimit(cfg.Market.RateLimit, cfg.Market.RateBurst),
		gamma.WithLogger(log.With(applogger.String("component", "gamma"))),
	)
}

// ProvideIndicatorSource creates the HTTP indicator client.
func ProvideIndicatorSource(cfg *config.Config) domsvc.IndicatorSource {
	return analytics.NewHTTPIndicatorSource(cfg)
}

// ProvideVolatilitySource derives the volatility ratio from stored candles.
func ProvideVolatilitySource(cfg *config.Config, store domrepo.CandleStore, log *applogger.Logger) domsvc.VolatilitySource {
	return scoring.NewVolatilityProvider(store, cfg.Market.Symbol,
		scoring.WithWindows(cfg.Pipeline.CandleWindow, cfg.Pipeline.VolShortWindow),
		scoring.WithTimeframe(domrepo.NormalizeTimeframe(cfg.Pipeline.CandleTimeframe)),
		scoring.WithTTL(cfg.Pipeline.VolatilityTTL),
		scoring.WithVolatilityLogger(log.With(applogger.String("component", "volatility"))),
	)
}

// ProvideScoringEngine builds the rule engine from config.
func ProvideScoringEngine(cfg *config.Config) (*scoring.Engine, error) {
	sc, err := scoringConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("scoring config: %w", err)
	}
	return scoring.NewEngine(sc), nil
}

// ProvidePredictor creates the ensemble predictor. The model is loaded on start.
func ProvidePredictor(cfg *config.Config, log *applogger.Logger, m domrepo.Metrics) *ensemble.Predictor {
	source := ensemble.NewSource(cfg.Ensemble.ModelPath, cfg.Ensemble.NormPath,
		xhttp.NewClient(xhttp.WithTimeout(cfg.Ensemble.FetchTimeout)))
	return ensemble.NewPredictor(source,
		ensemble.WithBlend(blendConfig(cfg)),
		ensemble.WithFetchTimeout(cfg.Ensemble.FetchTimeout),
		ensemble.WithLogger(log.With(applogger.String("component", "ensemble"))),
		ensemble.WithMetrics(m),
	)
}

// ProvideGate builds the decision gate from the configured phases.
func ProvideGate(cfg *config.Config) (*decision.Gate, error) {
	gc, err := gateConfig(cfg)
	if err != nil {
		return nil, err
	}
	g, err := decision.NewGate(gc)
	if err != nil {
		return nil, fmt.Errorf("decision gate: %w", err)
	}
	return g, nil
}

// ProvideTracker creates the feedback tracker with its durable store.
func ProvideTracker(
	cfg *config.Config,
	store domrepo.KVStore,
	pub domrepo.EventPublisher,
	archive domrepo.DecisionArchive,
	log *applogger.Logger,
	m domrepo.Metrics,
) *feedback.Tracker {
	opts := []feedback.Option{
		feedback.WithStore(store),
		feedback.WithLogger(log.With(applogger.String("component", "feedback"))),
		feedback.WithMetrics(m),
	}
	if pub != nil {
		opts = append(opts, feedback.WithPublisher(pub))
	}
	if archive != nil {
		opts = append(opts, feedback.WithArchive(archive))
	}
	return feedback.NewTracker(feedbackConfig(cfg), opts...)
}

// ProvideLiveState creates the latest-tick store.
func ProvideLiveState() *usecase.LiveState {
	return usecase.NewLiveState()
}

// ProvideTickGate validates and throttles feed output before live state.
func ProvideTickGate(cfg *config.Config, live *usecase.LiveState, m domrepo.Metrics) *mid.TickGate {
	return mid.NewTickGate(live, m, mid.WithMaxRPS(cfg.Feeds.MaxRPS))
}

func newStreamClient(feed string, sc config.StreamConfig, log *applogger.Logger, m domrepo.Metrics) *stream.Client {
	opts := append(streamOptions(sc),
		stream.WithLogger(log.With(applogger.String("feed", feed))),
		stream.WithMetrics(m),
	)
	return stream.New(feed, opts...)
}

// ProvideSpotFeed creates the Binance trade stream adapter.
func ProvideSpotFeed(cfg *config.Config, gate *mid.TickGate, log *applogger.Logger, m domrepo.Metrics) *feeds.SpotFeed {
	client := newStreamClient("spot", cfg.Feeds.Spot, log, m)
	return feeds.NewSpotFeed(client, gate, cfg.Feeds.Spot.URL, cfg.Feeds.SpotSymbol, log, m)
}

// ProvideOracleFeed creates the RTDS oracle stream adapter.
func ProvideOracleFeed(cfg *config.Config, gate *mid.TickGate, log *applogger.Logger, m domrepo.Metrics) *feeds.OracleFeed {
	client := newStreamClient("oracle", cfg.Feeds.Oracle, log, m)
	return feeds.NewOracleFeed(client, gate, cfg.Feeds.Oracle.URL, cfg.Feeds.OracleSymbol, log, m)
}

// ProvideBookFeed creates the CLOB order-book stream adapter. It subscribes on
// the first market rollover.
func ProvideBookFeed(cfg *config.Config, gate *mid.TickGate, log *applogger.Logger, m domrepo.Metrics) *feeds.BookFeed {
	client := newStreamClient("book", cfg.Feeds.Book, log, m)
	return feeds.NewBookFeed(client, gate, cfg.Feeds.Book.URL, log, m)
}

// ProvideStreamGroup collects the three stream clients.
func ProvideStreamGroup(spot *feeds.SpotFeed, oracle *feeds.OracleFeed, book *feeds.BookFeed) *stream.Group {
	g := stream.NewGroup()
	g.Add(spot.Client())
	g.Add(oracle.Client())
	g.Add(book.Client())
	return g
}

// ProvideCoordinator creates the market lifecycle coordinator.
func ProvideCoordinator(
	cfg *config.Config,
	catalog domrepo.MarketCatalog,
	store cache.Service,
	live *usecase.LiveState,
	book *feeds.BookFeed,
	gate *mid.TickGate,
	tracker *feedback.Tracker,
	log *applogger.Logger,
	m domrepo.Metrics,
) *usecase.Coordinator {
	return usecase.NewCoordinator(coordinatorConfig(cfg), catalog, store, live,
		usecase.WithBookSubscriber(book),
		usecase.WithTickGate(gate),
		usecase.WithExpirySettler(tracker),
		usecase.WithCoordinatorLogger(log.With(applogger.String("component", "coordinator"))),
		usecase.WithCoordinatorMetrics(m),
	)
}

// ProvidePipeline assembles the decision cycle.
func ProvidePipeline(
	cfg *config.Config,
	coord *usecase.Coordinator,
	live *usecase.LiveState,
	indicators domsvc.IndicatorSource,
	vol domsvc.VolatilitySource,
	engine *scoring.Engine,
	predictor *ensemble.Predictor,
	gate *decision.Gate,
	tracker *feedback.Tracker,
	group *stream.Group,
	pub domrepo.EventPublisher,
	archive domrepo.DecisionArchive,
	log *applogger.Logger,
	m domrepo.Metrics,
) *usecase.Pipeline {
	opts := []usecase.PipelineOption{
		usecase.WithFeeds(group),
		usecase.WithPipelineLogger(log.With(applogger.String("component", "pipeline"))),
		usecase.WithPipelineMetrics(m),
	}
	if pub != nil {
		opts = append(opts, usecase.WithPublisher(pub))
	}
	if archive != nil {
		opts = append(opts, usecase.WithArchive(archive))
	}
	return usecase.NewPipeline(pipelineConfig(cfg), coord, live, indicators, vol, engine, predictor, gate, tracker, opts...)
}

// ProvideScheduler drives the cycle and the model reload.
func ProvideScheduler(cfg *config.Config, pipeline *usecase.Pipeline, predictor *ensemble.Predictor, log *applogger.Logger) *usecase.Scheduler {
	return usecase.NewScheduler(pipeline, cfg.Pipeline.Period, predictor, cfg.Ensemble.ReloadInterval,
		log.With(applogger.String("component", "scheduler")))
}

// ProvideSnapshotHandler exposes the pipeline over HTTP.
func ProvideSnapshotHandler(cfg *config.Config, pipeline *usecase.Pipeline, tracker *feedback.Tracker, log *applogger.Logger) *api.SnapshotHandler {
	h := api.NewSnapshotHandler(pipeline, tracker, staleAfter(cfg))
	h.SetLogger(log.With(applogger.String("component", "api")))
	return h
}

// ProvideHTTPServer creates the echo server with /metrics.
func ProvideHTTPServer(cfg *config.Config, h *api.SnapshotHandler, log *applogger.Logger) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		xhttp.WithLogger(log.With(applogger.String("component", "http"))),
		xhttp.WithCORS(cfg.Server.CORSOrigins...),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(cfg.Metrics.Path, nil))
	} else {
		opts = append(opts, xhttp.WithMetrics("", nil))
	}
	return xhttp.NewServer(h, opts...)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	pipeline *usecase.Pipeline,
	scheduler *usecase.Scheduler,
	spot *feeds.SpotFeed,
	oracle *feeds.OracleFeed,
	group *stream.Group,
	predictor *ensemble.Predictor,
	tracker *feedback.Tracker,
	httpServer *xhttp.Server,
	collect *applogger.CollectionConfig,
) *server.App {
	return server.New(cfg, log, server.Components{
		Pipeline:   pipeline,
		Scheduler:  scheduler,
		Feeds:      []server.Feed{spot, oracle},
		Streams:    group,
		Model:      predictor,
		History:    tracker,
		HTTP:       httpServer,
		LogCollect: collect,
	})
}
