package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"PolyPulse/pkg/util"
)

// StreamConfig describes one live websocket feed.
type StreamConfig struct {
	URL               string        `yaml:"url" validate:"required"`
	PingInterval      time.Duration `yaml:"ping_interval" default:"10s"`
	PingPayload       string        `yaml:"ping_payload"` // empty sends a ping control frame
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" default:"5s"`
	DeadAfter         time.Duration `yaml:"dead_after" default:"30s"`
	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout" default:"5s"`
	BackoffFloor      time.Duration `yaml:"backoff_floor" default:"500ms"`
	BackoffMax        time.Duration `yaml:"backoff_max" default:"30s"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" default:"2" validate:"gte=1"`
	ReconnectGrace    time.Duration `yaml:"reconnect_grace" default:"250ms"`
	DialTimeout       time.Duration `yaml:"dial_timeout" default:"10s"`
}

// PhaseConfig is one decision gate time bucket.
type PhaseConfig struct {
	Name               string  `yaml:"name" validate:"required,oneof=EARLY MID LATE FINAL"`
	AfterMinutes       float64 `yaml:"after_minutes" validate:"gte=0"`
	MinEdge            float64 `yaml:"min_edge" validate:"gte=0,lte=1"`
	MinProb            float64 `yaml:"min_prob" validate:"gte=0,lte=1"`
	MinSignals         int     `yaml:"min_signals" validate:"gte=0"`
	RequireMultiTF     bool    `yaml:"require_multi_tf"`
	MultiTFOverrideMin int     `yaml:"multi_tf_override_min"`
}

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lt=65536"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Log struct {
		Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
		Output     string `yaml:"output" default:"stdout"`
		TimeFormat string `yaml:"time_format" default:"2006-01-02T15:04:05.000Z07:00"`
		Collect    struct {
			Enabled       bool          `yaml:"enabled"`
			FlushInterval time.Duration `yaml:"flush_interval" default:"30s"`
			MaxEntries    int           `yaml:"max_entries" default:"1000"`
		} `yaml:"collect"`
	} `yaml:"log"`
	Market struct {
		Symbol            string        `yaml:"symbol" default:"BTC"`
		WindowMinutes     int           `yaml:"window_minutes" default:"15" validate:"gt=0"`
		DiscoveryInterval time.Duration `yaml:"discovery_interval" default:"30s"`
		GammaURL          string        `yaml:"gamma_url" default:"https://gamma-api.polymarket.com" validate:"required"`
		SlugPrefix        string        `yaml:"slug_prefix" default:"btc-updown-15m"`
		CatalogTimeout    time.Duration `yaml:"catalog_timeout" default:"4s"`
		RateLimit         float64       `yaml:"rate_limit" default:"2"`
		RateBurst         int           `yaml:"rate_burst" default:"2"`
	} `yaml:"market"`
	Feeds struct {
		Spot         StreamConfig `yaml:"spot"`
		SpotSymbol   string       `yaml:"spot_symbol" default:"btcusdt"`
		Oracle       StreamConfig `yaml:"oracle"`
		OracleSymbol string       `yaml:"oracle_symbol" default:"btc/usd"`
		Book         StreamConfig `yaml:"book"`
		MaxRPS       int          `yaml:"max_rps" default:"20"`
	} `yaml:"feeds"`
	Pipeline struct {
		Period           time.Duration `yaml:"period" default:"1s"`
		SuspendGap       time.Duration `yaml:"suspend_gap" default:"10s"`
		IndicatorTimeout time.Duration `yaml:"indicator_timeout" default:"3s"`
		SettleLead       time.Duration `yaml:"settle_lead" default:"5s"`
		FreshnessMaxAge  time.Duration `yaml:"freshness_max_age" default:"30s"`
		IndicatorMaxAge  time.Duration `yaml:"indicator_max_age" default:"2m"`
		CandleWindow     int           `yaml:"candle_window" default:"120"`
		CandleTimeframe  string        `yaml:"candle_timeframe" default:"1m"`
		VolShortWindow   int           `yaml:"vol_short_window" default:"15"`
		VolatilityTTL    time.Duration `yaml:"volatility_ttl" default:"1m"`
		CandleTimeout    time.Duration `yaml:"candle_timeout" default:"3s"`
		PublishTimeout   time.Duration `yaml:"publish_timeout" default:"3s"`
	} `yaml:"pipeline"`
	Scoring struct {
		TimeFloor          float64            `yaml:"time_floor" default:"0.35" validate:"gte=0,lte=1"`
		FailedReclaim      float64            `yaml:"failed_reclaim_weight" default:"1.5"`
		Weights            map[string]float64 `yaml:"weights"`
		RegimeMin          float64            `yaml:"regime_min" default:"0.7"`
		RegimeMax          float64            `yaml:"regime_max" default:"1.3"`
		AccuracyMin        float64            `yaml:"accuracy_min" default:"0.7"`
		AccuracyMax        float64            `yaml:"accuracy_max" default:"1.2"`
		AccuracyMinSamples int                `yaml:"accuracy_min_samples" default:"10"`
	} `yaml:"scoring"`
	Ensemble struct {
		ModelPath       string        `yaml:"model_path"`
		NormPath        string        `yaml:"norm_path"`
		ReloadInterval  time.Duration `yaml:"reload_interval" default:"5m"`
		FetchTimeout    time.Duration `yaml:"fetch_timeout" default:"5s"`
		AlphaHigh       float64       `yaml:"alpha_high" default:"0.6" validate:"gte=0,lte=1"`
		AlphaLow        float64       `yaml:"alpha_low" default:"0.3" validate:"gte=0,lte=1"`
		HighConfidence  float64       `yaml:"high_confidence" default:"0.3" validate:"gte=0,lte=1"`
		AgreementBonus  float64       `yaml:"agreement_bonus" default:"0.1" validate:"gte=0"`
		ConflictDamping float64       `yaml:"conflict_damping" default:"0.7" validate:"gte=0,lte=1"`
	} `yaml:"ensemble"`
	Gate struct {
		Phases     []PhaseConfig `yaml:"phases" validate:"dive"`
		StrongEdge float64       `yaml:"strong_edge" default:"0.20"`
		GoodEdge   float64       `yaml:"good_edge" default:"0.10"`
	} `yaml:"gate"`
	Feedback struct {
		MaxRecords  int           `yaml:"max_records" default:"500" validate:"gt=0"`
		MaxAge      time.Duration `yaml:"max_age" default:"168h"`
		DedupWindow time.Duration `yaml:"dedup_window" default:"2m"`
		StatsWindow int           `yaml:"stats_window" default:"50" validate:"gt=0"`
		FlushDelay  time.Duration `yaml:"flush_delay" default:"2s"`
	} `yaml:"feedback"`
	Store struct {
		Backend string        `yaml:"backend" default:"memory" validate:"oneof=memory redis sqlite"`
		Key     string        `yaml:"key" default:"polypulse:feedback"`
		Timeout time.Duration `yaml:"timeout" default:"3s"`
		SQLite  struct {
			Path string `yaml:"path" default:"polypulse.db"`
		} `yaml:"sqlite"`
	} `yaml:"store"`
	Redis struct {
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size" default:"10"`
		Prefix   string `yaml:"prefix" default:"polypulse"`
	} `yaml:"redis"`
	Cache struct {
		Backend    string        `yaml:"backend" default:"memory" validate:"oneof=memory redis layered"`
		MemorySize int           `yaml:"memory_size" default:"1024"`
		TTL        time.Duration `yaml:"ttl" default:"20m"`
		L1TTL      time.Duration `yaml:"l1_ttl" default:"30s"`
	} `yaml:"cache"`
	Kafka struct {
		Enabled        bool     `yaml:"enabled"`
		Brokers        []string `yaml:"brokers"`
		DecisionsTopic string   `yaml:"decisions_topic" default:"polypulse.decisions"`
		SettleTopic    string   `yaml:"settlements_topic" default:"polypulse.settlements"`
		LogsTopic      string   `yaml:"logs_topic" default:"polypulse.logs"`
		RequiredAcks   int      `yaml:"required_acks" default:"1"`
		Compression    string   `yaml:"compression" default:"snappy"`
		Producer       struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"3s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"polypulse"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		Secure           bool          `yaml:"secure"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
		InitSchema       bool          `yaml:"init_schema"`
	} `yaml:"clickhouse"`
	Analytics struct {
		IndicatorURL string        `yaml:"indicator_url" default:"http://localhost:8000"`
		Timeout      time.Duration `yaml:"timeout" default:"3s"`
		Retries      int           `yaml:"retries" default:"2"`
		Timeframe    string        `yaml:"timeframe" default:"1m"`
	} `yaml:"analytics"`
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	c.applyFeedDefaults()
	return &c, nil
}

// Load reads and parses a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes on top of the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyFeedDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads .env (if present), the YAML file, then environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.ApplyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := getenv("HTTP_PORT"); v != "" {
		c.Server.Port = util.ParseIntDefault(v, c.Server.Port)
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("MODEL_PATH"); v != "" {
		c.Ensemble.ModelPath = v
	}
	if v := getenv("NORM_PATH"); v != "" {
		c.Ensemble.NormPath = v
	}
	if v := getenv("INDICATOR_URL"); v != "" {
		c.Analytics.IndicatorURL = v
	}
	if v := getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
		c.ClickHouse.Enabled = true
	}
	if v := getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
}

func (c *Config) applyFeedDefaults() {
	if c.Feeds.Spot.URL == "" {
		c.Feeds.Spot.URL = "wss://stream.binance.com:9443/ws/" + c.Feeds.SpotSymbol + "@trade"
	}
	if c.Feeds.Oracle.URL == "" {
		c.Feeds.Oracle.URL = "wss://ws-live-data.polymarket.com"
		if c.Feeds.Oracle.PingPayload == "" {
			c.Feeds.Oracle.PingPayload = "PING"
		}
	}
	if c.Feeds.Book.URL == "" {
		c.Feeds.Book.URL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
		if c.Feeds.Book.PingPayload == "" {
			c.Feeds.Book.PingPayload = "PING"
		}
	}
	if len(c.Gate.Phases) == 0 {
		c.Gate.Phases = []PhaseConfig{
			{Name: "EARLY", AfterMinutes: 10, MinEdge: 0.05, MinProb: 0.55, MinSignals: 3, RequireMultiTF: true, MultiTFOverrideMin: 6},
			{Name: "MID", AfterMinutes: 5, MinEdge: 0.08, MinProb: 0.58, MinSignals: 4, RequireMultiTF: true, MultiTFOverrideMin: 6},
			{Name: "LATE", AfterMinutes: 2, MinEdge: 0.12, MinProb: 0.62, MinSignals: 5},
			{Name: "FINAL", AfterMinutes: 0, MinEdge: 0.15, MinProb: 0.66, MinSignals: 6},
		}
	}
}

var validate = validator.New()

// Validate checks field rules and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLite.Path == "" {
		return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
	}
	if c.Ensemble.AlphaLow > c.Ensemble.AlphaHigh {
		return fmt.Errorf("ensemble.alpha_low (%.2f) must not exceed alpha_high (%.2f)", c.Ensemble.AlphaLow, c.Ensemble.AlphaHigh)
	}
	if c.Scoring.RegimeMin > c.Scoring.RegimeMax || c.Scoring.AccuracyMin > c.Scoring.AccuracyMax {
		return fmt.Errorf("scoring multiplier ranges are inverted")
	}
	if c.Pipeline.Period <= 0 {
		return fmt.Errorf("pipeline.period must be positive")
	}
	for _, s := range []StreamConfig{c.Feeds.Spot, c.Feeds.Oracle, c.Feeds.Book} {
		if s.BackoffMax < s.BackoffFloor {
			return fmt.Errorf("stream %s: backoff_max below backoff_floor", s.URL)
		}
	}
	return nil
}
