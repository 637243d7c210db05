package stream

import (
	"bytes"
	"time"

	domrepo "PolyPulse/internal/domain/repository"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/util"
)

// Option configures a Client.
type Option func(*Config)

// Config holds per-feed connection behaviour.
type Config struct {
	Feed              string
	PingInterval      time.Duration
	PingPayload       []byte // nil sends a websocket ping control frame
	HeartbeatInterval time.Duration
	DeadAfter         time.Duration
	SubscribeTimeout  time.Duration
	BackoffFloor      time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	ReconnectGrace    time.Duration
	DialTimeout       time.Duration
	KeepAlive         func(data []byte) bool
	Dialer            Dialer
	Clock             util.Clock
	Logger            *applogger.Logger
	Metrics           domrepo.Metrics
}

func defaultConfig(feed string) *Config {
	return &Config{
		Feed:              feed,
		PingInterval:      10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		DeadAfter:         30 * time.Second,
		SubscribeTimeout:  5 * time.Second,
		BackoffFloor:      500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2,
		ReconnectGrace:    250 * time.Millisecond,
		DialTimeout:       10 * time.Second,
		KeepAlive:         DefaultKeepAlive,
		Clock:             util.RealClock(),
	}
}

// DefaultKeepAlive treats empty frames and PING/PONG text frames as keep-alive traffic.
func DefaultKeepAlive(data []byte) bool {
	d := bytes.TrimSpace(data)
	if len(d) == 0 {
		return true
	}
	switch string(bytes.ToUpper(d)) {
	case "PING", "PONG", "{}", "[]":
		return true
	}
	return false
}

// WithPing sets the keep-alive interval and payload.
func WithPing(interval time.Duration, payload []byte) Option {
	return func(c *Config) {
		c.PingInterval = interval
		c.PingPayload = payload
	}
}

// WithHeartbeat sets how often liveness is checked and the dead-man threshold.
func WithHeartbeat(checkEvery, deadAfter time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = checkEvery
		c.DeadAfter = deadAfter
	}
}

// WithSubscribeTimeout sets the subscription watchdog bound. Zero disables it.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.SubscribeTimeout = d
	}
}

// WithBackoff sets the reconnect backoff floor, ceiling and growth factor.
func WithBackoff(floor, max time.Duration, multiplier float64) Option {
	return func(c *Config) {
		if floor > 0 {
			c.BackoffFloor = floor
		}
		if max > 0 {
			c.BackoffMax = max
		}
		if multiplier >= 1 {
			c.BackoffMultiplier = multiplier
		}
	}
}

// WithReconnectGrace sets the delay between closing and reopening on a retarget.
func WithReconnectGrace(d time.Duration) Option {
	return func(c *Config) {
		c.ReconnectGrace = d
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.DialTimeout = d
		}
	}
}

// WithKeepAlive overrides the keep-alive classifier.
func WithKeepAlive(fn func([]byte) bool) Option {
	return func(c *Config) {
		if fn != nil {
			c.KeepAlive = fn
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithClock replaces the time source used for all timers.
func WithClock(clock util.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger injects a structured logger.
func WithLogger(l *applogger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics injects the metrics recorder.
func WithMetrics(m domrepo.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}
