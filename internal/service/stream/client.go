package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"PolyPulse/internal/domain/models"
	applogger "PolyPulse/pkg/logger"
	"PolyPulse/pkg/util"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("stream: client closed")

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	d      *websocket.Dialer
	header http.Header
}

// NewWebsocketDialer wraps a gorilla dialer.
func NewWebsocketDialer(header http.Header) Dialer {
	return &wsDialer{d: websocket.DefaultDialer, header: header}
}

func (w *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := w.d.DialContext(ctx, url, w.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Target describes one logical subscription.
type Target struct {
	URL       string
	Subscribe []byte // sent once after open; nil for URL-addressed streams
	Key       string // label for status, e.g. the market slug
}

// Message is one substantive inbound frame.
type Message struct {
	Feed       string
	Data       []byte
	ReceivedAt time.Time
}

type Handler func(Message)

// Client keeps one subscription alive across transport failures. Every
// connection belongs to a generation; callbacks from an older generation are
// dropped, so each close path runs at most once per connection.
type Client struct {
	cfg *Config
	log *applogger.Logger

	mu            sync.Mutex
	state         models.FeedState
	target        *Target
	conn          Conn
	gen           uint64
	backoff       time.Duration
	lastMessageAt time.Time
	substantive   bool
	closed        bool
	reconnects    int64
	handler       Handler

	pingT      util.Timer
	heartbeatT util.Timer
	watchdogT  util.Timer
	reconnectT util.Timer

	writeMu   sync.Mutex
	connected atomic.Bool
}

// New creates a Client for one feed.
func New(feed string, opts ...Option) *Client {
	cfg := defaultConfig(feed)
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebsocketDialer(nil)
	}
	l := cfg.Logger
	if l == nil {
		l = applogger.Nop()
	}
	return &Client{
		cfg:     cfg,
		log:     l.With(applogger.String("feed", feed)),
		state:   models.FeedIdle,
		backoff: cfg.BackoffFloor,
	}
}

// Feed returns the feed identifier.
func (c *Client) Feed() string { return c.cfg.Feed }

// OnMessage sets the handler for substantive messages. Messages are delivered
// sequentially from the connection's read goroutine.
func (c *Client) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connected reports whether the connection is Open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Open starts maintaining a subscription to target. Opening while a target is
// already tracked is a retarget.
func (c *Client) Open(target Target) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.target != nil {
		c.mu.Unlock()
		return c.Retarget(target)
	}
	t := target
	c.target = &t
	c.connectLocked()
	c.mu.Unlock()
	return nil
}

// Retarget replaces the subscription. The current connection is closed, never
// resubscribed, and a fresh one is opened after the grace delay.
func (c *Client) Retarget(target Target) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.stopTimersLocked()
	c.setConnectedLocked(false)
	t := target
	c.target = &t
	c.backoff = c.cfg.BackoffFloor
	c.state = models.FeedClosing
	gen := c.gen
	c.mu.Unlock()

	c.log.Info("stream retarget", applogger.String("url", target.URL), applogger.String("key", target.Key))
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Debug("stream close on retarget", applogger.Error(err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return nil
	}
	c.state = models.FeedIdle
	c.reconnectT = c.cfg.Clock.AfterFunc(c.cfg.ReconnectGrace, func() { c.onReconnectTimer(gen) })
	return nil
}

// Resume reacts to the host becoming active again. A connection that is not
// Open is reopened immediately with backoff reset; an Open one counts the
// signal as liveness.
func (c *Client) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.target == nil {
		return
	}
	switch c.state {
	case models.FeedOpen:
		c.lastMessageAt = c.cfg.Clock.Now()
	case models.FeedConnecting:
		// dial already in flight
	default:
		c.backoff = c.cfg.BackoffFloor
		c.log.Info("stream resume reconnect")
		c.connectLocked()
	}
}

// Close stops the client and all its timers. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = models.FeedClosing
	c.gen++
	c.stopTimersLocked()
	c.setConnectedLocked(false)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.mu.Lock()
	c.state = models.FeedIdle
	c.mu.Unlock()
	c.log.Info("stream closed")
	return err
}

// Status returns a snapshot of the connection state.
func (c *Client) Status() models.FeedStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := models.FeedStatus{
		Feed:          c.cfg.Feed,
		State:         c.state,
		Connected:     c.state == models.FeedOpen,
		Backoff:       c.backoff,
		LastMessageAt: c.lastMessageAt,
		Reconnects:    c.reconnects,
	}
	if c.target != nil {
		st.Target = c.target.Key
		if st.Target == "" {
			st.Target = c.target.URL
		}
	}
	return st
}

func (c *Client) connectLocked() {
	if c.reconnectT != nil {
		c.reconnectT.Stop()
		c.reconnectT = nil
	}
	c.gen++
	c.state = models.FeedConnecting
	gen := c.gen
	target := *c.target
	go c.dial(gen, target)
}

func (c *Client) dial(gen uint64, target Target) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	start := c.cfg.Clock.Now()
	conn, err := c.cfg.Dialer.Dial(ctx, target.URL)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.gen++
		c.state = models.FeedIdle
		delay := c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.recordError("stream_dial")
		c.log.Warn("stream dial failed", applogger.Error(err), applogger.Duration("retry_in_ms", delay))
		return
	}
	c.onOpenLocked(conn, gen, target)
	c.setConnectedLocked(true)
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordLatency("stream_dial_"+c.cfg.Feed, c.cfg.Clock.Now().Sub(start).Seconds())
	}
	c.log.Info("stream open", applogger.String("url", target.URL), applogger.String("key", target.Key))

	go c.readLoop(conn, gen)

	if len(target.Subscribe) > 0 {
		if err := c.write(conn, websocket.TextMessage, target.Subscribe); err != nil {
			c.handleClose(gen, fmt.Errorf("subscribe: %w", err))
		}
	}
}

func (c *Client) onOpenLocked(conn Conn, gen uint64, target Target) {
	c.conn = conn
	c.state = models.FeedOpen
	c.backoff = c.cfg.BackoffFloor
	c.lastMessageAt = c.cfg.Clock.Now()
	c.substantive = false

	if c.cfg.PingInterval > 0 {
		c.pingT = c.cfg.Clock.AfterFunc(c.cfg.PingInterval, func() { c.onPing(gen) })
	}
	if c.cfg.DeadAfter > 0 && c.cfg.HeartbeatInterval > 0 {
		c.heartbeatT = c.cfg.Clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.onHeartbeat(gen) })
	}
	if len(target.Subscribe) > 0 && c.cfg.SubscribeTimeout > 0 {
		c.watchdogT = c.cfg.Clock.AfterFunc(c.cfg.SubscribeTimeout, func() { c.onWatchdog(gen) })
	}
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		now := c.cfg.Clock.Now()

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.lastMessageAt = now
		keepAlive := c.cfg.KeepAlive(data)
		if !keepAlive && !c.substantive {
			c.substantive = true
			if c.watchdogT != nil {
				c.watchdogT.Stop()
				c.watchdogT = nil
			}
		}
		h := c.handler
		c.mu.Unlock()

		if !keepAlive && h != nil {
			h(Message{Feed: c.cfg.Feed, Data: data, ReceivedAt: now})
		}
	}
}

// handleClose is the single close path for remote closes, read errors and
// forced closes. Only the first call per generation has any effect.
func (c *Client) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.state != models.FeedOpen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.stopTimersLocked()
	c.state = models.FeedIdle
	c.setConnectedLocked(false)
	delay := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.recordError("stream_close")
	c.log.Warn("stream closed, reconnect scheduled", applogger.Error(cause), applogger.Duration("retry_in_ms", delay))
	if conn != nil {
		_ = conn.Close()
	}
}

// scheduleReconnectLocked grows the backoff and arms exactly one reconnect timer.
func (c *Client) scheduleReconnectLocked() time.Duration {
	next := time.Duration(float64(c.backoff) * c.cfg.BackoffMultiplier)
	if next > c.cfg.BackoffMax {
		next = c.cfg.BackoffMax
	}
	if next < c.cfg.BackoffFloor {
		next = c.cfg.BackoffFloor
	}
	c.backoff = next
	if c.reconnectT != nil {
		c.reconnectT.Stop()
	}
	gen := c.gen
	c.reconnectT = c.cfg.Clock.AfterFunc(next, func() { c.onReconnectTimer(gen) })
	return next
}

func (c *Client) onReconnectTimer(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed || c.state != models.FeedIdle || c.target == nil {
		return
	}
	c.reconnectT = nil
	c.reconnects++
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordReconnect(c.cfg.Feed)
	}
	c.connectLocked()
}

func (c *Client) onPing(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != models.FeedOpen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.pingT = c.cfg.Clock.AfterFunc(c.cfg.PingInterval, func() { c.onPing(gen) })
	c.mu.Unlock()

	var err error
	if c.cfg.PingPayload != nil {
		err = c.write(conn, websocket.TextMessage, c.cfg.PingPayload)
	} else {
		err = c.write(conn, websocket.PingMessage, nil)
	}
	if err != nil {
		c.handleClose(gen, fmt.Errorf("ping: %w", err))
	}
}

func (c *Client) onHeartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != models.FeedOpen {
		c.mu.Unlock()
		return
	}
	silent := c.cfg.Clock.Now().Sub(c.lastMessageAt)
	if silent <= c.cfg.DeadAfter {
		c.heartbeatT = c.cfg.Clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.onHeartbeat(gen) })
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.recordError("stream_heartbeat")
	c.handleClose(gen, fmt.Errorf("no message for %s", silent))
}

func (c *Client) onWatchdog(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != models.FeedOpen || c.substantive || c.target == nil {
		c.mu.Unlock()
		return
	}
	target := *c.target
	c.mu.Unlock()

	c.recordError("stream_subscribe_timeout")
	c.log.Warn("subscription produced no data, forcing reconnect", applogger.String("key", target.Key))
	_ = c.Retarget(target)
}

func (c *Client) stopTimersLocked() {
	for _, t := range []*util.Timer{&c.pingT, &c.heartbeatT, &c.watchdogT, &c.reconnectT} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (c *Client) write(conn Conn, messageType int, data []byte) error {
	if conn == nil {
		return errors.New("stream: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

func (c *Client) recordError(kind string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordError(kind + "_" + c.cfg.Feed)
	}
}

// setConnectedLocked keeps the flag and the gauge in step with state changes
// made under c.mu.
func (c *Client) setConnectedLocked(v bool) {
	c.connected.Store(v)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SetFeedConnected(c.cfg.Feed, v)
	}
}
