package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PolyPulse/internal/domain/models"
	"PolyPulse/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	url    string
	log    *eventLog
	in     chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	writes [][]byte
	closes int
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return 1, b, nil
	case <-f.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.once.Do(func() {
		f.log.add("close " + f.url)
		close(f.done)
	})
	return nil
}

func (f *fakeConn) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.writes))
	for _, w := range f.writes {
		out = append(out, string(w))
	}
	return out
}

func (f *fakeConn) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeDialer struct {
	log   *eventLog
	mu    sync.Mutex
	fail  bool
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.log.add("dial " + url)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{url: url, log: d.log, in: make(chan []byte, 8), done: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeDialer, *util.ManualClock, *eventLog) {
	t.Helper()
	log := &eventLog{}
	d := &fakeDialer{log: log}
	clock := util.NewManualClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	base := []Option{
		WithDialer(d),
		WithClock(clock),
		WithPing(0, nil),
		WithHeartbeat(0, 0),
		WithSubscribeTimeout(0),
		WithBackoff(500*time.Millisecond, 8*time.Second, 2),
	}
	c := New(models.FeedSpot, append(base, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c, d, clock, log
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func deadlinesEqual(clock *util.ManualClock, want ...time.Duration) func() bool {
	return func() bool {
		got := clock.Deadlines()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}
}

func TestClient_BackoffGrowsAndResets(t *testing.T) {
	c, d, clock, _ := newTestClient(t)
	d.setFail(true)

	require.NoError(t, c.Open(Target{URL: "wss://spot"}))

	seq := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, want := range seq {
		require.Eventually(t, deadlinesEqual(clock, want), waitFor, tick, "expected reconnect in %s", want)
		assert.Equal(t, want, c.Status().Backoff)
		if i < len(seq)-1 {
			clock.Advance(want)
		}
	}

	d.setFail(false)
	clock.Advance(8 * time.Second)
	require.Eventually(t, c.Connected, waitFor, tick)

	st := c.Status()
	assert.Equal(t, models.FeedOpen, st.State)
	assert.Equal(t, 500*time.Millisecond, st.Backoff)
	assert.Equal(t, int64(5), st.Reconnects)
}

func TestClient_HeartbeatClosesOnceAndSchedulesOneReconnect(t *testing.T) {
	c, d, clock, _ := newTestClient(t, WithHeartbeat(2*time.Second, 10*time.Second))

	require.NoError(t, c.Open(Target{URL: "wss://spot"}))
	require.Eventually(t, c.Connected, waitFor, tick)

	clock.Advance(12 * time.Second)

	conn := d.conn(0)
	require.NotNil(t, conn)
	assert.Equal(t, 1, conn.Closes())
	assert.False(t, c.Connected())
	assert.Equal(t, models.FeedIdle, c.Status().State)
	// the read loop's own close callback must not arm a second timer
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second}, clock.Deadlines())
	assert.Equal(t, 1, d.dialCount())
}

func TestClient_HeartbeatKeptAliveByMessages(t *testing.T) {
	c, d, clock, _ := newTestClient(t, WithHeartbeat(2*time.Second, 10*time.Second))

	require.NoError(t, c.Open(Target{URL: "wss://spot"}))
	require.Eventually(t, c.Connected, waitFor, tick)

	for i := 0; i < 5; i++ {
		clock.Advance(4 * time.Second)
		d.conn(0).in <- []byte("PONG")
		require.Eventually(t, func() bool {
			return c.Status().LastMessageAt.Equal(clock.Now())
		}, waitFor, tick)
	}
	assert.True(t, c.Connected())
	assert.Equal(t, 0, d.conn(0).Closes())
}

func TestClient_RetargetNeverResubscribesOldConnection(t *testing.T) {
	c, d, clock, log := newTestClient(t)

	require.NoError(t, c.Open(Target{URL: "wss://book", Subscribe: []byte("S1"), Key: "m1"}))
	require.Eventually(t, func() bool {
		conn := d.conn(0)
		return conn != nil && len(conn.Writes()) == 1
	}, waitFor, tick)

	require.NoError(t, c.Retarget(Target{URL: "wss://book", Subscribe: []byte("S2"), Key: "m2"}))
	assert.False(t, c.Connected())
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, clock.Deadlines())

	clock.Advance(250 * time.Millisecond)
	require.Eventually(t, func() bool {
		conn := d.conn(1)
		return conn != nil && len(conn.Writes()) == 1
	}, waitFor, tick)

	assert.Equal(t, []string{"S1"}, d.conn(0).Writes())
	assert.Equal(t, []string{"S2"}, d.conn(1).Writes())
	assert.Equal(t, []string{"dial wss://book", "close wss://book", "dial wss://book"}, log.all())
	assert.Equal(t, "m2", c.Status().Target)
}

func TestClient_WatchdogForcesReconnectWithoutData(t *testing.T) {
	c, d, clock, log := newTestClient(t, WithSubscribeTimeout(5*time.Second))

	require.NoError(t, c.Open(Target{URL: "wss://book", Subscribe: []byte("S1")}))
	require.Eventually(t, c.Connected, waitFor, tick)

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, d.conn(0).Closes())

	clock.Advance(250 * time.Millisecond)
	require.Eventually(t, func() bool { return d.dialCount() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"dial wss://book", "close wss://book", "dial wss://book"}, log.all())
}

func TestClient_WatchdogDisarmedBySubstantiveMessage(t *testing.T) {
	c, d, clock, _ := newTestClient(t, WithSubscribeTimeout(5*time.Second))

	var mu sync.Mutex
	var got []string
	c.OnMessage(func(m Message) {
		mu.Lock()
		got = append(got, string(m.Data))
		mu.Unlock()
	})

	require.NoError(t, c.Open(Target{URL: "wss://book", Subscribe: []byte("S1")}))
	require.Eventually(t, c.Connected, waitFor, tick)

	d.conn(0).in <- []byte("PONG")
	d.conn(0).in <- []byte(`{"event_type":"book"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)

	clock.Advance(5 * time.Second)
	assert.True(t, c.Connected())
	assert.Equal(t, 0, d.conn(0).Closes())
	mu.Lock()
	assert.Equal(t, []string{`{"event_type":"book"}`}, got)
	mu.Unlock()
}

func TestClient_ResumeReconnectsImmediately(t *testing.T) {
	c, d, clock, _ := newTestClient(t)
	d.setFail(true)

	require.NoError(t, c.Open(Target{URL: "wss://spot"}))
	require.Eventually(t, deadlinesEqual(clock, time.Second), waitFor, tick)
	clock.Advance(time.Second)
	require.Eventually(t, deadlinesEqual(clock, 2*time.Second), waitFor, tick)

	d.setFail(false)
	c.Resume()
	require.Eventually(t, c.Connected, waitFor, tick)
	assert.Empty(t, clock.Deadlines())
	assert.Equal(t, 500*time.Millisecond, c.Status().Backoff)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, d, clock, _ := newTestClient(t, WithHeartbeat(2*time.Second, 10*time.Second))

	require.NoError(t, c.Open(Target{URL: "wss://spot"}))
	require.Eventually(t, c.Connected, waitFor, tick)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, 1, d.conn(0).Closes())
	assert.Empty(t, clock.Deadlines())
	assert.ErrorIs(t, c.Open(Target{URL: "wss://spot"}), ErrClosed)

	c.Resume()
	clock.Advance(time.Minute)
	assert.Equal(t, 1, d.dialCount())
}

type gaugeMetrics struct {
	mu   sync.Mutex
	last map[string]bool
}

func (g *gaugeMetrics) SetFeedConnected(feed string, v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		g.last = map[string]bool{}
	}
	g.last[feed] = v
}

func (g *gaugeMetrics) connected(feed string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last[feed]
}

func (g *gaugeMetrics) RecordError(string) {}
func (g *gaugeMetrics) RecordLatency(string, float64) {}
func (g *gaugeMetrics) RecordLastPrice(string, float64) {}
func (g *gaugeMetrics) RecordReconnect(string) {}
func (g *gaugeMetrics) RecordDecision(string, string, string) {}
func (g *gaugeMetrics) SetModelProbability(string, float64) {}
func (g *gaugeMetrics) SetAccuracy(float64, int) {}
func (g *gaugeMetrics) RecordCycleSkipped() {}

func TestClient_CloseRacingDialLeavesDisconnected(t *testing.T) {
	for i := 0; i < 50; i++ {
		g := &gaugeMetrics{}
		c, d, _, _ := newTestClient(t, WithMetrics(g))
		require.NoError(t, c.Open(Target{URL: "wss://spot"}))

		done := make(chan error, 1)
		go func() { done <- c.Close() }()
		require.NoError(t, <-done)

		// let a dial that lost the race finish
		time.Sleep(2 * time.Millisecond)
		assert.False(t, c.Connected(), "iteration %d", i)
		assert.False(t, g.connected(models.FeedSpot), "iteration %d", i)
		if conn := d.conn(0); conn != nil {
			assert.Equal(t, 1, conn.Closes(), "iteration %d", i)
		}
	}
}

func TestDefaultKeepAlive(t *testing.T) {
	assert.True(t, DefaultKeepAlive([]byte("")))
	assert.True(t, DefaultKeepAlive([]byte(" pong ")))
	assert.True(t, DefaultKeepAlive([]byte("PING")))
	assert.True(t, DefaultKeepAlive([]byte("{}")))
	assert.False(t, DefaultKeepAlive([]byte(`{"p":"1"}`)))
}
