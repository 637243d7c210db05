package server

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	applogger "PolyPulse/pkg/logger"
)

type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.steps = append(j.steps, s)
	j.mu.Unlock()
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.steps...)
}

type fakePipeline struct{ j *journal }

func (f fakePipeline) Resume() { f.j.add("resume") }

type fakeScheduler struct {
	j     *journal
	fatal chan error
}

func (f *fakeScheduler) Register() error { f.j.add("register"); return nil }
func (f *fakeScheduler) Start() { f.j.add("scheduler.start") }
func (f *fakeScheduler) Fatal() <-chan error { return f.fatal }
func (f *fakeScheduler) Stop(context.Context) error { f.j.add("scheduler.stop"); return nil }

type fakeFeed struct {
	j    *journal
	name string
	err  error
}

func (f fakeFeed) Start() error { f.j.add(f.name + ".start"); return f.err }

type fakeStreams struct{ j *journal }

func (f fakeStreams) CloseAll() error { f.j.add("streams.close"); return nil }

type fakeModel struct{ j *journal }

func (f fakeModel) Reload(context.Context) error { f.j.add("model.reload"); return errors.New("no artifact") }

type fakeHistory struct{ j *journal }

func (f fakeHistory) Load(context.Context) error { f.j.add("history.load"); return nil }
func (f fakeHistory) Close(context.Context) error { f.j.add("history.close"); return nil }

type fakeHTTP struct {
	j       *journal
	stopErr error
}

func (f fakeHTTP) Start() error { f.j.add("http.start"); return nil }
func (f fakeHTTP) Stop(context.Context) error { f.j.add("http.stop"); return f.stopErr }

func newTestApp(j *journal, sched *fakeScheduler, feeds ...Feed) *App {
	return New(nil, applogger.Nop(), Components{
		Pipeline:  fakePipeline{j},
		Scheduler: sched,
		Feeds:     feeds,
		Streams:   fakeStreams{j},
		Model:     fakeModel{j},
		History:   fakeHistory{j},
		HTTP:      fakeHTTP{j: j},
	})
}

func runAsync(a *App, sigCh chan os.Signal) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.run(context.Background(), sigCh) }()
	return done
}

func TestRunStartsResumesAndStops(t *testing.T) {
	j := &journal{}
	sched := &fakeScheduler{j: j, fatal: make(chan error, 1)}
	a := newTestApp(j, sched, fakeFeed{j: j, name: "spot"}, fakeFeed{j: j, name: "oracle"})

	sigCh := make(chan os.Signal, 2)
	sigCh <- syscall.SIGCONT
	sigCh <- syscall.SIGTERM
	done := runAsync(a, sigCh)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, []string{
		"history.load", "model.reload", "spot.start", "oracle.start",
		"register", "scheduler.start", "http.start",
		"resume",
		"scheduler.stop", "streams.close", "history.close", "http.stop",
	}, j.all())
}

func TestFatalCycleErrorShutsDown(t *testing.T) {
	j := &journal{}
	sched := &fakeScheduler{j: j, fatal: make(chan error, 1)}
	a := newTestApp(j, sched)

	boom := errors.New("gate invariant")
	sched.fatal <- boom
	done := runAsync(a, make(chan os.Signal))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Contains(t, j.all(), "history.close")
}

func TestShutdownIsIdempotent(t *testing.T) {
	j := &journal{}
	a := newTestApp(j, &fakeScheduler{j: j})
	a.c.HTTP = fakeHTTP{j: j, stopErr: errors.New("busy")}

	err1 := a.Shutdown(context.Background())
	err2 := a.Shutdown(context.Background())
	require.Error(t, err1)
	assert.Equal(t, err1, err2)

	count := 0
	for _, s := range j.all() {
		if s == "history.close" {
			count++
		}
	}
	assert.Equal(t, 1, count, "history flushed once")
}

func TestFeedStartFailureAborts(t *testing.T) {
	j := &journal{}
	a := newTestApp(j, &fakeScheduler{j: j}, fakeFeed{j: j, name: "spot", err: errors.New("bad url")})

	err := a.run(context.Background(), make(chan os.Signal))
	require.Error(t, err)
	assert.NotContains(t, j.all(), "scheduler.start")
	assert.Contains(t, j.all(), "streams.close")
}
