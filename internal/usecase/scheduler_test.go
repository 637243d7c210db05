package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolyPulse/internal/services/decision"
)

type scriptedRunner struct {
	calls atomic.Int32
	err   error
}

func (r *scriptedRunner) RunCycle(context.Context) error {
	r.calls.Add(1)
	return r.err
}

type countingReloader struct{ calls atomic.Int32 }

func (r *countingReloader) Reload(context.Context) error {
	r.calls.Add(1)
	return errors.New("model unavailable")
}

func TestSchedulerInvariantIsFatal(t *testing.T) {
	runner := &scriptedRunner{err: fmt.Errorf("decision gate: %w", decision.ErrInvariant)}
	s := NewScheduler(runner, time.Second, nil, 0, nil)

	s.RunOnce()
	s.RunOnce()
	select {
	case err := <-s.Fatal():
		assert.ErrorIs(t, err, decision.ErrInvariant)
	default:
		t.Fatal("expected a fatal error")
	}
	select {
	case <-s.Fatal():
		t.Fatal("fatal is delivered once")
	default:
	}
	assert.Equal(t, int32(2), runner.calls.Load())
}

func TestSchedulerIgnoresSkipsAndCollaboratorErrors(t *testing.T) {
	for _, err := range []error{nil, ErrCycleSkipped, errors.New("transient")} {
		s := NewScheduler(&scriptedRunner{err: err}, time.Second, nil, 0, nil)
		s.RunOnce()
		select {
		case <-s.Fatal():
			t.Fatalf("%v must not be fatal", err)
		default:
		}
	}
}

func TestSchedulerRegisterAndStop(t *testing.T) {
	assert.Error(t, NewScheduler(&scriptedRunner{}, 0, nil, 0, nil).Register(), "period must be positive")

	reload := &countingReloader{}
	s := NewScheduler(&scriptedRunner{}, time.Hour, reload, time.Hour, nil)
	require.NoError(t, s.Register())
	assert.Len(t, s.cron.Entries(), 2)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "second stop is a no-op")

	s.reloadJob()
	assert.Equal(t, int32(1), reload.calls.Load(), "reload failures are logged, not fatal")
}
