package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"PolyPulse/internal/services/decision"
	applogger "PolyPulse/pkg/logger"
)

// CycleRunner is one unit of periodic work.
type CycleRunner interface {
	RunCycle(ctx context.Context) error
}

// ModelReloader refreshes the ensemble artifact.
type ModelReloader interface {
	Reload(ctx context.Context) error
}

// Scheduler drives the decision cycle and the model reload on fixed periods.
// Jobs never overlap themselves: a tick that fires while the previous run is
// still going is dropped.
type Scheduler struct {
	cron   *cron.Cron
	runner CycleRunner
	reload ModelReloader
	period time.Duration
	every  time.Duration
	log    *applogger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error
	once   sync.Once
	stop   sync.Once
}

func NewScheduler(runner CycleRunner, period time.Duration, reload ModelReloader, reloadEvery time.Duration, log *applogger.Logger) *Scheduler {
	if log == nil {
		log = applogger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log}))),
		runner: runner,
		reload: reload,
		period: period,
		every:  reloadEvery,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		fatal:  make(chan error, 1),
	}
}

// Register adds the cycle and reload jobs.
func (s *Scheduler) Register() error {
	if s.period <= 0 {
		return fmt.Errorf("scheduler: period must be positive")
	}
	if _, err := s.cron.AddFunc(every(s.period), s.cycleJob); err != nil {
		return fmt.Errorf("register cycle job: %w", err)
	}
	if s.reload != nil && s.every > 0 {
		if _, err := s.cron.AddFunc(every(s.every), s.reloadJob); err != nil {
			return fmt.Errorf("register model reload job: %w", err)
		}
	}
	return nil
}

func every(d time.Duration) string { return "@every " + d.String() }

// Start runs the jobs until Stop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", applogger.Duration("period", s.period), applogger.Duration("model_reload", s.every))
}

// Fatal delivers the first error that must stop the process.
func (s *Scheduler) Fatal() <-chan error { return s.fatal }

// Stop halts the schedule and waits for running jobs. Safe to call twice.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stop.Do(func() {
		s.cancel()
		done := s.cron.Stop().Done()
		select {
		case <-done:
			s.log.Info("scheduler stopped")
		case <-ctx.Done():
			err = fmt.Errorf("scheduler stop: %w", ctx.Err())
		}
	})
	return err
}

// RunOnce executes one cycle immediately, outside the schedule.
func (s *Scheduler) RunOnce() { s.cycleJob() }

func (s *Scheduler) cycleJob() {
	err := s.runner.RunCycle(s.ctx)
	switch {
	case err == nil, errors.Is(err, ErrCycleSkipped), errors.Is(err, context.Canceled):
	case errors.Is(err, decision.ErrInvariant):
		s.log.Error("decision cycle invariant violated", applogger.Error(err))
		s.once.Do(func() { s.fatal <- err })
	default:
		s.log.Error("decision cycle failed", applogger.Error(err))
	}
}

func (s *Scheduler) reloadJob() {
	if err := s.reload.Reload(s.ctx); err != nil {
		s.log.Warn("model reload failed, keeping current model", applogger.Error(err))
	}
}

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct {
	log *applogger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, applogger.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, applogger.Error(err), applogger.Any("kv", keysAndValues))
}
