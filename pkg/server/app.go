package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PolyPulse/pkg/config"
	applogger "PolyPulse/pkg/logger"
)

// Resumer reconnects every live feed after the process was suspended.
type Resumer interface {
	Resume()
}

// Scheduler drives the periodic jobs.
type Scheduler interface {
	Register() error
	Start()
	Fatal() <-chan error
	Stop(ctx context.Context) error
}

// Feed is a live stream that subscribes on Start.
type Feed interface {
	Start() error
}

// StreamCloser closes every stream client.
type StreamCloser interface {
	CloseAll() error
}

// ModelLoader fetches the ensemble artifact.
type ModelLoader interface {
	Reload(ctx context.Context) error
}

// History restores and force-flushes prediction records.
type History interface {
	Load(ctx context.Context) error
	Close(ctx context.Context) error
}

// HTTPServer is the echo server lifecycle.
type HTTPServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// Components are the parts the App starts and stops. Nil members are skipped.
type Components struct {
	Pipeline  Resumer
	Scheduler Scheduler
	Feeds     []Feed
	Streams   StreamCloser
	Model     ModelLoader
	History   History
	HTTP      HTTPServer
	// LogCollect, when set, aggregates warn/error logs for publishing.
	LogCollect *applogger.CollectionConfig
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg *config.Config
	log *applogger.Logger
	c   Components

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, log *applogger.Logger, c Components) *App {
	if log == nil {
		log = applogger.Nop()
	}
	return &App{cfg: cfg, log: log, c: c}
}

// Run starts the application and blocks until SIGINT/SIGTERM or a fatal
// cycle error. SIGCONT resumes every feed.
func (a *App) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGCONT)
	defer signal.Stop(sigCh)
	return a.run(context.Background(), sigCh)
}

func (a *App) run(ctx context.Context, sigCh <-chan os.Signal) error {
	if err := a.start(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return err
	}

	var fatal <-chan error
	if a.c.Scheduler != nil {
		fatal = a.c.Scheduler.Fatal()
	}
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGCONT {
				a.log.Info("resumed from suspension")
				if a.c.Pipeline != nil {
					a.c.Pipeline.Resume()
				}
				continue
			}
			a.log.Info("shutdown signal received", applogger.String("signal", sig.String()))
			return a.Shutdown(ctx)
		case err := <-fatal:
			a.log.Error("fatal cycle error", applogger.Error(err))
			if serr := a.Shutdown(ctx); serr != nil {
				return errors.Join(err, serr)
			}
			return err
		case <-ctx.Done():
			return a.Shutdown(context.Background())
		}
	}
}

func (a *App) start(ctx context.Context) error {
	if a.c.LogCollect != nil {
		a.log.AddCollector(a.c.LogCollect)
	}

	if a.c.History != nil {
		if err := a.c.History.Load(ctx); err != nil {
			// an unreadable history starts empty
			a.log.Warn("prediction history not restored", applogger.Error(err))
		}
	}

	if a.c.Model != nil {
		if err := a.c.Model.Reload(ctx); err != nil {
			a.log.Warn("ensemble model unavailable, running rule-only", applogger.Error(err))
		}
	}

	for _, f := range a.c.Feeds {
		if err := f.Start(); err != nil {
			return fmt.Errorf("start feed: %w", err)
		}
	}

	if a.c.Scheduler != nil {
		if err := a.c.Scheduler.Register(); err != nil {
			return fmt.Errorf("register scheduler: %w", err)
		}
		a.c.Scheduler.Start()
	}

	if a.c.HTTP != nil {
		if err := a.c.HTTP.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
	}

	a.log.Info("polypulse started",
		applogger.String("environment", a.environment()),
		applogger.Int("feeds", len(a.c.Feeds)),
	)
	return nil
}

func (a *App) environment() string {
	if a.cfg == nil {
		return ""
	}
	return a.cfg.Environment
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg == nil || a.cfg.Server.ShutdownTimeout <= 0 {
		return 15 * time.Second
	}
	return a.cfg.Server.ShutdownTimeout
}

// Shutdown stops the scheduler first so no cycle runs against closed feeds,
// then the streams, then force-flushes the prediction history. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.log.Info("shutting down...")
		sctx, cancel := context.WithTimeout(ctx, a.shutdownTimeout())
		defer cancel()

		var errs []error
		if a.c.Scheduler != nil {
			if err := a.c.Scheduler.Stop(sctx); err != nil {
				errs = append(errs, err)
			}
		}
		if a.c.Streams != nil {
			if err := a.c.Streams.CloseAll(); err != nil {
				errs = append(errs, fmt.Errorf("close streams: %w", err))
			}
		}
		if a.c.History != nil {
			if err := a.c.History.Close(sctx); err != nil {
				errs = append(errs, fmt.Errorf("flush history: %w", err))
			}
		}
		if a.c.HTTP != nil {
			if err := a.c.HTTP.Stop(sctx); err != nil {
				errs = append(errs, fmt.Errorf("http: %w", err))
			}
		}
		for _, err := range errs {
			a.log.Warn("shutdown step failed", applogger.Error(err))
		}
		a.log.RemoveCollector()
		a.shutdownErr = errors.Join(errs...)
		a.log.Info("shutdown complete")
	})
	return a.shutdownErr
}
